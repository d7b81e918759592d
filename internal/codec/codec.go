// Package codec is a pure encode/decode pair over byte strings with a
// single marker byte distinguishing compressed from raw payloads. Small
// payloads and payloads that DEFLATE cannot shrink are stored raw.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

const (
	markerRaw     byte = 0x00
	markerDeflate byte = 0x01
)

// Codec holds the compression threshold below which values are stored
// raw even if compression would shrink them (not worth the CPU).
type Codec struct {
	threshold int
}

// New returns a Codec that compresses inputs of at least thresholdBytes.
func New(thresholdBytes int) *Codec {
	return &Codec{threshold: thresholdBytes}
}

// Encode compresses data with DEFLATE and prepends markerDeflate if the
// input is at least the threshold AND the compressed form is strictly
// smaller; otherwise it prepends markerRaw and returns data unchanged.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) < c.threshold {
		return withMarker(markerRaw, data), nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "codec: create deflate writer", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "codec: compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "codec: close deflate writer", err)
	}

	if buf.Len() >= len(data) {
		return withMarker(markerRaw, data), nil
	}
	return withMarker(markerDeflate, buf.Bytes()), nil
}

// Decode is Encode's inverse: decode(encode(x)) == x for all x.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, memerr.New(memerr.KindValidation, "codec: empty payload has no marker byte")
	}

	marker, payload := data[0], data[1:]
	switch marker {
	case markerRaw:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case markerDeflate:
		r := flate.NewReader(bytes.NewReader(payload))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindCorruption, "codec: decompress", err)
		}
		return out, nil
	default:
		return nil, memerr.New(memerr.KindCorruption, "codec: unknown marker byte")
	}
}

func withMarker(marker byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, marker)
	out = append(out, payload...)
	return out
}
