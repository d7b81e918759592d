// Package index implements the retrieval index: a pluggable
// nearest-neighbor search over memories and skills. The default
// implementation is a pure in-memory token-vector index; an optional
// embedding-backed implementation delegates vectorization to an
// OpenAI-compatible embeddings endpoint.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

// Hit is one search result: an indexed id and its similarity in [0,1].
type Hit struct {
	ID         string
	Similarity float64
}

// Provider is the retrieval contract consumed by every store. Removal is
// idempotent; Add on an existing id overwrites metadata and re-indexes.
type Provider interface {
	Add(id, text string, metadata map[string]string) error
	Remove(id string) error
	Search(query string, filter map[string]string, limit int) ([]Hit, error)
}

type textEntry struct {
	vector   map[string]float64
	norm     float64
	metadata map[string]string
}

// TextIndex is a deterministic in-memory token-frequency index using
// cosine similarity; it needs no embeddings service.
type TextIndex struct {
	mu      sync.RWMutex
	entries map[string]*textEntry
}

// NewTextIndex returns an empty TextIndex.
func NewTextIndex() *TextIndex {
	return &TextIndex{entries: make(map[string]*textEntry)}
}

// Add indexes text under id, overwriting any prior entry for id.
func (x *TextIndex) Add(id, text string, metadata map[string]string) error {
	if id == "" {
		return memerr.New(memerr.KindValidation, "index: id is required")
	}
	vec := tokenize(text)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[id] = &textEntry{vector: vec, norm: vectorNorm(vec), metadata: meta}
	return nil
}

// Remove deletes id from the index. Removing an absent id is a no-op.
func (x *TextIndex) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, id)
	return nil
}

// Search returns up to limit hits ordered by descending similarity, with
// a stable tie-break on id so identical store contents always produce the
// same sequence.
func (x *TextIndex) Search(query string, filter map[string]string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, memerr.New(memerr.KindValidation, "index: limit must be > 0")
	}
	qvec := tokenize(query)
	qnorm := vectorNorm(qvec)

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.entries))
	for id, e := range x.entries {
		if !matchesFilter(e.metadata, filter) {
			continue
		}
		sim := cosine(qvec, qnorm, e.vector, e.norm)
		if sim <= 0 {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// TextSimilarity scores two free-text strings in [0,1] with the same
// token-vector cosine the TextIndex uses; the consolidator uses it for
// near-duplicate outcome clustering.
func TextSimilarity(a, b string) float64 {
	av, bv := tokenize(a), tokenize(b)
	return cosine(av, vectorNorm(av), bv, vectorNorm(bv))
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

func tokenize(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		vec[tok]++
	}
	return vec
}

func vectorNorm(vec map[string]float64) float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func cosine(a map[string]float64, normA float64, b map[string]float64, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for tok, av := range a {
		if bv, ok := b[tok]; ok {
			dot += av * bv
		}
	}
	return dot / (normA * normB)
}
