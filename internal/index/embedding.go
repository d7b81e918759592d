package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

// EmbeddingProvider turns text into a dense vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedding calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedding struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPEmbedding builds a provider against baseURL (e.g. a local
// LM Studio or Ollama server) using the given model name.
func NewHTTPEmbedding(baseURL, model string) *HTTPEmbedding {
	return &HTTPEmbedding{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (h *HTTPEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: text, Model: h.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return out.Data[0].Embedding, nil
}

type embeddedEntry struct {
	vector   []float32
	metadata map[string]string
}

// EmbeddingIndex stores dense vectors from an EmbeddingProvider and
// searches them with cosine similarity. Vectorization failures on Add
// surface to the caller, who treats index writes as best-effort.
type EmbeddingIndex struct {
	provider EmbeddingProvider

	mu      sync.RWMutex
	entries map[string]*embeddedEntry
}

// NewEmbeddingIndex returns an empty index backed by provider.
func NewEmbeddingIndex(provider EmbeddingProvider) *EmbeddingIndex {
	return &EmbeddingIndex{
		provider: provider,
		entries:  make(map[string]*embeddedEntry),
	}
}

func (x *EmbeddingIndex) Add(id, text string, metadata map[string]string) error {
	if id == "" {
		return memerr.New(memerr.KindValidation, "index: id is required")
	}
	vec, err := x.provider.Embed(context.Background(), text)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "index: embed text", err)
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[id] = &embeddedEntry{vector: vec, metadata: meta}
	return nil
}

func (x *EmbeddingIndex) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, id)
	return nil
}

func (x *EmbeddingIndex) Search(query string, filter map[string]string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, memerr.New(memerr.KindValidation, "index: limit must be > 0")
	}
	qvec, err := x.provider.Embed(context.Background(), query)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "index: embed query", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.entries))
	for id, e := range x.entries {
		if !matchesFilter(e.metadata, filter) {
			continue
		}
		sim := cosineF32(qvec, e.vector)
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

func cosineF32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
