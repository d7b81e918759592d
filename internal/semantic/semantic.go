// Package semantic implements the Semantic Store:
// persistent knowledge patterns distilled from episodes, with
// reinforcement-driven confidence and similarity search weighted by
// confidence.
package semantic

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
)

// Resource is the lock-manager resource name serializing semantic writes.
const Resource = "semantic"

// MaxQueryLimit bounds Query and Search result sizes.
const MaxQueryLimit = 100

// DefaultAlpha shapes confidence growth: confidence = 1 - exp(-α·support).
const DefaultAlpha = 0.3

// Filter narrows a Query.
type Filter struct {
	Kind          model.PatternKind
	MinConfidence float64
	DerivedFrom   string // episode id that must appear in derived_from
}

// Store is the semantic tier.
type Store struct {
	adapter *backend.Adapter
	index   index.Provider
	locks   *lockmgr.Manager

	alpha float64
	ttl   time.Duration

	readTimeout  time.Duration
	writeTimeout time.Duration

	clock clock.Clock
	log   obslog.Logger
}

// Options configures a Store.
type Options struct {
	Adapter *backend.Adapter
	Index   index.Provider
	Locks   *lockmgr.Manager

	Alpha        float64
	TTL          time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Clock clock.Clock
	Log   obslog.Logger
}

// New builds a semantic Store.
func New(opts Options) *Store {
	if opts.Index == nil {
		opts.Index = index.Null{}
	}
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = obslog.Nop()
	}
	return &Store{
		adapter:      opts.Adapter,
		index:        opts.Index,
		locks:        opts.Locks,
		alpha:        opts.Alpha,
		ttl:          opts.TTL,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		log:          opts.Log,
	}
}

// ListenInvalidation subscribes to the semantic channel so peer writes
// invalidate this process's cache entries.
func (s *Store) ListenInvalidation(ctx context.Context) error {
	return s.adapter.Listen(ctx, backend.ChannelSemantic, func(ev backend.Event) {
		s.adapter.Invalidate(backend.KeySemantic(ev.ID))
	})
}

// Add persists the pattern, deriving confidence from its support count.
func (s *Store) Add(ctx context.Context, p *model.SemanticPattern) (*model.SemanticPattern, error) {
	if p.MemoryID == "" {
		p.MemoryID = uuid.New().String()
	}
	now := s.clock.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.SupportCount < 1 {
		p.SupportCount = 1
	}
	p.Confidence = s.confidence(p.SupportCount)
	p.Schema = model.SchemaVersion
	if err := p.Validate(); err != nil {
		return nil, err
	}

	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.put(ctx, p); err != nil {
		return nil, err
	}
	if err := s.index.Add(p.MemoryID, p.Content, map[string]string{"tier": "semantic"}); err != nil {
		s.log.Warn("semantic index update failed", "memory_id", p.MemoryID, "error", err.Error())
	}
	s.adapter.Publish(ctx, backend.ChannelSemantic, "added", p.MemoryID)
	return p, nil
}

// Get returns the pattern by id, or NotFound.
func (s *Store) Get(ctx context.Context, memoryID string) (*model.SemanticPattern, error) {
	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.get(ctx, memoryID)
}

// Query returns patterns matching filter ordered by confidence
// descending, memory_id ascending as the tie-break.
func (s *Store) Query(ctx context.Context, f Filter, limit int) ([]*model.SemanticPattern, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "semantic: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	kvs, err := s.adapter.Scan(ctx, "memory:semantic:", 0)
	if err != nil {
		return nil, err
	}

	var out []*model.SemanticPattern
	for _, kv := range kvs {
		var p model.SemanticPattern
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			s.log.Warn("skipping undecodable pattern", "key", kv.Key)
			continue
		}
		if matches(&p, f) {
			copied := p
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves patterns by text similarity, ordered by descending
// confidence·similarity with a stable tie-break on memory_id.
func (s *Store) Search(ctx context.Context, text string, limit int) ([]*model.SemanticPattern, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "semantic: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	// Over-fetch so confidence weighting can reorder before truncation.
	hits, err := s.index.Search(text, map[string]string{"tier": "semantic"}, MaxQueryLimit)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	type weighted struct {
		pattern *model.SemanticPattern
		rank    float64
	}
	var ranked []weighted
	for _, h := range hits {
		p, err := s.get(ctx, h.ID)
		if err != nil {
			continue
		}
		ranked = append(ranked, weighted{pattern: p, rank: p.Confidence * h.Similarity})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank > ranked[j].rank
		}
		return ranked[i].pattern.MemoryID < ranked[j].pattern.MemoryID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]*model.SemanticPattern, len(ranked))
	for i, w := range ranked {
		out[i] = w.pattern
	}
	return out, nil
}

// Reinforce adds deltaSupport to the pattern's support count and
// recomputes confidence, which is monotone non-decreasing in support.
// derivedFrom episode ids, if given, are merged into the pattern's set.
func (s *Store) Reinforce(ctx context.Context, memoryID string, deltaSupport int, derivedFrom ...string) (*model.SemanticPattern, error) {
	if deltaSupport < 0 {
		return nil, memerr.New(memerr.KindValidation, "semantic: delta_support must be >= 0")
	}

	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := s.get(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	p.SupportCount += deltaSupport
	p.Confidence = math.Max(p.Confidence, s.confidence(p.SupportCount))
	p.DerivedFrom = mergeIDs(p.DerivedFrom, derivedFrom)
	p.UpdatedAt = s.clock.Now()

	if err := s.put(ctx, p); err != nil {
		return nil, err
	}
	s.adapter.Publish(ctx, backend.ChannelSemantic, "updated", p.MemoryID)
	return p, nil
}

// Decay multiplies the confidence of every pattern not reinforced within
// window by factor, returning how many patterns were touched. The
// consolidator's optional decay pass calls this.
func (s *Store) Decay(ctx context.Context, window time.Duration, factor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, memerr.New(memerr.KindValidation, "semantic: decay factor must be in (0,1]")
	}
	cutoff := s.clock.Now().Add(-window)

	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return 0, err
	}
	defer release()

	kvs, err := s.adapter.Scan(ctx, "memory:semantic:", 0)
	if err != nil {
		return 0, err
	}

	var decayed int
	for _, kv := range kvs {
		var p model.SemanticPattern
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			continue
		}
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		p.Confidence *= factor
		if err := s.put(ctx, &p); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

func (s *Store) get(ctx context.Context, memoryID string) (*model.SemanticPattern, error) {
	raw, err := s.adapter.Get(ctx, backend.KeySemantic(memoryID))
	if err != nil {
		if memerr.Is(err, memerr.KindNotFound) {
			return nil, memerr.New(memerr.KindNotFound, "pattern not found: "+memoryID)
		}
		return nil, err
	}
	var p model.SemanticPattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, memerr.Wrap(memerr.KindCorruption, "semantic: decode pattern", err)
	}
	return &p, nil
}

func (s *Store) put(ctx context.Context, p *model.SemanticPattern) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "semantic: encode pattern", err)
	}
	return s.adapter.Put(ctx, backend.KeySemantic(p.MemoryID), raw, s.ttl)
}

func (s *Store) confidence(support int) float64 {
	return 1 - math.Exp(-s.alpha*float64(support))
}

func matches(p *model.SemanticPattern, f Filter) bool {
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if p.Confidence < f.MinConfidence {
		return false
	}
	if f.DerivedFrom != "" {
		found := false
		for _, id := range p.DerivedFrom {
			if id == f.DerivedFrom {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func mergeIDs(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range extra {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}
