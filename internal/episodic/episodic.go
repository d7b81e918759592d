// Package episodic implements the Episodic Store: a
// persistent, queryable log of task executions with derived scoring,
// semantic retrieval, and pub/sub-driven cache invalidation.
package episodic

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
	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
)

// Resource is the lock-manager resource name serializing episodic writes.
const Resource = "episodic"

// MaxQueryLimit bounds Query and Search result sizes.
const MaxQueryLimit = 100

// utilityAlpha shapes how fast the utility term saturates as patterns
// are derived from an episode.
const utilityAlpha = 0.3

// Filter narrows a Query.
type Filter struct {
	SessionID      string
	TaskPrompt     string
	MinScore       float64
	Since          time.Time
	Until          time.Time
	Tags           []string
	Unconsolidated bool
}

// Update carries the partially updatable fields of an episode. MemoryID,
// CreatedAt, and SessionID are not updatable.
type Update struct {
	Outcome         *string
	Success         *bool
	DurationSeconds *float64
	Importance      *float64
	Tags            *[]string
	Consolidated    *bool
	UtilityCount    *int
}

// Store is the episodic tier built on the backend adapter, retrieval
// index, and lock manager.
type Store struct {
	adapter *backend.Adapter
	index   index.Provider
	locks   *lockmgr.Manager

	weights config.ScoreWeights
	tau     time.Duration
	ttl     time.Duration

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

	Weights      config.ScoreWeights
	RecencyTau   time.Duration
	TTL          time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Clock clock.Clock
	Log   obslog.Logger
}

// New builds an episodic Store.
func New(opts Options) *Store {
	if opts.Index == nil {
		opts.Index = index.Null{}
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
		weights:      opts.Weights,
		tau:          opts.RecencyTau,
		ttl:          opts.TTL,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		log:          opts.Log,
	}
}

// ListenInvalidation subscribes to the episodic channel so peer writes
// invalidate this process's cache entries.
func (s *Store) ListenInvalidation(ctx context.Context) error {
	return s.adapter.Listen(ctx, backend.ChannelEpisodic, func(ev backend.Event) {
		s.adapter.Invalidate(backend.KeyEpisodic(ev.ID))
	})
}

// Add persists the episode, indexes it best-effort, and publishes an
// added event. The episode's score is computed before the write.
func (s *Store) Add(ctx context.Context, e *model.Episode) (*model.Episode, error) {
	if e.MemoryID == "" {
		e.MemoryID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	e.Schema = model.SchemaVersion
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Score = s.score(e)

	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.put(ctx, e); err != nil {
		return nil, err
	}

	if err := s.index.Add(e.MemoryID, indexText(e), map[string]string{"tier": "episodic"}); err != nil {
		s.log.Warn("episodic index update failed", "memory_id", e.MemoryID, "error", err.Error())
	}
	s.adapter.Publish(ctx, backend.ChannelEpisodic, "added", e.MemoryID)
	return e, nil
}

// Get returns the episode by id, or NotFound.
func (s *Store) Get(ctx context.Context, memoryID string) (*model.Episode, error) {
	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.get(ctx, memoryID)
}

// Query returns episodes matching filter, ordered by score descending
// with created_at descending as the tie-break. limit is required and
// bounded by MaxQueryLimit.
func (s *Store) Query(ctx context.Context, f Filter, limit int) ([]*model.Episode, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "episodic: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	kvs, err := s.adapter.Scan(ctx, "memory:episodic:", 0)
	if err != nil {
		return nil, err
	}

	var out []*model.Episode
	for _, kv := range kvs {
		var e model.Episode
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			s.log.Warn("skipping undecodable episode", "key", kv.Key)
			continue
		}
		if matches(&e, f) {
			copied := e
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves episodes by text similarity, ordered by descending
// similarity with a stable tie-break on memory_id (done by the index).
func (s *Store) Search(ctx context.Context, text string, limit int) ([]*model.Episode, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "episodic: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	hits, err := s.index.Search(text, map[string]string{"tier": "episodic"}, limit)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]*model.Episode, 0, len(hits))
	for _, h := range hits {
		e, err := s.get(ctx, h.ID)
		if err != nil {
			// Index may briefly lead or lag the store; a dangling hit is
			// dropped, not surfaced.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ApplyUpdate partially updates the episode under the write lock and
// recomputes its score.
func (s *Store) ApplyUpdate(ctx context.Context, memoryID string, u Update) (*model.Episode, error) {
	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	e, err := s.get(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	if u.Outcome != nil {
		e.Outcome = *u.Outcome
	}
	if u.Success != nil {
		e.Success = *u.Success
	}
	if u.DurationSeconds != nil {
		e.DurationSeconds = *u.DurationSeconds
	}
	if u.Importance != nil {
		e.Importance = *u.Importance
	}
	if u.Tags != nil {
		e.Tags = *u.Tags
	}
	if u.Consolidated != nil {
		e.Consolidated = *u.Consolidated
	}
	if u.UtilityCount != nil {
		e.UtilityCount = *u.UtilityCount
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Score = s.score(e)

	if err := s.put(ctx, e); err != nil {
		return nil, err
	}
	s.adapter.Publish(ctx, backend.ChannelEpisodic, "updated", e.MemoryID)
	return e, nil
}

// Rescore recomputes and persists the score of one episode: an
// ApplyUpdate that changes no field.
func (s *Store) Rescore(ctx context.Context, memoryID string) (*model.Episode, error) {
	return s.ApplyUpdate(ctx, memoryID, Update{})
}

func (s *Store) get(ctx context.Context, memoryID string) (*model.Episode, error) {
	raw, err := s.adapter.Get(ctx, backend.KeyEpisodic(memoryID))
	if err != nil {
		if memerr.Is(err, memerr.KindNotFound) {
			return nil, memerr.New(memerr.KindNotFound, "episode not found: "+memoryID)
		}
		return nil, err
	}
	var e model.Episode
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, memerr.Wrap(memerr.KindCorruption, "episodic: decode episode", err)
	}
	return &e, nil
}

func (s *Store) put(ctx context.Context, e *model.Episode) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "episodic: encode episode", err)
	}
	return s.adapter.Put(ctx, backend.KeyEpisodic(e.MemoryID), raw, s.ttl)
}

// score implements w_s·success + w_i·importance + w_r·recency +
// w_u·utility with recency = exp(-Δt/τ) and utility saturating with the
// number of derived patterns.
func (s *Store) score(e *model.Episode) float64 {
	var success float64
	if e.Success {
		success = 1
	}
	age := s.clock.Since(e.CreatedAt)
	recency := math.Exp(-age.Seconds() / s.tau.Seconds())
	utility := 1 - math.Exp(-utilityAlpha*float64(e.UtilityCount))

	return s.weights.Success*success +
		s.weights.Importance*e.Importance +
		s.weights.Recency*recency +
		s.weights.Utility*utility
}

func matches(e *model.Episode, f Filter) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.TaskPrompt != "" && e.TaskPrompt != f.TaskPrompt {
		return false
	}
	if e.Score < f.MinScore {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	for _, want := range f.Tags {
		if !hasTag(e.Tags, want) {
			return false
		}
	}
	if f.Unconsolidated && e.Consolidated {
		return false
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func indexText(e *model.Episode) string {
	text := e.TaskPrompt + " " + e.Outcome
	for _, t := range e.Tags {
		text += " " + t
	}
	return text
}
