// Package skill implements the skill store and the skill library
// facade: content-addressed reusable action sequences with validation,
// retrieval, versioning, optimistic locking, and batched execution.
package skill

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
)

// Resource serializes skill data operations; FileResource serializes
// on-disk version-history I/O.
const (
	Resource     = "skill_library"
	FileResource = "skill_library:file"
)

// MaxQueryLimit bounds Query and Search result sizes.
const MaxQueryLimit = 100

// avgDurationBeta is the EWMA weight for avg_duration updates.
const avgDurationBeta = 0.2

// Filter narrows a Query.
type Filter struct {
	Category string
	Status   model.SkillStatus
	Tags     []string
}

// Store is the skill tier built on the backend adapter, retrieval index,
// and lock manager.
type Store struct {
	adapter *backend.Adapter
	index   index.Provider
	locks   *lockmgr.Manager

	ttl          time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	clock clock.Clock
	log   obslog.Logger
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Adapter *backend.Adapter
	Index   index.Provider
	Locks   *lockmgr.Manager

	TTL          time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Clock clock.Clock
	Log   obslog.Logger
}

// NewStore builds a skill Store.
func NewStore(opts StoreOptions) *Store {
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
		ttl:          opts.TTL,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		log:          opts.Log,
	}
}

// ListenInvalidation subscribes to the skill channel so peer writes
// invalidate this process's cache entries.
func (s *Store) ListenInvalidation(ctx context.Context) error {
	return s.adapter.Listen(ctx, backend.ChannelSkill, func(ev backend.Event) {
		s.adapter.Invalidate(backend.KeySkill(ev.ID))
		s.adapter.InvalidatePattern("skill:name:")
	})
}

// Get returns the skill by id, or NotFound.
func (s *Store) Get(ctx context.Context, skillID string) (*model.Skill, error) {
	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.get(ctx, skillID)
}

// GetByName returns the single active skill with that name, or NotFound.
func (s *Store) GetByName(ctx context.Context, name string) (*model.Skill, error) {
	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := s.adapter.Get(ctx, backend.KeySkillName(name))
	if err != nil {
		if memerr.Is(err, memerr.KindNotFound) {
			return nil, memerr.New(memerr.KindNotFound, "no active skill named "+name)
		}
		return nil, err
	}
	sk, err := s.get(ctx, string(raw))
	if err != nil {
		return nil, err
	}
	if sk.Status != model.SkillActive {
		return nil, memerr.New(memerr.KindNotFound, "no active skill named "+name)
	}
	return sk, nil
}

// Query returns skills matching filter ordered by success_rate
// descending, skill_id ascending as the tie-break.
func (s *Store) Query(ctx context.Context, f Filter, limit int) ([]*model.Skill, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "skill: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	kvs, err := s.adapter.Scan(ctx, "memory:skill:", 0)
	if err != nil {
		return nil, err
	}

	var out []*model.Skill
	for _, kv := range kvs {
		var sk model.Skill
		if err := json.Unmarshal(kv.Value, &sk); err != nil {
			s.log.Warn("skipping undecodable skill", "key", kv.Key)
			continue
		}
		if matches(&sk, f) {
			copied := sk
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].SkillID < out[j].SkillID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves active skills by text similarity.
func (s *Store) Search(ctx context.Context, text string, f Filter, limit int) ([]*model.Skill, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		return nil, memerr.New(memerr.KindValidation, "skill: limit must be in (0, "+strconv.Itoa(MaxQueryLimit)+"]")
	}

	hits, err := s.index.Search(text, map[string]string{"tier": "skill"}, limit)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.AcquireRead(ctx, Resource, s.readTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []*model.Skill
	for _, h := range hits {
		sk, err := s.get(ctx, h.ID)
		if err != nil {
			continue
		}
		if sk.Status != model.SkillActive {
			continue
		}
		if matches(sk, f) {
			out = append(out, sk)
		}
	}
	return out, nil
}

// RecordExecution updates usage_count, success_rate, and the avg_duration
// EWMA under the write lock, invalidating cache entries before returning.
func (s *Store) RecordExecution(ctx context.Context, skillID string, success bool, duration time.Duration) (*model.Skill, error) {
	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	sk, err := s.get(ctx, skillID)
	if err != nil {
		return nil, err
	}

	sk.UsageCount++
	if success {
		sk.Successes++
	}
	sk.SuccessRate = float64(sk.Successes) / float64(sk.UsageCount)
	if sk.UsageCount == 1 {
		sk.AvgDuration = duration.Seconds()
	} else {
		sk.AvgDuration = (1-avgDurationBeta)*sk.AvgDuration + avgDurationBeta*duration.Seconds()
	}
	sk.UpdatedAt = s.clock.Now()

	if err := s.putLocked(ctx, sk); err != nil {
		return nil, err
	}
	s.adapter.Invalidate(backend.KeySkill(skillID))
	s.adapter.Invalidate(backend.KeySkillName(sk.Name))
	s.adapter.Publish(ctx, backend.ChannelSkill, "updated", skillID)
	return sk, nil
}

// Deprecate transitions the skill to deprecated. replacementID, when
// given, must refer to an active skill. Deprecating an already
// deprecated skill is a no-op, keeping the operation idempotent.
func (s *Store) Deprecate(ctx context.Context, skillID, replacementID string) (*model.Skill, error) {
	release, err := s.locks.AcquireWrite(ctx, Resource, s.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	sk, err := s.get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if sk.Status == model.SkillDeprecated {
		return sk, nil
	}

	if replacementID != "" {
		repl, err := s.get(ctx, replacementID)
		if err != nil {
			return nil, memerr.New(memerr.KindValidation, "skill: replacement "+replacementID+" not found")
		}
		if repl.Status != model.SkillActive {
			return nil, memerr.New(memerr.KindValidation, "skill: replacement "+replacementID+" is not active")
		}
	}

	sk.Status = model.SkillDeprecated
	sk.UpdatedAt = s.clock.Now()
	if err := s.putLocked(ctx, sk); err != nil {
		return nil, err
	}
	// Deprecated skills fall out of by-name resolution.
	if err := s.adapter.Delete(ctx, backend.KeySkillName(sk.Name)); err != nil {
		s.log.Warn("failed to clear name mapping on deprecate", "skill", skillID, "error", err.Error())
	}
	if err := s.index.Remove(sk.SkillID); err != nil {
		s.log.Warn("failed to de-index deprecated skill", "skill", skillID, "error", err.Error())
	}
	s.adapter.Publish(ctx, backend.ChannelSkill, "updated", skillID)
	return sk, nil
}

// save persists sk and, for active skills, the name→id mapping. The
// caller must hold the write lock; name uniqueness is checked here,
// inside the lock, before committing.
func (s *Store) save(ctx context.Context, sk *model.Skill) error {
	if sk.Status == model.SkillActive {
		existing, err := s.adapter.Get(ctx, backend.KeySkillName(sk.Name))
		if err == nil && string(existing) != sk.SkillID {
			other, gerr := s.get(ctx, string(existing))
			if gerr == nil && other.Status == model.SkillActive {
				return memerr.New(memerr.KindNameConflict, "an active skill named "+sk.Name+" already exists")
			}
		} else if err != nil && !memerr.Is(err, memerr.KindNotFound) {
			return err
		}
	}

	if err := s.putLocked(ctx, sk); err != nil {
		return err
	}
	if sk.Status == model.SkillActive {
		if err := s.adapter.Put(ctx, backend.KeySkillName(sk.Name), []byte(sk.SkillID), s.ttl); err != nil {
			return err
		}
		if err := s.index.Add(sk.SkillID, indexText(sk), map[string]string{"tier": "skill"}); err != nil {
			s.log.Warn("skill index update failed", "skill", sk.SkillID, "error", err.Error())
		}
	}
	return nil
}

func (s *Store) get(ctx context.Context, skillID string) (*model.Skill, error) {
	raw, err := s.adapter.Get(ctx, backend.KeySkill(skillID))
	if err != nil {
		if memerr.Is(err, memerr.KindNotFound) {
			return nil, memerr.New(memerr.KindNotFound, "skill not found: "+skillID)
		}
		return nil, err
	}
	var sk model.Skill
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, memerr.Wrap(memerr.KindCorruption, "skill: decode skill", err)
	}
	return &sk, nil
}

func (s *Store) putLocked(ctx context.Context, sk *model.Skill) error {
	raw, err := json.Marshal(sk)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "skill: encode skill", err)
	}
	return s.adapter.Put(ctx, backend.KeySkill(sk.SkillID), raw, s.ttl)
}

func matches(sk *model.Skill, f Filter) bool {
	if f.Category != "" && sk.Category != f.Category {
		return false
	}
	if f.Status != "" && sk.Status != f.Status {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, t := range sk.Tags {
			if t == want {
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

func indexText(sk *model.Skill) string {
	text := sk.Name + " " + sk.Description
	for _, t := range sk.Tags {
		text += " " + t
	}
	for _, step := range sk.ActionSequence {
		text += " " + step.Name + " " + step.Action
	}
	return text
}
