package skill

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/cache"
	"github.com/CLIAIRMONITOR/memcore/internal/codec"
	"github.com/CLIAIRMONITOR/memcore/internal/durable/boltstore"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
)

func newTestLibrary(t *testing.T, runner Runner) (*Library, *Store) {
	t.Helper()
	db, err := boltstore.Open(filepath.Join(t.TempDir(), "skill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := backend.New(backend.Options{
		Durable: db,
		Cache:   cache.New(100, time.Hour, nil, nil),
		Codec:   codec.New(1024),
	})
	t.Cleanup(adapter.Close)

	locks := lockmgr.New(t.TempDir(), time.Minute, nil, nil, nil)
	store := NewStore(StoreOptions{
		Adapter:      adapter,
		Index:        index.NewTextIndex(),
		Locks:        locks,
		TTL:          180 * 24 * time.Hour,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	lib := NewLibrary(LibraryOptions{
		Store:         store,
		History:       NewHistory(filepath.Join(t.TempDir(), "skills_history"), locks, time.Second),
		Runner:        runner,
		MaxConcurrent: 10,
	})
	return lib, store
}

func loginSkill(name string) *model.Skill {
	return &model.Skill{
		Name:        name,
		Description: "generic login flow",
		Category:    "auth",
		Tags:        []string{"login"},
		ActionSequence: []model.ActionStep{
			{
				Name:   "open_form",
				Action: "navigate",
				Parameters: []model.Parameter{
					{Name: "url", Type: "string", Required: true},
				},
			},
			{Name: "submit", Action: "click"},
		},
	}
}

func TestLibrary_AddValidatedSkillBecomesActive(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)

	saved, err := lib.Add(context.Background(), loginSkill("login_generic"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SkillActive, saved.Status)
	assert.Equal(t, 1, saved.Version)
	assert.NotEmpty(t, saved.ContentHash)
}

func TestLibrary_GetByNameReturnsOnlyActive(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	got, err := lib.GetByName(ctx, "login_generic")
	require.NoError(t, err)
	assert.Equal(t, saved.SkillID, got.SkillID)

	_, err = lib.Deprecate(ctx, saved.SkillID, "")
	require.NoError(t, err)

	_, err = lib.GetByName(ctx, "login_generic")
	assert.True(t, memerr.Is(err, memerr.KindNotFound))
}

func TestLibrary_ActiveNameUniquenessEnforced(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	_, err = lib.Add(ctx, loginSkill("login_generic"), true, nil)
	assert.True(t, memerr.Is(err, memerr.KindNameConflict))
}

func TestLibrary_OptimisticLockingConflict(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)
	require.Equal(t, 1, saved.Version)

	// Agent B updates first: version becomes 2.
	update := loginSkill("login_generic")
	update.SkillID = saved.SkillID
	v1 := 1
	updated, err := lib.Add(ctx, update, true, &v1)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	// Agent A still holds version 1; its write must conflict.
	stale := loginSkill("login_generic")
	stale.SkillID = saved.SkillID
	_, err = lib.Add(ctx, stale, true, &v1)
	assert.True(t, memerr.Is(err, memerr.KindVersionConflict))

	// Refetch-and-retry with the current version succeeds at version 3.
	v2 := 2
	retried, err := lib.Add(ctx, stale, true, &v2)
	require.NoError(t, err)
	assert.Equal(t, 3, retried.Version)
}

func TestLibrary_VersionHistoryRecordsPriorRevisions(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		update := loginSkill("login_generic")
		update.SkillID = saved.SkillID
		update.Description = "revision"
		_, err = lib.Add(ctx, update, true, nil)
		require.NoError(t, err)
	}

	history, err := lib.GetVersionHistory(ctx, saved.SkillID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)

	v1, err := lib.GetVersion(ctx, saved.SkillID, 1)
	require.NoError(t, err)
	assert.Equal(t, saved.ContentHash, v1.ContentHash)

	_, err = lib.GetVersion(ctx, saved.SkillID, 99)
	assert.True(t, memerr.Is(err, memerr.KindNotFound))
}

func TestStore_RecordExecutionUpdatesStats(t *testing.T) {
	lib, store := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	sk, err := store.RecordExecution(ctx, saved.SkillID, true, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.UsageCount)
	assert.InDelta(t, 1.0, sk.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0, sk.AvgDuration, 1e-9)

	sk, err = store.RecordExecution(ctx, saved.SkillID, false, 4*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, sk.UsageCount)
	assert.InDelta(t, 0.5, sk.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8*2.0+0.2*4.0, sk.AvgDuration, 1e-9)
}

func TestStore_DeprecateIsIdempotentAndValidatesReplacement(t *testing.T) {
	lib, store := newTestLibrary(t, nil)
	ctx := context.Background()

	old, err := lib.Add(ctx, loginSkill("login_old"), true, nil)
	require.NoError(t, err)
	replacement, err := lib.Add(ctx, loginSkill("login_new"), true, nil)
	require.NoError(t, err)

	_, err = store.Deprecate(ctx, old.SkillID, "no-such-skill")
	assert.True(t, memerr.Is(err, memerr.KindValidation))

	first, err := store.Deprecate(ctx, old.SkillID, replacement.SkillID)
	require.NoError(t, err)
	assert.Equal(t, model.SkillDeprecated, first.Status)

	second, err := store.Deprecate(ctx, old.SkillID, replacement.SkillID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status, "deprecate twice equals deprecate once")
}

func TestLibrary_ExecuteValidatesRequiredParameters(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	_, err = lib.Execute(ctx, saved.SkillID, map[string]any{}, time.Second)
	assert.True(t, memerr.Is(err, memerr.KindValidation), "missing required url must fail fast")

	res, err := lib.Execute(ctx, saved.SkillID, map[string]any{"url": "https://example.com"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, saved.SkillID, res.SkillID)
}

func TestLibrary_ExecuteTimeoutRecordsFailure(t *testing.T) {
	slow := RunnerFunc(func(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return params, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	lib, store := newTestLibrary(t, slow)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	_, err = lib.Execute(ctx, saved.SkillID, map[string]any{"url": "x"}, 50*time.Millisecond)
	assert.True(t, memerr.Is(err, memerr.KindTimeout))

	sk, err := store.Get(ctx, saved.SkillID)
	require.NoError(t, err)
	assert.Equal(t, 1, sk.UsageCount)
	assert.InDelta(t, 0.0, sk.SuccessRate, 1e-9, "timeout counts as a failed execution")
}

func TestLibrary_BatchExecutePartialFailure(t *testing.T) {
	// Skill #3 declares a failure, #4 exceeds its deadline; #1, #2, #5
	// succeed. Every pair gets exactly one result.
	var mu sync.Mutex
	calls := map[string]int{}
	runner := RunnerFunc(func(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error) {
		mu.Lock()
		calls[sk.Name]++
		mu.Unlock()
		switch sk.Name {
		case "skill_3":
			return nil, errors.New("declared failure")
		case "skill_4":
			select {
			case <-time.After(5 * time.Second):
				return params, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return params, nil
		}
	})
	lib, _ := newTestLibrary(t, runner)
	ctx := context.Background()

	var pairs []Pair
	for _, name := range []string{"skill_1", "skill_2", "skill_3", "skill_4", "skill_5"} {
		sk := loginSkill(name)
		sk.ActionSequence[0].Parameters = nil // no required params
		saved, err := lib.Add(ctx, sk, true, nil)
		require.NoError(t, err)
		pairs = append(pairs, Pair{SkillID: saved.SkillID})
	}

	_, err := lib.BatchExecute(ctx, pairs, 200*time.Millisecond, 100)
	assert.True(t, memerr.Is(err, memerr.KindValidation), "concurrency above the bound is rejected")

	start := time.Now()
	results, err := lib.BatchExecute(ctx, pairs, 200*time.Millisecond, 2)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.True(t, memerr.Is(results[3].Err, memerr.KindTimeout))
	assert.NoError(t, results[4].Err)

	assert.Less(t, elapsed, 200*time.Millisecond*3+500*time.Millisecond,
		"wall time bounded by timeout_per_skill * ceil(N/max_concurrent) + epsilon")
}

func TestLibrary_ComposeSkipsUnmetPreconditionAndStopsOnFailure(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error) {
		switch sk.Name {
		case "producer":
			return map[string]any{"session_token": "tok"}, nil
		case "breaker":
			return nil, errors.New("hard failure")
		default:
			return params, nil
		}
	})
	lib, _ := newTestLibrary(t, runner)
	ctx := context.Background()

	mk := func(name string, preconditions ...string) string {
		sk := loginSkill(name)
		sk.ActionSequence[0].Parameters = nil
		sk.Preconditions = preconditions
		saved, err := lib.Add(ctx, sk, true, nil)
		require.NoError(t, err)
		return saved.SkillID
	}

	producer := mk("producer")
	gated := mk("gated", "session_token")      // satisfied by producer's output
	skipped := mk("skipped", "missing_key")    // never satisfied -> recoverable skip
	breaker := mk("breaker")                   // hard failure -> stop
	unreached := mk("unreached")

	res := lib.Compose(ctx, []string{producer, gated, skipped, breaker, unreached}, nil, time.Second)

	require.Len(t, res.Steps, 5, "every input id gets exactly one status, in input order")
	assert.Equal(t, StepExecuted, res.Steps[0].Status)
	assert.Equal(t, StepExecuted, res.Steps[1].Status)
	assert.Equal(t, StepSkipped, res.Steps[2].Status)
	assert.Equal(t, StepFailed, res.Steps[3].Status)
	assert.Equal(t, 3, res.FailedIndex)

	assert.Equal(t, unreached, res.Steps[4].SkillID)
	assert.Equal(t, StepSkipped, res.Steps[4].Status, "steps after the failure are reported as skipped, not dropped")
	assert.Error(t, res.Steps[4].Err)
	assert.Equal(t, "tok", res.Context["session_token"], "shared context threads through executed steps")
}

func TestLibrary_ConcurrentGetByNameNeedsNoWriterLock(t *testing.T) {
	lib, store := newTestLibrary(t, nil)
	ctx := context.Background()

	saved, err := lib.Add(ctx, loginSkill("login_generic"), true, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for a := 0; a < 2; a++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				got, err := lib.GetByName(ctx, "login_generic")
				if err != nil {
					errs <- err
					return
				}
				if got.SkillID != saved.SkillID {
					errs <- errors.New("unexpected skill")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read failed: %v", err)
	}

	writeStats := store.locks.StatsFor(Resource, lockmgr.KindWrite)
	assert.Equal(t, uint64(1), writeStats.Acquisitions, "only the initial Add takes the writer lock")
	readStats := store.locks.StatsFor(Resource, lockmgr.KindRead)
	assert.Equal(t, uint64(0), readStats.Timeouts)
}
