package consolidator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/cache"
	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/codec"
	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/durable/boltstore"
	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/semantic"
)

type fixture struct {
	episodes *episodic.Store
	patterns *semantic.Store
	cons     *Consolidator
	clock    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Unix(1000, 0))
	dir := t.TempDir()

	newAdapter := func(file string) *backend.Adapter {
		db, err := boltstore.Open(filepath.Join(dir, file))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		a := backend.New(backend.Options{
			Durable: db,
			Cache:   cache.New(100, time.Hour, fc, nil),
			Codec:   codec.New(1024),
		})
		t.Cleanup(a.Close)
		return a
	}

	locks := lockmgr.New(dir, time.Minute, nil, nil, fc)
	episodes := episodic.New(episodic.Options{
		Adapter:      newAdapter("episodic.db"),
		Index:        index.NewTextIndex(),
		Locks:        locks,
		Weights:      config.DefaultConfig().ScoreWeights,
		RecencyTau:   30 * 24 * time.Hour,
		TTL:          30 * 24 * time.Hour,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Clock:        fc,
	})
	patterns := semantic.New(semantic.Options{
		Adapter:      newAdapter("semantic.db"),
		Index:        index.NewTextIndex(),
		Locks:        locks,
		TTL:          90 * 24 * time.Hour,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Clock:        fc,
	})
	cons := New(Options{
		Episodes: episodes,
		Patterns: patterns,
		Interval: 300 * time.Second,
		Clock:    fc,
	})
	return &fixture{episodes: episodes, patterns: patterns, cons: cons, clock: fc}
}

func addLoginEpisodes(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		saved, err := f.episodes.Add(context.Background(), &model.Episode{
			SessionID:       "s1",
			TaskPrompt:      "Log into the portal",
			Outcome:         "logged in and landed on dashboard",
			Success:         true,
			DurationSeconds: 3,
			Importance:      0.7,
			Tags:            []string{"login", "generic"},
		})
		require.NoError(t, err)
		ids = append(ids, saved.MemoryID)
	}
	return ids
}

func TestConsolidator_ProducesProcedurePatternFromCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := addLoginEpisodes(t, f, 5)

	res, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 5, res.Sampled)
	assert.Equal(t, 1, res.PatternsNew)

	got, err := f.patterns.Query(ctx, semantic.Filter{Kind: model.PatternProcedure}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].SupportCount, 5)
	assert.ElementsMatch(t, ids, got[0].DerivedFrom)
}

func TestConsolidator_SecondPassDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addLoginEpisodes(t, f, 5)

	_, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)

	first, err := f.patterns.Query(ctx, semantic.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	support := first[0].SupportCount

	res, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sampled, "consolidated episodes must not be re-sampled")

	second, err := f.patterns.Query(ctx, semantic.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, support, second[0].SupportCount)
}

func TestConsolidator_SingleEpisodeClustersAreNotPromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.episodes.Add(ctx, &model.Episode{
		SessionID:       "s1",
		TaskPrompt:      "One-off task",
		Outcome:         "done",
		Success:         true,
		DurationSeconds: 1,
		Importance:      0.5,
		Tags:            []string{"misc"},
	})
	require.NoError(t, err)

	res, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PatternsNew)
	assert.Equal(t, 0, res.Reinforced)
}

func TestConsolidator_DissimilarOutcomesSplitClusters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcomes := []string{
		"logged in and landed on dashboard",
		"logged in and landed on dashboard",
		"captcha challenge blocked the flow entirely",
	}
	for _, o := range outcomes {
		_, err := f.episodes.Add(ctx, &model.Episode{
			SessionID:       "s1",
			TaskPrompt:      "Log into the portal",
			Outcome:         o,
			Success:         true,
			DurationSeconds: 3,
			Importance:      0.7,
			Tags:            []string{"login"},
		})
		require.NoError(t, err)
	}

	res, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Clusters)
	assert.Equal(t, 1, res.PatternsNew, "only the two-episode cluster promotes")
}

func TestConsolidator_ReentrantInvocationAborts(t *testing.T) {
	f := newFixture(t)

	f.cons.runMu.Lock()
	defer f.cons.runMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	var res *Result
	go func() {
		defer wg.Done()
		var err error
		res, err = f.cons.RunOnce(context.Background())
		require.NoError(t, err)
	}()
	wg.Wait()
	assert.True(t, res.Skipped, "a second concurrent invocation must abort immediately")
}

func TestConsolidator_BumpsEpisodeUtility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := addLoginEpisodes(t, f, 2)

	_, err := f.cons.RunOnce(ctx)
	require.NoError(t, err)

	e, err := f.episodes.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, e.UtilityCount)
	assert.True(t, e.Consolidated)
}
