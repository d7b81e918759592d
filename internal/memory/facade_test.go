package memory

import (
	"context"
	"path/filepath"
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
	"github.com/CLIAIRMONITOR/memcore/internal/session"
)

func newTestFacade(t *testing.T) *Facade {
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
	sessions := session.NewManager(50, time.Hour, fc, nil)
	return NewFacade(sessions, episodes, patterns, nil)
}

// Single-agent episodic round trip: three steps, one saved episode,
// retrievable by id, query, and search.
func TestFacade_SingleAgentEpisodicRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	s1 := f.OpenSession("agent-1")
	require.NoError(t, f.AddStep(s1, model.Step{Action: "navigate https://example.com", Success: true, Importance: 0.5}))
	require.NoError(t, f.AddStep(s1, model.Step{Action: "extract title", Success: true, Importance: 0.5}))
	require.NoError(t, f.AddStep(s1, model.Step{Action: "save result.csv", Success: true, Importance: 0.5}))

	saved, err := f.SaveEpisode(ctx, s1, EpisodeFields{
		TaskPrompt:      "Extract title",
		Outcome:         "ok",
		Success:         true,
		DurationSeconds: 2.5,
		Importance:      0.8,
	})
	require.NoError(t, err)
	require.Len(t, saved.Steps, 3)

	got, err := f.GetEpisode(ctx, saved.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "Extract title", got.TaskPrompt)
	assert.Equal(t, "ok", got.Outcome)
	assert.True(t, got.Success)
	assert.InDelta(t, 2.5, got.DurationSeconds, 1e-9)
	assert.InDelta(t, 0.8, got.Importance, 1e-9)

	queried, err := f.QueryEpisodes(ctx, episodic.Filter{SessionID: s1}, 10)
	require.NoError(t, err)
	require.Len(t, queried, 1)
	assert.Equal(t, saved.MemoryID, queried[0].MemoryID)

	found, err := f.SearchEpisodes(ctx, "title", 5)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, saved.MemoryID, found[0].MemoryID)
}

func TestFacade_EnrichedContextPullsEveryTier(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	s1 := f.OpenSession("agent-1")
	require.NoError(t, f.AddStep(s1, model.Step{Action: "open login page", Success: true}))

	_, err := f.SaveEpisode(ctx, s1, EpisodeFields{
		TaskPrompt: "Log into the portal",
		Outcome:    "logged in",
		Success:    true,
		Importance: 0.6,
		Tags:       []string{"login"},
	})
	require.NoError(t, err)

	_, err = f.SavePattern(ctx, &model.SemanticPattern{
		Kind:         model.PatternProcedure,
		Content:      "login flows need the session cookie preserved",
		SupportCount: 3,
	})
	require.NoError(t, err)

	ec, err := f.EnrichedContextFor(ctx, s1, "login", 10, 5)
	require.NoError(t, err)
	assert.Len(t, ec.RecentSteps, 1)
	assert.NotEmpty(t, ec.RelevantEpisodes)
	assert.NotEmpty(t, ec.RelevantPatterns)
	assert.Empty(t, ec.ApplicableSkills, "no skill library wired in this fixture")
}

func TestFacade_EnrichedContextValidatesLimit(t *testing.T) {
	f := newTestFacade(t)
	s1 := f.OpenSession("agent-1")

	_, err := f.EnrichedContextFor(context.Background(), s1, "query", 5, 0)
	assert.Error(t, err)
}
