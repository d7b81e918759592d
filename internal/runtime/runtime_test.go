package runtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/memory"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/sharedkv"
)

// testConfig keeps the shipped defaults (sqlite durable backend) so the
// integration tests exercise the same path production runs on.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestRuntime_ConstructsAndClosesWithoutSharedKV(t *testing.T) {
	rt, err := New(testConfig(t), Options{})
	require.NoError(t, err)
	defer rt.Close()

	s1 := rt.Memory.OpenSession("agent-1")
	require.NoError(t, rt.Memory.AddStep(s1, model.Step{Action: "navigate", Success: true}))

	saved, err := rt.Memory.SaveEpisode(context.Background(), s1, memory.EpisodeFields{
		TaskPrompt: "do a thing",
		Outcome:    "done",
		Success:    true,
		Importance: 0.5,
	})
	require.NoError(t, err)

	got, err := rt.Memory.GetEpisode(context.Background(), saved.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, saved.MemoryID, got.MemoryID)

	// Query walks the durable store with an unbounded scan; the default
	// sqlite backend must return the episode, not an empty page.
	queried, err := rt.Memory.QueryEpisodes(context.Background(), episodic.Filter{SessionID: s1}, 10)
	require.NoError(t, err)
	require.Len(t, queried, 1)
	assert.Equal(t, saved.MemoryID, queried[0].MemoryID)
}

func TestRuntime_BoltBackendRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.DurableBackend = "bolt"
	rt, err := New(cfg, Options{})
	require.NoError(t, err)
	defer rt.Close()

	s1 := rt.Memory.OpenSession("agent-1")
	saved, err := rt.Memory.SaveEpisode(context.Background(), s1, memory.EpisodeFields{
		TaskPrompt: "do a thing",
		Outcome:    "done",
		Success:    true,
		Importance: 0.5,
	})
	require.NoError(t, err)

	queried, err := rt.Memory.QueryEpisodes(context.Background(), episodic.Filter{SessionID: s1}, 10)
	require.NoError(t, err)
	require.Len(t, queried, 1)
	assert.Equal(t, saved.MemoryID, queried[0].MemoryID)
}

func TestRuntime_TwoInstancesWriteMirroredToSharedKV(t *testing.T) {
	mr := miniredis.RunT(t)
	newShared := func() sharedkv.KV {
		return sharedkv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}

	rtA, err := New(testConfig(t), Options{Shared: newShared()})
	require.NoError(t, err)
	defer rtA.Close()
	rtB, err := New(testConfig(t), Options{Shared: newShared()})
	require.NoError(t, err)
	defer rtB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rtA.Start(ctx))
	require.NoError(t, rtB.Start(ctx))

	s1 := rtA.Memory.OpenSession("agent-a")
	saved, err := rtA.Memory.SaveEpisode(ctx, s1, memory.EpisodeFields{
		TaskPrompt: "shared task",
		Outcome:    "ok",
		Success:    true,
		Importance: 0.5,
	})
	require.NoError(t, err)

	// The write is mirrored into the shared KV, where instance B can
	// read it even though B's durable store never saw it.
	assert.True(t, mr.Exists("memory:episodic:"+saved.MemoryID))
}

func TestRuntime_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheSize = 0

	_, err := New(cfg, Options{})
	assert.Error(t, err)
}
