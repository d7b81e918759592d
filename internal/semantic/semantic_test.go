package semantic

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
	"github.com/CLIAIRMONITOR/memcore/internal/durable/boltstore"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
)

func newTestStore(t *testing.T, fc *clock.Fake) *Store {
	t.Helper()
	db, err := boltstore.Open(filepath.Join(t.TempDir(), "semantic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := backend.New(backend.Options{
		Durable: db,
		Cache:   cache.New(100, time.Hour, fc, nil),
		Codec:   codec.New(1024),
	})
	t.Cleanup(adapter.Close)

	return New(Options{
		Adapter:      adapter,
		Index:        index.NewTextIndex(),
		Locks:        lockmgr.New(t.TempDir(), time.Minute, nil, nil, fc),
		TTL:          90 * 24 * time.Hour,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Clock:        fc,
	})
}

func samplePattern() *model.SemanticPattern {
	return &model.SemanticPattern{
		Kind:        model.PatternProcedure,
		Content:     "generic login: open form, fill credentials, submit",
		DerivedFrom: []string{"e1", "e2"},
	}
}

func TestStore_AddDerivesConfidenceFromSupport(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)

	p := samplePattern()
	p.SupportCount = 2
	saved, err := s.Add(context.Background(), p)
	require.NoError(t, err)
	assert.InDelta(t, 0.4512, saved.Confidence, 1e-3) // 1 - e^-0.6
}

func TestStore_ReinforceIsMonotone(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)
	ctx := context.Background()

	saved, err := s.Add(ctx, samplePattern())
	require.NoError(t, err)

	prev := saved.Confidence
	for i := 0; i < 5; i++ {
		r, err := s.Reinforce(ctx, saved.MemoryID, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Confidence, prev, "confidence must never drop under reinforcement")
		prev = r.Confidence
	}

	got, err := s.Get(ctx, saved.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.SupportCount)
}

func TestStore_ReinforceMergesDerivedFromWithoutDuplicates(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)
	ctx := context.Background()

	saved, err := s.Add(ctx, samplePattern())
	require.NoError(t, err)

	r, err := s.Reinforce(ctx, saved.MemoryID, 1, "e2", "e3")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, r.DerivedFrom)
}

func TestStore_QueryFiltersByKindAndOrdersByConfidence(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)
	ctx := context.Background()

	strong := samplePattern()
	strong.SupportCount = 10
	strongSaved, err := s.Add(ctx, strong)
	require.NoError(t, err)

	weak := samplePattern()
	weak.Content = "cookie banners block clicks"
	weakSaved, err := s.Add(ctx, weak)
	require.NoError(t, err)

	fact := samplePattern()
	fact.Kind = model.PatternFact
	_, err = s.Add(ctx, fact)
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{Kind: model.PatternProcedure}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, strongSaved.MemoryID, got[0].MemoryID)
	assert.Equal(t, weakSaved.MemoryID, got[1].MemoryID)
}

func TestStore_SearchWeighsConfidenceTimesSimilarity(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)
	ctx := context.Background()

	confident := samplePattern()
	confident.SupportCount = 20
	confidentSaved, err := s.Add(ctx, confident)
	require.NoError(t, err)

	tentative := samplePattern()
	tentative.SupportCount = 1
	_, err = s.Add(ctx, tentative)
	require.NoError(t, err)

	got, err := s.Search(ctx, "login form credentials", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, confidentSaved.MemoryID, got[0].MemoryID,
		"equal similarity must rank by confidence")
}

func TestStore_DecayReducesStalePatternsOnly(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)
	ctx := context.Background()

	stale, err := s.Add(ctx, samplePattern())
	require.NoError(t, err)

	fc.Advance(90 * 24 * time.Hour)
	fresh, err := s.Add(ctx, samplePattern())
	require.NoError(t, err)

	n, err := s.Decay(ctx, 60*24*time.Hour, 0.95)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotStale, err := s.Get(ctx, stale.MemoryID)
	require.NoError(t, err)
	assert.InDelta(t, stale.Confidence*0.95, gotStale.Confidence, 1e-9)

	gotFresh, err := s.Get(ctx, fresh.MemoryID)
	require.NoError(t, err)
	assert.InDelta(t, fresh.Confidence, gotFresh.Confidence, 1e-9)
}

func TestStore_ReinforceUnknownPatternReturnsNotFound(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, fc)

	_, err := s.Reinforce(context.Background(), "missing", 1)
	assert.True(t, memerr.Is(err, memerr.KindNotFound))
}
