// Package runtime wires every component of the memory and skill
// substrate into one explicit value constructed at startup and threaded
// into callers — the re-architecture of the source's module-level
// singletons into a single controlled initializer.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/cache"
	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/codec"
	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/consolidator"
	"github.com/CLIAIRMONITOR/memcore/internal/durable"
	"github.com/CLIAIRMONITOR/memcore/internal/durable/boltstore"
	"github.com/CLIAIRMONITOR/memcore/internal/durable/sqlitestore"
	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/memory"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/obsmetrics"
	"github.com/CLIAIRMONITOR/memcore/internal/semantic"
	"github.com/CLIAIRMONITOR/memcore/internal/session"
	"github.com/CLIAIRMONITOR/memcore/internal/sharedkv"
	"github.com/CLIAIRMONITOR/memcore/internal/skill"
)

// processLockStaleAfter is how old an orphaned lock file must be before
// it is reclaimed.
const processLockStaleAfter = 5 * time.Minute

// Runtime owns every long-lived component. Tests construct a fresh
// Runtime per case; the daemon constructs exactly one.
type Runtime struct {
	Config  *config.Config
	Log     obslog.Logger
	Metrics *obsmetrics.Registry
	Clock   clock.Clock

	Locks        *lockmgr.Manager
	Sessions     *session.Manager
	Memory       *memory.Facade
	Episodes     *episodic.Store
	Patterns     *semantic.Store
	SkillStore   *skill.Store
	Skills       *skill.Library
	Consolidator *consolidator.Consolidator

	shared   sharedkv.KV
	adapters []*backend.Adapter
	durables []durable.Store
}

// Options overrides injectable dependencies; zero values fall back to
// production defaults.
type Options struct {
	Log    obslog.Logger
	Clock  clock.Clock
	Shared sharedkv.KV  // overrides cfg.RedisURL
	Runner skill.Runner // skill execution backend
}

// New constructs and wires the full substrate from cfg.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, "runtime: invalid config", err)
	}
	log := opts.Log
	if log == nil {
		log = obslog.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	for _, sub := range []string{"", "locks", "skills_history"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return nil, memerr.Wrap(memerr.KindInternal, "runtime: create data dir", err)
		}
	}

	rt := &Runtime{
		Config:  cfg,
		Log:     log,
		Metrics: obsmetrics.New(),
		Clock:   clk,
	}

	rt.Locks = lockmgr.New(filepath.Join(cfg.DataDir, "locks"), processLockStaleAfter, rt.Metrics, log, clk)

	shared := opts.Shared
	if shared == nil {
		if cfg.RedisURL != "" {
			r, err := sharedkv.NewRedis(cfg.RedisURL, cfg.PoolSize)
			if err != nil {
				// The core must function without the shared backend;
				// start durable-only and let the operator reconnect.
				log.Warn("shared KV unavailable at startup, running durable-only", "error", err.Error())
				shared = sharedkv.Null{}
			} else {
				shared = r
			}
		} else {
			shared = sharedkv.Null{}
		}
	}
	rt.shared = shared

	cdc := codec.New(cfg.CompressionThresholdBytes)

	newAdapter := func(file string) (*backend.Adapter, error) {
		store, err := rt.openDurable(filepath.Join(cfg.DataDir, file))
		if err != nil {
			return nil, err
		}
		rt.durables = append(rt.durables, store)
		a := backend.New(backend.Options{
			Durable:                store,
			Shared:                 shared,
			Cache:                  cache.New(cfg.CacheSize, cfg.CacheTTL, clk, rt.Metrics),
			Codec:                  cdc,
			MaxPayloadBytes:        cfg.MaxPayloadBytes,
			UnhealthyFailThreshold: cfg.UnhealthyFailThreshold,
			Metrics:                rt.Metrics,
			Log:                    log,
			Clock:                  clk,
		})
		rt.adapters = append(rt.adapters, a)
		return a, nil
	}

	episodicAdapter, err := newAdapter("episodic.db")
	if err != nil {
		return nil, err
	}
	semanticAdapter, err := newAdapter("semantic.db")
	if err != nil {
		return nil, err
	}
	skillAdapter, err := newAdapter("skill.db")
	if err != nil {
		return nil, err
	}

	rt.Episodes = episodic.New(episodic.Options{
		Adapter:      episodicAdapter,
		Index:        index.NewTextIndex(),
		Locks:        rt.Locks,
		Weights:      cfg.ScoreWeights,
		RecencyTau:   time.Duration(cfg.RecencyTauDays * 24 * float64(time.Hour)),
		TTL:          cfg.TTL.Episodic,
		ReadTimeout:  cfg.RWReadTimeout,
		WriteTimeout: cfg.RWWriteTimeout,
		Clock:        clk,
		Log:          log,
	})
	rt.Patterns = semantic.New(semantic.Options{
		Adapter:      semanticAdapter,
		Index:        index.NewTextIndex(),
		Locks:        rt.Locks,
		TTL:          cfg.TTL.Semantic,
		ReadTimeout:  cfg.RWReadTimeout,
		WriteTimeout: cfg.RWWriteTimeout,
		Clock:        clk,
		Log:          log,
	})
	rt.SkillStore = skill.NewStore(skill.StoreOptions{
		Adapter:      skillAdapter,
		Index:        index.NewTextIndex(),
		Locks:        rt.Locks,
		TTL:          cfg.TTL.Skill,
		ReadTimeout:  cfg.RWReadTimeout,
		WriteTimeout: cfg.RWWriteTimeout,
		Clock:        clk,
		Log:          log,
	})
	rt.Skills = skill.NewLibrary(skill.LibraryOptions{
		Store:   rt.SkillStore,
		History: skill.NewHistory(filepath.Join(cfg.DataDir, "skills_history"), rt.Locks, cfg.ProcessLockTimeout),
		Runner:  opts.Runner,
		Log:     log,
	})

	rt.Sessions = session.NewManager(cfg.WorkingCapacity, cfg.TTL.Session, clk, log)
	rt.Memory = memory.NewFacade(rt.Sessions, rt.Episodes, rt.Patterns, rt.Skills)

	rt.Consolidator = consolidator.New(consolidator.Options{
		Episodes: rt.Episodes,
		Patterns: rt.Patterns,
		Interval: cfg.ConsolidationInterval,
		Clock:    clk,
		Log:      log,
	})

	return rt, nil
}

// Adapters exposes the backend adapters (episodic, semantic, skill, in
// construction order) for health reporting.
func (rt *Runtime) Adapters() []*backend.Adapter { return rt.adapters }

func (rt *Runtime) openDurable(path string) (durable.Store, error) {
	switch rt.Config.DurableBackend {
	case "bolt":
		return boltstore.Open(path)
	default:
		return sqlitestore.Open(path)
	}
}

// Start launches background work: pub/sub invalidation listeners, the
// session reaper, and the consolidator loop.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Episodes.ListenInvalidation(ctx); err != nil {
		rt.Log.Warn("episodic invalidation listener unavailable", "error", err.Error())
	}
	if err := rt.Patterns.ListenInvalidation(ctx); err != nil {
		rt.Log.Warn("semantic invalidation listener unavailable", "error", err.Error())
	}
	if err := rt.SkillStore.ListenInvalidation(ctx); err != nil {
		rt.Log.Warn("skill invalidation listener unavailable", "error", err.Error())
	}

	rt.Sessions.StartReaper(time.Minute)
	rt.Consolidator.Start(ctx)
	rt.Log.Info("runtime started",
		"data_dir", rt.Config.DataDir,
		"durable_backend", rt.Config.DurableBackend,
		"shared_kv", rt.Config.RedisURL != "")
	return nil
}

// Close stops background work and releases every owned resource in
// reverse construction order.
func (rt *Runtime) Close() {
	rt.Consolidator.Stop()
	rt.Sessions.Stop()
	for _, a := range rt.adapters {
		a.Close()
	}
	for _, d := range rt.durables {
		if err := d.Close(); err != nil {
			rt.Log.Warn("failed to close durable store", "error", err.Error())
		}
	}
	if err := rt.shared.Close(); err != nil {
		rt.Log.Warn("failed to close shared KV", "error", err.Error())
	}
}
