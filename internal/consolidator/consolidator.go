// Package consolidator implements the periodic background job that
// promotes recurring episodic patterns into semantic memory:
// it clusters unconsolidated episodes by tag set and near-duplicate
// outcomes, adds or reinforces procedure patterns, marks the episodes
// consolidated, and optionally decays stale pattern confidence.
package consolidator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/index"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/semantic"
)

// Clustering and decay defaults.
const (
	DefaultDupThreshold = 0.9
	DefaultDecayWindow  = 60 * 24 * time.Hour
	DefaultDecayFactor  = 0.95
	DefaultSampleLimit  = 100
	// batchSize is the chunk size of the loop that marks episodes
	// consolidated; each mark is its own ApplyUpdate, which takes and
	// releases the episodic write lock for that one episode.
	batchSize = 10
)

// Result summarizes one consolidation run.
type Result struct {
	Sampled      int
	Clusters     int
	PatternsNew  int
	Reinforced   int
	Decayed      int
	Skipped      bool // a previous run was still active
}

// Consolidator merges episodes into semantic patterns on a fixed cadence.
type Consolidator struct {
	episodes *episodic.Store
	patterns *semantic.Store

	interval     time.Duration
	dupThreshold float64
	decayWindow  time.Duration
	decayFactor  float64
	sampleLimit  int

	clock clock.Clock
	log   obslog.Logger

	// runMu is the single-flight guard: a second concurrent invocation
	// aborts immediately instead of queueing.
	runMu sync.Mutex

	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Options configures a Consolidator.
type Options struct {
	Episodes *episodic.Store
	Patterns *semantic.Store

	Interval     time.Duration
	DupThreshold float64
	DecayWindow  time.Duration
	DecayFactor  float64
	SampleLimit  int

	Clock clock.Clock
	Log   obslog.Logger
}

// New builds a Consolidator.
func New(opts Options) *Consolidator {
	if opts.DupThreshold <= 0 {
		opts.DupThreshold = DefaultDupThreshold
	}
	if opts.DecayWindow <= 0 {
		opts.DecayWindow = DefaultDecayWindow
	}
	if opts.DecayFactor <= 0 {
		opts.DecayFactor = DefaultDecayFactor
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = DefaultSampleLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = obslog.Nop()
	}
	return &Consolidator{
		episodes:     opts.Episodes,
		patterns:     opts.Patterns,
		interval:     opts.Interval,
		dupThreshold: opts.DupThreshold,
		decayWindow:  opts.DecayWindow,
		decayFactor:  opts.DecayFactor,
		sampleLimit:  opts.SampleLimit,
		clock:        opts.Clock,
		log:          opts.Log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the periodic loop. A tick that lands while a run is
// still active is skipped, never queued.
func (c *Consolidator) Start(ctx context.Context) {
	c.started = true
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res, err := c.RunOnce(ctx)
				// Drop a tick the ticker buffered while the run was active.
				select {
				case <-ticker.C:
				default:
				}
				if err != nil {
					c.log.Warn("consolidation run failed", "error", err.Error())
					continue
				}
				if !res.Skipped {
					c.log.Debug("consolidation run finished",
						"sampled", res.Sampled, "clusters", res.Clusters,
						"new_patterns", res.PatternsNew, "reinforced", res.Reinforced,
						"decayed", res.Decayed)
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop and waits for any in-flight run. Calling
// Stop without Start is a no-op.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}

// RunOnce executes one consolidation pass. A concurrent invocation
// returns immediately with Skipped=true.
func (c *Consolidator) RunOnce(ctx context.Context) (*Result, error) {
	if !c.runMu.TryLock() {
		return &Result{Skipped: true}, nil
	}
	defer c.runMu.Unlock()

	res := &Result{}

	// Sample under the episodic read lock (Query holds it internally).
	sample, err := c.episodes.Query(ctx, episodic.Filter{Unconsolidated: true}, c.sampleLimit)
	if err != nil {
		return nil, err
	}
	res.Sampled = len(sample)

	clusters := c.cluster(sample)
	res.Clusters = len(clusters)

	for _, cl := range clusters {
		if len(cl) < 2 {
			continue
		}
		if err := c.promote(ctx, cl, res); err != nil {
			return res, err
		}
	}

	// Mark every sampled episode consolidated. Each ApplyUpdate holds the
	// write lock for one episode only, so it is released between episodes.
	consolidated := true
	for start := 0; start < len(sample); start += batchSize {
		end := start + batchSize
		if end > len(sample) {
			end = len(sample)
		}
		for _, e := range sample[start:end] {
			if _, err := c.episodes.ApplyUpdate(ctx, e.MemoryID, episodic.Update{Consolidated: &consolidated}); err != nil {
				c.log.Warn("failed to mark episode consolidated", "memory_id", e.MemoryID, "error", err.Error())
			}
		}
	}

	decayed, err := c.patterns.Decay(ctx, c.decayWindow, c.decayFactor)
	if err != nil {
		c.log.Warn("pattern decay pass failed", "error", err.Error())
	}
	res.Decayed = decayed

	return res, nil
}

// cluster groups episodes sharing a tag set whose outcomes are near
// duplicates (cosine similarity >= the threshold against the cluster
// seed).
func (c *Consolidator) cluster(episodes []*model.Episode) [][]*model.Episode {
	byTags := make(map[string][]*model.Episode)
	var keys []string
	for _, e := range episodes {
		key := tagKey(e.Tags)
		if _, ok := byTags[key]; !ok {
			keys = append(keys, key)
		}
		byTags[key] = append(byTags[key], e)
	}
	sort.Strings(keys)

	var out [][]*model.Episode
	for _, key := range keys {
		group := byTags[key]
		var clusters [][]*model.Episode
		for _, e := range group {
			placed := false
			for i, cl := range clusters {
				if index.TextSimilarity(e.Outcome, cl[0].Outcome) >= c.dupThreshold {
					clusters[i] = append(cl, e)
					placed = true
					break
				}
			}
			if !placed {
				clusters = append(clusters, []*model.Episode{e})
			}
		}
		out = append(out, clusters...)
	}
	return out
}

// promote adds a procedure pattern for the cluster, or reinforces an
// existing near-duplicate pattern, and bumps each episode's utility.
func (c *Consolidator) promote(ctx context.Context, cl []*model.Episode, res *Result) error {
	ids := make([]string, len(cl))
	for i, e := range cl {
		ids[i] = e.MemoryID
	}
	content := patternContent(cl)

	// Reinforce an existing pattern when one already covers this
	// procedure; otherwise create it.
	existing, err := c.patterns.Search(ctx, content, 1)
	if err == nil && len(existing) > 0 &&
		index.TextSimilarity(existing[0].Content, content) >= c.dupThreshold {
		if _, err := c.patterns.Reinforce(ctx, existing[0].MemoryID, len(cl), ids...); err != nil {
			return err
		}
		res.Reinforced++
	} else {
		p := &model.SemanticPattern{
			Kind:         model.PatternProcedure,
			Content:      content,
			SupportCount: len(cl),
			DerivedFrom:  ids,
		}
		if _, err := c.patterns.Add(ctx, p); err != nil {
			return err
		}
		res.PatternsNew++
	}

	for _, e := range cl {
		bumped := e.UtilityCount + 1
		if _, err := c.episodes.ApplyUpdate(ctx, e.MemoryID, episodic.Update{UtilityCount: &bumped}); err != nil {
			c.log.Warn("failed to bump episode utility", "memory_id", e.MemoryID, "error", err.Error())
		}
	}
	return nil
}

func tagKey(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func patternContent(cl []*model.Episode) string {
	// The seed episode's prompt and outcome describe the recurring
	// procedure; tags qualify its domain.
	seed := cl[0]
	return "procedure: " + seed.TaskPrompt + " => " + seed.Outcome + " [" + tagKey(seed.Tags) + "]"
}
