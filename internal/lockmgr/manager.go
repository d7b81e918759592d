// Package lockmgr implements the Concurrent Locking subsystem: a FIFO-fair
// in-process RWLock, a cross-process advisory ProcessLock, and a Manager
// that vends and instruments both, keyed by resource name.
package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/obsmetrics"
)

// Kind distinguishes the lock flavors for metrics labeling and stats.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindProcess Kind = "process"
)

// DefaultLongWaitThreshold is the heuristic cutoff beyond which a queued
// waiter is reported by DetectLongWaits. No automatic abort happens.
const DefaultLongWaitThreshold = 5 * time.Minute

// Stats aggregates lifetime counters for one (resource, kind) pair.
type Stats struct {
	Acquisitions uint64
	Releases     uint64
	Timeouts     uint64
	Errors       uint64

	WaitMin time.Duration
	WaitMax time.Duration
	WaitAvg time.Duration

	HoldMin time.Duration
	HoldMax time.Duration
	HoldAvg time.Duration

	CurrentHolders int
	CurrentWaiters int
}

// LongWait describes one waiter queued past the long-wait threshold.
type LongWait struct {
	Resource string
	Kind     Kind
	WaitedMS int64
}

type statsEntry struct {
	acquisitions uint64
	releases     uint64
	timeouts     uint64
	errors       uint64

	waitMin, waitMax, waitSum time.Duration
	holdMin, holdMax, holdSum time.Duration

	holders int
	waiters int
}

func (s *statsEntry) snapshot() Stats {
	out := Stats{
		Acquisitions:   s.acquisitions,
		Releases:       s.releases,
		Timeouts:       s.timeouts,
		Errors:         s.errors,
		WaitMin:        s.waitMin,
		WaitMax:        s.waitMax,
		HoldMin:        s.holdMin,
		HoldMax:        s.holdMax,
		CurrentHolders: s.holders,
		CurrentWaiters: s.waiters,
	}
	if s.acquisitions > 0 {
		out.WaitAvg = s.waitSum / time.Duration(s.acquisitions)
	}
	if s.releases > 0 {
		out.HoldAvg = s.holdSum / time.Duration(s.releases)
	}
	return out
}

type statsKey struct {
	resource string
	kind     Kind
}

// pendingWait is one in-flight acquisition, tracked so DetectLongWaits
// can report how long each waiter has been queued.
type pendingWait struct {
	resource string
	kind     Kind
	since    time.Time
}

// resourceLocks bundles the lock primitives for one resource name.
type resourceLocks struct {
	rw   *RWLock
	proc *ProcessLock
}

// Manager is the single entry point components use to acquire locks by
// resource name. It is an explicit value constructed by internal/runtime
// and threaded into callers, never package-global state.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resourceLocks
	stats     map[statsKey]*statsEntry
	pending   map[*pendingWait]struct{}

	processLockDir    string
	staleAfter        time.Duration
	longWaitThreshold time.Duration

	metrics *obsmetrics.Registry
	log     obslog.Logger
	clock   clock.Clock
}

// New constructs a Manager. processLockDir is where process-lock files
// live; metrics may be nil, log/clk fall back to no-op and system clock.
func New(processLockDir string, staleAfter time.Duration, metrics *obsmetrics.Registry, log obslog.Logger, clk clock.Clock) *Manager {
	if log == nil {
		log = obslog.Nop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		resources:         make(map[string]*resourceLocks),
		stats:             make(map[statsKey]*statsEntry),
		pending:           make(map[*pendingWait]struct{}),
		processLockDir:    processLockDir,
		staleAfter:        staleAfter,
		longWaitThreshold: DefaultLongWaitThreshold,
		metrics:           metrics,
		log:               log,
		clock:             clk,
	}
}

// SetLongWaitThreshold overrides the deadlock-heuristic cutoff.
func (m *Manager) SetLongWaitThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.longWaitThreshold = d
}

// entry is idempotent per resource; the manager never garbage-collects
// locks, so a resource name always maps to the same lock instances.
func (m *Manager) entry(resource string) *resourceLocks {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[resource]
	if !ok {
		e = &resourceLocks{rw: NewRWLock()}
		m.resources[resource] = e
	}
	return e
}

func (m *Manager) statLocked(resource string, kind Kind) *statsEntry {
	k := statsKey{resource: resource, kind: kind}
	s, ok := m.stats[k]
	if !ok {
		s = &statsEntry{}
		m.stats[k] = s
	}
	return s
}

// AcquireRead acquires the named resource's read lock. The returned
// release func is safe to call exactly once.
func (m *Manager) AcquireRead(ctx context.Context, resource string, timeout time.Duration) (func(), error) {
	e := m.entry(resource)
	return m.instrument(resource, KindRead, func() error {
		return e.rw.AcquireRead(ctx, timeout)
	}, e.rw.ReleaseRead)
}

// AcquireWrite acquires the named resource's write lock.
func (m *Manager) AcquireWrite(ctx context.Context, resource string, timeout time.Duration) (func(), error) {
	e := m.entry(resource)
	return m.instrument(resource, KindWrite, func() error {
		return e.rw.AcquireWrite(ctx, timeout)
	}, e.rw.ReleaseWrite)
}

// AcquireProcess acquires the named resource's cross-process advisory
// lock, lazily creating a ProcessLock scoped to the manager's lock dir.
func (m *Manager) AcquireProcess(ctx context.Context, resource string, timeout time.Duration) (func(), error) {
	e := m.entry(resource)
	m.mu.Lock()
	if e.proc == nil {
		e.proc = NewProcessLock(m.processLockDir, m.staleAfter)
	}
	proc := e.proc
	m.mu.Unlock()

	var handle *Handle
	return m.instrument(resource, KindProcess, func() error {
		h, err := proc.Acquire(ctx, resource, timeout)
		handle = h
		return err
	}, func() {
		if handle != nil {
			_ = handle.Release()
		}
	})
}

// instrument wraps an acquisition with waiter tracking, stats, and
// metrics, and returns a release closure that records hold time.
func (m *Manager) instrument(resource string, kind Kind, doAcquire func() error, doRelease func()) (func(), error) {
	start := m.clock.Now()
	pw := &pendingWait{resource: resource, kind: kind, since: start}

	m.mu.Lock()
	m.pending[pw] = struct{}{}
	m.statLocked(resource, kind).waiters++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.LockWaiters.WithLabelValues(resource, string(kind)).Inc()
	}

	err := doAcquire()
	waited := m.clock.Since(start)

	m.mu.Lock()
	delete(m.pending, pw)
	s := m.statLocked(resource, kind)
	s.waiters--
	if err != nil {
		s.timeouts++
	} else {
		s.acquisitions++
		s.holders++
		if s.acquisitions == 1 || waited < s.waitMin {
			s.waitMin = waited
		}
		if waited > s.waitMax {
			s.waitMax = waited
		}
		s.waitSum += waited
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LockWaiters.WithLabelValues(resource, string(kind)).Dec()
		m.metrics.LockWaitSeconds.WithLabelValues(resource, string(kind)).Observe(waited.Seconds())
		if err != nil {
			m.metrics.LockTimeouts.WithLabelValues(resource, string(kind)).Inc()
		} else {
			m.metrics.LockAcquisitions.WithLabelValues(resource, string(kind)).Inc()
			m.metrics.LockHolders.WithLabelValues(resource, string(kind)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}

	acquiredAt := m.clock.Now()
	var once sync.Once
	release := func() {
		once.Do(func() {
			doRelease()
			held := m.clock.Since(acquiredAt)

			m.mu.Lock()
			s := m.statLocked(resource, kind)
			s.releases++
			s.holders--
			if s.releases == 1 || held < s.holdMin {
				s.holdMin = held
			}
			if held > s.holdMax {
				s.holdMax = held
			}
			s.holdSum += held
			m.mu.Unlock()

			if m.metrics != nil {
				m.metrics.LockHolders.WithLabelValues(resource, string(kind)).Dec()
			}
		})
	}
	return release, nil
}

// StatsFor returns the lifetime stats for one (resource, kind) pair.
func (m *Manager) StatsFor(resource string, kind Kind) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[statsKey{resource: resource, kind: kind}]
	if !ok {
		return Stats{}
	}
	return s.snapshot()
}

// AllStats returns a snapshot of every tracked (resource, kind) pair.
func (m *Manager) AllStats() map[string]map[Kind]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[Kind]Stats)
	for k, s := range m.stats {
		byKind, ok := out[k.resource]
		if !ok {
			byKind = make(map[Kind]Stats)
			out[k.resource] = byKind
		}
		byKind[k.kind] = s.snapshot()
	}
	return out
}

// Status reports the in-process RW lock's snapshot for a resource, or
// the zero Snapshot if the resource has never been touched.
func (m *Manager) Status(resource string) Snapshot {
	m.mu.Lock()
	e, ok := m.resources[resource]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	return e.rw.Status()
}

// DetectLongWaits reports every waiter queued longer than the long-wait
// threshold. This is a deadlock heuristic; nothing is aborted.
func (m *Manager) DetectLongWaits() []LongWait {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LongWait
	now := m.clock.Now()
	for pw := range m.pending {
		waited := now.Sub(pw.since)
		if waited >= m.longWaitThreshold {
			out = append(out, LongWait{
				Resource: pw.resource,
				Kind:     pw.kind,
				WaitedMS: waited.Milliseconds(),
			})
		}
	}
	if m.metrics != nil {
		m.metrics.LongWaiters.Set(float64(len(out)))
	}
	if len(out) > 0 {
		m.log.Warn("long lock waits detected", "count", len(out))
	}
	return out
}
