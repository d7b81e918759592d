package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

// waiter is a single pending acquisition. granted is set by whoever wakes
// it, under the lock's mutex, so a timing-out waiter and a waking
// releaser never disagree about the outcome.
type waiter struct {
	ch      chan struct{}
	granted bool
}

// RWLock is a coroutine-safe multi-reader/single-writer lock with FIFO
// writer fairness: once a writer is queued, no new reader is admitted
// ahead of it, but readers already holding the lock are unaffected.
//
// All state transitions are serialized through mu; this trades raw
// throughput for a implementation simple enough to reason about FIFO
// ordering and timeout-safety in.
type RWLock struct {
	mu sync.Mutex

	readers      int
	writerActive bool

	readerWaiters []*waiter
	writerWaiters []*waiter
}

// NewRWLock returns an idle RWLock.
func NewRWLock() *RWLock {
	return &RWLock{}
}

// AcquireRead blocks until a read lock is granted, ctx is cancelled, or
// timeout elapses, whichever comes first.
func (l *RWLock) AcquireRead(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	if !l.writerActive && len(l.writerWaiters) == 0 {
		l.readers++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{}, 1)}
	l.readerWaiters = append(l.readerWaiters, w)
	l.mu.Unlock()

	return l.wait(ctx, timeout, w, func() {
		l.removeReaderWaiter(w)
	})
}

// ReleaseRead releases a previously-acquired read lock.
func (l *RWLock) ReleaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers > 0 {
		l.readers--
	}
	if l.readers == 0 {
		l.promoteLocked()
	}
}

// AcquireWrite blocks until an exclusive write lock is granted, ctx is
// cancelled, or timeout elapses.
func (l *RWLock) AcquireWrite(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	w := &waiter{ch: make(chan struct{}, 1)}
	l.writerWaiters = append(l.writerWaiters, w)
	l.promoteLocked()
	l.mu.Unlock()

	return l.wait(ctx, timeout, w, func() {
		l.removeWriterWaiter(w)
	})
}

// ReleaseWrite releases a previously-acquired write lock.
func (l *RWLock) ReleaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writerActive = false
	l.promoteLocked()
}

// wait blocks on w.ch, ctx.Done(), or the timeout, and resolves the race
// between a timing-out waiter and a concurrent grant atomically under
// l.mu via remove + the granted check.
func (l *RWLock) wait(ctx context.Context, timeout time.Duration, w *waiter, remove func()) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var doneCh <-chan struct{}
	if ctx != nil {
		doneCh = ctx.Done()
	}

	select {
	case <-w.ch:
		return nil
	case <-timeoutCh:
		return l.resolveTimeout(w, remove, memerr.New(memerr.KindTimeout, "rwlock: read/write acquisition timed out"))
	case <-doneCh:
		return l.resolveTimeout(w, remove, ctx.Err())
	}
}

func (l *RWLock) resolveTimeout(w *waiter, remove func(), timeoutErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		// Granted concurrently with the timeout firing; honor the grant.
		return nil
	}
	remove()
	return timeoutErr
}

// promoteLocked grants the next writer if eligible, else drains all
// waiting readers. Must be called with l.mu held.
func (l *RWLock) promoteLocked() {
	if l.writerActive || l.readers > 0 {
		return
	}

	if len(l.writerWaiters) > 0 {
		w := l.writerWaiters[0]
		l.writerWaiters = l.writerWaiters[1:]
		l.writerActive = true
		w.granted = true
		w.ch <- struct{}{}
		return
	}

	for _, w := range l.readerWaiters {
		l.readers++
		w.granted = true
		w.ch <- struct{}{}
	}
	l.readerWaiters = nil
}

// removeReaderWaiter drops w from the reader queue. Must be called with
// l.mu held.
func (l *RWLock) removeReaderWaiter(w *waiter) {
	for i, cand := range l.readerWaiters {
		if cand == w {
			l.readerWaiters = append(l.readerWaiters[:i], l.readerWaiters[i+1:]...)
			return
		}
	}
}

// removeWriterWaiter drops w from the writer queue. Must be called with
// l.mu held.
func (l *RWLock) removeWriterWaiter(w *waiter) {
	for i, cand := range l.writerWaiters {
		if cand == w {
			l.writerWaiters = append(l.writerWaiters[:i], l.writerWaiters[i+1:]...)
			// Removing a writer may let readers (if any queued before it,
			// none by construction) or a new head writer proceed.
			l.promoteLocked()
			return
		}
	}
}

// Snapshot reports the lock's current holder/waiter counts.
type Snapshot struct {
	Readers       int
	WriterActive  bool
	ReaderWaiters int
	WriterWaiters int
}

// Status returns a point-in-time snapshot of the lock's state.
func (l *RWLock) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Readers:       l.readers,
		WriterActive:  l.writerActive,
		ReaderWaiters: len(l.readerWaiters),
		WriterWaiters: len(l.writerWaiters),
	}
}

// WithReadLock acquires a read lock, runs fn, and guarantees release on
// every exit path including a panic inside fn.
func WithReadLock(ctx context.Context, l *RWLock, timeout time.Duration, fn func() error) error {
	if err := l.AcquireRead(ctx, timeout); err != nil {
		return err
	}
	defer l.ReleaseRead()
	return fn()
}

// WithWriteLock acquires a write lock, runs fn, and guarantees release on
// every exit path including a panic inside fn.
func WithWriteLock(ctx context.Context, l *RWLock, timeout time.Duration, fn func() error) error {
	if err := l.AcquireWrite(ctx, timeout); err != nil {
		return err
	}
	defer l.ReleaseWrite()
	return fn()
}
