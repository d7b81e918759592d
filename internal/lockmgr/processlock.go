package lockmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

// ProcessLock is an advisory, file-backed exclusive lock usable across
// processes, with bounded retry/backoff on contention and reclamation of
// lock files whose recorded owner is dead.
type ProcessLock struct {
	dir        string
	staleAfter time.Duration
}

// NewProcessLock returns a ProcessLock rooted at dir (created if absent).
// staleAfter is the age beyond which a lock file with a dead owning PID
// is considered abandoned and reclaimable (default 5 minutes).
func NewProcessLock(dir string, staleAfter time.Duration) *ProcessLock {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &ProcessLock{dir: dir, staleAfter: staleAfter}
}

// Handle represents a held process lock; call Release to unlock.
type Handle struct {
	file *os.File
	path string
}

// Release releases the advisory lock and removes the lock file's hold.
// It does not delete the file itself so that stale-owner inspection by
// other waiters remains possible until the next acquisition overwrites it.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	_ = syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	return h.file.Close()
}

func (p *ProcessLock) path(resource string) string {
	safe := strings.ReplaceAll(resource, string(os.PathSeparator), "_")
	return filepath.Join(p.dir, safe+".lock")
}

// Acquire blocks, with bounded exponential backoff and jitter, until the
// process-wide exclusive lock for resource is obtained or the deadline
// (ctx or timeout) elapses.
func (p *ProcessLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Handle, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "process lock: create lock dir", err)
	}

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	path := p.path(resource)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0.3 // jitter
	boCtx := backoff.WithContext(bo, deadlineCtx)

	var handle *Handle
	op := func() error {
		h, err := p.tryAcquireOnce(path)
		if err == nil {
			handle = h
			return nil
		}
		if memerr.Is(err, memerr.KindCorruption) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		if deadlineCtx.Err() != nil {
			return nil, memerr.New(memerr.KindTimeout, fmt.Sprintf("process lock %q: timed out", resource))
		}
		return nil, err
	}

	return handle, nil
}

// tryAcquireOnce attempts one non-blocking acquisition, reclaiming a
// stale lock (dead owner, age beyond staleAfter) along the way.
func (p *ProcessLock) tryAcquireOnce(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "process lock: open lock file", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		if werr := writeOwner(f); werr != nil {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			_ = f.Close()
			return nil, memerr.Wrap(memerr.KindInternal, "process lock: record owner", werr)
		}
		return &Handle{file: f, path: path}, nil
	}
	_ = f.Close()

	if p.isStale(path) {
		if rerr := p.reclaim(path); rerr != nil {
			return nil, memerr.Wrap(memerr.KindInternal, "process lock: reclaim stale lock failed", rerr)
		}
		return nil, fmt.Errorf("process lock: reclaimed, retry")
	}

	return nil, fmt.Errorf("process lock: held by another process")
}

// isStale reports whether the lock file's recorded owner PID is dead and
// the file is older than staleAfter.
func (p *ProcessLock) isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < p.staleAfter {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return !processAlive(pid)
}

// reclaim removes a confirmed-stale lock file so the next tryAcquireOnce
// can create a fresh one. Reclamation races are safe: os.Remove on an
// already-removed path is a no-op failure we ignore.
func (p *ProcessLock) reclaim(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return memerr.New(memerr.KindInternal, "lock stale: reclamation failed")
	}
	return nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// SupportsTrueCrossProcessLock reports whether this platform provides a
// real OS-level advisory lock (flock). Callers on platforms where only
// the create-exclusive-file fallback exists can consult this before
// relying on cross-process mutual exclusion under contention.
func SupportsTrueCrossProcessLock() bool {
	return true // flock is available on every POSIX target this module builds for
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, signal 0 checks existence without side effects.
	return proc.Signal(syscall.Signal(0)) == nil
}
