package skill

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/lockmgr"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
)

// History stores immutable SkillVersion records as append-only JSON
// lines, one file per skill under skills_history/. File I/O is
// serialized through the FileResource process lock so concurrent
// processes never interleave partial lines.
type History struct {
	dir   string
	locks *lockmgr.Manager

	lockTimeout time.Duration
}

// NewHistory builds a History rooted at dir.
func NewHistory(dir string, locks *lockmgr.Manager, lockTimeout time.Duration) *History {
	return &History{dir: dir, locks: locks, lockTimeout: lockTimeout}
}

func (h *History) path(skillID string) string {
	return filepath.Join(h.dir, skillID+".log")
}

// Append records sv at the end of the skill's history log.
func (h *History) Append(ctx context.Context, sv *model.SkillVersion) error {
	release, err := h.locks.AcquireProcess(ctx, FileResource, h.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return memerr.Wrap(memerr.KindInternal, "history: create dir", err)
	}

	line, err := json.Marshal(sv)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "history: encode version", err)
	}

	f, err := os.OpenFile(h.path(sv.SkillID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "history: open log", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return memerr.Wrap(memerr.KindInternal, "history: append version", err)
	}
	return f.Sync()
}

// Get returns the version record keyed by (skillID, version).
func (h *History) Get(ctx context.Context, skillID string, version int) (*model.SkillVersion, error) {
	versions, err := h.List(ctx, skillID)
	if err != nil {
		return nil, err
	}
	for _, sv := range versions {
		if sv.Version == version {
			return sv, nil
		}
	}
	return nil, memerr.New(memerr.KindNotFound, "history: no such version")
}

// List returns every recorded version of the skill in append order.
func (h *History) List(ctx context.Context, skillID string) ([]*model.SkillVersion, error) {
	release, err := h.locks.AcquireProcess(ctx, FileResource, h.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := os.Open(h.path(skillID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, memerr.Wrap(memerr.KindInternal, "history: open log", err)
	}
	defer f.Close()

	var out []*model.SkillVersion
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var sv model.SkillVersion
		if err := json.Unmarshal(scanner.Bytes(), &sv); err != nil {
			return nil, memerr.Wrap(memerr.KindCorruption, "history: decode version line", err)
		}
		out = append(out, &sv)
	}
	if err := scanner.Err(); err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "history: read log", err)
	}
	return out, nil
}
