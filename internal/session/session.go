// Package session implements working memory and the per-agent session
// lifecycle: a bounded FIFO ring buffer of recent steps per session,
// with TTL-based expiry of idle sessions.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
)

// Buffer is a fixed-capacity ring of the most recent Steps. Push drops
// the oldest step once full. It is not safe for concurrent use; a
// session is single-threaded by contract.
type Buffer struct {
	steps []model.Step
	head  int
	size  int
}

// NewBuffer returns a Buffer holding at most capacity steps.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{steps: make([]model.Step, capacity)}
}

// Push appends step, evicting the oldest if the buffer is full.
func (b *Buffer) Push(step model.Step) {
	if len(b.steps) == 0 {
		return
	}
	idx := (b.head + b.size) % len(b.steps)
	b.steps[idx] = step
	if b.size < len(b.steps) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.steps)
	}
}

// Len reports the number of buffered steps.
func (b *Buffer) Len() int { return b.size }

// Context returns a copy of the last k steps in arrival order. k larger
// than the buffered count returns everything buffered.
func (b *Buffer) Context(k int) []model.Step {
	if k > b.size {
		k = b.size
	}
	if k <= 0 {
		return nil
	}
	out := make([]model.Step, k)
	start := b.size - k
	for i := 0; i < k; i++ {
		out[i] = b.steps[(b.head+start+i)%len(b.steps)]
	}
	return out
}

// Session is one agent's working context for a task.
type Session struct {
	SessionID    string
	AgentID      string
	CreatedAt    time.Time
	LastActivity time.Time

	buffer *Buffer
}

// Manager owns every live session in the process and reaps idle ones
// after the session TTL.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	capacity int
	ttl      time.Duration

	clock clock.Clock
	log   obslog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a session manager with per-session buffers of
// capacity steps and an idle TTL.
func NewManager(capacity int, ttl time.Duration, clk clock.Clock, log obslog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = obslog.Nop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		capacity: capacity,
		ttl:      ttl,
		clock:    clk,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Open creates a session for agentID and returns its id.
func (m *Manager) Open(agentID string) string {
	now := m.clock.Now()
	s := &Session{
		SessionID:    uuid.New().String(),
		AgentID:      agentID,
		CreatedAt:    now,
		LastActivity: now,
		buffer:       NewBuffer(m.capacity),
	}
	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()
	return s.SessionID
}

// AddStep validates and appends step to the session's working buffer.
func (m *Manager) AddStep(sessionID string, step model.Step) error {
	if step.SessionID == "" {
		step.SessionID = sessionID
	}
	if step.StepID == "" {
		step.StepID = uuid.New().String()
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = m.clock.Now()
	}
	if err := step.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return memerr.New(memerr.KindNotFound, "session not found: "+sessionID)
	}
	s.buffer.Push(step)
	s.LastActivity = m.clock.Now()
	return nil
}

// Context returns the session's last k steps.
func (m *Manager) Context(sessionID string, k int) ([]model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, memerr.New(memerr.KindNotFound, "session not found: "+sessionID)
	}
	s.LastActivity = m.clock.Now()
	return s.buffer.Context(k), nil
}

// Get returns the session's metadata, or NotFound.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, memerr.New(memerr.KindNotFound, "session not found: "+sessionID)
	}
	copied := *s
	return &copied, nil
}

// Close removes the session. Closing an absent session is a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// ReapIdle removes every session idle past the TTL and reports how many
// were closed. The daemon calls this from a periodic loop; tests call it
// directly with a fake clock.
func (m *Manager) ReapIdle() int {
	cutoff := m.clock.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped int
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			reaped++
		}
	}
	if reaped > 0 {
		m.log.Debug("reaped idle sessions", "count", reaped)
	}
	return reaped
}

// StartReaper launches a background loop calling ReapIdle every
// interval until Stop.
func (m *Manager) StartReaper(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ReapIdle()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the reaper loop, if started.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}
