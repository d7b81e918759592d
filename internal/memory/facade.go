// Package memory exposes the per-agent Memory Architecture facade: one
// entry point over working memory, the episodic and semantic stores, and
// enriched-context assembly that pulls the most relevant material from
// every tier for a query.
package memory

import (
	"context"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/semantic"
	"github.com/CLIAIRMONITOR/memcore/internal/session"
	"github.com/CLIAIRMONITOR/memcore/internal/skill"
)

// EnrichedContext is the assembled retrieval result for one query:
// recent working-memory steps plus the most relevant episodes, patterns,
// and skills.
type EnrichedContext struct {
	RecentSteps      []model.Step             `json:"recent_steps,omitempty"`
	RelevantEpisodes []*model.Episode         `json:"relevant_episodes,omitempty"`
	RelevantPatterns []*model.SemanticPattern `json:"relevant_patterns,omitempty"`
	ApplicableSkills []*model.Skill           `json:"applicable_skills,omitempty"`
}

// Facade bundles the memory tiers behind the agent-facing API.
type Facade struct {
	sessions *session.Manager
	episodes *episodic.Store
	patterns *semantic.Store
	skills   *skill.Library
}

// NewFacade builds the facade. skills may be nil when the caller only
// needs the memory tiers.
func NewFacade(sessions *session.Manager, episodes *episodic.Store, patterns *semantic.Store, skills *skill.Library) *Facade {
	return &Facade{
		sessions: sessions,
		episodes: episodes,
		patterns: patterns,
		skills:   skills,
	}
}

// OpenSession creates a working-memory session for agentID.
func (f *Facade) OpenSession(agentID string) string {
	return f.sessions.Open(agentID)
}

// CloseSession discards the session's working memory.
func (f *Facade) CloseSession(sessionID string) {
	f.sessions.Close(sessionID)
}

// AddStep appends a step to the session's working buffer.
func (f *Facade) AddStep(sessionID string, step model.Step) error {
	return f.sessions.AddStep(sessionID, step)
}

// Context returns the session's last k steps.
func (f *Facade) Context(sessionID string, k int) ([]model.Step, error) {
	return f.sessions.Context(sessionID, k)
}

// EpisodeFields carries the caller-supplied fields of a finalized task.
type EpisodeFields struct {
	TaskPrompt      string
	Outcome         string
	Success         bool
	DurationSeconds float64
	Importance      float64
	Tags            []string
}

// SaveEpisode finalizes the session's current task into a persisted
// episode, snapshotting the working buffer as the episode's steps.
func (f *Facade) SaveEpisode(ctx context.Context, sessionID string, fields EpisodeFields) (*model.Episode, error) {
	steps, err := f.sessions.Context(sessionID, int(^uint(0)>>1))
	if err != nil && !memerr.Is(err, memerr.KindNotFound) {
		return nil, err
	}

	return f.episodes.Add(ctx, &model.Episode{
		SessionID:       sessionID,
		TaskPrompt:      fields.TaskPrompt,
		Outcome:         fields.Outcome,
		Success:         fields.Success,
		DurationSeconds: fields.DurationSeconds,
		Importance:      fields.Importance,
		Tags:            fields.Tags,
		Steps:           steps,
	})
}

// GetEpisode returns an episode by id.
func (f *Facade) GetEpisode(ctx context.Context, memoryID string) (*model.Episode, error) {
	return f.episodes.Get(ctx, memoryID)
}

// QueryEpisodes returns episodes matching filter.
func (f *Facade) QueryEpisodes(ctx context.Context, filter episodic.Filter, limit int) ([]*model.Episode, error) {
	return f.episodes.Query(ctx, filter, limit)
}

// SearchEpisodes retrieves episodes by text similarity.
func (f *Facade) SearchEpisodes(ctx context.Context, text string, limit int) ([]*model.Episode, error) {
	return f.episodes.Search(ctx, text, limit)
}

// SavePattern persists a semantic pattern.
func (f *Facade) SavePattern(ctx context.Context, p *model.SemanticPattern) (*model.SemanticPattern, error) {
	return f.patterns.Add(ctx, p)
}

// ReinforcePattern adds support to a pattern.
func (f *Facade) ReinforcePattern(ctx context.Context, memoryID string, deltaSupport int) (*model.SemanticPattern, error) {
	return f.patterns.Reinforce(ctx, memoryID, deltaSupport)
}

// SearchPatterns retrieves patterns by text similarity.
func (f *Facade) SearchPatterns(ctx context.Context, text string, limit int) ([]*model.SemanticPattern, error) {
	return f.patterns.Search(ctx, text, limit)
}

// EnrichedContextFor assembles a cross-tier context for query: the last
// k working steps plus up to perTypeLimit relevant episodes, patterns,
// and skills. Retrieval failures in one tier degrade that tier to empty
// rather than failing the assembly.
func (f *Facade) EnrichedContextFor(ctx context.Context, sessionID, query string, k, perTypeLimit int) (*EnrichedContext, error) {
	if perTypeLimit <= 0 {
		return nil, memerr.New(memerr.KindValidation, "memory: per_type_limit must be > 0")
	}

	out := &EnrichedContext{}

	steps, err := f.sessions.Context(sessionID, k)
	if err != nil {
		return nil, err
	}
	out.RecentSteps = steps

	if episodes, err := f.episodes.Search(ctx, query, perTypeLimit); err == nil {
		out.RelevantEpisodes = episodes
	}
	if patterns, err := f.patterns.Search(ctx, query, perTypeLimit); err == nil {
		out.RelevantPatterns = patterns
	}
	if f.skills != nil {
		if skills, err := f.skills.Search(ctx, query, skill.Filter{}, perTypeLimit); err == nil {
			out.ApplicableSkills = skills
		}
	}
	return out, nil
}

// ReapIdleSessions closes sessions idle past the session TTL and reports
// how many were closed.
func (f *Facade) ReapIdleSessions() int {
	return f.sessions.ReapIdle()
}

// SessionInfo is a read-only view of one live session.
type SessionInfo struct {
	SessionID    string
	AgentID      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// GetSession returns a session's metadata.
func (f *Facade) GetSession(sessionID string) (*SessionInfo, error) {
	s, err := f.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		SessionID:    s.SessionID,
		AgentID:      s.AgentID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}, nil
}
