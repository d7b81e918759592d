// Package model defines the persisted record types of the memory and
// skill substrate: steps, episodes, semantic patterns, skills, and skill
// versions. Every record carries a schema version so stored payloads can
// be migrated forward without guessing their shape.
package model

import (
	"fmt"
	"time"

	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

// SchemaVersion is stamped into every serialized record.
const SchemaVersion = 1

// ToolCall is one named tool invocation inside a Step.
type ToolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Step is a single agent action. Immutable after creation.
type Step struct {
	Schema      int        `json:"schema"`
	StepID      string     `json:"step_id"`
	SessionID   string     `json:"session_id"`
	Timestamp   time.Time  `json:"timestamp"`
	Action      string     `json:"action"`
	Observation string     `json:"observation,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	Success     bool       `json:"success"`
	Importance  float64    `json:"importance"`
}

// Validate checks the field constraints a Step must satisfy before it
// enters a session buffer.
func (s *Step) Validate() error {
	if s.StepID == "" {
		return memerr.New(memerr.KindValidation, "step: step_id is required")
	}
	if s.SessionID == "" {
		return memerr.New(memerr.KindValidation, "step: session_id is required")
	}
	if s.Action == "" {
		return memerr.New(memerr.KindValidation, "step: action is required")
	}
	if s.Importance < 0 || s.Importance > 1 {
		return memerr.New(memerr.KindValidation, fmt.Sprintf("step: importance %f outside [0,1]", s.Importance))
	}
	return nil
}

// Episode is the persisted outcome of one task attempt.
type Episode struct {
	Schema          int       `json:"schema"`
	MemoryID        string    `json:"memory_id"`
	SessionID       string    `json:"session_id"`
	TaskPrompt      string    `json:"task_prompt"`
	Outcome         string    `json:"outcome"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	Tags            []string  `json:"tags,omitempty"`
	Importance      float64   `json:"importance"`
	Steps           []Step    `json:"steps,omitempty"`
	Score           float64   `json:"score"`
	Consolidated    bool      `json:"consolidated"`
	// UtilityCount tracks how many semantic patterns were derived from
	// this episode; it feeds the utility term of the scoring function.
	UtilityCount int `json:"utility_count"`
}

// Validate checks required fields and ranges.
func (e *Episode) Validate() error {
	if e.MemoryID == "" {
		return memerr.New(memerr.KindValidation, "episode: memory_id is required")
	}
	if e.SessionID == "" {
		return memerr.New(memerr.KindValidation, "episode: session_id is required")
	}
	if e.TaskPrompt == "" {
		return memerr.New(memerr.KindValidation, "episode: task_prompt is required")
	}
	if e.DurationSeconds < 0 {
		return memerr.New(memerr.KindValidation, "episode: duration_seconds must be >= 0")
	}
	if e.Importance < 0 || e.Importance > 1 {
		return memerr.New(memerr.KindValidation, fmt.Sprintf("episode: importance %f outside [0,1]", e.Importance))
	}
	return nil
}

// PatternKind classifies a semantic pattern.
type PatternKind string

const (
	PatternProcedure  PatternKind = "procedure"
	PatternConstraint PatternKind = "constraint"
	PatternFact       PatternKind = "fact"
)

// SemanticPattern is generalized knowledge distilled from episodes.
type SemanticPattern struct {
	Schema       int         `json:"schema"`
	MemoryID     string      `json:"memory_id"`
	Kind         PatternKind `json:"kind"`
	Content      string      `json:"content"`
	SupportCount int         `json:"support_count"`
	Confidence   float64     `json:"confidence"`
	DerivedFrom  []string    `json:"derived_from,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Validate checks required fields and ranges.
func (p *SemanticPattern) Validate() error {
	if p.MemoryID == "" {
		return memerr.New(memerr.KindValidation, "pattern: memory_id is required")
	}
	if p.Content == "" {
		return memerr.New(memerr.KindValidation, "pattern: content is required")
	}
	switch p.Kind {
	case PatternProcedure, PatternConstraint, PatternFact:
	default:
		return memerr.New(memerr.KindValidation, fmt.Sprintf("pattern: unknown kind %q", p.Kind))
	}
	if p.SupportCount < 1 {
		return memerr.New(memerr.KindValidation, "pattern: support_count must be >= 1")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return memerr.New(memerr.KindValidation, "pattern: confidence outside [0,1]")
	}
	return nil
}

// SkillStatus is the skill lifecycle state.
type SkillStatus string

const (
	SkillDraft      SkillStatus = "draft"
	SkillActive     SkillStatus = "active"
	SkillDeprecated SkillStatus = "deprecated"
)

// SkillCategories is the closed category set a skill may belong to.
var SkillCategories = []string{
	"navigation", "extraction", "form", "auth", "verification", "composite",
}

// Parameter declares one typed parameter of an action step.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, bool
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// ActionStep is one named step in a skill's action sequence.
type ActionStep struct {
	Name       string      `json:"name"`
	Action     string      `json:"action"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Skill is a reusable, versioned action sequence.
type Skill struct {
	Schema         int          `json:"schema"`
	SkillID        string       `json:"skill_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Category       string       `json:"category"`
	Status         SkillStatus  `json:"status"`
	ActionSequence []ActionStep `json:"action_sequence"`
	Preconditions  []string     `json:"preconditions,omitempty"`
	Postconditions []string     `json:"postconditions,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	SuccessRate    float64      `json:"success_rate"`
	AvgDuration    float64      `json:"avg_duration"`
	UsageCount     int          `json:"usage_count"`
	Successes      int          `json:"successes"`
	Version        int          `json:"version"`
	ContentHash    string       `json:"content_hash"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks required fields, the closed category set, and ranges.
func (s *Skill) Validate() error {
	if s.SkillID == "" {
		return memerr.New(memerr.KindValidation, "skill: skill_id is required")
	}
	if s.Name == "" {
		return memerr.New(memerr.KindValidation, "skill: name is required")
	}
	if len(s.ActionSequence) == 0 {
		return memerr.New(memerr.KindValidation, "skill: action_sequence must not be empty")
	}
	if !validCategory(s.Category) {
		return memerr.New(memerr.KindValidation, fmt.Sprintf("skill: category %q not in closed set", s.Category))
	}
	switch s.Status {
	case SkillDraft, SkillActive, SkillDeprecated:
	default:
		return memerr.New(memerr.KindValidation, fmt.Sprintf("skill: unknown status %q", s.Status))
	}
	if s.Version < 1 {
		return memerr.New(memerr.KindValidation, "skill: version must be >= 1")
	}
	if s.SuccessRate < 0 || s.SuccessRate > 1 {
		return memerr.New(memerr.KindValidation, "skill: success_rate outside [0,1]")
	}
	if s.AvgDuration < 0 {
		return memerr.New(memerr.KindValidation, "skill: avg_duration must be >= 0")
	}
	for _, step := range s.ActionSequence {
		if step.Name == "" || step.Action == "" {
			return memerr.New(memerr.KindValidation, "skill: every action step needs a name and an action")
		}
	}
	return nil
}

func validCategory(c string) bool {
	for _, cat := range SkillCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// SkillVersion is the immutable record of one prior skill revision, keyed
// by (skill_id, version).
type SkillVersion struct {
	Schema      int       `json:"schema"`
	SkillID     string    `json:"skill_id"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	SavedAt     time.Time `json:"saved_at"`
	Payload     []byte    `json:"payload"`
}
