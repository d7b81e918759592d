package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CLIAIRMONITOR/memcore/internal/backend"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
)

// Runner executes a skill's action sequence against a parameter context
// and returns the (possibly augmented) context. The substrate does not
// prescribe what execution means; browser drivers, HTTP clients, or test
// fakes all plug in here.
type Runner interface {
	Run(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error) {
	return f(ctx, sk, params)
}

// NullRunner succeeds immediately, returning the context unchanged.
type NullRunner struct{}

func (NullRunner) Run(ctx context.Context, sk *model.Skill, params map[string]any) (map[string]any, error) {
	return params, nil
}

// ExecutionResult is the outcome of one skill execution.
type ExecutionResult struct {
	SkillID  string
	Output   map[string]any
	Duration time.Duration
}

// BatchResult pairs one batch member with its result or error.
type BatchResult struct {
	SkillID string
	Result  *ExecutionResult
	Err     error
}

// StepStatus classifies each step of a composition.
type StepStatus string

const (
	StepExecuted StepStatus = "executed"
	StepSkipped  StepStatus = "skipped"
	StepFailed   StepStatus = "failed"
)

// ComposeStep reports one step of a composition, in input order.
type ComposeStep struct {
	SkillID string
	Status  StepStatus
	Err     error
}

// ComposeResult is the outcome of a sequential composition.
type ComposeResult struct {
	Steps       []ComposeStep
	Context     map[string]any
	FailedIndex int // -1 when every step executed or was skipped
}

// Library is the user-facing facade over the skill store, version
// history, and an injected Runner.
type Library struct {
	store   *Store
	history *History
	runner  Runner

	maxConcurrent int
	log           obslog.Logger
}

// LibraryOptions configures a Library.
type LibraryOptions struct {
	Store   *Store
	History *History
	Runner  Runner

	MaxConcurrent int
	Log           obslog.Logger
}

// NewLibrary builds the facade.
func NewLibrary(opts LibraryOptions) *Library {
	if opts.Runner == nil {
		opts.Runner = NullRunner{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Log == nil {
		opts.Log = obslog.Nop()
	}
	return &Library{
		store:         opts.Store,
		history:       opts.History,
		runner:        opts.Runner,
		maxConcurrent: opts.MaxConcurrent,
		log:           opts.Log,
	}
}

// Add creates or updates a skill. With expectedVersion set, the stored
// version must match or the call fails with VersionConflict. On an
// accepted update the version increments by exactly 1 and the prior
// revision is appended to the history log. With validate true the skill
// transitions draft→active after its checks pass.
func (l *Library) Add(ctx context.Context, sk *model.Skill, validate bool, expectedVersion *int) (*model.Skill, error) {
	if sk.SkillID == "" {
		sk.SkillID = uuid.New().String()
	}

	release, err := l.store.locks.AcquireWrite(ctx, Resource, l.store.writeTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	now := l.store.clock.Now()
	prior, err := l.store.get(ctx, sk.SkillID)
	switch {
	case err == nil:
		if expectedVersion != nil && prior.Version != *expectedVersion {
			return nil, memerr.New(memerr.KindVersionConflict,
				fmt.Sprintf("skill %s is at version %d, expected %d", sk.SkillID, prior.Version, *expectedVersion))
		}
		sk.Version = prior.Version + 1
		sk.CreatedAt = prior.CreatedAt
		sk.UsageCount = prior.UsageCount
		sk.Successes = prior.Successes
		sk.SuccessRate = prior.SuccessRate
		sk.AvgDuration = prior.AvgDuration

		payload, merr := json.Marshal(prior)
		if merr != nil {
			return nil, memerr.Wrap(memerr.KindInternal, "skill: snapshot prior revision", merr)
		}
		if herr := l.history.Append(ctx, &model.SkillVersion{
			Schema:      model.SchemaVersion,
			SkillID:     prior.SkillID,
			Version:     prior.Version,
			ContentHash: prior.ContentHash,
			SavedAt:     now,
			Payload:     payload,
		}); herr != nil {
			return nil, herr
		}
	case memerr.Is(err, memerr.KindNotFound):
		if expectedVersion != nil && *expectedVersion != 0 {
			return nil, memerr.New(memerr.KindVersionConflict,
				fmt.Sprintf("skill %s does not exist yet, expected version %d", sk.SkillID, *expectedVersion))
		}
		if sk.Version == 0 {
			sk.Version = 1
		}
		sk.CreatedAt = now
	default:
		return nil, err
	}

	if sk.Status == "" {
		sk.Status = model.SkillDraft
	}
	if validate {
		sk.Status = model.SkillActive
	}
	sk.UpdatedAt = now
	sk.Schema = model.SchemaVersion
	sk.ContentHash = model.ComputeContentHash(sk)

	if err := sk.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.save(ctx, sk); err != nil {
		return nil, err
	}

	l.store.adapter.Invalidate(backend.KeySkill(sk.SkillID))
	l.store.adapter.Invalidate(backend.KeySkillName(sk.Name))
	op := "updated"
	if sk.Version == 1 {
		op = "added"
	}
	l.store.adapter.Publish(ctx, backend.ChannelSkill, op, sk.SkillID)
	return sk, nil
}

// Get returns the skill by id.
func (l *Library) Get(ctx context.Context, skillID string) (*model.Skill, error) {
	return l.store.Get(ctx, skillID)
}

// GetByName returns the single active skill with that name.
func (l *Library) GetByName(ctx context.Context, name string) (*model.Skill, error) {
	return l.store.GetByName(ctx, name)
}

// Search retrieves active skills by text similarity.
func (l *Library) Search(ctx context.Context, query string, f Filter, limit int) ([]*model.Skill, error) {
	return l.store.Search(ctx, query, f, limit)
}

// Deprecate transitions the skill to deprecated.
func (l *Library) Deprecate(ctx context.Context, skillID, replacementID string) (*model.Skill, error) {
	return l.store.Deprecate(ctx, skillID, replacementID)
}

// GetVersion returns one archived revision of a skill.
func (l *Library) GetVersion(ctx context.Context, skillID string, version int) (*model.SkillVersion, error) {
	return l.history.Get(ctx, skillID, version)
}

// GetVersionHistory returns every archived revision of a skill.
func (l *Library) GetVersionHistory(ctx context.Context, skillID string) ([]*model.SkillVersion, error) {
	return l.history.List(ctx, skillID)
}

// Execute runs the active skill under a per-execution deadline. The
// execution outcome is recorded via RecordExecution whether it succeeds,
// fails, or times out.
func (l *Library) Execute(ctx context.Context, skillID string, params map[string]any, timeout time.Duration) (*ExecutionResult, error) {
	sk, err := l.store.Get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if sk.Status != model.SkillActive {
		return nil, memerr.New(memerr.KindValidation, "skill "+skillID+" is not active")
	}

	merged, err := mergeParams(sk, params)
	if err != nil {
		return nil, err
	}

	start := l.store.clock.Now()
	output, execErr := l.runWithDeadline(ctx, sk, merged, timeout)
	duration := l.store.clock.Since(start)

	success := execErr == nil
	if _, rerr := l.store.RecordExecution(ctx, skillID, success, duration); rerr != nil {
		l.log.Warn("failed to record execution", "skill", skillID, "error", rerr.Error())
	}
	if execErr != nil {
		return nil, execErr
	}
	return &ExecutionResult{SkillID: skillID, Output: output, Duration: duration}, nil
}

func (l *Library) runWithDeadline(ctx context.Context, sk *model.Skill, params map[string]any, timeout time.Duration) (out map[string]any, err error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: memerr.New(memerr.KindInternal, fmt.Sprintf("skill %s panicked: %v", sk.SkillID, r))}
			}
		}()
		o, e := l.runner.Run(runCtx, sk, params)
		done <- result{out: o, err: e}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-runCtx.Done():
		return nil, memerr.New(memerr.KindTimeout, "skill "+sk.SkillID+" exceeded its execution deadline")
	}
}

// BatchAdd adds each skill independently; one failure does not stop the
// rest. The result maps skill id (or name when no id was assigned yet)
// to the per-skill error, nil meaning success.
func (l *Library) BatchAdd(ctx context.Context, skills []*model.Skill, validate bool) map[string]error {
	out := make(map[string]error, len(skills))
	for _, sk := range skills {
		saved, err := l.Add(ctx, sk, validate, nil)
		key := sk.SkillID
		if key == "" {
			key = sk.Name
		}
		if saved != nil {
			key = saved.SkillID
		}
		out[key] = err
	}
	return out
}

// Pair is one (skill, params) batch member.
type Pair struct {
	SkillID string
	Params  map[string]any
}

// BatchExecute runs up to maxConcurrent executions in parallel and
// returns one BatchResult per pair, in input order. A failure or panic
// in one member never affects the others. Asking for more concurrency
// than the configured in-flight bound is a validation failure.
func (l *Library) BatchExecute(ctx context.Context, pairs []Pair, timeoutPerSkill time.Duration, maxConcurrent int) ([]BatchResult, error) {
	if maxConcurrent > l.maxConcurrent {
		return nil, memerr.New(memerr.KindValidation,
			fmt.Sprintf("batch concurrency %d exceeds the configured bound %d", maxConcurrent, l.maxConcurrent))
	}
	if maxConcurrent <= 0 {
		maxConcurrent = l.maxConcurrent
	}

	results := make([]BatchResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, p := range pairs {
		g.Go(func() error {
			res, err := l.Execute(gctx, p.SkillID, p.Params, timeoutPerSkill)
			results[i] = BatchResult{SkillID: p.SkillID, Result: res, Err: err}
			return nil // member errors are reported per-item, never propagated
		})
	}
	_ = g.Wait()
	return results, nil
}

// Compose executes skills in order, threading a shared mutable context
// through. An unmet precondition is recoverable: the step is skipped and
// composition continues. Any other failure stops execution and reports
// the failed index; every step after it is reported as skipped, so the
// result always carries exactly one status per input id, in input order.
func (l *Library) Compose(ctx context.Context, skillIDs []string, shared map[string]any, timeoutPerSkill time.Duration) *ComposeResult {
	if shared == nil {
		shared = make(map[string]any)
	}
	res := &ComposeResult{
		Steps:       make([]ComposeStep, 0, len(skillIDs)),
		Context:     shared,
		FailedIndex: -1,
	}

	fail := func(i int, id string, err error) {
		res.Steps = append(res.Steps, ComposeStep{SkillID: id, Status: StepFailed, Err: err})
		res.FailedIndex = i
		notAttempted := memerr.New(memerr.KindValidation, "not attempted: composition stopped at step "+strconv.Itoa(i))
		for _, rest := range skillIDs[i+1:] {
			res.Steps = append(res.Steps, ComposeStep{SkillID: rest, Status: StepSkipped, Err: notAttempted})
		}
	}

	for i, id := range skillIDs {
		sk, err := l.store.Get(ctx, id)
		if err != nil {
			fail(i, id, err)
			break
		}

		if unmet := unmetPrecondition(sk, shared); unmet != "" {
			res.Steps = append(res.Steps, ComposeStep{
				SkillID: id,
				Status:  StepSkipped,
				Err:     memerr.New(memerr.KindValidation, "precondition not met: "+unmet),
			})
			continue
		}

		exec, err := l.Execute(ctx, id, shared, timeoutPerSkill)
		if err != nil {
			fail(i, id, err)
			break
		}
		for k, v := range exec.Output {
			shared[k] = v
		}
		res.Steps = append(res.Steps, ComposeStep{SkillID: id, Status: StepExecuted})
	}
	return res
}

// mergeParams validates params against the skill's declared parameters:
// missing required parameters fail fast, declared defaults fill gaps.
func mergeParams(sk *model.Skill, params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for _, step := range sk.ActionSequence {
		for _, p := range step.Parameters {
			if _, ok := merged[p.Name]; ok {
				continue
			}
			if p.Default != "" {
				merged[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, memerr.New(memerr.KindValidation, "missing required parameter: "+p.Name)
			}
		}
	}
	return merged, nil
}

// unmetPrecondition returns the first precondition predicate whose key is
// absent from the shared context, or "" when all hold. A predicate names
// a context key that must be present.
func unmetPrecondition(sk *model.Skill, shared map[string]any) string {
	for _, pre := range sk.Preconditions {
		if _, ok := shared[pre]; !ok {
			return pre
		}
	}
	return ""
}
