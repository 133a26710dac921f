// Package orchestrator drives one task run through the
// DECIDE -> EXECUTE -> RECORD -> REFLECT -> GUARD state machine until the
// decision maker finalizes or the loop guard stops the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/reflexion/internal/guard"
	"github.com/codefionn/reflexion/internal/history"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/progress"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

var errNoReflector = errors.New("no reflector configured")

// Orchestrator composes the collaborators into task runs. One Orchestrator
// may serve concurrent runs; each run owns its own context store and only
// the reflection cache is shared.
type Orchestrator struct {
	cfg        Config
	decider    DecisionMaker
	dispatcher Dispatcher
	reflector  Reflector
	cache      *reflection.Cache
	runs       RunStore
	hooks      *Hooks
	progressCb progress.Callback
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

// Config returns the default configuration used by Run.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Cache returns the reflection cache shared by this orchestrator's runs.
func (o *Orchestrator) Cache() *reflection.Cache {
	return o.cache
}

// Run executes task with the orchestrator's configuration.
func (o *Orchestrator) Run(ctx context.Context, task string) (*Summary, error) {
	return o.RunWithConfig(ctx, task, o.cfg)
}

// RunWithConfig executes task with cfg. The summary is always returned. The
// error is non-nil only when the run was rejected before its first step
// (invalid config or empty task); the summary then has status aborted.
func (o *Orchestrator) RunWithConfig(ctx context.Context, task string, cfg Config) (*Summary, error) {
	r := &run{
		o:     o,
		id:    o.newID(),
		cfg:   cfg,
		task:  task,
		store: history.New(cfg.MaxHistory),
		phase: PhaseDecide,
		start: o.now(),
	}
	r.log = o.log.WithPrefix(shortID(r.id))

	if err := cfg.Validate(); err != nil {
		r.log.Warn("Rejecting run: %v", err)
		return r.reject(ctx, ReasonInvalidConfig), err
	}
	if err := r.store.Start(task); err != nil {
		r.log.Warn("Rejecting run: %v", err)
		return r.reject(ctx, ReasonEmptyTask), err
	}
	r.guard = guard.New(guard.Config{
		MaxSteps:         cfg.MaxSteps,
		RepetitionWindow: cfg.RepetitionWindow,
		FailureThreshold: cfg.EarlyStopThreshold,
	})

	r.log.Info("Starting run: %q (max_steps=%d)", truncate(task, 80), cfg.MaxSteps)
	if cfg.EnablePersistence {
		r.persistRun(ctx)
	}

	for !r.phase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			r.log.Info("Run cancelled during %s: %v", r.phase, err)
			r.reason = ReasonCancelled
			r.transition(ctx, PhaseDoneAborted)
			break
		}
		r.transition(ctx, r.advance(ctx))
	}

	return r.finish(ctx), nil
}

// run is the per-run state. It is owned by a single goroutine.
type run struct {
	o     *Orchestrator
	id    string
	cfg   Config
	task  string
	store *history.Store
	guard *guard.Guard
	log   *logger.Logger
	start time.Time

	phase  Phase
	reason string

	// current step
	stepStart time.Time
	action    step.Action
	obs       step.Observation
	status    step.Status
	record    step.Record

	// key of the last cached reflection, scored by the next invoke step
	pendingKey string

	cacheHits      int
	reflectorCalls int
}

func (r *run) advance(ctx context.Context) Phase {
	switch r.phase {
	case PhaseDecide:
		return r.decide(ctx)
	case PhaseExecute:
		return r.execute(ctx)
	case PhaseRecord:
		return r.recordStep(ctx)
	case PhaseReflect:
		return r.reflect(ctx)
	case PhaseGuard:
		return r.checkGuard()
	default:
		r.reason = ReasonInternal
		return PhaseDoneAborted
	}
}

func (r *run) transition(ctx context.Context, next Phase) {
	if !r.phase.CanTransition(next) {
		r.log.Error("Invalid transition %s -> %s", r.phase, next)
		r.reason = ReasonInternal
		next = PhaseDoneAborted
	}
	from := r.phase
	r.phase = next
	r.o.hooks.phase(ctx, r.log, r.id, from, next)

	n := r.store.Len()
	if next <= PhaseRecord {
		n++
	}
	_ = progress.Dispatch(r.o.progressCb, progress.Update{
		RunID:     r.id,
		Step:      n,
		Phase:     next.String(),
		Message:   fmt.Sprintf("%s (step %d)", next, n),
		Mode:      progress.ReportJustStatus,
		Ephemeral: true,
	})
}

func (r *run) decide(ctx context.Context) Phase {
	r.stepStart = r.o.now()
	r.action, r.obs, r.status = step.Action{}, step.Observation{}, ""
	hist := r.store.History()

	action, err := call(ctx, r.cfg.PerCallTimeout, func(ctx context.Context) (step.Action, error) {
		return r.o.decider.Decide(ctx, r.task, hist)
	})
	if err != nil {
		if ctx.Err() != nil {
			// The in-flight step is dropped, not recorded
			r.reason = ReasonCancelled
			return PhaseDoneAborted
		}
		r.log.Warn("Decision failed: %v", err)
		r.action = step.Action{Type: step.ActionNone}
		r.obs = step.Failure(step.KindOf(err), fmt.Sprintf("decision failed: %v", err))
		r.status = step.StatusFailure
		return PhaseRecord
	}

	switch action.Type {
	case step.ActionFinalize:
		r.action = action
		r.obs = step.Success(action.Answer)
		r.status = step.StatusSuccess
		return PhaseRecord
	case step.ActionInvoke:
		r.action = action
		return PhaseExecute
	default:
		r.action = step.Action{Type: step.ActionNone}
		r.obs = step.Failure(step.KindLogic, "no action proposed")
		r.status = step.StatusSkipped
		return PhaseRecord
	}
}

func (r *run) execute(ctx context.Context) Phase {
	action := r.action
	r.log.Debug("Executing %s", action)

	obs, err := call(ctx, r.cfg.PerCallTimeout, func(ctx context.Context) (step.Observation, error) {
		return r.o.dispatcher.Execute(ctx, action.Tool, action.Input), nil
	})
	if ctx.Err() != nil {
		r.reason = ReasonCancelled
		return PhaseDoneAborted
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		obs = step.Failure(step.KindTimeout, fmt.Sprintf("tool %s timed out after %s", action.Tool, r.cfg.PerCallTimeout))
	case errors.Is(err, errPanic):
		obs = step.Failure(step.KindTool, err.Error())
	default:
		obs = step.Failure(step.KindOf(err), err.Error())
	}
	if !obs.OK && !obs.Kind.Valid() {
		obs.Kind = step.KindUnknown
	}

	r.obs = obs
	if obs.OK {
		r.status = step.StatusSuccess
	} else {
		r.status = step.StatusFailure
	}
	return PhaseRecord
}

func (r *run) recordStep(ctx context.Context) Phase {
	rec, err := r.store.Append(step.Record{
		Action:      r.action,
		Observation: r.obs,
		Status:      r.status,
		DurationMs:  r.o.now().Sub(r.stepStart).Milliseconds(),
	})
	if err != nil {
		r.log.Error("Failed to append step: %v", err)
		r.reason = ReasonInternal
		return PhaseDoneAborted
	}
	r.record = rec

	if r.pendingKey != "" && rec.Action.Type == step.ActionInvoke {
		r.o.cache.RecordOutcome(r.pendingKey, rec.Status == step.StatusSuccess)
		r.pendingKey = ""
	}

	if rec.Action.IsFinalize() {
		r.reason = ReasonFinalized
		r.completeStep(ctx)
		return PhaseDoneSuccess
	}
	return PhaseReflect
}

func (r *run) reflect(ctx context.Context) Phase {
	rec := r.record
	var (
		text   string
		source step.ReflectionSource
	)

	switch {
	case rec.Status == step.StatusFailure:
		text, source = r.reflectFailure(ctx, rec)
	case rec.Status == step.StatusSuccess && r.cfg.ReflectOnSuccess && r.o.reflector != nil:
		refl, err := r.callReflector(ctx, rec)
		if err != nil {
			r.log.Debug("Reflection on success skipped: %v", err)
		} else {
			text, source = refl.String(), step.SourceReflector
		}
	}

	if text != "" {
		if err := r.store.AttachReflection(rec.Number, text, source); err != nil {
			r.log.Warn("Failed to attach reflection to step %d: %v", rec.Number, err)
		} else {
			r.record.Reflection = text
			r.record.ReflectionSource = source
		}
	}
	r.completeStep(ctx)
	return PhaseGuard
}

func (r *run) reflectFailure(ctx context.Context, rec step.Record) (string, step.ReflectionSource) {
	if !r.cfg.EnableReflectionCache || r.o.cache == nil {
		if r.o.reflector == nil {
			return "", step.SourceNone
		}
		refl, err := r.callReflector(ctx, rec)
		if err != nil {
			r.log.Warn("Reflector failed for step %d: %v", rec.Number, err)
			return "", step.SourceNone
		}
		return refl.String(), step.SourceReflector
	}

	entry, hit, err := r.o.cache.Resolve(ctx, rec.Observation.Kind, rec.Observation.Message, func(ctx context.Context) (step.Reflection, error) {
		if r.o.reflector == nil {
			return step.Reflection{}, errNoReflector
		}
		return r.callReflector(ctx, rec)
	})
	if err != nil {
		if !errors.Is(err, errNoReflector) {
			r.log.Warn("Reflector failed for step %d: %v", rec.Number, err)
		}
		return "", step.SourceNone
	}

	r.pendingKey = entry.Key
	if hit {
		r.cacheHits++
		r.log.Debug("Reflection cache hit for %s (hits=%d)", entry.Key, entry.Hits)
		return entry.AsReflection().String(), step.SourceCache
	}
	return entry.AsReflection().String(), step.SourceReflector
}

func (r *run) callReflector(ctx context.Context, rec step.Record) (step.Reflection, error) {
	r.reflectorCalls++
	hist := r.store.History()
	return call(ctx, r.cfg.PerCallTimeout, func(ctx context.Context) (step.Reflection, error) {
		return r.o.reflector.Reflect(ctx, r.task, rec.Action, rec.Observation, hist)
	})
}

// completeStep notifies hooks and the run store about the finished record.
func (r *run) completeStep(ctx context.Context) {
	rec := r.record
	r.log.Info("Step %d: %s -> %s", rec.Number, rec.Action, rec.Status)
	if r.cfg.EnablePersistence && r.o.runs != nil {
		if err := r.o.runs.SaveStep(context.WithoutCancel(ctx), r.id, rec); err != nil {
			r.log.Warn("Failed to persist step %d: %v", rec.Number, err)
		}
	}
	r.o.hooks.step(ctx, r.log, r.id, rec)
}

func (r *run) checkGuard() Phase {
	v := r.guard.Check(r.store.Records(), r.store.Len())
	if !v.Stop {
		return PhaseDecide
	}
	r.reason = v.Reason.String()
	if v.Reason.Status() == step.RunAborted {
		return PhaseDoneAborted
	}
	return PhaseDoneFailure
}

func (r *run) terminalStatus() step.RunStatus {
	switch r.phase {
	case PhaseDoneSuccess:
		return step.RunSucceeded
	case PhaseDoneFailure:
		return step.RunFailed
	default:
		return step.RunAborted
	}
}

func (r *run) finish(ctx context.Context) *Summary {
	status := r.terminalStatus()
	if err := r.store.SetStatus(status); err != nil {
		r.log.Error("Failed to set status %s: %v", status, err)
	}

	s := r.summary(status)
	if status == step.RunSucceeded {
		answer := r.record.Action.Answer
		s.FinalAnswer = &answer
	}

	r.log.Info("Run %s after %d steps: %s", status, s.TotalSteps, s.Reason)
	if r.cfg.EnablePersistence {
		r.persistSummary(ctx, s)
	}
	r.o.hooks.run(ctx, r.log, s)
	return s
}

// reject ends a run that never started.
func (r *run) reject(ctx context.Context, reason string) *Summary {
	r.reason = reason
	r.phase = PhaseDoneAborted
	s := r.summary(step.RunAborted)
	r.o.hooks.run(ctx, r.log, s)
	return s
}

func (r *run) summary(status step.RunStatus) *Summary {
	end := r.o.now()
	stats := r.store.Stats()
	steps := r.store.Records()
	if steps == nil {
		steps = []step.Record{}
	}
	return &Summary{
		RunID:           r.id,
		Task:            r.task,
		Status:          status,
		Reason:          r.reason,
		TotalSteps:      stats.Total,
		SuccessfulSteps: stats.Successful,
		FailedSteps:     stats.Failed,
		SkippedSteps:    stats.Skipped,
		CacheHits:       r.cacheHits,
		ReflectorCalls:  r.reflectorCalls,
		ToolUsage:       stats.ToolUsage,
		Steps:           steps,
		Config:          r.cfg,
		StartedAt:       r.start,
		EndedAt:         end,
		DurationMs:      end.Sub(r.start).Milliseconds(),
	}
}

func (r *run) persistRun(ctx context.Context) {
	if r.o.runs == nil {
		r.log.Warn("Persistence enabled but no run store configured")
		return
	}
	s := r.summary(step.RunRunning)
	s.EndedAt = time.Time{}
	s.DurationMs = 0
	r.persistSummary(ctx, s)
}

func (r *run) persistSummary(ctx context.Context, s *Summary) {
	if r.o.runs == nil {
		return
	}
	if err := r.o.runs.SaveRun(context.WithoutCancel(ctx), s); err != nil {
		r.log.Warn("Failed to persist run: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// Builder provides a fluent interface for constructing Orchestrator instances
type Builder struct {
	cfg        Config
	decider    DecisionMaker
	dispatcher Dispatcher
	reflector  Reflector
	cache      *reflection.Cache
	runs       RunStore
	hooks      *Hooks
	progressCb progress.Callback
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

// NewBuilder creates a new Builder with default configuration
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

// WithConfig sets the default run configuration
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithDecisionMaker sets the decision maker
func (b *Builder) WithDecisionMaker(d DecisionMaker) *Builder {
	b.decider = d
	return b
}

// WithDispatcher sets the tool dispatcher
func (b *Builder) WithDispatcher(d Dispatcher) *Builder {
	b.dispatcher = d
	return b
}

// WithReflector sets the reflector (optional, failures go unreflected without it)
func (b *Builder) WithReflector(r Reflector) *Builder {
	b.reflector = r
	return b
}

// WithCache shares a reflection cache (optional, defaults to a private cache)
func (b *Builder) WithCache(c *reflection.Cache) *Builder {
	b.cache = c
	return b
}

// WithRunStore sets where runs are persisted when persistence is enabled
func (b *Builder) WithRunStore(s RunStore) *Builder {
	b.runs = s
	return b
}

// WithHooks sets observability hooks
func (b *Builder) WithHooks(h *Hooks) *Builder {
	b.hooks = h
	return b
}

// WithProgress sets a progress callback for phase updates
func (b *Builder) WithProgress(cb progress.Callback) *Builder {
	b.progressCb = cb
	return b
}

// WithLogger overrides the logger
func (b *Builder) WithLogger(l *logger.Logger) *Builder {
	b.log = l
	return b
}

// WithClock overrides time.Now
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithIDGenerator overrides run id generation
func (b *Builder) WithIDGenerator(fn func() string) *Builder {
	b.newID = fn
	return b
}

// Build constructs the Orchestrator
func (b *Builder) Build() (*Orchestrator, error) {
	if b.decider == nil {
		return nil, fmt.Errorf("decision maker is required")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	o := &Orchestrator{
		cfg:        b.cfg,
		decider:    b.decider,
		dispatcher: b.dispatcher,
		reflector:  b.reflector,
		cache:      b.cache,
		runs:       b.runs,
		hooks:      b.hooks,
		progressCb: b.progressCb,
		log:        b.log,
		now:        b.now,
		newID:      b.newID,
	}
	if o.log == nil {
		o.log = logger.Global().WithPrefix("orchestrator")
	}
	if o.cache == nil {
		o.cache = reflection.NewCache(reflection.WithLogger(o.log.WithPrefix("reflection")))
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// MustBuild constructs the Orchestrator and panics on error
func (b *Builder) MustBuild() *Orchestrator {
	o, err := b.Build()
	if err != nil {
		panic(err)
	}
	return o
}
