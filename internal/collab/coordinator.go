package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/reflexion/internal/guard"
	"github.com/codefionn/reflexion/internal/history"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/step"
)

const (
	// DefaultMaxIterations is used by callers that have no configured value.
	DefaultMaxIterations = 3
	// DefaultQualityThreshold is used by callers that have no configured value.
	DefaultQualityThreshold = 0.8

	feedbackRounds = 3
	executorTool   = "executor"
	plannerTool    = "planner"
)

var errPanic = errors.New("collaborator panicked")

// Coordinator runs the plan -> execute -> critique protocol. It is safe for
// concurrent use; every Run owns its own context store.
type Coordinator struct {
	planner     Planner
	executor    Executor
	critic      Critic
	hooks       *Hooks
	repetition  int
	callTimeout time.Duration
	log         *logger.Logger
	now         func() time.Time
	newID       func() string
}

// Run collaborates on task for at most maxIterations rounds. It stops early
// once a round scores at least threshold. The result is always returned; the
// error is non-nil only for invalid arguments.
func (c *Coordinator) Run(ctx context.Context, task string, maxIterations int, threshold float64) (*Result, error) {
	res := &Result{
		RunID:            c.newID(),
		Task:             task,
		Status:           step.RunRunning,
		QualityThreshold: threshold,
		MaxIterations:    maxIterations,
		StartedAt:        c.now(),
	}
	log := c.log.WithPrefix(shortID(res.RunID))

	if err := validateArgs(task, maxIterations, threshold); err != nil {
		log.Warn("Rejecting collaboration: %v", err)
		res.Status = step.RunAborted
		res.Reason = ReasonInvalidArgs
		c.finish(ctx, log, res, nil)
		return res, err
	}

	store := history.New(0)
	if err := store.Start(task); err != nil {
		res.Status = step.RunAborted
		res.Reason = ReasonInvalidArgs
		c.finish(ctx, log, res, nil)
		return res, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	guardCfg := guard.Config{RepetitionWindow: c.repetition}

	log.Info("Starting collaboration: %q (max_iterations=%d, threshold=%.2f)", truncate(task, 80), maxIterations, threshold)

	for n := 1; n <= maxIterations; n++ {
		if err := ctx.Err(); err != nil {
			log.Info("Collaboration cancelled before round %d: %v", n, err)
			res.Status = step.RunAborted
			res.Reason = ReasonCancelled
			break
		}

		round := c.round(ctx, log, res.RunID, task, n, threshold, res.Rounds, store)
		res.Rounds = append(res.Rounds, round)
		if round.Output != "" && (res.BestRound == 0 || round.Score > res.BestScore) {
			res.BestRound = round.Number
			res.BestScore = round.Score
		}
		c.hooks.review(ctx, log, res.RunID, round)

		if round.MetThreshold {
			log.Info("Round %d met the threshold (%.2f >= %.2f)", n, round.Score, threshold)
			res.Status = step.RunSucceeded
			res.Reason = ReasonThresholdMet
			break
		}
		if v := guard.Evaluate(guardCfg, store.History(), store.Len()); v.Stop {
			log.Warn("Stopping collaboration: %s (%s)", v.Reason, v.Detail)
			res.Status = step.RunFailed
			res.Reason = ReasonRepetition
			break
		}
	}
	if res.Status == step.RunRunning {
		res.Status = step.RunFailed
		res.Reason = ReasonExhausted
	}
	if err := store.SetStatus(res.Status); err != nil {
		log.Debug("Failed to close context store: %v", err)
	}

	c.finish(ctx, log, res, store)
	return res, nil
}

func (c *Coordinator) round(ctx context.Context, log *logger.Logger, runID, task string, n int, threshold float64, previous []Round, store *history.Store) (round Round) {
	start := c.now()
	round.Number = n
	defer func() { round.DurationMs = c.now().Sub(start).Milliseconds() }()

	plan, err := call(ctx, c.callTimeout, func(ctx context.Context) (string, error) {
		return c.planner.Plan(ctx, task, feedback(previous))
	})
	if err == nil && strings.TrimSpace(plan) == "" {
		err = errors.New("planner returned an empty plan")
	}
	if err != nil {
		log.Warn("Round %d: planner failed: %v", n, err)
		round.Error = fmt.Sprintf("planner: %v", err)
		round.Critique = "No plan was produced: " + err.Error()
		c.record(log, store, step.Invoke(plannerTool, map[string]interface{}{"round": n}), step.Failure(kindOf(err), err.Error()), round.Critique, start)
		return round
	}
	round.Plan = plan
	c.hooks.plan(ctx, log, runID, n, plan)

	action := step.Invoke(executorTool, map[string]interface{}{"plan": plan})
	output, err := call(ctx, c.callTimeout, func(ctx context.Context) (string, error) {
		return c.executor.Execute(ctx, task, plan)
	})
	c.hooks.execute(ctx, log, runID, n, output, err)
	if err != nil {
		log.Warn("Round %d: executor failed: %v", n, err)
		round.Error = fmt.Sprintf("executor: %v", err)
		round.Critique = "Execution failed: " + err.Error()
		c.record(log, store, action, step.Failure(kindOf(err), err.Error()), round.Critique, start)
		return round
	}
	round.Output = output

	review, err := call(ctx, c.callTimeout, func(ctx context.Context) (Review, error) {
		return c.critic.Review(ctx, task, plan, output)
	})
	if err != nil {
		log.Warn("Round %d: critic failed: %v", n, err)
		round.Error = fmt.Sprintf("critic: %v", err)
		round.Critique = "Review failed: " + err.Error()
		c.record(log, store, action, step.Failure(kindOf(err), err.Error()), round.Critique, start)
		return round
	}

	round.Score = clampScore(review.Score)
	round.Critique = strings.TrimSpace(review.Critique)
	round.MetThreshold = round.Score >= threshold
	log.Debug("Round %d scored %.2f", n, round.Score)
	c.record(log, store, action, step.Success(output), round.Critique, start)
	return round
}

// record appends the round to the context store with the critique as its
// reflection.
func (c *Coordinator) record(log *logger.Logger, store *history.Store, action step.Action, obs step.Observation, critique string, start time.Time) {
	status := step.StatusSuccess
	if !obs.OK {
		status = step.StatusFailure
	}
	rec, err := store.Append(step.Record{
		Action:      action,
		Observation: obs,
		Status:      status,
		Timestamp:   start,
		DurationMs:  c.now().Sub(start).Milliseconds(),
	})
	if err != nil {
		log.Warn("Failed to record round: %v", err)
		return
	}
	if critique != "" {
		if err := store.AttachReflection(rec.Number, critique, step.SourceReflector); err != nil {
			log.Debug("Failed to attach critique: %v", err)
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, log *logger.Logger, res *Result, store *history.Store) {
	res.EndedAt = c.now()
	res.DurationMs = res.EndedAt.Sub(res.StartedAt).Milliseconds()
	if store != nil {
		res.Steps = store.Records()
	}
	if res.BestRound > 0 {
		answer := res.Rounds[res.BestRound-1].Output
		res.FinalAnswer = &answer
	}
	if res.Rounds == nil {
		res.Rounds = []Round{}
	}
	if res.Steps == nil {
		res.Steps = []step.Record{}
	}
	log.Info("Collaboration %s after %d rounds (%s, best score %.2f)", res.Status, len(res.Rounds), res.Reason, res.BestScore)
	c.hooks.result(ctx, log, res)
}

// feedback renders the most recent critiques for the next planner call.
func feedback(rounds []Round) string {
	if len(rounds) == 0 {
		return ""
	}
	start := 0
	if len(rounds) > feedbackRounds {
		start = len(rounds) - feedbackRounds
	}
	var sb strings.Builder
	for _, r := range rounds[start:] {
		fmt.Fprintf(&sb, "Round %d (score %.2f):\n", r.Number, r.Score)
		if r.Plan != "" {
			sb.WriteString("Plan:\n")
			sb.WriteString(truncate(r.Plan, 800))
			sb.WriteString("\n")
		}
		if r.Critique != "" {
			sb.WriteString("Critique:\n")
			sb.WriteString(r.Critique)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func validateArgs(task string, maxIterations int, threshold float64) error {
	switch {
	case strings.TrimSpace(task) == "":
		return fmt.Errorf("%w: task is empty", ErrInvalidArgs)
	case maxIterations < 1:
		return fmt.Errorf("%w: max_iterations must be at least 1, got %d", ErrInvalidArgs, maxIterations)
	case math.IsNaN(threshold) || threshold < 0 || threshold > 1:
		return fmt.Errorf("%w: quality_threshold must be within [0,1], got %v", ErrInvalidArgs, threshold)
	}
	return nil
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

func kindOf(err error) step.ErrorKind {
	if errors.Is(err, errPanic) {
		return step.KindFatal
	}
	return step.KindOf(err)
}

// call applies the per-call timeout and turns panics into errors. It returns
// once the timeout fires even if fn ignores its context; fn's late result is
// dropped.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Builder provides a fluent interface for constructing a Coordinator
type Builder struct {
	c Coordinator
}

// NewBuilder creates a Builder. The repetition window defaults to the loop
// guard's default.
func NewBuilder() *Builder {
	return &Builder{c: Coordinator{repetition: guard.DefaultConfig().RepetitionWindow}}
}

// WithPlanner sets the planner
func (b *Builder) WithPlanner(p Planner) *Builder {
	b.c.planner = p
	return b
}

// WithExecutor sets the executor
func (b *Builder) WithExecutor(e Executor) *Builder {
	b.c.executor = e
	return b
}

// WithCritic sets the critic
func (b *Builder) WithCritic(cr Critic) *Builder {
	b.c.critic = cr
	return b
}

// WithHooks sets observability hooks
func (b *Builder) WithHooks(h *Hooks) *Builder {
	b.c.hooks = h
	return b
}

// WithRepetitionWindow sets K: the run stops once the same plan was executed K+1 times in a row (<= 0 disables)
func (b *Builder) WithRepetitionWindow(k int) *Builder {
	b.c.repetition = k
	return b
}

// WithCallTimeout bounds each planner, executor and critic call
func (b *Builder) WithCallTimeout(d time.Duration) *Builder {
	b.c.callTimeout = d
	return b
}

// WithLogger overrides the logger
func (b *Builder) WithLogger(l *logger.Logger) *Builder {
	b.c.log = l
	return b
}

// WithClock overrides time.Now
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.c.now = now
	return b
}

// WithIDGenerator overrides run id generation
func (b *Builder) WithIDGenerator(fn func() string) *Builder {
	b.c.newID = fn
	return b
}

// Build constructs the Coordinator
func (b *Builder) Build() (*Coordinator, error) {
	if b.c.planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if b.c.executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if b.c.critic == nil {
		return nil, fmt.Errorf("critic is required")
	}
	c := b.c
	if c.log == nil {
		c.log = logger.Global().WithPrefix("collab")
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return &c, nil
}

// MustBuild constructs the Coordinator and panics on error
func (b *Builder) MustBuild() *Coordinator {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}
