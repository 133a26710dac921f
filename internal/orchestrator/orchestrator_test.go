package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/reflexion/internal/history"
	"github.com/codefionn/reflexion/internal/progress"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

func requireNumbering(t *testing.T, s *Summary) {
	t.Helper()
	require.Len(t, s.Steps, s.TotalSteps)
	for i, rec := range s.Steps {
		require.Equal(t, i+1, rec.Number, "step numbers must be 1..N without gaps")
	}
}

func calculatorAdd() step.Action {
	return step.Invoke("calculator", map[string]interface{}{"op": "add", "a": 25, "b": 18})
}

func TestRunSuccessPath(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{calculatorAdd(), step.Finalize("43")}}
	dispatcher := &MockDispatcher{Results: map[string]step.Observation{"calculator": step.Success(43)}}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "add two numbers")
	require.NoError(t, err)

	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, ReasonFinalized, s.Reason)
	require.NotNil(t, s.FinalAnswer)
	assert.Equal(t, "43", *s.FinalAnswer)
	assert.Equal(t, 2, s.TotalSteps)
	assert.Equal(t, 2, s.SuccessfulSteps)
	assert.Equal(t, 0, s.FailedSteps)
	assert.Equal(t, map[string]int{"calculator": 1}, s.ToolUsage)
	requireNumbering(t, s)

	assert.Equal(t, "calculator", dispatcher.LastTool)
	assert.Equal(t, 25, dispatcher.LastInput["a"])
	assert.True(t, s.Steps[1].Action.IsFinalize())
	assert.False(t, s.EndedAt.Before(s.StartedAt))

	raw, err := s.JSON()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "43", decoded["final_answer"])
	assert.Equal(t, "succeeded", decoded["status"])
	assert.Len(t, decoded["steps"], 2)
}

func TestRunStopsOnRepetition(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{step.Invoke("search", map[string]interface{}{"q": "same"})}}
	dispatcher := &MockDispatcher{Default: step.Success("nothing new")}

	cfg := DefaultConfig()
	cfg.MaxSteps = 10
	cfg.RepetitionWindow = 2

	o := NewBuilder().WithConfig(cfg).WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "loop forever")
	require.NoError(t, err)

	assert.Equal(t, step.RunFailed, s.Status)
	assert.Equal(t, "repetition detected", s.Reason)
	assert.Equal(t, 3, s.TotalSteps)
	assert.Nil(t, s.FinalAnswer)
	requireNumbering(t, s)
}

func TestRunStopsOnConsecutiveFailures(t *testing.T) {
	decider := &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			return step.Invoke("flaky", map[string]interface{}{"attempt": len(history) + 1}), nil
		},
	}
	dispatcher := &MockDispatcher{Default: step.Failure(step.KindTool, "backend unavailable")}

	cfg := DefaultConfig()
	cfg.EarlyStopThreshold = 3

	o := NewBuilder().WithConfig(cfg).WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "call the flaky tool")
	require.NoError(t, err)

	assert.Equal(t, step.RunFailed, s.Status)
	assert.Equal(t, "consecutive failures", s.Reason)
	assert.Equal(t, 3, s.TotalSteps)
	assert.Equal(t, 3, s.FailedSteps)
	requireNumbering(t, s)
}

func TestRunStopsOnBudget(t *testing.T) {
	decider := &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			return step.Invoke("count", map[string]interface{}{"n": len(history)}), nil
		},
	}
	dispatcher := &MockDispatcher{Default: step.Success("ok")}

	cfg := DefaultConfig()
	cfg.MaxSteps = 5

	o := NewBuilder().WithConfig(cfg).WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "count forever")
	require.NoError(t, err)

	assert.Equal(t, step.RunAborted, s.Status)
	assert.Equal(t, "step budget exhausted", s.Reason)
	assert.Equal(t, 5, s.TotalSteps)
	assert.Equal(t, 5, decider.Calls())
	requireNumbering(t, s)
}

// failOnceThenFinalize fails on the first step of every run and finalizes on the second.
func failOnceThenFinalize() *MockDecisionMaker {
	return &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			if len(history) == 0 {
				return step.Invoke("parse", map[string]interface{}{"doc": "{bad"}), nil
			}
			return step.Finalize("done"), nil
		},
	}
}

func jsonFailure() *MockDispatcher {
	return &MockDispatcher{Results: map[string]step.Observation{
		"parse": step.Failure(step.KindParameter, "json decode error at pos 4"),
	}}
}

func TestReflectionCacheReuseAcrossRuns(t *testing.T) {
	reflector := &MockReflector{Reflection: step.Reflection{
		Text:     "The JSON document is malformed.",
		Remedies: []string{"Close the object"},
	}}

	o := NewBuilder().
		WithDecisionMaker(failOnceThenFinalize()).
		WithDispatcher(jsonFailure()).
		WithReflector(reflector).
		MustBuild()

	first, err := o.Run(context.Background(), "parse the document")
	require.NoError(t, err)
	assert.Equal(t, 1, reflector.Calls())
	assert.Equal(t, 1, first.ReflectorCalls)
	assert.Equal(t, 0, first.CacheHits)
	assert.Equal(t, step.SourceReflector, first.Steps[0].ReflectionSource)
	assert.Contains(t, first.Steps[0].Reflection, "malformed")
	assert.Contains(t, first.Steps[0].Reflection, "- Close the object")

	second, err := o.Run(context.Background(), "parse the document again")
	require.NoError(t, err)
	assert.Equal(t, 1, reflector.Calls(), "reflector must not run for a cached failure")
	assert.Equal(t, 0, second.ReflectorCalls)
	assert.Equal(t, 1, second.CacheHits)
	assert.Equal(t, step.SourceCache, second.Steps[0].ReflectionSource)
	assert.Equal(t, first.Steps[0].Reflection, second.Steps[0].Reflection)

	stats := o.Cache().Statistics()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(1), stats.TotalHits)

	// A second orchestrator sharing the cache hits it too.
	other := NewBuilder().
		WithDecisionMaker(failOnceThenFinalize()).
		WithDispatcher(jsonFailure()).
		WithReflector(reflector).
		WithCache(o.Cache()).
		MustBuild()
	third, err := other.Run(context.Background(), "parse elsewhere")
	require.NoError(t, err)
	assert.Equal(t, 1, third.CacheHits)
	assert.Equal(t, 1, reflector.Calls())
}

func TestReflectionCacheDisabled(t *testing.T) {
	reflector := &MockReflector{Reflection: step.Reflection{Text: "malformed"}}
	cfg := DefaultConfig()
	cfg.EnableReflectionCache = false

	o := NewBuilder().
		WithConfig(cfg).
		WithDecisionMaker(failOnceThenFinalize()).
		WithDispatcher(jsonFailure()).
		WithReflector(reflector).
		MustBuild()

	for i := 0; i < 2; i++ {
		s, err := o.Run(context.Background(), "parse")
		require.NoError(t, err)
		assert.Equal(t, step.SourceReflector, s.Steps[0].ReflectionSource)
	}
	assert.Equal(t, 2, reflector.Calls())
	assert.Equal(t, 0, o.Cache().Len())
}

func TestReflectionOutcomeFeedsSuccessRate(t *testing.T) {
	decider := &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			switch len(history) {
			case 0:
				return step.Invoke("parse", map[string]interface{}{"doc": "{bad"}), nil
			case 1:
				return step.Invoke("parse_fixed", map[string]interface{}{"doc": "{}"}), nil
			default:
				return step.Finalize("{}"), nil
			}
		},
	}
	dispatcher := jsonFailure()
	dispatcher.Default = step.Success("{}")

	o := NewBuilder().
		WithDecisionMaker(decider).
		WithDispatcher(dispatcher).
		WithReflector(&MockReflector{Reflection: step.Reflection{Text: "malformed"}}).
		MustBuild()

	s, err := o.Run(context.Background(), "parse")
	require.NoError(t, err)
	require.Equal(t, step.RunSucceeded, s.Status)

	entries := o.Cache().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Uses)
	assert.InDelta(t, 0.3, entries[0].SuccessRate, 1e-9)
}

func TestReflectOnSuccessIsNotCached(t *testing.T) {
	reflector := &MockReflector{Reflection: step.Reflection{Text: "looks right"}}
	cfg := DefaultConfig()
	cfg.ReflectOnSuccess = true

	o := NewBuilder().
		WithConfig(cfg).
		WithDecisionMaker(&MockDecisionMaker{Script: []step.Action{calculatorAdd(), step.Finalize("43")}}).
		WithDispatcher(&MockDispatcher{Default: step.Success(43)}).
		WithReflector(reflector).
		MustBuild()

	s, err := o.Run(context.Background(), "add")
	require.NoError(t, err)
	assert.Equal(t, 1, reflector.Calls(), "finalize steps are not reflected")
	assert.Equal(t, "looks right", s.Steps[0].Reflection)
	assert.Equal(t, 0, o.Cache().Len())
}

func TestUnknownToolIsRecoverable(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{
		step.Invoke("calculater", map[string]interface{}{"op": "add"}),
		calculatorAdd(),
		step.Finalize("43"),
	}}
	dispatcher := &MockDispatcher{
		Results: map[string]step.Observation{"calculator": step.Success(43)},
		Default: step.Failure(step.KindUnknownTool, "unknown tool: calculater"),
	}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "add")
	require.NoError(t, err)

	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, 3, s.TotalSteps)
	assert.Equal(t, step.KindUnknownTool, s.Steps[0].Observation.Kind)
	assert.Equal(t, step.StatusFailure, s.Steps[0].Status)
}

func TestPerCallTimeoutBecomesFailure(t *testing.T) {
	dispatcher := &MockDispatcher{
		ExecuteFunc: func(ctx context.Context, tool string, input map[string]interface{}) step.Observation {
			<-ctx.Done()
			return step.Success("too late")
		},
	}
	cfg := DefaultConfig()
	cfg.PerCallTimeout = 20 * time.Millisecond
	cfg.EarlyStopThreshold = 1

	o := NewBuilder().
		WithConfig(cfg).
		WithDecisionMaker(&MockDecisionMaker{Script: []step.Action{step.Invoke("slow", nil)}}).
		WithDispatcher(dispatcher).
		MustBuild()

	s, err := o.Run(context.Background(), "wait")
	require.NoError(t, err)
	assert.Equal(t, step.RunFailed, s.Status)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, step.KindTimeout, s.Steps[0].Observation.Kind)
	assert.Contains(t, s.Steps[0].Observation.Message, "timed out")
}

func TestPanickingDispatcherIsCaptured(t *testing.T) {
	dispatcher := &MockDispatcher{
		ExecuteFunc: func(ctx context.Context, tool string, input map[string]interface{}) step.Observation {
			if tool == "explode" {
				panic("kaboom")
			}
			return step.Success("fine")
		},
	}
	decider := &MockDecisionMaker{Script: []step.Action{
		step.Invoke("explode", nil),
		step.Finalize("recovered"),
	}}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(context.Background(), "survive")
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, step.KindTool, s.Steps[0].Observation.Kind)
	assert.Contains(t, s.Steps[0].Observation.Message, "kaboom")
}

func TestDecisionErrorIsRecorded(t *testing.T) {
	decider := &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			if len(history) == 0 {
				return step.Action{}, errors.New("model unavailable")
			}
			return step.Finalize("fallback"), nil
		},
	}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(&MockDispatcher{}).MustBuild()
	s, err := o.Run(context.Background(), "answer")
	require.NoError(t, err)

	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, 2, s.TotalSteps)
	assert.Equal(t, step.ActionNone, s.Steps[0].Action.Type)
	assert.Equal(t, step.StatusFailure, s.Steps[0].Status)
	assert.Contains(t, s.Steps[0].Observation.Message, "model unavailable")
	requireNumbering(t, s)
}

func TestEmptyDecisionIsSkipped(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{{}, step.Finalize("ok")}}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(&MockDispatcher{}).MustBuild()
	s, err := o.Run(context.Background(), "answer")
	require.NoError(t, err)

	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, 1, s.SkippedSteps)
	assert.Equal(t, step.StatusSkipped, s.Steps[0].Status)
}

func TestCancellationAbortsAtBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decider := &MockDecisionMaker{
		DecideFunc: func(ctx context.Context, task string, history []step.Record) (step.Action, error) {
			return step.Invoke(fmt.Sprintf("tool%d", len(history)+1), nil), nil
		},
	}
	dispatcher := &MockDispatcher{
		ExecuteFunc: func(_ context.Context, tool string, input map[string]interface{}) step.Observation {
			if tool == "tool2" {
				cancel()
			}
			return step.Success("ok")
		},
	}

	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(dispatcher).MustBuild()
	s, err := o.Run(ctx, "run until cancelled")
	require.NoError(t, err)

	assert.Equal(t, step.RunAborted, s.Status)
	assert.Equal(t, ReasonCancelled, s.Reason)
	assert.Equal(t, 1, s.TotalSteps, "the in-flight step is not recorded")
	assert.Nil(t, s.FinalAnswer)
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decider := &MockDecisionMaker{Script: []step.Action{step.Finalize("x")}}
	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(&MockDispatcher{}).MustBuild()
	s, err := o.Run(ctx, "never runs")
	require.NoError(t, err)

	assert.Equal(t, step.RunAborted, s.Status)
	assert.Equal(t, ReasonCancelled, s.Reason)
	assert.Equal(t, 0, decider.Calls())
	assert.NotNil(t, s.Steps)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{step.Finalize("x")}}
	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(&MockDispatcher{}).MustBuild()

	cfg := DefaultConfig()
	cfg.MaxSteps = 0
	s, err := o.RunWithConfig(context.Background(), "task", cfg)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	require.NotNil(t, s)
	assert.Equal(t, step.RunAborted, s.Status)
	assert.Equal(t, ReasonInvalidConfig, s.Reason)
	assert.Equal(t, 0, decider.Calls())
	assert.Empty(t, s.Steps)
}

func TestEmptyTaskIsRejected(t *testing.T) {
	decider := &MockDecisionMaker{Script: []step.Action{step.Finalize("x")}}
	o := NewBuilder().WithDecisionMaker(decider).WithDispatcher(&MockDispatcher{}).MustBuild()

	s, err := o.Run(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrEmptyTask))
	assert.Equal(t, step.RunAborted, s.Status)
	assert.Equal(t, ReasonEmptyTask, s.Reason)
	assert.Equal(t, 0, decider.Calls())
}

func TestHooksAreBestEffort(t *testing.T) {
	var (
		phases []string
		steps  []int
		runs   int
		update []string
	)
	hooks := &Hooks{
		OnPhase: func(ctx context.Context, runID string, from, to Phase) error {
			phases = append(phases, from.String()+">"+to.String())
			return nil
		},
		OnStep: func(ctx context.Context, runID string, rec step.Record) error {
			steps = append(steps, rec.Number)
			panic("hook bug")
		},
		OnRun: func(ctx context.Context, s *Summary) error {
			runs++
			return errors.New("sink offline")
		},
	}

	o := NewBuilder().
		WithDecisionMaker(&MockDecisionMaker{Script: []step.Action{calculatorAdd(), step.Finalize("43")}}).
		WithDispatcher(&MockDispatcher{Default: step.Success(43)}).
		WithHooks(hooks).
		WithProgress(func(u progress.Update) error {
			update = append(update, u.Phase)
			return nil
		}).
		MustBuild()

	s, err := o.Run(context.Background(), "add")
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, s.Status)
	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, 1, runs)
	assert.Equal(t, []string{
		"DECIDE>EXECUTE",
		"EXECUTE>RECORD",
		"RECORD>REFLECT",
		"REFLECT>GUARD",
		"GUARD>DECIDE",
		"DECIDE>RECORD",
		"RECORD>DONE_SUCCESS",
	}, phases)
	assert.Len(t, update, len(phases))
}

func TestChainHooks(t *testing.T) {
	var calls []string
	a := &Hooks{OnRun: func(ctx context.Context, s *Summary) error { calls = append(calls, "a"); return nil }}
	b := &Hooks{OnRun: func(ctx context.Context, s *Summary) error { calls = append(calls, "b"); return errors.New("b failed") }}

	assert.Nil(t, ChainHooks(nil, nil))
	assert.Same(t, a, ChainHooks(nil, a))

	chained := ChainHooks(a, nil, b)
	err := chained.OnRun(context.Background(), &Summary{})
	assert.EqualError(t, err, "b failed")
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.NoError(t, chained.OnStep(context.Background(), "id", step.Record{}))
}

type memRunStore struct {
	mu       sync.Mutex
	statuses []step.RunStatus
	steps    []step.Record
}

func (m *memRunStore) SaveRun(ctx context.Context, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, s.Status)
	return nil
}

func (m *memRunStore) SaveStep(ctx context.Context, runID string, rec step.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, rec)
	return nil
}

func TestPersistenceWritesThrough(t *testing.T) {
	store := &memRunStore{}
	cfg := DefaultConfig()
	cfg.EnablePersistence = true

	o := NewBuilder().
		WithConfig(cfg).
		WithDecisionMaker(failOnceThenFinalize()).
		WithDispatcher(jsonFailure()).
		WithReflector(&MockReflector{Reflection: step.Reflection{Text: "malformed"}}).
		WithRunStore(store).
		WithIDGenerator(func() string { return "run-1" }).
		MustBuild()

	s, err := o.Run(context.Background(), "parse")
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, []step.RunStatus{step.RunRunning, step.RunSucceeded}, store.statuses)
	require.Len(t, store.steps, 2)
	assert.Equal(t, "malformed", store.steps[0].Reflection, "steps are persisted with their reflection")
}

func TestConcurrentRunsShareCache(t *testing.T) {
	reflector := &MockReflector{Reflection: step.Reflection{Text: "malformed"}}
	o := NewBuilder().
		WithDecisionMaker(failOnceThenFinalize()).
		WithDispatcher(jsonFailure()).
		WithReflector(reflector).
		MustBuild()

	var wg sync.WaitGroup
	results := make([]*Summary, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := o.Run(context.Background(), fmt.Sprintf("parse %d", i))
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	for i, s := range results {
		require.NotNil(t, s, "run %d", i)
		assert.Equal(t, step.RunSucceeded, s.Status)
		requireNumbering(t, s)
	}
	assert.GreaterOrEqual(t, reflector.Calls(), 1)
	assert.LessOrEqual(t, reflector.Calls(), len(results))
	assert.Equal(t, 1, o.Cache().Len())
}

func TestBuildRequiresCollaborators(t *testing.T) {
	_, err := NewBuilder().WithDispatcher(&MockDispatcher{}).Build()
	assert.EqualError(t, err, "decision maker is required")

	_, err = NewBuilder().WithDecisionMaker(&MockDecisionMaker{}).Build()
	assert.EqualError(t, err, "dispatcher is required")

	assert.Panics(t, func() { NewBuilder().MustBuild() })

	shared := reflection.NewCache()
	o := NewBuilder().WithDecisionMaker(&MockDecisionMaker{}).WithDispatcher(&MockDispatcher{}).WithCache(shared).MustBuild()
	assert.Same(t, shared, o.Cache())
}
