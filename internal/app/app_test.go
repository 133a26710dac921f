package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/config"
	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

const (
	invokeAdd = `{"action_type": "tool", "tool_name": "calculator", "tool_input": {"op": "add", "a": 25, "b": 18}}`
	finish43  = `{"action_type": "finish", "final_answer": "43"}`
)

func countRunes(s string) int { return len([]rune(s)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = llm.ProviderMock
	cfg.Storage.Path = filepath.Join(t.TempDir(), "reflexion.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithTokenCounter(countRunes)}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.MaxSteps = 0

	_, err := New(context.Background(), cfg, WithTokenCounter(countRunes))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConfig)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("REFLEXION_TEST_MISSING_KEY", "")
	cfg := testConfig(t)
	cfg.LLM.Provider = llm.ProviderAnthropic
	cfg.LLM.APIKeyEnv = "REFLEXION_TEST_MISSING_KEY"

	_, err := New(context.Background(), cfg, WithTokenCounter(countRunes))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestRunWithMockProvider(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	summary, err := a.Run(context.Background(), "What is 25 + 18?")
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, summary.Status)
	assert.Equal(t, "mock answer", summary.Answer())
	assert.Nil(t, a.DB, "persistence is off by default")
}

func TestRunUsesInjectedClient(t *testing.T) {
	client := llm.NewMockClient(invokeAdd, finish43)
	a := newTestApp(t, testConfig(t), WithClient(RoleDecision, client))

	summary, err := a.Run(context.Background(), "What is 25 + 18?")
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, summary.Status)
	assert.Equal(t, "43", summary.Answer())
	assert.Equal(t, 2, summary.TotalSteps)
	assert.Equal(t, 1, summary.ToolUsage["calculator"])
}

func TestExtraHooksObserveSteps(t *testing.T) {
	var steps []step.Record
	hooks := &orchestrator.Hooks{OnStep: func(ctx context.Context, runID string, rec step.Record) error {
		steps = append(steps, rec)
		return nil
	}}
	a := newTestApp(t, testConfig(t),
		WithClient(RoleDecision, llm.NewMockClient(invokeAdd, finish43)),
		WithHooks(hooks),
	)

	_, err := a.Run(context.Background(), "What is 25 + 18?")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, step.StatusSuccess, steps[0].Status)
}

func TestPersistenceStoresRunsAndReflections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.EnablePersistence = true
	bad := `{"action_type": "tool", "tool_name": "calculator", "tool_input": {"op": "divide", "a": 1, "b": 0}}`
	clients := []Option{
		WithClient(RoleDecision, llm.NewMockClient(bad, finish43)),
	}
	a := newTestApp(t, cfg, clients...)
	require.NotNil(t, a.DB)

	summary, err := a.Run(context.Background(), "Divide one by zero")
	require.NoError(t, err)

	stored, err := a.DB.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, summary.TotalSteps, stored.TotalSteps)
	assert.Equal(t, 1, a.Cache.Len())
	require.NoError(t, a.Close())

	// a second app over the same database starts with the cached reflection
	reopened := newTestApp(t, cfg)
	assert.Equal(t, 1, reopened.Cache.Len())
}

func TestCollaborateThroughOrchestrator(t *testing.T) {
	var results []*collab.Result
	a := newTestApp(t, testConfig(t),
		WithClient(RoleDecision, llm.NewMockClient(finish43)),
		WithClient(RolePlanner, llm.NewMockClient("1. add the numbers\n2. report the sum")),
		WithClient(RoleCritic, llm.NewMockClient("SCORE: 0.9\nCorrect.")),
		WithCollabHooks(&collab.Hooks{OnResult: func(ctx context.Context, r *collab.Result) error {
			results = append(results, r)
			return nil
		}}),
	)

	res, err := a.Collaborate(context.Background(), "What is 25 + 18?", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, step.RunSucceeded, res.Status)
	require.NotNil(t, res.FinalAnswer)
	assert.Equal(t, "43", *res.FinalAnswer)
	assert.Equal(t, a.Config.Collab.MaxIterations, res.MaxIterations)
	assert.Len(t, res.Rounds, 1)
	assert.Len(t, results, 1)
}

func TestCollaborateWithLLMExecutor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collab.ExecutorMode = config.ExecutorLLM
	executor := llm.NewMockClient("43")
	a := newTestApp(t, cfg,
		WithClient(RoleDecision, llm.NewMockClient(finish43)),
		WithClient(RolePlanner, llm.NewMockClient("add")),
		WithClient(RoleExecutor, executor),
		WithClient(RoleCritic, llm.NewMockClient("SCORE: 1.0")),
	)

	res, err := a.Collaborate(context.Background(), "What is 25 + 18?", 2, 0.8)
	require.NoError(t, err)
	require.NotNil(t, res.FinalAnswer)
	assert.Equal(t, "43", *res.FinalAnswer)
	assert.Equal(t, 1, executor.CallCount)
}

func TestCollaborationIsPersisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.EnablePersistence = true
	a := newTestApp(t, cfg,
		WithClient(RoleDecision, llm.NewMockClient(finish43)),
		WithClient(RolePlanner, llm.NewMockClient("add")),
		WithClient(RoleCritic, llm.NewMockClient("SCORE: 0.95")),
	)

	res, err := a.Collaborate(context.Background(), "What is 25 + 18?", 1, 0.5)
	require.NoError(t, err)

	stored, err := a.DB.GetCollaboration(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.BestScore, stored.BestScore)
}

func TestBuildClientsSharesIdenticalRoles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collab.Critic.Model = "critic-model"
	a := newTestApp(t, cfg)

	clients, err := a.buildClients(context.Background(), map[string]llm.Client{})
	require.NoError(t, err)
	assert.Same(t, clients[RoleDecision], clients[RolePlanner])
	assert.Same(t, clients[RoleDecision], clients[RoleExecutor])
	assert.NotSame(t, clients[RoleDecision], clients[RoleCritic])
	assert.Equal(t, "critic-model", clients[RoleCritic].GetModelName())
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("REFLEXION_TEST_KEY", "sk-test")
	a := newTestApp(t, testConfig(t))

	key, err := a.apiKey(llm.ProviderOpenAI, "REFLEXION_TEST_KEY")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.True(t, key.Equal("sk-test"))
	assert.Same(t, key, a.Keys.Get("REFLEXION_TEST_KEY"))

	key, err = a.apiKey(llm.ProviderMock, "")
	require.NoError(t, err)
	assert.Nil(t, key)

	t.Setenv("REFLEXION_TEST_LOCAL", "")
	key, err = a.apiKey(llm.ProviderCompatible, "REFLEXION_TEST_LOCAL")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestCleanCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reflection.MinUses = 1
	cfg.Reflection.MinSuccessRate = 0.5
	a := newTestApp(t, cfg)

	entry, err := a.Cache.Add(reflection.NewEntry(step.KindTool, "division by zero", step.Reflection{Text: "check the divisor"}))
	require.NoError(t, err)
	a.Cache.RecordOutcome(entry.Key, false)

	assert.Equal(t, 1, a.CleanCache())
	assert.Equal(t, 0, a.Cache.Len())
}

func TestServerUsesConfiguredAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 9191
	a := newTestApp(t, cfg)

	srv, err := a.Server()
	require.NoError(t, err)
	assert.Equal(t, cfg.Orchestrator, srv.Defaults())

	updated := testConfig(t)
	updated.Orchestrator.MaxSteps = 7
	updated.Log.Level = "debug"
	a.ApplyConfig(updated, srv)
	assert.Equal(t, 7, srv.Defaults().MaxSteps)
	assert.Equal(t, "debug", a.Config.Log.Level)
	require.NoError(t, srv.Stop())
}
