package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/tools"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, orchestrator.DefaultConfig(), cfg.Orchestrator)
	assert.True(t, cfg.Reflection.SeedPredefined)
	assert.Equal(t, 3, cfg.Collab.MaxIterations)
	assert.InDelta(t, 0.8, cfg.Collab.QualityThreshold, 1e-9)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
orchestrator:
  max_steps: 7
  per_call_timeout: 45s
  reflect_on_success: true
reflection:
  seed_predefined: false
llm:
  provider: openai
  model: gpt-4o-mini
collab:
  quality_threshold: 0.6
  critic:
    model: gpt-4o
tools:
  openapi:
    - name: pets
      spec_path: ./pets.yaml
      base_url: http://localhost:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.PerCallTimeout)
	assert.True(t, cfg.Orchestrator.ReflectOnSuccess)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Orchestrator.EarlyStopThreshold)
	assert.True(t, cfg.Orchestrator.EnableReflectionCache)
	assert.False(t, cfg.Reflection.SeedPredefined)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.InDelta(t, 0.6, cfg.Collab.QualityThreshold, 1e-9)
	assert.Equal(t, "gpt-4o", cfg.Collab.Critic.Model)
	require.Len(t, cfg.Tools.OpenAPI, 1)
	assert.Equal(t, tools.OpenAPISource{Name: "pets", SpecPath: "./pets.yaml", BaseURL: "http://localhost:9000"}, cfg.Tools.OpenAPI[0])
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orchestrator:\n  max_steps: 7\n")
	t.Setenv("REFLEXION_ORCHESTRATOR_MAX_STEPS", "12")
	t.Setenv("REFLEXION_LLM_MODEL", "claude-3-5-haiku-latest")
	t.Setenv("REFLEXION_COLLAB_PLANNER_MODEL", "planner-model")
	t.Setenv("REFLEXION_SERVER_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Model)
	assert.Equal(t, "planner-model", cfg.Collab.Planner.Model)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"REFLEXION_ORCHESTRATOR_MAX_STEPS": "orchestrator.max_steps",
		"REFLEXION_LLM_API_KEY_ENV":        "llm.api_key_env",
		"REFLEXION_COLLAB_CRITIC_BASE_URL": "collab.critic.base_url",
		"REFLEXION_COLLAB_MAX_ITERATIONS":  "collab.max_iterations",
		"REFLEXION_STORAGE_PATH":           "storage.path",
		"REFLEXION_VERBOSE":                "verbose",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orchestrator: [unclosed\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MaxSteps = 0
	cfg.LLM.Provider = "nonexistent"
	cfg.Collab.QualityThreshold = 1.5
	cfg.Collab.Critic.Provider = "also-bad"
	cfg.Tools.OpenAPI = []tools.OpenAPISource{{Name: "x"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConfig)
	for _, fragment := range []string{"max_steps", "llm.provider", "quality_threshold", "collab.critic.provider", "tools.openapi[0]"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestRoleMergesOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	cfg.Collab.Critic.Model = "gpt-4o"
	cfg.Collab.Planner = RoleConfig{Provider: "anthropic", Model: "claude-3-5-sonnet-latest"}

	critic := cfg.Role("critic")
	assert.Equal(t, "openai", critic.Provider)
	assert.Equal(t, "gpt-4o", critic.Model)
	assert.Equal(t, "OPENAI_API_KEY", critic.APIKeyEnv)

	planner := cfg.Role("planner")
	assert.Equal(t, "anthropic", planner.Provider)
	assert.Equal(t, "claude-3-5-sonnet-latest", planner.Model)
	assert.Empty(t, planner.APIKeyEnv)

	assert.Equal(t, cfg.LLM, cfg.Role("executor"))
	assert.Equal(t, cfg.LLM, cfg.Role("unknown"))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Orchestrator.MaxSteps = 33
	cfg.Orchestrator.PerCallTimeout = 90 * time.Second
	cfg.LLM.Model = "some-model"
	cfg.Reflection.SeedPredefined = false

	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "orchestrator:\n  max_steps: 5\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_steps: 9\n"), 0600))

	// a write may surface as several events; wait for the final content
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-changes:
			seen = cfg.Orchestrator.MaxSteps == 9
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
