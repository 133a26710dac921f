// Package app wires configuration into a ready orchestrator, collaboration
// coordinator and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/reflexion/internal/agents"
	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/config"
	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/metrics"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/progress"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/secretdetect"
	"github.com/codefionn/reflexion/internal/securemem"
	"github.com/codefionn/reflexion/internal/server"
	"github.com/codefionn/reflexion/internal/store"
	"github.com/codefionn/reflexion/internal/tools"
)

// Roles that get their own model client.
const (
	RoleDecision = "decision"
	RolePlanner  = "planner"
	RoleExecutor = "executor"
	RoleCritic   = "critic"
)

// App holds every long-lived component. Close releases them.
type App struct {
	Config       *config.Config
	Keys         *securemem.Keyring
	Registry     *tools.Registry
	Dispatcher   *tools.Dispatcher
	Cache        *reflection.Cache
	DB           *store.Database
	Metrics      *metrics.Metrics
	Hub          *server.Hub
	Orchestrator *orchestrator.Orchestrator
	Coordinator  *collab.Coordinator

	log *logger.Logger
}

type options struct {
	clients     map[string]llm.Client
	hooks       []*orchestrator.Hooks
	collabHooks []*collab.Hooks
	progress    progress.Callback
	httpClient  *http.Client
	counter     func(string) int
	noMetrics   bool
}

// Option customizes New.
type Option func(*options)

// WithClient uses client for role instead of building one from config.
func WithClient(role string, client llm.Client) Option {
	return func(o *options) { o.clients[role] = client }
}

// WithHooks adds orchestrator hooks, e.g. live step output.
func WithHooks(h *orchestrator.Hooks) Option {
	return func(o *options) { o.hooks = append(o.hooks, h) }
}

// WithCollabHooks adds collaboration hooks.
func WithCollabHooks(h *collab.Hooks) Option {
	return func(o *options) { o.collabHooks = append(o.collabHooks, h) }
}

// WithProgress sets the orchestrator's progress callback.
func WithProgress(cb progress.Callback) Option {
	return func(o *options) { o.progress = cb }
}

// WithHTTPClient sets the client used to load and call OpenAPI tools.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTokenCounter replaces the tokenizer used for prompt budgets.
func WithTokenCounter(count func(string) int) Option {
	return func(o *options) { o.counter = count }
}

// WithoutMetrics skips Prometheus collection.
func WithoutMetrics() Option {
	return func(o *options) { o.noMetrics = true }
}

// New validates cfg and builds the application. On error everything opened
// so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	o := options{clients: make(map[string]llm.Client)}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{
		Config: cfg,
		Keys:   securemem.NewKeyring(),
		Hub:    server.NewHub(),
		log:    logger.Global().WithPrefix("app"),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := a.setupTools(ctx, o.httpClient); err != nil {
		return nil, err
	}
	if err := a.setupCache(); err != nil {
		return nil, err
	}
	if !o.noMetrics {
		a.Metrics = metrics.New()
		a.Metrics.WatchCache(a.Cache)
	}

	clients, err := a.buildClients(ctx, o.clients)
	if err != nil {
		return nil, err
	}
	if err := a.setupOrchestrator(clients, o); err != nil {
		return nil, err
	}
	if err := a.setupCoordinator(clients, o); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) setupTools(ctx context.Context, httpClient *http.Client) error {
	a.Registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(a.Registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	for _, src := range a.Config.Tools.OpenAPI {
		n, err := tools.RegisterOpenAPITools(ctx, a.Registry, src, httpClient)
		if err != nil {
			return fmt.Errorf("openapi source %q: %w", src.Name, err)
		}
		a.log.Info("Registered %d tools from %s", n, src.SpecPath)
	}
	var opts []tools.DispatcherOption
	if a.Config.Tools.RedactSecrets {
		opts = append(opts, tools.WithRedactor(secretdetect.New()))
	}
	a.Dispatcher = tools.NewDispatcher(a.Registry, a.Config.Tools.Timeout, opts...)
	return nil
}

func (a *App) setupCache() error {
	cacheOpts := []reflection.Option{reflection.WithLogger(logger.Global().WithPrefix("reflection"))}
	if a.Config.Orchestrator.EnablePersistence {
		db, err := OpenStore(a.Config.Storage.Path)
		if err != nil {
			return err
		}
		a.DB = db
		cacheOpts = append(cacheOpts, reflection.WithPersister(db))
	}
	a.Cache = reflection.NewCache(cacheOpts...)
	if a.DB != nil {
		n, err := a.Cache.Load()
		if err != nil {
			return fmt.Errorf("failed to load reflection cache: %w", err)
		}
		a.log.Info("Loaded %d cached reflections from %s", n, a.DB.Path())
	}
	return nil
}

// OpenStore opens the SQLite database at path, creating its directory.
func OpenStore(path string) (*store.Database, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %s: %w", path, err)
	}
	return db, nil
}

func (a *App) roleConfig(role string) config.LLMConfig {
	if role == RoleDecision {
		return a.Config.LLM
	}
	return a.Config.Role(role)
}

// buildClients creates one client per role. Roles resolving to the same
// provider, model and endpoint share a client and with it the rate limiter.
func (a *App) buildClients(ctx context.Context, injected map[string]llm.Client) (map[string]llm.Client, error) {
	clients := make(map[string]llm.Client)
	shared := make(map[string]llm.Client)
	for _, role := range []string{RoleDecision, RolePlanner, RoleExecutor, RoleCritic} {
		if c, ok := injected[role]; ok {
			clients[role] = c
			continue
		}
		if c, ok := injected[RoleDecision]; ok {
			// an injected default serves every role without its own
			clients[role] = c
			continue
		}

		lc := a.roleConfig(role)
		id := strings.Join([]string{lc.Provider, lc.Model, lc.BaseURL, lc.APIKeyEnv}, "|")
		if c, ok := shared[id]; ok {
			clients[role] = c
			continue
		}
		c, err := a.newClient(ctx, lc)
		if err != nil {
			return nil, fmt.Errorf("%s model: %w", role, err)
		}
		shared[id] = c
		clients[role] = c
	}
	return clients, nil
}

func (a *App) newClient(ctx context.Context, lc config.LLMConfig) (llm.Client, error) {
	provider, err := llm.NormalizeProvider(lc.Provider)
	if err != nil {
		return nil, err
	}
	key, err := a.apiKey(provider, lc.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(ctx, llm.Options{
		Provider:          provider,
		Model:             lc.Model,
		BaseURL:           lc.BaseURL,
		APIKey:            key,
		RequestsPerSecond: lc.RequestsPerSecond,
		TokensPerMinute:   lc.TokensPerMinute,
	})
}

// apiKey seals the provider key from the environment once per variable.
// Providers that need no key get nil.
func (a *App) apiKey(provider, env string) (*securemem.String, error) {
	if env == "" {
		env = llm.DefaultAPIKeyEnv(provider)
	}
	if env == "" {
		return nil, nil
	}
	if key := a.Keys.Get(env); key != nil {
		return key, nil
	}
	if err := a.Keys.LoadEnv(env, env); err != nil {
		if provider == llm.ProviderCompatible {
			// local servers usually run without a key
			return nil, nil
		}
		return nil, fmt.Errorf("api key for %s: %w", provider, err)
	}
	return a.Keys.Get(env), nil
}

func (a *App) agentOptions(role string, counter func(string) int) []agents.Option {
	lc := a.roleConfig(role)
	budget := agents.NewBudget(lc.Model, a.Config.LLM.ContextTokens)
	if counter != nil {
		budget = agents.NewBudgetWithCounter(a.Config.LLM.ContextTokens, counter)
	}
	return []agents.Option{
		agents.WithBudget(budget),
		agents.WithRetries(lc.MaxRetries, agents.DefaultBackoff),
		agents.WithTemperature(lc.Temperature),
		agents.WithMaxTokens(lc.MaxTokens),
		agents.WithPredefinedHints(a.Config.Reflection.SeedPredefined),
		agents.WithLogger(logger.Global().WithPrefix(role)),
	}
}

func (a *App) setupOrchestrator(clients map[string]llm.Client, o options) error {
	orch, err := orchestrator.NewBuilder().
		WithConfig(a.Config.Orchestrator).
		WithDecisionMaker(agents.NewDecisionMaker(clients[RoleDecision], a.Registry, a.agentOptions(RoleDecision, o.counter)...)).
		WithDispatcher(a.Dispatcher).
		WithReflector(agents.NewReflector(clients[RoleDecision], a.agentOptions(RoleDecision, o.counter)...)).
		WithCache(a.Cache).
		WithRunStore(a.runStore()).
		WithHooks(a.runHooks(o)).
		WithProgress(o.progress).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}
	a.Orchestrator = orch
	return nil
}

func (a *App) setupCoordinator(clients map[string]llm.Client, o options) error {
	var executor collab.Executor
	switch a.Config.Collab.ExecutorMode {
	case config.ExecutorLLM:
		executor = agents.NewExecutor(clients[RoleExecutor], a.agentOptions(RoleExecutor, o.counter)...)
	default:
		runner := a.Orchestrator
		if clients[RoleExecutor] != clients[RoleDecision] {
			// plans run through the loop, decided by the executor's model
			inner, err := orchestrator.NewBuilder().
				WithConfig(a.Config.Orchestrator).
				WithDecisionMaker(agents.NewDecisionMaker(clients[RoleExecutor], a.Registry, a.agentOptions(RoleExecutor, o.counter)...)).
				WithDispatcher(a.Dispatcher).
				WithReflector(agents.NewReflector(clients[RoleExecutor], a.agentOptions(RoleExecutor, o.counter)...)).
				WithCache(a.Cache).
				WithRunStore(a.runStore()).
				WithHooks(a.runHooks(o)).
				Build()
			if err != nil {
				return fmt.Errorf("failed to build executor orchestrator: %w", err)
			}
			runner = inner
		}
		executor = collab.NewOrchestratorExecutor(runner)
	}

	hooks := []*collab.Hooks{a.Hub.CollabHooks()}
	if a.Metrics != nil {
		hooks = append(hooks, a.Metrics.CollabHooks())
	}
	if a.DB != nil {
		hooks = append(hooks, &collab.Hooks{OnResult: func(ctx context.Context, r *collab.Result) error {
			return a.DB.SaveCollaboration(context.WithoutCancel(ctx), r)
		}})
	}
	hooks = append(hooks, o.collabHooks...)

	coordinator, err := collab.NewBuilder().
		WithPlanner(agents.NewPlanner(clients[RolePlanner], a.Registry, a.agentOptions(RolePlanner, o.counter)...)).
		WithExecutor(executor).
		WithCritic(agents.NewCritic(clients[RoleCritic], a.agentOptions(RoleCritic, o.counter)...)).
		WithRepetitionWindow(a.Config.Orchestrator.RepetitionWindow).
		WithHooks(collab.ChainHooks(hooks...)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}
	a.Coordinator = coordinator
	return nil
}

func (a *App) runStore() orchestrator.RunStore {
	if a.DB == nil {
		return nil
	}
	return a.DB
}

func (a *App) runHooks(o options) *orchestrator.Hooks {
	hooks := []*orchestrator.Hooks{a.Hub.Hooks()}
	if a.Metrics != nil {
		hooks = append(hooks, a.Metrics.Hooks())
	}
	return orchestrator.ChainHooks(append(hooks, o.hooks...)...)
}

// Run executes task with the configured defaults.
func (a *App) Run(ctx context.Context, task string) (*orchestrator.Summary, error) {
	return a.Orchestrator.Run(ctx, task)
}

// Collaborate runs the planner, executor and critic protocol. Zero values use
// the configured defaults.
func (a *App) Collaborate(ctx context.Context, task string, maxIterations int, threshold float64) (*collab.Result, error) {
	if maxIterations == 0 {
		maxIterations = a.Config.Collab.MaxIterations
	}
	if threshold == 0 {
		threshold = a.Config.Collab.QualityThreshold
	}
	return a.Coordinator.Run(ctx, task, maxIterations, threshold)
}

// CleanCache evicts entries that were used at least reflection.min_uses
// times with a success rate below reflection.min_success_rate.
func (a *App) CleanCache() int {
	return a.Cache.Cleanup(a.Config.Reflection.MinUses, a.Config.Reflection.MinSuccessRate)
}

// Server builds the HTTP server on the configured address.
func (a *App) Server() (*server.Server, error) {
	opts := server.Options{
		Addr:             fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Runner:           a.Orchestrator,
		Collaborator:     a.Coordinator,
		Hub:              a.Hub,
		Defaults:         a.Config.Orchestrator,
		MaxIterations:    a.Config.Collab.MaxIterations,
		QualityThreshold: a.Config.Collab.QualityThreshold,
		Profiling:        a.Config.Server.Profiling,
	}
	if a.DB != nil {
		opts.Runs = a.DB
	}
	if a.Metrics != nil {
		opts.Metrics = a.Metrics.Handler()
	}
	return server.New(opts)
}

// ApplyConfig takes over the settings that can change without a restart:
// the log level and the defaults of srv (which may be nil).
func (a *App) ApplyConfig(cfg *config.Config, srv *server.Server) {
	logger.Global().SetLevel(logger.ParseLevel(cfg.Log.Level))
	a.Config.Log.Level = cfg.Log.Level
	a.Config.Reflection = cfg.Reflection
	if srv != nil {
		srv.SetDefaults(cfg.Orchestrator, cfg.Collab.MaxIterations, cfg.Collab.QualityThreshold)
	}
	a.log.Info("Applied configuration (log level %s, max steps %d)", cfg.Log.Level, cfg.Orchestrator.MaxSteps)
}

// Close stops the hub and releases the database and the sealed keys.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Keys != nil {
		a.Keys.Clear()
	}
	return errors.Join(errs...)
}
