package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/genai"

	"github.com/okubit/sluice/db"
	"github.com/okubit/sluice/internal/api"
	"github.com/okubit/sluice/internal/config"
	"github.com/okubit/sluice/internal/engine"
	"github.com/okubit/sluice/internal/identity"
	"github.com/okubit/sluice/internal/model"
	"github.com/okubit/sluice/internal/observability"
	"github.com/okubit/sluice/internal/prompt"
	"github.com/okubit/sluice/internal/quota"
	"github.com/okubit/sluice/internal/security"
	"github.com/okubit/sluice/internal/session"
	"github.com/okubit/sluice/internal/tools"
)

// systemPrompt is sent with every model call. It is owned by the service
// rather than configuration: prompt wording changes ship with code review,
// not with a deployment edit.
const systemPrompt = `You are a capable assistant with access to tools.

Use web_search when an answer depends on current events or facts you are
not certain of, and fetch_page to read a specific page a user or a search
result points to. Mention the source URL when you rely on a fetched page.
Answer in the language of the question, and keep answers direct.`

// Setup builds the pipeline. On failure everything already constructed is
// released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	// Tracing first, so Genkit's TracerProvider has its span processor
	// before Init touches it.
	otelShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLP.Endpoint,
		ServiceName: cfg.OTLP.ServiceName,
		Environment: cfg.OTLP.Environment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	})

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.onClose(pool.Close)

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	backend, err := provideBackend(g, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Store = session.New(pool, logger.With("component", "session"))
	a.Ledger = provideLedger(pool, cfg, logger)

	registry, toolCleanup, err := provideTools(ctx, g, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Tools = registry
	a.onClose(toolCleanup)

	eng, err := provideEngine(cfg, a.Store, backend, registry, a.Ledger, logger)
	if err != nil {
		return nil, err
	}
	a.Engine = eng
	a.onClose(eng.Close)

	srv, err := provideServer(cfg, a, logger)
	if err != nil {
		return nil, err
	}
	a.Server = srv

	return a, nil
}

// providePool migrates the schema, then opens a tuned connection pool and
// verifies it with a bounded ping.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the configured provider plugin.
// Provider API keys are read by the plugins from their conventional
// environment variables; config.Validate has already checked they exist.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderGemini
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
	default:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	}
	if g == nil {
		return nil, fmt.Errorf("initializing genkit with provider %q", provider)
	}

	logger.Info("initialized genkit", "provider", provider, "model", cfg.ModelName)
	return g, nil
}

// provideBackend wraps the Genkit instance in the model seam the engine
// drives, with upstream pacing from config.
func provideBackend(g *genkit.Genkit, cfg *config.Config, logger *slog.Logger) (model.Backend, error) {
	name, modelCfg := upstreamModel(cfg)

	backend, err := model.NewGenkitBackend(model.GenkitConfig{
		Genkit:            g,
		ModelName:         name,
		ModelConfig:       modelCfg,
		RequestsPerSecond: cfg.ModelRPS,
		Burst:             cfg.ModelBurst,
		Logger:            logger.With("component", "model"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating model backend: %w", err)
	}
	return backend, nil
}

// upstreamModel resolves the provider-qualified model name and the
// generation config that provider expects.
func upstreamModel(cfg *config.Config) (string, any) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		// The compat plugin applies its own generation defaults.
		return config.ProviderOpenAI + "/" + cfg.ModelName, nil
	default:
		gc := &genai.GenerateContentConfig{}
		if cfg.Temperature > 0 {
			temp := cfg.Temperature
			gc.Temperature = &temp
		}
		if cfg.MaxOutputTokens > 0 {
			gc.MaxOutputTokens = int32(cfg.MaxOutputTokens)
		}
		return config.ProviderGoogleAI + "/" + cfg.ModelName, gc
	}
}

// provideLedger builds the fixed-window quota ledger on the Postgres
// counter store, so budgets hold across replicas and restarts.
func provideLedger(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) *quota.Ledger {
	quotaLogger := logger.With("component", "quota")

	overrides := make(map[string]quota.Policy, len(cfg.ToolQuotaOverrides))
	for name, p := range cfg.ToolQuotaOverrides {
		overrides[name] = policy(p)
	}

	return quota.NewLedger(quota.Config{
		Store:         quota.NewPostgresStore(pool, quotaLogger),
		Route:         policy(cfg.RouteQuota),
		ToolDefault:   policy(cfg.ToolQuota),
		ToolOverrides: overrides,
		Logger:        quotaLogger,
	})
}

func policy(p config.QuotaPolicy) quota.Policy {
	return quota.Policy{
		Limit:  p.Limit,
		Window: time.Duration(p.WindowSeconds) * time.Second,
	}
}

// provideTools builds the registry, registers the builtin web tools, and
// attaches any configured MCP servers. The returned cleanup shuts the MCP
// subprocesses down.
func provideTools(ctx context.Context, g *genkit.Genkit, cfg *config.Config, logger *slog.Logger) (*tools.Registry, func(), error) {
	toolLogger := logger.With("component", "tools")
	registry := tools.NewRegistry(g)

	urlValidator := security.NewURL()
	if cfg.Fetch.AllowLoopback {
		toolLogger.Warn("fetch ssrf screening admits loopback targets",
			"hint", "development only, never enable in production")
		urlValidator = security.NewPermissiveURL()
	}

	network, err := tools.NewNetwork(tools.NetConfig{
		SearchBaseURL:    cfg.SearXNG.BaseURL,
		SearchMaxResults: cfg.SearXNG.MaxResults,
		FetchMaxBytes:    int64(cfg.Fetch.MaxBodyBytes),
		FetchTimeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}, urlValidator, toolLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating network tools: %w", err)
	}

	if err := tools.RegisterBuiltins(registry, network); err != nil {
		return nil, nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	mcp, err := tools.ConnectMCP(ctx, registry, cfg.MCP, security.NewCommand(), logger.With("component", "mcp"))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting mcp servers: %w", err)
	}

	toolLogger.Info("tools registered", "count", registry.Count(), "names", registry.Names())

	cleanup := func() {
		if err := mcp.Close(); err != nil {
			toolLogger.Warn("closing mcp sessions", "error", err)
		}
	}
	return registry, cleanup, nil
}

// provideEngine assembles the generation loop from config knobs.
func provideEngine(cfg *config.Config, store *session.Store, backend model.Backend, toolbox *tools.Registry, ledger *quota.Ledger, logger *slog.Logger) (*engine.Engine, error) {
	knobs := cfg.Engine

	eng, err := engine.New(engine.Config{
		Store:           store,
		Builder:         prompt.NewBuilder(knobs.TokenBudget, logger.With("component", "prompt")),
		Backend:         backend,
		Toolbox:         toolbox,
		Ledger:          ledger,
		System:          systemPrompt,
		MaxToolCycles:   knobs.MaxToolCycles,
		ToolParallelism: knobs.ToolParallelism,
		ToolTimeout:     time.Duration(knobs.ToolTimeoutSeconds) * time.Second,
		RequestBudget:   time.Duration(knobs.RequestBudgetSeconds) * time.Second,
		Retry: engine.RetryConfig{
			MaxRetries:      knobs.RetryMaxAttempts,
			InitialInterval: time.Duration(knobs.RetryInitialMs) * time.Millisecond,
			MaxInterval:     time.Duration(knobs.RetryMaxMs) * time.Millisecond,
		},
		Breaker: engine.DefaultCircuitBreakerConfig(),
		Logger:  logger.With("component", "engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return eng, nil
}

// parseRateBurst reads SLUICE_RATE_BURST from the environment.
// Returns 0 (use default) if unset or invalid.
func parseRateBurst() int {
	v := os.Getenv("SLUICE_RATE_BURST")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// provideServer builds the identity resolver and the HTTP surface.
func provideServer(cfg *config.Config, a *App, logger *slog.Logger) (*api.Server, error) {
	resolver := identity.NewResolver(identity.Config{
		Secret:         []byte(cfg.AuthSecret),
		AllowAnonymous: cfg.AllowAnonymous,
		TrustProxy:     cfg.TrustProxy,
		SaltPeriod:     time.Duration(cfg.AnonSaltPeriodHours) * time.Hour,
	})

	srv, err := api.NewServer(api.Config{
		Logger:             logger.With("component", "api"),
		Engine:             a.Engine,
		Store:              a.Store,
		Resolver:           resolver,
		Ledger:             a.Ledger,
		Screen:             security.NewPromptValidator(),
		Pool:               a.Pool,
		CORSOrigins:        cfg.CORSOrigins,
		TrustProxy:         cfg.TrustProxy,
		RateBurst:          parseRateBurst(),
		MaxMessageBytes:    cfg.MaxMessageBytes,
		MaxAttachments:     cfg.MaxAttachments,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}
	return srv, nil
}
