package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/firebase/genkit/go/ai"
	coreapi "github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/mcppool"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/security"
	"github.com/parleyhq/parley/internal/store"
)

// Setup creates and initializes the application. On any failure everything
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelShutdown = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	st, err := store.New(pool, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}
	a.Store = st

	retr, err := retrieval.New(pool, embedder, cfg.Retrieval.TopK, logger.With("component", "retrieval"))
	if err != nil {
		return nil, err
	}
	a.Retrieval = retr

	mcp, err := mcppool.New(st.MCPEndpoint, logger.With("component", "mcp"))
	if err != nil {
		return nil, err
	}
	a.MCP = mcp

	eng, err := engine.New(engine.Config{
		Model:              engine.NewGenkitModel(g, provideModelLimiter(cfg), logger.With("component", "model")),
		Retriever:          retr,
		Agents:             st,
		History:            st,
		MCP:                mcp,
		Logger:             logger.With("component", "engine"),
		HTTPClient:         provideWebhookClient(cfg),
		DefaultModel:       cfg.ModelName,
		ContextualizeModel: cfg.ContextualizeModel,
		QualifyModel:       cfg.FullModelName,
		MaxToolIterations:  cfg.Engine.MaxToolIterations,
		MaxAgentDepth:      cfg.Engine.MaxAgentDepth,
		ToolTimeout:        cfg.Engine.ToolTimeout(),
		SubturnTimeout:     cfg.Engine.SubturnTimeout(),
		ToolParallelism:    cfg.Engine.ToolParallelism,
		KeepaliveInterval:  cfg.Engine.KeepaliveInterval(),
		RetrievalTimeout:   cfg.Retrieval.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	a.Engine = eng

	srv, err := api.NewServer(api.Config{
		Logger:      logger.With("component", "api"),
		Engine:      api.EngineStarter{Engine: eng},
		Store:       st,
		Pool:        pool,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return nil, err
	}
	a.Server = srv

	return a, nil
}

// provideOtelShutdown registers an OTLP/HTTP span exporter with Genkit's
// TracerProvider. Must run before provideGenkit so the provider is ready.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.OTel.Enabled() {
		return func() {}
	}

	// Set OTEL env vars for Genkit's TracerProvider to pick up.
	// SAFETY: os.Setenv is not concurrent-safe, but this runs exactly once
	// during startup, before goroutines are spawned.
	if cfg.OTel.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.OTel.ServiceName)
	}
	if cfg.OTel.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.OTel.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTel.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating OTLP exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled",
		"endpoint", cfg.OTel.Endpoint,
		"service", cfg.OTel.ServiceName,
		"environment", cfg.OTel.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
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
	poolCfg.HealthCheckPeriod = 1 * time.Minute

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

// provideGenkit initializes Genkit with the configured AI provider plugin.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit", "provider", cfg.Provider,
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName)

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Registered in provideGenkit, keyed by server address.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, coreapi.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideModelLimiter throttles model API calls across all turns. Nil when
// throttling is disabled.
func provideModelLimiter(cfg *config.Config) *rate.Limiter {
	rps := cfg.Engine.ModelRequestsPerSecond
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// provideWebhookClient returns the HTTP client used for webhook tools.
// Egress is SSRF-guarded down to DNS resolution; with a signing secret
// configured, outgoing requests additionally carry an HMAC signature.
func provideWebhookClient(cfg *config.Config) *http.Client {
	guard := security.NewEgress()

	var transport http.RoundTripper = guard.SafeTransport()
	if cfg.WebhookSigningSecret != "" {
		transport = &signingTransport{
			secret: []byte(cfg.WebhookSigningSecret),
			base:   transport,
		}
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: guard.CheckRedirect,
	}
}

// signingTransport signs each request with HMAC-SHA256 over
// method, URL and body so webhook receivers can verify origin.
type signingTransport struct {
	secret []byte
	base   http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())

	var payload []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body for signing: %w", err)
		}
		if err := req.Body.Close(); err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		payload = b
	}

	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(req.Method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(req.URL.String()))
	mac.Write([]byte("\n"))
	mac.Write(payload)
	req.Header.Set("X-Parley-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	return t.base.RoundTrip(req)
}
