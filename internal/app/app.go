// Package app wires every callcopilot subsystem into a running application.
//
// New constructs the full dependency graph — embeddings provider, retrieval
// client, catalog index, gatekeeper, both agent pipelines, the orchestrator,
// the external HTTP adapters, and the transport layer — from a validated
// [config.Config] and a [Providers] bundle. Run blocks serving HTTP until the
// context is cancelled; Shutdown tears everything down in reverse order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/twelevegg/callcopilot/internal/agent/orchestrator"
	"github.com/twelevegg/callcopilot/internal/analyzer"
	"github.com/twelevegg/callcopilot/internal/cache"
	"github.com/twelevegg/callcopilot/internal/catalog"
	"github.com/twelevegg/callcopilot/internal/config"
	"github.com/twelevegg/callcopilot/internal/directory"
	"github.com/twelevegg/callcopilot/internal/gatekeeper"
	"github.com/twelevegg/callcopilot/internal/health"
	"github.com/twelevegg/callcopilot/internal/observe"
	"github.com/twelevegg/callcopilot/internal/persistence"
	"github.com/twelevegg/callcopilot/internal/pipeline/guidance"
	"github.com/twelevegg/callcopilot/internal/pipeline/marketing"
	"github.com/twelevegg/callcopilot/internal/resilience"
	"github.com/twelevegg/callcopilot/internal/retrieval"
	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/internal/transport"
	"github.com/twelevegg/callcopilot/pkg/provider/embeddings"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"

	"go.opentelemetry.io/otel"
)

// Providers holds one interface value per provider slot. FastLLM is nil when
// the operator didn't configure a distinct tier-2 classifier model, in which
// case New falls back to LLM for the Gatekeeper. Populated by main.go via the
// config registry.
type Providers struct {
	LLM        llm.Provider
	FastLLM    llm.Provider
	Embeddings embeddings.Provider
}

// App owns every subsystem's lifetime and exposes the HTTP surface described
// in spec §6.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      *session.Store
	retrieval  *retrieval.Client
	catalogIdx *catalog.Index
	gate       *gatekeeper.Gatekeeper
	orch       *orchestrator.Orchestrator
	dirClient  *directory.Client
	persist    *persistence.Client
	analyzer   *analyzer.Analyzer

	// llmProvider and fastLLMProvider are the main/fast-tier LLM providers
	// each wrapped in a [resilience.LLMFallback] so a failing primary
	// automatically fails over to the other tier (spec §7's
	// External-transient error kind), rather than every caller touching
	// a.providers directly.
	llmProvider     llm.Provider
	fastLLMProvider llm.Provider

	marketingPipe *marketing.Pipeline

	monitors *transport.ConnectionManager
	notifier *transport.NotificationManager
	ingress  *transport.Ingress
	server   *transport.Server
	metrics  *observe.Metrics
	health   *health.Handler

	httpServer *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New, used in tests to inject doubles for
// the process-wide singletons described in spec §5.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one.
func WithSessionStore(s *session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRetrievalClient injects a retrieval client instead of connecting to
// PostgreSQL from config.
func WithRetrievalClient(c *retrieval.Client) Option {
	return func(a *App) { a.retrieval = c }
}

// New wires the full application graph. All initialisation is synchronous:
// connecting to PostgreSQL, sampling existing retrieval categories, and
// constructing both agent pipelines happen before New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	if a.store == nil {
		a.store = session.New()
	}

	if err := a.initRetrieval(ctx); err != nil {
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}
	a.initCatalog()

	a.initLLM()
	a.initGatekeeper()
	a.initClients()

	if err := a.initPipelines(); err != nil {
		return nil, fmt.Errorf("app: init pipelines: %w", err)
	}

	a.analyzer = analyzer.New(a.llmProvider, a.persist)

	a.initMetricsAndHealth()
	a.initTransport()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initRetrieval(ctx context.Context) error {
	if a.retrieval != nil {
		return nil // injected by a test
	}
	if a.cfg.Retrieval.PostgresDSN == "" {
		return fmt.Errorf("retrieval.postgres_dsn is required")
	}
	client, err := retrieval.Connect(ctx, a.cfg.Retrieval.PostgresDSN, a.providers.Embeddings,
		retrieval.WithStagedDefaults(a.cfg.Retrieval.CategoryWeights, a.cfg.Retrieval.AlwaysInclude))
	if err != nil {
		return err
	}
	a.retrieval = client
	a.closers = append(a.closers, func() error { client.Close(); return nil })

	if _, err := client.ExistingCategories(ctx); err != nil {
		slog.Warn("failed to sample existing retrieval categories at startup", "err", err)
	}
	return nil
}

func (a *App) initCatalog() {
	a.catalogIdx = catalog.New(a.retrieval.Pool(), a.providers.Embeddings)
}

// initLLM wraps providers.LLM and providers.FastLLM in a [resilience.LLMFallback]
// apiece, each one preferring its own tier but failing over to the other tier
// when a call fails or its circuit breaker is open — the main-tier model covers for a down
// fast-tier classifier and vice versa (spec §7's External-transient error
// kind, applied to the LLM client the same way initClients applies a breaker
// to the HTTP adapters).
func (a *App) initLLM() {
	fast := a.providers.FastLLM
	if fast == nil {
		slog.Warn("providers.fast_llm not configured — gatekeeper tier-2 classifier reuses providers.llm")
		fast = a.providers.LLM
	}

	llmFallback := resilience.NewLLMFallback(a.providers.LLM, "llm", resilience.FallbackConfig{})
	if a.providers.FastLLM != nil {
		llmFallback.AddFallback("fast-llm", a.providers.FastLLM)
	}
	a.llmProvider = llmFallback

	fastFallback := resilience.NewLLMFallback(fast, "fast-llm", resilience.FallbackConfig{})
	if a.providers.FastLLM != nil {
		fastFallback.AddFallback("llm", a.providers.LLM)
	}
	a.fastLLMProvider = fastFallback
}

func (a *App) initGatekeeper() {
	var gateOpts []gatekeeper.Option
	if a.cfg.Gatekeeper.ShortTurnChars > 0 {
		gateOpts = append(gateOpts, gatekeeper.WithShortTurnThreshold(a.cfg.Gatekeeper.ShortTurnChars))
	}
	if a.cfg.Cache.MaxEntries > 0 {
		gateOpts = append(gateOpts, gatekeeper.WithDecisionCache(cache.New(a.cfg.Cache.MaxEntries)))
	}
	a.gate = gatekeeper.New(a.fastLLMProvider, gateOpts...)
}

func (a *App) initClients() {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "external-http"})

	a.dirClient = directory.New(a.cfg.Clients.CustomerDirectoryURL, a.cfg.Clients.APIKey,
		directory.WithCircuitBreaker(breaker))
	a.persist = persistence.New(a.cfg.Clients.PersistenceURL, a.cfg.Clients.APIKey,
		persistence.WithCircuitBreaker(breaker))
}

func (a *App) initPipelines() error {
	guidancePipe := guidance.New(a.store, a.retrieval, a.llmProvider)

	var marketingOpts []marketing.Option
	if a.cfg.Cache.MaxEntries > 0 {
		marketingOpts = append(marketingOpts, marketing.WithDecisionCache(cache.New(a.cfg.Cache.MaxEntries)))
	}
	if a.cfg.Cache.PrefetchTTL > 0 {
		marketingOpts = append(marketingOpts, marketing.WithPrefetchTTL(a.cfg.Cache.PrefetchTTL))
	}
	if a.cfg.Gatekeeper.RejectedNameThreshold > 0 {
		marketingOpts = append(marketingOpts, marketing.WithRejectedNameThreshold(a.cfg.Gatekeeper.RejectedNameThreshold))
	}
	marketingPipe := marketing.New(a.store, a.gate, a.retrieval, a.catalogIdx, a.llmProvider, marketingOpts...)
	a.marketingPipe = marketingPipe

	a.orch = orchestrator.New(map[string]orchestrator.Handler{
		"guidance":  guidancePipe,
		"marketing": marketingPipe,
	})
	return nil
}

func (a *App) initMetricsAndHealth() {
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Warn("failed to initialise metrics; continuing without them", "err", err)
	}
	a.metrics = m

	a.health = health.New(health.Checker{
		Name: "retrieval",
		Check: func(ctx context.Context) error {
			_, err := a.retrieval.ExistingCategories(ctx)
			return err
		},
	})
}

func (a *App) initTransport() {
	a.monitors = transport.NewConnectionManager(a.metrics)
	a.notifier = transport.NewNotificationManager()

	a.ingress = transport.NewIngress(
		a.store,
		a.monitors,
		a.notifier,
		a.orch,
		a.dirClient,
		a.analyzer,
		a.metrics,
		transport.AcceptOptionsFromOrigins(a.cfg.CORS.AllowedOrigins),
	)

	a.server = transport.NewServer(transport.ServerConfig{
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		HealthHandler:  a.health,
		Metrics:        a.metrics,
	}, a.ingress, a.monitors, a.notifier)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionStore returns the per-call session store.
func (a *App) SessionStore() *session.Store { return a.store }

// ApplyHotConfig pushes the hot-reloadable parts of cfg into the running
// subsystems: the gatekeeper's short-turn threshold, the marketing pipeline's
// rejected-proposal name-match cutoff, and the retrieval client's staged
// category weights. Everything else in cfg requires a restart and is ignored.
func (a *App) ApplyHotConfig(cfg *config.Config) {
	if cfg.Gatekeeper.ShortTurnChars > 0 {
		a.gate.SetShortTurnThreshold(cfg.Gatekeeper.ShortTurnChars)
	}
	if cfg.Gatekeeper.RejectedNameThreshold > 0 {
		a.marketingPipe.SetRejectedNameThreshold(cfg.Gatekeeper.RejectedNameThreshold)
	}
	a.retrieval.SetStagedDefaults(cfg.Retrieval.CategoryWeights, cfg.Retrieval.AlwaysInclude)
}

// Handler returns the root HTTP handler serving the ingress, monitor,
// notification, broadcast, health, and metrics endpoints (spec §6).
func (a *App) Handler() http.Handler { return a.server }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails to serve.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpServer = &http.Server{
		Addr:    addr,
		Handler: a.server,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := a.httpServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting new connections and tears down every initialised
// subsystem in reverse-init order, respecting ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
