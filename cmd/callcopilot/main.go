// Command callcopilot is the main entry point for the call-assistance
// copilot server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twelevegg/callcopilot/internal/app"
	"github.com/twelevegg/callcopilot/internal/config"
	"github.com/twelevegg/callcopilot/internal/observe"
	"github.com/twelevegg/callcopilot/pkg/provider/embeddings"
	embeddingsmock "github.com/twelevegg/callcopilot/pkg/provider/embeddings/mock"
	"github.com/twelevegg/callcopilot/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/twelevegg/callcopilot/pkg/provider/embeddings/openai"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/provider/llm/anyllm"
	llmmock "github.com/twelevegg/callcopilot/pkg/provider/llm/mock"
	llmopenai "github.com/twelevegg/callcopilot/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callcopilot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callcopilot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callcopilot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── OpenTelemetry: Prometheus-backed metrics, no-op traces by default ──────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "callcopilot",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.GatekeeperChanged || d.WeightsChanged {
			application.ApplyHotConfig(new)
			slog.Info("hot-reloadable settings applied",
				"gatekeeper", d.GatekeeperChanged,
				"category_weights", d.WeightsChanged,
			)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the LLM and embeddings factories that
// ship with callcopilot. Each factory is looked up by the Name field of the
// corresponding ProviderEntry.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, e.Model)
	})
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []embeddingsopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(e.BaseURL))
		}
		return embeddingsopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollama.New(e.BaseURL, e.Model)
	})
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embeddingsmock.Provider{}, nil
	})
}

// buildProviders instantiates the LLM, fast-LLM, and embeddings providers
// named in cfg using the registry and returns them in an [app.Providers]
// struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.FastLLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.FastLLM)
		if err != nil {
			return nil, fmt.Errorf("create fast_llm provider %q: %w", name, err)
		}
		ps.FastLLM = p
		slog.Info("provider created", "kind", "fast_llm", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        callcopilot — startup summary  ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Fast LLM", cfg.Providers.FastLLM.Name, cfg.Providers.FastLLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Printf("║  Cache entries   : %-19d ║\n", cfg.Cache.MaxEntries)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the default text logger. The returned LevelVar lets the
// config watcher retune verbosity without rebuilding the handler.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
