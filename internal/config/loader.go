package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm", "ollama", "mock"},
	"fast_llm":   {"openai", "anyllm", "ollama", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("fast_llm", cfg.Providers.FastLLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.FastLLM.Name == "" {
		slog.Warn("providers.fast_llm is not configured; gatekeeper tier-2 classification will reuse providers.llm")
	}

	if cfg.Providers.Embeddings.Name != "" && cfg.Retrieval.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but retrieval.embedding_dimensions is not set")
	}
	if cfg.Retrieval.PostgresDSN == "" {
		errs = append(errs, errors.New("retrieval.postgres_dsn is required"))
	}

	if cfg.Clients.CustomerDirectoryURL == "" {
		slog.Warn("clients.customer_directory_url is empty; customer profile lookups will always miss")
	}
	if cfg.Clients.PersistenceURL == "" {
		slog.Warn("clients.persistence_url is empty; end-of-call analysis results will not be persisted")
	}

	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries %d must be non-negative", cfg.Cache.MaxEntries))
	}
	if cfg.Gatekeeper.RejectedNameThreshold != 0 && (cfg.Gatekeeper.RejectedNameThreshold < 0 || cfg.Gatekeeper.RejectedNameThreshold > 1) {
		errs = append(errs, fmt.Errorf("gatekeeper.rejected_name_threshold %.2f is out of range [0, 1]", cfg.Gatekeeper.RejectedNameThreshold))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
