package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/queryforge/queryforge/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the QueryForge generation control plane.
type Config struct {
	Port      int
	Version   string
	Providers []models.ProviderConfig
	Gateway   GatewayConfig
	Budget    BudgetConfig
	Sandbox   SandboxConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
}

// GatewayConfig tunes provider retry/backoff/cooldown behavior.
type GatewayConfig struct {
	MaxAttempts      int           // attempts per provider on remote rate limits
	BackoffBase      time.Duration // first retry delay
	BackoffCap       time.Duration // maximum retry delay
	FailureThreshold int           // consecutive failures before cooldown
	Cooldown         time.Duration // how long a tripped provider sits out
	CallTimeout      time.Duration // per-call HTTP timeout
}

// BudgetConfig holds request-budget defaults applied when the caller
// does not set a ceiling.
type BudgetConfig struct {
	DefaultMaxTokens  int64
	DefaultMaxCostUSD float64
	ReserveFraction   float64 // share of ceiling held back for essential stages
}

// SandboxConfig points at the trial-execution database. An empty DSN
// disables live checks; validation then runs in static mode.
type SandboxConfig struct {
	DSN          string
	CheckTimeout time.Duration
}

// PipelineConfig holds run-level defaults.
type PipelineConfig struct {
	DefaultTimeout time.Duration
	RunTTL         time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
// Provider definitions come from the YAML file at QUERYFORGE_PROVIDERS_FILE;
// without one, providers are assembled from well-known API-key env vars with
// a local ollama fallback so development works with zero setup.
func Load() *Config {
	cfg := &Config{
		Port:    envInt("QUERYFORGE_PORT", 8080),
		Version: envStr("QUERYFORGE_VERSION", "0.2.0"),
		Gateway: GatewayConfig{
			MaxAttempts:      envInt("GATEWAY_MAX_ATTEMPTS", 5),
			BackoffBase:      envDuration("GATEWAY_BACKOFF_BASE", time.Second),
			BackoffCap:       envDuration("GATEWAY_BACKOFF_CAP", 300*time.Second),
			FailureThreshold: envInt("GATEWAY_FAILURE_THRESHOLD", 3),
			Cooldown:         envDuration("GATEWAY_COOLDOWN", 2*time.Minute),
			CallTimeout:      envDuration("GATEWAY_CALL_TIMEOUT", 120*time.Second),
		},
		Budget: BudgetConfig{
			DefaultMaxTokens:  int64(envInt("BUDGET_DEFAULT_MAX_TOKENS", 200_000)),
			DefaultMaxCostUSD: envFloat("BUDGET_DEFAULT_MAX_COST_USD", 2.0),
			ReserveFraction:   envFloat("BUDGET_RESERVE_FRACTION", 0.10),
		},
		Sandbox: SandboxConfig{
			DSN:          envStr("SANDBOX_DATABASE_URL", ""),
			CheckTimeout: envDuration("SANDBOX_CHECK_TIMEOUT", 15*time.Second),
		},
		Pipeline: PipelineConfig{
			DefaultTimeout: envDuration("PIPELINE_DEFAULT_TIMEOUT", 10*time.Minute),
			RunTTL:         envDuration("QUERYFORGE_RUN_TTL", 24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "queryforge"),
		},
	}

	if providersFile := envStr("QUERYFORGE_PROVIDERS_FILE", ""); providersFile != "" {
		if providers, err := LoadProviders(providersFile); err == nil {
			cfg.Providers = providers
		}
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}

	return cfg
}

// LoadProviders parses a YAML provider list:
//
//	providers:
//	  - name: primary
//	    kind: anthropic
//	    model: claude-3-5-haiku-20241022
//	    priority: 1
//	    requests_per_minute: 50
//	    tokens_per_minute: 100000
//	    api_key: sk-...
func LoadProviders(path string) ([]models.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var doc struct {
		Providers []models.ProviderConfig `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if len(doc.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s defines no providers", path)
	}

	for i := range doc.Providers {
		if doc.Providers[i].Name == "" {
			return nil, fmt.Errorf("provider %d has no name", i)
		}
		if doc.Providers[i].Priority == 0 {
			doc.Providers[i].Priority = i + 1
		}
	}
	return doc.Providers, nil
}

func defaultProviders() []models.ProviderConfig {
	var providers []models.ProviderConfig

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, models.ProviderConfig{
			Name:              "openai",
			Kind:              "openai",
			Model:             envStr("OPENAI_MODEL", "gpt-4o-mini"),
			Priority:          1,
			RequestsPerMinute: 60,
			TokensPerMinute:   150_000,
			APIKey:            key,
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, models.ProviderConfig{
			Name:              "anthropic",
			Kind:              "anthropic",
			Model:             envStr("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
			Priority:          len(providers) + 1,
			RequestsPerMinute: 50,
			TokensPerMinute:   100_000,
			APIKey:            key,
		})
	}

	// Zero-config local fallback.
	providers = append(providers, models.ProviderConfig{
		Name:     "ollama",
		Kind:     "ollama",
		Endpoint: envStr("OLLAMA_ENDPOINT", "http://localhost:11434"),
		Model:    envStr("OLLAMA_MODEL", "llama3.1"),
		Priority: len(providers) + 1,
	})
	return providers
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
