// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.parley/config.yaml or ./config.yaml)
//  3. Default values
//
// Sensitive values (database password, webhook signing secret) are masked in
// MarshalJSON so a Config can be logged safely. Validation uses sentinel
// errors so callers can branch with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidEngineLimit indicates an engine limit is out of range.
	ErrInvalidEngineLimit = errors.New("invalid engine limit")

	// ErrInvalidRetrievalTopK indicates retrieval.top_k is out of range.
	ErrInvalidRetrievalTopK = errors.New("invalid retrieval top_k")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// DefaultGeminiEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality, matching the pgvector schema.
const DefaultGeminiEmbedderModel = "gemini-embedding-001"

// EngineConfig bounds the turn execution engine.
type EngineConfig struct {
	// MaxToolIterations caps generate→execute rounds within one turn.
	// When reached the engine forces a final synthesis without tools.
	MaxToolIterations int `mapstructure:"max_tool_iterations" json:"max_tool_iterations"`

	// MaxAgentDepth caps the agent-calls-agent chain length.
	MaxAgentDepth int `mapstructure:"max_agent_depth" json:"max_agent_depth"`

	// ToolTimeoutSeconds bounds a single tool invocation.
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds" json:"tool_timeout_seconds"`

	// SubturnTimeoutSeconds bounds a delegated agent sub-turn.
	SubturnTimeoutSeconds int `mapstructure:"subturn_timeout_seconds" json:"subturn_timeout_seconds"`

	// ToolParallelism bounds concurrent tool executions within a batch.
	ToolParallelism int `mapstructure:"tool_parallelism" json:"tool_parallelism"`

	// KeepaliveSeconds is the idle interval between keepalive stream events.
	KeepaliveSeconds int `mapstructure:"keepalive_seconds" json:"keepalive_seconds"`

	// ModelRequestsPerSecond throttles model API calls across all turns.
	// Zero disables throttling.
	ModelRequestsPerSecond float64 `mapstructure:"model_requests_per_second" json:"model_requests_per_second"`
}

// ToolTimeout returns ToolTimeoutSeconds as a duration.
func (e EngineConfig) ToolTimeout() time.Duration {
	return time.Duration(e.ToolTimeoutSeconds) * time.Second
}

// SubturnTimeout returns SubturnTimeoutSeconds as a duration.
func (e EngineConfig) SubturnTimeout() time.Duration {
	return time.Duration(e.SubturnTimeoutSeconds) * time.Second
}

// KeepaliveInterval returns KeepaliveSeconds as a duration.
func (e EngineConfig) KeepaliveInterval() time.Duration {
	return time.Duration(e.KeepaliveSeconds) * time.Second
}

// RetrievalConfig bounds knowledge-base retrieval.
type RetrievalConfig struct {
	// TopK is the number of passages fetched per query.
	TopK int `mapstructure:"top_k" json:"top_k"`

	// TimeoutSeconds bounds retrieval; on expiry the turn proceeds
	// without context rather than failing.
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns TimeoutSeconds as a duration.
func (r RetrievalConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr" json:"addr"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
}

// OTelConfig holds OpenTelemetry trace export settings.
type OTelConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint (host:port). Empty disables export.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag.
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName overrides the exported service name.
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding a new
// secret field, update MarshalJSON as well.
type Config struct {
	// AI provider and default model configuration. Per-agent settings in the
	// database override ModelName, Temperature and MaxTokens.
	Provider    string  `mapstructure:"provider" json:"provider"`
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// ContextualizeModel, when set, handles the standalone-question rewrite
	// instead of the turn's model. A cheaper model is usually enough here.
	ContextualizeModel string `mapstructure:"contextualize_model" json:"contextualize_model"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Embedding model for knowledge-base retrieval
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Engine    EngineConfig    `mapstructure:"engine" json:"engine"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	OTel      OTelConfig      `mapstructure:"otel" json:"otel"`

	// WebhookSigningSecret signs outgoing webhook tool requests.
	WebhookSigningSecret string `mapstructure:"webhook_signing_secret" json:"webhook_signing_secret"` // SENSITIVE: masked in MarshalJSON
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("contextualize_model", "")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("ollama_host", "http://localhost:11434")
	viper.SetDefault("embedder_model", DefaultGeminiEmbedderModel)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "parley")
	viper.SetDefault("postgres_password", "parley_dev_password")
	viper.SetDefault("postgres_db_name", "parley")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("engine.max_tool_iterations", 5)
	viper.SetDefault("engine.max_agent_depth", 5)
	viper.SetDefault("engine.tool_timeout_seconds", 30)
	viper.SetDefault("engine.subturn_timeout_seconds", 120)
	viper.SetDefault("engine.tool_parallelism", 4)
	viper.SetDefault("engine.keepalive_seconds", 10)
	viper.SetDefault("engine.model_requests_per_second", 0)

	viper.SetDefault("retrieval.top_k", 8)
	viper.SetDefault("retrieval.timeout_seconds", 5)

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.cors_origins", []string{"http://localhost:4200"})

	viper.SetDefault("otel.environment", "dev")
	viper.SetDefault("otel.service_name", "parley")
}

// bindEnvVariables binds environment overrides explicitly. Provider API keys
// (GEMINI_API_KEY, OPENAI_API_KEY) are read directly by the model plugins,
// not through viper; Validate checks their presence.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "PARLEY_PROVIDER")
	mustBind("model_name", "PARLEY_MODEL_NAME")
	mustBind("ollama_host", "PARLEY_OLLAMA_HOST")
	mustBind("server.addr", "PARLEY_ADDR")
	mustBind("server.cors_origins", "PARLEY_CORS_ORIGINS")
	mustBind("webhook_signing_secret", "PARLEY_WEBHOOK_SECRET")
	mustBind("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of eight characters
// or fewer are fully masked; longer ones keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.WebhookSigningSecret = maskSecret(a.WebhookSigningSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified name genkit expects for the
// given model, e.g. "googleai/gemini-2.5-flash" or "ollama/llama3.3".
// A name already containing "/" is returned as-is.
func (c *Config) FullModelName(model string) string {
	if model == "" {
		model = c.ModelName
	}
	if strings.Contains(model, "/") {
		return model
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + model
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + model
	default:
		return ProviderGoogleAI + "/" + model
	}
}

// String implements Stringer so secrets never reach logs by accident.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
