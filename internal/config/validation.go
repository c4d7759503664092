package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate checks configuration values. It returns sentinel errors usable
// with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for provider %q",
				ErrMissingAPIKey, c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for provider %q",
				ErrMissingAPIKey, c.Provider)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty for provider %q",
				ErrInvalidProvider, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q is not one of gemini, googleai, openai, ollama",
			ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range per the Gemini API: 0.0 to 2.0.
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 2097152 {
		return fmt.Errorf("%w: must be between 1 and 2,097,152, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if err := c.Engine.validate(); err != nil {
		return err
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 50 {
		return fmt.Errorf("%w: must be between 1 and 50, got %d", ErrInvalidRetrievalTopK, c.Retrieval.TopK)
	}
	if c.Retrieval.TimeoutSeconds < 1 {
		return fmt.Errorf("%w: retrieval.timeout_seconds must be positive, got %d",
			ErrInvalidEngineLimit, c.Retrieval.TimeoutSeconds)
	}

	return c.validatePostgres()
}

func (e EngineConfig) validate() error {
	if e.MaxToolIterations < 1 || e.MaxToolIterations > 25 {
		return fmt.Errorf("%w: engine.max_tool_iterations must be between 1 and 25, got %d",
			ErrInvalidEngineLimit, e.MaxToolIterations)
	}
	if e.MaxAgentDepth < 1 || e.MaxAgentDepth > 25 {
		return fmt.Errorf("%w: engine.max_agent_depth must be between 1 and 25, got %d",
			ErrInvalidEngineLimit, e.MaxAgentDepth)
	}
	if e.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("%w: engine.tool_timeout_seconds must be positive, got %d",
			ErrInvalidEngineLimit, e.ToolTimeoutSeconds)
	}
	if e.SubturnTimeoutSeconds < 1 {
		return fmt.Errorf("%w: engine.subturn_timeout_seconds must be positive, got %d",
			ErrInvalidEngineLimit, e.SubturnTimeoutSeconds)
	}
	if e.ToolParallelism < 1 || e.ToolParallelism > 64 {
		return fmt.Errorf("%w: engine.tool_parallelism must be between 1 and 64, got %d",
			ErrInvalidEngineLimit, e.ToolParallelism)
	}
	if e.KeepaliveSeconds < 1 {
		return fmt.Errorf("%w: engine.keepalive_seconds must be positive, got %d",
			ErrInvalidEngineLimit, e.KeepaliveSeconds)
	}
	if e.ModelRequestsPerSecond < 0 {
		return fmt.Errorf("%w: engine.model_requests_per_second cannot be negative, got %g",
			ErrInvalidEngineLimit, e.ModelRequestsPerSecond)
	}
	return nil
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "parley_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"hint", "change postgres_password for production deployments")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are excluded on purpose.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
