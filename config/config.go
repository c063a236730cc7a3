package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds the application's configuration
type Config struct {
	LLMProvider                      string        `mapstructure:"LLM_PROVIDER"`
	LLMModel                         string        `mapstructure:"LLM_MODEL"`
	LLMBaseURL                       string        `mapstructure:"LLM_BASE_URL"`
	LLMTemperature                   float64       `mapstructure:"LLM_TEMPERATURE"`
	LLMMaxTokens                     int           `mapstructure:"LLM_MAX_TOKENS"`
	LLMRequestTimeout                time.Duration `mapstructure:"LLM_REQUEST_TIMEOUT"`
	LLMBackoffMaxSeconds             time.Duration `mapstructure:"LLM_BACKOFF_MAX_SECONDS"`
	LLMBackoffJitterRatio            float64       `mapstructure:"LLM_BACKOFF_JITTER_RATIO"`
	GoogleAPIKey                     string        `mapstructure:"GOOGLE_API_KEY"`
	LLMAPIKey                        string        `mapstructure:"LLM_API_KEY"`
	MaxRetries                       int           `mapstructure:"MAX_RETRIES"`
	RetryDelaySeconds                time.Duration `mapstructure:"RETRY_DELAY_SECONDS"`
	PythonExecutorAddress            string        `mapstructure:"PYTHON_EXECUTOR_ADDRESS"`
	PythonExecutorAddresses          []string      `mapstructure:"PYTHON_EXECUTOR_ADDRESSES"`
	PythonExecutorCooldownSeconds    time.Duration `mapstructure:"PYTHON_EXECUTOR_COOLDOWN_SECONDS"`
	PythonExecutorDialTimeoutSeconds time.Duration `mapstructure:"PYTHON_EXECUTOR_DIAL_TIMEOUT_SECONDS"`
	PythonExecutorIOTimeoutSeconds   time.Duration `mapstructure:"PYTHON_EXECUTOR_IO_TIMEOUT_SECONDS"`
	PythonExecutorMaxConnections     int           `mapstructure:"PYTHON_EXECUTOR_MAX_CONNECTIONS"`
	MaxTurns                         int           `mapstructure:"MAX_TURNS"`
	ConsecutiveErrors                int           `mapstructure:"CONSECUTIVE_ERRORS"`
	AnswerLanguage                   string        `mapstructure:"ANSWER_LANGUAGE"`
	PreviewRows                      int           `mapstructure:"PREVIEW_ROWS"`
	MaxUploadMB                      int64         `mapstructure:"MAX_UPLOAD_MB"`
	WorkspaceDir                     string        `mapstructure:"WORKSPACE_DIR"`
	DatabaseURL                      string        `mapstructure:"DATABASE_URL"`
	DatasetCacheSize                 int           `mapstructure:"DATASET_CACHE_SIZE"`
	ModelCacheSize                   int           `mapstructure:"MODEL_CACHE_SIZE"`
	RateLimitMessagesPerMin          int           `mapstructure:"RATE_LIMIT_MESSAGES_PER_MIN"`
	RateLimitFilesPerHour            int           `mapstructure:"RATE_LIMIT_FILES_PER_HOUR"`
	RateLimitBurstSize               int           `mapstructure:"RATE_LIMIT_BURST_SIZE"`
	CleanupEnabled                   bool          `mapstructure:"CLEANUP_ENABLED"`
	CleanupInterval                  time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	SessionRetentionAge              time.Duration `mapstructure:"SESSION_RETENTION_AGE"`
	WebPort                          int           `mapstructure:"WEB_PORT"`
	LogLevel                         string        `mapstructure:"LOG_LEVEL"`
	LogFormat                        string        `mapstructure:"LOG_FORMAT"`
}

// Load reads config.yaml and the environment. A .env file, when present, is
// loaded first and acts as the secrets store for API credentials.
func Load(logger *zap.Logger) *Config {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")        // For running locally
	v.AddConfigPath("../")      // For running from docker subdir
	v.AddConfigPath("./config") // Common config folder
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if logger != nil {
			logger.Warn("Could not read config file, using defaults/env vars", zap.Error(err))
		}
	}

	config, err := decode(v)
	if err != nil {
		// Config unmarshaling is critical - fail fast during bootstrap
		if logger != nil {
			logger.Fatal("Unable to decode config into struct", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "FATAL: Unable to decode config into struct: %v\n", err)
		os.Exit(1)
	}
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LLM_PROVIDER", "gemini")
	v.SetDefault("LLM_MODEL", "gemini-2.5-flash")
	v.SetDefault("LLM_BASE_URL", "")
	v.SetDefault("LLM_TEMPERATURE", 0.0)
	v.SetDefault("LLM_MAX_TOKENS", 2048)
	v.SetDefault("LLM_REQUEST_TIMEOUT", 300)
	v.SetDefault("LLM_BACKOFF_MAX_SECONDS", 30)
	v.SetDefault("LLM_BACKOFF_JITTER_RATIO", 0.1)
	v.SetDefault("GOOGLE_API_KEY", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_DELAY_SECONDS", 2)
	v.SetDefault("PYTHON_EXECUTOR_ADDRESS", "")
	v.SetDefault("PYTHON_EXECUTOR_ADDRESSES", []string{})
	v.SetDefault("PYTHON_EXECUTOR_COOLDOWN_SECONDS", 30)
	v.SetDefault("PYTHON_EXECUTOR_DIAL_TIMEOUT_SECONDS", 5)
	v.SetDefault("PYTHON_EXECUTOR_IO_TIMEOUT_SECONDS", 120)
	v.SetDefault("PYTHON_EXECUTOR_MAX_CONNECTIONS", 4)
	v.SetDefault("MAX_TURNS", 8)
	v.SetDefault("CONSECUTIVE_ERRORS", 3)
	v.SetDefault("ANSWER_LANGUAGE", "Portuguese")
	v.SetDefault("PREVIEW_ROWS", 5)
	v.SetDefault("MAX_UPLOAD_MB", 50)
	v.SetDefault("WORKSPACE_DIR", "workspaces")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATASET_CACHE_SIZE", 32)
	v.SetDefault("MODEL_CACHE_SIZE", 8)
	v.SetDefault("RATE_LIMIT_MESSAGES_PER_MIN", 20)
	v.SetDefault("RATE_LIMIT_FILES_PER_HOUR", 10)
	v.SetDefault("RATE_LIMIT_BURST_SIZE", 5)
	v.SetDefault("CLEANUP_ENABLED", false)
	v.SetDefault("CLEANUP_INTERVAL", 24)
	v.SetDefault("SESSION_RETENTION_AGE", 168)
	v.SetDefault("WEB_PORT", 8501)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Normalize executor address configuration.
	if len(config.PythonExecutorAddresses) == 0 && config.PythonExecutorAddress != "" {
		config.PythonExecutorAddresses = []string{config.PythonExecutorAddress}
	}
	cleaned := make([]string, 0, len(config.PythonExecutorAddresses))
	for _, addr := range config.PythonExecutorAddresses {
		// Env vars arrive as a single comma separated string.
		for _, part := range strings.Split(addr, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cleaned = append(cleaned, part)
			}
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"localhost:9999"}
	}
	config.PythonExecutorAddresses = cleaned

	config.LLMProvider = strings.ToLower(strings.TrimSpace(config.LLMProvider))
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 1
	}
	if config.PreviewRows <= 0 {
		config.PreviewRows = 5
	}

	// Convert seconds/hours to proper time.Duration
	config.RetryDelaySeconds = config.RetryDelaySeconds * time.Second
	config.LLMRequestTimeout = config.LLMRequestTimeout * time.Second
	config.LLMBackoffMaxSeconds = config.LLMBackoffMaxSeconds * time.Second
	config.PythonExecutorCooldownSeconds = config.PythonExecutorCooldownSeconds * time.Second
	config.PythonExecutorDialTimeoutSeconds = config.PythonExecutorDialTimeoutSeconds * time.Second
	config.PythonExecutorIOTimeoutSeconds = config.PythonExecutorIOTimeoutSeconds * time.Second
	config.CleanupInterval = config.CleanupInterval * time.Hour
	config.SessionRetentionAge = config.SessionRetentionAge * time.Hour

	return &config, nil
}

// SecretAPIKey returns the credential configured through the secrets store
// (.env, config.yaml or the environment), or "" when the user has to enter one.
func (c *Config) SecretAPIKey() string {
	if key := strings.TrimSpace(c.GoogleAPIKey); key != "" {
		return key
	}
	if key := strings.TrimSpace(c.LLMAPIKey); key != "" {
		return key
	}
	switch c.LLMProvider {
	case "openai":
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	case "anthropic":
		return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	return ""
}

// MaxUploadBytes is the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	if c.MaxUploadMB <= 0 {
		return 50 << 20
	}
	return c.MaxUploadMB << 20
}
