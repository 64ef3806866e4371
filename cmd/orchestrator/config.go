package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jcheng510/ai-erp-system-sub003/internal/api"
	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/orchestrator"
	"github.com/jcheng510/ai-erp-system-sub003/internal/processors"
	"github.com/jcheng510/ai-erp-system-sub003/internal/reasoning"
)

// envPrefix namespaces environment overrides: ORCH_DB_PATH, ORCH_API_LISTEN_ADDR, ...
const envPrefix = "ORCH"

// memoryDB selects the in-memory store.
const memoryDB = ":memory:"

// Oracle providers.
const (
	OracleNone   = "none"
	OracleHTTP   = "http"
	OracleGemini = "gemini"
)

// Config holds all orchestrator process configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	DBPath      string `mapstructure:"db_path"`
	CatalogPath string `mapstructure:"catalog_path"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	// PoolSize bounds concurrently launched runs; StagePoolSize bounds
	// concurrently executing pipeline stages.
	PoolSize      int `mapstructure:"pool_size"`
	StagePoolSize int `mapstructure:"stage_pool_size"`
	// MetricsWindow caps the rows each threshold metric inspects.
	MetricsWindow int `mapstructure:"metrics_window"`

	API        api.Config                    `mapstructure:"api"`
	Loops      orchestrator.Config           `mapstructure:"loops"`
	Engine     engine.Config                 `mapstructure:"engine"`
	Approval   approval.Config               `mapstructure:"approval"`
	Oracle     OracleConfig                  `mapstructure:"oracle"`
	SMTP       notify.EmailConfig            `mapstructure:"smtp"`
	Processors map[string]processors.Binding `mapstructure:"processors"`
}

// OracleConfig selects and configures the decision oracle. The gemini
// provider uses APIKey and Model only.
type OracleConfig struct {
	Provider             string `mapstructure:"provider"`
	reasoning.HTTPConfig `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "orchestrator.db")
	v.SetDefault("catalog_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("pool_size", 10)
	v.SetDefault("stage_pool_size", 8)
	v.SetDefault("metrics_window", 1000)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.shutdown_timeout", 10*time.Second)

	loops := orchestrator.DefaultConfig()
	v.SetDefault("loops.schedule_interval", loops.ScheduleInterval)
	v.SetDefault("loops.event_interval", loops.EventInterval)
	v.SetDefault("loops.escalation_interval", loops.EscalationInterval)
	v.SetDefault("loops.threshold_interval", loops.ThresholdInterval)
	v.SetDefault("loops.event_batch", loops.EventBatch)

	eng := engine.DefaultConfig()
	v.SetDefault("engine.retry.max_attempts", eng.Retry.MaxAttempts)
	v.SetDefault("engine.retry.base_delay", eng.Retry.BaseDelay)
	v.SetDefault("engine.circuit_breaker.failure_threshold", eng.CircuitBreaker.FailureThreshold)
	v.SetDefault("engine.circuit_breaker.reset_timeout", eng.CircuitBreaker.ResetTimeout)
	v.SetDefault("engine.circuit_breaker.half_open_trials", eng.CircuitBreaker.HalfOpenTrials)
	v.SetDefault("engine.dead_letter_roles", eng.DeadLetterRoles)

	appr := approval.DefaultConfig()
	v.SetDefault("approval.escalation_window", appr.EscalationWindow)
	v.SetDefault("approval.reescalation_window", appr.ReescalationWindow)

	v.SetDefault("oracle.provider", OracleNone)
	v.SetDefault("oracle.endpoint", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.timeout", 30*time.Second)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.pass", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.tls_skip_verify", false)
	v.SetDefault("smtp.base_url", "")
}

// loadConfig layers defaults, an optional YAML file and ORCH_* environment
// variables. A .env file in the working directory is loaded first when present.
func loadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Oracle.Provider {
	case OracleNone, "":
	case OracleHTTP:
		if c.Oracle.Endpoint == "" {
			return errors.New("oracle.endpoint is required for the http provider")
		}
	case OracleGemini:
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	if c.PoolSize < 1 || c.StagePoolSize < 1 {
		return errors.New("pool_size and stage_pool_size must be positive")
	}
	return nil
}
