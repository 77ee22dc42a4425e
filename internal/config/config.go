package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-assess/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Budget       BudgetConfig       `yaml:"budget" mapstructure:"budget"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	PageSpeed    PageSpeedConfig    `yaml:"pagespeed" mapstructure:"pagespeed"`
	Google       GoogleConfig       `yaml:"google" mapstructure:"google"`
	SEO          SEOConfig          `yaml:"seo" mapstructure:"seo"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Screenshot   ScreenshotConfig   `yaml:"screenshot" mapstructure:"screenshot"`
	HTTP         HTTPConfig         `yaml:"http" mapstructure:"http"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the status store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// RedisConfig configures the shared budget ledger connection.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// OrchestratorConfig configures fan-out and job deadlines.
type OrchestratorConfig struct {
	MaxConcurrency  int      `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	JobDeadlineSecs int      `yaml:"job_deadline_secs" mapstructure:"job_deadline_secs"`
	Pipeline        []string `yaml:"pipeline" mapstructure:"pipeline"`
	PipelinesFile   string   `yaml:"pipelines_file" mapstructure:"pipelines_file"`
}

// RetryConfig configures the per-task retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-kind circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BudgetConfig configures the daily spend ledger. Zero caps are unlimited.
type BudgetConfig struct {
	Ledger          string             `yaml:"ledger" mapstructure:"ledger"`
	GlobalDailyUSD  float64            `yaml:"global_daily_usd" mapstructure:"global_daily_usd"`
	PerKindDailyUSD map[string]float64 `yaml:"per_kind_daily_usd" mapstructure:"per_kind_daily_usd"`
}

// PricingConfig holds vendor pricing used for estimates and actual cost.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Tasks     map[string]float64      `yaml:"tasks" mapstructure:"tasks"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PageSpeedConfig holds PageSpeed Insights settings.
type PageSpeedConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SEOConfig holds SEO metrics vendor settings.
type SEOConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Model        string `yaml:"model" mapstructure:"model"`
	MaxTokens    int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxPageBytes int    `yaml:"max_page_bytes" mapstructure:"max_page_bytes"`
}

// ScreenshotConfig configures headless Chrome capture.
type ScreenshotConfig struct {
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	Width       int    `yaml:"width" mapstructure:"width"`
	Height      int    `yaml:"height" mapstructure:"height"`
	Quality     int    `yaml:"quality" mapstructure:"quality"`
	ExecPath    string `yaml:"exec_path" mapstructure:"exec_path"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// HTTPConfig configures the shared outbound HTTP client.
type HTTPConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerHost    float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	BurstPerHost   int     `yaml:"burst_per_host" mapstructure:"burst_per_host"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxIdlePerHost int     `yaml:"max_idle_per_host" mapstructure:"max_idle_per_host"`
}

// ServerConfig configures the HTTP submission API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// MonitoringConfig configures job health metrics and alerting.
type MonitoringConfig struct {
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ASSESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "lead-assess.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "assess:budget")
	v.SetDefault("orchestrator.max_concurrency", 8)
	v.SetDefault("orchestrator.job_deadline_secs", 120)
	v.SetDefault("orchestrator.pipeline", kindNames(model.AllTaskKinds))
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("budget.ledger", "memory")
	v.SetDefault("budget.global_daily_usd", 25.0)
	v.SetDefault("pricing.tasks.business_profile", 0.032)
	v.SetDefault("pricing.tasks.seo", 0.05)
	v.SetDefault("pricing.tasks.screenshot", 0.001)
	v.SetDefault("pricing.tasks.content", 0.01)
	v.SetDefault("pagespeed.base_url", "https://www.googleapis.com/pagespeedonline/v5")
	v.SetDefault("pagespeed.strategy", "mobile")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("seo.base_url", "https://api.ahrefs.com/v3")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.max_page_bytes", 48*1024)
	v.SetDefault("screenshot.width", 1366)
	v.SetDefault("screenshot.height", 768)
	v.SetDefault("screenshot.quality", 80)
	v.SetDefault("screenshot.timeout_secs", 30)
	v.SetDefault("http.user_agent", "lead-assess/1.0 (+https://sellsadvisors.com)")
	v.SetDefault("http.timeout_secs", 30)
	v.SetDefault("http.rate_per_host", 2.0)
	v.SetDefault("http.burst_per_host", 2)
	v.SetDefault("http.max_body_bytes", 5*1024*1024)
	v.SetDefault("http.max_idle_per_host", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("monitoring.failure_rate_threshold", 0.02)
	v.SetDefault("monitoring.cost_threshold_usd", 20.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings required by mode ("assess", "serve", "monitor"
// or "read"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be one of postgres, sqlite, memory")
	}

	switch mode {
	case "read":
		return joinErrors(errs)
	case "monitor":
		if c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be in (0, 1]")
		}
		if c.Monitoring.LookbackWindowHours <= 0 {
			errs = append(errs, "monitoring.lookback_window_hours must be > 0")
		}
		return joinErrors(errs)
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "assess":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Orchestrator.MaxConcurrency < 1 || c.Orchestrator.MaxConcurrency > 256 {
		errs = append(errs, "orchestrator.max_concurrency must be between 1 and 256")
	}
	if c.Orchestrator.JobDeadlineSecs <= 0 {
		errs = append(errs, "orchestrator.job_deadline_secs must be > 0")
	}
	for _, name := range c.Orchestrator.Pipeline {
		if !model.TaskKind(name).Valid() {
			errs = append(errs, "orchestrator.pipeline has unknown task kind "+name)
		}
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errs = append(errs, "retry.max_attempts must be between 1 and 10")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
	}

	switch c.Budget.Ledger {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis ledger")
		}
	default:
		errs = append(errs, "budget.ledger must be memory or redis")
	}
	if c.Budget.GlobalDailyUSD < 0 {
		errs = append(errs, "budget.global_daily_usd must be >= 0")
	}
	for name, usd := range c.Budget.PerKindDailyUSD {
		if !model.TaskKind(name).Valid() {
			errs = append(errs, "budget.per_kind_daily_usd has unknown task kind "+name)
		}
		if usd < 0 {
			errs = append(errs, "budget.per_kind_daily_usd values must be >= 0")
		}
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.New("config: " + strings.Join(errs, "; "))
}

func kindNames(kinds []model.TaskKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
