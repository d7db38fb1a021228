package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration. Values come from config.json
// (optional) with environment variables taking precedence.
type Config struct {
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	AuthConfig       AuthConfig       `json:"auth"`
	VaultConfig      VaultConfig      `json:"vault"`
	ProviderConfig   ProviderConfig   `json:"providers"`
	MLConfig         MLConfig         `json:"ml"`
	SchedulerConfig  SchedulerConfig  `json:"scheduler"`
	DispatcherConfig DispatcherConfig `json:"dispatcher"`
	TransportConfig  TransportConfig  `json:"transports"`
	PolicyConfig     PolicyConfig     `json:"policy"`
	MonitorConfig    MonitorConfig    `json:"monitor"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the pub/sub mirror and counters.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// AuthConfig holds token verification configuration. The auth service that
// issues tokens is external; we only verify and extract the subscriber id.
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// VaultConfig holds HashiCorp Vault configuration for credential loading.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// ProviderEntry configures one ranked market data provider.
type ProviderEntry struct {
	Name           string  `json:"name"`
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key"`
	RequestsPerMin int     `json:"requests_per_min"`
	BurstSize      float64 `json:"burst_size"`
}

// ProviderConfig holds the market data gateway configuration.
type ProviderConfig struct {
	Providers      []ProviderEntry `json:"providers"`
	RequestTimeout time.Duration   `json:"request_timeout"`
	CacheTTLMax    time.Duration   `json:"cache_ttl_max"`
}

// MLConfig holds the inference service client configuration.
type MLConfig struct {
	Enabled          bool          `json:"enabled"`
	BaseURL          string        `json:"base_url"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window"`
	OpenDuration     time.Duration `json:"open_duration"`
}

// SchedulerConfig holds periodic pipeline trigger configuration.
type SchedulerConfig struct {
	Enabled         bool          `json:"enabled"`
	Pairs           []string      `json:"pairs"`
	Timeframes      []string      `json:"timeframes"`
	MinPeriod       time.Duration `json:"min_period"`    // floor for 1m coalescing
	JitterFraction  float64       `json:"jitter_fraction"`
	DrainGrace      time.Duration `json:"drain_grace"`
}

// DispatcherConfig holds the delivery worker pool configuration.
type DispatcherConfig struct {
	Workers          int           `json:"workers"`
	QueueSize        int           `json:"queue_size"`
	TransportTimeout time.Duration `json:"transport_timeout"`
	DrainGrace       time.Duration `json:"drain_grace"`
}

// DiscordTransportConfig holds Discord push configuration.
type DiscordTransportConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	APIBase  string `json:"api_base"`
}

// LineTransportConfig holds LINE push configuration.
type LineTransportConfig struct {
	Enabled            bool   `json:"enabled"`
	ChannelAccessToken string `json:"channel_access_token"`
	APIBase            string `json:"api_base"`
}

// EmailTransportConfig holds SMTP gateway configuration.
type EmailTransportConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

// TransportConfig groups per-transport settings.
type TransportConfig struct {
	WebSocketEnabled bool                   `json:"websocket_enabled"`
	Discord          DiscordTransportConfig `json:"discord"`
	Line             LineTransportConfig    `json:"line"`
	Email            EmailTransportConfig   `json:"email"`
}

// PolicyConfig holds subscriber policy defaults.
type PolicyConfig struct {
	DefaultMinConfidence   float64 `json:"default_min_confidence"`
	DefaultCooldownMinutes int     `json:"default_cooldown_minutes"`
	DefaultDailyCap        int     `json:"default_daily_cap"`
	DefaultTimezone        string  `json:"default_timezone"`
}

// MonitorConfig holds the position monitoring loop configuration.
type MonitorConfig struct {
	Enabled          bool          `json:"enabled"`
	Interval         time.Duration `json:"interval"`
	SummaryLocalHour int           `json:"summary_local_hour"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "aifx")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "aifx")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Auth
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "aifx/credentials")

	// Providers. A compact env form supplements config.json:
	// PROVIDER_1_NAME / PROVIDER_1_URL / PROVIDER_1_KEY, PROVIDER_2_..., ranked.
	for i := 1; i <= 4; i++ {
		name := os.Getenv(fmt.Sprintf("PROVIDER_%d_NAME", i))
		if name == "" {
			continue
		}
		cfg.ProviderConfig.Providers = append(cfg.ProviderConfig.Providers, ProviderEntry{
			Name:           name,
			BaseURL:        os.Getenv(fmt.Sprintf("PROVIDER_%d_URL", i)),
			APIKey:         os.Getenv(fmt.Sprintf("PROVIDER_%d_KEY", i)),
			RequestsPerMin: getEnvIntOrDefault(fmt.Sprintf("PROVIDER_%d_RPM", i), 60),
			BurstSize:      getEnvFloatOrDefault(fmt.Sprintf("PROVIDER_%d_BURST", i), 10),
		})
	}
	cfg.ProviderConfig.RequestTimeout = getEnvDurationOrDefault("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.ProviderConfig.CacheTTLMax = getEnvDurationOrDefault("PROVIDER_CACHE_TTL_MAX", 60*time.Second)

	// ML
	cfg.MLConfig.Enabled = getEnvOrDefault("ML_ENABLED", "true") == "true"
	cfg.MLConfig.BaseURL = getEnvOrDefault("ML_BASE_URL", "http://localhost:8501")
	cfg.MLConfig.Timeout = getEnvDurationOrDefault("ML_TIMEOUT", 2*time.Second)
	cfg.MLConfig.FailureThreshold = getEnvIntOrDefault("ML_FAILURE_THRESHOLD", 5)
	cfg.MLConfig.FailureWindow = getEnvDurationOrDefault("ML_FAILURE_WINDOW", 60*time.Second)
	cfg.MLConfig.OpenDuration = getEnvDurationOrDefault("ML_OPEN_DURATION", 30*time.Second)

	// Scheduler
	cfg.SchedulerConfig.Enabled = getEnvOrDefault("SCHEDULER_ENABLED", "true") == "true"
	if v := os.Getenv("SCHEDULER_PAIRS"); v != "" {
		cfg.SchedulerConfig.Pairs = splitCSV(v)
	}
	if len(cfg.SchedulerConfig.Pairs) == 0 {
		cfg.SchedulerConfig.Pairs = []string{"EUR/USD", "GBP/USD", "USD/JPY", "AUD/USD"}
	}
	if v := os.Getenv("SCHEDULER_TIMEFRAMES"); v != "" {
		cfg.SchedulerConfig.Timeframes = splitCSV(v)
	}
	if len(cfg.SchedulerConfig.Timeframes) == 0 {
		cfg.SchedulerConfig.Timeframes = []string{"15m", "1h", "4h", "1d"}
	}
	cfg.SchedulerConfig.MinPeriod = getEnvDurationOrDefault("SCHEDULER_MIN_PERIOD", 15*time.Second)
	cfg.SchedulerConfig.JitterFraction = getEnvFloatOrDefault("SCHEDULER_JITTER_FRACTION", 0.10)
	cfg.SchedulerConfig.DrainGrace = getEnvDurationOrDefault("SCHEDULER_DRAIN_GRACE", 10*time.Second)

	// Dispatcher
	cfg.DispatcherConfig.Workers = getEnvIntOrDefault("DISPATCHER_WORKERS", 32)
	cfg.DispatcherConfig.QueueSize = getEnvIntOrDefault("DISPATCHER_QUEUE_SIZE", 1024)
	cfg.DispatcherConfig.TransportTimeout = getEnvDurationOrDefault("DISPATCHER_TRANSPORT_TIMEOUT", 10*time.Second)
	cfg.DispatcherConfig.DrainGrace = getEnvDurationOrDefault("DISPATCHER_DRAIN_GRACE", 30*time.Second)

	// Transports
	cfg.TransportConfig.WebSocketEnabled = getEnvOrDefault("WEBSOCKET_ENABLED", "true") == "true"
	cfg.TransportConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.TransportConfig.Discord.BotToken = getEnvOrDefault("DISCORD_BOT_TOKEN", cfg.TransportConfig.Discord.BotToken)
	cfg.TransportConfig.Discord.APIBase = getEnvOrDefault("DISCORD_API_BASE", "https://discord.com/api/v10")
	cfg.TransportConfig.Line.Enabled = getEnvOrDefault("LINE_ENABLED", "false") == "true"
	cfg.TransportConfig.Line.ChannelAccessToken = getEnvOrDefault("LINE_CHANNEL_ACCESS_TOKEN", cfg.TransportConfig.Line.ChannelAccessToken)
	cfg.TransportConfig.Line.APIBase = getEnvOrDefault("LINE_API_BASE", "https://api.line.me/v2/bot")
	cfg.TransportConfig.Email.Enabled = getEnvOrDefault("EMAIL_ENABLED", "false") == "true"
	cfg.TransportConfig.Email.Host = getEnvOrDefault("SMTP_HOST", cfg.TransportConfig.Email.Host)
	cfg.TransportConfig.Email.Port = getEnvOrDefault("SMTP_PORT", "587")
	cfg.TransportConfig.Email.Username = getEnvOrDefault("SMTP_USERNAME", cfg.TransportConfig.Email.Username)
	cfg.TransportConfig.Email.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.TransportConfig.Email.Password)
	cfg.TransportConfig.Email.From = getEnvOrDefault("SMTP_FROM", cfg.TransportConfig.Email.From)
	cfg.TransportConfig.Email.FromName = getEnvOrDefault("SMTP_FROM_NAME", "AIFX Advisor")

	// Policy defaults
	cfg.PolicyConfig.DefaultMinConfidence = getEnvFloatOrDefault("POLICY_DEFAULT_MIN_CONFIDENCE", 0.6)
	cfg.PolicyConfig.DefaultCooldownMinutes = getEnvIntOrDefault("POLICY_DEFAULT_COOLDOWN_MINUTES", 60)
	cfg.PolicyConfig.DefaultDailyCap = getEnvIntOrDefault("POLICY_DEFAULT_DAILY_CAP", 20)
	cfg.PolicyConfig.DefaultTimezone = getEnvOrDefault("POLICY_DEFAULT_TIMEZONE", "UTC")

	// Monitor
	cfg.MonitorConfig.Enabled = getEnvOrDefault("MONITOR_ENABLED", "true") == "true"
	cfg.MonitorConfig.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", 60*time.Second)
	cfg.MonitorConfig.SummaryLocalHour = getEnvIntOrDefault("MONITOR_SUMMARY_LOCAL_HOUR", 21)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when auth is enabled")
	}
	if c.TransportConfig.Discord.Enabled && c.TransportConfig.Discord.BotToken == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required when discord transport is enabled")
	}
	if c.TransportConfig.Line.Enabled && c.TransportConfig.Line.ChannelAccessToken == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN is required when line transport is enabled")
	}
	if c.SchedulerConfig.JitterFraction < 0 || c.SchedulerConfig.JitterFraction > 1 {
		return fmt.Errorf("scheduler jitter fraction %.2f outside [0, 1]", c.SchedulerConfig.JitterFraction)
	}
	if c.DispatcherConfig.Workers <= 0 {
		return fmt.Errorf("dispatcher worker count must be positive")
	}
	if c.PolicyConfig.DefaultMinConfidence < 0 || c.PolicyConfig.DefaultMinConfidence > 1 {
		return fmt.Errorf("default min confidence %.2f outside [0, 1]", c.PolicyConfig.DefaultMinConfidence)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
