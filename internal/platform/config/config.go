package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Outbound  OutboundConfig  `mapstructure:"outbound"`
	Inbound   InboundConfig   `mapstructure:"inbound"`
	Campaigns CampaignsConfig `mapstructure:"campaigns"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is either "sqlite3" or "pgx".
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIPerMinute int `mapstructure:"api_per_minute"`
	Burst        int `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type GatewayConfig struct {
	// PublicBaseURL is the externally reachable address providers call back on.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type ProvidersConfig struct {
	HTTPTimeout time.Duration   `mapstructure:"http_timeout"`
	Evolution   EvolutionConfig `mapstructure:"evolution"`
	Meta        MetaConfig      `mapstructure:"meta"`
	ZAPI        ZAPIConfig      `mapstructure:"zapi"`
}

type EvolutionConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	WarmUp       time.Duration `mapstructure:"warm_up"`
	QRAttempts   int           `mapstructure:"qr_attempts"`
	QRRetryDelay time.Duration `mapstructure:"qr_retry_delay"`
}

type MetaConfig struct {
	GraphURL   string `mapstructure:"graph_url"`
	APIVersion string `mapstructure:"api_version"`
}

type ZAPIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	QRAttempts   int           `mapstructure:"qr_attempts"`
	QRRetryDelay time.Duration `mapstructure:"qr_retry_delay"`
}

type OutboundConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffStep time.Duration `mapstructure:"backoff_step"`
}

type InboundConfig struct {
	// PendingStatusTTL parks delivery receipts that arrive before their message.
	// Zero drops them.
	PendingStatusTTL time.Duration `mapstructure:"pending_status_ttl"`
}

type CampaignsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Retention is how long a finished campaign's progress stays queryable.
	Retention time.Duration `mapstructure:"retention"`
}

type MetricsConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type VaultConfig struct {
	Key string `mapstructure:"key"`
}

type WorkerConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "data/gateway.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("jwt.issuer", "msggateway")
	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("rate_limit.api_per_minute", 600)
	v.SetDefault("rate_limit.burst", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("gateway.public_base_url", "http://localhost:8080")

	v.SetDefault("providers.http_timeout", 30*time.Second)
	v.SetDefault("providers.evolution.warm_up", 2*time.Second)
	v.SetDefault("providers.evolution.qr_attempts", 3)
	v.SetDefault("providers.evolution.qr_retry_delay", 2*time.Second)
	v.SetDefault("providers.meta.graph_url", "https://graph.facebook.com")
	v.SetDefault("providers.meta.api_version", "v20.0")
	v.SetDefault("providers.zapi.base_url", "https://api.z-api.io")
	v.SetDefault("providers.zapi.qr_attempts", 3)
	v.SetDefault("providers.zapi.qr_retry_delay", 2*time.Second)

	v.SetDefault("outbound.max_attempts", 3)
	v.SetDefault("outbound.backoff_step", time.Second)

	v.SetDefault("inbound.pending_status_ttl", time.Minute)

	v.SetDefault("campaigns.interval", 2*time.Second)
	v.SetDefault("campaigns.retention", time.Hour)

	v.SetDefault("metrics.flush_interval", 30*time.Second)

	v.SetDefault("worker.reconcile_interval", time.Minute)
	v.SetDefault("worker.stale_after", 10*time.Minute)
}

// Load reads the YAML file at path. Environment variables override file
// values using the upper-cased key with dots replaced by underscores
// (DATABASE_DSN, VAULT_KEY, ...).
func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
