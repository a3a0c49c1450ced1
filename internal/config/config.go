package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	MySQL       DatabaseConfig    `mapstructure:"mysql"`
	ClickHouse  DatabaseConfig    `mapstructure:"clickhouse"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	OTP         OTPConfig         `mapstructure:"otp"`
	Features    FeaturesConfig    `mapstructure:"features"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Webhooks    []WebhookConfig   `mapstructure:"webhooks"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr         string   `mapstructure:"addr"`
	AdminAPIKeys []string `mapstructure:"admin_api_keys"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"` // requests per window per client IP; 0 disables
	Window time.Duration `mapstructure:"window"`
}

type IdempotencyConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// TTL is the lifetime of an idempotency key measured from its creation.
func (c IdempotencyConfig) TTL() time.Duration {
	if c.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"` // 0 = retry forever
	SinkAttempts int           `mapstructure:"sink_attempts"`
}

type OTPConfig struct {
	Validity time.Duration `mapstructure:"validity"`
	Length   int           `mapstructure:"length"`
}

type FeaturesConfig struct {
	EnableOTP bool `mapstructure:"enable_otp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type IdentityConfig struct {
	Provider string        `mapstructure:"provider"` // local|cognito
	Cognito  CognitoConfig `mapstructure:"cognito"`
}

type CognitoConfig struct {
	Region          string `mapstructure:"region"`
	UserPoolID      string `mapstructure:"user_pool_id"`
	EndpointURL     string `mapstructure:"endpoint_url"` // set for LocalStack
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type WebhookConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Secret    string        `mapstructure:"secret"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ONBOARD_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (ONBOARD_MYSQL_DSN, ONBOARD_FEATURES_ENABLE_OTP, ...)
	v.SetEnvPrefix("ONBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
