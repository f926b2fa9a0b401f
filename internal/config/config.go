package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ストア種別
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// キーはYAMLファイルと環境変数で共通（環境変数は大文字で指定する）。
type Config struct {
	// Store
	Store       string `koanf:"store"`
	DatabaseURL string `koanf:"database_url"`

	DBMaxOpenConns    int           `koanf:"db_max_open_conns"`
	DBMaxIdleConns    int           `koanf:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `koanf:"db_conn_max_lifetime"`
	DBConnectTimeout  time.Duration `koanf:"db_connect_timeout"`

	// Token
	TokenSecret             string        `koanf:"token_secret"`
	TokenBase64Secret       string        `koanf:"token_base64_secret"`
	TokenValidity           time.Duration `koanf:"token_validity"`
	TokenRememberMeValidity time.Duration `koanf:"token_remember_me_validity"`

	// Password
	BcryptCost int `koanf:"bcrypt_cost"`

	// Rate Limit（1分あたりの回数）
	RateLimitLogin        int `koanf:"rate_limit_login"`
	RateLimitLoginBurst   int `koanf:"rate_limit_login_burst"`
	RateLimitAccount      int `koanf:"rate_limit_account"`
	RateLimitAccountBurst int `koanf:"rate_limit_account_burst"`

	// Sweep
	AccountSweepCron   string        `koanf:"account_sweep_cron"`
	AuditSweepCron     string        `koanf:"audit_sweep_cron"`
	AuditRetentionDays int           `koanf:"audit_retention_days"`
	RedisURL           string        `koanf:"redis_url"`
	SweepLockTTL       time.Duration `koanf:"sweep_lock_ttl"`

	// Metrics: worker は WorkerMetricsPort で /metrics を公開する（空なら公開しない）。
	// PushgatewayURL が設定されていれば sweep コマンドの指標を送る。
	WorkerMetricsPort string `koanf:"worker_metrics_port"`
	PushgatewayURL    string `koanf:"pushgateway_url"`

	// Logging
	LogLevel string `koanf:"log_level"`

	// Server
	ServerPort      string        `koanf:"server_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	HSTS            bool          `koanf:"hsts"`

	// CORS
	CORSAllowedOrigin string `koanf:"cors_allowed_origin"`
}

// Default は既定値を設定したConfigを返す。
func Default() *Config {
	return &Config{
		Store:                   StorePostgres,
		DBMaxOpenConns:          20,
		DBMaxIdleConns:          5,
		DBConnMaxLifetime:       30 * time.Minute,
		DBConnectTimeout:        10 * time.Second,
		TokenValidity:           24 * time.Hour,
		TokenRememberMeValidity: 30 * 24 * time.Hour,
		BcryptCost:              10,
		RateLimitLogin:          10,
		RateLimitLoginBurst:     10,
		RateLimitAccount:        5,
		RateLimitAccountBurst:   5,
		AccountSweepCron:        "0 0 1 * * ?",
		AuditSweepCron:          "0 0 12 * * ?",
		AuditRetentionDays:      30,
		SweepLockTTL:            10 * time.Minute,
		WorkerMetricsPort:       "9090",
		LogLevel:                "info",
		ServerPort:              "8080",
		ShutdownTimeout:         30 * time.Second,
		CORSAllowedOrigin:       "http://localhost:3000",
	}
}

// envKeys は環境変数から読み込む対象のキー。
var envKeys = []string{
	"store", "database_url",
	"db_max_open_conns", "db_max_idle_conns", "db_conn_max_lifetime", "db_connect_timeout",
	"token_secret", "token_base64_secret", "token_validity", "token_remember_me_validity",
	"bcrypt_cost",
	"rate_limit_login", "rate_limit_login_burst", "rate_limit_account", "rate_limit_account_burst",
	"account_sweep_cron", "audit_sweep_cron", "audit_retention_days", "redis_url", "sweep_lock_ttl",
	"worker_metrics_port", "pushgateway_url",
	"log_level",
	"server_port", "shutdown_timeout", "hsts",
	"cors_allowed_origin",
}

// Load は設定を読み込む。優先順位は 環境変数 > YAMLファイル > 既定値。
// path が空の場合は CONFIG_FILE 環境変数を参照し、それも空ならファイルは読まない。
// 必須項目が未設定の場合はエラーを返す。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// 空の環境変数は未設定として扱う
	envKey := func(name, value string) (string, interface{}) {
		key := strings.ToLower(name)
		if !slices.Contains(envKeys, key) || value == "" {
			return "", nil
		}
		return key, value
	}
	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q: must be %s or %s", c.Store, StorePostgres, StoreMemory)
	}
	if c.TokenSecret == "" && c.TokenBase64Secret == "" {
		missing = append(missing, "TOKEN_SECRET or TOKEN_BASE64_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required configuration is not set: %v", missing)
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("audit_retention_days must be positive: %d", c.AuditRetentionDays)
	}
	return nil
}
