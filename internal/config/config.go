package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Store      StoreConfig     `mapstructure:"store"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	SQLite     SQLiteConfig    `mapstructure:"sqlite"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Runner     RunnerConfig    `mapstructure:"runner"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Replayer   ReplayerConfig  `mapstructure:"replayer"`
	Retention  RetentionConfig `mapstructure:"retention"`
	Specs      SpecsConfig     `mapstructure:"specs"`
	Authz      AuthzConfig     `mapstructure:"authz"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr      string          `mapstructure:"addr"`
	APIKeys   []string        `mapstructure:"api_keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // mysql|sqlite
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// CursorPrefix namespaces scheduler cursors; empty keeps cursors in SQL.
	CursorPrefix string        `mapstructure:"cursor_prefix"`
	MarkerTTL    time.Duration `mapstructure:"marker_ttl"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	IngestTopic    string        `mapstructure:"ingest_topic"`
	PublishTopic   string        `mapstructure:"publish_topic"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type RunnerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	ClaimLimit  int           `mapstructure:"claim_limit"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Lookback        time.Duration `mapstructure:"lookback"`
	Lookahead       time.Duration `mapstructure:"lookahead"`
	LimitPerTrigger int           `mapstructure:"limit_per_trigger"`
}

type ReplayerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Stale    time.Duration `mapstructure:"stale"`
	Limit    int           `mapstructure:"limit"`
}

type RetentionConfig struct {
	Mode       string        `mapstructure:"mode"` // none|archive|delete
	Days       int           `mapstructure:"days"`
	BatchLimit int           `mapstructure:"batch_limit"`
	Interval   time.Duration `mapstructure:"interval"`
}

type SpecsConfig struct {
	Dir string `mapstructure:"dir"`
}

type AuthzConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// Load reads embedded defaults, merges user YAML (if provided), loads .env
// and applies env overrides (OUTBOXFLOW_*, nested keys joined by "_").
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("OUTBOXFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
