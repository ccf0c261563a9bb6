package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultJWTExpiresIn      = "720h"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "imhub"
	DefaultPGSSLMode         = "disable"
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultQueueName         = "imhub:messages"
	DefaultDispatchDelay     = "1s"
	DefaultVisibilityTimeout = "5m"
	DefaultStaleAfter        = "10m"
	DefaultSweepSpec         = "@every 1m"
	DefaultHistoryLimit      = 50
	DefaultWorkerConcurrency = 4
	DefaultPollInterval      = "500ms"
	DefaultTermCacheTTL      = "5m"
)

type Config struct {
	Log       LogConfig       `toml:"log" yaml:"log"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Admission AdmissionConfig `toml:"admission" yaml:"admission"`
	Intake    IntakeConfig    `toml:"intake" yaml:"intake"`
	Worker    WorkerConfig    `toml:"worker" yaml:"worker"`
	Policy    PolicyConfig    `toml:"policy" yaml:"policy"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// AuthConfig protects the internal completion endpoint.
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Database string `toml:"database" yaml:"database"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
}

// DSN returns a postgres:// connection URL usable by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
}

type QueueConfig struct {
	Name              string `toml:"name" yaml:"name"`
	DispatchDelay     string `toml:"dispatch_delay" yaml:"dispatch_delay"`
	VisibilityTimeout string `toml:"visibility_timeout" yaml:"visibility_timeout"`
}

// AdmissionConfig controls the in-flight staleness policy. StaleAfter of "0"
// disables reclaiming in-flight records.
type AdmissionConfig struct {
	StaleAfter string `toml:"stale_after" yaml:"stale_after"`
	SweepSpec  string `toml:"sweep_spec" yaml:"sweep_spec"`
}

type IntakeConfig struct {
	HistoryLimit    int      `toml:"history_limit" yaml:"history_limit"`
	SummaryCommands []string `toml:"summary_commands" yaml:"summary_commands"`
	ExhaustedNotice string   `toml:"exhausted_notice" yaml:"exhausted_notice"`
	MisconfigNotice string   `toml:"misconfigured_notice" yaml:"misconfigured_notice"`
	DingTalkMaxSkew string   `toml:"dingtalk_max_skew" yaml:"dingtalk_max_skew"`
}

type WorkerConfig struct {
	Concurrency  int    `toml:"concurrency" yaml:"concurrency"`
	PollInterval string `toml:"poll_interval" yaml:"poll_interval"`
	ProcessorURL string `toml:"processor_url" yaml:"processor_url"`
	Timeout      string `toml:"timeout" yaml:"timeout"`
}

type PolicyConfig struct {
	TermCacheTTL string `toml:"term_cache_ttl" yaml:"term_cache_ttl"`
}

// Duration parses raw as a time.Duration and falls back when raw is empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// Load reads the TOML file at path, or YAML when the extension is .yaml or
// .yml. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		Queue: QueueConfig{
			Name:              DefaultQueueName,
			DispatchDelay:     DefaultDispatchDelay,
			VisibilityTimeout: DefaultVisibilityTimeout,
		},
		Admission: AdmissionConfig{
			StaleAfter: DefaultStaleAfter,
			SweepSpec:  DefaultSweepSpec,
		},
		Intake: IntakeConfig{
			HistoryLimit:    DefaultHistoryLimit,
			SummaryCommands: []string{"summary", "总结", "摘要"},
			ExhaustedNotice: "Token已耗尽，请联系相关人员添加Token",
			MisconfigNotice: "应用资源配置有误。",
			DingTalkMaxSkew: "1h",
		},
		Worker: WorkerConfig{
			Concurrency:  DefaultWorkerConcurrency,
			PollInterval: DefaultPollInterval,
			Timeout:      "2m",
		},
		Policy: PolicyConfig{
			TermCacheTTL: DefaultTermCacheTTL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}
