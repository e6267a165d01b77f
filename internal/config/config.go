package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// STUDYFLOW_DB_DRIVER overrides db.driver, and so on.
var replacer = strings.NewReplacer(".", "_")

// Config is the full process configuration, loaded once at start. Values come
// from defaults, an optional YAML file, and STUDYFLOW_* env overrides.
type Config struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`

	DB     DB     `mapstructure:"db"`
	Worker Worker `mapstructure:"worker"`
	Bus    Bus    `mapstructure:"bus"`
	WS     WS     `mapstructure:"ws"`
	Auth   Auth   `mapstructure:"auth"`
	AI     AI     `mapstructure:"ai"`
	Log    Log    `mapstructure:"log"`
}

type DB struct {
	Driver string `mapstructure:"driver"` // sqlite | pgx
	DSN    string `mapstructure:"dsn"`
}

type Worker struct {
	Count         int           `mapstructure:"count"`
	Poll          time.Duration `mapstructure:"poll"`
	SchedulerPoll time.Duration `mapstructure:"scheduler_poll"`
}

type Bus struct {
	Poll      time.Duration `mapstructure:"poll"`
	Retention time.Duration `mapstructure:"retention"`
}

type WS struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MessagesPerSec   float64       `mapstructure:"messages_per_sec"`
	MessageBurst     int           `mapstructure:"message_burst"`
}

type Auth struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type AI struct {
	CompletionURL string        `mapstructure:"completion_url"`
	SearchURL     string        `mapstructure:"search_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty: console writer on stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("debug", false)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "studyflow.db")

	v.SetDefault("worker.count", 8)
	v.SetDefault("worker.poll", 250*time.Millisecond)
	v.SetDefault("worker.scheduler_poll", 15*time.Second)

	v.SetDefault("bus.poll", time.Second)
	v.SetDefault("bus.retention", 24*time.Hour)

	v.SetDefault("ws.heartbeat_timeout", 60*time.Second)
	v.SetDefault("ws.sweep_interval", 15*time.Second)
	v.SetDefault("ws.messages_per_sec", 5.0)
	v.SetDefault("ws.message_burst", 10)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("ai.completion_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("ai.search_url", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}

// Load reads configuration from the given YAML file (optional, "" skips it)
// plus STUDYFLOW_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STUDYFLOW")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DB.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("db.driver must be sqlite or pgx, got %q", c.DB.Driver)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (STUDYFLOW_AUTH_SECRET)")
	}
	return nil
}
