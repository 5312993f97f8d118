// Package config loads process configuration for treed from an optional YAML
// file and TREED_ environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. TREED_STORE_BACKEND.
const EnvPrefix = "TREED"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendDynamoDB = "dynamodb"
)

// Broadcast sources.
const (
	// SourceEngine publishes events from the committing process.
	SourceEngine = "engine"

	// SourceStream takes events from a DynamoDB stream consumer through the
	// relay route.
	SourceStream = "stream"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Lock      LockConfig      `mapstructure:"lock"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr      string        `mapstructure:"addr"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`

	// Endpoint overrides the DynamoDB endpoint, for DynamoDB Local.
	Endpoint string `mapstructure:"endpoint"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	Table   string        `mapstructure:"table"`
	Timeout time.Duration `mapstructure:"timeout"`
	Lease   time.Duration `mapstructure:"lease"`
}

type BroadcastConfig struct {
	Buffer int    `mapstructure:"buffer"`
	Source string `mapstructure:"source"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.heartbeat", 15*time.Second)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dsn", "treeorder.db")
	v.SetDefault("store.table", "treeorder_items")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.table", "treeorder_locks")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.lease", 30*time.Second)
	v.SetDefault("broadcast.buffer", 64)
	v.SetDefault("broadcast.source", SourceEngine)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown enumerated values and backend combinations that
// cannot work together.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendMySQL, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Lock.Backend {
	case BackendMemory, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	switch c.Broadcast.Source {
	case SourceEngine, SourceStream:
	default:
		return fmt.Errorf("unknown broadcast.source %q", c.Broadcast.Source)
	}
	if c.Broadcast.Source == SourceStream && c.Store.Backend != BackendDynamoDB {
		return fmt.Errorf("broadcast.source %q needs store.backend %q, got %q", SourceStream, BackendDynamoDB, c.Store.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", l.Level)
	}
	return lvl, nil
}

// Logger builds a slog logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
