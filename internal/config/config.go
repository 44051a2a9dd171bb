// Package config loads service settings from defaults, an optional file and
// CHATWIRE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"chatwire/internal/logging"
	dbconfig "chatwire/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. CHATWIRE_SERVER_PORT.
const EnvPrefix = "CHATWIRE"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  dbconfig.Config `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Bus       BusConfig       `mapstructure:"bus"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig tunes the write path and the circuit breaker of the store.
type StorageConfig struct {
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// WebSocketConfig bounds both directions of a socket.
type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type RoomsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type CacheConfig struct {
	ConversationSize int           `mapstructure:"conversation_size"`
	ConversationTTL  time.Duration `mapstructure:"conversation_ttl"`
}

type BusConfig struct {
	Buffer        int64         `mapstructure:"buffer"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
}

// AMQPConfig enables exporting committed domain events to a broker. Export is
// off while URL is empty.
type AMQPConfig struct {
	URL   string `mapstructure:"url"`
	Topic string `mapstructure:"topic"`
}

type AuthConfig struct {
	// Keys sign and verify tokens, newest first. Comma separated in the
	// environment.
	Keys []string `mapstructure:"keys"`
}

// DefaultConfig returns the built-in settings. Auth keys have no default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: *dbconfig.DefaultConfig(),
		Storage: StorageConfig{
			WriteTimeout:    30 * time.Second,
			RetryDelay:      500 * time.Millisecond,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			AuthTimeout:     10 * time.Second,
			QueueSize:       256,
			MaxMessageBytes: 128 << 10,
			RateLimit:       20,
			RateBurst:       40,
		},
		Rooms: RoomsConfig{SweepInterval: time.Minute},
		Cache: CacheConfig{
			ConversationSize: 4096,
			ConversationTTL:  5 * time.Minute,
		},
		Bus: BusConfig{
			Buffer:        1024,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
			CloseTimeout:  5 * time.Second,
		},
		AMQP:    AMQPConfig{Topic: "chatwire.events"},
		Logging: logging.Config{Level: "info"},
	}
}

// setDefaults registers every key so environment variables can override keys
// that appear in no file.
func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"server.host":             c.Server.Host,
		"server.port":             c.Server.Port,
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,

		"database.path":               c.Database.DatabasePath,
		"database.max_connections":    c.Database.MaxConnections,
		"database.conn_max_lifetime":  c.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": c.Database.ConnMaxIdleTime,
		"database.busy_timeout":       c.Database.BusyTimeout,

		"storage.write_timeout":    c.Storage.WriteTimeout,
		"storage.retry_delay":      c.Storage.RetryDelay,
		"storage.breaker_failures": c.Storage.BreakerFailures,
		"storage.breaker_timeout":  c.Storage.BreakerTimeout,

		"websocket.ping_interval":     c.WebSocket.PingInterval,
		"websocket.read_timeout":      c.WebSocket.ReadTimeout,
		"websocket.write_timeout":     c.WebSocket.WriteTimeout,
		"websocket.auth_timeout":      c.WebSocket.AuthTimeout,
		"websocket.queue_size":        c.WebSocket.QueueSize,
		"websocket.max_message_bytes": c.WebSocket.MaxMessageBytes,
		"websocket.rate_limit":        c.WebSocket.RateLimit,
		"websocket.rate_burst":        c.WebSocket.RateBurst,

		"rooms.sweep_interval": c.Rooms.SweepInterval,

		"cache.conversation_size": c.Cache.ConversationSize,
		"cache.conversation_ttl":  c.Cache.ConversationTTL,

		"bus.buffer":         c.Bus.Buffer,
		"bus.max_retries":    c.Bus.MaxRetries,
		"bus.retry_interval": c.Bus.RetryInterval,
		"bus.close_timeout":  c.Bus.CloseTimeout,

		"amqp.url":   c.AMQP.URL,
		"amqp.topic": c.AMQP.Topic,

		"auth.keys": c.Auth.Keys,

		"logging.level": c.Logging.Level,
		"logging.file":  c.Logging.File,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Loader reads configuration and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. path may be empty, in which case only defaults
// and the environment apply.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return &Loader{v: v, path: path}, nil
}

// Config decodes the current settings.
func (l *Loader) Config() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Watch calls onChange with the new settings each time the config file is
// written. Invalid edits are logged and skipped. Without a file it does nothing.
func (l *Loader) Watch(logger *zap.Logger, onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Config()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Warn("ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load reads path (optional) plus the environment into a Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server port must be between 1 and 65535")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return errors.New("server timeouts must be positive")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Storage.WriteTimeout <= 0 {
		return errors.New("storage write timeout must be positive")
	}
	if c.Storage.BreakerFailures == 0 {
		return errors.New("storage breaker failures must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.AuthTimeout <= 0 {
		return errors.New("websocket timeouts must be positive")
	}
	if c.WebSocket.QueueSize <= 0 {
		return errors.New("websocket queue size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("websocket max message bytes must be positive")
	}
	if c.WebSocket.RateLimit <= 0 || c.WebSocket.RateBurst <= 0 {
		return errors.New("websocket rate limit and burst must be positive")
	}
	if c.Rooms.SweepInterval <= 0 {
		return errors.New("rooms sweep interval must be positive")
	}
	if c.Cache.ConversationSize <= 0 {
		return errors.New("conversation cache size must be positive")
	}
	if c.Bus.Buffer <= 0 || c.Bus.MaxRetries < 0 {
		return errors.New("bus buffer must be positive and retries non-negative")
	}
	if c.AMQP.URL != "" && c.AMQP.Topic == "" {
		return errors.New("amqp topic is required when amqp is enabled")
	}
	if len(c.Auth.Keys) == 0 {
		return errors.New("at least one auth key is required")
	}
	if err := logging.SetLevel(zap.NewAtomicLevel(), c.Logging.Level); err != nil {
		return err
	}
	return nil
}
