package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/mcprelay/core/config"
	"github.com/gaspardpetit/mcprelay/core/options"
)

// Session store backends.
const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// ServerConfig holds configuration for the relay.
type ServerConfig struct {
	Port        int    `yaml:"port" toml:"port"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat      string   `yaml:"log_format" toml:"log_format"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	ConfigFile     string   `yaml:"-" toml:"-"`

	RegistryBackend string `yaml:"registry_backend" toml:"registry_backend"`
	// RegistryDSN is a directory, sqlite path or redis URL depending on the backend.
	RegistryDSN  string `yaml:"registry_dsn" toml:"registry_dsn"`
	SessionStore string `yaml:"session_store" toml:"session_store"`
	RedisAddr    string `yaml:"redis_addr" toml:"redis_addr"`

	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ResumeWindow time.Duration `yaml:"resume_window" toml:"resume_window"`

	ExecutorTimeout       time.Duration `yaml:"executor_timeout" toml:"executor_timeout"`
	ExecutorMemoryLimitMB int           `yaml:"executor_memory_limit_mb" toml:"executor_memory_limit_mb"`
	MaxInflightPerSession int           `yaml:"max_inflight_per_session" toml:"max_inflight_per_session"`
	ForwardNotifications  bool          `yaml:"forward_notifications" toml:"forward_notifications"`

	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	Heartbeat    time.Duration `yaml:"heartbeat" toml:"heartbeat"`
	DrainTimeout time.Duration `yaml:"drain_timeout" toml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RegistryBackend == "" {
		c.RegistryBackend = "file"
	}
	if c.RegistryDSN == "" && c.RegistryBackend == "file" {
		c.RegistryDSN = commoncfg.DefaultRegistryDir()
	}
	if c.SessionStore == "" {
		c.SessionStore = SessionStoreMemory
	}
	if c.ExecutorTimeout == 0 {
		c.ExecutorTimeout = 30 * time.Second
	}
	if c.ExecutorMemoryLimitMB == 0 {
		c.ExecutorMemoryLimitMB = 512
	}
	if c.MaxInflightPerSession == 0 {
		c.MaxInflightPerSession = 16
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("relay.yaml")
	}
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", c.ConfigFile)
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = commoncfg.GetEnv("LOG_FORMAT", c.LogFormat)
	c.Port = options.Int(os.Getenv("PORT"), c.Port)
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = options.List(v)
	}
	c.RegistryBackend = commoncfg.GetEnv("REGISTRY_BACKEND", c.RegistryBackend)
	c.RegistryDSN = commoncfg.GetEnv("REGISTRY_DSN", c.RegistryDSN)
	c.SessionStore = commoncfg.GetEnv("SESSION_STORE", c.SessionStore)
	c.RedisAddr = commoncfg.GetEnv("REDIS_ADDR", c.RedisAddr)
	c.IdleTimeout = options.Duration(os.Getenv("IDLE_TIMEOUT"), c.IdleTimeout)
	c.ResumeWindow = options.Duration(os.Getenv("RESUME_WINDOW"), c.ResumeWindow)
	c.ExecutorTimeout = options.Duration(os.Getenv("EXECUTOR_TIMEOUT"), c.ExecutorTimeout)
	c.ExecutorMemoryLimitMB = options.Int(os.Getenv("EXECUTOR_MEMORY_LIMIT_MB"), c.ExecutorMemoryLimitMB)
	c.MaxInflightPerSession = options.Int(os.Getenv("MAX_INFLIGHT_PER_SESSION"), c.MaxInflightPerSession)
	c.ForwardNotifications = options.Bool(os.Getenv("FORWARD_NOTIFICATIONS"), c.ForwardNotifications)
	c.QueueSize = options.Int(os.Getenv("QUEUE_SIZE"), c.QueueSize)
	c.WriteTimeout = options.Duration(os.Getenv("WRITE_TIMEOUT"), c.WriteTimeout)
	c.Heartbeat = options.Duration(os.Getenv("HEARTBEAT"), c.Heartbeat)
	c.DrainTimeout = options.Duration(os.Getenv("DRAIN_TIMEOUT"), c.DrainTimeout)
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent() {
	c.BindFlagSet(flag.CommandLine)
}

// BindFlagSet binds the flags on fs.
func (c *ServerConfig) BindFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "relay config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (json, console)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for client connections")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.Func("allowed-origins", "comma separated list of allowed CORS and WebSocket origins", func(v string) error {
		c.AllowedOrigins = options.List(v)
		return nil
	})
	fs.StringVar(&c.RegistryBackend, "registry-backend", c.RegistryBackend, "server registry backend (memory, file, sqlite, redis)")
	fs.StringVar(&c.RegistryDSN, "registry-dsn", c.RegistryDSN, "registry directory, sqlite path or redis URL")
	fs.StringVar(&c.SessionStore, "session-store", c.SessionStore, "session record store (memory, redis)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for sessions and server state")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections idle for this long (0 disables)")
	fs.DurationVar(&c.ResumeWindow, "resume-window", c.ResumeWindow, "how long a detached session stays resumable (0 disables resumption)")
	fs.DurationVar(&c.ExecutorTimeout, "executor-timeout", c.ExecutorTimeout, "ceiling on a single server invocation")
	fs.IntVar(&c.ExecutorMemoryLimitMB, "executor-memory-limit-mb", c.ExecutorMemoryLimitMB, "memory ceiling for process executors in MB (0 disables)")
	fs.IntVar(&c.MaxInflightPerSession, "max-inflight", c.MaxInflightPerSession, "pending requests allowed per session; a negative value removes the cap")
	fs.BoolVar(&c.ForwardNotifications, "forward-notifications", c.ForwardNotifications, "forward client notifications to the bound server")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "outbound frames buffered per connection")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "time allowed to queue or write an outbound frame")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "WebSocket ping interval (0 disables)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight invocations on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// LoadFile populates the config from a YAML file, or TOML when the path ends
// in .toml.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(b), c)
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports settings the relay cannot run with.
func (c *ServerConfig) Validate() error {
	switch c.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("session store %q requires redis_addr", c.SessionStore)
		}
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("executor_timeout must be positive")
	}
	if c.ResumeWindow < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout and resume_window must not be negative")
	}
	return nil
}
