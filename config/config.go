// Package config loads server and client settings from the environment.
// Every setting has a default in its struct tag, so an empty environment
// yields a working local setup.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/cyberinferno/go-replicon/client"
	"github.com/cyberinferno/go-replicon/server"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Log holds the logger settings shared by both binaries.
type Log struct {
	// Level is debug, info, warn or error. ENV: REPLICON_LOG_LEVEL
	Level string `env:"REPLICON_LOG_LEVEL,default=info"`
	// Format is console or json. ENV: REPLICON_LOG_FORMAT
	Format string `env:"REPLICON_LOG_FORMAT,default=console"`
}

// Server configures cmd/replicon server.
type Server struct {
	Name            string        `env:"REPLICON_SERVER_NAME,default=replicon"`
	Address         string        `env:"REPLICON_ADDRESS,default=:5000"`
	ProtocolID      uint32        `env:"REPLICON_PROTOCOL_ID,default=0"`
	MaxSessions     int           `env:"REPLICON_MAX_SESSIONS,default=10"`
	LivenessTimeout time.Duration `env:"REPLICON_LIVENESS_TIMEOUT,default=5s"`
	AllowInsecure   bool          `env:"REPLICON_ALLOW_INSECURE,default=true"`
	TickRate        int           `env:"REPLICON_TICK_RATE,default=60"`

	// MetricsAddress serves /metrics, /healthz and /sessions; empty
	// disables it.
	MetricsAddress string `env:"REPLICON_METRICS_ADDRESS,default=:9090"`

	// PresenceBackend is memory, redis or none.
	PresenceBackend string        `env:"REPLICON_PRESENCE,default=memory"`
	PresencePrefix  string        `env:"REPLICON_PRESENCE_PREFIX,default=replicon:presence"`
	PresenceTTL     time.Duration `env:"REPLICON_PRESENCE_TTL,default=30s"`
	RedisAddr       string        `env:"REDIS_ADDR,default=localhost:6379"`

	Log Log
}

// Client configures cmd/replicon client.
type Client struct {
	ServerAddress     string        `env:"REPLICON_SERVER_ADDRESS,default=127.0.0.1:5000"`
	BindAddress       string        `env:"REPLICON_BIND_ADDRESS,default=:0"`
	ProtocolID        uint32        `env:"REPLICON_PROTOCOL_ID,default=0"`
	ConnectTimeout    time.Duration `env:"REPLICON_CONNECT_TIMEOUT,default=5s"`
	LivenessTimeout   time.Duration `env:"REPLICON_LIVENESS_TIMEOUT,default=5s"`
	AutoReconnect     bool          `env:"REPLICON_AUTO_RECONNECT,default=false"`
	ReconnectInterval time.Duration `env:"REPLICON_RECONNECT_INTERVAL,default=5s"`
	TickRate          int           `env:"REPLICON_TICK_RATE,default=60"`
	PingInterval      time.Duration `env:"REPLICON_PING_INTERVAL,default=2s"`
	PingMessage       string        `env:"REPLICON_PING_MESSAGE,default=hello"`

	Log Log
}

func decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ServerFromEnv reads and validates the server settings.
func ServerFromEnv() (Server, error) {
	var cfg Server
	if err := decode(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// ClientFromEnv reads and validates the client settings.
func ClientFromEnv() (Client, error) {
	var cfg Client
	if err := decode(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

func (l Log) validate() error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, l.Format)
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (s Server) Validate() error {
	switch {
	case s.MaxSessions <= 0:
		return fmt.Errorf("%w: max sessions must be positive", ErrInvalid)
	case s.LivenessTimeout <= 0:
		return fmt.Errorf("%w: liveness timeout must be positive", ErrInvalid)
	case s.TickRate <= 0:
		return fmt.Errorf("%w: tick rate must be positive", ErrInvalid)
	}

	switch s.PresenceBackend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("%w: presence backend %q", ErrInvalid, s.PresenceBackend)
	}
	return s.Log.validate()
}

// Validate checks ranges and enumerations.
func (c Client) Validate() error {
	switch {
	case c.ServerAddress == "":
		return fmt.Errorf("%w: server address is required", ErrInvalid)
	case c.ConnectTimeout <= 0 || c.LivenessTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	case c.TickRate <= 0:
		return fmt.Errorf("%w: tick rate must be positive", ErrInvalid)
	}
	return c.Log.validate()
}

// ServerConfig converts the settings for server.New.
func (s Server) ServerConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Name = s.Name
	cfg.Address = s.Address
	cfg.Session.MaxSessions = s.MaxSessions
	cfg.Session.LivenessTimeout = s.LivenessTimeout
	cfg.Session.AllowInsecure = s.AllowInsecure
	return cfg
}

// ClientConfig converts the settings for client.New.
func (c Client) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.ServerAddress)
	cfg.BindAddress = c.BindAddress
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.LivenessTimeout = c.LivenessTimeout
	cfg.AutoReconnect = c.AutoReconnect
	cfg.ReconnectInterval = c.ReconnectInterval
	return cfg
}
