// Package config loads client and dev-server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Store backends for persisted credentials.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Client configures the session and realtime layers.
type Client struct {
	BaseURL              string        `env:"DASHCHAT_BASE_URL" envDefault:"http://localhost:8999/api"`
	WSURL                string        `env:"DASHCHAT_WS_URL" envDefault:"ws://localhost:8999/ws"`
	Topic                string        `env:"DASHCHAT_TOPIC" envDefault:"/topic/public"`
	HTTPTimeout          time.Duration `env:"DASHCHAT_HTTP_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout     time.Duration `env:"DASHCHAT_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	PollInterval         time.Duration `env:"DASHCHAT_POLL_INTERVAL" envDefault:"3s"`
	HistoryPageSize      int           `env:"DASHCHAT_HISTORY_PAGE_SIZE" envDefault:"50"`
	ReconnectMaxAttempts int           `env:"DASHCHAT_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ReconnectMinWait     time.Duration `env:"DASHCHAT_RECONNECT_MIN_WAIT" envDefault:"500ms"`
	ReconnectMaxWait     time.Duration `env:"DASHCHAT_RECONNECT_MAX_WAIT" envDefault:"10s"`
	HeartbeatTimeout     time.Duration `env:"DASHCHAT_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	Store                string        `env:"DASHCHAT_STORE" envDefault:"file"`
	StorePath            string        `env:"DASHCHAT_STORE_PATH" envDefault:"session.json"`
	RedisAddr            string        `env:"DASHCHAT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix          string        `env:"DASHCHAT_REDIS_PREFIX" envDefault:"dashchat:"`
	LogLevel             string        `env:"DASHCHAT_LOG_LEVEL" envDefault:"info"`
	LogFile              string        `env:"DASHCHAT_LOG_FILE" envDefault:"client.log"`
}

// Server configures the development backend.
type Server struct {
	Addr            string        `env:"DEVSERVER_ADDR" envDefault:":8999"`
	JWTSecret       string        `env:"DEVSERVER_JWT_SECRET" envDefault:"dev-secret-change-me"`
	AccessTTL       time.Duration `env:"DEVSERVER_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL      time.Duration `env:"DEVSERVER_REFRESH_TTL" envDefault:"24h"`
	DBPath          string        `env:"DEVSERVER_DB_PATH" envDefault:"messages.db"`
	UsersFile       string        `env:"DEVSERVER_USERS_FILE" envDefault:"users.json"`
	Topic           string        `env:"DEVSERVER_TOPIC" envDefault:"/topic/public"`
	WelcomeMessage  string        `env:"DEVSERVER_WELCOME" envDefault:"Welcome to dashchat."`
	FramesPerSecond int           `env:"DEVSERVER_FRAMES_PER_SECOND" envDefault:"20"`
	ShutdownTimeout time.Duration `env:"DEVSERVER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	LogLevel        string        `env:"DEVSERVER_LOG_LEVEL" envDefault:"info"`
}

// Load parses environment variables into the provided struct.
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadClient loads and validates the client configuration.
func LoadClient() (Client, error) {
	var cfg Client
	if err := Load(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

// LoadServer loads and validates the dev-server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := Load(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base url is required"))
	}
	if strings.TrimSpace(c.WSURL) == "" {
		errs = append(errs, errors.New("websocket url is required"))
	}
	for name, d := range map[string]time.Duration{
		"http timeout":       c.HTTPTimeout,
		"handshake timeout":  c.HandshakeTimeout,
		"poll interval":      c.PollInterval,
		"reconnect min wait": c.ReconnectMinWait,
		"reconnect max wait": c.ReconnectMaxWait,
		"heartbeat timeout":  c.HeartbeatTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, errors.New("history page size must be positive"))
	}
	switch c.Store {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	return errors.Join(errs...)
}

func (s Server) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Addr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if s.AccessTTL <= 0 || s.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if s.FramesPerSecond <= 0 {
		errs = append(errs, errors.New("frames per second must be positive"))
	}
	return errors.Join(errs...)
}
