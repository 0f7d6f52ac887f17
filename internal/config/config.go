// Package config defines runtime defaults, validation, file loading and
// environment overrides for the roomchat server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Framing modes for the TCP transport.
const (
	FramingLine = "line"
	FramingRead = "read"
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HTTPConfig configures the optional HTTP gateway. An empty Addr disables it.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig selects the log level and output format ("console" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the server configuration.
type Config struct {
	Listen            string          `yaml:"listen"`
	HTTP              HTTPConfig      `yaml:"http"`
	MaxSessions       int             `yaml:"max_sessions"`
	MaxRooms          int             `yaml:"max_rooms"`
	DefaultRoom       string          `yaml:"default_room"`
	FrameSize         int             `yaml:"frame_size"`
	NameSize          int             `yaml:"name_size"`
	RoomNameSize      int             `yaml:"room_name_size"`
	Framing           string          `yaml:"framing"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	AnonymousFallback bool            `yaml:"anonymous_fallback"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Log               LogConfig       `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		Listen: ":9340",
		HTTP: HTTPConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
		},
		MaxSessions:      10,
		MaxRooms:         5,
		DefaultRoom:      "Lobby",
		FrameSize:        512,
		NameSize:         32,
		RoomNameSize:     32,
		Framing:          FramingLine,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load reads a YAML file on top of the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// LoadOrDefault loads path when it is non-empty and otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return NewConfig(), nil
	}
	return Load(path)
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	cfg.ApplyEnv()
	cfg.Sanitize()
	return &cfg
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("CHAT_LISTEN_ADDR"); addr != "" {
		c.Listen = addr
	}

	if addr, ok := os.LookupEnv("CHAT_HTTP_ADDR"); ok {
		c.HTTP.Addr = addr
	}

	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = parseOrigins(origins)
	}

	if n := os.Getenv("CHAT_MAX_SESSIONS"); n != "" {
		c.MaxSessions = parseIntValue(n, c.MaxSessions)
	}

	if n := os.Getenv("CHAT_MAX_ROOMS"); n != "" {
		c.MaxRooms = parseIntValue(n, c.MaxRooms)
	}

	if framing := os.Getenv("CHAT_FRAMING"); framing != "" {
		c.Framing = framing
	}

	if level := os.Getenv("CHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}
}

// Sanitize replaces out-of-range values with defaults.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = def.MaxRooms
	}
	c.DefaultRoom = strings.TrimSpace(c.DefaultRoom)
	if c.DefaultRoom == "" {
		c.DefaultRoom = def.DefaultRoom
	}
	// Frames must at least hold a timestamp header and a short body.
	if c.FrameSize < 128 {
		c.FrameSize = def.FrameSize
	}
	if c.NameSize < 2 {
		c.NameSize = def.NameSize
	}
	if c.RoomNameSize < 2 {
		c.RoomNameSize = def.RoomNameSize
	}

	c.Framing = strings.ToLower(strings.TrimSpace(c.Framing))
	if c.Framing != FramingLine && c.Framing != FramingRead {
		c.Framing = def.Framing
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	c.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
