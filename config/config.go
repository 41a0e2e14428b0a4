package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string       `yaml:"port"`
	Environment    string       `yaml:"environment"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	JWTSecret      string       `yaml:"jwt_secret"`
	LogLevel       string       `yaml:"log_level"`
	Redis          RedisConfig  `yaml:"redis"`
	WebRTC         WebRTCConfig `yaml:"webrtc"`
	Signal         SignalConfig `yaml:"signal"`
	Node           NodeConfig   `yaml:"node"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebRTCConfig configures the pion engines used by mesh and broadcast sessions.
type WebRTCConfig struct {
	ICEServers []string `yaml:"ice_servers"`
	UDPPortMin int      `yaml:"udp_port_min"`
	UDPPortMax int      `yaml:"udp_port_max"`
}

// SignalConfig tunes the signalling relay client.
type SignalConfig struct {
	SendTimeout      time.Duration `yaml:"send_timeout"`
	AckFlushInterval time.Duration `yaml:"ack_flush_interval"`
}

// NodeConfig describes the participant a headless meshnode plays.
type NodeConfig struct {
	RoomID      string `yaml:"room_id"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Mode        string `yaml:"mode"` // mesh, host or viewer
}

// DefaultICEServers is the fixed public STUN set used when none is configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		LogLevel:       "info",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		WebRTC: WebRTCConfig{
			ICEServers: append([]string(nil), DefaultICEServers...),
		},
		Signal: SignalConfig{
			SendTimeout:      5 * time.Second,
			AckFlushInterval: 15 * time.Millisecond,
		},
		Node: NodeConfig{
			Mode: "mesh",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	// Parse allowed origins (comma-separated)
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		cfg.AllowedOrigins = splitList(originsStr)
	}

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		cfg.WebRTC.ICEServers = splitList(servers)
	}
	cfg.WebRTC.UDPPortMin = getEnvInt("RTC_UDP_PORT_MIN", cfg.WebRTC.UDPPortMin)
	cfg.WebRTC.UDPPortMax = getEnvInt("RTC_UDP_PORT_MAX", cfg.WebRTC.UDPPortMax)

	cfg.Signal.SendTimeout = getEnvDuration("SIGNAL_SEND_TIMEOUT", cfg.Signal.SendTimeout)
	cfg.Signal.AckFlushInterval = getEnvDuration("SIGNAL_ACK_FLUSH_INTERVAL", cfg.Signal.AckFlushInterval)

	cfg.Node.RoomID = getEnv("NODE_ROOM_ID", cfg.Node.RoomID)
	cfg.Node.UserID = getEnv("NODE_USER_ID", cfg.Node.UserID)
	cfg.Node.DisplayName = getEnv("NODE_DISPLAY_NAME", cfg.Node.DisplayName)
	cfg.Node.Mode = getEnv("NODE_MODE", cfg.Node.Mode)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}

	switch c.Node.Mode {
	case "mesh", "host", "viewer":
	default:
		errs = append(errs, fmt.Errorf("node.mode %q is invalid; valid values: mesh, host, viewer", c.Node.Mode))
	}

	if len(c.WebRTC.ICEServers) == 0 {
		errs = append(errs, errors.New("webrtc.ice_servers must not be empty"))
	}
	if c.WebRTC.UDPPortMin < 0 || c.WebRTC.UDPPortMax > 65535 || c.WebRTC.UDPPortMin > c.WebRTC.UDPPortMax {
		errs = append(errs, fmt.Errorf("webrtc udp port range %d-%d is invalid", c.WebRTC.UDPPortMin, c.WebRTC.UDPPortMax))
	}

	if c.Signal.SendTimeout <= 0 {
		errs = append(errs, errors.New("signal.send_timeout must be positive"))
	}
	if c.Signal.AckFlushInterval < 0 {
		errs = append(errs, errors.New("signal.ack_flush_interval must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// Addr returns the host:port address of the Redis server.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
