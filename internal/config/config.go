// Package config loads configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env
// values; explicit CLI flags override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvRelayURL       = "PEERLINK_RELAY_URL"
	EnvChannel        = "PEERLINK_CHANNEL"
	EnvRoom           = "PEERLINK_ROOM"
	EnvICEServers     = "PEERLINK_ICE_SERVERS"
	EnvMaxConnections = "PEERLINK_MAX_CONNECTIONS"
	EnvListenAddr     = "PEERLINK_LISTEN_ADDR"
	EnvEntryTTL       = "PEERLINK_ENTRY_TTL"
	EnvSweepInterval  = "PEERLINK_SWEEP_INTERVAL"
	EnvLogLevel       = "PEERLINK_LOG_LEVEL"
)

// Defaults.
const (
	DefaultRelayURL      = "http://127.0.0.1:8080"
	DefaultListenAddr    = ":8080"
	DefaultChannel       = "peerlink"
	DefaultLogLevel      = "info"
	DefaultEntryTTL      = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Config is the full configuration surface shared by the relay daemon and the
// peer CLI; each binary reads the fields it cares about.
type Config struct {
	// Peer side.
	RelayURL       string
	Channel        string
	Room           string
	ICEServers     []string // empty means the orchestrator's STUN defaults
	MaxConnections int      // 0 means unbounded

	// Relay side.
	ListenAddr    string
	EntryTTL      time.Duration
	SweepInterval time.Duration

	LogLevel string
}

// Load reads the configuration. godotenv.Load does not overwrite existing env
// vars, so the process environment always wins over .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RelayURL:      getString(EnvRelayURL, DefaultRelayURL),
		Channel:       getString(EnvChannel, DefaultChannel),
		Room:          os.Getenv(EnvRoom),
		ListenAddr:    getString(EnvListenAddr, DefaultListenAddr),
		LogLevel:      getString(EnvLogLevel, DefaultLogLevel),
		EntryTTL:      DefaultEntryTTL,
		SweepInterval: DefaultSweepInterval,
	}

	if v := os.Getenv(EnvICEServers); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ICEServers = append(cfg.ICEServers, s)
			}
		}
	}

	if v := os.Getenv(EnvMaxConnections); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: %s must be a non-negative integer, got %q", EnvMaxConnections, v)
		}
		cfg.MaxConnections = n
	}

	var err error
	if cfg.EntryTTL, err = getDuration(EnvEntryTTL, DefaultEntryTTL); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration(EnvSweepInterval, DefaultSweepInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %q", key, v)
	}
	return d, nil
}
