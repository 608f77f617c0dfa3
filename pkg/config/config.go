// Package config loads wrtd settings from the environment, optionally
// seeded from a .env file. Every variable carries the WRTD_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const Prefix = "WRTD_"

// Config holds all configuration for the daemon.
type Config struct {
	State   StateConfig
	Cascade CascadeConfig
	Plugin  PluginConfig
	API     APIConfig
	Log     LogConfig
}

// StateConfig locates persisted state. Empty file paths live in Dir.
type StateConfig struct {
	Dir            string `env:"STATE_DIR" envDefault:"/var/lib/wrtd"`
	IDFile         string `env:"ID_FILE"`
	PrefixPoolFile string `env:"PREFIX_POOL_FILE"`
	JournalFile    string `env:"JOURNAL_FILE"`
}

func (c *StateConfig) IDPath() string { return c.path(c.IDFile, "id") }

func (c *StateConfig) PrefixPoolPath() string { return c.path(c.PrefixPoolFile, "prefix-pool.json") }

func (c *StateConfig) JournalPath() string { return c.path(c.JournalFile, "journal.db") }

func (c *StateConfig) path(set, name string) string {
	if set != "" {
		return set
	}
	return filepath.Join(c.Dir, name)
}

// CascadeConfig holds uplink and downlink settings.
type CascadeConfig struct {
	// Bridges get one pool prefix and one downlink each, in this order.
	Bridges []string `env:"BRIDGES" envSeparator:"," envDefault:"br-lan"`
	Port    int      `env:"CASCADE_PORT" envDefault:"3850"`
	// DownlinkListenHost overrides the bridge gateway address downlinks
	// bind to.
	DownlinkListenHost string        `env:"DOWNLINK_LISTEN_HOST"`
	UplinkAddr         string        `env:"UPLINK_ADDR"`
	UplinkBackoffMin   time.Duration `env:"UPLINK_BACKOFF_MIN" envDefault:"1s"`
	UplinkBackoffMax   time.Duration `env:"UPLINK_BACKOFF_MAX" envDefault:"1m"`
	CallTimeout        time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	SubhostOffset      int           `env:"SUBHOST_OFFSET" envDefault:"64"`
	SubhostSize        int           `env:"SUBHOST_SIZE" envDefault:"16"`
}

// PluginConfig selects the WAN and LAN collaborators.
type PluginConfig struct {
	WAN         string `env:"WAN_PLUGIN" envDefault:"none"`
	WANPrefixes string `env:"WAN_PREFIXES"`
	LAN         string `env:"LAN_PLUGIN" envDefault:"static"`
	StaticHosts string `env:"STATIC_HOSTS"`
}

// APIConfig holds the local status API and the optional Consul mirror.
type APIConfig struct {
	Addr       string `env:"API_ADDR" envDefault:"127.0.0.1:8390"`
	ConsulAddr string `env:"CONSUL_ADDR"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads envFile when it exists, then parses the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg := &Config{}
	opts := env.Options{Prefix: Prefix}

	if err := env.ParseWithOptions(&cfg.State, opts); err != nil {
		return nil, fmt.Errorf("parsing state config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Cascade, opts); err != nil {
		return nil, fmt.Errorf("parsing cascade config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Plugin, opts); err != nil {
		return nil, fmt.Errorf("parsing plugin config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.API, opts); err != nil {
		return nil, fmt.Errorf("parsing api config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Log, opts); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}
	for i, b := range cfg.Cascade.Bridges {
		cfg.Cascade.Bridges[i] = strings.TrimSpace(b)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	if c.Cascade.Port < 1 || c.Cascade.Port > 65535 {
		return fmt.Errorf("%sCASCADE_PORT %d out of range", Prefix, c.Cascade.Port)
	}
	if c.Cascade.SubhostOffset < 1 || c.Cascade.SubhostSize < 1 || c.Cascade.SubhostOffset+c.Cascade.SubhostSize > 255 {
		return fmt.Errorf("%sSUBHOST_OFFSET/%sSUBHOST_SIZE do not fit a /24", Prefix, Prefix)
	}
	if c.Cascade.UplinkBackoffMin <= 0 || c.Cascade.UplinkBackoffMax < c.Cascade.UplinkBackoffMin {
		return fmt.Errorf("%sUPLINK_BACKOFF_MIN/MAX invalid", Prefix)
	}
	seen := make(map[string]bool)
	for _, b := range c.Cascade.Bridges {
		if b == "" || seen[b] {
			return fmt.Errorf("%sBRIDGES has an empty or duplicate name %q", Prefix, b)
		}
		seen[b] = true
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%sLOG_FORMAT must be text or json, got %q", Prefix, c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
