// Package config loads agent settings from a TOML file and SIEVE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a string ("10s").
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete agent configuration.
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Relays   []string       `toml:"relays"`
	Graph    GraphConfig    `toml:"graph"`
	Agent    AgentConfig    `toml:"agent"`
	Storage  StorageConfig  `toml:"storage"`
	Log      LogConfig      `toml:"log"`
	API      APIConfig      `toml:"api"`
}

type IdentityConfig struct {
	// SecretKey is a hex secret key. Prefer Keystore outside development.
	SecretKey string `toml:"secret_key"`
	// Keystore is the path of a password-sealed secret key.
	Keystore string `toml:"keystore"`
}

type GraphConfig struct {
	MaxHops     int      `toml:"max_hops"`
	MaxNodes    int      `toml:"max_nodes"`
	HopTimeout  Duration `toml:"hop_timeout"`
	BatchSize   int      `toml:"batch_size"`
	Concurrency int      `toml:"concurrency"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

type AgentConfig struct {
	PresenceInterval  Duration `toml:"presence_interval"`
	DiscoveryWindow   Duration `toml:"discovery_window"`
	ExchangeInterval  Duration `toml:"exchange_interval"`
	OffersPerExchange int      `toml:"offers_per_exchange"`
	InboundRate       int      `toml:"inbound_rate"`
	InboundBurst      int      `toml:"inbound_burst"`
	PublishRate       float64  `toml:"publish_rate"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // rotated log file; stderr when empty
}

type APIConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relays: []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"},
		Graph: GraphConfig{
			MaxHops:     2,
			MaxNodes:    2000,
			HopTimeout:  Duration{10 * time.Second},
			BatchSize:   50,
			Concurrency: 4,
			CacheTTL:    Duration{6 * time.Hour},
		},
		Agent: AgentConfig{
			PresenceInterval:  Duration{10 * time.Minute},
			DiscoveryWindow:   Duration{time.Hour},
			ExchangeInterval:  Duration{5 * time.Minute},
			OffersPerExchange: 3,
			InboundRate:       2,
			InboundBurst:      10,
			PublishRate:       5,
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
		API:     APIConfig{Addr: "127.0.0.1:7777"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".sieve")
}

// Load reads path over the defaults (a missing path is not an error when
// path is empty), then applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undec)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SIEVE_* variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("SIEVE_SECRET_KEY", &c.Identity.SecretKey)
	str("SIEVE_KEYSTORE", &c.Identity.Keystore)
	str("SIEVE_DATA_DIR", &c.Storage.DataDir)
	str("SIEVE_LOG_LEVEL", &c.Log.Level)
	str("SIEVE_LOG_FORMAT", &c.Log.Format)
	str("SIEVE_LOG_FILE", &c.Log.File)
	str("SIEVE_API_ADDR", &c.API.Addr)
	if v, ok := lookup("SIEVE_RELAYS"); ok && v != "" {
		c.Relays = splitList(v)
	}
	if err := num("SIEVE_MAX_HOPS", &c.Graph.MaxHops); err != nil {
		return err
	}
	if err := num("SIEVE_MAX_NODES", &c.Graph.MaxNodes); err != nil {
		return err
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is required"))
	}
	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			errs = append(errs, fmt.Errorf("relay %q: must be a ws:// or wss:// URL", r))
		}
	}
	if c.Graph.MaxHops < 1 || c.Graph.MaxHops > 4 {
		errs = append(errs, fmt.Errorf("graph.max_hops %d: must be 1-4", c.Graph.MaxHops))
	}
	if c.Graph.MaxNodes < 1 {
		errs = append(errs, fmt.Errorf("graph.max_nodes %d: must be positive", c.Graph.MaxNodes))
	}
	if c.Graph.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("graph.batch_size %d: must be positive", c.Graph.BatchSize))
	}
	if c.Graph.HopTimeout.Duration <= 0 {
		errs = append(errs, errors.New("graph.hop_timeout: must be positive"))
	}
	if c.Graph.CacheTTL.Duration <= 0 {
		errs = append(errs, errors.New("graph.cache_ttl: must be positive"))
	}
	if c.Agent.InboundRate < 1 || c.Agent.InboundBurst < 1 {
		errs = append(errs, errors.New("agent.inbound_rate and agent.inbound_burst: must be positive"))
	}
	if c.Agent.OffersPerExchange < 0 {
		errs = append(errs, errors.New("agent.offers_per_exchange: must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: required"))
	}
	return errors.Join(errs...)
}

// Write encodes c as TOML.
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
