package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/sieve/internal/config"
	"github.com/ssd-technologies/sieve/internal/crypto"
	"github.com/ssd-technologies/sieve/internal/logging"
	"github.com/ssd-technologies/sieve/internal/metrics"
	"github.com/ssd-technologies/sieve/internal/relay"
	"github.com/ssd-technologies/sieve/internal/storage"
	"github.com/ssd-technologies/sieve/internal/wot"
)

const (
	configFileName   = "config.toml"
	keystoreFileName = "identity.json"
	sqliteFileName   = "sieve.db"
	levelDirName     = "graphcache"
)

var errNoIdentity = errors.New("no identity: set identity.secret_key, SIEVE_SECRET_KEY or run seal-key")

// loadConfig resolves the config file, applies the environment and then the
// command line flags.
func loadConfig(c *cli.Context) (config.Config, error) {
	dataDir := c.String(dataDirFlag.Name)
	if dataDir == "" {
		dataDir = os.Getenv("SIEVE_DATA_DIR")
	}
	dir, err := resolveDataDir(dataDir)
	if err != nil {
		return config.Config{}, err
	}

	path := c.String(configFlag.Name)
	if path == "" {
		if candidate := filepath.Join(dir, configFileName); fileExists(candidate) {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if dataDir != "" {
		cfg.Storage.DataDir = dir
	}
	if lvl := c.String(logLevelFlag.Name); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, cfg.Validate()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// env is the opened runtime shared by the subcommands.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	db      storage.Lister
	level   *storage.LevelDB
	closers []io.Closer
}

// openEnv loads configuration, sets up logging and opens both stores.
func openEnv(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := ensureDataDir(cfg.Storage.DataDir); err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	e := &env{cfg: cfg, logger: logger, metrics: metrics.New(), closers: []io.Closer{logCloser}}

	// The LevelDB fallback is optional: a locked or damaged directory only
	// costs the second cache tier.
	e.level, err = storage.NewLevelDB(filepath.Join(cfg.Storage.DataDir, levelDirName))
	if err != nil {
		logger.Warn("graph cache fallback unavailable", "err", err)
		e.level = nil
	} else {
		e.closers = append(e.closers, e.level)
	}

	// Without SQLite the LevelDB store takes over, and without either the
	// agent still runs on memory.
	db, err := storage.NewSQLite(filepath.Join(cfg.Storage.DataDir, sqliteFileName))
	switch {
	case err == nil:
		e.db = db
		e.closers = append(e.closers, db)
	case e.level != nil:
		logger.Warn("sqlite store unavailable, using leveldb", "err", err)
		e.db, e.level = e.level, nil
	default:
		logger.Warn("no persistent store available, state will not survive restart", "err", err)
		mem, merr := storage.NewMemLevelDB()
		if merr != nil {
			e.Close()
			return nil, merr
		}
		e.db = mem
		e.closers = append(e.closers, mem)
	}
	return e, nil
}

// Close releases the stores and the log file in reverse order.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

func (e *env) relayPool() *relay.Pool {
	cfg := relay.DefaultConfig()
	if e.cfg.Agent.PublishRate > 0 {
		cfg.PublishRate = e.cfg.Agent.PublishRate
	}
	return relay.NewPool(e.cfg.Relays, cfg, e.logger).WithMetrics(e.metrics)
}

func (e *env) graphCache() *wot.Cache {
	var fallback storage.KV
	if e.level != nil {
		fallback = e.level
	}
	return wot.NewCache(e.db, fallback, e.logger).WithMetrics(e.metrics)
}

func (e *env) graphBuilder(q wot.Querier) *wot.Builder {
	g := e.cfg.Graph
	return wot.NewBuilder(wot.NewRelaySource(q), wot.BuilderConfig{
		MaxHops:     g.MaxHops,
		MaxNodes:    g.MaxNodes,
		HopTimeout:  g.HopTimeout.Duration,
		BatchSize:   g.BatchSize,
		Concurrency: g.Concurrency,
	}, e.logger).WithMetrics(e.metrics)
}

func (e *env) keystorePath() string {
	if e.cfg.Identity.Keystore != "" {
		return e.cfg.Identity.Keystore
	}
	return filepath.Join(e.cfg.Storage.DataDir, keystoreFileName)
}

// secretKey returns the configured secret key, opening the keystore with
// the password from passwordFile or SIEVE_KEYSTORE_PASSWORD if needed.
func (e *env) secretKey(passwordFile string) (string, error) {
	if sk := e.cfg.Identity.SecretKey; sk != "" {
		if _, err := nostr.GetPublicKey(sk); err != nil || len(sk) != 64 {
			return "", crypto.ErrInvalidSecret
		}
		return sk, nil
	}
	ks, err := crypto.ReadFile(e.keystorePath())
	if errors.Is(err, os.ErrNotExist) {
		return "", errNoIdentity
	}
	if err != nil {
		return "", err
	}
	password, err := readPassword(passwordFile)
	if err != nil {
		return "", err
	}
	return ks.Open(password)
}

// pubkey returns the agent's public key without unlocking the keystore.
func (e *env) pubkey() (string, error) {
	if sk := e.cfg.Identity.SecretKey; sk != "" {
		return nostr.GetPublicKey(sk)
	}
	ks, err := crypto.ReadFile(e.keystorePath())
	if errors.Is(err, os.ErrNotExist) {
		return "", errNoIdentity
	}
	if err != nil {
		return "", err
	}
	return ks.Pubkey, nil
}

func readPassword(file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if pw, ok := os.LookupEnv("SIEVE_KEYSTORE_PASSWORD"); ok {
		return pw, nil
	}
	return "", errors.New("keystore password required: use --password-file or SIEVE_KEYSTORE_PASSWORD")
}
