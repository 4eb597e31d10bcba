// cmd/sieve-agent/main.go
//
// sieve-agent runs a peer trust and content exchange agent on the Nostr
// relay network. It builds a Web-of-Trust graph around its identity, trades
// quality-filtered content with trusted peers over encrypted D2A messages and
// exposes a localhost API for inspection and feedback.
//
// Usage:
//
//	sieve-agent start [--api-addr 127.0.0.1:7777] [--relay wss://...]
//	sieve-agent wot [--root <pubkey>] [--refresh] [--limit 20]
//	sieve-agent trust <pubkey>
//	sieve-agent peers
//	sieve-agent manifest
//	sieve-agent import <items.json>
//	sieve-agent seal-key --secret <hex> [--password-file path]
//	sieve-agent dumpconfig
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML config file (default <data-dir>/config.toml when present)",
		EnvVars: []string{"SIEVE_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "data directory (default ~/.sieve)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	passwordFileFlag = &cli.StringFlag{
		Name:    "password-file",
		Usage:   "file holding the keystore password (else SIEVE_KEYSTORE_PASSWORD)",
		EnvVars: []string{"SIEVE_PASSWORD_FILE"},
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "sieve-agent",
		Usage: "peer trust and content exchange agent for Nostr",
		Flags: []cli.Flag{configFlag, dataDirFlag, logLevelFlag},
		Commands: []*cli.Command{
			startCommand,
			wotCommand,
			trustCommand,
			peersCommand,
			manifestCommand,
			importCommand,
			sealKeyCommand,
			dumpConfigCommand,
		},
	}
}

func main() {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveDataDir returns the data directory, using the explicit path if
// provided, otherwise defaulting to ~/.sieve.
func resolveDataDir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".sieve"), nil
}

// ensureDataDir creates the data directory if it does not exist.
func ensureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}
