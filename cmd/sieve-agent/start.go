package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/sieve/internal/agent"
	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/reputation"
	"github.com/ssd-technologies/sieve/internal/server"
)

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "run the agent and its localhost API",
	Flags: []cli.Flag{
		passwordFileFlag,
		&cli.StringFlag{Name: "api-addr", Usage: "localhost API listen address"},
		&cli.StringSliceFlag{Name: "relay", Usage: "relay URL (repeatable, replaces configured relays)"},
	},
	Action: cmdStart,
}

// cmdStart runs the coordinator, the graph and exchange workers and the
// local API until SIGINT or SIGTERM.
func cmdStart(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if addr := c.String("api-addr"); addr != "" {
		e.cfg.API.Addr = addr
	}
	if relays := c.StringSlice("relay"); len(relays) > 0 {
		e.cfg.Relays = relays
		if err := e.cfg.Validate(); err != nil {
			return err
		}
	}

	secret, err := e.secretKey(c.String(passwordFileFlag.Name))
	if err != nil {
		return err
	}

	pool := e.relayPool()
	ledger := reputation.NewLedger(e.db, e.logger)
	store := content.NewStore(e.db, e.logger)
	a := e.cfg.Agent
	coord, err := agent.New(agent.Config{
		SecretKey:         secret,
		PresenceInterval:  a.PresenceInterval.Duration,
		DiscoveryWindow:   a.DiscoveryWindow.Duration,
		OffersPerExchange: a.OffersPerExchange,
		InboundRate:       a.InboundRate,
		InboundBurst:      a.InboundBurst,
	}, pool, ledger, store, store, e.logger)
	if err != nil {
		pool.Close()
		return err
	}
	coord.WithMetrics(e.metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		coord.Stop()
		return err
	}
	defer coord.Stop()

	ttl := e.cfg.Graph.CacheTTL.Duration
	api := server.New(coord, pool, e.metrics, e.logger).
		WithGraphRefresh(e.graphBuilder(pool), e.graphCache(), ttl, ttl).
		WithExchange(a.ExchangeInterval.Duration)
	api.StartWorkers(ctx)

	httpServer := &http.Server{
		Addr:              e.cfg.API.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	fmt.Printf("sieve-agent started\n")
	fmt.Printf("  Pubkey: %s\n", coord.Pubkey())
	fmt.Printf("  Relays: %d\n", len(pool.URLs()))
	fmt.Printf("  API:    http://%s/local/health\n", e.cfg.API.Addr)

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case err = <-serveErr:
		e.logger.Error("API server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	return err
}
