// Package relay manages connections to the Nostr relays the agent talks to.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/sieve/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("relay: pool closed")
	// ErrNoRelays is returned when the pool has no relay URLs configured.
	ErrNoRelays = errors.New("relay: no relays configured")
)

// Config tunes a Pool.
type Config struct {
	ConnectTimeout   time.Duration
	PublishRate      float64 // events per second across all relays
	PublishBurst     int
	FailureThreshold uint32        // consecutive failures before a relay's breaker opens
	OpenTimeout      time.Duration // how long an open breaker rejects calls
}

// DefaultConfig returns the pool settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		PublishRate:      5,
		PublishBurst:     10,
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

type conn struct {
	url     string
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex // guards relay
	relay *nostr.Relay
}

// Pool fans queries, publishes and subscriptions out to a set of relays.
// Connections are opened lazily on first use. Each relay sits behind its own
// circuit breaker so one bad relay only shrinks the result set.
type Pool struct {
	cfg     Config
	conns   []*conn
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool over urls. No connection is made until first use.
func NewPool(urls []string, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = def.PublishRate
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	seen := make(map[string]bool)
	for _, u := range urls {
		u = nostr.NormalizeURL(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		p.conns = append(p.conns, &conn{url: u, breaker: newBreaker(u, cfg, logger)})
	}
	return p
}

func newBreaker(url string, cfg Config, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("relay breaker state", "relay", name, "from", from.String(), "to", to.String())
		},
	})
}

// WithMetrics attaches collectors to the pool.
func (p *Pool) WithMetrics(m *metrics.Metrics) *Pool {
	p.metrics = m
	return p
}

// URLs returns the normalized relay URLs.
func (p *Pool) URLs() []string {
	out := make([]string, len(p.conns))
	for i, c := range p.conns {
		out[i] = c.url
	}
	return out
}

// Connected returns how many relays currently hold an open connection.
func (p *Pool) Connected() int {
	n := 0
	for _, c := range p.conns {
		c.mu.Lock()
		if c.relay != nil {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// relay returns c's live connection, dialing if needed.
func (p *Pool) relay(ctx context.Context, c *conn) (*nostr.Relay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil {
		return c.relay, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	r, err := nostr.RelayConnect(dialCtx, c.url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.url, err)
	}
	c.relay = r
	p.logger.Debug("relay connected", "relay", c.url)
	return r, nil
}

// drop forgets c's connection after a failure so the next call redials.
func (c *conn) drop() {
	c.mu.Lock()
	r := c.relay
	c.relay = nil
	c.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// do runs fn against c's relay through its breaker.
func (p *Pool) do(ctx context.Context, c *conn, fn func(*nostr.Relay) (interface{}, error)) (interface{}, error) {
	return c.breaker.Execute(func() (interface{}, error) {
		r, err := p.relay(ctx, c)
		if err != nil {
			return nil, err
		}
		res, err := fn(r)
		if err != nil && ctx.Err() == nil {
			c.drop()
		}
		return res, err
	})
}

// Query runs filter against every relay and merges the results, deduplicated
// by event ID. Relays that fail are logged and skipped; an error is returned
// only when every relay failed, alongside whatever was collected.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if len(p.conns) == 0 {
		return nil, ErrNoRelays
	}

	results := make([][]*nostr.Event, len(p.conns))
	errs := make([]error, len(p.conns))
	var g errgroup.Group
	for i, c := range p.conns {
		g.Go(func() error {
			res, err := p.do(ctx, c, func(r *nostr.Relay) (interface{}, error) {
				return r.QuerySync(ctx, filter)
			})
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.url, err)
				p.logger.Warn("relay query failed", "relay", c.url, "err", err)
				return nil
			}
			results[i], _ = res.([]*nostr.Event)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var events []*nostr.Event
	failed := 0
	for i := range p.conns {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, ev := range results[i] {
			if ev == nil || seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}
	}
	if failed == len(p.conns) {
		return events, fmt.Errorf("query: all relays failed: %w", errors.Join(errs...))
	}
	return events, nil
}

// Publish sends ev to every relay, paced by the pool's publish limiter. It
// succeeds if at least one relay accepted the event.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	if p.isClosed() {
		return ErrClosed
	}
	if len(p.conns) == 0 {
		return ErrNoRelays
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	errs := make([]error, len(p.conns))
	var g errgroup.Group
	for i, c := range p.conns {
		g.Go(func() error {
			_, err := p.do(ctx, c, func(r *nostr.Relay) (interface{}, error) {
				return nil, r.Publish(ctx, ev)
			})
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.url, err)
				p.logger.Warn("relay publish failed", "relay", c.url, "kind", ev.Kind, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err == nil {
			p.metrics.Publish(true)
			return nil
		}
	}
	p.metrics.Publish(false)
	return fmt.Errorf("publish: all relays failed: %w", errors.Join(errs...))
}

// Subscribe opens filters on every reachable relay and merges live events into
// one channel, deduplicated by event ID. The channel closes when ctx is done
// or the pool is closed. It fails only if no relay accepted the subscription.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if len(p.conns) == 0 {
		return nil, ErrNoRelays
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var subs []*nostr.Subscription
	var errs []error
	for _, c := range p.conns {
		res, err := p.do(ctx, c, func(r *nostr.Relay) (interface{}, error) {
			return r.Subscribe(ctx, filters)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.url, err))
			p.logger.Warn("relay subscribe failed", "relay", c.url, "err", err)
			continue
		}
		subs = append(subs, res.(*nostr.Subscription))
	}
	if len(subs) == 0 {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", errors.Join(errs...))
	}

	seen, _ := lru.New(4096)
	out := make(chan *nostr.Event, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					if dup, _ := seen.ContainsOrAdd(ev.ID, struct{}{}); dup {
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

// Close disconnects every relay. It is idempotent and safe to call before
// any connection was made.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	for _, c := range p.conns {
		c.drop()
	}
	p.logger.Debug("relay pool closed")
	return nil
}
