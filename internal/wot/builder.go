package wot

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/sieve/internal/metrics"
)

// ErrEmptyRoot is returned when Build is called without a root identity.
var ErrEmptyRoot = errors.New("wot: empty root pubkey")

// FollowList is one identity's published follow list.
type FollowList struct {
	Author    string
	Follows   []string
	CreatedAt time.Time
}

// FollowSource fetches follow lists for a batch of authors. Implementations
// may return partial results together with an error; the builder keeps them.
type FollowSource interface {
	FollowLists(ctx context.Context, authors []string) ([]FollowList, error)
}

// BuilderConfig bounds a graph crawl.
type BuilderConfig struct {
	MaxHops     int           // crawl depth from the root
	MaxNodes    int           // node cap, root included
	HopTimeout  time.Duration // deadline for all batches of one hop
	BatchSize   int           // authors per follow-list query
	Concurrency int           // batches in flight within a hop
}

// DefaultBuilderConfig returns the crawl bounds used when none are configured.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MaxHops:     2,
		MaxNodes:    2000,
		HopTimeout:  10 * time.Second,
		BatchSize:   50,
		Concurrency: 4,
	}
}

// Builder crawls a follow graph breadth-first from a root identity.
type Builder struct {
	source  FollowSource
	cfg     BuilderConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBuilder creates a Builder. Zero config fields fall back to defaults.
func NewBuilder(source FollowSource, cfg BuilderConfig, logger *slog.Logger) *Builder {
	def := DefaultBuilderConfig()
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = def.MaxNodes
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = def.HopTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "wot"),
		now:    time.Now,
	}
}

// WithMetrics attaches collectors to the builder.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// Build crawls the follow graph from root. Failed or timed-out batches are
// logged and the crawl continues with whatever returned. If ctx is cancelled
// mid-crawl the partial graph is returned together with ctx.Err().
func (b *Builder) Build(ctx context.Context, root string) (*Graph, error) {
	if root == "" {
		return nil, ErrEmptyRoot
	}
	start := b.now()

	nodes := map[string]*Node{root: {Pubkey: root}}
	frontier := []string{root}
	var ctxErr error

	for hop := 1; hop <= b.cfg.MaxHops; hop++ {
		if len(frontier) == 0 || len(nodes) >= b.cfg.MaxNodes {
			break
		}
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		lists := b.fetchHop(ctx, hop, frontier)

		var next []string
		for _, author := range frontier {
			list, ok := lists[author]
			if !ok {
				continue
			}
			follows := uniqueFollows(author, list.Follows)
			nodes[author].Follows = follows

			for _, pk := range follows {
				if len(nodes) >= b.cfg.MaxNodes {
					break
				}
				if _, seen := nodes[pk]; seen {
					continue
				}
				nodes[pk] = &Node{Pubkey: pk, HopDistance: hop}
				next = append(next, pk)
			}
		}

		b.logger.Debug("hop complete", "hop", hop, "frontier", len(frontier), "lists", len(lists), "discovered", len(next), "nodes", len(nodes))
		sort.Strings(next)
		frontier = next
	}

	computeMutualFollows(root, nodes)

	g := &Graph{
		RootPubkey: root,
		Nodes:      nodes,
		MaxHops:    b.cfg.MaxHops,
		BuiltAt:    b.now(),
	}
	b.metrics.ObserveGraphBuild(len(nodes), b.now().Sub(start))
	b.logger.Info("trust graph built", "root", shortKey(root), "nodes", len(nodes), "took", b.now().Sub(start))
	return g, ctxErr
}

// fetchHop queries follow lists for the frontier in concurrent batches under
// one hop deadline and returns the newest list per author.
func (b *Builder) fetchHop(ctx context.Context, hop int, frontier []string) map[string]FollowList {
	hopCtx, cancel := context.WithTimeout(ctx, b.cfg.HopTimeout)
	defer cancel()

	batches := chunk(frontier, b.cfg.BatchSize)
	results := make([][]FollowList, len(batches))

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			lists, err := b.source.FollowLists(hopCtx, batch)
			if err != nil {
				b.metrics.RelayBatchFailed("wot")
				b.logger.Warn("follow list batch failed", "hop", hop, "batch", i, "authors", len(batch), "partial", len(lists), "err", err)
			}
			results[i] = lists
			return nil
		})
	}
	_ = g.Wait()

	latest := make(map[string]FollowList)
	for _, lists := range results {
		for _, l := range lists {
			if cur, ok := latest[l.Author]; !ok || l.CreatedAt.After(cur.CreatedAt) {
				latest[l.Author] = l
			}
		}
	}
	return latest
}

// computeMutualFollows counts, for every node, how many of the root's direct
// followees follow it. Only the root's follow set is walked, so mutuality
// further out is undercounted.
func computeMutualFollows(root string, nodes map[string]*Node) {
	r, ok := nodes[root]
	if !ok {
		return
	}
	for _, f := range r.Follows {
		fn, ok := nodes[f]
		if !ok {
			continue
		}
		for _, pk := range fn.Follows {
			if pk == root {
				continue
			}
			if n, ok := nodes[pk]; ok {
				n.MutualFollows++
			}
		}
	}
}

// uniqueFollows drops duplicates and self-follows, preserving order.
func uniqueFollows(author string, follows []string) []string {
	seen := make(map[string]struct{}, len(follows))
	out := make([]string, 0, len(follows))
	for _, pk := range follows {
		if pk == author || pk == "" {
			continue
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	return out
}

func chunk(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

func shortKey(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[:8]
}
