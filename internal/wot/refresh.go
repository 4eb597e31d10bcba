package wot

import (
	"context"
	"time"
)

// GraphBuilder builds a trust graph rooted at a pubkey.
type GraphBuilder interface {
	Build(ctx context.Context, root string) (*Graph, error)
}

// Refresh returns a fresh cached graph for root when one exists and force is
// false. Otherwise it builds a new graph and caches it. A build interrupted
// by ctx yields the partial graph and the error; partial graphs are not cached.
func Refresh(ctx context.Context, c *Cache, b GraphBuilder, root string, ttl time.Duration, force bool) (g *Graph, cached bool, err error) {
	if c != nil && !force {
		if g := c.Load(root); g != nil {
			return g, true, nil
		}
	}
	g, err = b.Build(ctx, root)
	if err != nil {
		return g, false, err
	}
	if c != nil {
		if err := c.Save(g, ttl); err != nil {
			c.logger.Warn("trust graph not cached", "root", shortKey(root), "err", err)
		}
	}
	return g, false, nil
}
