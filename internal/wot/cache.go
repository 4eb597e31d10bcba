package wot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ssd-technologies/sieve/internal/metrics"
	"github.com/ssd-technologies/sieve/internal/storage"
)

// DefaultCacheTTL is how long a cached graph stays valid.
const DefaultCacheTTL = 6 * time.Hour

const cacheKeyPrefix = "wot:graph:"

var (
	ErrNoStore       = errors.New("wot: no cache store available")
	errCorruptRecord = errors.New("wot: corrupt cache record")
)

// CacheKey returns the storage key for root's graph.
func CacheKey(root string) string { return cacheKeyPrefix + root }

// Cache persists built graphs with a TTL. Records go to the primary store and
// fall back to the secondary one when the primary is nil or failing.
type Cache struct {
	primary  storage.KV
	fallback storage.KV
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCache creates a Cache. Either store may be nil.
func NewCache(primary, fallback storage.KV, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "wot-cache"),
		now:      time.Now,
	}
}

// WithMetrics attaches collectors to the cache.
func (c *Cache) WithMetrics(m *metrics.Metrics) *Cache {
	c.metrics = m
	return c
}

type cacheRecord struct {
	Graph    graphRecord `json:"graph"`
	CachedAt int64       `json:"cachedAt"`
	TTL      int64       `json:"ttl"`
}

type graphRecord struct {
	RootPubkey string            `json:"rootPubkey"`
	Nodes      []json.RawMessage `json:"nodes"`
	MaxHops    int               `json:"maxHops"`
	BuiltAt    int64             `json:"builtAt"`
}

func (c *Cache) stores() []storage.KV {
	var out []storage.KV
	if c.primary != nil {
		out = append(out, c.primary)
	}
	if c.fallback != nil {
		out = append(out, c.fallback)
	}
	return out
}

// Load returns the cached graph for root, or nil when it is absent, expired
// or unreadable. Expired and corrupt records are removed.
func (c *Cache) Load(root string) *Graph {
	key := CacheKey(root)
	for _, kv := range c.stores() {
		data, ok, err := kv.Get(key)
		if err != nil {
			c.logger.Warn("cache read failed", "root", shortKey(root), "err", err)
			continue
		}
		if !ok {
			continue
		}

		rec, g, err := decodeRecord(data)
		if err != nil {
			c.metrics.CacheLookup("corrupt")
			c.logger.Warn("discarding corrupt cached graph", "root", shortKey(root), "err", err)
			c.evict(kv, key)
			continue
		}
		if c.now().UnixMilli()-rec.CachedAt > rec.TTL {
			c.metrics.CacheLookup("expired")
			c.logger.Debug("cached graph expired", "root", shortKey(root))
			c.evict(kv, key)
			continue
		}
		if g.RootPubkey != root {
			c.metrics.CacheLookup("corrupt")
			c.evict(kv, key)
			continue
		}
		c.metrics.CacheLookup("hit")
		return g
	}
	c.metrics.CacheLookup("miss")
	return nil
}

// Save stores g under its root with the given ttl (DefaultCacheTTL if ttl <= 0).
func (c *Cache) Save(g *Graph, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	data, err := c.encodeRecord(g, ttl)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}

	key := CacheKey(g.RootPubkey)
	var errs []error
	for _, kv := range c.stores() {
		if err := kv.Put(key, data); err != nil {
			c.logger.Warn("cache write failed, trying fallback", "root", shortKey(g.RootPubkey), "err", err)
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNoStore
	}
	return fmt.Errorf("save graph: %w", errors.Join(errs...))
}

// Clear removes any cached graph for root from both stores.
func (c *Cache) Clear(root string) error {
	var errs []error
	for _, kv := range c.stores() {
		if err := kv.Delete(CacheKey(root)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) evict(kv storage.KV, key string) {
	if err := kv.Delete(key); err != nil {
		c.logger.Warn("cache evict failed", "key", key, "err", err)
	}
}

func (c *Cache) encodeRecord(g *Graph, ttl time.Duration) ([]byte, error) {
	rec := cacheRecord{
		Graph: graphRecord{
			RootPubkey: g.RootPubkey,
			MaxHops:    g.MaxHops,
			BuiltAt:    g.BuiltAt.UnixMilli(),
		},
		CachedAt: c.now().UnixMilli(),
		TTL:      ttl.Milliseconds(),
	}
	for _, pk := range g.sortedPubkeys() {
		entry, err := json.Marshal([]any{pk, g.Nodes[pk]})
		if err != nil {
			return nil, err
		}
		rec.Graph.Nodes = append(rec.Graph.Nodes, entry)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*cacheRecord, *Graph, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decompress: %v", errCorruptRecord, err)
	}

	var rec cacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.Graph.RootPubkey == "" || rec.TTL <= 0 {
		return nil, nil, fmt.Errorf("%w: missing root or ttl", errCorruptRecord)
	}

	g := &Graph{
		RootPubkey: rec.Graph.RootPubkey,
		Nodes:      make(map[string]*Node, len(rec.Graph.Nodes)),
		MaxHops:    rec.Graph.MaxHops,
		BuiltAt:    time.UnixMilli(rec.Graph.BuiltAt),
	}
	for _, entry := range rec.Graph.Nodes {
		var pair []json.RawMessage
		if err := json.Unmarshal(entry, &pair); err != nil || len(pair) != 2 {
			return nil, nil, fmt.Errorf("%w: bad node entry", errCorruptRecord)
		}
		var pk string
		var n Node
		if err := json.Unmarshal(pair[0], &pk); err != nil {
			return nil, nil, fmt.Errorf("%w: bad node key", errCorruptRecord)
		}
		if err := json.Unmarshal(pair[1], &n); err != nil || n.Pubkey != pk {
			return nil, nil, fmt.Errorf("%w: bad node %s", errCorruptRecord, shortKey(pk))
		}
		g.Nodes[pk] = &n
	}
	if root, ok := g.Nodes[g.RootPubkey]; !ok || root.HopDistance != 0 {
		return nil, nil, fmt.Errorf("%w: root node missing", errCorruptRecord)
	}
	return &rec, g, nil
}
