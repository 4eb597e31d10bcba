// Package reputation tracks per-peer behavioral reputation from content
// feedback and fuses it with graph trust into tiers and fees.
package reputation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/sieve/internal/storage"
)

const (
	// SlopWeight is how many useful deliveries one slop delivery cancels.
	SlopWeight = 3
	// BlockThreshold is the score at or below which a peer is blocked.
	BlockThreshold = -5

	ledgerKey     = "reputation:ledger"
	ledgerVersion = 1
)

// Peer is the reputation record for one peer.
type Peer struct {
	Pubkey    string `json:"pubkey"`
	Useful    int    `json:"useful"`
	Slop      int    `json:"slop"`
	Score     int    `json:"score"`
	Blocked   bool   `json:"blocked"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (p *Peer) recompute() {
	p.Score = p.Useful - SlopWeight*p.Slop
	p.Blocked = p.Score <= BlockThreshold
}

// Ledger holds reputation for every peer seen. It is safe for concurrent use.
// Memory is authoritative; the store is written after every change.
type Ledger struct {
	mu     sync.Mutex
	peers  map[string]*Peer
	store  storage.KV
	logger *slog.Logger
	now    func() time.Time
}

type ledgerRecord struct {
	Version int               `json:"version"`
	Peers   []json.RawMessage `json:"peers"`
}

// NewLedger creates a ledger and loads any persisted record from store. A
// malformed or version-mismatched record is discarded and the ledger starts
// empty. store may be nil for an in-memory ledger.
func NewLedger(store storage.KV, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		peers:  make(map[string]*Peer),
		store:  store,
		logger: logger.With("component", "reputation"),
		now:    time.Now,
	}
	l.load()
	return l
}

func (l *Ledger) load() {
	if l.store == nil {
		return
	}
	data, ok, err := l.store.Get(ledgerKey)
	if err != nil {
		l.logger.Warn("reputation load failed", "err", err)
		return
	}
	if !ok {
		return
	}
	peers, err := decodeLedger(data)
	if err != nil {
		l.logger.Warn("discarding reputation record", "err", err)
		if err := l.store.Delete(ledgerKey); err != nil {
			l.logger.Warn("reputation discard failed", "err", err)
		}
		return
	}
	l.peers = peers
	l.logger.Debug("reputation loaded", "peers", len(peers))
}

func decodeLedger(data []byte) (map[string]*Peer, error) {
	var rec ledgerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if rec.Version != ledgerVersion {
		return nil, fmt.Errorf("ledger version %d, want %d", rec.Version, ledgerVersion)
	}
	peers := make(map[string]*Peer, len(rec.Peers))
	for i, raw := range rec.Peers {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("ledger entry %d: not a pair", i)
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil || key == "" {
			return nil, fmt.Errorf("ledger entry %d: bad key", i)
		}
		var p Peer
		if err := json.Unmarshal(pair[1], &p); err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", i, err)
		}
		if p.Useful < 0 || p.Slop < 0 {
			return nil, fmt.Errorf("ledger entry %d: negative counts", i)
		}
		p.Pubkey = key
		p.recompute()
		peers[key] = &p
	}
	return peers, nil
}

// persist writes the ledger. Caller must hold l.mu.
func (l *Ledger) persist() error {
	if l.store == nil {
		return nil
	}
	rec := ledgerRecord{Version: ledgerVersion, Peers: make([]json.RawMessage, 0, len(l.peers))}
	for _, key := range l.sortedKeys() {
		entry, err := json.Marshal([]any{key, l.peers[key]})
		if err != nil {
			return fmt.Errorf("encode peer: %w", err)
		}
		rec.Peers = append(rec.Peers, entry)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := l.store.Put(ledgerKey, data); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) sortedKeys() []string {
	keys := make([]string, 0, len(l.peers))
	for k := range l.peers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *Ledger) record(pubkey string, useful bool) (Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peers[pubkey]
	if !ok {
		p = &Peer{Pubkey: pubkey}
		l.peers[pubkey] = p
	}
	wasBlocked := p.Blocked
	if useful {
		p.Useful++
	} else {
		p.Slop++
	}
	p.recompute()
	p.UpdatedAt = l.now().UnixMilli()

	switch {
	case p.Blocked && !wasBlocked:
		l.logger.Info("peer blocked", "peer", pubkey, "score", p.Score)
	case !p.Blocked && wasBlocked:
		l.logger.Info("peer unblocked", "peer", pubkey, "score", p.Score)
	}
	return *p, l.persist()
}

// RecordUseful credits pubkey with a useful delivery and returns the updated
// record. A persistence error is returned but the in-memory update stands.
func (l *Ledger) RecordUseful(pubkey string) (Peer, error) {
	return l.record(pubkey, true)
}

// RecordSlop debits pubkey for a slop delivery; see RecordUseful.
func (l *Ledger) RecordSlop(pubkey string) (Peer, error) {
	return l.record(pubkey, false)
}

// Get returns the record for pubkey, if any.
func (l *Ledger) Get(pubkey string) (Peer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[pubkey]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// IsBlocked reports whether pubkey is blocked. Unknown peers are not.
func (l *Ledger) IsBlocked(pubkey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[pubkey]
	return ok && p.Blocked
}

// All returns a copy of every record, highest score first.
func (l *Ledger) All() []Peer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Peer, 0, len(l.peers))
	for _, k := range l.sortedKeys() {
		out = append(out, *l.peers[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Len returns the number of tracked peers.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Reset forgets every peer and removes the stored record.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = make(map[string]*Peer)
	if l.store == nil {
		return nil
	}
	if err := l.store.Delete(ledgerKey); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	return nil
}
