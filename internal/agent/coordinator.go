// Package agent coordinates presence, discovery and the D2A content exchange
// with peers, gating every exchange on fused graph trust and reputation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/d2a"
	"github.com/ssd-technologies/sieve/internal/manifest"
	"github.com/ssd-technologies/sieve/internal/metrics"
	"github.com/ssd-technologies/sieve/internal/ratelimit"
	"github.com/ssd-technologies/sieve/internal/reputation"
	"github.com/ssd-technologies/sieve/internal/wot"
)

var (
	ErrAlreadyStarted  = errors.New("agent: already started")
	ErrStopped         = errors.New("agent: stopped")
	ErrUnknownPeer     = errors.New("agent: peer not discovered")
	ErrPeerRestricted  = errors.New("agent: peer is blocked or restricted")
	ErrHandshakeActive = errors.New("agent: handshake already in progress")
)

// Transport is the relay network as seen by the coordinator.
type Transport interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Close() error
}

// ContentSource supplies the scored items this agent can offer.
type ContentSource interface {
	Items() []content.Item
}

// ContentSink receives delivered items and returns the scorer's verdict.
type ContentSink interface {
	Receive(item content.Item) (content.Verdict, error)
}

// Config tunes a Coordinator.
type Config struct {
	SecretKey         string
	PresenceInterval  time.Duration
	DiscoveryWindow   time.Duration
	OffersPerExchange int
	InboundRate       int // events per second per peer
	InboundBurst      int
	MaxHandshakes     int
	SeenCapacity      uint // event IDs per dedup generation
}

func (c *Config) setDefaults() {
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 10 * time.Minute
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = time.Hour
	}
	if c.OffersPerExchange <= 0 {
		c.OffersPerExchange = 3
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 2
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 10
	}
	if c.MaxHandshakes <= 0 {
		c.MaxHandshakes = 256
	}
	if c.SeenCapacity == 0 {
		c.SeenCapacity = 50_000
	}
}

// Coordinator runs one agent identity's side of the exchange protocol.
type Coordinator struct {
	cfg       Config
	pubkey    string
	transport Transport
	sender    *d2a.Sender
	ledger    *reputation.Ledger
	source    ContentSource
	sink      ContentSink
	activity  *ActivityLog
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// exchangeMu serializes protocol transitions: inbound events and
	// outbound offers never interleave.
	exchangeMu sync.Mutex
	handshakes *lru.Cache // peer pubkey -> *d2a.Handshake
	seen       *seenFilter

	mu      sync.Mutex
	graph   *wot.Graph
	peers   map[string]*Peer
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator for the identity owning cfg.SecretKey.
func New(cfg Config, transport Transport, ledger *reputation.Ledger, source ContentSource, sink ContentSink, logger *slog.Logger) (*Coordinator, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	sender, err := d2a.NewSender(cfg.SecretKey, transport)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.InboundRate, cfg.InboundBurst)
	if err != nil {
		return nil, err
	}
	handshakes, err := lru.New(cfg.MaxHandshakes)
	if err != nil {
		return nil, fmt.Errorf("handshake table: %w", err)
	}
	if ledger == nil {
		ledger = reputation.NewLedger(nil, logger)
	}
	return &Coordinator{
		cfg:        cfg,
		pubkey:     sender.Pubkey(),
		transport:  transport,
		sender:     sender,
		ledger:     ledger,
		source:     source,
		sink:       sink,
		activity:   NewActivityLog(),
		limiter:    limiter,
		logger:     logger.With("component", "agent"),
		now:        time.Now,
		handshakes: handshakes,
		seen:       newSeenFilter(cfg.SeenCapacity, 0.001),
		peers:      make(map[string]*Peer),
	}, nil
}

// WithMetrics attaches collectors to the coordinator and its sender.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	c.sender.WithMetrics(m)
	return c
}

// Pubkey returns the agent's public key.
func (c *Coordinator) Pubkey() string { return c.pubkey }

// Activity returns the coordinator's activity log.
func (c *Coordinator) Activity() *ActivityLog { return c.activity }

// Ledger returns the reputation ledger.
func (c *Coordinator) Ledger() *reputation.Ledger { return c.ledger }

// SetGraph installs the trust graph used for policy decisions.
func (c *Coordinator) SetGraph(g *wot.Graph) {
	c.mu.Lock()
	c.graph = g
	c.mu.Unlock()
}

// Graph returns the current trust graph, or nil.
func (c *Coordinator) Graph() *wot.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// Start broadcasts presence, discovers peers and subscribes to inbound
// messages. Presence and discovery failures are logged; failing to subscribe
// is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.broadcastPresence(ctx)
	c.discover(ctx)

	events, err := c.transport.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{d2a.KindD2A},
		Tags:  nostr.TagMap{"p": []string{c.pubkey}},
		Since: nostrTime(c.now()),
	}})
	if err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("subscribe failed: %v", err), "")
		close(c.done)
		return fmt.Errorf("subscribe: %w", err)
	}
	c.activity.Add(EntrySubscribe, "listening for D2A messages", "")

	go c.run(ctx, events)
	c.logger.Info("agent started", "pubkey", c.pubkey)
	return nil
}

func (c *Coordinator) run(ctx context.Context, events <-chan *nostr.Event) {
	defer close(c.done)
	presence := time.NewTicker(c.cfg.PresenceInterval)
	defer presence.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, ev)
		case <-presence.C:
			c.broadcastPresence(ctx)
			c.discover(ctx)
		}
	}
}

// Stop shuts the coordinator down and closes the transport. It is
// idempotent and safe to call before Start.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.transport.Close()
	if done != nil {
		<-done
	}
	c.logger.Info("agent stopped")
	return err
}

func (c *Coordinator) broadcastPresence(ctx context.Context) {
	m := manifest.Build(c.items())
	ev, err := presenceEvent(c.pubkey, m, c.now())
	if err == nil {
		err = ev.Sign(c.cfg.SecretKey)
	}
	if err == nil {
		err = c.transport.Publish(ctx, ev)
	}
	if err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("presence broadcast failed: %v", err), "")
		c.logger.Warn("presence broadcast failed", "err", err)
		return
	}
	c.activity.Add(EntryPresence, fmt.Sprintf("broadcast presence with %d manifest entries", len(m.Entries)), "")
}

func (c *Coordinator) discover(ctx context.Context) {
	events, err := c.transport.Query(ctx, nostr.Filter{
		Kinds: []int{KindPresence},
		Tags:  nostr.TagMap{"d": []string{PresenceTag}},
		Since: nostrTime(c.now().Add(-c.cfg.DiscoveryWindow)),
	})
	if err != nil && len(events) == 0 {
		c.activity.Add(EntryError, fmt.Sprintf("discovery failed: %v", err), "")
		c.logger.Warn("discovery failed", "err", err)
		return
	}

	found := 0
	c.mu.Lock()
	for _, ev := range events {
		if ev == nil || ev.PubKey == c.pubkey {
			continue
		}
		p, err := parsePresence(ev)
		if err != nil {
			c.logger.Debug("ignoring presence", "peer", ev.PubKey, "err", err)
			continue
		}
		if cur, ok := c.peers[p.Pubkey]; ok && cur.SeenAt.After(p.SeenAt) {
			continue
		}
		c.peers[p.Pubkey] = p
		found++
	}
	total := len(c.peers)
	c.mu.Unlock()

	c.activity.Add(EntryDiscovery, fmt.Sprintf("discovered %d peers (%d known)", found, total), "")
}

// Peers returns the discovered peers sorted by pubkey.
func (c *Coordinator) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out
}

// Trust is the fused trust view of one peer.
type Trust struct {
	Graph      wot.Score             `json:"graph"`
	Reputation reputation.Peer       `json:"reputation"`
	Assessment reputation.Assessment `json:"assessment"`
}

// Assess fuses the peer's graph position with its reputation.
func (c *Coordinator) Assess(peer string) Trust {
	score := wot.Score{Pubkey: peer, HopDistance: wot.Unreachable}
	if g := c.Graph(); g != nil {
		score = g.Score(peer)
	}
	rep, ok := c.ledger.Get(peer)
	if !ok {
		rep = reputation.Peer{Pubkey: peer}
	}
	return Trust{Graph: score, Reputation: rep, Assessment: reputation.Assess(score.TrustScore, rep)}
}

// HandleEvent processes one inbound D2A event. Every failure is recorded in
// the activity log; nothing escapes to the caller.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *nostr.Event) {
	if ev == nil {
		return
	}
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.activity.Add(EntryError, fmt.Sprintf("panic handling event: %v", r), ev.PubKey)
			c.logger.Error("panic handling event", "peer", ev.PubKey, "panic", r)
		}
	}()

	if ev.Kind != d2a.KindD2A || ev.PubKey == c.pubkey {
		return
	}
	if !c.limiter.Allow(ev.PubKey) {
		c.metrics.Limited()
		c.logger.Debug("inbound rate limited", "peer", ev.PubKey)
		return
	}

	msg, err := d2a.Parse(ev.Content, c.cfg.SecretKey, ev.PubKey)
	if err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("dropped message: %v", err), ev.PubKey)
		return
	}
	if msg.FromPubkey != ev.PubKey || msg.ToPubkey != c.pubkey {
		c.activity.Add(EntryError, "dropped message: sender mismatch", ev.PubKey)
		return
	}
	// Only authenticated messages reach the dedup filter.
	if c.seen.TestAndAdd(ev.ID) {
		return
	}
	c.metrics.Message("in", string(msg.Type()))

	switch p := msg.Payload.(type) {
	case d2a.Offer:
		c.handleOffer(ctx, ev.PubKey, p)
	case d2a.Accept:
		c.handleAccept(ctx, ev.PubKey)
	case d2a.Reject:
		c.handleReject(ev.PubKey)
	case d2a.Deliver:
		c.handleDeliver(ev.PubKey, p)
	}
	c.metrics.SetActiveHandshakes(c.handshakes.Len())
}

func (c *Coordinator) handleOffer(ctx context.Context, peer string, offer d2a.Offer) {
	c.activity.Add(EntryOfferReceived, fmt.Sprintf("offer on %q scored %.1f", offer.Topic, offer.Score), peer)

	if hs := c.handshake(peer); hs != nil {
		c.reject(ctx, peer, "handshake already in progress")
		return
	}

	trust := c.Assess(peer)
	d := Decide(offer, trust.Graph.TrustScore, trust.Reputation)
	if !d.Accept {
		c.reject(ctx, peer, d.Reason)
		return
	}

	hs := &d2a.Handshake{
		PeerID:       peer,
		Phase:        d2a.PhaseOffered,
		OfferedTopic: offer.Topic,
		OfferedScore: offer.Score,
		StartedAt:    c.now(),
	}
	if err := c.sender.SendAccept(ctx, peer); err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("send accept: %v", err), peer)
		return
	}
	_ = hs.Advance(d2a.PhaseAccepted)
	c.handshakes.Add(peer, hs)
	c.activity.Add(EntryAccept, fmt.Sprintf("accepted offer on %q (%s, fee %d)", offer.Topic, d.Assessment.Tier, d.Assessment.Fee), peer)
}

func (c *Coordinator) reject(ctx context.Context, peer, reason string) {
	if err := c.sender.SendReject(ctx, peer); err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("send reject: %v", err), peer)
		return
	}
	c.metrics.HandshakeFinished(string(d2a.PhaseRejected))
	c.activity.Add(EntryReject, "rejected offer: "+reason, peer)
	c.logger.Info("offer rejected", "peer", peer, "reason", reason)
}

func (c *Coordinator) handleAccept(ctx context.Context, peer string) {
	hs := c.handshake(peer)
	if hs == nil || !hs.Outbound || hs.Phase != d2a.PhaseOffered {
		c.logger.Debug("ignoring unexpected accept", "peer", peer)
		return
	}
	if err := hs.Advance(d2a.PhaseAccepted); err != nil {
		c.activity.Add(EntryError, err.Error(), peer)
		return
	}
	c.activity.Add(EntryAccept, fmt.Sprintf("peer accepted offer on %q", hs.OfferedTopic), peer)

	item, ok := c.itemByHash(hs.ItemHash)
	if !ok {
		_ = hs.Advance(d2a.PhaseRejected)
		c.handshakes.Remove(peer)
		c.activity.Add(EntryError, "offered item no longer available", peer)
		return
	}

	_ = hs.Advance(d2a.PhaseDelivering)
	if err := c.sender.DeliverContent(ctx, peer, item); err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("deliver: %v", err), peer)
		return
	}
	_ = hs.Advance(d2a.PhaseCompleted)
	c.handshakes.Remove(peer)
	c.metrics.HandshakeFinished(string(d2a.PhaseCompleted))
	c.activity.Add(EntryDeliver, fmt.Sprintf("delivered %q", hs.OfferedTopic), peer)
}

func (c *Coordinator) handleReject(peer string) {
	hs := c.handshake(peer)
	if hs == nil || !hs.Outbound {
		return
	}
	if err := hs.Advance(d2a.PhaseRejected); err != nil {
		c.logger.Debug("ignoring reject", "peer", peer, "phase", hs.Phase)
		return
	}
	c.handshakes.Remove(peer)
	c.metrics.HandshakeFinished(string(d2a.PhaseRejected))
	c.activity.Add(EntryReject, fmt.Sprintf("peer rejected offer on %q", hs.OfferedTopic), peer)
	c.logger.Info("offer rejected by peer", "peer", peer)
}

func (c *Coordinator) handleDeliver(peer string, d d2a.Deliver) {
	hs := c.handshake(peer)
	if hs == nil || hs.Outbound || hs.Phase != d2a.PhaseAccepted {
		c.activity.Add(EntryError, "unsolicited delivery", peer)
		return
	}
	if !containsTopic(d.Topics, hs.OfferedTopic) {
		_ = hs.Advance(d2a.PhaseRejected)
		c.handshakes.Remove(peer)
		c.metrics.HandshakeFinished(string(d2a.PhaseRejected))
		c.activity.Add(EntryError, fmt.Sprintf("delivery does not match offer on %q", hs.OfferedTopic), peer)
		c.logger.Warn("delivered topics do not match offer", "peer", peer, "offered", hs.OfferedTopic, "topics", d.Topics)
		return
	}
	_ = hs.Advance(d2a.PhaseDelivering)

	item := d.Item(peer, c.now().UnixMilli())
	c.activity.Add(EntryContentReceived, fmt.Sprintf("received %q from %s", firstTopic(item), shortKey(peer)), peer)

	if c.sink != nil {
		verdict, err := c.sink.Receive(item)
		switch {
		case err != nil:
			c.activity.Add(EntryError, fmt.Sprintf("content sink: %v", err), peer)
		case verdict == content.VerdictQuality:
			c.recordFeedback(peer, true)
		case verdict == content.VerdictSlop:
			c.recordFeedback(peer, false)
		}
	}

	_ = hs.Advance(d2a.PhaseCompleted)
	c.handshakes.Remove(peer)
	c.metrics.HandshakeFinished(string(d2a.PhaseCompleted))
}

// ReportUseful records that peer delivered useful content.
func (c *Coordinator) ReportUseful(peer string) (reputation.Peer, error) {
	return c.recordFeedback(peer, true)
}

// ReportSlop records that peer delivered slop.
func (c *Coordinator) ReportSlop(peer string) (reputation.Peer, error) {
	return c.recordFeedback(peer, false)
}

func (c *Coordinator) recordFeedback(peer string, useful bool) (reputation.Peer, error) {
	kind := "slop"
	record := c.ledger.RecordSlop
	if useful {
		kind = "useful"
		record = c.ledger.RecordUseful
	}
	p, err := record(peer)
	if err != nil {
		c.logger.Warn("reputation not persisted", "peer", peer, "err", err)
	}
	c.metrics.FeedbackRecorded(kind)
	msg := fmt.Sprintf("marked %s (score %d)", kind, p.Score)
	if p.Blocked {
		msg += ", blocked"
	}
	c.activity.Add(EntryFeedback, msg, peer)
	return p, err
}

// ExchangeWith offers the best item peer has not advertised, if the exchange
// policy allows it. It reports whether an offer was sent.
func (c *Coordinator) ExchangeWith(ctx context.Context, peer string) (bool, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	c.mu.Lock()
	info, ok := c.peers[peer]
	c.mu.Unlock()
	if !ok {
		return false, ErrUnknownPeer
	}

	trust := c.Assess(peer)
	if trust.Reputation.Blocked || trust.Assessment.Tier == reputation.TierRestricted {
		return false, ErrPeerRestricted
	}
	if c.handshake(peer) != nil {
		return false, ErrHandshakeActive
	}

	candidates := manifest.Diff(c.items(), info.Manifest)
	if len(candidates) == 0 {
		return false, nil
	}
	best := candidates[0]
	offer := d2a.Offer{
		Topic:          best.Topics[0],
		Score:          content.Round1(best.Composite()),
		ContentPreview: preview(best.Text, 140),
	}
	hs, err := c.sender.SendOffer(ctx, peer, offer)
	if err != nil {
		c.activity.Add(EntryError, fmt.Sprintf("send offer: %v", err), peer)
		return false, err
	}
	hs.ItemHash = best.Hash()
	c.handshakes.Add(peer, hs)
	c.metrics.SetActiveHandshakes(c.handshakes.Len())
	c.activity.Add(EntryOfferSent, fmt.Sprintf("offered %q scored %.1f", offer.Topic, offer.Score), peer)
	return true, nil
}

// ExchangeAll runs ExchangeWith against discovered peers, most trusted first,
// until OffersPerExchange offers were sent. It returns the number sent.
func (c *Coordinator) ExchangeAll(ctx context.Context) int {
	peers := c.Peers()
	sort.SliceStable(peers, func(i, j int) bool {
		return c.Assess(peers[i].Pubkey).Assessment.Effective > c.Assess(peers[j].Pubkey).Assessment.Effective
	})

	sent := 0
	for _, p := range peers {
		if sent >= c.cfg.OffersPerExchange {
			break
		}
		ok, err := c.ExchangeWith(ctx, p.Pubkey)
		if err != nil {
			c.logger.Debug("exchange skipped", "peer", p.Pubkey, "err", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

// handshake returns the live handshake with peer, dropping it if expired.
func (c *Coordinator) handshake(peer string) *d2a.Handshake {
	v, ok := c.handshakes.Get(peer)
	if !ok {
		return nil
	}
	hs := v.(*d2a.Handshake)
	if hs.ExpiredAt(c.now()) {
		c.handshakes.Remove(peer)
		c.logger.Debug("handshake expired", "peer", peer, "phase", hs.Phase)
		return nil
	}
	return hs
}

// Handshakes returns copies of the live handshakes, collecting expired ones.
// It must not be called while exchangeMu is held.
func (c *Coordinator) Handshakes() []d2a.Handshake {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()
	var out []d2a.Handshake
	for _, k := range c.handshakes.Keys() {
		if hs := c.handshake(k.(string)); hs != nil {
			out = append(out, *hs)
		}
	}
	return out
}

// State is a snapshot of the coordinator.
type State struct {
	Pubkey     string          `json:"pubkey"`
	Activity   []ActivityEntry `json:"activity"`
	Handshakes int             `json:"handshakes"`
	Peers      int             `json:"peers"`
	GraphNodes int             `json:"graphNodes"`
}

// State returns a snapshot. The activity slice is a fresh copy on every call.
func (c *Coordinator) State() State {
	s := State{
		Pubkey:     c.pubkey,
		Activity:   c.activity.Entries(),
		Handshakes: len(c.Handshakes()),
	}
	c.mu.Lock()
	s.Peers = len(c.peers)
	if c.graph != nil {
		s.GraphNodes = c.graph.Size()
	}
	c.mu.Unlock()
	return s
}

func (c *Coordinator) items() []content.Item {
	if c.source == nil {
		return nil
	}
	return c.source.Items()
}

func (c *Coordinator) itemByHash(hash string) (content.Item, bool) {
	for _, it := range c.items() {
		if it.Hash() == hash {
			return it, true
		}
	}
	return content.Item{}, false
}

func nostrTime(t time.Time) *nostr.Timestamp {
	ts := nostr.Timestamp(t.Unix())
	return &ts
}

func preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "…"
}

func firstTopic(it content.Item) string {
	if len(it.Topics) == 0 {
		return ""
	}
	return it.Topics[0]
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func shortKey(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[:8]
}
