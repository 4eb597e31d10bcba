package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/d2a"
	"github.com/ssd-technologies/sieve/internal/reputation"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNet is an in-memory relay shared by fake transports.
type fakeNet struct {
	mu     sync.Mutex
	events []*nostr.Event
	subs   []*fakeSub
}

type fakeSub struct {
	filters nostr.Filters
	ch      chan *nostr.Event
	closed  bool
}

func (n *fakeNet) publish(ev nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := ev
	n.events = append(n.events, &cp)
	for _, s := range n.subs {
		if s.closed || !s.filters.Match(&cp) {
			continue
		}
		select {
		case s.ch <- &cp:
		default:
		}
	}
}

func (n *fakeNet) query(f nostr.Filter) []*nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range n.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// lastFor returns the most recent D2A event addressed to pubkey.
func (n *fakeNet) lastFor(t *testing.T, pubkey string) *nostr.Event {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		ev := n.events[i]
		if ev.Kind == d2a.KindD2A && tagValue(ev.Tags, "p") == pubkey {
			return ev
		}
	}
	t.Fatalf("no event for %s", pubkey[:8])
	return nil
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeTransport struct {
	net         *fakeNet
	mu          sync.Mutex
	closed      int
	subs        []*fakeSub
	failPublish bool
}

func (f *fakeTransport) Publish(_ context.Context, ev nostr.Event) error {
	if f.failPublish {
		return errors.New("relays unreachable")
	}
	f.net.publish(ev)
	return nil
}

func (f *fakeTransport) Query(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return f.net.query(filter), nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	s := &fakeSub{filters: filters, ch: make(chan *nostr.Event, 64)}
	f.net.mu.Lock()
	f.net.subs = append(f.net.subs, s)
	f.net.mu.Unlock()
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.closeSub(s)
	}()
	return s.ch, nil
}

func (f *fakeTransport) closeSub(s *fakeSub) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	subs := f.subs
	f.mu.Unlock()
	for _, s := range subs {
		f.closeSub(s)
	}
	return nil
}

type staticSource []content.Item

func (s staticSource) Items() []content.Item { return s }

type recordingSink struct {
	mu       sync.Mutex
	verdict  content.Verdict
	received []content.Item
	panics   bool
}

func (r *recordingSink) Receive(it content.Item) (content.Verdict, error) {
	if r.panics {
		panic("scorer exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, it)
	return r.verdict, nil
}

func (r *recordingSink) items() []content.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]content.Item(nil), r.received...)
}

type testAgent struct {
	*Coordinator
	sk        string
	transport *fakeTransport
	sink      *recordingSink
}

func newTestAgent(t *testing.T, net *fakeNet, items []content.Item, cfg Config) *testAgent {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	cfg.SecretKey = sk
	tr := &fakeTransport{net: net}
	sink := &recordingSink{verdict: content.VerdictQuality}
	c, err := New(cfg, tr, reputation.NewLedger(nil, quietLogger()), staticSource(items), sink, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return &testAgent{Coordinator: c, sk: sk, transport: tr, sink: sink}
}

func goodItem(text string, score float64, topic string) content.Item {
	return content.Item{
		Text:    text,
		Author:  "author",
		Verdict: content.VerdictQuality,
		Topics:  []string{topic},
		Scores:  content.Scores{Composite: score},
	}
}

// activityTypes returns the entry types oldest first.
func activityTypes(c *Coordinator) []EntryType {
	entries := c.State().Activity
	out := make([]EntryType, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Type
	}
	return out
}

func countType(c *Coordinator, typ EntryType) int {
	n := 0
	for _, e := range c.State().Activity {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// interestedIn returns one advertised item on topic, so the agent's manifest
// tells peers what it wants.
func interestedIn(topic string) []content.Item {
	return []content.Item{goodItem("notes I already keep on "+topic, 7.5, topic)}
}
