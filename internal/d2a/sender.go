package d2a

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/metrics"
)

// KindD2A is the ephemeral event kind carrying encrypted D2A messages.
const KindD2A = 21059

// Publisher sends a signed event to the relay network.
type Publisher interface {
	Publish(ctx context.Context, ev nostr.Event) error
}

// Sender builds, encrypts, signs and publishes D2A messages.
type Sender struct {
	secret  string
	pubkey  string
	pub     Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSender creates a Sender for the identity owning secret.
func NewSender(secret string, pub Publisher) (*Sender, error) {
	pk, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	return &Sender{secret: secret, pubkey: pk, pub: pub, now: time.Now}, nil
}

// WithMetrics attaches collectors to the sender.
func (s *Sender) WithMetrics(m *metrics.Metrics) *Sender {
	s.metrics = m
	return s
}

// Pubkey returns the sender's public key.
func (s *Sender) Pubkey() string { return s.pubkey }

// Event wraps an encrypted message for to in a signed kind-21059 event.
func (s *Sender) Event(to string, p Payload) (nostr.Event, error) {
	msg := Message{FromPubkey: s.pubkey, ToPubkey: to, Payload: p}
	ct, err := Encode(msg, s.secret, to)
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		PubKey:    s.pubkey,
		CreatedAt: nostr.Timestamp(s.now().Unix()),
		Kind:      KindD2A,
		Tags:      nostr.Tags{{"p", to}},
		Content:   ct,
	}
	if err := ev.Sign(s.secret); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

func (s *Sender) send(ctx context.Context, to string, p Payload) error {
	ev, err := s.Event(to, p)
	if err != nil {
		return fmt.Errorf("build %s: %w", p.Type(), err)
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", p.Type(), err)
	}
	s.metrics.Message("out", string(p.Type()))
	return nil
}

// SendOffer offers an item to peer and returns the new outbound handshake.
func (s *Sender) SendOffer(ctx context.Context, to string, offer Offer) (*Handshake, error) {
	if err := s.send(ctx, to, offer); err != nil {
		return nil, err
	}
	return &Handshake{
		PeerID:       to,
		Phase:        PhaseOffered,
		OfferedTopic: offer.Topic,
		OfferedScore: offer.Score,
		StartedAt:    s.now(),
		Outbound:     true,
	}, nil
}

// SendAccept accepts the offer peer made.
func (s *Sender) SendAccept(ctx context.Context, to string) error {
	return s.send(ctx, to, Accept{})
}

// SendReject declines the offer peer made.
func (s *Sender) SendReject(ctx context.Context, to string) error {
	return s.send(ctx, to, Reject{})
}

// DeliverContent sends item to peer.
func (s *Sender) DeliverContent(ctx context.Context, to string, item content.Item) error {
	return s.send(ctx, to, DeliverFromItem(item))
}
