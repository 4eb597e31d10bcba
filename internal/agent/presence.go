package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ssd-technologies/sieve/internal/manifest"
)

const (
	// KindPresence is the parameterized replaceable kind used for presence.
	KindPresence = 30078
	// PresenceTag is the "d" tag value identifying presence events.
	PresenceTag = "sieve-presence"
	// ProtocolVersion is advertised in presence and must match for exchange.
	ProtocolVersion = 1
)

// Presence is the content of a presence event.
type Presence struct {
	Version  int             `json:"version"`
	Manifest json.RawMessage `json:"manifest"`
}

// Peer is a discovered agent.
type Peer struct {
	Pubkey   string             `json:"pubkey"`
	Manifest *manifest.Manifest `json:"manifest"`
	SeenAt   time.Time          `json:"seenAt"`
}

// presenceEvent builds the unsigned presence event advertising m.
func presenceEvent(pubkey string, m *manifest.Manifest, now time.Time) (nostr.Event, error) {
	data, err := m.Encode()
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode manifest: %w", err)
	}
	body, err := json.Marshal(Presence{Version: ProtocolVersion, Manifest: data})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode presence: %w", err)
	}
	return nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindPresence,
		Tags:      nostr.Tags{{"d", PresenceTag}},
		Content:   string(body),
	}, nil
}

// parsePresence validates a presence event and returns the advertised peer.
func parsePresence(ev *nostr.Event) (*Peer, error) {
	if ev.Kind != KindPresence {
		return nil, fmt.Errorf("kind %d is not presence", ev.Kind)
	}
	if d := tagValue(ev.Tags, "d"); d != PresenceTag {
		return nil, fmt.Errorf("d tag %q is not presence", d)
	}
	var p Presence
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	if p.Version != ProtocolVersion {
		return nil, fmt.Errorf("protocol version %d, want %d", p.Version, ProtocolVersion)
	}
	m, err := manifest.Decode(p.Manifest)
	if err != nil {
		return nil, err
	}
	return &Peer{Pubkey: ev.PubKey, Manifest: m, SeenAt: ev.CreatedAt.Time()}, nil
}

func tagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
