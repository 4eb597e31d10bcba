package wot

import (
	"context"
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"
)

// KindFollowList is the Nostr event kind carrying a follow list.
const KindFollowList = 3

// Querier runs a one-shot query against the relay network.
type Querier interface {
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// RelaySource reads follow lists from Nostr relays.
type RelaySource struct {
	q Querier
}

// NewRelaySource creates a FollowSource backed by q.
func NewRelaySource(q Querier) *RelaySource {
	return &RelaySource{q: q}
}

// FollowLists fetches the follow lists of authors. Events returned alongside
// a query error are still parsed.
func (s *RelaySource) FollowLists(ctx context.Context, authors []string) ([]FollowList, error) {
	events, err := s.q.Query(ctx, nostr.Filter{
		Kinds:   []int{KindFollowList},
		Authors: authors,
	})

	lists := make([]FollowList, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.Kind != KindFollowList {
			continue
		}
		lists = append(lists, ParseFollowList(ev))
	}
	return lists, err
}

// ParseFollowList extracts valid followed pubkeys from the "p" tags of a
// follow-list event.
func ParseFollowList(ev *nostr.Event) FollowList {
	fl := FollowList{Author: ev.PubKey, CreatedAt: ev.CreatedAt.Time()}
	seen := make(map[string]struct{})
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pk := tag[1]
		if !ValidPubkey(pk) || pk == ev.PubKey {
			continue
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		fl.Follows = append(fl.Follows, pk)
	}
	return fl
}

// ValidPubkey reports whether s is a 32-byte lowercase hex public key.
func ValidPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
