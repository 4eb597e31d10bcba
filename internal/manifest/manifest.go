// Package manifest builds, validates and diffs content manifests: compact
// hash-based advertisements of a peer's best content that let two peers find
// what the other lacks without disclosing full text.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ssd-technologies/sieve/internal/content"
)

// MaxEntries caps the number of entries in a manifest.
const MaxEntries = 50

// ErrInvalidManifest is wrapped by every Decode failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// Entry advertises one item.
type Entry struct {
	Hash  string  `json:"hash"`
	Topic string  `json:"topic"`
	Score float64 `json:"score"`
}

// Manifest is an immutable advertisement of up to MaxEntries items, highest
// score first. GeneratedAt is unix milliseconds.
type Manifest struct {
	Entries     []Entry `json:"entries"`
	GeneratedAt int64   `json:"generatedAt"`
}

// Build returns a manifest of the best offerable items.
func Build(items []content.Item) *Manifest {
	return BuildAt(items, time.Now())
}

// BuildAt is Build with an explicit generation time.
func BuildAt(items []content.Item, now time.Time) *Manifest {
	ranked := rankOfferable(items)
	if len(ranked) > MaxEntries {
		ranked = ranked[:MaxEntries]
	}

	entries := make([]Entry, 0, len(ranked))
	for _, it := range ranked {
		entries = append(entries, Entry{
			Hash:  it.Hash(),
			Topic: it.Topics[0],
			Score: content.Round1(it.Composite()),
		})
	}
	return &Manifest{Entries: entries, GeneratedAt: now.UnixMilli()}
}

// Encode serializes the manifest to its JSON wire form.
func (m *Manifest) Encode() ([]byte, error) {
	entries := m.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(Manifest{Entries: entries, GeneratedAt: m.GeneratedAt})
}

// Topics returns the set of topics the manifest advertises.
func (m *Manifest) Topics() mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, e := range m.Entries {
		s.Add(e.Topic)
	}
	return s
}

// Hashes returns the set of content hashes the manifest advertises.
func (m *Manifest) Hashes() mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, e := range m.Entries {
		s.Add(e.Hash)
	}
	return s
}

// Decode parses and strictly validates a manifest received from a peer.
// Unknown fields are tolerated.
func Decode(data []byte) (*Manifest, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidManifest)
	}

	rawEntries, ok := top["entries"]
	if !ok || !isKind(rawEntries, '[') {
		return nil, fmt.Errorf("%w: entries is not an array", ErrInvalidManifest)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(rawEntries, &list); err != nil {
		return nil, fmt.Errorf("%w: entries: %v", ErrInvalidManifest, err)
	}

	rawGen, ok := top["generatedAt"]
	if !ok || !isNumber(rawGen) {
		return nil, fmt.Errorf("%w: generatedAt is not a number", ErrInvalidManifest)
	}
	var generatedAt float64
	if err := json.Unmarshal(rawGen, &generatedAt); err != nil {
		return nil, fmt.Errorf("%w: generatedAt: %v", ErrInvalidManifest, err)
	}

	m := &Manifest{Entries: make([]Entry, 0, len(list)), GeneratedAt: int64(generatedAt)}
	for i, raw := range list {
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidManifest, i, err)
		}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func decodeEntry(raw json.RawMessage) (Entry, error) {
	var fields map[string]json.RawMessage
	if !isKind(raw, '{') {
		return Entry{}, errors.New("not an object")
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Entry{}, err
	}

	var e Entry
	h, ok := fields["hash"]
	if !ok || !isKind(h, '"') {
		return Entry{}, errors.New("missing hash")
	}
	t, ok := fields["topic"]
	if !ok || !isKind(t, '"') {
		return Entry{}, errors.New("missing topic")
	}
	s, ok := fields["score"]
	if !ok || !isNumber(s) {
		return Entry{}, errors.New("missing score")
	}
	if err := json.Unmarshal(h, &e.Hash); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(t, &e.Topic); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(s, &e.Score); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Diff returns the items of mine the peer would want: offerable items that
// share at least one topic with the peer's manifest and whose hash the peer
// does not already advertise, highest composite first. A peer advertising
// nothing gets nothing.
func Diff(mine []content.Item, peer *Manifest) []content.Item {
	if peer == nil || len(peer.Entries) == 0 {
		return nil
	}
	topics := peer.Topics()
	hashes := peer.Hashes()

	var out []content.Item
	for _, it := range rankOfferable(mine) {
		if hashes.Contains(it.Hash()) {
			continue
		}
		for _, topic := range it.Topics {
			if topics.Contains(topic) {
				out = append(out, it)
				break
			}
		}
	}
	return out
}

// rankOfferable filters to offerable items and sorts them by composite, descending.
func rankOfferable(items []content.Item) []content.Item {
	var out []content.Item
	for _, it := range items {
		if it.Offerable() {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Composite() > out[j].Composite()
	})
	return out
}

func isKind(raw json.RawMessage, first byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == first
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}
