package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ssd-technologies/sieve/internal/storage"
)

const (
	itemPrefix  = "item:"
	inboxPrefix = "inbox:"
)

// ErrEmptyText is returned when storing an item without text.
var ErrEmptyText = errors.New("content: item has no text")

// Store keeps the agent's own scored items and the items peers delivered.
// Own items are what the agent offers; delivered items land in the inbox.
type Store struct {
	kv     storage.Lister
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store over kv.
func NewStore(kv storage.Lister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "content"), now: time.Now}
}

// Put stores one of the agent's own items, keyed by its digest.
func (s *Store) Put(it Item) error {
	return s.put(itemPrefix, it)
}

func (s *Store) put(prefix string, it Item) error {
	if strings.TrimSpace(it.Text) == "" {
		return ErrEmptyText
	}
	if it.ID == "" {
		it.ID = it.Hash()
	}
	if it.CreatedAt == 0 {
		it.CreatedAt = s.now().UnixMilli()
	}
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	return s.kv.Put(prefix+it.Hash(), data)
}

// Items returns the agent's own items, best composite first. Unreadable
// records are skipped.
func (s *Store) Items() []Item {
	return s.list(itemPrefix)
}

// Inbox returns the items peers delivered, newest first.
func (s *Store) Inbox() []Item {
	items := s.list(inboxPrefix)
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt > items[j].CreatedAt })
	return items
}

func (s *Store) list(prefix string) []Item {
	keys, err := s.kv.Keys(prefix)
	if err != nil {
		s.logger.Warn("list items failed", "prefix", prefix, "err", err)
		return nil
	}
	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		data, ok, err := s.kv.Get(k)
		if err != nil || !ok {
			continue
		}
		var it Item
		if err := json.Unmarshal(data, &it); err != nil {
			s.logger.Warn("skipping unreadable item", "key", k, "err", err)
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Composite() > items[j].Composite() })
	return items
}

// Receive stores a delivered item in the inbox and returns the local
// verdict. The sender's own verdict is only trusted when its scores back it
// up: a quality claim needs a composite of at least MinOfferScore.
func (s *Store) Receive(it Item) (Verdict, error) {
	verdict := VerdictSlop
	if it.Verdict == VerdictQuality && it.Scores.Composite >= MinOfferScore {
		verdict = VerdictQuality
	}
	it.Verdict = verdict
	it.CreatedAt = s.now().UnixMilli()
	if err := s.put(inboxPrefix, it); err != nil {
		return verdict, err
	}
	return verdict, nil
}
