package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxActivity caps the activity log.
const MaxActivity = 50

// EntryType classifies an activity entry.
type EntryType string

const (
	EntryPresence        EntryType = "presence"
	EntryDiscovery       EntryType = "discovery"
	EntrySubscribe       EntryType = "subscribe"
	EntryOfferSent       EntryType = "offer_sent"
	EntryOfferReceived   EntryType = "offer_received"
	EntryAccept          EntryType = "accept"
	EntryReject          EntryType = "reject"
	EntryDeliver         EntryType = "deliver"
	EntryContentReceived EntryType = "content_received"
	EntryFeedback        EntryType = "feedback"
	EntryError           EntryType = "error"
)

// ActivityEntry is one line of the agent's activity log.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Type      EntryType `json:"type"`
	Message   string    `json:"message"`
	PeerID    string    `json:"peerId,omitempty"`
}

// ActivityLog is a capped, newest-first log of agent activity with optional
// live subscribers. It is safe for concurrent use.
type ActivityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
	subs    map[int]chan ActivityEntry
	nextSub int
	now     func() time.Time
}

// NewActivityLog creates an empty log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		subs: make(map[int]chan ActivityEntry),
		now:  time.Now,
	}
}

// Add records an entry at the head of the log, dropping the oldest entry
// once the log holds MaxActivity entries.
func (l *ActivityLog) Add(typ EntryType, msg, peer string) ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := ActivityEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UnixMilli(),
		Type:      typ,
		Message:   msg,
		PeerID:    peer,
	}
	n := len(l.entries) + 1
	if n > MaxActivity {
		n = MaxActivity
	}
	next := make([]ActivityEntry, n)
	next[0] = e
	copy(next[1:], l.entries)
	l.entries = next

	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Entries returns a copy of the log, newest first.
func (l *ActivityLog) Entries() []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries held.
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving every new entry and a function that
// cancels the subscription. Slow subscribers miss entries rather than block
// the log.
func (l *ActivityLog) Subscribe(buffer int) (<-chan ActivityEntry, func()) {
	if buffer <= 0 {
		buffer = MaxActivity
	}
	ch := make(chan ActivityEntry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
