package agent

import (
	"fmt"
	"testing"
)

func TestActivityLogCapAndOrder(t *testing.T) {
	l := NewActivityLog()
	for i := 0; i < 60; i++ {
		l.Add(EntryPresence, fmt.Sprintf("entry %d", i), "")
	}
	entries := l.Entries()
	if len(entries) != MaxActivity {
		t.Fatalf("len = %d, want %d", len(entries), MaxActivity)
	}
	if entries[0].Message != "entry 59" {
		t.Errorf("newest = %q, want entry 59", entries[0].Message)
	}
	if entries[MaxActivity-1].Message != "entry 10" {
		t.Errorf("oldest = %q, want entry 10", entries[MaxActivity-1].Message)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp > entries[i-1].Timestamp {
			t.Fatalf("entries not newest-first at %d", i)
		}
	}
}

func TestActivityEntriesAreCopies(t *testing.T) {
	l := NewActivityLog()
	l.Add(EntryError, "boom", "peer")
	a, b := l.Entries(), l.Entries()
	if &a[0] == &b[0] {
		t.Fatal("Entries returned the same backing array twice")
	}
	a[0].Message = "changed"
	if l.Entries()[0].Message != "boom" {
		t.Fatal("mutating a snapshot changed the log")
	}
	if a[0].ID == "" || a[0].PeerID != "peer" {
		t.Fatalf("unexpected entry %+v", b[0])
	}
}

func TestActivitySubscribe(t *testing.T) {
	l := NewActivityLog()
	ch, cancel := l.Subscribe(4)
	l.Add(EntryDiscovery, "found 2", "")
	e := <-ch
	if e.Type != EntryDiscovery {
		t.Fatalf("type = %s, want discovery", e.Type)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	l.Add(EntryDiscovery, "after cancel", "")
}
