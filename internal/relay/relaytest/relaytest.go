// Package relaytest runs an in-process Nostr relay for tests. It speaks the
// EVENT / REQ / CLOSE subset of the relay protocol over a websocket and keeps
// every accepted event in memory.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// clientConn wraps a websocket connection with a write mutex; gorilla
// connections do not support concurrent writers.
type clientConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu   sync.Mutex
	subs map[string]nostr.Filters
}

func (c *clientConn) send(v ...interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Relay is a fake relay. The zero value is not usable; call New.
type Relay struct {
	srv *httptest.Server

	mu        sync.Mutex
	events    []*nostr.Event
	clients   map[*clientConn]struct{}
	rejectOK  bool
	published int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New starts a relay. It is shut down when the returned Relay is closed.
func New() *Relay {
	r := &Relay{clients: make(map[*clientConn]struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handleWS))
	return r
}

// URL returns the relay's ws:// address.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// Close stops the relay and drops every client.
func (r *Relay) Close() {
	r.mu.Lock()
	for c := range r.clients {
		c.conn.Close()
	}
	r.mu.Unlock()
	r.srv.Close()
}

// Store adds events as if they had been published earlier.
func (r *Relay) Store(evs ...*nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

// Events returns a copy of every stored event.
func (r *Relay) Events() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nostr.Event(nil), r.events...)
}

// Published returns how many EVENT messages clients have sent.
func (r *Relay) Published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// RejectPublishes makes the relay answer every EVENT with OK false.
func (r *Relay) RejectPublishes(reject bool) {
	r.mu.Lock()
	r.rejectOK = reject
	r.mu.Unlock()
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	c := &clientConn{conn: conn, subs: make(map[string]nostr.Filters)}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	r.readLoop(c)
}

func (r *Relay) readLoop(c *clientConn) {
	defer func() {
		c.conn.Close()
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			r.handleEvent(c, frame[1])
		case "REQ":
			r.handleReq(c, frame[1:])
		case "CLOSE":
			var id string
			if json.Unmarshal(frame[1], &id) == nil {
				c.mu.Lock()
				delete(c.subs, id)
				c.mu.Unlock()
			}
		}
	}
}

func (r *Relay) handleEvent(c *clientConn, raw json.RawMessage) {
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	r.mu.Lock()
	r.published++
	reject := r.rejectOK
	if !reject {
		r.events = append(r.events, &ev)
	}
	clients := make([]*clientConn, 0, len(r.clients))
	for cl := range r.clients {
		clients = append(clients, cl)
	}
	r.mu.Unlock()

	if reject {
		c.send("OK", ev.ID, false, "blocked: test relay")
		return
	}
	c.send("OK", ev.ID, true, "")

	for _, cl := range clients {
		cl.mu.Lock()
		var matched []string
		for id, filters := range cl.subs {
			if filters.Match(&ev) {
				matched = append(matched, id)
			}
		}
		cl.mu.Unlock()
		for _, id := range matched {
			cl.send("EVENT", id, &ev)
		}
	}
}

func (r *Relay) handleReq(c *clientConn, frame []json.RawMessage) {
	var id string
	if err := json.Unmarshal(frame[0], &id); err != nil {
		return
	}
	var filters nostr.Filters
	for _, raw := range frame[1:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		filters = append(filters, f)
	}

	c.mu.Lock()
	c.subs[id] = filters
	c.mu.Unlock()

	for _, ev := range r.Events() {
		if filters.Match(ev) {
			c.send("EVENT", id, ev)
		}
	}
	c.send("EOSE", id)
}
