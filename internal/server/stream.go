package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

// upgrader only accepts pages served from this machine. Non-browser clients
// send no Origin header and are allowed.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	},
}

// handleStream upgrades to a websocket, replays the current activity log
// oldest first and then pushes every new entry until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 10)

	// Subscribe before the replay so nothing logged in between is lost.
	activity := s.coord.Activity()
	entries, cancel := activity.Subscribe(streamBuffer)
	defer cancel()

	backlog := activity.Entries()
	for i := len(backlog) - 1; i >= 0; i-- {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(backlog[i]); err != nil {
			return
		}
	}
	seen := make(map[string]struct{}, len(backlog))
	for _, e := range backlog {
		seen[e.ID] = struct{}{}
	}

	// The read loop only notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			if _, dup := seen[e.ID]; dup {
				delete(seen, e.ID)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("activity stream closed", "err", err)
				return
			}
		}
	}
}
