package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/sieve/internal/agent"
)

func dialStream(t *testing.T, srv *Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/local/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readEntry(t *testing.T, conn *websocket.Conn) agent.ActivityEntry {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e agent.ActivityEntry
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read entry: %v", err)
	}
	return e
}

func TestStreamReplaysThenFollows(t *testing.T) {
	srv := setupTestServer(t)
	log := srv.coord.Activity()
	log.Add(agent.EntryPresence, "first", "")
	log.Add(agent.EntryDiscovery, "second", "")

	conn, _, err := dialStream(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if e := readEntry(t, conn); e.Message != "first" {
		t.Fatalf("replay[0] = %q, want first", e.Message)
	}
	if e := readEntry(t, conn); e.Message != "second" {
		t.Fatalf("replay[1] = %q, want second", e.Message)
	}

	log.Add(agent.EntryFeedback, "live", "peer")
	e := readEntry(t, conn)
	if e.Message != "live" || e.Type != agent.EntryFeedback || e.PeerID != "peer" {
		t.Fatalf("live entry = %+v", e)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	srv := setupTestServer(t)
	_, resp, err := dialStream(t, srv, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", resp)
	}
}

func TestStreamAllowsLocalOrigin(t *testing.T) {
	srv := setupTestServer(t)
	conn, _, err := dialStream(t, srv, http.Header{"Origin": {"http://localhost:3000"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}
