package d2a

import (
	"errors"
	"testing"
	"time"
)

func TestHandshakeExpiry(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	phases := []Phase{PhaseOffered, PhaseAccepted, PhaseDelivering, PhaseCompleted, PhaseRejected}

	for _, phase := range phases {
		h := Handshake{PeerID: "peer", Phase: phase, StartedAt: start}
		if h.ExpiredAt(start) {
			t.Errorf("%s: expired at age 0", phase)
		}
		if h.ExpiredAt(start.Add(HandshakeTimeout - time.Millisecond)) {
			t.Errorf("%s: expired at timeout-1ms", phase)
		}
		if !h.ExpiredAt(start.Add(HandshakeTimeout + time.Millisecond)) {
			t.Errorf("%s: not expired at timeout+1ms", phase)
		}
	}
}

func TestHandshakeAdvance(t *testing.T) {
	h := &Handshake{Phase: PhaseOffered}
	for _, next := range []Phase{PhaseAccepted, PhaseDelivering, PhaseCompleted} {
		if err := h.Advance(next); err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
	}
	if !h.Phase.Terminal() {
		t.Error("completed should be terminal")
	}
	if err := h.Advance(PhaseOffered); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("re-entry err = %v, want ErrInvalidTransition", err)
	}
}

func TestHandshakeInvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
	}{
		{PhaseOffered, PhaseDelivering},
		{PhaseOffered, PhaseCompleted},
		{PhaseAccepted, PhaseOffered},
		{PhaseDelivering, PhaseRejected},
		{PhaseRejected, PhaseAccepted},
		{PhaseCompleted, PhaseCompleted},
	}
	for _, tt := range tests {
		h := &Handshake{Phase: tt.from}
		if err := h.Advance(tt.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
		if h.Phase != tt.from {
			t.Errorf("%s -> %s: phase changed to %s", tt.from, tt.to, h.Phase)
		}
	}

	h := &Handshake{Phase: PhaseAccepted}
	if err := h.Advance(PhaseRejected); err != nil {
		t.Errorf("accepted -> rejected: %v", err)
	}
}
