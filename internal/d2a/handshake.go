package d2a

import (
	"errors"
	"fmt"
	"time"
)

// HandshakeTimeout is the age after which a handshake is considered expired.
const HandshakeTimeout = 30 * time.Second

// ErrInvalidTransition is returned when a handshake is moved to a phase that
// does not follow its current one.
var ErrInvalidTransition = errors.New("d2a: invalid phase transition")

// Phase is the lifecycle stage of a handshake.
type Phase string

const (
	PhaseOffered    Phase = "offered"
	PhaseAccepted   Phase = "accepted"
	PhaseDelivering Phase = "delivering"
	PhaseCompleted  Phase = "completed"
	PhaseRejected   Phase = "rejected"
)

var transitions = map[Phase][]Phase{
	PhaseOffered:    {PhaseAccepted, PhaseRejected},
	PhaseAccepted:   {PhaseDelivering, PhaseRejected},
	PhaseDelivering: {PhaseCompleted},
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return len(transitions[p]) == 0 }

// Handshake tracks one offer-to-delivery exchange with a peer.
type Handshake struct {
	PeerID       string    `json:"peerId"`
	Phase        Phase     `json:"phase"`
	OfferedTopic string    `json:"offeredTopic"`
	OfferedScore float64   `json:"offeredScore"`
	StartedAt    time.Time `json:"startedAt"`

	// Outbound is true when we sent the offer.
	Outbound bool `json:"outbound"`
	// ItemHash is the digest of the offered item, set on outbound offers.
	ItemHash string `json:"itemHash,omitempty"`
}

// Advance moves h to next if the transition is allowed.
func (h *Handshake) Advance(next Phase) error {
	for _, p := range transitions[h.Phase] {
		if p == next {
			h.Phase = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Phase, next)
}

// ExpiredAt reports whether h is older than HandshakeTimeout at now. Phase
// is not considered: completed and rejected handshakes expire too.
func (h Handshake) ExpiredAt(now time.Time) bool {
	return now.Sub(h.StartedAt) > HandshakeTimeout
}

// Expired reports whether h has expired as of the current time.
func (h Handshake) Expired() bool { return h.ExpiredAt(time.Now()) }
