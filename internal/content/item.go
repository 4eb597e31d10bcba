// Package content defines the scored content items that flow between the
// filtering pipeline and the peer exchange subsystem.
package content

import (
	"encoding/hex"
	"math"

	"golang.org/x/crypto/sha3"
)

// MinOfferScore is the minimum quality composite an item needs before it is
// advertised in a manifest or offered to a peer.
const MinOfferScore = 7.0

// Verdict is the scorer's classification of an item.
type Verdict string

const (
	VerdictQuality Verdict = "quality"
	VerdictSlop    Verdict = "slop"
)

// Scores is the per-axis output of the content scorer. Composite is on a 0-10 scale.
type Scores struct {
	Originality float64 `json:"originality"`
	Insight     float64 `json:"insight"`
	Credibility float64 `json:"credibility"`
	Composite   float64 `json:"composite"`
}

// Item is one piece of scored content.
type Item struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Author   string   `json:"author"`
	Source   string   `json:"source,omitempty"`
	Verdict  Verdict  `json:"verdict"`
	Topics   []string `json:"topics"`
	Scores   Scores   `json:"scores"`
	VSignal  *float64 `json:"vSignal,omitempty"`
	CContext *float64 `json:"cContext,omitempty"`
	LSlop    *float64 `json:"lSlop,omitempty"`

	// ReceivedFrom is the pubkey of the peer that delivered the item, if any.
	ReceivedFrom string `json:"receivedFrom,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// Composite returns the item's quality composite.
func (it Item) Composite() float64 { return it.Scores.Composite }

// Hash returns the item's content digest.
func (it Item) Hash() string { return Digest(it.Text) }

// Offerable reports whether the item may be advertised or offered to peers:
// a quality verdict, a composite at or above MinOfferScore and at least one topic.
func (it Item) Offerable() bool {
	return it.Verdict == VerdictQuality && it.Scores.Composite >= MinOfferScore && len(it.Topics) > 0
}

// Digest returns the first 16 bytes of SHA3-256(text) as 32 lowercase hex characters.
func Digest(text string) string {
	sum := sha3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// Round1 rounds v to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
