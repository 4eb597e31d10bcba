package agent

import (
	"fmt"

	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/d2a"
	"github.com/ssd-technologies/sieve/internal/reputation"
	"github.com/ssd-technologies/sieve/internal/wot"
)

// Decision is the outcome of evaluating an inbound offer.
type Decision struct {
	Accept     bool
	Reason     string
	Assessment reputation.Assessment
}

// Decide applies the exchange policy to an offer from a peer with the given
// graph trust and reputation. Blocked and restricted peers are refused, as
// are offers below MinOfferScore. Unknown-tier peers get through only when
// the offer is serendipitous: low graph trust but high quality.
func Decide(offer d2a.Offer, graphTrust float64, peer reputation.Peer) Decision {
	a := reputation.Assess(graphTrust, peer)
	d := Decision{Assessment: a}

	switch {
	case peer.Blocked:
		d.Reason = "peer is blocked"
	case a.Tier == reputation.TierRestricted:
		d.Reason = "peer is restricted"
	case offer.Score < content.MinOfferScore:
		d.Reason = fmt.Sprintf("score %.1f below %.1f", offer.Score, content.MinOfferScore)
	case a.Tier == reputation.TierUnknown && !wot.IsSerendipity(graphTrust, offer.Score):
		d.Reason = "unknown peer and offer is not serendipitous"
	default:
		d.Accept = true
		d.Reason = fmt.Sprintf("tier %s", a.Tier)
	}
	return d
}
