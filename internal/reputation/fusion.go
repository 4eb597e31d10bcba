package reputation

import "math"

// Tier is a coarse trust class derived from effective trust.
type Tier string

const (
	TierTrusted    Tier = "trusted"
	TierKnown      Tier = "known"
	TierUnknown    Tier = "unknown"
	TierRestricted Tier = "restricted"
)

const (
	graphWeight      = 0.6
	reputationWeight = 0.4

	trustedMin = 0.8
	knownMin   = 0.4
)

// Fees per exchange, in protocol fee units. Less trusted peers pay more.
const (
	FeeTrusted    = 1000
	FeeKnown      = 2500
	FeeUnknown    = 5000
	FeeRestricted = 0
)

// EffectiveTrust blends graph trust with behavioral reputation. Negative
// reputation contributes nothing rather than subtracting.
func EffectiveTrust(wotScore float64, repScore int) float64 {
	rep := math.Max(0, math.Min(1, float64(repScore)/10))
	return graphWeight*wotScore + reputationWeight*rep
}

// TierFor maps effective trust to a tier.
func TierFor(effective float64) Tier {
	switch {
	case effective >= trustedMin:
		return TierTrusted
	case effective >= knownMin:
		return TierKnown
	case effective >= 0:
		return TierUnknown
	default:
		return TierRestricted
	}
}

// DynamicFee returns the exchange fee for a tier. Restricted peers are not
// traded with, so their fee is zero.
func DynamicFee(t Tier) int {
	switch t {
	case TierTrusted:
		return FeeTrusted
	case TierKnown:
		return FeeKnown
	case TierUnknown:
		return FeeUnknown
	default:
		return FeeRestricted
	}
}

// Assessment is the fused view of one peer.
type Assessment struct {
	Effective float64 `json:"effectiveTrust"`
	Tier      Tier    `json:"tier"`
	Fee       int     `json:"fee"`
}

// Assess fuses graph trust with a peer record. Blocked peers are always
// restricted regardless of their graph position.
func Assess(wotScore float64, p Peer) Assessment {
	eff := EffectiveTrust(wotScore, p.Score)
	tier := TierFor(eff)
	if p.Blocked {
		tier = TierRestricted
	}
	return Assessment{Effective: eff, Tier: tier, Fee: DynamicFee(tier)}
}
