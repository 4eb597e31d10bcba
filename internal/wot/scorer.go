package wot

import (
	"math"
	"sort"
)

// Unreachable is the hop distance reported for identities outside the graph.
const Unreachable = math.MaxInt

const (
	hopWeight      = 0.6
	mutualWeight   = 0.3
	presenceWeight = 0.1

	// SerendipityMaxTrust and SerendipityMinQuality bound the out-of-bubble
	// content worth surfacing anyway.
	SerendipityMaxTrust   = 0.3
	SerendipityMinQuality = 7.0
)

// Score is the trust derived for one pubkey from its position in a graph.
type Score struct {
	Pubkey        string  `json:"pubkey"`
	TrustScore    float64 `json:"trustScore"`
	HopDistance   int     `json:"hopDistance"`
	MutualFollows int     `json:"mutualFollows"`
	InGraph       bool    `json:"isInGraph"`
}

// Score returns the trust score of pubkey. The root scores 1; identities
// outside the graph score 0.
func (g *Graph) Score(pubkey string) Score {
	return g.score(pubkey, g.MaxMutualFollows())
}

func (g *Graph) score(pubkey string, maxMutual int) Score {
	n, ok := g.Nodes[pubkey]
	if !ok {
		return Score{Pubkey: pubkey, HopDistance: Unreachable}
	}
	s := Score{
		Pubkey:        pubkey,
		HopDistance:   n.HopDistance,
		MutualFollows: n.MutualFollows,
		InGraph:       true,
	}
	if pubkey == g.RootPubkey || n.HopDistance == 0 {
		s.TrustScore = 1.0
		return s
	}

	hop := (1.0 / float64(n.HopDistance)) * hopWeight
	mutual := 0.0
	if maxMutual > 0 {
		mutual = (float64(n.MutualFollows) / float64(maxMutual)) * mutualWeight
	}
	s.TrustScore = math.Min(1.0, hop+mutual+presenceWeight)
	return s
}

// ScoreAll scores every node in the graph, highest trust first (ties by pubkey).
func (g *Graph) ScoreAll() []Score {
	maxMutual := g.MaxMutualFollows()
	out := make([]Score, 0, len(g.Nodes))
	for _, pk := range g.sortedPubkeys() {
		out = append(out, g.score(pk, maxMutual))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TrustScore > out[j].TrustScore
	})
	return out
}

// WeightedScore blends a raw quality composite with source trust. Zero-trust
// content keeps half its raw score.
func WeightedScore(rawComposite, trustScore float64) float64 {
	return rawComposite * (0.5 + trustScore*0.5)
}

// IsSerendipity reports whether content from a low-trust source is good
// enough to surface anyway.
func IsSerendipity(trustScore, qualityComposite float64) bool {
	return trustScore < SerendipityMaxTrust && qualityComposite > SerendipityMinQuality
}
