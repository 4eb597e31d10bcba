package wot

import (
	"math"
	"testing"
)

func testGraph() *Graph {
	root := pk(1)
	return &Graph{
		RootPubkey: root,
		MaxHops:    2,
		Nodes: map[string]*Node{
			root:  {Pubkey: root, Follows: []string{pk(2), pk(3)}},
			pk(2): {Pubkey: pk(2), HopDistance: 1, MutualFollows: 0},
			pk(3): {Pubkey: pk(3), HopDistance: 1, MutualFollows: 4},
			pk(4): {Pubkey: pk(4), HopDistance: 2, MutualFollows: 2},
		},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScore(t *testing.T) {
	g := testGraph()

	tests := []struct {
		name string
		key  string
		want float64
		hop  int
	}{
		{"root", pk(1), 1.0, 0},
		{"hop1 no mutual", pk(2), 0.7, 1},
		{"hop1 max mutual", pk(3), 1.0, 1},
		{"hop2 half mutual", pk(4), 0.3 + 0.15 + 0.1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := g.Score(tt.key)
			if !s.InGraph {
				t.Fatalf("InGraph = false, want true")
			}
			if !approx(s.TrustScore, tt.want) {
				t.Errorf("TrustScore = %v, want %v", s.TrustScore, tt.want)
			}
			if s.HopDistance != tt.hop {
				t.Errorf("HopDistance = %d, want %d", s.HopDistance, tt.hop)
			}
		})
	}
}

func TestScoreUnknown(t *testing.T) {
	s := testGraph().Score(pk(77))
	if s.InGraph {
		t.Error("unknown pubkey reported in graph")
	}
	if s.TrustScore != 0 {
		t.Errorf("TrustScore = %v, want 0", s.TrustScore)
	}
	if s.HopDistance != Unreachable {
		t.Errorf("HopDistance = %d, want Unreachable", s.HopDistance)
	}
}

func TestScoreNoMutualAnywhere(t *testing.T) {
	g := testGraph()
	for _, n := range g.Nodes {
		n.MutualFollows = 0
	}
	if s := g.Score(pk(4)); !approx(s.TrustScore, 0.4) {
		t.Errorf("TrustScore = %v, want 0.4", s.TrustScore)
	}
}

func TestScoreBounds(t *testing.T) {
	g := testGraph()
	for _, s := range g.ScoreAll() {
		if s.TrustScore < 0 || s.TrustScore > 1 {
			t.Errorf("%s: TrustScore %v out of [0,1]", s.Pubkey[60:], s.TrustScore)
		}
	}
}

func TestScoreAllOrdered(t *testing.T) {
	scores := testGraph().ScoreAll()
	if len(scores) != 4 {
		t.Fatalf("len = %d, want 4", len(scores))
	}
	for i := 1; i < len(scores); i++ {
		if scores[i].TrustScore > scores[i-1].TrustScore {
			t.Errorf("scores not descending at %d", i)
		}
	}
	if scores[len(scores)-1].Pubkey != pk(4) {
		t.Errorf("lowest = %s, want hop-2 node", scores[len(scores)-1].Pubkey[60:])
	}
}

func TestWeightedScore(t *testing.T) {
	if got := WeightedScore(8, 0); got != 4 {
		t.Errorf("WeightedScore(8, 0) = %v, want 4", got)
	}
	if got := WeightedScore(8, 1); got != 8 {
		t.Errorf("WeightedScore(8, 1) = %v, want 8", got)
	}
	if got := WeightedScore(8, 0.5); got != 6 {
		t.Errorf("WeightedScore(8, 0.5) = %v, want 6", got)
	}
}

func TestIsSerendipity(t *testing.T) {
	tests := []struct {
		trust, quality float64
		want           bool
	}{
		{0.2, 8.0, true},
		{0.3, 8.0, false},
		{0.29, 7.0, false},
		{0.0, 7.1, true},
		{0.9, 9.9, false},
	}
	for _, tt := range tests {
		if got := IsSerendipity(tt.trust, tt.quality); got != tt.want {
			t.Errorf("IsSerendipity(%v, %v) = %v, want %v", tt.trust, tt.quality, got, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	st := testGraph().Stats()
	if st.Nodes != 4 || st.ByHop[0] != 1 || st.ByHop[1] != 2 || st.ByHop[2] != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.MaxMutual != 4 || st.RootFollowing != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}
