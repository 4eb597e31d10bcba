// Package wot computes a Web-of-Trust over a social follow graph: a bounded
// breadth-first crawl from a root identity, a trust score derived from graph
// position, and a TTL cache for built graphs.
package wot

import (
	"sort"
	"time"
)

// Node is one identity in a trust graph.
type Node struct {
	Pubkey        string   `json:"pubkey"`
	Follows       []string `json:"follows"`
	HopDistance   int      `json:"hopDistance"`
	MutualFollows int      `json:"mutualFollows"`
}

// Graph is a built trust graph. Nodes is keyed by pubkey; exactly one node
// (the root) has HopDistance 0. A Graph is not modified after Build returns.
type Graph struct {
	RootPubkey string
	Nodes      map[string]*Node
	MaxHops    int
	BuiltAt    time.Time
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int { return len(g.Nodes) }

// Contains reports whether pubkey is in the graph.
func (g *Graph) Contains(pubkey string) bool {
	_, ok := g.Nodes[pubkey]
	return ok
}

// MaxMutualFollows returns the highest mutual-follow count of any node.
func (g *Graph) MaxMutualFollows() int {
	max := 0
	for _, n := range g.Nodes {
		if n.MutualFollows > max {
			max = n.MutualFollows
		}
	}
	return max
}

// Stats summarizes a graph.
type Stats struct {
	Nodes         int         `json:"nodes"`
	ByHop         map[int]int `json:"byHop"`
	MaxMutual     int         `json:"maxMutual"`
	RootFollowing int         `json:"rootFollowing"`
}

// Stats returns node counts per hop distance and related totals.
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: len(g.Nodes), ByHop: make(map[int]int)}
	for _, n := range g.Nodes {
		s.ByHop[n.HopDistance]++
		if n.MutualFollows > s.MaxMutual {
			s.MaxMutual = n.MutualFollows
		}
	}
	if root, ok := g.Nodes[g.RootPubkey]; ok {
		s.RootFollowing = len(root.Follows)
	}
	return s
}

// sortedPubkeys returns the graph's pubkeys in lexical order.
func (g *Graph) sortedPubkeys() []string {
	keys := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
