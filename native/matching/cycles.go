package matching

import (
	"sort"

	"swapmesh/native/intent"
)

// edge i -> j means j's offer satisfies one alternative of i's want spec at a
// value both bands accept. Intents are treated as indices into a dense array;
// adjacency is computed once per run.
type edge struct {
	to       int
	assetKey string
	valueUSD float64
}

type graph struct {
	intents []*intent.Intent
	adj     [][]edge
}

func buildGraph(intents []*intent.Intent) *graph {
	sorted := append([]*intent.Intent(nil), intents...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].ID < sorted[b].ID })
	g := &graph{intents: sorted, adj: make([][]edge, len(sorted))}
	for i, wanter := range sorted {
		for j, offerer := range sorted {
			if i == j {
				continue
			}
			if asset, ok := satisfies(wanter, offerer); ok {
				g.adj[i] = append(g.adj[i], edge{to: j, assetKey: asset.Key(), valueUSD: asset.Metadata.ValueUSD})
			}
		}
	}
	return g
}

func (g *graph) edgeCount() int {
	var n int
	for _, edges := range g.adj {
		n += len(edges)
	}
	return n
}

// satisfies returns the first offered asset (offer order, then predicate
// order) that matches one of the wanter's alternatives within both bands.
func satisfies(wanter, offerer *intent.Intent) (intent.AssetRef, bool) {
	for _, asset := range offerer.Offer {
		value := asset.Metadata.ValueUSD
		if !wanter.ValueBand.Contains(value) || !offerer.ValueBand.Contains(value) {
			continue
		}
		for _, pred := range wanter.WantSpec {
			if pred.Matches(asset) {
				return asset, true
			}
		}
	}
	return intent.AssetRef{}, false
}

// cycle is an ordered list of graph indices; cycle[m] receives from
// cycle[(m+1) % len].
type cycle struct {
	nodes []int
}

func (g *graph) cycleCap(nodes []int) int {
	cap := 0
	for _, n := range nodes {
		limit := g.intents[n].TrustConstraints.MaxCycleLength
		if cap == 0 || limit < cap {
			cap = limit
		}
	}
	return cap
}

// enumerateCycles lists simple cycles of length 2..maxLen. Rotational
// duplicates are avoided by only starting cycles at their smallest index.
func (g *graph) enumerateCycles(maxLen int) []cycle {
	var found []cycle
	n := len(g.intents)
	visiting := make([]bool, n)
	var path []int

	var dfs func(start, current int)
	dfs = func(start, current int) {
		if len(path) > maxLen {
			return
		}
		for _, e := range g.adj[current] {
			if e.to == start && len(path) >= 2 {
				nodes := append([]int(nil), path...)
				// Per-participant caps bound the cycle even when
				// the run allows longer chains.
				if len(nodes) <= g.cycleCap(nodes) {
					found = append(found, cycle{nodes: nodes})
				}
				continue
			}
			if e.to <= start || visiting[e.to] {
				continue
			}
			if len(path) == maxLen {
				continue
			}
			visiting[e.to] = true
			path = append(path, e.to)
			dfs(start, e.to)
			path = path[:len(path)-1]
			visiting[e.to] = false
		}
	}

	for start := 0; start < n; start++ {
		visiting[start] = true
		path = []int{start}
		dfs(start, start)
		visiting[start] = false
	}
	return found
}

// scoreKey is the stable ordering tuple for cycles: shortest length first,
// then smallest total absolute value delta, then lexicographic intent ids.
type scoredCycle struct {
	cycle         cycle
	length        int
	totalAbsDelta float64
	idKey         string
}

func (g *graph) score(c cycle) scoredCycle {
	var totalAbs float64
	ids := make([]string, len(c.nodes))
	for m, node := range c.nodes {
		ids[m] = g.intents[node].ID
		next := c.nodes[(m+1)%len(c.nodes)]
		received, _ := satisfies(g.intents[node], g.intents[next])
		prev := c.nodes[(m-1+len(c.nodes))%len(c.nodes)]
		given, _ := satisfies(g.intents[prev], g.intents[node])
		delta := received.Metadata.ValueUSD - given.Metadata.ValueUSD
		if delta < 0 {
			delta = -delta
		}
		totalAbs += delta
	}
	sort.Strings(ids)
	key := ""
	for _, id := range ids {
		key += id + "|"
	}
	return scoredCycle{cycle: c, length: len(c.nodes), totalAbsDelta: totalAbs, idKey: key}
}

func sortScored(scored []scoredCycle) {
	sort.Slice(scored, func(a, b int) bool {
		if scored[a].length != scored[b].length {
			return scored[a].length < scored[b].length
		}
		if scored[a].totalAbsDelta != scored[b].totalAbsDelta {
			return scored[a].totalAbsDelta < scored[b].totalAbsDelta
		}
		return scored[a].idKey < scored[b].idKey
	})
}
