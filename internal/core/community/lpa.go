package community

import (
	"sort"

	"github.com/agenthands/readbuddy/internal/core/model"
)

// LabelPropagationDetector implements community detection using the Label
// Propagation Algorithm over depends_on and explains edges.
type LabelPropagationDetector struct {
	MaxIterations int
}

func NewLabelPropagationDetector() *LabelPropagationDetector {
	return &LabelPropagationDetector{
		MaxIterations: 20,
	}
}

// Detect returns clusters of at least two nodes. Nodes inside a cluster keep
// their input order; clusters are ordered largest first, then by the input
// position of their first node, so the result is stable across runs.
func (d *LabelPropagationDetector) Detect(nodes []model.Node, edges []model.Edge) [][]model.Node {
	if len(nodes) == 0 {
		return nil
	}

	// undirected, parallel edges count as a stronger connection
	adj := make(map[string]map[string]int, len(nodes))
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
		adj[n.ID] = make(map[string]int)
	}
	for _, e := range edges {
		if !topicalRel(e.RelType) || e.SourceID == e.TargetID {
			continue
		}
		if _, ok := index[e.SourceID]; !ok {
			continue
		}
		if _, ok := index[e.TargetID]; !ok {
			continue
		}
		adj[e.SourceID][e.TargetID]++
		adj[e.TargetID][e.SourceID]++
	}

	labels := make(map[string]string, len(nodes))
	for _, n := range nodes {
		labels[n.ID] = n.ID
	}

	for iter := 0; iter < d.MaxIterations; iter++ {
		changed := 0
		for _, n := range nodes {
			neighbors := adj[n.ID]
			if len(neighbors) == 0 {
				continue
			}

			counts := make(map[string]int)
			best := 0
			for v, w := range neighbors {
				l := labels[v]
				counts[l] += w
				if counts[l] > best {
					best = counts[l]
				}
			}
			var candidates []string
			for l, c := range counts {
				if c == best {
					candidates = append(candidates, l)
				}
			}
			// lexicographically largest wins ties, for stability
			sort.Strings(candidates)
			label := candidates[len(candidates)-1]

			if labels[n.ID] != label {
				labels[n.ID] = label
				changed++
			}
		}
		if changed == 0 {
			break
		}
	}

	groups := make(map[string][]model.Node)
	var order []string
	for _, n := range nodes {
		l := labels[n.ID]
		if _, ok := groups[l]; !ok {
			order = append(order, l)
		}
		groups[l] = append(groups[l], n)
	}

	var communities [][]model.Node
	for _, l := range order {
		if len(groups[l]) >= 2 {
			communities = append(communities, groups[l])
		}
	}
	sort.SliceStable(communities, func(i, j int) bool {
		return len(communities[i]) > len(communities[j])
	})
	return communities
}
