// Package community groups related concepts of a document into topic
// clusters for the concept map.
package community

import (
	"github.com/agenthands/readbuddy/internal/core/model"
)

type Detector interface {
	Detect(nodes []model.Node, edges []model.Edge) [][]model.Node
}

func NewDetector() Detector {
	return NewLabelPropagationDetector()
}

// topicalRel reports whether an edge type says something about how two
// concepts relate. Structural edges (mentions, confused_at) are ignored.
func topicalRel(r model.RelType) bool {
	return r == model.RelDependsOn || r == model.RelExplains
}
