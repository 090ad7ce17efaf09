package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type RelType string

const (
	RelMentions   RelType = "mentions"    // PageChunk -> Concept/Claim
	RelDependsOn  RelType = "depends_on"  // Concept -> Concept (prerequisite)
	RelExplains   RelType = "explains"    // Concept -> Concept
	RelSupports   RelType = "supports"    // Claim -> Concept
	RelConfusedAt RelType = "confused_at" // Signal -> Concept/PageChunk
	RelAnnotated  RelType = "annotated"   // Annotation -> PageChunk
)

func (r RelType) Valid() bool {
	switch r {
	case RelMentions, RelDependsOn, RelExplains, RelSupports, RelConfusedAt, RelAnnotated:
		return true
	}
	return false
}

// EdgeData carries provenance for edges. Model-inferred relations copy the
// confidence of their source concept.
type EdgeData struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
}

type Edge struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	RelType   RelType   `json:"rel_type"`
	Weight    float64   `json:"weight"`
	Data      EdgeData  `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func InferredFrom(source Node, strategy string) EdgeData {
	c := source.Confidence
	return EdgeData{Confidence: &c, Strategy: strategy}
}

func EncodeEdgeData(d EdgeData) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode edge data: %w", err)
	}
	return string(b), nil
}

func DecodeEdgeData(raw string) (EdgeData, error) {
	var d EdgeData
	if raw == "" {
		return d, nil
	}
	err := json.Unmarshal([]byte(raw), &d)
	return d, err
}
