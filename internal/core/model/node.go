package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type NodeType string

const (
	NodeDocument   NodeType = "document"
	NodePageChunk  NodeType = "page_chunk"
	NodeConcept    NodeType = "concept"
	NodeClaim      NodeType = "claim"
	NodeSignal     NodeType = "signal"
	NodeAnnotation NodeType = "annotation"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeDocument, NodePageChunk, NodeConcept, NodeClaim, NodeSignal, NodeAnnotation:
		return true
	}
	return false
}

// Confidence levels by provenance: heuristic < user-asserted < model-backed.
const (
	ConfidenceHeuristic = 0.5
	ConfidenceUser      = 0.6
	ConfidenceModel     = 0.8
)

// NodeData is the per-type payload of a node. The concrete type always
// matches Node.Type; storage recovers it from the type column.
type NodeData interface {
	NodeType() NodeType
}

type DocumentData struct {
	Filename string `json:"filename,omitempty"`
	Pages    int    `json:"pages"`
}

type PageChunkData struct {
	Page        int    `json:"page"`
	TextPreview string `json:"text_preview,omitempty"`
}

type ConceptData struct {
	Definition    string   `json:"definition,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	Source        string   `json:"source,omitempty"` // model, heuristic, user_question, prerequisite
	Understood    bool     `json:"understood,omitempty"`
}

type ClaimData struct {
	Statement string   `json:"statement"`
	Supports  []string `json:"supports,omitempty"`
}

type SignalData struct {
	State     string   `json:"state"`
	Page      int      `json:"page"`
	SessionID string   `json:"session_id,omitempty"`
	Concepts  []string `json:"concepts,omitempty"`
}

type AnnotationData struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

func (DocumentData) NodeType() NodeType   { return NodeDocument }
func (PageChunkData) NodeType() NodeType  { return NodePageChunk }
func (ConceptData) NodeType() NodeType    { return NodeConcept }
func (ClaimData) NodeType() NodeType      { return NodeClaim }
func (SignalData) NodeType() NodeType     { return NodeSignal }
func (AnnotationData) NodeType() NodeType { return NodeAnnotation }

type Node struct {
	ID         string    `json:"id"`
	Type       NodeType  `json:"type"`
	Label      string    `json:"label"`
	Data       NodeData  `json:"data"`
	DocID      string    `json:"doc_id"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func (n Node) Concept() ConceptData {
	if d, ok := n.Data.(ConceptData); ok {
		return d
	}
	return ConceptData{}
}

func (n Node) Claim() ClaimData {
	if d, ok := n.Data.(ClaimData); ok {
		return d
	}
	return ClaimData{Statement: n.Label}
}

func (n Node) Signal() SignalData {
	if d, ok := n.Data.(SignalData); ok {
		return d
	}
	return SignalData{}
}

// EmptyData returns the zero payload for a node type.
func EmptyData(t NodeType) (NodeData, error) {
	switch t {
	case NodeDocument:
		return DocumentData{}, nil
	case NodePageChunk:
		return PageChunkData{}, nil
	case NodeConcept:
		return ConceptData{}, nil
	case NodeClaim:
		return ClaimData{}, nil
	case NodeSignal:
		return SignalData{}, nil
	case NodeAnnotation:
		return AnnotationData{}, nil
	}
	return nil, fmt.Errorf("unknown node type %q", t)
}

func EncodeNodeData(d NodeData) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s data: %w", d.NodeType(), err)
	}
	return string(b), nil
}

// DecodeNodeData picks the payload type from the node type discriminator.
func DecodeNodeData(t NodeType, raw string) (NodeData, error) {
	if raw == "" {
		raw = "{}"
	}
	var err error
	switch t {
	case NodeDocument:
		var d DocumentData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	case NodePageChunk:
		var d PageChunkData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	case NodeConcept:
		var d ConceptData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	case NodeClaim:
		var d ClaimData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	case NodeSignal:
		var d SignalData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	case NodeAnnotation:
		var d AnnotationData
		err = json.Unmarshal([]byte(raw), &d)
		return d, err
	}
	return nil, fmt.Errorf("unknown node type %q", t)
}
