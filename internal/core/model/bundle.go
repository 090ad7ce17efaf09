package model

import (
	"fmt"
	"strings"
	"time"
)

type ConceptRef struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Definition string  `json:"definition,omitempty"`
	Confidence float64 `json:"confidence"`
}

func RefOf(n Node) ConceptRef {
	return ConceptRef{ID: n.ID, Name: n.Label, Definition: n.Concept().Definition, Confidence: n.Confidence}
}

type ConfusionEntry struct {
	SignalID string    `json:"signal_id"`
	Concepts []string  `json:"concepts,omitempty"`
	Page     int       `json:"page"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextBundle is what a single retrieval call hands to the prompt builder.
type ContextBundle struct {
	DocID            string           `json:"doc_id"`
	Page             int              `json:"page"`
	PassageWindow    string           `json:"passage_window,omitempty"`
	RelatedConcepts  []ConceptRef     `json:"related_concepts"`
	Claims           []string         `json:"claims,omitempty"`
	PrereqChain      []ConceptRef     `json:"prereq_chain"`
	ConfusionHistory []ConfusionEntry `json:"confusion_history"`
	ChatHistory      []ChatTurn       `json:"chat_history,omitempty"`
	Partial          bool             `json:"partial"`
	Elapsed          time.Duration    `json:"elapsed_ns"`
}

func (b *ContextBundle) Empty() bool {
	return len(b.RelatedConcepts) == 0 && len(b.PrereqChain) == 0 &&
		len(b.Claims) == 0 && len(b.ConfusionHistory) == 0
}

// String renders the bundle as a block for the system prompt.
func (b *ContextBundle) String() string {
	var parts []string

	if b.PassageWindow != "" {
		parts = append(parts, fmt.Sprintf("Current passage:\n---\n%s\n---", b.PassageWindow))
	}
	if len(b.RelatedConcepts) > 0 {
		parts = append(parts, "Key concepts on this page:\n"+refLines(b.RelatedConcepts))
	}
	if len(b.PrereqChain) > 0 {
		parts = append(parts, "Prerequisites (concepts this page builds on):\n"+refLines(b.PrereqChain))
	}
	if len(b.Claims) > 0 {
		var sb strings.Builder
		for _, c := range b.Claims {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		parts = append(parts, "Claims made in this section:\n"+strings.TrimRight(sb.String(), "\n"))
	}
	if len(b.ConfusionHistory) > 0 {
		var sb strings.Builder
		for _, h := range b.ConfusionHistory {
			what := strings.Join(h.Concepts, ", ")
			if what == "" {
				what = "this material"
			}
			fmt.Fprintf(&sb, "- Reader was %s on %q (page %d)\n", h.State, what, h.Page)
		}
		parts = append(parts, "Reader's past difficulties:\n"+strings.TrimRight(sb.String(), "\n"))
	}
	if len(b.ChatHistory) > 0 {
		var sb strings.Builder
		for _, t := range b.ChatHistory {
			prefix := "Buddy"
			if t.Role == "user" {
				prefix = "Reader"
			}
			fmt.Fprintf(&sb, "%s: %s\n", prefix, t.Content)
		}
		parts = append(parts, "Recent conversation:\n"+strings.TrimRight(sb.String(), "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func refLines(refs []ConceptRef) string {
	lines := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Definition == "" {
			lines = append(lines, "- "+r.Name)
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", r.Name, r.Definition))
	}
	return strings.Join(lines, "\n")
}
