// Package retrieval assembles the context bundle handed to the language
// model for the page a reader is on.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agenthands/readbuddy/internal/core/community"
	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/metrics"
)

const (
	DefaultBudget = 150 * time.Millisecond

	maxConcepts  = 5
	maxPrereqs   = 5
	maxConfusion = 5
	maxClaims    = 5
	maxChatTurns = 10
	maxMapNodes  = 200
)

type Request struct {
	DocID   string
	Page    int
	Passage string
	Chat    []model.ChatTurn // oldest first
}

type Retriever struct {
	Store    *graph.Store
	Budget   time.Duration
	Detector community.Detector

	log *logger.Logger
}

func New(store *graph.Store, budget time.Duration, log *logger.Logger) *Retriever {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retriever{Store: store, Budget: budget, Detector: community.NewDetector(), log: log}
}

// BuildContext runs the page lookups in order under one deadline. When the
// budget runs out, or a lookup fails, the bundle holds what was gathered so
// far and is marked Partial. It never returns an error.
func (r *Retriever) BuildContext(ctx context.Context, req Request) model.ContextBundle {
	start := time.Now()
	bundle := model.ContextBundle{
		DocID:            req.DocID,
		Page:             req.Page,
		PassageWindow:    req.Passage,
		RelatedConcepts:  []model.ConceptRef{},
		PrereqChain:      []model.ConceptRef{},
		ConfusionHistory: []model.ConfusionEntry{},
		ChatHistory:      lastTurns(req.Chat, maxChatTurns),
	}
	if req.DocID == "" {
		return bundle
	}

	ctx, cancel := context.WithTimeout(ctx, r.Budget)
	defer cancel()

	err := r.gather(ctx, req, &bundle)
	bundle.Elapsed = time.Since(start)
	metrics.RetrievalSeconds.Observe(bundle.Elapsed.Seconds())

	if err != nil {
		bundle.Partial = true
		metrics.RetrievalPartial.Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			r.log.Warn("retrieval budget exceeded, returning partial context", "doc_id", req.DocID,
				"page", req.Page, "budget", r.Budget, "elapsed", bundle.Elapsed)
		} else {
			r.log.Error("retrieval failed, returning partial context", "doc_id", req.DocID,
				"page", req.Page, "error", err)
		}
	}

	r.log.Debug("context bundle", "doc_id", req.DocID, "page", req.Page,
		"concepts", len(bundle.RelatedConcepts), "prereqs", len(bundle.PrereqChain),
		"claims", len(bundle.Claims), "confusion", len(bundle.ConfusionHistory),
		"partial", bundle.Partial)
	return bundle
}

func (r *Retriever) gather(ctx context.Context, req Request, b *model.ContextBundle) error {
	concepts, err := r.Store.ConceptsForPage(ctx, req.DocID, req.Page, maxConcepts)
	if err != nil {
		return fmt.Errorf("failed to get page concepts: %w", err)
	}
	seen := make(map[string]bool, len(concepts))
	ids := make([]string, 0, len(concepts))
	for _, c := range concepts {
		b.RelatedConcepts = append(b.RelatedConcepts, model.RefOf(c))
		seen[c.ID] = true
		seen[strings.ToLower(c.Label)] = true
		ids = append(ids, c.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prereqs, err := r.Store.PrerequisitesOf(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to get prerequisites: %w", err)
	}
	for _, p := range prereqs {
		if len(b.PrereqChain) >= maxPrereqs {
			break
		}
		if seen[p.ID] || seen[strings.ToLower(p.Label)] {
			continue
		}
		seen[p.ID] = true
		seen[strings.ToLower(p.Label)] = true
		b.PrereqChain = append(b.PrereqChain, model.RefOf(p))
		ids = append(ids, p.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	signals, err := r.Store.ConfusionHistory(ctx, ids, maxConfusion)
	if err != nil {
		return fmt.Errorf("failed to get confusion history: %w", err)
	}
	for _, s := range signals {
		d := s.Signal()
		b.ConfusionHistory = append(b.ConfusionHistory, model.ConfusionEntry{
			SignalID: s.ID,
			Concepts: d.Concepts,
			Page:     d.Page,
			State:    d.State,
			At:       s.CreatedAt,
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	claims, err := r.Store.ClaimsForPage(ctx, req.DocID, req.Page, maxClaims)
	if err != nil {
		return fmt.Errorf("failed to get claims: %w", err)
	}
	for _, c := range claims {
		statement := c.Claim().Statement
		if statement == "" {
			statement = c.Label
		}
		b.Claims = append(b.Claims, statement)
	}
	return nil
}

func lastTurns(turns []model.ChatTurn, n int) []model.ChatTurn {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]model.ChatTurn, len(turns))
	copy(out, turns)
	return out
}

// ConceptMapEntry is one concept of the document-wide concept map.
type ConceptMapEntry struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Definition string   `json:"definition,omitempty"`
	Confidence float64  `json:"confidence"`
	Understood bool     `json:"understood"`
	DependsOn  []string `json:"depends_on"`
	Topic      int      `json:"topic"` // 0 when the concept is not part of any cluster
}

// ConceptMap lists the document's concepts, most confident first, with
// their depends_on targets and a topic cluster number.
func (r *Retriever) ConceptMap(ctx context.Context, docID string) ([]ConceptMapEntry, error) {
	nodes, edges, err := r.Store.DocumentGraph(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document graph: %w", err)
	}

	var concepts []model.Node
	for _, n := range nodes {
		if n.Type == model.NodeConcept {
			concepts = append(concepts, n)
		}
	}
	concepts = topByConfidence(concepts, maxMapNodes)

	deps := make(map[string][]string)
	for _, e := range edges {
		if e.RelType == model.RelDependsOn {
			deps[e.SourceID] = append(deps[e.SourceID], e.TargetID)
		}
	}

	topic := make(map[string]int)
	for i, cluster := range r.Detector.Detect(concepts, edges) {
		for _, n := range cluster {
			topic[n.ID] = i + 1
		}
	}

	out := make([]ConceptMapEntry, 0, len(concepts))
	for _, c := range concepts {
		data := c.Concept()
		dependsOn := deps[c.ID]
		if dependsOn == nil {
			dependsOn = []string{}
		}
		out = append(out, ConceptMapEntry{
			ID:         c.ID,
			Name:       c.Label,
			Definition: data.Definition,
			Confidence: c.Confidence,
			Understood: data.Understood,
			DependsOn:  dependsOn,
			Topic:      topic[c.ID],
		})
	}
	return out, nil
}

// topByConfidence orders by confidence, oldest first among equals.
func topByConfidence(nodes []model.Node, n int) []model.Node {
	sorted := make([]model.Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
