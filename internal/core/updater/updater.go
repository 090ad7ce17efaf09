// Package updater applies small incremental changes to the knowledge graph
// as the reader interacts with a document.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agenthands/readbuddy/internal/core/common"
	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/core/state"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/logger"
)

const (
	confusionPenalty = -0.05
	highlightBoost   = 0.1
	questionBoost    = 0.15
	understoodBoost  = 0.2
	rereadBoost      = 0.1

	SourceUserQuestion = "user_question"
)

type Updater struct {
	Store *graph.Store
	log   *logger.Logger
}

func New(store *graph.Store, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.Nop()
	}
	return &Updater{Store: store, log: log}
}

// RecordConfusion stores a signal node for a STUCK or TIRED episode and links
// it to the page chunk and the page's concepts, which lose a little
// confidence. Other states are ignored and return an empty id.
func (u *Updater) RecordConfusion(ctx context.Context, docID, sessionID string, page int, st state.State) (string, error) {
	if st != state.Stuck && st != state.Tired {
		return "", nil
	}

	var signalID string
	var linked int
	err := u.Store.Batch(ctx, func(tx *graph.Tx) error {
		concepts, err := tx.ConceptsForPage(ctx, docID, page, 0)
		if err != nil {
			return err
		}
		names := make([]string, len(concepts))
		for i, c := range concepts {
			names[i] = c.Label
		}

		signalID, err = tx.AddNode(ctx, model.Node{
			Type:       model.NodeSignal,
			Label:      fmt.Sprintf("%s on page %d", st, page),
			DocID:      docID,
			Confidence: 1,
			Data:       model.SignalData{State: string(st), Page: page, SessionID: sessionID, Concepts: names},
		})
		if err != nil {
			return err
		}

		if chunkID, ok, err := pageChunkID(ctx, tx, docID, page); err != nil {
			return err
		} else if ok {
			if _, err := tx.AddEdge(ctx, model.Edge{SourceID: signalID, TargetID: chunkID, RelType: model.RelConfusedAt, Weight: 1}); err != nil {
				return err
			}
		}
		for _, c := range concepts {
			if _, err := tx.AddEdge(ctx, model.Edge{SourceID: signalID, TargetID: c.ID, RelType: model.RelConfusedAt, Weight: 1}); err != nil {
				return err
			}
			if _, err := tx.AdjustConfidence(ctx, c.ID, confusionPenalty); err != nil {
				return err
			}
		}
		linked = len(concepts)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record confusion: %w", err)
	}

	u.log.Info("recorded confusion signal", "doc_id", docID, "session_id", sessionID, "page", page,
		"state", st, "concepts", linked)
	return signalID, nil
}

// RecordHighlight stores the highlighted text as an annotation on the page
// and boosts the page's concepts.
func (u *Updater) RecordHighlight(ctx context.Context, docID string, page int, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty highlight", graph.ErrInvalid)
	}

	var annotationID string
	var boosted int
	err := u.Store.Batch(ctx, func(tx *graph.Tx) error {
		var err error
		annotationID, err = tx.AddNode(ctx, model.Node{
			Type:       model.NodeAnnotation,
			Label:      common.Truncate(text, 80),
			DocID:      docID,
			Confidence: 1,
			Data:       model.AnnotationData{Page: page, Text: text},
		})
		if err != nil {
			return err
		}

		if chunkID, ok, err := pageChunkID(ctx, tx, docID, page); err != nil {
			return err
		} else if ok {
			if _, err := tx.AddEdge(ctx, model.Edge{SourceID: annotationID, TargetID: chunkID, RelType: model.RelAnnotated, Weight: 1}); err != nil {
				return err
			}
		}

		concepts, err := tx.ConceptsForPage(ctx, docID, page, 0)
		if err != nil {
			return err
		}
		for _, c := range concepts {
			if _, err := tx.AdjustConfidence(ctx, c.ID, highlightBoost); err != nil {
				return err
			}
		}
		boosted = len(concepts)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record highlight: %w", err)
	}

	u.log.Info("recorded highlight", "doc_id", docID, "page", page, "boosted", boosted)
	return annotationID, nil
}

// RecordQuestionAbout boosts the concept the reader asked about. A term the
// graph does not know yet becomes a new concept at user confidence.
func (u *Updater) RecordQuestionAbout(ctx context.Context, docID, term string) (model.Node, bool, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return model.Node{}, false, fmt.Errorf("%w: empty concept name", graph.ErrInvalid)
	}

	var node model.Node
	var created bool
	err := u.Store.Batch(ctx, func(tx *graph.Tx) error {
		existing, err := findConcept(ctx, tx, docID, term)
		if err == nil {
			c, err := tx.AdjustConfidence(ctx, existing.ID, questionBoost)
			if err != nil {
				return err
			}
			existing.Confidence = c
			node = existing
			return nil
		}
		if !errors.Is(err, graph.ErrNotFound) {
			return err
		}

		node = model.Node{
			Type:       model.NodeConcept,
			Label:      term,
			DocID:      docID,
			Confidence: model.ConfidenceUser,
			Data:       model.ConceptData{Source: SourceUserQuestion},
		}
		node.ID, err = tx.AddNode(ctx, node)
		created = err == nil
		return err
	})
	if err != nil {
		return model.Node{}, false, fmt.Errorf("failed to record question: %w", err)
	}

	if created {
		u.log.Info("created concept from reader question", "doc_id", docID, "concept", term)
	} else {
		u.log.Debug("boosted concept from reader question", "doc_id", docID, "concept", node.Label,
			"confidence", node.Confidence)
	}
	return node, created, nil
}

// RecordReread strengthens the mentions edges of a page the reader came back
// to. It returns the number of edges touched.
func (u *Updater) RecordReread(ctx context.Context, docID string, page int) (int, error) {
	var bumped int
	err := u.Store.Batch(ctx, func(tx *graph.Tx) error {
		chunkID, ok, err := pageChunkID(ctx, tx, docID, page)
		if err != nil || !ok {
			return err
		}
		edges, err := tx.EdgesFrom(ctx, chunkID, model.RelMentions)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if _, err := tx.BumpEdgeWeight(ctx, e.ID, rereadBoost); err != nil {
				return err
			}
		}
		bumped = len(edges)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record reread: %w", err)
	}
	return bumped, nil
}

// MarkUnderstood flags a concept as understood and raises its confidence.
func (u *Updater) MarkUnderstood(ctx context.Context, docID, term string) (model.Node, error) {
	var node model.Node
	err := u.Store.Batch(ctx, func(tx *graph.Tx) error {
		var err error
		node, err = findConcept(ctx, tx, docID, term)
		if err != nil {
			return err
		}
		data := node.Concept()
		data.Understood = true
		if err := tx.UpdateNodeData(ctx, node.ID, data); err != nil {
			return err
		}
		node.Data = data
		node.Confidence, err = tx.AdjustConfidence(ctx, node.ID, understoodBoost)
		return err
	})
	if err != nil {
		return model.Node{}, fmt.Errorf("failed to mark %q understood: %w", term, err)
	}

	u.log.Info("concept marked understood", "doc_id", docID, "concept", node.Label)
	return node, nil
}

// findConcept prefers an exact (case-insensitive) label match and falls back
// to the first concept whose label contains term.
func findConcept(ctx context.Context, tx *graph.Tx, docID, term string) (model.Node, error) {
	n, err := tx.FindConceptByLabel(ctx, docID, term)
	if !errors.Is(err, graph.ErrNotFound) {
		return n, err
	}
	matches, err := tx.FindNodes(ctx, graph.NodeFilter{Type: model.NodeConcept, DocID: docID, LabelContains: term, Limit: 1})
	if err != nil {
		return model.Node{}, err
	}
	if len(matches) == 0 {
		return model.Node{}, fmt.Errorf("%w: concept %q", graph.ErrNotFound, term)
	}
	return matches[0], nil
}

func pageChunkID(ctx context.Context, tx *graph.Tx, docID string, page int) (string, bool, error) {
	chunk, err := tx.PageChunk(ctx, docID, page)
	if errors.Is(err, graph.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return chunk.ID, true, nil
}
