package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core/common"
	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/llm"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/metrics"
)

// ErrExtractionFailure marks a page whose results could not be stored.
// Document extraction logs it, counts the page as failed and moves on.
var ErrExtractionFailure = errors.New("extraction failed")

const (
	StrategyModel     = "model"
	StrategyHeuristic = "heuristic"

	minPageChars      = 50
	maxPromptChars    = 3000
	previewChars      = 200
	maxRelateConcepts = 50
)

type Page struct {
	Number int    `json:"page"`
	Text   string `json:"text"`
}

type Extractor struct {
	LLM     llm.Provider // nil means heuristics only
	Store   *graph.Store
	Prompts config.ExtractionPrompts

	limiter     *rate.Limiter
	maxConcepts int
	log         *logger.Logger
}

func NewExtractor(store *graph.Store, provider llm.Provider, cfg *config.Config, log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.Nop()
	}
	prompts := cfg.Prompts
	if err := config.CheckPromptTemplate(prompts.Extract, config.ExtractPromptArgs); err != nil {
		if prompts.Extract != "" {
			log.Warn("ignoring extract prompt override", "error", err)
		}
		prompts.Extract = defaultExtractPrompt
	}
	if err := config.CheckPromptTemplate(prompts.Relate, config.RelatePromptArgs); err != nil {
		if prompts.Relate != "" {
			log.Warn("ignoring relate prompt override", "error", err)
		}
		prompts.Relate = defaultRelatePrompt
	}
	limit := rate.Inf
	if cfg.Knowledge.ExtractionRPS > 0 {
		limit = rate.Limit(cfg.Knowledge.ExtractionRPS)
	}
	return &Extractor{
		LLM:         provider,
		Store:       store,
		Prompts:     prompts,
		limiter:     rate.NewLimiter(limit, 1),
		maxConcepts: cfg.Knowledge.MaxConceptsPerPage,
		log:         log,
	}
}

// Extract returns the concepts and claims of one page without touching the
// graph. It asks the model first and falls back to heuristics when the model
// is missing, unreachable or returns something unusable. repeated holds the
// document-wide repeated terms for the heuristic path and may be nil.
func (e *Extractor) Extract(ctx context.Context, text string, repeated map[string]string) (model.ExtractedPage, string, error) {
	if e.LLM != nil {
		page, err := e.extractWithModel(ctx, text)
		if err == nil {
			return page, StrategyModel, nil
		}
		if ctx.Err() != nil {
			return model.ExtractedPage{}, "", ctx.Err()
		}
		e.log.Warn("model extraction failed, using heuristics", "error", err)
		if errors.Is(err, llm.ErrProviderUnavailable) {
			return e.extractHeuristic(text, repeated), StrategyHeuristic, err
		}
	}
	return e.extractHeuristic(text, repeated), StrategyHeuristic, nil
}

func (e *Extractor) extractWithModel(ctx context.Context, text string) (model.ExtractedPage, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return model.ExtractedPage{}, err
	}
	prompt := fmt.Sprintf(e.Prompts.Extract, common.Truncate(text, maxPromptChars))
	resp, err := e.LLM.Generate(ctx, "", prompt, llm.GenerateOptions{Temperature: 0.1})
	if err != nil {
		return model.ExtractedPage{}, fmt.Errorf("failed to generate concepts: %w", err)
	}
	page, err := common.ParseJSON[model.ExtractedPage](resp.Text)
	if err != nil {
		return model.ExtractedPage{}, fmt.Errorf("failed to extract concepts: %w", err)
	}
	return page, nil
}

func (e *Extractor) extractHeuristic(text string, repeated map[string]string) model.ExtractedPage {
	return model.ExtractedPage{Concepts: heuristicConcepts(text, repeated, e.maxConcepts)}
}

// ExtractDocument builds the graph for a whole document. A page that fails
// is logged and left without concepts; it never aborts the document.
func (e *Extractor) ExtractDocument(ctx context.Context, docID, filename string, pages []Page) (model.ExtractionResult, error) {
	total := model.ExtractionResult{Strategy: StrategyModel}
	if e.LLM == nil {
		total.Strategy = StrategyHeuristic
	}

	_, err := e.Store.AddNode(ctx, model.Node{
		ID:         docID,
		Type:       model.NodeDocument,
		Label:      filename,
		DocID:      docID,
		Confidence: 1,
		Data:       model.DocumentData{Filename: filename, Pages: len(pages)},
	})
	if err != nil {
		return total, fmt.Errorf("failed to create document node: %w", err)
	}

	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	repeated := repeatedTerms(texts)

	offline := e.LLM == nil
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := e.extractPage(ctx, docID, p, repeated, offline)
		if errors.Is(err, llm.ErrProviderUnavailable) {
			// stop calling a dead backend for the rest of the document
			offline = true
			total.Strategy = StrategyHeuristic
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			total.PagesFailed++
			e.log.Error("page extraction failed", "doc_id", docID, "page", p.Number, "error", err)
			continue
		}
		total.Add(res)
	}

	if !offline {
		n, err := e.inferCrossRelationships(ctx, docID)
		if err != nil {
			e.log.Warn("cross-page inference failed", "doc_id", docID, "error", err)
		}
		total.EdgesAdded += n
	}

	e.log.Info("document extraction complete", "doc_id", docID, "concepts", total.ConceptsAdded,
		"claims", total.ClaimsAdded, "edges", total.EdgesAdded, "pages_failed", total.PagesFailed,
		"strategy", total.Strategy)
	return total, nil
}

// ExtractPage extracts and stores a single page of an existing document.
func (e *Extractor) ExtractPage(ctx context.Context, docID string, p Page) (model.ExtractionResult, error) {
	res, err := e.extractPage(ctx, docID, p, nil, e.LLM == nil)
	if errors.Is(err, llm.ErrProviderUnavailable) {
		err = nil
	}
	return res, err
}

// extractPage writes the page chunk, then everything extracted from it in
// one batch. The returned error wraps ErrProviderUnavailable when the page
// was stored from heuristics because the model could not be reached.
func (e *Extractor) extractPage(ctx context.Context, docID string, p Page, repeated map[string]string, offline bool) (model.ExtractionResult, error) {
	chunkID, err := e.Store.AddNode(ctx, model.Node{
		Type:       model.NodePageChunk,
		Label:      fmt.Sprintf("Page %d", p.Number),
		DocID:      docID,
		Confidence: 1,
		Data:       model.PageChunkData{Page: p.Number, TextPreview: common.Truncate(p.Text, previewChars)},
	})
	if err != nil {
		return model.ExtractionResult{}, fmt.Errorf("%w: page %d: %v", ErrExtractionFailure, p.Number, err)
	}

	if len(strings.TrimSpace(p.Text)) < minPageChars {
		return model.ExtractionResult{Strategy: StrategyHeuristic}, nil
	}

	var (
		page      model.ExtractedPage
		strategy  string
		modelDown error
	)
	if offline {
		page, strategy = e.extractHeuristic(p.Text, repeated), StrategyHeuristic
	} else {
		page, strategy, err = e.Extract(ctx, p.Text, repeated)
		if errors.Is(err, llm.ErrProviderUnavailable) {
			modelDown = err
		} else if err != nil {
			return model.ExtractionResult{}, err
		}
	}

	var res model.ExtractionResult
	err = e.Store.Batch(ctx, func(tx *graph.Tx) error {
		var err error
		res, err = e.storePage(ctx, tx, docID, chunkID, page, strategy)
		return err
	})
	if err != nil {
		metrics.ExtractionPages.WithLabelValues(strategy, "failed").Inc()
		return model.ExtractionResult{}, fmt.Errorf("%w: page %d: %v", ErrExtractionFailure, p.Number, err)
	}
	metrics.ExtractionPages.WithLabelValues(strategy, "ok").Inc()
	res.Strategy = strategy

	e.log.Info("page extracted", "doc_id", docID, "page", p.Number, "strategy", strategy,
		"concepts", res.ConceptsAdded, "claims", res.ClaimsAdded, "edges", res.EdgesAdded)
	return res, modelDown
}

func (e *Extractor) storePage(ctx context.Context, tx *graph.Tx, docID, chunkID string, page model.ExtractedPage, strategy string) (model.ExtractionResult, error) {
	var res model.ExtractionResult
	confidence := model.ConfidenceModel
	if strategy == StrategyHeuristic {
		confidence = model.ConfidenceHeuristic
	}

	concepts := make(map[string]model.Node) // lower-case label -> node
	for _, c := range page.Concepts {
		name := strings.TrimSpace(c.Name)
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, dup := concepts[key]; dup {
			continue
		}
		node, created, err := e.upsertConcept(ctx, tx, docID, name, model.ConceptData{
			Definition:    strings.TrimSpace(c.Definition),
			Prerequisites: c.Prerequisites,
			Source:        strategy,
		}, confidence)
		if err != nil {
			return res, err
		}
		if created {
			res.ConceptsAdded++
		}
		concepts[key] = node

		if _, err := tx.AddEdge(ctx, model.Edge{SourceID: chunkID, TargetID: node.ID, RelType: model.RelMentions, Weight: 1}); err != nil {
			return res, err
		}
		res.EdgesAdded++
	}

	// Relationship edges only come from the model.
	if strategy != StrategyModel {
		return res, nil
	}

	for _, c := range page.Concepts {
		src, ok := concepts[strings.ToLower(strings.TrimSpace(c.Name))]
		if !ok {
			continue
		}
		for _, pre := range c.Prerequisites {
			pre = strings.TrimSpace(pre)
			if pre == "" || strings.EqualFold(pre, src.Label) {
				continue
			}
			target, ok := concepts[strings.ToLower(pre)]
			if !ok {
				var created bool
				var err error
				target, created, err = e.upsertConcept(ctx, tx, docID, pre, model.ConceptData{Source: "prerequisite"}, confidence)
				if err != nil {
					return res, err
				}
				if created {
					res.ConceptsAdded++
				}
			}
			added, err := addEdgeOnce(ctx, tx, src, target.ID, model.RelDependsOn, strategy)
			if err != nil {
				return res, err
			}
			if added {
				res.EdgesAdded++
			}
		}
	}

	for _, cl := range page.Claims {
		statement := strings.TrimSpace(cl.Statement)
		if statement == "" {
			continue
		}
		claim := model.Node{
			Type:       model.NodeClaim,
			Label:      common.Truncate(statement, 80),
			DocID:      docID,
			Confidence: confidence,
			Data:       model.ClaimData{Statement: statement, Supports: cl.Supports},
		}
		id, err := tx.AddNode(ctx, claim)
		if err != nil {
			return res, err
		}
		claim.ID = id
		res.ClaimsAdded++

		if _, err := tx.AddEdge(ctx, model.Edge{SourceID: chunkID, TargetID: id, RelType: model.RelMentions, Weight: 1}); err != nil {
			return res, err
		}
		res.EdgesAdded++

		for _, name := range cl.Supports {
			target, ok := concepts[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				continue
			}
			if _, err := tx.AddEdge(ctx, model.Edge{
				SourceID: id, TargetID: target.ID, RelType: model.RelSupports, Weight: 1,
				Data: model.InferredFrom(claim, strategy),
			}); err != nil {
				return res, err
			}
			res.EdgesAdded++
		}
	}
	return res, nil
}

// upsertConcept returns the document's concept with this label, creating it
// when missing. An existing concept picks up a missing definition and the
// higher of the two confidences.
func (e *Extractor) upsertConcept(ctx context.Context, tx *graph.Tx, docID, name string, data model.ConceptData, confidence float64) (model.Node, bool, error) {
	existing, err := tx.FindConceptByLabel(ctx, docID, name)
	if err == nil {
		cur := existing.Concept()
		if cur.Definition == "" && data.Definition != "" {
			cur.Definition = data.Definition
			if len(cur.Prerequisites) == 0 {
				cur.Prerequisites = data.Prerequisites
			}
			if err := tx.UpdateNodeData(ctx, existing.ID, cur); err != nil {
				return existing, false, err
			}
			existing.Data = cur
		}
		if confidence > existing.Confidence {
			c, err := tx.AdjustConfidence(ctx, existing.ID, confidence-existing.Confidence)
			if err != nil {
				return existing, false, err
			}
			existing.Confidence = c
		}
		return existing, false, nil
	}
	if !errors.Is(err, graph.ErrNotFound) {
		return model.Node{}, false, err
	}

	n := model.Node{Type: model.NodeConcept, Label: name, DocID: docID, Confidence: confidence, Data: data}
	id, err := tx.AddNode(ctx, n)
	if err != nil {
		return model.Node{}, false, err
	}
	n.ID = id
	return n, true, nil
}

// addEdgeOnce adds a model-inferred edge unless the same one already exists.
func addEdgeOnce(ctx context.Context, tx *graph.Tx, src model.Node, targetID string, rel model.RelType, strategy string) (bool, error) {
	edges, err := tx.EdgesFrom(ctx, src.ID, rel)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.TargetID == targetID {
			return false, nil
		}
	}
	_, err = tx.AddEdge(ctx, model.Edge{
		SourceID: src.ID, TargetID: targetID, RelType: rel, Weight: 1,
		Data: model.InferredFrom(src, strategy),
	})
	return err == nil, err
}

// inferCrossRelationships asks the model for depends_on/explains links
// between concepts found on different pages.
func (e *Extractor) inferCrossRelationships(ctx context.Context, docID string) (int, error) {
	concepts, err := e.Store.FindNodes(ctx, graph.NodeFilter{Type: model.NodeConcept, DocID: docID, Limit: maxRelateConcepts})
	if err != nil {
		return 0, err
	}
	if len(concepts) < 2 {
		return 0, nil
	}

	byName := make(map[string]model.Node, len(concepts))
	var sb strings.Builder
	for _, c := range concepts {
		byName[strings.ToLower(c.Label)] = c
		def := c.Concept().Definition
		if def == "" {
			def = "no definition"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.Label, def)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	resp, err := e.LLM.Generate(ctx, "", fmt.Sprintf(e.Prompts.Relate, sb.String()), llm.GenerateOptions{Temperature: 0.1})
	if err != nil {
		return 0, fmt.Errorf("failed to generate relationships: %w", err)
	}
	parsed, err := common.ParseJSON[model.ExtractedRelationships](resp.Text)
	if err != nil {
		return 0, fmt.Errorf("failed to extract relationships: %w", err)
	}

	added := 0
	err = e.Store.Batch(ctx, func(tx *graph.Tx) error {
		for _, r := range parsed.Relationships {
			if r.Relation != model.RelDependsOn && r.Relation != model.RelExplains {
				continue
			}
			src, ok1 := byName[strings.ToLower(strings.TrimSpace(r.Source))]
			dst, ok2 := byName[strings.ToLower(strings.TrimSpace(r.Target))]
			if !ok1 || !ok2 || src.ID == dst.ID {
				continue
			}
			ok, err := addEdgeOnce(ctx, tx, src, dst.ID, r.Relation, StrategyModel)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("cross-page inference", "doc_id", docID, "edges", added)
	return added, nil
}
