package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/llm"
)

func newTestExtractor(t *testing.T, provider llm.Provider) (*Extractor, *graph.Store) {
	t.Helper()
	store, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Knowledge.ExtractionRPS = 0
	return NewExtractor(store, provider, cfg, nil), store
}

func nodeLabels(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Label
	}
	return out
}

var photosynthesisDoc = []Page{
	{Number: 1, Text: "This introductory chapter explains how living things capture energy from their surroundings."},
	{Number: 2, Text: "Photosynthesis is the process by which green plants turn light, water and carbon dioxide into glucose."},
	{Number: 3, Text: "Because of photosynthesis, plants store energy. Chlorophyll absorbs the light that the process depends on."},
}

func TestExtractDocument_PhotosynthesisScenario(t *testing.T) {
	mock := &llm.MockProvider{
		Responses: []string{
			`{"concepts": [{"name": "Energy", "definition": "The capacity to do work.", "prerequisites": []}], "claims": []}`,
			"```json\n" + `{"concepts": [{"name": "Photosynthesis", "definition": "Plants turning light into sugar.", "prerequisites": []}],
			  "claims": [{"statement": "Plants make glucose from light.", "supports": ["Photosynthesis"]}]}` + "\n```",
			`{"concepts": [{"name": "photosynthesis", "definition": "", "prerequisites": ["Chlorophyll"]}], "claims": []}`,
			`{"relationships": [
				{"source": "Photosynthesis", "target": "Energy", "relation": "explains"},
				{"source": "Photosynthesis", "target": "Nowhere", "relation": "depends_on"},
				{"source": "Energy", "target": "Photosynthesis", "relation": "mentions"}
			]}`,
		},
	}
	ex, store := newTestExtractor(t, mock)
	ctx := context.Background()

	res, err := ex.ExtractDocument(ctx, "doc", "bio.txt", photosynthesisDoc)
	require.NoError(t, err)
	assert.Equal(t, StrategyModel, res.Strategy)
	assert.Equal(t, 3, res.ConceptsAdded)
	assert.Equal(t, 1, res.ClaimsAdded)
	assert.Zero(t, res.PagesFailed)
	assert.Equal(t, 4, mock.CallCount())

	onPage3, err := store.ConceptsForPage(ctx, "doc", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Photosynthesis"}, nodeLabels(onPage3))

	photo, err := store.FindConceptByLabel(ctx, "doc", "Photosynthesis")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceModel, photo.Confidence)
	assert.Equal(t, "Plants turning light into sugar.", photo.Concept().Definition)

	prereqs, err := store.PrerequisitesOf(ctx, []string{photo.ID})
	require.NoError(t, err)
	require.Equal(t, []string{"Chlorophyll"}, nodeLabels(prereqs))
	assert.Equal(t, "prerequisite", prereqs[0].Concept().Source)

	deps, err := store.EdgesFrom(ctx, photo.ID, model.RelDependsOn)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.NotNil(t, deps[0].Data.Confidence)
	assert.Equal(t, photo.Confidence, *deps[0].Data.Confidence, "inferred edges carry the source concept's confidence")

	explains, err := store.EdgesFrom(ctx, photo.ID, model.RelExplains)
	require.NoError(t, err)
	assert.Len(t, explains, 1)

	claims, err := store.ClaimsForPage(ctx, "doc", 2, 5)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	supports, err := store.EdgesFrom(ctx, claims[0].ID, model.RelSupports)
	require.NoError(t, err)
	require.Len(t, supports, 1)
	assert.Equal(t, photo.ID, supports[0].TargetID)

	doc, err := store.GetNode(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, model.NodeDocument, doc.Type)

	stats, err := store.DocStats(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 3, stats.Concepts)
}

var rubiscoDoc = []Page{
	{Number: 1, Text: "The **Calvin Cycle** fixes carbon. Plants rely on the Light Reactions and on Rubisco to do this work every day."},
	{Number: 2, Text: "Without enough Rubisco the cycle slows down. Scientists study Rubisco closely because it is slow and wasteful."},
}

func TestExtractDocument_HeuristicFallbackWhenOffline(t *testing.T) {
	mock := &llm.MockProvider{Err: fmt.Errorf("%w: connection refused", llm.ErrProviderUnavailable)}
	ex, store := newTestExtractor(t, mock)
	ctx := context.Background()

	res, err := ex.ExtractDocument(ctx, "doc", "bio.txt", rubiscoDoc)
	require.NoError(t, err)
	assert.Equal(t, StrategyHeuristic, res.Strategy)
	assert.Equal(t, 1, mock.CallCount(), "a dead provider is not retried for every page")

	page1, err := store.ConceptsForPage(ctx, "doc", 1, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Calvin Cycle", "Light Reactions", "Rubisco"}, nodeLabels(page1))
	for _, n := range page1 {
		assert.Equal(t, model.ConfidenceHeuristic, n.Confidence)
		assert.Equal(t, StrategyHeuristic, n.Concept().Source)
	}

	page2, err := store.ConceptsForPage(ctx, "doc", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rubisco"}, nodeLabels(page2))

	_, edges, err := store.DocumentGraph(ctx, "doc")
	require.NoError(t, err)
	for _, e := range edges {
		assert.Equal(t, model.RelMentions, e.RelType, "heuristics never infer relationships")
	}
}

func TestExtractDocument_NoProvider(t *testing.T) {
	ex, store := newTestExtractor(t, nil)
	res, err := ex.ExtractDocument(context.Background(), "doc", "bio.txt", rubiscoDoc)
	require.NoError(t, err)
	assert.Equal(t, StrategyHeuristic, res.Strategy)

	_, err = store.FindConceptByLabel(context.Background(), "doc", "rubisco")
	assert.NoError(t, err)
}

func TestExtractDocument_UnparseableReplyFallsBackForThatPage(t *testing.T) {
	mock := &llm.MockProvider{
		Responses: []string{
			"Sorry, I can't do that.",
			`{"concepts": [{"name": "Carbon Fixation", "definition": "Turning CO2 into sugar.", "prerequisites": []}], "claims": []}`,
		},
		Response: `{"relationships": []}`,
	}
	ex, store := newTestExtractor(t, mock)
	ctx := context.Background()

	res, err := ex.ExtractDocument(ctx, "doc", "bio.txt", rubiscoDoc)
	require.NoError(t, err)
	assert.Equal(t, StrategyModel, res.Strategy)
	assert.Zero(t, res.PagesFailed)

	calvin, err := store.FindConceptByLabel(ctx, "doc", "Calvin Cycle")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceHeuristic, calvin.Confidence)

	fix, err := store.FindConceptByLabel(ctx, "doc", "Carbon Fixation")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceModel, fix.Confidence)
}

func TestExtractPage_ShortPageHasChunkOnly(t *testing.T) {
	mock := &llm.MockProvider{}
	ex, store := newTestExtractor(t, mock)
	ctx := context.Background()

	res, err := ex.ExtractPage(ctx, "doc", Page{Number: 7, Text: "Figure 3."})
	require.NoError(t, err)
	assert.Zero(t, res.ConceptsAdded)
	assert.Zero(t, mock.CallCount())

	chunk, err := store.PageChunk(ctx, "doc", 7)
	require.NoError(t, err)
	assert.Equal(t, "Figure 3.", chunk.Data.(model.PageChunkData).TextPreview)
}

func TestExtract_ModelUpgradesHeuristicConcept(t *testing.T) {
	ex, store := newTestExtractor(t, nil)
	ctx := context.Background()
	_, err := ex.ExtractPage(ctx, "doc", Page{Number: 1, Text: "Plants rely on the Light Reactions to split water molecules every single day."})
	require.NoError(t, err)

	ex.LLM = &llm.MockProvider{Response: `{"concepts": [{"name": "light reactions", "definition": "Stage that captures light."}]}`}
	_, err = ex.ExtractPage(ctx, "doc", Page{Number: 2, Text: "During the Light Reactions, chlorophyll captures photons and stores the energy."})
	require.NoError(t, err)

	n, err := store.FindConceptByLabel(ctx, "doc", "Light Reactions")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceModel, n.Confidence)
	assert.Equal(t, "Stage that captures light.", n.Concept().Definition)
}

func TestNewExtractor_PromptOverrides(t *testing.T) {
	store, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Prompts.Extract = "Pull 100%% of the terms out of:\n%s"
	cfg.Prompts.Relate = "Relate these, no placeholder"
	e := NewExtractor(store, nil, cfg, nil)
	assert.Equal(t, cfg.Prompts.Extract, e.Prompts.Extract)
	assert.Equal(t, defaultRelatePrompt, e.Prompts.Relate)

	mock := &llm.MockProvider{Response: `{"concepts": [], "claims": []}`}
	e.LLM = mock
	_, _, err = e.Extract(context.Background(), "Osmosis moves water across a membrane.", nil)
	require.NoError(t, err)
	require.Equal(t, 1, mock.CallCount())
	assert.Equal(t, "Pull 100% of the terms out of:\nOsmosis moves water across a membrane.", mock.Calls[0].User)
}

func TestHeuristicConcepts(t *testing.T) {
	got := heuristicConcepts("Water moves by _osmosis_ and by *diffusion* across the Cell Membrane.", nil, 10)
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
		assert.Empty(t, c.Prerequisites)
	}
	assert.Equal(t, []string{"osmosis", "diffusion", "Cell Membrane"}, names)

	capped := heuristicConcepts("The Krebs Cycle and the Electron Transport Chain and the Light Reactions.", nil, 2)
	assert.Len(t, capped, 2)
}

func TestRepeatedTerms(t *testing.T) {
	got := repeatedTerms([]string{
		"Plants need Rubisco. Oxygen is released.",
		"Without enough Rubisco, growth stalls. Oxygen again.",
	})
	assert.Equal(t, map[string]string{"rubisco": "Rubisco"}, got, "sentence-initial words do not count")
}
