package graph

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/readbuddy/internal/core/model"
)

// tickingClock returns a clock that advances one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(tickingClock())}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addNode(t *testing.T, s *Store, n model.Node) string {
	t.Helper()
	id, err := s.AddNode(context.Background(), n)
	require.NoError(t, err)
	return id
}

func addEdge(t *testing.T, s *Store, src, dst string, rel model.RelType, w float64) string {
	t.Helper()
	id, err := s.AddEdge(context.Background(), model.Edge{SourceID: src, TargetID: dst, RelType: rel, Weight: w})
	require.NoError(t, err)
	return id
}

func concept(doc, label string, conf float64) model.Node {
	return model.Node{Type: model.NodeConcept, Label: label, DocID: doc, Confidence: conf, Data: model.ConceptData{Source: "model"}}
}

func chunk(doc string, page int) model.Node {
	return model.Node{Type: model.NodePageChunk, Label: "page", DocID: doc, Confidence: 1, Data: model.PageChunkData{Page: page}}
}

func labels(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Label
	}
	return out
}

func TestAddNode_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := addNode(t, s, model.Node{
		Type: model.NodeConcept, Label: "Chlorophyll", DocID: "d1", Confidence: 1.7,
		Data: model.ConceptData{Definition: "green pigment", Prerequisites: []string{"Light"}, Source: "model"},
	})

	n, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.NodeConcept, n.Type)
	assert.Equal(t, 1.0, n.Confidence, "confidence is clamped")
	assert.Equal(t, "green pigment", n.Concept().Definition)
	assert.Equal(t, []string{"Light"}, n.Concept().Prerequisites)
	assert.False(t, n.CreatedAt.IsZero())

	_, err = s.GetNode(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAddNode_RejectsMismatchedPayload(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddNode(context.Background(), model.Node{Type: model.NodeClaim, Label: "x", Data: model.ConceptData{}})
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = s.AddNode(context.Background(), model.Node{Type: "gizmo", Label: "x"})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestAddEdge_ReferentialIntegrity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := addNode(t, s, concept("d1", "A", 0.8))

	nodesBefore, edgesBefore, err := s.Counts(ctx)
	require.NoError(t, err)

	_, err = s.AddEdge(ctx, model.Edge{SourceID: a, TargetID: "ghost", RelType: model.RelDependsOn, Weight: 1})
	assert.True(t, errors.Is(err, ErrReferential))
	assert.Contains(t, err.Error(), "ghost")

	_, err = s.AddEdge(ctx, model.Edge{SourceID: "ghost", TargetID: a, RelType: model.RelDependsOn, Weight: 1})
	assert.True(t, errors.Is(err, ErrReferential))

	nodesAfter, edgesAfter, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodesBefore, nodesAfter)
	assert.Equal(t, edgesBefore, edgesAfter)
}

func TestBumpEdgeWeight_NeverNegative(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := addNode(t, s, concept("d1", "A", 0.8))
	b := addNode(t, s, concept("d1", "B", 0.8))
	e := addEdge(t, s, a, b, model.RelExplains, 1.5)

	for i := 0; i < 5; i++ {
		w, err := s.BumpEdgeWeight(ctx, e, -1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w, 0.0)
	}
	edges, err := s.EdgesFrom(ctx, a, model.RelExplains)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.0, edges[0].Weight)

	w, err := s.BumpEdgeWeight(ctx, e, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, w, 1e-9)

	_, err = s.BumpEdgeWeight(ctx, "nope", 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAddEdge_ClampsNegativeWeight(t *testing.T) {
	s := openTestStore(t)
	a := addNode(t, s, concept("d1", "A", 0.8))
	b := addNode(t, s, concept("d1", "B", 0.8))
	addEdge(t, s, a, b, model.RelExplains, -3)

	edges, err := s.EdgesTo(context.Background(), b, "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.0, edges[0].Weight)
}

func TestAdjustConfidence_Clamped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := addNode(t, s, concept("d1", "A", 0.5))

	c, err := s.AdjustConfidence(ctx, id, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1.0, c)

	c, err = s.AdjustConfidence(ctx, id, -3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c)
}

func TestUpdateNodeData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := addNode(t, s, concept("d1", "A", 0.5))

	require.NoError(t, s.UpdateNodeData(ctx, id, model.ConceptData{Understood: true}))
	n, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.True(t, n.Concept().Understood)

	err = s.UpdateNodeData(ctx, id, model.ClaimData{Statement: "no"})
	assert.True(t, errors.Is(err, ErrInvalid))

	err = s.UpdateNodeData(ctx, "missing", model.ConceptData{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func buildPageFixture(t *testing.T) []string {
	t.Helper()
	s := openTestStore(t)
	ctx := context.Background()

	p3 := addNode(t, s, chunk("doc", 3))
	other := addNode(t, s, chunk("doc", 4))

	// equal weight and confidence: creation order decides
	for _, l := range []string{"Gamma", "Alpha", "Beta"} {
		id := addNode(t, s, concept("doc", l, 0.8))
		addEdge(t, s, p3, id, model.RelMentions, 1)
	}
	heavy := addNode(t, s, concept("doc", "Heavy", 0.5))
	addEdge(t, s, p3, heavy, model.RelMentions, 2)
	sure := addNode(t, s, concept("doc", "Sure", 0.9))
	addEdge(t, s, p3, sure, model.RelMentions, 1)
	elsewhere := addNode(t, s, concept("doc", "Elsewhere", 1))
	addEdge(t, s, other, elsewhere, model.RelMentions, 5)
	// a claim on the same page is not a concept
	claim := addNode(t, s, model.Node{Type: model.NodeClaim, Label: "c", DocID: "doc", Confidence: 1, Data: model.ClaimData{Statement: "c"}})
	addEdge(t, s, p3, claim, model.RelMentions, 9)

	got, err := s.ConceptsForPage(ctx, "doc", 3, 0)
	require.NoError(t, err)
	return labels(got)
}

func TestConceptsForPage_DeterministicOrder(t *testing.T) {
	want := []string{"Heavy", "Sure", "Gamma", "Alpha", "Beta"}

	first := buildPageFixture(t)
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("ConceptsForPage order mismatch (-want +got):\n%s", diff)
	}
	second := buildPageFixture(t)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("ConceptsForPage not reproducible (-first +second):\n%s", diff)
	}
}

func TestConceptsForPage_RepeatedMentionsCountOnce(t *testing.T) {
	s := openTestStore(t, WithMaxConceptsPerPage(2))
	ctx := context.Background()
	p := addNode(t, s, chunk("doc", 1))
	ids := make([]string, 3)
	for i, l := range []string{"A", "B", "C"} {
		ids[i] = addNode(t, s, concept("doc", l, 0.8))
		addEdge(t, s, p, ids[i], model.RelMentions, 1)
	}
	// reinforcement: a second, stronger mention of C
	addEdge(t, s, p, ids[2], model.RelMentions, 3)

	got, err := s.ConceptsForPage(ctx, "doc", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, labels(got), "deduplicated and capped at the configured max")

	got, err = s.ConceptsForPage(ctx, "doc", 1, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.ConceptsForPage(ctx, "other-doc", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClaimsForPage(t *testing.T) {
	s := openTestStore(t)
	p := addNode(t, s, chunk("doc", 2))
	c := addNode(t, s, model.Node{Type: model.NodeClaim, Label: "Plants make sugar", DocID: "doc", Confidence: 0.8,
		Data: model.ClaimData{Statement: "Plants make sugar from light."}})
	addEdge(t, s, p, c, model.RelMentions, 1)

	got, err := s.ClaimsForPage(context.Background(), "doc", 2, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Plants make sugar from light.", got[0].Claim().Statement)
}

func TestPrerequisitesOf_OneHop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := addNode(t, s, concept("doc", "A", 0.8))
	b := addNode(t, s, concept("doc", "B", 0.8))
	c := addNode(t, s, concept("doc", "C", 0.8))
	addEdge(t, s, a, b, model.RelDependsOn, 1)
	addEdge(t, s, b, c, model.RelDependsOn, 1)
	// cycle back to A
	addEdge(t, s, b, a, model.RelDependsOn, 1)
	// duplicate edge
	addEdge(t, s, a, b, model.RelDependsOn, 1)

	got, err := s.PrerequisitesOf(ctx, []string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, labels(got))

	got, err = s.PrerequisitesOf(ctx, []string{b})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, labels(got))

	got, err = s.PrerequisitesOf(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConfusionHistory_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := addNode(t, s, concept("doc", "A", 0.8))
	b := addNode(t, s, concept("doc", "B", 0.8))

	var signals []string
	for i := 0; i < 4; i++ {
		id := addNode(t, s, model.Node{Type: model.NodeSignal, Label: "stuck", DocID: "doc", Confidence: 1,
			Data: model.SignalData{State: "stuck", Page: i + 1}})
		signals = append(signals, id)
	}
	addEdge(t, s, signals[0], a, model.RelConfusedAt, 1)
	addEdge(t, s, signals[1], b, model.RelConfusedAt, 1)
	addEdge(t, s, signals[2], a, model.RelConfusedAt, 1)
	addEdge(t, s, signals[2], b, model.RelConfusedAt, 1)
	// signals[3] is unrelated

	got, err := s.ConfusionHistory(ctx, []string{a, b}, 5)
	require.NoError(t, err)
	pages := make([]int, len(got))
	for i, n := range got {
		pages[i] = n.Signal().Page
	}
	assert.Equal(t, []int{3, 2, 1}, pages)

	got, err = s.ConfusionHistory(ctx, []string{a, b}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFindConceptByLabel_IgnoresCase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := addNode(t, s, concept("doc", "Photosynthesis", 0.8))

	n, err := s.FindConceptByLabel(ctx, "doc", "  photosynthesis ")
	require.NoError(t, err)
	assert.Equal(t, id, n.ID)

	_, err = s.FindConceptByLabel(ctx, "other", "Photosynthesis")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindNodes_LabelContainsIsLiteral(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addNode(t, s, concept("doc", "Chlorophyll", 0.5))
	addNode(t, s, concept("doc", "Water_Potential", 0.5))
	addNode(t, s, concept("doc", "100% yield", 0.5))
	addNode(t, s, concept("doc", `C:\path`, 0.5))

	find := func(term string) []string {
		t.Helper()
		got, err := s.FindNodes(ctx, NodeFilter{Type: model.NodeConcept, DocID: "doc", LabelContains: term})
		require.NoError(t, err)
		return labels(got)
	}

	assert.Empty(t, find("%%"))
	assert.Equal(t, []string{"100% yield"}, find("%"))
	assert.Equal(t, []string{"Water_Potential"}, find("_"))
	assert.Empty(t, find("Chl_rophyll"))
	assert.Equal(t, []string{`C:\path`}, find(`:\`))
	assert.Equal(t, []string{"Chlorophyll"}, find("chloro"))
}

func TestBatch_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Batch(ctx, func(tx *Tx) error {
		id, err := tx.AddNode(ctx, concept("doc", "A", 0.8))
		if err != nil {
			return err
		}
		if _, err := tx.GetNode(ctx, id); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	nodes, edges, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestBatch_ReferentialFailureLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, func(tx *Tx) error {
		a, err := tx.AddNode(ctx, concept("doc", "A", 0.8))
		if err != nil {
			return err
		}
		_, err = tx.AddEdge(ctx, model.Edge{SourceID: a, TargetID: "ghost", RelType: model.RelDependsOn, Weight: 1})
		return err
	})
	assert.True(t, errors.Is(err, ErrReferential))

	nodes, _, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, nodes)
}

func TestLock_HonoursDeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.Batch(ctx, func(tx *Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.ConceptsForPage(short, "doc", 1, 0)
	close(done)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	var se *StorageError
	assert.True(t, errors.As(err, &se))
}

func TestDocStatsAndDocumentGraph(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := addNode(t, s, model.Node{Type: model.NodeDocument, Label: "bio.txt", DocID: "doc", Confidence: 1, Data: model.DocumentData{Filename: "bio.txt", Pages: 1}})
	p := addNode(t, s, chunk("doc", 1))
	a := addNode(t, s, concept("doc", "A", 0.8))
	addEdge(t, s, p, a, model.RelMentions, 1)
	addNode(t, s, concept("elsewhere", "Z", 0.8))

	st, err := s.DocStats(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, DocStats{Concepts: 1, Chunks: 1, Edges: 1}, st)

	nodes, edges, err := s.DocumentGraph(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	require.Len(t, edges, 1)
	assert.Equal(t, p, edges[0].SourceID)

	docs, err := s.FindNodes(ctx, NodeFilter{Type: model.NodeDocument})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc, docs[0].ID)
}

func TestOpen_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "graph.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.AddNode(context.Background(), concept("doc", "Kept", 0.8))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.GetNode(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Kept", n.Label)
}
