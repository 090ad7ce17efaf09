package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/graph"
)

func openStore(t *testing.T) *graph.Store {
	t.Helper()
	base := time.Unix(1_700_000_000, 0)
	var tick int64
	store, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"), graph.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type builder struct {
	t     *testing.T
	store *graph.Store
}

func (b builder) node(n model.Node) string {
	b.t.Helper()
	n.DocID = "doc"
	id, err := b.store.AddNode(context.Background(), n)
	require.NoError(b.t, err)
	return id
}

func (b builder) edge(src, dst string, rel model.RelType, w float64) {
	b.t.Helper()
	_, err := b.store.AddEdge(context.Background(), model.Edge{SourceID: src, TargetID: dst, RelType: rel, Weight: w})
	require.NoError(b.t, err)
}

func (b builder) concept(label string, conf float64) string {
	return b.node(model.Node{Type: model.NodeConcept, Label: label, Confidence: conf, Data: model.ConceptData{Definition: label + " def"}})
}

func refNames(refs []model.ConceptRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Name
	}
	return out
}

// page 3 mentions seven concepts (weights 7..1); Photosynthesis depends on
// Chlorophyll (off page) and on Light, which is also on the page.
func buildFixture(t *testing.T) (*graph.Store, map[string]string) {
	store := openStore(t)
	b := builder{t, store}
	ids := make(map[string]string)

	chunk := b.node(model.Node{Type: model.NodePageChunk, Label: "Page 3", Confidence: 1, Data: model.PageChunkData{Page: 3}})
	for i, label := range []string{"Photosynthesis", "Light", "Glucose", "Stomata", "Oxygen", "Xylem", "Phloem"} {
		ids[label] = b.concept(label, 0.8)
		b.edge(chunk, ids[label], model.RelMentions, float64(7-i))
	}
	ids["Chlorophyll"] = b.concept("Chlorophyll", 0.8)
	b.edge(ids["Photosynthesis"], ids["Chlorophyll"], model.RelDependsOn, 1)
	b.edge(ids["Photosynthesis"], ids["Light"], model.RelDependsOn, 1)

	claim := b.node(model.Node{Type: model.NodeClaim, Label: "Plants make sugar", Confidence: 0.8, Data: model.ClaimData{Statement: "Plants make sugar from light."}})
	b.edge(chunk, claim, model.RelMentions, 1)

	for i := 0; i < 7; i++ {
		sig := b.node(model.Node{
			Type: model.NodeSignal, Label: "stuck", Confidence: 1,
			Data: model.SignalData{State: "stuck", Page: i, Concepts: []string{"Chlorophyll"}},
		})
		b.edge(sig, ids["Chlorophyll"], model.RelConfusedAt, 1)
	}
	return store, ids
}

func TestBuildContext_Bounded(t *testing.T) {
	store, _ := buildFixture(t)
	r := New(store, time.Second, nil)

	chat := make([]model.ChatTurn, 14)
	for i := range chat {
		chat[i] = model.ChatTurn{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	b := r.BuildContext(context.Background(), Request{DocID: "doc", Page: 3, Passage: "Light hits the leaf.", Chat: chat})

	assert.False(t, b.Partial)
	assert.Equal(t, []string{"Photosynthesis", "Light", "Glucose", "Stomata", "Oxygen"}, refNames(b.RelatedConcepts))
	assert.Equal(t, []string{"Chlorophyll"}, refNames(b.PrereqChain), "prerequisites already on the page are not repeated")
	assert.Len(t, b.ConfusionHistory, maxConfusion)
	assert.Equal(t, 6, b.ConfusionHistory[0].Page, "most recent first")
	assert.Equal(t, []string{"Chlorophyll"}, b.ConfusionHistory[0].Concepts)
	assert.Equal(t, []string{"Plants make sugar from light."}, b.Claims)
	require.Len(t, b.ChatHistory, maxChatTurns)
	assert.Equal(t, "turn 4", b.ChatHistory[0].Content)
	assert.Equal(t, "turn 13", b.ChatHistory[9].Content)

	s := b.String()
	assert.Contains(t, s, "Light hits the leaf.")
	assert.Contains(t, s, "- Chlorophyll: Chlorophyll def")
	assert.Contains(t, s, "Reader was stuck")
}

func TestBuildContext_UnknownPage(t *testing.T) {
	store, _ := buildFixture(t)
	b := New(store, 0, nil).BuildContext(context.Background(), Request{DocID: "doc", Page: 40})
	assert.False(t, b.Partial)
	assert.True(t, b.Empty())
	assert.NotNil(t, b.RelatedConcepts)
}

func TestBuildContext_PartialWhenBudgetExceeded(t *testing.T) {
	store, _ := buildFixture(t)
	r := New(store, 20*time.Millisecond, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Batch(context.Background(), func(tx *graph.Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	start := time.Now()
	b := r.BuildContext(context.Background(), Request{DocID: "doc", Page: 3, Passage: "p"})
	elapsed := time.Since(start)
	close(release)
	require.NoError(t, <-done)

	assert.True(t, b.Partial)
	assert.Empty(t, b.RelatedConcepts)
	assert.Equal(t, "p", b.PassageWindow)
	assert.Less(t, elapsed, time.Second, "retrieval must not wait for the writer")
}

func TestConceptMap(t *testing.T) {
	store, ids := buildFixture(t)
	r := New(store, 0, nil)

	require.NoError(t, store.UpdateNodeData(context.Background(), ids["Light"], model.ConceptData{Definition: "Light def", Understood: true}))

	entries, err := r.ConceptMap(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, entries, 8)

	byName := make(map[string]ConceptMapEntry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	photo := byName["Photosynthesis"]
	assert.ElementsMatch(t, []string{ids["Chlorophyll"], ids["Light"]}, photo.DependsOn)
	assert.NotZero(t, photo.Topic)
	assert.Equal(t, photo.Topic, byName["Chlorophyll"].Topic)
	assert.Equal(t, photo.Topic, byName["Light"].Topic)
	assert.True(t, byName["Light"].Understood)
	assert.Zero(t, byName["Xylem"].Topic)
	assert.Equal(t, []string{}, byName["Xylem"].DependsOn)
}

func TestConceptMap_EqualConfidenceOldestFirst(t *testing.T) {
	store := openStore(t)
	b := builder{t, store}
	for _, c := range []struct {
		label string
		conf  float64
	}{{"Auxin", 0.5}, {"Bract", 0.9}, {"Cambium", 0.5}, {"Dormancy", 0.9}, {"Ethylene", 0.5}} {
		b.concept(c.label, c.conf)
	}

	entries, err := New(store, 0, nil).ConceptMap(context.Background(), "doc")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Bract", "Dormancy", "Auxin", "Cambium", "Ethylene"}, names)
}

func TestTopByConfidence(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	nodes := []model.Node{
		{ID: "n3", Label: "newest", Confidence: 0.7, CreatedAt: base.Add(3 * time.Second)},
		{ID: "n2", Label: "middle", Confidence: 0.7, CreatedAt: base.Add(2 * time.Second)},
		{ID: "n9", Label: "top", Confidence: 0.9, CreatedAt: base.Add(9 * time.Second)},
		{ID: "n1", Label: "oldest", Confidence: 0.7, CreatedAt: base.Add(time.Second)},
	}

	got := topByConfidence(nodes, 3)
	var labels []string
	for _, n := range got {
		labels = append(labels, n.Label)
	}
	assert.Equal(t, []string{"top", "oldest", "middle"}, labels)
	assert.Equal(t, "newest", nodes[0].Label, "input is left untouched")
}
