//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core"
	"github.com/agenthands/readbuddy/internal/driver"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/llm"
	"github.com/agenthands/readbuddy/internal/session"
)

var rubisco = []string{
	"The **Calvin Cycle** uses **Rubisco** to fix carbon dioxide inside the stroma of the chloroplast.",
	"Without Rubisco the Light Reactions would have nothing to feed: ATP and NADPH would pile up unused.",
}

func newBuddy(t *testing.T, provider llm.Provider, opts ...core.Option) *core.Buddy {
	t.Helper()
	cfg := config.Default()
	cfg.Knowledge.DataDir = t.TempDir()
	cfg.Knowledge.ExtractOnUpload = false

	g, err := graph.Open(filepath.Join(cfg.Knowledge.DataDir, "graph.db"))
	require.NoError(t, err)
	s, err := session.Open(filepath.Join(cfg.Knowledge.DataDir, "sessions.db"))
	require.NoError(t, err)
	b := core.New(cfg, g, s, provider, nil, opts...)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func TestMirrorRoundTrip(t *testing.T) {
	_ = godotenv.Load("../../.env")
	uri := os.Getenv("MEMGRAPH_URI")
	if uri == "" {
		t.Skip("Skipping integration test: MEMGRAPH_URI not set")
	}
	ctx := context.Background()

	d, err := driver.NewMemgraphDriver(ctx, uri, os.Getenv("MEMGRAPH_USER"), os.Getenv("MEMGRAPH_PASSWORD"), nil)
	require.NoError(t, err)

	b := newBuddy(t, nil)
	m := core.NewMirror(d, b.Graph, nil)
	require.NoError(t, m.BuildIndices(ctx))
	b.Mirror = m

	up, err := b.Upload(ctx, "rubisco.txt", rubisco)
	require.NoError(t, err)
	_, err = b.ExtractDocument(ctx, up.DocID)
	require.NoError(t, err)
	t.Cleanup(func() { m.DeleteDocument(context.Background(), up.DocID) })

	pushed, err := b.MirrorDocument(ctx, up.DocID)
	require.NoError(t, err)
	assert.Greater(t, pushed.Nodes, 0)

	// pushing again updates in place
	_, err = b.MirrorDocument(ctx, up.DocID)
	require.NoError(t, err)

	remote, err := m.RemoteCounts(ctx, up.DocID)
	require.NoError(t, err)
	assert.Equal(t, pushed, remote)
}
