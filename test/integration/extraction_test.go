//go:build integration

package integration

import (
	"context"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core/extraction"
	"github.com/agenthands/readbuddy/internal/llm"
)

func TestModelExtraction(t *testing.T) {
	_ = godotenv.Load("../../.env")
	if os.Getenv("LLM_PROVIDER") == "" {
		t.Skip("Skipping integration test: LLM_PROVIDER not set")
	}
	ctx := context.Background()

	cfg := config.Default()
	cfg.ApplyEnv()
	provider, err := llm.NewProvider(ctx, cfg.LLM, nil)
	require.NoError(t, err)
	if !provider.HealthCheck(ctx) {
		t.Skipf("Skipping integration test: %s is not reachable", cfg.LLM.Provider)
	}

	b := newBuddy(t, provider)
	up, err := b.Upload(ctx, "rubisco.txt", rubisco)
	require.NoError(t, err)

	res, err := b.ExtractDocument(ctx, up.DocID)
	require.NoError(t, err)
	assert.Equal(t, extraction.StrategyModel, res.Strategy)
	assert.Greater(t, res.ConceptsAdded, 0)

	pc, err := b.PageConcepts(ctx, up.SessionID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, pc.Concepts)
}
