package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs_RedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"api_key", "sk-123", "model", "llama3.2:3b", "MEMGRAPH_PASSWORD", "pw"})

	assert.Equal(t, []interface{}{"api_key", "[REDACTED]", "model", "llama3.2:3b", "MEMGRAPH_PASSWORD", "[REDACTED]"}, out)
}

func TestSanitizeKVs_OddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"page", 3, "dangling"})
	assert.Equal(t, []interface{}{"page", 3, "dangling"}, out)
}

func TestNop(t *testing.T) {
	l := Nop()
	l.With("doc_id", "d1").Info("no output expected", "page", 1)
	l.Sync()
}
