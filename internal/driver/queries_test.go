package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveEdgesQuery(t *testing.T) {
	q, err := SaveEdgesQuery("DEPENDS_ON")
	require.NoError(t, err)
	assert.Contains(t, q, "MERGE (s)-[e:DEPENDS_ON {id: row.id}]->(t)")

	for _, bad := range []string{"", "depends_on", "X]->() DETACH DELETE s //", "A B"} {
		_, err := SaveEdgesQuery(bad)
		assert.Error(t, err, bad)
	}
}
