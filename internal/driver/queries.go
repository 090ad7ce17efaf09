package driver

import (
	"fmt"
	"regexp"
)

// Every mirrored node carries the BuddyNode label; its graph type lives in
// the type property so one index covers all of them.
var IndexQueries = []string{
	"CREATE INDEX ON :BuddyNode(id);",
	"CREATE INDEX ON :BuddyNode(doc_id);",
	"CREATE INDEX ON :BuddyNode(type);",
}

const (
	// SaveNodesQuery upserts $rows, each {id, type, label, doc_id, confidence, created_at, data}.
	SaveNodesQuery = `
		UNWIND $rows AS row
		MERGE (n:BuddyNode {id: row.id})
		SET n += row
		RETURN count(n) AS saved
	`

	CountDocumentQuery = `
		MATCH (n:BuddyNode {doc_id: $doc_id})
		OPTIONAL MATCH (n)-[e]->()
		RETURN count(DISTINCT n) AS nodes, count(e) AS edges
	`

	DeleteDocumentQuery = `
		MATCH (n:BuddyNode {doc_id: $doc_id})
		DETACH DELETE n
	`
)

var relTypeRe = regexp.MustCompile(`^[A-Z][A-Z_]*$`)

// SaveEdgesQuery upserts $rows of one relationship type, each
// {id, source_id, target_id, weight, created_at, data}. Cypher cannot take
// the relationship type as a parameter, so it is validated and inlined.
func SaveEdgesQuery(relType string) (string, error) {
	if !relTypeRe.MatchString(relType) {
		return "", fmt.Errorf("invalid relationship type %q", relType)
	}
	return fmt.Sprintf(`
		UNWIND $rows AS row
		MATCH (s:BuddyNode {id: row.source_id})
		MATCH (t:BuddyNode {id: row.target_id})
		MERGE (s)-[e:%s {id: row.id}]->(t)
		SET e.weight = row.weight, e.created_at = row.created_at, e.data = row.data
		RETURN count(e) AS saved
	`, relType), nil
}
