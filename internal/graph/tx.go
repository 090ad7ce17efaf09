package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agenthands/readbuddy/internal/core/model"
)

const (
	nodeCols = `n.id, n.type, n.label, n.data, n.doc_id, n.confidence, n.created_at`
	edgeCols = `e.id, e.source_id, e.target_id, e.rel_type, e.weight, e.data, e.created_at`
)

type NodeFilter struct {
	Type          model.NodeType
	DocID         string
	LabelContains string
	Limit         int // 0 means 100, negative means no limit
}

type DocStats struct {
	Concepts    int `json:"concepts"`
	Claims      int `json:"claims"`
	Chunks      int `json:"chunks"`
	Signals     int `json:"signals"`
	Annotations int `json:"annotations"`
	Edges       int `json:"edges"`
}

// AddNode inserts n and returns its id. An empty ID is generated, a zero
// CreatedAt is stamped from the store clock and confidence is clamped to [0,1].
func (tx *Tx) AddNode(ctx context.Context, n model.Node) (string, error) {
	if !n.Type.Valid() {
		return "", fmt.Errorf("%w: unknown node type %q", ErrInvalid, n.Type)
	}
	if n.Data != nil && n.Data.NodeType() != n.Type {
		return "", fmt.Errorf("%w: %s payload given for %s node", ErrInvalid, n.Data.NodeType(), n.Type)
	}
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = tx.s.now()
	}
	data, err := model.EncodeNodeData(n.Data)
	if err != nil {
		return "", err
	}

	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO nodes (id, type, label, data, doc_id, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.Label, data, n.DocID, clamp01(n.Confidence), n.CreatedAt.UnixNano())
	if err != nil {
		return "", &StorageError{Op: "add_node", Err: err}
	}
	return n.ID, nil
}

// AddEdge checks both endpoints and inserts e. A missing endpoint fails with
// ErrReferential before anything is written.
func (tx *Tx) AddEdge(ctx context.Context, e model.Edge) (string, error) {
	if !e.RelType.Valid() {
		return "", fmt.Errorf("%w: unknown relation type %q", ErrInvalid, e.RelType)
	}
	var missing []string
	for _, id := range []string{e.SourceID, e.TargetID} {
		ok, err := tx.nodeExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("%q", id))
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s edge references missing node %s", ErrReferential, e.RelType, strings.Join(missing, ", "))
	}

	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.s.now()
	}
	data, err := model.EncodeEdgeData(e.Data)
	if err != nil {
		return "", err
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO edges (id, source_id, target_id, rel_type, weight, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.TargetID, string(e.RelType), clampWeight(e.Weight), data, e.CreatedAt.UnixNano())
	if err != nil {
		return "", &StorageError{Op: "add_edge", Err: err}
	}
	return e.ID, nil
}

// BumpEdgeWeight adds delta to an edge weight, never going below zero, and
// returns the new weight.
func (tx *Tx) BumpEdgeWeight(ctx context.Context, edgeID string, delta float64) (float64, error) {
	if math.IsNaN(delta) {
		return 0, fmt.Errorf("%w: weight delta is NaN", ErrInvalid)
	}
	res, err := tx.q.ExecContext(ctx, `UPDATE edges SET weight = MAX(0.0, weight + ?) WHERE id = ?`, delta, edgeID)
	if err != nil {
		return 0, &StorageError{Op: "bump_edge_weight", Err: err}
	}
	if err := expectRow(res, "edge", edgeID); err != nil {
		return 0, err
	}
	var w float64
	if err := tx.q.QueryRowContext(ctx, `SELECT weight FROM edges WHERE id = ?`, edgeID).Scan(&w); err != nil {
		return 0, &StorageError{Op: "bump_edge_weight", Err: err}
	}
	return w, nil
}

// AdjustConfidence adds delta to a node's confidence, clamped to [0,1].
func (tx *Tx) AdjustConfidence(ctx context.Context, nodeID string, delta float64) (float64, error) {
	if math.IsNaN(delta) {
		return 0, fmt.Errorf("%w: confidence delta is NaN", ErrInvalid)
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE nodes SET confidence = MIN(1.0, MAX(0.0, confidence + ?)) WHERE id = ?`, delta, nodeID)
	if err != nil {
		return 0, &StorageError{Op: "adjust_confidence", Err: err}
	}
	if err := expectRow(res, "node", nodeID); err != nil {
		return 0, err
	}
	var c float64
	if err := tx.q.QueryRowContext(ctx, `SELECT confidence FROM nodes WHERE id = ?`, nodeID).Scan(&c); err != nil {
		return 0, &StorageError{Op: "adjust_confidence", Err: err}
	}
	return c, nil
}

// UpdateNodeData replaces a node's payload. The payload must match the
// node's type, which never changes.
func (tx *Tx) UpdateNodeData(ctx context.Context, nodeID string, data model.NodeData) error {
	var t string
	err := tx.q.QueryRowContext(ctx, `SELECT type FROM nodes WHERE id = ?`, nodeID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if err != nil {
		return &StorageError{Op: "update_node_data", Err: err}
	}
	if data == nil || data.NodeType() != model.NodeType(t) {
		return fmt.Errorf("%w: payload does not match %s node %s", ErrInvalid, t, nodeID)
	}
	raw, err := model.EncodeNodeData(data)
	if err != nil {
		return err
	}
	if _, err := tx.q.ExecContext(ctx, `UPDATE nodes SET data = ? WHERE id = ?`, raw, nodeID); err != nil {
		return &StorageError{Op: "update_node_data", Err: err}
	}
	return nil
}

func (tx *Tx) GetNode(ctx context.Context, id string) (model.Node, error) {
	n, err := scanNode(tx.q.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes n WHERE n.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	return n, err
}

// likeEscaper makes a search term match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (tx *Tx) FindNodes(ctx context.Context, f NodeFilter) ([]model.Node, error) {
	var sb strings.Builder
	var args []interface{}
	sb.WriteString(`SELECT ` + nodeCols + ` FROM nodes n WHERE 1=1`)
	if f.Type != "" {
		sb.WriteString(` AND n.type = ?`)
		args = append(args, string(f.Type))
	}
	if f.DocID != "" {
		sb.WriteString(` AND n.doc_id = ?`)
		args = append(args, f.DocID)
	}
	if f.LabelContains != "" {
		sb.WriteString(` AND n.label LIKE '%' || ? || '%' ESCAPE '\'`)
		args = append(args, likeEscaper.Replace(f.LabelContains))
	}
	sb.WriteString(` ORDER BY n.confidence DESC, n.created_at DESC, n.rowid DESC`)
	switch {
	case f.Limit == 0:
		sb.WriteString(` LIMIT 100`)
	case f.Limit > 0:
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	return tx.queryNodes(ctx, sb.String(), args...)
}

// FindConceptByLabel matches a concept label exactly, ignoring case.
func (tx *Tx) FindConceptByLabel(ctx context.Context, docID, label string) (model.Node, error) {
	n, err := scanNode(tx.q.QueryRowContext(ctx, `
		SELECT `+nodeCols+` FROM nodes n
		WHERE n.type = 'concept' AND n.doc_id = ? AND lower(n.label) = lower(?)
		ORDER BY n.created_at, n.rowid LIMIT 1`, docID, strings.TrimSpace(label)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("%w: concept %q", ErrNotFound, label)
	}
	return n, err
}

func (tx *Tx) PageChunk(ctx context.Context, docID string, page int) (model.Node, error) {
	n, err := scanNode(tx.q.QueryRowContext(ctx, `
		SELECT `+nodeCols+` FROM nodes n
		WHERE n.type = 'page_chunk' AND n.doc_id = ? AND json_extract(n.data, '$.page') = ?
		ORDER BY n.created_at, n.rowid LIMIT 1`, docID, page))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("%w: page %d of %s", ErrNotFound, page, docID)
	}
	return n, err
}

func (tx *Tx) EdgesFrom(ctx context.Context, nodeID string, rel model.RelType) ([]model.Edge, error) {
	return tx.edgesBy(ctx, "source_id", nodeID, rel)
}

func (tx *Tx) EdgesTo(ctx context.Context, nodeID string, rel model.RelType) ([]model.Edge, error) {
	return tx.edgesBy(ctx, "target_id", nodeID, rel)
}

func (tx *Tx) edgesBy(ctx context.Context, col, nodeID string, rel model.RelType) ([]model.Edge, error) {
	q := `SELECT ` + edgeCols + ` FROM edges e WHERE e.` + col + ` = ?`
	args := []interface{}{nodeID}
	if rel != "" {
		q += ` AND e.rel_type = ?`
		args = append(args, string(rel))
	}
	q += ` ORDER BY e.created_at, e.rowid`
	return tx.queryEdges(ctx, q, args...)
}

func (tx *Tx) ConceptsForPage(ctx context.Context, docID string, page, limit int) ([]model.Node, error) {
	return tx.mentionedOnPage(ctx, model.NodeConcept, docID, page, limit)
}

// mentionedOnPage ranks nodes of type t by their strongest mentions edge
// from the page chunk. Ties fall back to confidence, then creation order.
func (tx *Tx) mentionedOnPage(ctx context.Context, t model.NodeType, docID string, page, limit int) ([]model.Node, error) {
	if limit <= 0 {
		limit = tx.s.maxPerPage
	}
	rows, err := tx.q.QueryContext(ctx, `
		SELECT `+nodeCols+`, MAX(e.weight) AS w
		FROM nodes n
		JOIN edges e ON e.target_id = n.id AND e.rel_type = 'mentions'
		JOIN nodes p ON p.id = e.source_id
		WHERE p.type = 'page_chunk'
		  AND p.doc_id = ?
		  AND json_extract(p.data, '$.page') = ?
		  AND n.type = ?
		  AND n.doc_id = ?
		GROUP BY n.id
		ORDER BY w DESC, n.confidence DESC, n.created_at ASC, n.rowid ASC
		LIMIT ?`, docID, page, string(t), docID, limit)
	if err != nil {
		return nil, &StorageError{Op: "concepts_for_page", Err: err}
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		var w float64
		n, err := scanNode(rows, &w)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PrerequisitesOf follows depends_on edges one hop out of the given
// concepts. Each prerequisite appears once; cycles are harmless at one hop.
func (tx *Tx) PrerequisitesOf(ctx context.Context, conceptIDs []string) ([]model.Node, error) {
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	ph, args := placeholders(conceptIDs)
	return tx.queryNodes(ctx, `
		SELECT `+nodeCols+` FROM nodes n
		WHERE n.id IN (
			SELECT e.target_id FROM edges e
			WHERE e.rel_type = 'depends_on' AND e.source_id IN (`+ph+`)
		)
		ORDER BY n.confidence DESC, n.created_at ASC, n.rowid ASC`, args...)
}

// ConfusionHistory returns signal nodes linked by confused_at to any of the
// given concepts, most recent first.
func (tx *Tx) ConfusionHistory(ctx context.Context, conceptIDs []string, limit int) ([]model.Node, error) {
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	ph, args := placeholders(conceptIDs)
	args = append(args, limit)
	return tx.queryNodes(ctx, `
		SELECT `+nodeCols+` FROM nodes n
		WHERE n.type = 'signal' AND n.id IN (
			SELECT e.source_id FROM edges e
			WHERE e.rel_type = 'confused_at' AND e.target_id IN (`+ph+`)
		)
		ORDER BY n.created_at DESC, n.rowid DESC
		LIMIT ?`, args...)
}

func (tx *Tx) DocStats(ctx context.Context, docID string) (DocStats, error) {
	var st DocStats
	rows, err := tx.q.QueryContext(ctx, `SELECT type, COUNT(*) FROM nodes WHERE doc_id = ? GROUP BY type`, docID)
	if err != nil {
		return st, &StorageError{Op: "doc_stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return st, &StorageError{Op: "doc_stats", Err: err}
		}
		switch model.NodeType(t) {
		case model.NodeConcept:
			st.Concepts = c
		case model.NodeClaim:
			st.Claims = c
		case model.NodePageChunk:
			st.Chunks = c
		case model.NodeSignal:
			st.Signals = c
		case model.NodeAnnotation:
			st.Annotations = c
		}
	}
	if err := rows.Err(); err != nil {
		return st, &StorageError{Op: "doc_stats", Err: err}
	}
	err = tx.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges e JOIN nodes n ON n.id = e.source_id WHERE n.doc_id = ?`, docID).Scan(&st.Edges)
	if err != nil {
		return st, &StorageError{Op: "doc_stats", Err: err}
	}
	return st, nil
}

func (tx *Tx) nodeExists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var one int
	err := tx.q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "node_exists", Err: err}
	}
	return true, nil
}

func (tx *Tx) queryNodes(ctx context.Context, query string, args ...interface{}) ([]model.Node, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query_nodes", Err: err}
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query_nodes", Err: err}
	}
	return out, nil
}

func (tx *Tx) queryEdges(ctx context.Context, query string, args ...interface{}) ([]model.Edge, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query_edges", Err: err}
	}
	defer rows.Close()
	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		var rel, data string
		var created int64
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &rel, &e.Weight, &data, &created); err != nil {
			return nil, &StorageError{Op: "scan_edge", Err: err}
		}
		e.RelType = model.RelType(rel)
		e.CreatedAt = time.Unix(0, created)
		if e.Data, err = model.DecodeEdgeData(data); err != nil {
			return nil, fmt.Errorf("failed to decode data of edge %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query_edges", Err: err}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(sc scanner, extra ...interface{}) (model.Node, error) {
	var n model.Node
	var typ, data string
	var created int64
	dest := append([]interface{}{&n.ID, &typ, &n.Label, &data, &n.DocID, &n.Confidence, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, err
		}
		return n, &StorageError{Op: "scan_node", Err: err}
	}
	n.Type = model.NodeType(typ)
	n.CreatedAt = time.Unix(0, created)
	d, err := model.DecodeNodeData(n.Type, data)
	if err != nil {
		return n, fmt.Errorf("failed to decode data of node %s: %w", n.ID, err)
	}
	n.Data = d
	return n, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "rows_affected", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func placeholders(ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

func clampWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	return w
}
