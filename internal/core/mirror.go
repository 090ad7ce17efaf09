package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/driver"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/logger"
)

const mirrorBatchSize = 500

// Mirror copies a document graph into Memgraph so it can be explored with
// external tools. The local SQLite store stays the source of truth.
type Mirror struct {
	Driver driver.GraphDriver
	Store  *graph.Store
	log    *logger.Logger
}

type MirrorStats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

func NewMirror(d driver.GraphDriver, store *graph.Store, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.Nop()
	}
	return &Mirror{Driver: d, Store: store, log: log}
}

func (m *Mirror) BuildIndices(ctx context.Context) error {
	return m.Driver.BuildIndices(ctx)
}

// PushDocument MERGEs every node and edge of the document. Pushing the same
// document twice updates it in place.
func (m *Mirror) PushDocument(ctx context.Context, docID string) (MirrorStats, error) {
	var stats MirrorStats
	nodes, edges, err := m.Store.DocumentGraph(ctx, docID)
	if err != nil {
		return stats, fmt.Errorf("failed to load document graph: %w", err)
	}
	if len(nodes) == 0 {
		return stats, fmt.Errorf("%w: document %s", graph.ErrNotFound, docID)
	}

	rows := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		data, err := model.EncodeNodeData(n.Data)
		if err != nil {
			return stats, fmt.Errorf("failed to encode node %s: %w", n.ID, err)
		}
		rows = append(rows, map[string]interface{}{
			"id":         n.ID,
			"type":       string(n.Type),
			"label":      n.Label,
			"doc_id":     n.DocID,
			"confidence": n.Confidence,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339Nano),
			"data":       data,
		})
	}
	if err := m.exec(ctx, driver.SaveNodesQuery, rows); err != nil {
		return stats, fmt.Errorf("failed to save nodes: %w", err)
	}
	stats.Nodes = len(rows)

	byRel := make(map[model.RelType][]interface{})
	for _, e := range edges {
		data, err := model.EncodeEdgeData(e.Data)
		if err != nil {
			return stats, fmt.Errorf("failed to encode edge %s: %w", e.ID, err)
		}
		byRel[e.RelType] = append(byRel[e.RelType], map[string]interface{}{
			"id":         e.ID,
			"source_id":  e.SourceID,
			"target_id":  e.TargetID,
			"weight":     e.Weight,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"data":       data,
		})
	}
	rels := make([]string, 0, len(byRel))
	for r := range byRel {
		rels = append(rels, string(r))
	}
	sort.Strings(rels)

	for _, r := range rels {
		q, err := driver.SaveEdgesQuery(strings.ToUpper(r))
		if err != nil {
			return stats, err
		}
		if err := m.exec(ctx, q, byRel[model.RelType(r)]); err != nil {
			return stats, fmt.Errorf("failed to save %s edges: %w", r, err)
		}
		stats.Edges += len(byRel[model.RelType(r)])
	}

	m.log.Info("document mirrored", "doc_id", docID, "nodes", stats.Nodes, "edges", stats.Edges)
	return stats, nil
}

func (m *Mirror) exec(ctx context.Context, query string, rows []interface{}) error {
	for start := 0; start < len(rows); start += mirrorBatchSize {
		end := start + mirrorBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := m.Driver.ExecuteQuery(ctx, query, map[string]interface{}{"rows": rows[start:end]}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes the document's nodes and their edges from the mirror.
func (m *Mirror) DeleteDocument(ctx context.Context, docID string) error {
	if _, err := m.Driver.ExecuteQuery(ctx, driver.DeleteDocumentQuery, map[string]interface{}{"doc_id": docID}); err != nil {
		return fmt.Errorf("failed to delete mirrored document: %w", err)
	}
	return nil
}

// RemoteCounts reports what the mirror holds for a document.
func (m *Mirror) RemoteCounts(ctx context.Context, docID string) (MirrorStats, error) {
	res, err := m.Driver.ExecuteQuery(ctx, driver.CountDocumentQuery, map[string]interface{}{"doc_id": docID})
	if err != nil {
		return MirrorStats{}, fmt.Errorf("failed to count mirrored document: %w", err)
	}
	var stats MirrorStats
	if len(res.Records) == 0 {
		return stats, nil
	}
	rec := res.Records[0]
	if v, ok := rec.Get("nodes"); ok {
		stats.Nodes = toInt(v)
	}
	if v, ok := rec.Get("edges"); ok {
		stats.Edges = toInt(v)
	}
	return stats, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
