// Package graph is the SQLite-backed knowledge graph of documents, pages,
// concepts, claims, reading signals and annotations.
//
// Every operation runs under one store-wide lock. The lock is a weighted
// semaphore of size one so that waiting for it honours the caller's context
// deadline; it is not reentrant, and nothing inside the package takes it twice.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/logger"
)

const DefaultMaxConceptsPerPage = 7

type Store struct {
	db   *sql.DB
	lock *semaphore.Weighted
	log  *logger.Logger

	now        func() time.Time
	maxPerPage int
	path       string
}

type Option func(*Store)

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMaxConceptsPerPage(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPerPage = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open opens (creating if needed) the graph database at path.
// ":memory:" gives a private in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create graph directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	// All access is serialized by the store lock, one connection is enough
	// and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	s := &Store{
		db:         db,
		lock:       semaphore.NewWeighted(1),
		log:        logger.Nop(),
		now:        time.Now,
		maxPerPage: DefaultMaxConceptsPerPage,
		path:       path,
	}
	for _, o := range opts {
		o(s)
	}
	s.log.Info("knowledge graph opened", "path", path)
	return s, nil
}

// Close waits for in-flight operations and closes the database.
func (s *Store) Close() error {
	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close graph database: %w", err)
	}
	return nil
}

func (s *Store) MaxConceptsPerPage() int {
	return s.maxPerPage
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a view of the store bound to an open transaction. It is only valid
// inside the function passed to Batch.
type Tx struct {
	s *Store
	q querier
}

func (s *Store) acquire(ctx context.Context, op string) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *Store) read(ctx context.Context, op string, fn func(*Tx) error) error {
	if err := s.acquire(ctx, op); err != nil {
		return err
	}
	defer s.lock.Release(1)
	return storageErr(op, fn(&Tx{s: s, q: s.db}))
}

func (s *Store) write(ctx context.Context, op string, fn func(*Tx) error) error {
	if err := s.acquire(ctx, op); err != nil {
		return err
	}
	defer s.lock.Release(1)
	return s.inTx(ctx, op, fn)
}

func (s *Store) inTx(ctx context.Context, op string, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	if err := fn(&Tx{s: s, q: tx}); err != nil {
		_ = tx.Rollback()
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("failed to commit: %w", err)}
	}
	return nil
}

// Batch runs fn in a single transaction under a single lock acquisition.
// If fn returns an error nothing it wrote is kept.
func (s *Store) Batch(ctx context.Context, fn func(*Tx) error) error {
	return s.write(ctx, "batch", fn)
}

func (s *Store) AddNode(ctx context.Context, n model.Node) (string, error) {
	var id string
	err := s.write(ctx, "add_node", func(tx *Tx) (err error) {
		id, err = tx.AddNode(ctx, n)
		return err
	})
	return id, err
}

func (s *Store) AddEdge(ctx context.Context, e model.Edge) (string, error) {
	var id string
	err := s.write(ctx, "add_edge", func(tx *Tx) (err error) {
		id, err = tx.AddEdge(ctx, e)
		return err
	})
	return id, err
}

func (s *Store) BumpEdgeWeight(ctx context.Context, edgeID string, delta float64) (float64, error) {
	var w float64
	err := s.write(ctx, "bump_edge_weight", func(tx *Tx) (err error) {
		w, err = tx.BumpEdgeWeight(ctx, edgeID, delta)
		return err
	})
	return w, err
}

func (s *Store) AdjustConfidence(ctx context.Context, nodeID string, delta float64) (float64, error) {
	var c float64
	err := s.write(ctx, "adjust_confidence", func(tx *Tx) (err error) {
		c, err = tx.AdjustConfidence(ctx, nodeID, delta)
		return err
	})
	return c, err
}

func (s *Store) UpdateNodeData(ctx context.Context, nodeID string, data model.NodeData) error {
	return s.write(ctx, "update_node_data", func(tx *Tx) error {
		return tx.UpdateNodeData(ctx, nodeID, data)
	})
}

func (s *Store) GetNode(ctx context.Context, id string) (model.Node, error) {
	var n model.Node
	err := s.read(ctx, "get_node", func(tx *Tx) (err error) {
		n, err = tx.GetNode(ctx, id)
		return err
	})
	return n, err
}

func (s *Store) FindNodes(ctx context.Context, f NodeFilter) ([]model.Node, error) {
	var out []model.Node
	err := s.read(ctx, "find_nodes", func(tx *Tx) (err error) {
		out, err = tx.FindNodes(ctx, f)
		return err
	})
	return out, err
}

func (s *Store) FindConceptByLabel(ctx context.Context, docID, label string) (model.Node, error) {
	var n model.Node
	err := s.read(ctx, "find_concept", func(tx *Tx) (err error) {
		n, err = tx.FindConceptByLabel(ctx, docID, label)
		return err
	})
	return n, err
}

func (s *Store) PageChunk(ctx context.Context, docID string, page int) (model.Node, error) {
	var n model.Node
	err := s.read(ctx, "page_chunk", func(tx *Tx) (err error) {
		n, err = tx.PageChunk(ctx, docID, page)
		return err
	})
	return n, err
}

func (s *Store) EdgesFrom(ctx context.Context, nodeID string, rel model.RelType) ([]model.Edge, error) {
	var out []model.Edge
	err := s.read(ctx, "edges_from", func(tx *Tx) (err error) {
		out, err = tx.EdgesFrom(ctx, nodeID, rel)
		return err
	})
	return out, err
}

func (s *Store) EdgesTo(ctx context.Context, nodeID string, rel model.RelType) ([]model.Edge, error) {
	var out []model.Edge
	err := s.read(ctx, "edges_to", func(tx *Tx) (err error) {
		out, err = tx.EdgesTo(ctx, nodeID, rel)
		return err
	})
	return out, err
}

// ConceptsForPage returns the concepts mentioned on a page, strongest
// mention first. limit <= 0 uses the store's configured maximum.
func (s *Store) ConceptsForPage(ctx context.Context, docID string, page, limit int) ([]model.Node, error) {
	var out []model.Node
	err := s.read(ctx, "concepts_for_page", func(tx *Tx) (err error) {
		out, err = tx.ConceptsForPage(ctx, docID, page, limit)
		return err
	})
	return out, err
}

func (s *Store) ClaimsForPage(ctx context.Context, docID string, page, limit int) ([]model.Node, error) {
	var out []model.Node
	err := s.read(ctx, "claims_for_page", func(tx *Tx) (err error) {
		out, err = tx.mentionedOnPage(ctx, model.NodeClaim, docID, page, limit)
		return err
	})
	return out, err
}

func (s *Store) PrerequisitesOf(ctx context.Context, conceptIDs []string) ([]model.Node, error) {
	var out []model.Node
	err := s.read(ctx, "prerequisites_of", func(tx *Tx) (err error) {
		out, err = tx.PrerequisitesOf(ctx, conceptIDs)
		return err
	})
	return out, err
}

func (s *Store) ConfusionHistory(ctx context.Context, conceptIDs []string, limit int) ([]model.Node, error) {
	var out []model.Node
	err := s.read(ctx, "confusion_history", func(tx *Tx) (err error) {
		out, err = tx.ConfusionHistory(ctx, conceptIDs, limit)
		return err
	})
	return out, err
}

func (s *Store) DocStats(ctx context.Context, docID string) (DocStats, error) {
	var st DocStats
	err := s.read(ctx, "doc_stats", func(tx *Tx) (err error) {
		st, err = tx.DocStats(ctx, docID)
		return err
	})
	return st, err
}

// DocumentGraph returns every node of a document and every edge leaving one.
func (s *Store) DocumentGraph(ctx context.Context, docID string) ([]model.Node, []model.Edge, error) {
	var nodes []model.Node
	var edges []model.Edge
	err := s.read(ctx, "document_graph", func(tx *Tx) (err error) {
		nodes, err = tx.FindNodes(ctx, NodeFilter{DocID: docID, Limit: -1})
		if err != nil {
			return err
		}
		edges, err = tx.queryEdges(ctx, `
			SELECT `+edgeCols+` FROM edges e
			JOIN nodes n ON n.id = e.source_id
			WHERE n.doc_id = ?
			ORDER BY e.created_at, e.rowid`, docID)
		return err
	})
	return nodes, edges, err
}

// Counts returns the total number of nodes and edges.
func (s *Store) Counts(ctx context.Context) (nodes, edges int, err error) {
	err = s.read(ctx, "counts", func(tx *Tx) error {
		if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
			return err
		}
		return tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges)
	})
	return nodes, edges, err
}

func newID() string {
	return uuid.NewString()
}
