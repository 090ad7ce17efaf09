// Package core wires the reading buddy together: documents and their
// knowledge graph, live reading sessions, state detection and chat.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core/extraction"
	"github.com/agenthands/readbuddy/internal/core/retrieval"
	"github.com/agenthands/readbuddy/internal/core/state"
	"github.com/agenthands/readbuddy/internal/core/summary"
	"github.com/agenthands/readbuddy/internal/core/tone"
	"github.com/agenthands/readbuddy/internal/core/updater"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/llm"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/session"
	"github.com/agenthands/readbuddy/internal/signals"
)

var (
	// ErrInvalidInput marks a request the caller has to fix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMirrorDisabled is returned by MirrorDocument when no Memgraph is configured.
	ErrMirrorDisabled = errors.New("graph mirror is not configured")
	// ErrClosed is returned once Close has started.
	ErrClosed = errors.New("buddy is shutting down")
)

type Buddy struct {
	Config     *config.Config
	Graph      *graph.Store
	Sessions   *session.Store
	LLM        llm.Provider // nil runs the buddy offline
	Extractor  *extraction.Extractor
	Retriever  *retrieval.Retriever
	Updater    *updater.Updater
	Classifier *state.Classifier
	Tone       *tone.Builder
	Summarizer *summary.Summarizer
	Mirror     *Mirror // nil unless memgraph.uri is set

	log *logger.Logger
	now func() time.Time

	mu     sync.Mutex
	docs   map[string]*Document
	live   map[string]*liveSession
	closed bool

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// liveSession is the in-memory half of a reading session: its signal log
// and the classifier state carried between polls.
type liveSession struct {
	mu    sync.Mutex
	id    string
	docID string
	log   *signals.Log
	state state.SessionState
	last  state.Result
}

type Option func(*Buddy)

func WithClock(now func() time.Time) Option {
	return func(b *Buddy) { b.now = now }
}

func WithMirror(m *Mirror) Option {
	return func(b *Buddy) { b.Mirror = m }
}

// New builds a Buddy over already opened stores. The Buddy owns them from
// here on: Close closes both.
func New(cfg *config.Config, graphStore *graph.Store, sessions *session.Store, provider llm.Provider, log *logger.Logger, opts ...Option) *Buddy {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Buddy{
		Config:     cfg,
		Graph:      graphStore,
		Sessions:   sessions,
		LLM:        provider,
		Extractor:  extraction.NewExtractor(graphStore, provider, cfg, log.With("component", "extractor")),
		Retriever:  retrieval.New(graphStore, cfg.Knowledge.RetrievalBudget(), log.With("component", "retriever")),
		Updater:    updater.New(graphStore, log.With("component", "updater")),
		Classifier: state.NewClassifier(state.ThresholdsFrom(cfg.Buddy), log.With("component", "classifier")),
		Tone:       tone.NewBuilder(nil),
		Summarizer: summary.NewSummarizer(provider, cfg.Prompts.Summary),
		log:        log,
		now:        time.Now,
		docs:       make(map[string]*Document),
		live:       make(map[string]*liveSession),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait blocks until every background extraction has finished.
func (b *Buddy) Wait() {
	b.bg.Wait()
}

// Close stops background extraction, waits for it to exit and closes the
// stores and the mirror connection.
func (b *Buddy) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.bgCancel()
	b.bg.Wait()

	var errs []error
	if b.Mirror != nil {
		errs = append(errs, b.Mirror.Driver.Close(ctx))
	}
	errs = append(errs, b.Graph.Close(), b.Sessions.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close buddy: %w", err)
	}
	b.log.Info("buddy closed")
	return nil
}

type Health struct {
	Status    string `json:"status"`
	LLM       bool   `json:"llm_connected"`
	Provider  string `json:"provider"`
	Nodes     int    `json:"graph_nodes"`
	Edges     int    `json:"graph_edges"`
	GraphOK   bool   `json:"graph_ok"`
	Documents int    `json:"documents"`
	Sessions  int    `json:"active_sessions"`
}

// Health reports model connectivity and graph health independently.
func (b *Buddy) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Provider: b.Config.LLM.Provider}
	if b.LLM != nil {
		h.LLM = b.LLM.HealthCheck(ctx)
	}
	nodes, edges, err := b.Graph.Counts(ctx)
	if err != nil {
		b.log.Warn("graph health check failed", "error", err)
		h.Status = "degraded"
	} else {
		h.GraphOK = true
		h.Nodes, h.Edges = nodes, edges
	}
	b.mu.Lock()
	h.Documents, h.Sessions = len(b.docs), len(b.live)
	b.mu.Unlock()
	return h
}

// session returns the live session, reviving it from the session store
// after a restart. The signal log starts empty in that case.
func (b *Buddy) session(ctx context.Context, id string) (*liveSession, error) {
	b.mu.Lock()
	ls, ok := b.live[id]
	b.mu.Unlock()
	if ok {
		return ls, nil
	}

	s, err := b.Sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.EndedAt != nil {
		return nil, fmt.Errorf("%w: session %s has ended", session.ErrNotFound, id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ls, ok := b.live[id]; ok {
		return ls, nil
	}
	ls = &liveSession{id: id, docID: s.DocID, log: signals.NewLog()}
	b.live[id] = ls
	return ls, nil
}
