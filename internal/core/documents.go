package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agenthands/readbuddy/internal/core/common"
	"github.com/agenthands/readbuddy/internal/core/extraction"
	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/core/retrieval"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/session"
	"github.com/agenthands/readbuddy/internal/signals"
)

const (
	StatusPending    = "pending"
	StatusExtracting = "extracting"
	StatusReady      = "ready"
	StatusFailed     = "failed"

	passageChars = 1500
)

// Document is an uploaded document held in memory for page display.
type Document struct {
	ID         string                 `json:"doc_id"`
	Filename   string                 `json:"filename"`
	Pages      []extraction.Page      `json:"-"`
	Status     string                 `json:"status"`
	Extraction model.ExtractionResult `json:"extraction"`
}

type UploadResult struct {
	DocID      string `json:"doc_id"`
	SessionID  string `json:"session_id"`
	Filename   string `json:"filename"`
	Pages      int    `json:"page_count"`
	Extracting bool   `json:"extracting"`
}

type uploadJSON struct {
	Filename string   `json:"filename"`
	Pages    []string `json:"pages"`
}

// ParseUpload reads an upload body: either JSON {filename, pages} or plain
// text with pages separated by form feeds. PDF text extraction happens
// before the buddy sees the document.
func ParseUpload(filename string, body []byte, maxBytes int) (string, []string, error) {
	if maxBytes > 0 && len(body) > maxBytes {
		return "", nil, fmt.Errorf("%w: upload is %d bytes, limit is %d", ErrInvalidInput, len(body), maxBytes)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}

	var pages []string
	if trimmed[0] == '{' {
		var in uploadJSON
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return "", nil, fmt.Errorf("%w: failed to parse upload JSON: %v", ErrInvalidInput, err)
		}
		if in.Filename != "" {
			filename = in.Filename
		}
		pages = in.Pages
	} else {
		pages = strings.Split(string(body), "\f")
	}

	// a trailing form feed leaves an empty last page
	for len(pages) > 0 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	if len(pages) == 0 {
		return "", nil, fmt.Errorf("%w: document has no pages", ErrInvalidInput)
	}
	if filename == "" {
		filename = "document.txt"
	}
	return filepath.Base(filename), pages, nil
}

// Upload registers a document, opens a reading session on it and, when
// configured, starts extraction in the background.
func (b *Buddy) Upload(ctx context.Context, filename string, pages []string) (UploadResult, error) {
	if len(pages) == 0 {
		return UploadResult{}, fmt.Errorf("%w: document has no pages", ErrInvalidInput)
	}

	doc := &Document{ID: uuid.New().String(), Filename: filename, Status: StatusPending}
	for i, text := range pages {
		doc.Pages = append(doc.Pages, extraction.Page{Number: i + 1, Text: text})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return UploadResult{}, ErrClosed
	}
	// Close waits for this before it closes the stores.
	b.bg.Add(1)
	b.mu.Unlock()
	defer b.bg.Done()

	sessionID := uuid.New().String()
	if _, err := b.Sessions.CreateSession(ctx, sessionID, doc.ID, filename); err != nil {
		return UploadResult{}, fmt.Errorf("failed to create session: %w", err)
	}

	b.mu.Lock()
	b.docs[doc.ID] = doc
	b.live[sessionID] = &liveSession{id: sessionID, docID: doc.ID, log: signals.NewLog()}
	// a Close that began after the session row was written still gets the
	// upload, just without extraction
	extract := b.Config.Knowledge.ExtractOnUpload && !b.closed
	if extract {
		doc.Status = StatusExtracting
		b.bg.Add(1)
	}
	b.mu.Unlock()

	if extract {
		go func() {
			defer b.bg.Done()
			if _, err := b.ExtractDocument(b.bgCtx, doc.ID); err != nil {
				b.log.Error("background extraction failed", "doc_id", doc.ID, "error", err)
			}
		}()
	}

	b.log.Info("document uploaded", "doc_id", doc.ID, "session_id", sessionID, "filename", filename,
		"pages", len(pages), "extracting", extract)
	return UploadResult{DocID: doc.ID, SessionID: sessionID, Filename: filename, Pages: len(pages), Extracting: extract}, nil
}

// ExtractDocument builds the knowledge graph of an uploaded document.
func (b *Buddy) ExtractDocument(ctx context.Context, docID string) (model.ExtractionResult, error) {
	doc, err := b.document(docID)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	b.setStatus(doc, StatusExtracting, nil)

	res, err := b.Extractor.ExtractDocument(ctx, doc.ID, doc.Filename, doc.Pages)
	if err != nil {
		b.setStatus(doc, StatusFailed, &res)
		return res, err
	}
	b.setStatus(doc, StatusReady, &res)
	return res, nil
}

func (b *Buddy) setStatus(doc *Document, status string, res *model.ExtractionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc.Status = status
	if res != nil {
		doc.Extraction = *res
	}
}

func (b *Buddy) document(id string) (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", graph.ErrNotFound, id)
	}
	return doc, nil
}

// DocumentInfo returns a copy of the document's metadata.
func (b *Buddy) DocumentInfo(id string) (Document, error) {
	doc, err := b.document(id)
	if err != nil {
		return Document{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return *doc, nil
}

type PageView struct {
	Page  int    `json:"page"`
	Total int    `json:"total_pages"`
	Text  string `json:"text"`
}

// Page returns the text of page n (1-based) of the session's document.
func (b *Buddy) Page(ctx context.Context, sessionID string, n int) (PageView, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return PageView{}, err
	}
	doc, err := b.document(ls.docID)
	if err != nil {
		return PageView{}, err
	}
	if n < 1 || n > len(doc.Pages) {
		return PageView{}, fmt.Errorf("%w: page %d of %d", graph.ErrNotFound, n, len(doc.Pages))
	}
	return PageView{Page: n, Total: len(doc.Pages), Text: doc.Pages[n-1].Text}, nil
}

// passage is the text shown to the model for a page, empty when the
// document text is not in memory.
func (b *Buddy) passage(docID string, page int) string {
	doc, err := b.document(docID)
	if err != nil || page < 1 || page > len(doc.Pages) {
		return ""
	}
	return common.Truncate(doc.Pages[page-1].Text, passageChars)
}

func (b *Buddy) ConceptMap(ctx context.Context, docID string) ([]retrieval.ConceptMapEntry, error) {
	return b.Retriever.ConceptMap(ctx, docID)
}

// Struggles lists where readers of a document got stuck or tired, over all
// of its sessions.
func (b *Buddy) Struggles(ctx context.Context, docID string) ([]session.StrugglePoint, error) {
	return b.Sessions.DocStruggleSummary(ctx, docID)
}

func (b *Buddy) MirrorDocument(ctx context.Context, docID string) (MirrorStats, error) {
	if b.Mirror == nil {
		return MirrorStats{}, ErrMirrorDisabled
	}
	stats, err := b.Mirror.PushDocument(ctx, docID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		b.log.Error("mirror push failed", "doc_id", docID, "error", err)
	}
	return stats, err
}
