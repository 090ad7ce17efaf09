package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/core/retrieval"
	"github.com/agenthands/readbuddy/internal/core/state"
	"github.com/agenthands/readbuddy/internal/llm"
)

const (
	chatHistoryTurns = 10
	offlineReply     = "Buddy is offline right now: the language model could not be reached. Try again in a moment."
)

var whatIsRe = regexp.MustCompile(`(?i)^\s*(?:what\s+is|what's|what\s+are|what\s+does|define|explain)\s+(?:an?\s+|the\s+)?([^?!.]{2,60}?)(?:\s+mean)?\s*[?!.]*\s*$`)

var vagueTerms = map[string]bool{
	"this": true, "that": true, "it": true, "these": true, "those": true,
	"happening": true, "going on": true, "this page": true, "this about": true,
}

// ConceptFromQuestion pulls the term out of questions like "what is X?".
func ConceptFromQuestion(msg string) (string, bool) {
	m := whatIsRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	term := strings.TrimSpace(m[1])
	if term == "" || vagueTerms[strings.ToLower(term)] {
		return "", false
	}
	return term, true
}

type ChatReply struct {
	Reply           string             `json:"reply"`
	Page            int                `json:"page"`
	Mode            state.Mode         `json:"mode"`
	RelatedConcepts []model.ConceptRef `json:"related_concepts"`
	Offline         bool               `json:"offline,omitempty"`
	Partial         bool               `json:"partial_context,omitempty"`
}

// Chat answers a reader's message about page (0 means the page the reader
// is on). Direct questions are always answered in EXPLAIN mode. An
// unreachable model yields an offline reply, not an error.
func (b *Buddy) Chat(ctx context.Context, sessionID, message string, page int) (ChatReply, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return ChatReply{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ChatReply{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if page <= 0 {
		ls.mu.Lock()
		page = ls.state.CurrentPage
		ls.mu.Unlock()
	}

	history, err := b.Sessions.Messages(ctx, sessionID, chatHistoryTurns)
	if err != nil {
		return ChatReply{}, err
	}
	if _, err := b.Sessions.AddMessage(ctx, sessionID, roleUser, message); err != nil {
		return ChatReply{}, err
	}

	if term, ok := ConceptFromQuestion(message); ok {
		if _, _, err := b.Updater.RecordQuestionAbout(ctx, ls.docID, term); err != nil {
			b.log.Warn("failed to record question", "session_id", sessionID, "concept", term, "error", err)
		}
	}

	turns := make([]model.ChatTurn, len(history))
	for i, m := range history {
		turns[i] = model.ChatTurn{Role: m.Role, Content: m.Content}
	}
	bundle := b.Retriever.BuildContext(ctx, retrieval.Request{
		DocID:   ls.docID,
		Page:    page,
		Passage: b.passage(ls.docID, page),
		Chat:    turns,
	})

	reply := ChatReply{Page: page, Mode: state.Explain, RelatedConcepts: bundle.RelatedConcepts, Partial: bundle.Partial}
	if b.LLM == nil {
		reply.Reply, reply.Offline = offlineReply, true
		return reply, nil
	}

	system := b.Tone.SystemPrompt(state.Explain, bundle.String())
	resp, err := b.LLM.Generate(ctx, system, b.Tone.UserPrompt(state.Explain, message), llm.GenerateOptions{})
	if err != nil {
		b.log.Warn("model unavailable for chat", "session_id", sessionID, "error", err)
		reply.Reply, reply.Offline = offlineReply, true
		return reply, nil
	}

	reply.Reply = strings.TrimSpace(resp.Text)
	if _, err := b.Sessions.AddMessage(ctx, sessionID, roleBuddy, reply.Reply); err != nil {
		b.log.Warn("failed to store reply", "session_id", sessionID, "error", err)
	}
	return reply, nil
}
