package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenthands/readbuddy/internal/core/model"
	"github.com/agenthands/readbuddy/internal/core/retrieval"
	"github.com/agenthands/readbuddy/internal/core/state"
	"github.com/agenthands/readbuddy/internal/core/summary"
	"github.com/agenthands/readbuddy/internal/core/tone"
	"github.com/agenthands/readbuddy/internal/llm"
	"github.com/agenthands/readbuddy/internal/metrics"
	"github.com/agenthands/readbuddy/internal/session"
	"github.com/agenthands/readbuddy/internal/signals"
)

const (
	roleUser  = "user"
	roleBuddy = "buddy"
)

type SignalAck struct {
	Events int `json:"events"`
}

// Signal appends a reading event to the session log. Coming back to a page
// strengthens that page's concepts in the graph.
func (b *Buddy) Signal(ctx context.Context, sessionID string, ev signals.ReadingEvent) (SignalAck, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return SignalAck{}, err
	}
	if err := ls.log.Append(ev); err != nil {
		return SignalAck{}, err
	}

	if ev.Type == signals.PageView && ls.log.VisitCount(ev.Page) >= 2 {
		if _, err := b.Updater.RecordReread(ctx, ls.docID, ev.Page); err != nil {
			b.log.Warn("failed to record reread", "session_id", sessionID, "page", ev.Page, "error", err)
		}
	}
	return SignalAck{Events: ls.log.Len()}, nil
}

type StateReply struct {
	State           state.State `json:"state"`
	Mode            state.Mode  `json:"mode"`
	Reason          string      `json:"reason"`
	Page            int         `json:"page"`
	ShouldIntervene bool        `json:"should_intervene"`
	Message         string      `json:"message,omitempty"`
	Offline         bool        `json:"offline,omitempty"`
}

// State classifies the session's signal log now. Entering STUCK or TIRED
// leaves a confusion signal in the graph; an intervention, when due, comes
// with a message from the model or a static one when it is unreachable.
func (b *Buddy) State(ctx context.Context, sessionID string) (StateReply, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return StateReply{}, err
	}

	// one classification per session at a time, so cooldowns hold
	ls.mu.Lock()
	defer ls.mu.Unlock()

	prev := ls.state
	res := b.Classifier.Classify(ls.log.Snapshot(), b.now(), prev)
	ls.state, ls.last = res.Next, res
	page := res.Next.CurrentPage
	metrics.StateClassifications.WithLabelValues(string(res.State)).Inc()

	if ep := res.Episode; ep != nil {
		if _, err := b.Sessions.AddEpisode(ctx, sessionID, string(ep.State), ep.Page, ep.Duration); err != nil {
			b.log.Warn("failed to store state episode", "session_id", sessionID, "error", err)
		}
	}
	if res.State != prev.LastState && (res.State == state.Stuck || res.State == state.Tired) {
		if _, err := b.Updater.RecordConfusion(ctx, ls.docID, sessionID, page, res.State); err != nil {
			b.log.Warn("failed to record confusion", "session_id", sessionID, "page", page, "error", err)
		}
	}

	reply := StateReply{State: res.State, Mode: res.Mode, Reason: res.Reason, Page: page}
	if !res.ShouldIntervene() {
		return reply, nil
	}

	reply.ShouldIntervene = true
	metrics.Interventions.WithLabelValues(string(res.Mode)).Inc()
	reply.Message, reply.Offline = b.intervention(ctx, ls, res.Mode, page)
	if _, err := b.Sessions.AddMessage(ctx, sessionID, roleBuddy, reply.Message); err != nil {
		b.log.Warn("failed to store intervention", "session_id", sessionID, "error", err)
	}
	return reply, nil
}

func (b *Buddy) intervention(ctx context.Context, ls *liveSession, mode state.Mode, page int) (string, bool) {
	if b.LLM == nil {
		return tone.Fallback(mode), true
	}
	bundle := b.Retriever.BuildContext(ctx, retrieval.Request{
		DocID:   ls.docID,
		Page:    page,
		Passage: b.passage(ls.docID, page),
	})
	system := b.Tone.SystemPrompt(mode, bundle.String())
	resp, err := b.LLM.Generate(ctx, system, b.Tone.UserPrompt(mode, ""), llm.GenerateOptions{})
	if err != nil {
		b.log.Warn("model unavailable for intervention, using fallback", "session_id", ls.id, "mode", mode, "error", err)
		return tone.Fallback(mode), true
	}
	return strings.TrimSpace(resp.Text), false
}

type PageConcepts struct {
	Page          int                    `json:"page"`
	Concepts      []model.ConceptRef     `json:"concepts"`
	Prerequisites []model.ConceptRef     `json:"prerequisites"`
	Claims        []string               `json:"claims"`
	Confusion     []model.ConfusionEntry `json:"confusion"`
	Partial       bool                   `json:"partial"`
}

func (b *Buddy) PageConcepts(ctx context.Context, sessionID string, page int) (PageConcepts, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return PageConcepts{}, err
	}
	bundle := b.Retriever.BuildContext(ctx, retrieval.Request{DocID: ls.docID, Page: page})
	claims := bundle.Claims
	if claims == nil {
		claims = []string{}
	}
	return PageConcepts{
		Page:          page,
		Concepts:      bundle.RelatedConcepts,
		Prerequisites: bundle.PrereqChain,
		Claims:        claims,
		Confusion:     bundle.ConfusionHistory,
		Partial:       bundle.Partial,
	}, nil
}

func (b *Buddy) Highlight(ctx context.Context, sessionID string, page int, text string) (string, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty highlight", ErrInvalidInput)
	}
	return b.Updater.RecordHighlight(ctx, ls.docID, page, text)
}

func (b *Buddy) MarkUnderstood(ctx context.Context, sessionID, concept string) (model.ConceptRef, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return model.ConceptRef{}, err
	}
	if strings.TrimSpace(concept) == "" {
		return model.ConceptRef{}, fmt.Errorf("%w: empty concept", ErrInvalidInput)
	}
	n, err := b.Updater.MarkUnderstood(ctx, ls.docID, concept)
	if err != nil {
		return model.ConceptRef{}, err
	}
	return model.RefOf(n), nil
}

// EndSession closes a reading session with a short recap. The recap comes
// from the model when it is reachable.
func (b *Buddy) EndSession(ctx context.Context, sessionID string) (session.Session, error) {
	ls, err := b.session(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	s, err := b.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}

	d := summary.Digest{DocName: s.DocName}
	if d.Transcript, err = b.Sessions.RecentContext(ctx, sessionID, 50); err != nil {
		return session.Session{}, err
	}
	if d.StuckPages, err = b.Sessions.StuckPages(ctx, sessionID); err != nil {
		return session.Session{}, err
	}
	msgs, err := b.Sessions.Messages(ctx, sessionID, 500)
	if err != nil {
		return session.Session{}, err
	}
	for _, m := range msgs {
		if m.Role == roleUser {
			d.Questions++
		}
	}
	if cmap, err := b.Retriever.ConceptMap(ctx, ls.docID); err == nil {
		for _, c := range cmap {
			if c.Understood {
				d.Understood = append(d.Understood, c.Name)
			}
		}
	}

	recap, err := b.Summarizer.SummarizeSession(ctx, d)
	if err != nil {
		b.log.Warn("session summary fell back to template", "session_id", sessionID, "error", err)
		recap = summary.Fallback(d)
	}
	if err := b.Sessions.EndSession(ctx, sessionID, recap); err != nil {
		return session.Session{}, err
	}

	b.mu.Lock()
	delete(b.live, sessionID)
	b.mu.Unlock()

	b.log.Info("session ended", "session_id", sessionID, "doc_id", ls.docID, "events", ls.log.Len())
	return b.Sessions.GetSession(ctx, sessionID)
}
