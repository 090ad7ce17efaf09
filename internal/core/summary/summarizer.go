// Package summary writes the short recap stored when a reading session ends.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/core/common"
	"github.com/agenthands/readbuddy/internal/llm"
)

const maxTranscriptChars = 4000

const defaultSessionPrompt = `You are summarizing a reading session for the reader's own notes.
Document: %s
Pages where the reader struggled: %s
Concepts the reader marked as understood: %s

Conversation with the reading buddy:
%s

Write two or three plain sentences: what was covered, where the reader got stuck, and what to review next time.
Return JSON: {"summary": "..."}`

// Digest is what the summarizer knows about a finished session.
type Digest struct {
	DocName    string
	Transcript string // "Reader:"/"Buddy:" lines, oldest first
	StuckPages []int
	Understood []string
	Questions  int
}

type sessionSummary struct {
	Summary string `json:"summary"`
}

type Summarizer struct {
	LLM    llm.Provider // nil means Fallback only
	Prompt string
}

// NewSummarizer uses the built-in prompt when prompt is empty or does not
// take exactly the four digest fields.
func NewSummarizer(provider llm.Provider, prompt string) *Summarizer {
	if config.CheckPromptTemplate(prompt, config.SummaryPromptArgs) != nil {
		prompt = defaultSessionPrompt
	}
	return &Summarizer{LLM: provider, Prompt: prompt}
}

// SummarizeSession asks the model for a recap. Callers fall back to
// Fallback(d) when it returns an error.
func (s *Summarizer) SummarizeSession(ctx context.Context, d Digest) (string, error) {
	if s.LLM == nil {
		return Fallback(d), nil
	}
	if strings.TrimSpace(d.Transcript) == "" && len(d.StuckPages) == 0 {
		return Fallback(d), nil
	}

	prompt := fmt.Sprintf(s.Prompt, d.DocName, pageList(d.StuckPages), nameList(d.Understood),
		tail(d.Transcript, maxTranscriptChars))
	resp, err := s.LLM.Generate(ctx, "", prompt, llm.GenerateOptions{Temperature: 0.3, MaxTokens: 200})
	if err != nil {
		return "", fmt.Errorf("failed to generate session summary: %w", err)
	}

	result, err := common.ParseJSON[sessionSummary](resp.Text)
	if err == nil && strings.TrimSpace(result.Summary) != "" {
		return strings.TrimSpace(result.Summary), nil
	}
	// models often answer in prose despite the JSON instruction
	if text := strings.TrimSpace(resp.Text); text != "" && !strings.HasPrefix(text, "{") {
		return text, nil
	}
	return "", fmt.Errorf("failed to parse session summary: empty result")
}

// Fallback builds a recap without a model.
func Fallback(d Digest) string {
	var parts []string
	if d.DocName != "" {
		parts = append(parts, fmt.Sprintf("Read %s.", d.DocName))
	}
	if len(d.StuckPages) > 0 {
		parts = append(parts, fmt.Sprintf("Struggled on pages %s.", pageList(d.StuckPages)))
	} else {
		parts = append(parts, "No struggles recorded.")
	}
	if len(d.Understood) > 0 {
		parts = append(parts, fmt.Sprintf("Understood: %s.", nameList(d.Understood)))
	}
	if d.Questions > 0 {
		parts = append(parts, fmt.Sprintf("Asked %d question(s).", d.Questions))
	}
	return strings.Join(parts, " ")
}

func pageList(pages []int) string {
	if len(pages) == 0 {
		return "none"
	}
	s := make([]string, len(pages))
	for i, p := range pages {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ", ")
}

func nameList(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// tail keeps the end of the transcript, where the latest exchange is.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}
