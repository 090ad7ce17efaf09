// Package tone turns a response mode into the system and user prompts sent to
// the language model.
package tone

import (
	"fmt"

	"github.com/agenthands/readbuddy/internal/core/state"
)

const noPassage = "(no passage available)"

// Default system templates; %s receives the passage (or the context block).
var defaultTemplates = map[state.Mode]string{
	state.Explain: "You are Buddy, a patient reading companion. The reader is struggling with a passage " +
		"and you are here to help them understand it. Use plain language and analogies, and take it in " +
		"small steps. Be warm and never condescending.\n\n" +
		"What they are reading:\n---\n%s\n---\n\n" +
		"If they asked something specific, answer it directly.",
	state.Nudge: "You are Buddy, a warm reading companion. The reader looks worn out. Reply in one or two " +
		"sentences: suggest a break, recap what they have covered, or offer a quick word of encouragement.\n\n" +
		"They were reading:\n---\n%s\n---",
	state.CheckIn: "You are Buddy, a gentle reading companion. The reader has gone quiet for a while. Send " +
		"one short, friendly check-in and offer a recap of where they stopped. Don't push.\n\n" +
		"They were on:\n---\n%s\n---",
}

var defaultOpeners = map[state.Mode]string{
	state.Explain: "I noticed you keep coming back to this section. Want me to break it down?",
	state.Nudge:   "Want a quick summary of this part, or is it time for a short break?",
	state.CheckIn: "Still there? I can recap where you left off.",
}

// Messages shown when no model is reachable.
var fallbacks = map[state.Mode]string{
	state.Explain: "This section looks tricky. Try reading it once more slowly, and jot down the one term that feels unclear.",
	state.Nudge:   "You've been at this a while. A five minute break might help it sink in.",
	state.CheckIn: "Still there? Pick up from the top of this page when you're ready.",
}

type Builder struct {
	templates map[state.Mode]string
}

// NewBuilder returns a Builder using the built-in templates, with any
// non-empty entry in overrides taking precedence.
func NewBuilder(overrides map[state.Mode]string) *Builder {
	t := make(map[state.Mode]string, len(defaultTemplates))
	for m, s := range defaultTemplates {
		t[m] = s
	}
	for m, s := range overrides {
		if s != "" && m != state.Silent {
			t[m] = s
		}
	}
	return &Builder{templates: t}
}

// SystemPrompt returns the system instruction for mode. SILENT has none.
func (b *Builder) SystemPrompt(mode state.Mode, passage string) string {
	tmpl, ok := b.templates[mode]
	if !ok {
		return ""
	}
	if passage == "" {
		passage = noPassage
	}
	return fmt.Sprintf(tmpl, passage)
}

// UserPrompt returns the reader's own message, or a proactive opener when
// the buddy speaks first.
func (b *Builder) UserPrompt(mode state.Mode, userMessage string) string {
	if userMessage != "" {
		return userMessage
	}
	return defaultOpeners[mode]
}

func Fallback(mode state.Mode) string {
	return fallbacks[mode]
}
