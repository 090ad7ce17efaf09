package extraction

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/agenthands/readbuddy/internal/core/model"
)

var (
	boldRe        = regexp.MustCompile(`\*\*([^*\n]{2,60}?)\*\*|__([^_\n]{2,60}?)__`)
	italicRe      = regexp.MustCompile(`(?:^|[^*\w])\*([^*\s][^*\n]{0,58}[^*\s])\*(?:[^*\w]|$)|(?:^|[^_\w])_([^_\s][^_\n]{0,58}[^_\s])_(?:[^_\w]|$)`)
	capPhraseRe   = regexp.MustCompile(`\b[A-Z][a-zA-Z-]+(?:\s+[A-Z][a-zA-Z-]+)+\b`)
	wordRe        = regexp.MustCompile(`[A-Za-z][A-Za-z-]*[.!?:;]?`)
	leadingFiller = map[string]bool{
		"the": true, "a": true, "an": true, "this": true, "that": true, "these": true,
		"those": true, "in": true, "on": true, "of": true, "for": true, "and": true,
		"but": true, "when": true, "if": true, "it": true, "we": true, "as": true,
	}
)

// heuristicConcepts finds candidate terms without a model: marked-up terms,
// capitalized multi-word phrases and any of the document-wide repeated terms
// that occur on this page. Order is first appearance, capped at max.
func heuristicConcepts(text string, repeated map[string]string, max int) []model.ExtractedConcept {
	type hit struct {
		name string
		pos  int
	}
	var hits []hit

	for _, m := range boldRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{firstGroup(text, m), m[0]})
	}
	for _, m := range italicRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{firstGroup(text, m), m[0]})
	}
	plain := stripMarkers(text)
	for _, m := range capPhraseRe.FindAllStringIndex(plain, -1) {
		if name := trimFiller(plain[m[0]:m[1]]); strings.Contains(name, " ") {
			hits = append(hits, hit{name, m[0]})
		}
	}
	lower := strings.ToLower(plain)
	for key, name := range repeated {
		if i := indexWord(lower, key); i >= 0 {
			hits = append(hits, hit{name, i})
		}
	}

	// stable order by position, then dedupe case-insensitively
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	seen := make(map[string]bool)
	var out []model.ExtractedConcept
	for _, h := range hits {
		name := strings.TrimSpace(h.name)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.ExtractedConcept{Name: name})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// repeatedTerms returns capitalized words that appear mid-sentence on at
// least two different pages, keyed by lower case.
func repeatedTerms(pages []string) map[string]string {
	pagesSeen := make(map[string]map[int]bool)
	display := make(map[string]string)

	for p, text := range pages {
		words := wordRe.FindAllString(stripMarkers(text), -1)
		sentenceStart := true
		for _, w := range words {
			end := strings.TrimRight(w, ".!?:;")
			terminal := len(end) < len(w) && strings.ContainsAny(w[len(end):], ".!?")
			r := []rune(end)
			if !sentenceStart && len(r) >= 4 && unicode.IsUpper(r[0]) && !leadingFiller[strings.ToLower(end)] {
				key := strings.ToLower(end)
				if pagesSeen[key] == nil {
					pagesSeen[key] = make(map[int]bool)
					display[key] = end
				}
				pagesSeen[key][p] = true
			}
			sentenceStart = terminal
		}
	}

	out := make(map[string]string)
	for key, pages := range pagesSeen {
		if len(pages) >= 2 {
			out[key] = display[key]
		}
	}
	return out
}

func trimFiller(phrase string) string {
	words := strings.Fields(phrase)
	for len(words) > 0 && leadingFiller[strings.ToLower(words[0])] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

func stripMarkers(text string) string {
	return strings.NewReplacer("**", "", "__", "").Replace(text)
}

func firstGroup(text string, m []int) string {
	for g := 1; g*2+1 < len(m); g++ {
		if m[g*2] >= 0 {
			return text[m[g*2]:m[g*2+1]]
		}
	}
	return ""
}

// indexWord finds word in s on word boundaries.
func indexWord(s, word string) int {
	from := 0
	for {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(word)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '-' || b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
