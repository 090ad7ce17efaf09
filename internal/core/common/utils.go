package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON cleans and unmarshals a model response into T.
// It strips markdown code fences and any prose around the outermost object.
func ParseJSON[T any](response string) (T, error) {
	var zero T
	text := stripFences(strings.TrimSpace(response))

	var result T
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 {
		return zero, fmt.Errorf("no JSON object found in response (missing '{')")
	}
	if end < start {
		return zero, fmt.Errorf("no JSON object found in response (missing '}')")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON: %w\nData: %s", err, Truncate(text, 200))
	}
	return result, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// Truncate cuts s to at most n runes, appending "..." when it had to cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
