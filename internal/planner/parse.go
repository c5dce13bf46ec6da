package planner

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// fencedObject matches a JSON object inside a markdown code fence. \x60 is a
// backtick, which raw strings cannot hold.
var fencedObject = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// ParseJSON decodes a model reply into T. It tolerates markdown fences and
// prose around a single JSON object.
func ParseJSON[T any](reply string) (*T, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		if m := fencedObject.FindStringSubmatch(text); len(m) > 1 {
			text = m[1]
		}
	} else if !strings.HasPrefix(text, "{") {
		first, last := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if first != -1 && last > first {
			text = text[first : last+1]
		}
	}

	var out T
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("failed to decode model reply: %w (reply: %s)", err, truncate(text, 300))
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
