// Package dom drives a real browser for targets that expose no structured
// agent API.
package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("browser closed")

// ActionKind enumerates the browser actions a planner may request.
type ActionKind string

const (
	Navigate ActionKind = "navigate"
	Click    ActionKind = "click"
	Type     ActionKind = "type"
	Submit   ActionKind = "submit"
	Read     ActionKind = "read"
)

// Action is one browser step. Selectors are CSS query selectors.
type Action struct {
	Kind     ActionKind `json:"kind"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// Validate checks that the fields required by the kind are present.
func (a Action) Validate() error {
	switch a.Kind {
	case Navigate:
		if a.URL == "" {
			return errors.New("navigate requires a url")
		}
	case Click, Submit:
		if a.Selector == "" {
			return fmt.Errorf("%s requires a selector", a.Kind)
		}
	case Type:
		if a.Selector == "" {
			return errors.New("type requires a selector")
		}
	case Read:
	default:
		return fmt.Errorf("unknown dom action %q", a.Kind)
	}
	return nil
}

// Page is what the planner sees after an action.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Summary renders the page for a prompt, cutting the text at limit runes.
func (p Page) Summary(limit int) string {
	text := strings.Join(strings.Fields(p.Text), " ")
	if r := []rune(text); limit > 0 && len(r) > limit {
		text = string(r[:limit]) + "..."
	}
	return fmt.Sprintf("Page: %s\nTitle: %s\n%s", p.URL, p.Title, text)
}

// Automator performs browser actions.
type Automator interface {
	Do(ctx context.Context, a Action) (Page, error)
	Close() error
}
