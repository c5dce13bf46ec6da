package dom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/awi-cli/internal/config"
)

func TestActionValidate(t *testing.T) {
	testCases := []struct {
		action  Action
		wantErr string
	}{
		{Action{Kind: Navigate, URL: "https://example.com"}, ""},
		{Action{Kind: Navigate}, "requires a url"},
		{Action{Kind: Click, Selector: "#go"}, ""},
		{Action{Kind: Click}, "click requires a selector"},
		{Action{Kind: Submit}, "submit requires a selector"},
		{Action{Kind: Type, Selector: "textarea", Text: "hi"}, ""},
		{Action{Kind: Type}, "type requires a selector"},
		{Action{Kind: Read}, ""},
		{Action{Kind: "hover"}, "unknown dom action"},
	}
	for _, tc := range testCases {
		err := tc.action.Validate()
		if tc.wantErr == "" {
			assert.NoError(t, err, tc.action.Kind)
		} else {
			assert.ErrorContains(t, err, tc.wantErr)
		}
	}
}

func TestActionTasks(t *testing.T) {
	assert.Len(t, actionTasks(Action{Kind: Navigate, URL: "https://example.com"}), 2)
	assert.Len(t, actionTasks(Action{Kind: Click, Selector: "a"}), 3)
	assert.Len(t, actionTasks(Action{Kind: Type, Selector: "a", Text: "x"}), 2)
	assert.Empty(t, actionTasks(Action{Kind: Read}))
}

func TestPageSummary(t *testing.T) {
	p := Page{URL: "https://blog.example.com", Title: "Blog", Text: "  Hello\n\n   world  again "}
	assert.Equal(t, "Page: https://blog.example.com\nTitle: Blog\nHello world again", p.Summary(0))
	assert.Equal(t, "Page: https://blog.example.com\nTitle: Blog\nHello...", p.Summary(5))
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func TestChrome_NavigateAndComment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	path := findChrome()
	if path == "" {
		t.Skip("no chrome binary available")
	}

	comments := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			comments <- r.FormValue("content")
			fmt.Fprint(w, "<html><head><title>Thanks</title></head><body>Comment saved</body></html>")
			return
		}
		fmt.Fprint(w, `<html><head><title>Post 1</title></head><body>
<p>Hello AWI</p>
<form id="c" method="post"><textarea name="content" id="content"></textarea></form>
</body></html>`)
	}))
	defer srv.Close()

	c, err := NewChrome(config.BrowserConfig{Headless: true, ExecPath: path, NavigationTimeout: 20 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	page, err := c.Do(ctx, Action{Kind: Navigate, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Post 1", page.Title)
	assert.True(t, strings.Contains(page.Text, "Hello AWI"))

	_, err = c.Do(ctx, Action{Kind: Type, Selector: "#content", Text: "Great post!"})
	require.NoError(t, err)
	_, err = c.Do(ctx, Action{Kind: Submit, Selector: "#c"})
	require.NoError(t, err)
	assert.Equal(t, "Great post!", <-comments)

	require.NoError(t, c.Close())
	_, err = c.Do(ctx, Action{Kind: Read})
	assert.Error(t, err)
}

type fakeAutomator struct {
	actions []Action
	closed  bool
}

func (f *fakeAutomator) Do(_ context.Context, a Action) (Page, error) {
	f.actions = append(f.actions, a)
	return Page{URL: a.URL}, nil
}

func (f *fakeAutomator) Close() error {
	f.closed = true
	return nil
}

func TestLazy(t *testing.T) {
	starts := 0
	inner := &fakeAutomator{}
	l := NewLazy(func() (Automator, error) {
		starts++
		return inner, nil
	})
	assert.False(t, l.Started())

	ctx := context.Background()
	_, err := l.Do(ctx, Action{Kind: Navigate, URL: "https://example.com"})
	require.NoError(t, err)
	_, err = l.Do(ctx, Action{Kind: Read})
	require.NoError(t, err)
	assert.Equal(t, 1, starts)
	assert.True(t, l.Started())
	assert.Len(t, inner.actions, 2)

	require.NoError(t, l.Close())
	assert.True(t, inner.closed)
	_, err = l.Do(ctx, Action{Kind: Read})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLazy_StartFailure(t *testing.T) {
	starts := 0
	l := NewLazy(func() (Automator, error) {
		starts++
		return nil, errors.New("no chrome")
	})
	_, err := l.Do(context.Background(), Action{Kind: Read})
	assert.ErrorContains(t, err, "no chrome")
	_, err = l.Do(context.Background(), Action{Kind: Read})
	assert.ErrorContains(t, err, "no chrome")
	assert.Equal(t, 1, starts)
	assert.NoError(t, l.Close(), "closing an unstarted browser is a no-op")
}
