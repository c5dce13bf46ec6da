package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/awi-cli/internal/awitest"
	"github.com/xkilldash9x/awi-cli/internal/capability"
	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
	"github.com/xkilldash9x/awi-cli/internal/registration"
)

type fixture struct {
	svc   *awitest.Service
	store *credentials.Store
	cred  *credentials.Credential
	exec  *Executor
}

func newFixture(t *testing.T, opts awitest.Options, cfg config.ExecutorConfig) *fixture {
	t.Helper()
	svc := awitest.New(opts)
	t.Cleanup(svc.Close)
	logger := zaptest.NewLogger(t)

	res := manifest.NewDiscoverer(svc.Client(), config.DiscoveryConfig{}, logger).Discover(context.Background(), svc.URL, "")
	require.True(t, res.Found)

	store := credentials.NewMemoryStore(logger)
	out := registration.NewRegistrar(svc.Client(), store, config.RegistrationConfig{}, logger).
		Register(context.Background(), svc.URL, res.Manifest, registration.Decision{Approved: true, AgentName: "Tester", Permissions: []string{"read", "write"}})
	require.Equal(t, registration.Registered, out.Kind, out.Reason)

	return &fixture{
		svc:   svc,
		store: store,
		cred:  out.Credential,
		exec:  New(svc.Client(), store, res.Manifest, cfg, capability.TierStandard, logger),
	}
}

func (f *fixture) sessionCount(t *testing.T) int {
	t.Helper()
	c, err := f.store.GetByID(f.cred.AgentID)
	require.NoError(t, err)
	return c.SessionCount
}

func TestExecute_ListPosts(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})

	res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: "/posts", Method: "get", Params: map[string]interface{}{"limit": 2.0}})
	require.Equal(t, Success, res.Kind, res.Detail())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, f.svc.URL+"/api/posts?limit=2", res.URL)
	assert.Equal(t, "Successfully listed 2 items", res.CompletionHint)
	assert.Equal(t, "session-"+f.cred.AgentID, res.SessionID)
	assert.True(t, res.Sent)
	assert.Contains(t, res.Text(), "API call succeeded (200 GET /posts)")
	assert.Equal(t, 1, f.sessionCount(t))
}

func TestExecute_TwoPhaseBody(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})

	res := f.exec.Execute(context.Background(), f.cred, Intent{
		Operation:   "create",
		Endpoint:    "/posts/2/comments",
		Method:      "POST",
		FieldValues: []FieldValue{{Name: "content", Value: "Great post!"}},
	})
	require.Equal(t, Success, res.Kind, res.Detail())
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "Comment successfully created", res.CompletionHint)
	assert.Equal(t, manifest.SourceQuickReference, res.Requirements.Source)
	assert.Equal(t, "comments.create", res.Requirements.Key)

	posts := f.svc.Posts()
	require.Len(t, posts[1].Comments, 1)
	assert.Equal(t, "Great post!", posts[1].Comments[0].Content)
	assert.Equal(t, "Tester", posts[1].Comments[0].Author)
}

func TestExecute_LocalRejections(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})

	res := f.exec.Execute(context.Background(), f.cred, Intent{
		Operation:   "create",
		Endpoint:    "/posts",
		Method:      "POST",
		FieldValues: []FieldValue{{Name: "title", Value: "Only a title"}},
	})
	assert.Equal(t, ValidationError, res.Kind)
	assert.False(t, res.Sent)
	require.Len(t, res.FieldErrors, 1)
	assert.Equal(t, "content", res.FieldErrors[0].Field)
	assert.Contains(t, res.FixHint, `"content": "<content_value>"`)

	res = f.exec.Execute(context.Background(), f.cred, Intent{Operation: "create", Endpoint: "/posts", Method: "POST"})
	assert.Equal(t, ValidationError, res.Kind)
	assert.Contains(t, res.Message, "Empty body for POST /posts")
	assert.Contains(t, res.Message, "Required fields: title, content")

	assert.Zero(t, f.svc.Hits("/api/posts"), "nothing may be sent")
	assert.Zero(t, f.sessionCount(t))
}

func TestExecute_Classification(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})
	ctx := context.Background()

	res := f.exec.Execute(ctx, f.cred, Intent{Operation: "create", Endpoint: "/posts", Method: "POST", Body: map[string]interface{}{"title": "No content"}})
	assert.Equal(t, ValidationError, res.Kind)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "Validation failed", res.Message)
	assert.Equal(t, []FieldError{{Field: "content", Message: "content is required"}}, res.FieldErrors)
	assert.Contains(t, res.Text(), "Details: content: content is required FIX: Include required fields")

	res = f.exec.Execute(ctx, f.cred, Intent{Operation: "get", Endpoint: "/posts/99", Method: "GET"})
	assert.Equal(t, NotFound, res.Kind)
	assert.Equal(t, "Post not found", res.Message)

	res = f.exec.Execute(ctx, f.cred, Intent{Operation: "delete", Endpoint: "/posts/1", Method: "DELETE"})
	assert.Equal(t, AuthError, res.Kind)
	assert.Equal(t, http.StatusForbidden, res.Status)

	res = f.exec.Execute(ctx, f.cred, Intent{Operation: "search", Endpoint: "search", Params: map[string]interface{}{"q": "rate"}})
	assert.Equal(t, Success, res.Kind)
	assert.Equal(t, "Search completed with 1 results", res.CompletionHint)

	f.svc.Revoke(f.cred.APIKey)
	res = f.exec.Execute(ctx, f.cred, Intent{Operation: "list", Endpoint: "/posts"})
	assert.Equal(t, AuthError, res.Kind)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	assert.Equal(t, 5, f.sessionCount(t), "every sent call counts, whatever the outcome")
}

func TestExecute_RateLimited(t *testing.T) {
	f := newFixture(t, awitest.Options{RateLimited: 1, RetryAfter: 5}, config.ExecutorConfig{})

	res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: "/posts"})
	require.Equal(t, RateLimited, res.Kind)
	require.NotNil(t, res.RateLimit)
	assert.Equal(t, &RateLimit{RetryAfter: 5 * time.Second, Hourly: 100, Minute: 10, Burst: 5, Tier: "new"}, res.RateLimit)
	assert.Contains(t, res.Text(), "Retry after 5s")
	assert.Equal(t, 1, f.sessionCount(t))
}

func TestExecute_TransportError(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})
	f.svc.Close()

	res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: "/posts"})
	assert.Equal(t, TransportError, res.Kind)
	assert.Error(t, res.Err)
	assert.True(t, res.Sent)
	assert.Equal(t, 1, f.sessionCount(t))
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := &manifest.Manifest{Origin: srv.URL}
	store := credentials.NewMemoryStore(zaptest.NewLogger(t))
	cred, err := store.Store(credentials.StoreParams{AgentID: "a1", APIKey: "k1", Domain: srv.URL})
	require.NoError(t, err)

	e := New(srv.Client(), store, m, config.ExecutorConfig{Timeout: 50 * time.Millisecond}, capability.TierHigh, zaptest.NewLogger(t))
	res := e.Execute(context.Background(), cred, Intent{Operation: "list", Endpoint: "/slow"})
	assert.Equal(t, TransportError, res.Kind)
	assert.Equal(t, "request timed out", res.Message)
}

func TestExecute_HeadersAndDetailsFormat(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Invalid input","details":{"title":["too short","must be unique"],"body":"required"}}`))
	}))
	defer srv.Close()

	m := &manifest.Manifest{Origin: srv.URL}
	m.Authentication.HeaderName = "Authorization"
	m.Authentication.Type = "bearer"
	store := credentials.NewMemoryStore(zaptest.NewLogger(t))
	cred, err := store.Store(credentials.StoreParams{AgentID: "a1", APIKey: "k1", Domain: srv.URL})
	require.NoError(t, err)

	e := New(srv.Client(), store, m, config.ExecutorConfig{}, capability.TierHigh, zaptest.NewLogger(t))
	res := e.Execute(context.Background(), cred, Intent{Operation: "update", Endpoint: "/items/1", Method: "PATCH", Body: map[string]interface{}{"title": "x"}})

	assert.Equal(t, "Bearer k1", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, ValidationError, res.Kind)
	assert.Equal(t, "Invalid input", res.Message)
	assert.Equal(t, []FieldError{{Field: "body", Message: "required"}, {Field: "title", Message: "too short, must be unique"}}, res.FieldErrors)
	assert.Empty(t, res.FixHint)
}

func TestExecute_NonJSONBodyAndServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	m := &manifest.Manifest{Origin: srv.URL}
	store := credentials.NewMemoryStore(zaptest.NewLogger(t))
	cred, err := store.Store(credentials.StoreParams{AgentID: "a1", APIKey: "k1", Domain: srv.URL})
	require.NoError(t, err)

	res := New(srv.Client(), store, m, config.ExecutorConfig{}, capability.TierLow, zaptest.NewLogger(t)).
		Execute(context.Background(), cred, Intent{Operation: "list", Endpoint: "/x"})
	assert.Equal(t, TransportError, res.Kind)
	assert.Equal(t, "HTTP 502", res.Message)
	assert.Equal(t, map[string]interface{}{"text": "upstream exploded", "status": http.StatusBadGateway}, res.Data)
}

func TestPreferQuickReference(t *testing.T) {
	m := &manifest.Manifest{}
	testCases := []struct {
		mode string
		tier capability.Tier
		want bool
	}{
		{QuickReferenceAuto, capability.TierHigh, false},
		{QuickReferenceAuto, capability.TierLow, true},
		{"", capability.TierStandard, true},
		{QuickReferenceAlways, capability.TierHigh, true},
		{QuickReferenceNever, capability.TierLow, false},
	}
	for _, tc := range testCases {
		e := New(http.DefaultClient, nil, m, config.ExecutorConfig{QuickReference: tc.mode}, tc.tier, zaptest.NewLogger(t))
		assert.Equal(t, tc.want, e.PreferQuickReference(), "%s/%s", tc.mode, tc.tier)
	}
}

func TestPacingLimiter(t *testing.T) {
	assert.Nil(t, PacingLimiter(nil))
	assert.Nil(t, PacingLimiter(&manifest.RateLimitDecl{Status: "not_implemented", PerMinute: 60}))

	l := PacingLimiter(&manifest.RateLimitDecl{PerMinute: 120, Burst: 3})
	require.NotNil(t, l)
	assert.InDelta(t, 2.0, float64(l.Limit()), 1e-9)
	assert.Equal(t, 3, l.Burst())

	l = PacingLimiter(&manifest.RateLimitDecl{PerHour: 3600})
	require.NotNil(t, l)
	assert.InDelta(t, 1.0, float64(l.Limit()), 1e-9)
	assert.Equal(t, 1, l.Burst())
}

func TestExecute_PacingFromManifest(t *testing.T) {
	f := newFixture(t, awitest.Options{PerMinute: 6000}, config.ExecutorConfig{Pacing: true})
	require.NotNil(t, f.exec.limiter)

	for i := 0; i < 3; i++ {
		res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: "/posts"})
		require.Equal(t, Success, res.Kind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.exec.Execute(ctx, f.cred, Intent{Operation: "list", Endpoint: "/posts"})
	assert.Equal(t, TransportError, res.Kind)
	assert.False(t, res.Sent, "an aborted pacing wait sends nothing")
	assert.Equal(t, 3, f.sessionCount(t))
	assert.Equal(t, 3, f.svc.Hits("/api/posts"))
}

func TestExecute_RefusesForeignOrigin(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})

	var leaked []string
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaked = append(leaked, r.Header.Get(awitest.AuthHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer other.Close()

	for _, endpoint := range []string{other.URL + "/steal", "//" + other.Listener.Addr().String() + "/steal"} {
		res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: endpoint, Method: "GET"})
		assert.Equal(t, ValidationError, res.Kind, endpoint)
		assert.ErrorIs(t, res.Err, ErrForeignOrigin)
		assert.False(t, res.Sent)
	}
	assert.Empty(t, leaked)
	assert.Zero(t, f.sessionCount(t))

	res := f.exec.Execute(context.Background(), f.cred, Intent{Operation: "list", Endpoint: f.svc.URL + "/api/posts"})
	require.Equal(t, Success, res.Kind, res.Detail())
	assert.Equal(t, f.svc.URL+"/api/posts", res.URL)
}

func TestSession(t *testing.T) {
	f := newFixture(t, awitest.Options{}, config.ExecutorConfig{})
	ctx := context.Background()

	assert.Equal(t, []SessionKind{SessionDiff, SessionEnd, SessionHistory, SessionState}, SessionKinds(f.exec.Manifest()))

	for i := 0; i < 3; i++ {
		require.Equal(t, Success, f.exec.Execute(ctx, f.cred, Intent{Operation: "list", Endpoint: "/posts"}).Kind)
	}

	res, err := f.exec.Session(ctx, f.cred, SessionState, nil)
	require.NoError(t, err)
	require.Equal(t, Success, res.Kind)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, 3.0, data["operations"])

	res, err = f.exec.Session(ctx, f.cred, SessionHistory, map[string]interface{}{"limit": 2, "offset": 1})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"list", "list"}, res.Data.(map[string]interface{})["history"])

	res, err = f.exec.Session(ctx, f.cred, SessionEnd, nil)
	require.NoError(t, err)
	assert.Equal(t, Success, res.Kind)
	assert.Equal(t, "POST", res.Method)

	_, err = f.exec.Session(ctx, f.cred, SessionKind("replay"), nil)
	assert.Error(t, err)
}
