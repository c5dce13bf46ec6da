// Package awitest runs an in-process AWI-enabled blog service for tests. It
// publishes a manifest through a configurable discovery channel, accepts
// agent registrations and serves a small posts/comments API behind the
// X-Agent-API-Key header.
package awitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
)

// Channel selects where the fake publishes its manifest.
type Channel string

const (
	ChannelHeader       Channel = "header"
	ChannelWellKnown    Channel = "well-known"
	ChannelCapabilities Channel = "capabilities"
	ChannelNone         Channel = "none"
)

// Paths served by the fake.
const (
	HeaderManifestPath = "/awi/manifest.json"
	FullManifestPath   = "/awi/full.json"
	RegisterPath       = "/api/agent/register"
	AuthHeader         = "X-Agent-API-Key"
)

// Options configure a Service. The zero value publishes on the well-known path.
type Options struct {
	Channel Channel
	// HeadNotAllowed answers HEAD with 405 so clients must fall back to GET.
	HeadNotAllowed bool
	// Base overrides endpoints.base in the manifest. Defaults to "/api".
	Base string
	// RegistrationFails makes registration answer success:false.
	RegistrationFails bool
	// RegistrationStatus forces a status code on registration responses.
	RegistrationStatus int
	// RateLimited is the number of API calls answered with 429 before calls succeed.
	RateLimited int
	// RetryAfter is the retryAfter value (seconds) sent with 429 responses.
	RetryAfter int
	// PerMinute adds a top-level rateLimit.perMinute declaration.
	PerMinute int
	// ContentType overrides the manifest response content type.
	ContentType string
}

// Agent is a registered agent as the fake sees it.
type Agent struct {
	ID          string
	Name        string
	APIKey      string
	Permissions []string
	AgentType   string
	Framework   string
	Revoked     bool
}

// Post is a blog post held by the fake.
type Post struct {
	ID       string    `json:"_id"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Author   string    `json:"authorName"`
	Tags     []string  `json:"tags,omitempty"`
	Comments []Comment `json:"comments,omitempty"`
}

// Comment is a comment on a Post.
type Comment struct {
	ID      string `json:"_id"`
	Content string `json:"content"`
	Author  string `json:"authorName"`
}

// Service is a running fake AWI service.
type Service struct {
	*httptest.Server

	opts Options

	mu          sync.Mutex
	agents      map[string]*Agent // by api key
	posts       []*Post
	hits        map[string]int
	rateLimited int
	sessionOps  map[string][]string
}

// New starts a Service. Call Close when done.
func New(opts Options) *Service {
	if opts.Channel == "" {
		opts.Channel = ChannelWellKnown
	}
	if opts.Base == "" {
		opts.Base = "/api"
	}
	s := &Service{
		opts:        opts,
		agents:      make(map[string]*Agent),
		hits:        make(map[string]int),
		rateLimited: opts.RateLimited,
		sessionOps:  make(map[string][]string),
		posts: []*Post{
			{ID: "1", Title: "Hello AWI", Content: "First post", Author: "admin", Tags: []string{"intro"}},
			{ID: "2", Title: "Agents on the web", Content: "Second post", Author: "admin"},
			{ID: "3", Title: "Rate limits", Content: "Third post", Author: "editor"},
		},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.count)

	r.Get("/", s.handleRoot)
	if !s.opts.HeadNotAllowed {
		r.Head("/", s.handleRoot)
	}
	r.Get("/.well-known/llm-text", s.serveIf(ChannelWellKnown, s.manifest))
	r.Get(HeaderManifestPath, s.serveIf(ChannelHeader, s.manifest))
	r.Get("/api/agent/capabilities", s.serveIf(ChannelCapabilities, s.capabilitiesDoc))
	r.Get(FullManifestPath, s.serveIf(ChannelCapabilities, s.manifest))
	r.Post(RegisterPath, s.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limit)
		r.Get("/api/posts", s.handleListPosts)
		r.Post("/api/posts", s.handleCreatePost)
		r.Get("/api/posts/{id}", s.handleGetPost)
		r.Delete("/api/posts/{id}", s.handleDeletePost)
		r.Post("/api/posts/{id}/comments", s.handleCreateComment)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/agent/session/state", s.handleSessionState)
		r.Get("/api/agent/session/history", s.handleSessionHistory)
		r.Get("/api/agent/session/diff", s.handleSessionState)
		r.Post("/api/agent/session/end", s.handleSessionEnd)
	})
	return r
}

// Hits returns how many requests reached path.
func (s *Service) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Agents returns the registered agents.
func (s *Service) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out
}

// Revoke invalidates an API key; later calls with it get 401.
func (s *Service) Revoke(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[apiKey]; ok {
		a.Revoked = true
	}
}

// Posts returns a snapshot of the posts.
func (s *Service) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, *p)
	}
	return out
}

// Manifest returns the manifest document the fake publishes.
func (s *Service) Manifest() map[string]interface{} {
	m := map[string]interface{}{
		"awi": map[string]interface{}{
			"name":        "Test Blog",
			"version":     "1.0",
			"description": "A blog that welcomes agents",
		},
		"authentication": map[string]interface{}{
			"type":       "api_key",
			"headerName": AuthHeader,
			"registration": map[string]interface{}{
				"endpoint": RegisterPath,
				"method":   "POST",
			},
			"permissions": map[string]interface{}{
				"available": []string{"read", "write", "delete"},
				"default":   []string{"read", "write"},
			},
		},
		"endpoints": map[string]interface{}{
			"base": s.opts.Base,
			"operations": map[string]interface{}{
				"list_posts":     map[string]interface{}{"endpoint": "/posts", "method": "GET"},
				"get_post":       map[string]interface{}{"endpoint": "/posts/{id}", "method": "GET"},
				"create_post":    map[string]interface{}{"endpoint": "/posts", "method": "POST", "required_fields": []string{"title", "content"}, "optional_fields": []string{"tags"}},
				"create_comment": map[string]interface{}{"endpoint": "/posts/{id}/comments", "method": "POST", "required_fields": []string{"content"}, "optional_fields": []string{"authorName"}},
				"search":         map[string]interface{}{"endpoint": "/search", "method": "GET"},
			},
		},
		"operations": map[string]interface{}{
			"comments": map[string]interface{}{
				"create": map[string]interface{}{
					"required_fields": []string{"content"},
					"optional_fields": []string{"authorName"},
					"validation":      map[string]interface{}{"content": "1-1000 characters"},
				},
			},
		},
		"llm_quick_reference": map[string]interface{}{
			"field_requirements_summary": map[string]interface{}{
				"posts.create":    map[string]interface{}{"required": []string{"title", "content"}, "optional": []string{"tags"}},
				"comments.create": map[string]interface{}{"required": []string{"content"}, "optional": []string{"authorName"}},
			},
		},
		"capabilities": map[string]interface{}{
			"allowed_operations":    []string{"read", "list", "search", "create", "comment"},
			"disallowed_operations": []string{"delete"},
			"security_features":     []string{"api_key_auth: enabled", "audit_log: enabled"},
			"confirmation_required": []string{"delete"},
			"rate_limits": map[string]interface{}{
				"status":         "not_implemented",
				"planned_limits": map[string]string{"create": "100/hour"},
			},
		},
		"features": map[string]interface{}{
			"session_state": map[string]interface{}{
				"enabled": true,
				"endpoints": map[string]string{
					"state":   "/agent/session/state",
					"history": "/agent/session/history",
					"diff":    "/agent/session/diff",
					"end":     "/agent/session/end",
				},
			},
		},
	}
	if s.opts.PerMinute > 0 {
		m["rateLimit"] = map[string]interface{}{"perMinute": s.opts.PerMinute}
	}
	return m
}

func (s *Service) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Service) serveIf(ch Channel, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Channel != ch {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}
		h(w, r)
	}
}

func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Channel == ChannelHeader {
		w.Header().Set("X-AWI-Discovery", HeaderManifestPath)
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("<html><body><h1>Test Blog</h1></body></html>"))
	}
}

func (s *Service) manifest(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(s.Manifest())
	ct := s.opts.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Service) capabilitiesDoc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": map[string]interface{}{
			"name":               "Test Blog",
			"allowed_operations": []string{"read", "list"},
			"discovery":          map[string]string{"wellKnownUri": FullManifestPath},
		},
	})
}

type registerRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	AgentType   string   `json:"agentType"`
	Framework   string   `json:"framework"`
	Description string   `json:"description"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.opts.RegistrationStatus != 0 {
		writeJSON(w, s.opts.RegistrationStatus, map[string]string{"error": "registration unavailable"})
		return
	}
	if s.opts.RegistrationFails {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": "registration closed"})
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Validation failed",
			"errors": []map[string]string{{"field": "name", "message": "name is required"}},
		})
		return
	}
	a := &Agent{
		ID:          "agent-" + uuid.NewString()[:8],
		Name:        req.Name,
		APIKey:      "awi_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Permissions: req.Permissions,
		AgentType:   req.AgentType,
		Framework:   req.Framework,
	}
	s.mu.Lock()
	s.agents[a.APIKey] = a
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"agent": map[string]interface{}{
			"id":          a.ID,
			"name":        a.Name,
			"apiKey":      a.APIKey,
			"permissions": a.Permissions,
		},
	})
}

type agentKey struct{}

func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AuthHeader)
		s.mu.Lock()
		a, ok := s.agents[key]
		valid := ok && !a.Revoked
		s.mu.Unlock()
		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withAgent(r.Context(), a)))
	})
}

func (s *Service) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		limited := s.rateLimited > 0
		if limited {
			s.rateLimited--
		}
		s.mu.Unlock()
		if limited {
			w.Header().Set("Retry-After", strconv.Itoa(s.opts.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "Rate limit exceeded",
				"retryAfter": s.opts.RetryAfter,
				"rateLimit":  map[string]int{"hourly": 100, "minute": 10, "burst": 5},
				"reputation": map[string]string{"tier": "new"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) record(r *http.Request, op string) string {
	a := agentFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOps[a.ID] = append(s.sessionOps[a.ID], op)
	return "session-" + a.ID
}

func (s *Service) handleListPosts(w http.ResponseWriter, r *http.Request) {
	sid := s.record(r, "list")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	posts := s.Posts()
	if limit > 0 && limit < len(posts) {
		posts = posts[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"posts":         posts,
		"_sessionState": map[string]string{"sessionId": sid},
	})
}

func (s *Service) handleGetPost(w http.ResponseWriter, r *http.Request) {
	s.record(r, "get")
	id := chi.URLParam(r, "id")
	for _, p := range s.Posts() {
		if p.ID == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{"post": p})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Post not found"})
}

func (s *Service) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if missing := missingFields(body, "title", "content"); len(missing) > 0 {
		writeValidation(w, missing)
		return
	}
	s.record(r, "create")
	a := agentFrom(r.Context())
	s.mu.Lock()
	p := &Post{
		ID:      strconv.Itoa(len(s.posts) + 1),
		Title:   fmt.Sprint(body["title"]),
		Content: fmt.Sprint(body["content"]),
		Author:  a.Name,
	}
	s.posts = append(s.posts, p)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "post": p})
}

func (s *Service) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "Agents may not delete posts"})
}

func (s *Service) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	var post *Post
	for _, p := range s.posts {
		if p.ID == id {
			post = p
		}
	}
	s.mu.Unlock()
	if post == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Post not found"})
		return
	}
	if missing := missingFields(body, "content"); len(missing) > 0 {
		writeValidation(w, missing)
		return
	}
	s.record(r, "comment")
	author := agentFrom(r.Context()).Name
	if v, ok := body["authorName"].(string); ok && v != "" {
		author = v
	}
	c := Comment{ID: uuid.NewString(), Content: fmt.Sprint(body["content"]), Author: author}
	s.mu.Lock()
	post.Comments = append(post.Comments, c)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "comment": c})
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.record(r, "search")
	q := strings.ToLower(r.URL.Query().Get("q"))
	results := []Post{}
	for _, p := range s.Posts() {
		if q == "" || strings.Contains(strings.ToLower(p.Title+" "+p.Content), q) {
			results = append(results, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Service) handleSessionState(w http.ResponseWriter, r *http.Request) {
	a := agentFrom(r.Context())
	s.mu.Lock()
	ops := append([]string(nil), s.sessionOps[a.ID]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":  "session-" + a.ID,
		"operations": len(ops),
		"updatedAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	a := agentFrom(r.Context())
	s.mu.Lock()
	ops := append([]string(nil), s.sessionOps[a.ID]...)
	s.mu.Unlock()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset > len(ops) {
		offset = len(ops)
	}
	ops = ops[offset:]
	if limit > 0 && limit < len(ops) {
		ops = ops[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": ops})
}

func (s *Service) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	a := agentFrom(r.Context())
	s.mu.Lock()
	delete(s.sessionOps, a.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func missingFields(body map[string]interface{}, fields ...string) []string {
	var missing []string
	for _, f := range fields {
		if v, ok := body[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func writeValidation(w http.ResponseWriter, missing []string) {
	errs := make([]map[string]string, 0, len(missing))
	for _, f := range missing {
		errs = append(errs, map[string]string{"field": f, "message": f + " is required"})
	}
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Validation failed", "errors": errs})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
