package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceFromEndpoint(t *testing.T) {
	testCases := map[string]string{
		"/posts":                       "posts",
		"/posts/{id}":                  "posts",
		"/posts/42":                    "posts",
		"/posts/:id/comments":          "comments",
		"/api/posts/{id}/comments":     "comments",
		"posts/65f1c0ffee0123456789abcd": "posts",
		"/users/3fa85f64-5717-4562-b3fc-2c963f66afa6/profile": "profile",
		"/search?q=go":                  "search",
		"https://blog.example.com/api/search": "search",
		"":                              "",
		"/":                             "",
		"/{id}":                         "",
	}
	for endpoint, want := range testCases {
		assert.Equal(t, want, ResourceFromEndpoint(endpoint), endpoint)
	}
}

func TestFieldRequirements_Precedence(t *testing.T) {
	m, err := Parse([]byte(blogManifest))
	require.NoError(t, err)

	// Quick reference preferred: comments.create comes from the summary.
	r := m.FieldRequirements("create", "POST", "/posts/7/comments", true)
	assert.Equal(t, SourceQuickReference, r.Source)
	assert.Equal(t, "comments.create", r.Key)
	assert.Equal(t, []string{"content"}, r.Required)
	assert.Equal(t, []string{"authorName"}, r.Optional)

	// Schema preferred: the endpoint template match wins.
	r = m.FieldRequirements("create", "POST", "/posts/7/comments", false)
	assert.Equal(t, SourceSchema, r.Source)
	assert.Equal(t, []string{"content", "authorName"}, r.Required)

	// No quick reference entry: falls back to the schema even when preferred.
	r = m.FieldRequirements("create", "POST", "/posts", true)
	assert.Equal(t, SourceSchema, r.Source)
	assert.Equal(t, "posts.create", r.Key)
	assert.Equal(t, []string{"title", "content"}, r.Required)
	assert.Equal(t, []string{"tags"}, r.Optional)
}

func TestFieldRequirements_TopLevelOperations(t *testing.T) {
	m, err := Parse([]byte(blogManifest))
	require.NoError(t, err)

	r := m.FieldRequirements("update", "PUT", "/posts/{id}", true)
	assert.Equal(t, SourceSchema, r.Source)
	assert.Equal(t, []string{"title"}, r.Required)
	assert.Equal(t, "1-200 characters", r.Validation["title"])

	// Single-action resources hold the spec directly.
	r = m.FieldRequirements("search", "GET", "/search", false)
	assert.Equal(t, SourceSchema, r.Source)
	assert.Equal(t, []string{"q"}, r.Required)

	// Named operations are looked up directly.
	r = m.FieldRequirements("create_post", "POST", "", false)
	assert.Equal(t, SourceSchema, r.Source)
	assert.Equal(t, []string{"title", "content"}, r.Required)

	// Dotted operations are used as keys verbatim.
	r = m.FieldRequirements("comments.create", "POST", "", true)
	assert.Equal(t, SourceQuickReference, r.Source)
	assert.Equal(t, "comments.create", r.Key)
}

func TestFieldRequirements_Unknown(t *testing.T) {
	m, err := Parse([]byte(blogManifest))
	require.NoError(t, err)

	r := m.FieldRequirements("archive", "POST", "/archives", true)
	assert.False(t, r.Found())
	assert.Equal(t, SourceNone, r.Source)
	assert.Equal(t, "archives.archive", r.Key)
	assert.Empty(t, r.Guidance("archive"))
}

func TestRequirementsGuidance(t *testing.T) {
	r := Requirements{
		Required:   []string{"content"},
		Optional:   []string{"authorName"},
		Validation: map[string]interface{}{"content": "1-1000 characters"},
		Source:     SourceQuickReference,
	}
	g := r.Guidance("create")
	assert.Contains(t, g, "create operation")
	assert.Contains(t, g, "  - content: 1-1000 characters")
	assert.Contains(t, g, "  - authorName: no specific validation")
	assert.Contains(t, g, "field_values")
}
