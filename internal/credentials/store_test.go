package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// fakeClock hands out a strictly advancing time on every call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func blogParams() StoreParams {
	return StoreParams{
		AgentID:         "a1",
		AgentName:       "AWIAgent",
		Domain:          "https://blog.example.com/",
		AWIName:         "Blog",
		APIKey:          "k1",
		Permissions:     []string{"read", "write"},
		AgentType:       "awi-cli",
		Framework:       "go",
		ManifestVersion: "1.0",
	}
}

func setupFileStore(t *testing.T) (*Store, string, *fakeClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "awi-cli", "config.json")
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, path, clock
}

func TestStore_RoundTrip(t *testing.T) {
	s, path, _ := setupFileStore(t)

	stored, err := s.Store(blogParams())
	require.NoError(t, err)
	assert.Equal(t, "blog.example.com", stored.Domain)
	assert.True(t, stored.IsActive)
	assert.NotEmpty(t, stored.ID)

	got, err := s.Get("http://blog.example.com/any/path", "")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	// A fresh store over the same file sees the identical credential.
	reopened, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	fromDisk, err := reopened.Get("blog.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, stored, fromDisk)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_TouchIsMonotonic(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t))
	// A frozen clock still has to produce strictly advancing timestamps.
	frozen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return frozen })

	_, err := s.Store(blogParams())
	require.NoError(t, err)

	var prev time.Time
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Touch("a1"))
		c, err := s.GetByID("a1")
		require.NoError(t, err)
		assert.Equal(t, i, c.SessionCount)
		require.NotNil(t, c.LastUsed)
		assert.True(t, c.LastUsed.After(prev), "last_used must strictly advance")
		prev = *c.LastUsed
	}

	assert.ErrorIs(t, s.Touch("missing"), ErrNotFound)
}

func TestStore_GetSelection(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t))
	clock := newFakeClock()
	s.SetClock(clock.Now)

	first := blogParams()
	_, err := s.Store(first)
	require.NoError(t, err)

	second := blogParams()
	second.AgentID = "a2"
	second.AgentName = "Reviewer"
	_, err = s.Store(second)
	require.NoError(t, err)

	t.Run("most recent wins", func(t *testing.T) {
		require.NoError(t, s.Touch("a1"))
		c, err := s.Get("blog.example.com", "")
		require.NoError(t, err)
		assert.Equal(t, "a1", c.AgentID)
	})

	t.Run("filters by agent name", func(t *testing.T) {
		c, err := s.Get("blog.example.com", "Reviewer")
		require.NoError(t, err)
		assert.Equal(t, "a2", c.AgentID)

		_, err = s.Get("blog.example.com", "Nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("inactive credentials are skipped", func(t *testing.T) {
		require.NoError(t, s.Deactivate("a1"))
		c, err := s.Get("blog.example.com", "")
		require.NoError(t, err)
		assert.Equal(t, "a2", c.AgentID)

		// Still on file.
		kept, err := s.GetByID("a1")
		require.NoError(t, err)
		assert.False(t, kept.IsActive)
	})

	t.Run("other domains do not match", func(t *testing.T) {
		assert.False(t, s.Has("shop.example.com"))
		assert.True(t, s.Has("BLOG.example.com"))
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(nil)
	c, err := s.Store(blogParams())
	require.NoError(t, err)

	c.Permissions[0] = "admin"
	c.APIKey = "tampered"

	again, err := s.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, again.Permissions)
	assert.Equal(t, "k1", again.APIKey)
}

func TestStore_CleanupExpired(t *testing.T) {
	s, path, clock := setupFileStore(t)

	const total, expired = 5, 2
	past := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		p := blogParams()
		p.AgentID = fmt.Sprintf("agent-%d", i)
		if i < expired {
			p.ExpiresAt = &past
		} else if i == total-1 {
			p.ExpiresAt = &future
		}
		_, err := s.Store(p)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	removed, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, expired, removed)
	assert.Len(t, s.List("", false), total-expired)

	again, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Zero(t, again)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Len(t, reopened.List("", false), total-expired)
}

func TestStore_DeleteAndRotate(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t))
	c, err := s.Store(blogParams())
	require.NoError(t, err)
	require.NoError(t, s.Touch("a1"))

	require.NoError(t, s.Rotate("a1", "k2", nil))
	rotated, err := s.GetByID("a1")
	require.NoError(t, err)
	assert.Equal(t, "k2", rotated.APIKey)
	assert.Equal(t, []string{"read", "write"}, rotated.Permissions)
	assert.Equal(t, 1, rotated.SessionCount)
	assert.Equal(t, c.CreatedAt, rotated.CreatedAt)

	require.NoError(t, s.Rotate(c.ID, "k3", []string{"read"}))
	rotated, err = s.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, rotated.Permissions)

	require.NoError(t, s.Delete("a1"))
	_, err = s.GetByID("a1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, s.Delete("a1"), ErrNotFound)
}

func TestStore_ReRegistrationReplacesAgent(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Store(blogParams())
	require.NoError(t, err)

	p := blogParams()
	p.APIKey = "k-new"
	_, err = s.Store(p)
	require.NoError(t, err)

	all := s.List("", false)
	require.Len(t, all, 1)
	assert.Equal(t, "k-new", all[0].APIKey)
}

func TestStore_AgentIDsAreScopedByDomain(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t))
	a, err := s.Store(StoreParams{AgentID: "1", Domain: "a.example.com", APIKey: "key-a"})
	require.NoError(t, err)
	b, err := s.Store(StoreParams{AgentID: "1", Domain: "b.example.com", APIKey: "key-b"})
	require.NoError(t, err)

	assert.True(t, s.Has("a.example.com"))
	assert.True(t, s.Has("b.example.com"))
	require.Len(t, s.List("", false), 2)

	// Mutations by map id leave the other domain's entry alone.
	require.NoError(t, s.Touch(b.ID))
	require.NoError(t, s.Deactivate(b.ID))
	gotA, err := s.GetByID(a.ID)
	require.NoError(t, err)
	assert.True(t, gotA.IsActive)
	assert.Zero(t, gotA.SessionCount)
	gotB, err := s.GetByID(b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.IsActive)
	assert.Equal(t, 1, gotB.SessionCount)
}

func TestStore_ExpiryFromJWT(t *testing.T) {
	exp := time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "a1",
		"exp": exp.Unix(),
	}).SignedString([]byte("server-secret"))
	require.NoError(t, err)

	s := NewMemoryStore(nil)
	p := blogParams()
	p.APIKey = token
	c, err := s.Store(p)
	require.NoError(t, err)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, exp.Equal(*c.ExpiresAt))

	// Opaque keys carry no expiry.
	c2, err := s.Store(StoreParams{AgentID: "a2", Domain: "x.example", APIKey: "opaque"})
	require.NoError(t, err)
	assert.Nil(t, c2.ExpiresAt)
}

func TestStore_Validation(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Store(StoreParams{Domain: "x.example", APIKey: "k"})
	assert.Error(t, err)
	_, err = s.Store(StoreParams{AgentID: "a", Domain: "", APIKey: "k"})
	assert.Error(t, err)

	_, err = Open("", nil)
	assert.Error(t, err)
}

func TestStore_FileCompatibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{
  "browser_profile": {"default": {"headless": true}},
  "agent_credentials": {
    "agent-legacy": {
      "agent_id": "agent-legacy",
      "agent_name": "Old",
      "domain": "http://LOCALHOST:3000/",
      "awi_name": "Legacy",
      "api_key": "legacy-key",
      "permissions": ["read"],
      "description": null,
      "agent_type": "browser-use",
      "framework": "python",
      "created_at": "2024-05-01T10:00:00.123456",
      "last_used": null,
      "session_count": 4,
      "expires_at": null,
      "is_active": true,
      "manifest_version": null,
      "notes": null
    }
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	c, err := s.Get("localhost:3000", "")
	require.NoError(t, err)
	assert.Equal(t, "agent-legacy", c.ID)
	assert.Equal(t, 4, c.SessionCount)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC), c.CreatedAt)

	require.NoError(t, s.Touch("agent-legacy"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "browser_profile", "unknown top-level keys must survive a rewrite")
	entry, ok := doc["agent_credentials"]["agent-legacy"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 5, entry["session_count"])

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestStore_ConcurrentTouches(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, path, _ := setupFileStore(t)
	_, err := s.Store(blogParams())
	require.NoError(t, err)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				assert.NoError(t, s.Touch("a1"))
			}
		}()
	}
	wg.Wait()

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	c, err := reopened.GetByID("a1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, c.SessionCount)
}
