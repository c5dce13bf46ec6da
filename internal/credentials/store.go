package credentials

import (
	encodingjson "encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// credentialsKey is the top-level key of the credential file.
const credentialsKey = "agent_credentials"

// ErrNotFound is returned when no credential matches the lookup.
var ErrNotFound = errors.New("credential not found")

// StoreParams describes a new credential.
type StoreParams struct {
	AgentID         string
	AgentName       string
	Domain          string
	AWIName         string
	APIKey          string
	Permissions     []string
	Description     string
	AgentType       string
	Framework       string
	ExpiresAt       *time.Time
	ManifestVersion string
	Notes           string
}

// Store keeps credentials in memory and, when it has a path, mirrors every
// mutation to a single JSON file. All operations are serialized through one
// mutex. The file is not safe for concurrent use by several processes.
type Store struct {
	mu     sync.Mutex
	path   string
	creds  map[string]*Credential
	extra  map[string]encodingjson.RawMessage
	logger *zap.Logger
	now    func() time.Time
}

// Open loads the credential file at path. A missing file yields an empty store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("credential store path is required")
	}
	s := newStore(path, logger)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a store that never touches disk.
func NewMemoryStore(logger *zap.Logger) *Store {
	return newStore("", logger)
}

func newStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		creds:  make(map[string]*Credential),
		extra:  make(map[string]encodingjson.RawMessage),
		logger: logger.Named("credentials"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Path returns the backing file path, empty for a memory store.
func (s *Store) Path() string { return s.path }

// Has reports whether a usable credential exists for domain.
func (s *Store) Has(domain string) bool {
	_, err := s.Get(domain, "")
	return err == nil
}

// Get returns the most recently used usable credential for domain. When
// agentName is non-empty only credentials with that exact name match.
func (s *Store) Get(domain, agentName string) (*Credential, error) {
	key := NormalizeDomain(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *Credential
	for _, c := range s.creds {
		if c.Domain != key || !c.Usable(now) {
			continue
		}
		if agentName != "" && c.AgentName != agentName {
			continue
		}
		if best == nil || c.LastActivity().After(best.LastActivity()) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for domain %s", ErrNotFound, key)
	}
	return best.Clone(), nil
}

// GetByID returns the credential with the given id or agent id, whatever its state.
func (s *Store) GetByID(id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// Store creates and persists a new active credential.
func (s *Store) Store(p StoreParams) (*Credential, error) {
	if p.AgentID == "" || p.APIKey == "" {
		return nil, errors.New("agent id and api key are required")
	}
	domain := NormalizeDomain(p.Domain)
	if domain == "" {
		return nil, errors.New("domain is required")
	}

	expires := p.ExpiresAt
	if expires == nil {
		expires = expiryFromToken(p.APIKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Credential{
		ID:              uuid.NewString(),
		AgentID:         p.AgentID,
		AgentName:       p.AgentName,
		Domain:          domain,
		AWIName:         p.AWIName,
		APIKey:          p.APIKey,
		Permissions:     append([]string(nil), p.Permissions...),
		Description:     p.Description,
		AgentType:       p.AgentType,
		Framework:       p.Framework,
		CreatedAt:       s.now(),
		ExpiresAt:       expires,
		IsActive:        true,
		ManifestVersion: p.ManifestVersion,
		Notes:           p.Notes,
	}
	// A re-registration on the same domain that hands back an existing agent
	// id replaces the old entry. Other domains assign ids independently.
	var old *Credential
	for _, existing := range s.creds {
		if existing.Domain == domain && existing.AgentID == p.AgentID {
			old = existing
			break
		}
	}
	if old != nil {
		delete(s.creds, old.ID)
	}
	s.creds[c.ID] = c

	if err := s.persist(); err != nil {
		delete(s.creds, c.ID)
		if old != nil {
			s.creds[old.ID] = old
		}
		return nil, err
	}
	s.logger.Info("Stored credential",
		zap.String("agent_name", c.AgentName),
		zap.String("agent_id", c.AgentID),
		zap.String("domain", domain))
	return c.Clone(), nil
}

// Touch records a use: last_used advances and session_count increments.
func (s *Store) Touch(agentID string) error {
	return s.mutate(agentID, func(c *Credential) {
		s.markUsed(c)
	})
}

// Deactivate soft-deletes a credential. It stays on file but is never returned by Get.
func (s *Store) Deactivate(agentID string) error {
	err := s.mutate(agentID, func(c *Credential) { c.IsActive = false })
	if err == nil {
		s.logger.Info("Deactivated credential", zap.String("agent_id", agentID))
	}
	return err
}

// Rotate replaces the key and, when newPermissions is non-nil, the permissions.
// Identity, counters and history fields are preserved.
func (s *Store) Rotate(agentID, newKey string, newPermissions []string) error {
	if newKey == "" {
		return errors.New("new api key is required")
	}
	err := s.mutate(agentID, func(c *Credential) {
		c.APIKey = newKey
		if newPermissions != nil {
			c.Permissions = append([]string(nil), newPermissions...)
		}
		if exp := expiryFromToken(newKey); exp != nil {
			c.ExpiresAt = exp
		}
		now := s.now()
		c.LastUsed = &now
	})
	if err == nil {
		s.logger.Info("Rotated credential", zap.String("agent_id", agentID))
	}
	return err
}

// Delete removes a credential permanently.
func (s *Store) Delete(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(agentID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	delete(s.creds, c.ID)
	if err := s.persist(); err != nil {
		s.creds[c.ID] = c
		return err
	}
	s.logger.Info("Deleted credential", zap.String("agent_id", agentID))
	return nil
}

// List returns credentials, most recently used first. An empty domain lists
// every domain. activeOnly drops inactive and expired entries.
func (s *Store) List(domain string, activeOnly bool) []*Credential {
	key := ""
	if domain != "" {
		key = NormalizeDomain(domain)
	}

	s.mu.Lock()
	now := s.now()
	out := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if key != "" && c.Domain != key {
			continue
		}
		if activeOnly && !c.Usable(now) {
			continue
		}
		out = append(out, c.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// CleanupExpired hard-deletes every expired credential and returns how many were removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := make(map[string]*Credential)
	for id, c := range s.creds {
		if c.Expired(now) {
			removed[id] = c
			delete(s.creds, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for id, c := range removed {
			s.creds[id] = c
		}
		return 0, err
	}
	s.logger.Info("Removed expired credentials", zap.Int("count", len(removed)))
	return len(removed), nil
}

// markUsed advances last_used strictly and bumps the session counter.
func (s *Store) markUsed(c *Credential) {
	now := s.now()
	if c.LastUsed != nil && !now.After(*c.LastUsed) {
		now = c.LastUsed.Add(time.Microsecond)
	}
	c.LastUsed = &now
	c.SessionCount++
}

// mutate applies fn to the credential matching id and persists, rolling back on failure.
func (s *Store) mutate(id string, fn func(c *Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := c.Clone()
	fn(c)
	if err := s.persist(); err != nil {
		*c = *before
		return err
	}
	return nil
}

// lookup matches on the map id first, then on the service-assigned agent id.
// Agent ids are only unique per domain, so internal callers pass the map id.
// Caller holds mu.
func (s *Store) lookup(id string) *Credential {
	if id == "" {
		return nil
	}
	if c, ok := s.creds[id]; ok {
		return c
	}
	for _, c := range s.creds {
		if c.AgentID == id {
			return c
		}
	}
	return nil
}

// expiryFromToken reads the exp claim of a JWT-shaped key without verifying it.
// Opaque keys yield nil.
func expiryFromToken(apiKey string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(apiKey, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time.UTC()
	return &t
}
