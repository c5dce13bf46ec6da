package credentials

import (
	"strings"
	"time"

	json "github.com/json-iterator/go"
)

// Credential is a stored agent registration for one target domain.
//
// APIKey is kept in plain text at rest. The credential file is written with
// mode 0600 and that is the only protection it gets.
type Credential struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	AgentName       string     `json:"agent_name"`
	Domain          string     `json:"domain"`
	AWIName         string     `json:"awi_name"`
	APIKey          string     `json:"api_key"`
	Permissions     []string   `json:"permissions"`
	Description     string     `json:"description,omitempty"`
	AgentType       string     `json:"agent_type"`
	Framework       string     `json:"framework"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsed        *time.Time `json:"last_used"`
	SessionCount    int        `json:"session_count"`
	ExpiresAt       *time.Time `json:"expires_at"`
	IsActive        bool       `json:"is_active"`
	ManifestVersion string     `json:"manifest_version,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Usable reports whether the credential is active and unexpired.
func (c *Credential) Usable(now time.Time) bool {
	return c.IsActive && !c.Expired(now)
}

// LastActivity is the time used for recency ordering: last use, else creation.
func (c *Credential) LastActivity() time.Time {
	if c.LastUsed != nil {
		return *c.LastUsed
	}
	return c.CreatedAt
}

// Clone returns a deep copy so callers never share state with the store.
func (c *Credential) Clone() *Credential {
	out := *c
	out.Permissions = append([]string(nil), c.Permissions...)
	if c.LastUsed != nil {
		t := *c.LastUsed
		out.LastUsed = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// HasPermission reports whether perm was granted.
func (c *Credential) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// storedCredential mirrors Credential with string timestamps so files written
// by other tools (naive ISO-8601 without a zone, or null) still load.
type storedCredential struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	AgentName       string   `json:"agent_name"`
	Domain          string   `json:"domain"`
	AWIName         string   `json:"awi_name"`
	APIKey          string   `json:"api_key"`
	Permissions     []string `json:"permissions"`
	Description     *string  `json:"description"`
	AgentType       string   `json:"agent_type"`
	Framework       string   `json:"framework"`
	CreatedAt       string   `json:"created_at"`
	LastUsed        *string  `json:"last_used"`
	SessionCount    int      `json:"session_count"`
	ExpiresAt       *string  `json:"expires_at"`
	IsActive        *bool    `json:"is_active"`
	ManifestVersion *string  `json:"manifest_version"`
	Notes           *string  `json:"notes"`
}

// UnmarshalJSON accepts RFC 3339 and zone-less ISO-8601 timestamps. Zone-less
// values are read as UTC. A missing is_active defaults to true.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var s storedCredential
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	created, err := parseTimestamp(s.CreatedAt)
	if err != nil {
		return err
	}
	lastUsed, err := parseOptionalTimestamp(s.LastUsed)
	if err != nil {
		return err
	}
	expires, err := parseOptionalTimestamp(s.ExpiresAt)
	if err != nil {
		return err
	}

	*c = Credential{
		ID:              s.ID,
		AgentID:         s.AgentID,
		AgentName:       s.AgentName,
		Domain:          s.Domain,
		AWIName:         s.AWIName,
		APIKey:          s.APIKey,
		Permissions:     s.Permissions,
		Description:     deref(s.Description),
		AgentType:       s.AgentType,
		Framework:       s.Framework,
		CreatedAt:       created,
		LastUsed:        lastUsed,
		SessionCount:    s.SessionCount,
		ExpiresAt:       expires,
		IsActive:        s.IsActive == nil || *s.IsActive,
		ManifestVersion: deref(s.ManifestVersion),
		Notes:           deref(s.Notes),
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseOptionalTimestamp(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
