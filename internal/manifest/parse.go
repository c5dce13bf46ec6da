package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every structural validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Parse decodes a JSON manifest. It does not validate.
func Parse(data []byte) (*Manifest, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return FromRaw(raw)
}

// FromRaw builds a Manifest from an already decoded document. The typed
// view is derived from raw, so later edits to raw need another FromRaw.
func FromRaw(raw map[string]interface{}) (*Manifest, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest sections: %w", err)
	}
	m.Raw = raw
	return &m, nil
}

// Validate checks the minimum structure: a name plus either an
// authentication block or an operations block.
func (m *Manifest) Validate() error {
	if m.DisplayName() == "" {
		return fmt.Errorf("%w: no service name", ErrInvalid)
	}
	if !m.hasAuthentication() && !m.hasOperations() {
		return fmt.Errorf("%w: neither authentication nor operations declared", ErrInvalid)
	}
	return nil
}

func (m *Manifest) hasAuthentication() bool {
	a := m.Authentication
	return a.Registration.Endpoint != "" || a.HeaderName != "" || a.Header != "" || a.Type != ""
}

func (m *Manifest) hasOperations() bool {
	if len(m.Endpoints.Operations) > 0 || len(m.Operations) > 0 || m.Endpoints.Base != "" {
		return true
	}
	if caps, ok := m.Raw["capabilities"].(map[string]interface{}); ok {
		if _, ok := caps["operations"]; ok {
			return true
		}
	}
	return false
}

// LoadFile reads a manifest from a local JSON or YAML file and validates it.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode manifest yaml: %w", err)
		}
		m, err = FromRaw(raw)
	default:
		m, err = Parse(data)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
