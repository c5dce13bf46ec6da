package credentials

import (
	encodingjson "encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const fileMode fs.FileMode = 0o600

// load reads the whole file into memory. Top-level keys other than
// agent_credentials belong to other tools and are kept verbatim.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("No credential file yet", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc map[string]encodingjson.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse credential file %s: %w", s.path, err)
	}

	if raw, ok := doc[credentialsKey]; ok && string(raw) != "null" {
		var entries map[string]*Credential
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("failed to parse %s in %s: %w", credentialsKey, s.path, err)
		}
		for key, c := range entries {
			if c == nil {
				continue
			}
			if c.ID == "" {
				c.ID = key
			}
			c.Domain = NormalizeDomain(c.Domain)
			s.creds[c.ID] = c
		}
	}
	delete(doc, credentialsKey)
	s.extra = doc

	s.logger.Debug("Loaded credentials", zap.String("path", s.path), zap.Int("count", len(s.creds)))
	return nil
}

// persist rewrites the whole file through a temp file and rename so a crash
// never leaves a half-written document behind. Caller holds mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	doc := make(map[string]interface{}, len(s.extra)+1)
	for k, v := range s.extra {
		doc[k] = v
	}
	doc[credentialsKey] = s.creds

	data, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
