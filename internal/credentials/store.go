// Package credentials persists provider credentials in a mode-0600 JSON
// file and imports tokens from well-known external CLI installs.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RecordType distinguishes stored credential shapes.
type RecordType string

const (
	TypeAPI   RecordType = "api"
	TypeOAuth RecordType = "oauth"
)

// Record is one provider's stored credential.
type Record struct {
	Type RecordType `json:"type"`

	// API key credentials.
	Key string `json:"key,omitempty"`

	// OAuth credentials. Expires is unix millis; zero means no expiry.
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// Expired reports whether an OAuth record's access token has lapsed.
func (r Record) Expired() bool {
	return r.Type == TypeOAuth && r.Expires != 0 && time.Now().UnixMilli() >= r.Expires
}

// Store reads and writes the auth file, keyed by provider id.
type Store struct {
	Path string
}

// NewStore places the auth file at <dataDir>/auth.json.
func NewStore(dataDir string) *Store {
	return &Store{Path: filepath.Join(dataDir, "auth.json")}
}

// Get returns the record for a provider, if stored.
func (s *Store) Get(providerID string) (Record, bool, error) {
	all, err := s.All()
	if err != nil {
		return Record{}, false, err
	}
	r, ok := all[providerID]
	return r, ok, nil
}

// Set stores or replaces a provider's record.
func (s *Store) Set(providerID string, r Record) error {
	all, err := s.All()
	if err != nil {
		return err
	}
	all[providerID] = r
	return s.write(all)
}

// Remove deletes a provider's record. Removing an absent provider is a
// no-op.
func (s *Store) Remove(providerID string) error {
	all, err := s.All()
	if err != nil {
		return err
	}
	if _, ok := all[providerID]; !ok {
		return nil
	}
	delete(all, providerID)
	return s.write(all)
}

// All returns every stored record. A missing auth file yields an empty map.
func (s *Store) All() (map[string]Record, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]Record{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	return out, nil
}

// Providers returns the stored provider ids in sorted order.
func (s *Store) Providers() ([]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) write(all map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	// Credentials are secrets; the file must never be group or world
	// readable.
	if err := os.WriteFile(s.Path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(s.Path, 0o600)
}
