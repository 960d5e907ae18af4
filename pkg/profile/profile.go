// Package profile caches the signed-in user's account profile for the panel.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Profile is the account data shown in the panel header.
type Profile struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	UID         string `json:"uid,omitempty"`
}

// Empty reports whether no account is known.
func (p Profile) Empty() bool {
	return p == Profile{}
}

// Store persists a single profile as JSON. A missing file reads as an
// empty profile.
type Store struct {
	path string

	mu     sync.RWMutex
	cached *Profile
}

// NewStore creates a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the cached profile, reading the file on first use.
func (s *Store) Load() (Profile, error) {
	s.mu.RLock()
	if s.cached != nil {
		p := *s.cached
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached, nil
	}

	var p Profile
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Profile{}, fmt.Errorf("read profile: %w", err)
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return Profile{}, fmt.Errorf("parse profile: %w", err)
		}
	}
	s.cached = &p
	return p, nil
}

// Save writes p to disk and replaces the cached copy.
func (s *Store) Save(p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}

	s.mu.Lock()
	s.cached = &p
	s.mu.Unlock()
	return nil
}

// Clear removes the stored profile.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove profile: %w", err)
	}
	s.mu.Lock()
	s.cached = &Profile{}
	s.mu.Unlock()
	return nil
}
