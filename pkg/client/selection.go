// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Selection is the cached server choice. Fallback marks a synthesized
// selection adopted after a failed discovery; it is never persisted,
// so the next session redisovers from scratch.
type Selection struct {
	Region   string    `json:"region"`
	Server   string    `json:"server"`
	CachedAt time.Time `json:"cached_at"`

	Fallback bool `json:"-"`
}

// SelectionStore persists the selection between sessions.
type SelectionStore interface {
	// Load returns the stored selection, or (nil, nil) when none
	// exists.
	Load() (*Selection, error)

	// Save replaces the stored selection wholesale.
	Save(*Selection) error

	// Clear removes the stored selection.
	Clear() error
}

// FileStore keeps the selection in a single JSON file, replaced
// atomically on every save so a crash never leaves a torn document.
type FileStore struct {
	path string
}

// NewFileStore creates a store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultCachePath returns the well-known selection file:
// ${XDG_CACHE_HOME:-~/.cache}/georoute/selection.json.
func DefaultCachePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(dir, "georoute", "selection.json"), nil
}

func (s *FileStore) Load() (*Selection, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read selection: %w", err)
	}

	var sel Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("parse selection: %w", err)
	}
	if sel.Server == "" {
		return nil, fmt.Errorf("parse selection: missing server")
	}
	return &sel, nil
}

func (s *FileStore) Save(sel *Selection) error {
	raw, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".selection-*.json")
	if err != nil {
		return fmt.Errorf("create temp selection: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write selection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close selection: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace selection: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove selection: %w", err)
	}
	return nil
}
