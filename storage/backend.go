package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	coreerr "swapmesh/core/errors"
)

// Backend persists state snapshots.
type Backend interface {
	// Load restores the last saved state, or an empty state when nothing
	// was persisted yet.
	Load() (*State, error)
	// Save persists the state. Backends reject saves whose version is not
	// newer than the persisted one with a CONFLICT error.
	Save(*State) error
	// Kind names the backend for health reporting: "json" or "sqlite".
	Kind() string
	Close() error
}

// JSONBackend persists the snapshot as a single JSON document, written with a
// temp file, fsync and atomic rename.
type JSONBackend struct {
	path string
}

// NewJSONBackend builds a file backend rooted at path.
func NewJSONBackend(path string) *JSONBackend {
	return &JSONBackend{path: path}
}

func (b *JSONBackend) Load() (*State, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", b.path, err)
	}
	return Restore(&snap), nil
}

func (b *JSONBackend) Save(state *State) error {
	snap := state.Snapshot()
	if persisted, err := b.persistedVersion(); err != nil {
		return err
	} else if persisted > 0 && snap.Version <= persisted {
		return coreerr.Conflict("state version %d is not newer than persisted version %d", snap.Version, persisted)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONBackend) persistedVersion() (uint64, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read state file: %w", err)
	}
	var head struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("parse state file %s: %w", b.path, err)
	}
	return head.Version, nil
}

func (b *JSONBackend) Kind() string { return "json" }

func (b *JSONBackend) Close() error { return nil }
