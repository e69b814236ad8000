package storage

import (
	coreerr "swapmesh/core/errors"
)

// MigrationReport summarizes a backend migration. StateSHA256 is the
// canonical hash of the migrated snapshot, identical on both sides.
type MigrationReport struct {
	StateSHA256 string         `json:"state_sha256"`
	Counts      map[string]int `json:"counts"`
}

// Migrate copies state from src to dst and proves, by canonical hash, that
// the logical state survived the move bit for bit.
func Migrate(src, dst Backend) (*MigrationReport, error) {
	state, err := src.Load()
	if err != nil {
		return nil, err
	}
	before := state.Snapshot()
	beforeHash, err := before.Hash()
	if err != nil {
		return nil, coreerr.Internal("hash source state: %v", err)
	}
	// Save still runs the destination's optimistic version check, so dst
	// must be empty or behind the source version.
	if err := dst.Save(state); err != nil {
		return nil, err
	}
	reloaded, err := dst.Load()
	if err != nil {
		return nil, err
	}
	after := reloaded.Snapshot()
	afterHash, err := after.Hash()
	if err != nil {
		return nil, coreerr.Internal("hash migrated state: %v", err)
	}
	if beforeHash != afterHash {
		return nil, coreerr.Internal("migration changed state: %s became %s", beforeHash, afterHash)
	}
	return &MigrationReport{StateSHA256: afterHash, Counts: after.Counts()}, nil
}
