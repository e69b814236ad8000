// Package models defines liquidityd's relational schema.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider rows version monotonically; every update bumps Version.
type Provider struct {
	ProviderID string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"uniqueIndex;size:128"`
	Version    int    `gorm:"not null"`
	Active     bool   `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Persona is one trading identity of a provider.
type Persona struct {
	PersonaID  string `gorm:"primaryKey;size:64"`
	ProviderID string `gorm:"index;size:64"`
	Kind       string `gorm:"size:32"`
	TrustTier  string `gorm:"size:32;index"`
	Version    int    `gorm:"not null"`
	Active     bool   `gorm:"index"`
	CreatedAt  time.Time
}

// InventorySnapshot commits to a persona's holdings via RootHash.
type InventorySnapshot struct {
	SnapshotID string `gorm:"primaryKey;size:64"`
	ProviderID string `gorm:"index;size:64"`
	PersonaID  string `gorm:"index;size:64"`
	RootHash   string `gorm:"size:64;index"`
	TakenAt    time.Time
	CreatedAt  time.Time
	Holdings   []SnapshotHolding `gorm:"foreignKey:SnapshotID;references:SnapshotID"`
}

// SnapshotHolding is one asset row of a snapshot. LeafIndex preserves the
// merkle leaf order; LeafHash is the leaf commitment.
type SnapshotHolding struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SnapshotID string `gorm:"index:idx_snapshot_asset,unique;size:64"`
	AssetKey   string `gorm:"index:idx_snapshot_asset,unique;size:128"`
	LeafIndex  int    `gorm:"not null"`
	LeafHash   string `gorm:"size:64"`
	Quantity   float64
	ValueUSD   float64
	Available  bool
}

// Reservation pins one snapshot holding to an execution context. The unique
// index on (snapshot, asset, status) backs the single-active-reservation
// guarantee.
type Reservation struct {
	ReservationID string `gorm:"primaryKey;size:64"`
	SnapshotID    string `gorm:"index;size:64"`
	AssetKey      string `gorm:"index;size:128"`
	ContextID     string `gorm:"index;size:64"`
	Status        string `gorm:"size:16;index"`
	CreatedAt     time.Time
	ReleasedAt    *time.Time
}

// ReconReport records one reconciliation pass.
type ReconReport struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	RunAt      time.Time
	Matched    int
	Missing    int
	Unexpected int
	OutputPath string `gorm:"size:255"`
	ChainHash  string `gorm:"size:64"`
	RuntimeURL string `gorm:"size:255"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Provider{},
		&Persona{},
		&InventorySnapshot{},
		&SnapshotHolding{},
		&Reservation{},
		&ReconReport{},
	)
}
