// Package liquidity holds the domain types shared by the liquidity service:
// providers, personas, inventory snapshots with merkle inclusion proofs and
// the batch reservation outcome model.
package liquidity

import "time"

// Provider is one liquidity source. Providers version monotonically; edits
// bump Version.
type Provider struct {
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Persona is one trading identity of a provider.
type Persona struct {
	PersonaID  string    `json:"persona_id"`
	ProviderID string    `json:"provider_id"`
	Kind       string    `json:"kind"`
	TrustTier  string    `json:"trust_tier"`
	Version    int       `json:"version"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Holding is one asset position inside an inventory snapshot.
type Holding struct {
	AssetKey  string  `json:"asset_key"`
	Quantity  float64 `json:"quantity"`
	ValueUSD  float64 `json:"value_usd"`
	Available bool    `json:"available"`
}

// Snapshot is a point-in-time inventory of one persona. RootHash commits to
// every holding; inclusion proofs verify individual positions against it.
type Snapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	ProviderID string    `json:"provider_id"`
	PersonaID  string    `json:"persona_id"`
	TakenAt    time.Time `json:"taken_at"`
	Holdings   []Holding `json:"holdings"`
	RootHash   string    `json:"root_hash"`
}

// Reservation pins one holding of a snapshot to an execution context.
type Reservation struct {
	ReservationID string    `json:"reservation_id"`
	SnapshotID    string    `json:"snapshot_id"`
	AssetKey      string    `json:"asset_key"`
	ContextID     string    `json:"context_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ReleasedAt    time.Time `json:"released_at,omitempty"`
}

// Reservation statuses.
const (
	ReservationActive   = "active"
	ReservationReleased = "released"
	ReservationExecuted = "executed"
)

// Per-entry outcomes of a batch reserve or release.
const (
	OutcomeSuccess         = "success"
	OutcomeConflict        = "conflict"
	OutcomeNotAvailable    = "not_available"
	OutcomeContextMismatch = "context_mismatch"
	OutcomeAssetNotFound   = "asset_not_found"
)

// BatchEntry is one asset in a batch reserve/release request.
type BatchEntry struct {
	SnapshotID string `json:"snapshot_id"`
	AssetKey   string `json:"asset_key"`
	ContextID  string `json:"context_id"`
}

// BatchResult reports the per-entry outcome; partial success is expected and
// callers retry or route around individual failures.
type BatchResult struct {
	Entry         BatchEntry `json:"entry"`
	Outcome       string     `json:"outcome"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}
