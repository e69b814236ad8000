package intent

import (
	"fmt"
	"strings"
	"time"

	"swapmesh/core/types"
)

// Status is the lifecycle state of a swap intent.
type Status string

const (
	StatusActive    Status = "active"
	StatusReserved  Status = "reserved"
	StatusCommitted Status = "committed"
	StatusCancelled Status = "cancelled"
	StatusSettled   Status = "settled"
)

// Valid reports whether the status is one of the supported values.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReserved, StatusCommitted, StatusCancelled, StatusSettled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the intent can no longer participate in matching.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusSettled
}

// AssetMetadata carries the pricing annotation attached to an offered asset.
type AssetMetadata struct {
	ValueUSD float64 `json:"value_usd"`
}

// AssetRef describes one offered item. Assets are referenced, never held; the
// platform/app/context/asset tuple is the custody boundary.
type AssetRef struct {
	Platform  string        `json:"platform"`
	AppID     string        `json:"app_id"`
	ContextID string        `json:"context_id"`
	AssetID   string        `json:"asset_id"`
	Metadata  AssetMetadata `json:"metadata"`
	Proof     string        `json:"proof,omitempty"`
}

// Key returns the stable asset key used by proposals and settlement legs.
func (a AssetRef) Key() string {
	return strings.Join([]string{a.Platform, a.AppID, a.ContextID, a.AssetID}, "/")
}

// Want predicate kinds.
const (
	WantSpecific = "specific"
	WantCategory = "category"
)

// WantPredicate is one alternative of a want specification. A specific
// predicate names an asset id; a category predicate names a category tag an
// offered asset id must carry as prefix ("category:").
type WantPredicate struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
	Category string `json:"category,omitempty"`
}

// Matches reports whether the offered asset satisfies the predicate.
func (w WantPredicate) Matches(asset AssetRef) bool {
	if w.Platform != "" && w.Platform != asset.Platform {
		return false
	}
	switch w.Kind {
	case WantSpecific:
		return w.AssetID != "" && w.AssetID == asset.AssetID
	case WantCategory:
		return w.Category != "" && strings.HasPrefix(asset.AssetID, w.Category+":")
	default:
		return false
	}
}

// ValueBand bounds the USD value the owner will exchange at.
type ValueBand struct {
	MinUSD        float64 `json:"min_usd"`
	MaxUSD        float64 `json:"max_usd"`
	PricingSource string  `json:"pricing_source,omitempty"`
}

// Contains reports whether the value lies inside the band.
func (b ValueBand) Contains(valueUSD float64) bool {
	return valueUSD >= b.MinUSD && valueUSD <= b.MaxUSD
}

// TrustConstraints cap the shape of cycles the intent may join.
type TrustConstraints struct {
	MaxCycleLength             int     `json:"max_cycle_length"`
	MinCounterpartyReliability float64 `json:"min_counterparty_reliability,omitempty"`
}

// TimeConstraints bound the intent's lifetime.
type TimeConstraints struct {
	ExpiresAt time.Time `json:"expires_at"`
	Urgency   string    `json:"urgency,omitempty"`
}

// SettlementPreferences select how the owner funds their leg.
type SettlementPreferences struct {
	RequireEscrow bool `json:"require_escrow"`
	// UseVault funds the leg from a vault holding instead of a user deposit.
	UseVault bool `json:"use_vault,omitempty"`
}

// Intent is a user's declared willingness to trade the offered items for
// items matching the want specification within the value band.
type Intent struct {
	ID                    string                `json:"id"`
	Actor                 types.ActorRef        `json:"actor"`
	PartnerID             string                `json:"partner_id,omitempty"`
	Offer                 []AssetRef            `json:"offer"`
	WantSpec              []WantPredicate       `json:"want_spec"`
	ValueBand             ValueBand             `json:"value_band"`
	TrustConstraints      TrustConstraints      `json:"trust_constraints"`
	TimeConstraints       TimeConstraints       `json:"time_constraints"`
	SettlementPreferences SettlementPreferences `json:"settlement_preferences"`
	Status                Status                `json:"status"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Offer = append([]AssetRef(nil), i.Offer...)
	clone.WantSpec = append([]WantPredicate(nil), i.WantSpec...)
	return &clone
}

// OfferValueUSD returns the summed value of all offered assets.
func (i *Intent) OfferValueUSD() float64 {
	var total float64
	for _, asset := range i.Offer {
		total += asset.Metadata.ValueUSD
	}
	return total
}

// Sanitize validates invariants that must hold for any stored intent.
func Sanitize(i *Intent) (*Intent, error) {
	if i == nil {
		return nil, fmt.Errorf("intent: nil intent")
	}
	clone := i.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("intent: id must not be empty")
	}
	if clone.Actor.IsZero() {
		return nil, fmt.Errorf("intent: actor required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("intent: invalid status %q", clone.Status)
	}
	if len(clone.Offer) == 0 {
		return nil, fmt.Errorf("intent: offer must not be empty")
	}
	if len(clone.WantSpec) == 0 {
		return nil, fmt.Errorf("intent: want_spec must not be empty")
	}
	if clone.ValueBand.MinUSD < 0 || clone.ValueBand.MaxUSD < clone.ValueBand.MinUSD {
		return nil, fmt.Errorf("intent: value band must be monotone")
	}
	if clone.TrustConstraints.MaxCycleLength < 2 {
		return nil, fmt.Errorf("intent: max cycle length must be at least 2")
	}
	return clone, nil
}
