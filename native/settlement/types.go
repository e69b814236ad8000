package settlement

import (
	"time"

	"swapmesh/canonical"
	"swapmesh/core/types"
)

// State is the per-cycle timeline state. The order below is the only legal
// progression; a timeline never regresses.
type State string

const (
	StateAccepted      State = "accepted"
	StateEscrowPending State = "escrow.pending"
	StateEscrowReady   State = "escrow.ready"
	StateExecuting     State = "executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

var stateRank = map[State]int{
	StateAccepted:      0,
	StateEscrowPending: 1,
	StateEscrowReady:   2,
	StateExecuting:     3,
	StateCompleted:     4,
	StateFailed:        4,
}

// Terminal reports whether the timeline has reached its final state.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// LegStatus tracks one participant's funding leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegRefunded  LegStatus = "refunded"
)

// Deposit modes.
const (
	DepositModeDeposit = "deposit"
	DepositModeVault   = "vault"
)

// Leg is one funding obligation inside a cycle.
type Leg struct {
	IntentID          string         `json:"intent_id"`
	FromActor         types.ActorRef `json:"from_actor"`
	ToActor           types.ActorRef `json:"to_actor"`
	Assets            []string       `json:"assets"`
	Status            LegStatus      `json:"status"`
	DepositMode       string         `json:"deposit_mode"`
	DepositDeadlineAt time.Time      `json:"deposit_deadline_at"`
	DepositRef        string         `json:"deposit_ref,omitempty"`
	HoldingID         string         `json:"holding_id,omitempty"`
}

// Timeline is the settlement state machine instance for one committed cycle.
type Timeline struct {
	CycleID   string    `json:"cycle_id"`
	PartnerID string    `json:"partner_id,omitempty"`
	State     State     `json:"state"`
	Legs      []Leg     `json:"legs"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the timeline.
func (t *Timeline) Clone() *Timeline {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Legs = make([]Leg, len(t.Legs))
	for i, leg := range t.Legs {
		clone.Legs[i] = leg
		clone.Legs[i].Assets = append([]string(nil), leg.Assets...)
	}
	return &clone
}

func (t *Timeline) leg(actor types.ActorRef) *Leg {
	for i := range t.Legs {
		if t.Legs[i].FromActor.Equal(actor) {
			return &t.Legs[i]
		}
	}
	return nil
}

func (t *Timeline) allDeposited() bool {
	for _, leg := range t.Legs {
		if leg.Status != LegDeposited {
			return false
		}
	}
	return true
}

// Fee is one charge attached to a receipt.
type Fee struct {
	Type      string  `json:"type"`
	AmountUSD float64 `json:"amount_usd"`
}

// Receipt is the terminal, signed record of a cycle's outcome. Exactly one
// receipt exists per cycle.
type Receipt struct {
	ID           string                 `json:"id"`
	CycleID      string                 `json:"cycle_id"`
	FinalState   State                  `json:"final_state"`
	IntentIDs    []string               `json:"intent_ids"`
	AssetIDs     []string               `json:"asset_ids"`
	Fees         []Fee                  `json:"fees"`
	Transparency map[string]interface{} `json:"transparency"`
	IssuedAt     time.Time              `json:"issued_at"`
	Signature    canonical.Signature    `json:"signature"`
}

// SigningPayload returns the receipt fields covered by the signature.
func (r *Receipt) SigningPayload() map[string]interface{} {
	return map[string]interface{}{
		"id":           r.ID,
		"cycle_id":     r.CycleID,
		"final_state":  string(r.FinalState),
		"intent_ids":   r.IntentIDs,
		"asset_ids":    r.AssetIDs,
		"fees":         r.Fees,
		"transparency": r.Transparency,
		"issued_at":    r.IssuedAt.UTC().Format(time.RFC3339),
	}
}
