package matching

import (
	"time"

	"swapmesh/core/types"
)

// ProposalStatus tracks a cycle proposal through the accept phase.
type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalCommitted ProposalStatus = "committed"
	ProposalDeclined  ProposalStatus = "declined"
	ProposalExpired   ProposalStatus = "expired"
)

// Live reports whether the proposal can still be accepted.
func (s ProposalStatus) Live() bool { return s == ProposalOpen }

// Participant is one leg of a proposed cycle: the participant's offered asset
// moves from them to the previous intent in the cycle.
type Participant struct {
	IntentID string         `json:"intent_id"`
	From     types.ActorRef `json:"from"`
	To       types.ActorRef `json:"to"`
	AssetKey string         `json:"asset_key"`
	ValueUSD float64        `json:"value_usd"`
}

// Proposal is a closed chain of intents that clears collectively.
type Proposal struct {
	ID           string         `json:"id"`
	PartnerID    string         `json:"partner_id,omitempty"`
	RunID        string         `json:"run_id"`
	Participants []Participant  `json:"participants"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Status       ProposalStatus `json:"status"`
	// ValueClosureDelta is the signed sum of per-participant deltas; it is
	// zero by construction for a closed cycle and retained for audit.
	ValueClosureDelta float64   `json:"value_closure_delta"`
	TotalAbsDeltaUSD  float64   `json:"total_abs_delta_usd"`
	CreatedAt         time.Time `json:"created_at"`
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Participants = append([]Participant(nil), p.Participants...)
	return &clone
}

// IntentIDs returns the ordered intent ids of the cycle.
func (p *Proposal) IntentIDs() []string {
	ids := make([]string, len(p.Participants))
	for i, part := range p.Participants {
		ids[i] = part.IntentID
	}
	return ids
}

// HasParticipantActor reports whether the actor owns one of the cycle legs.
func (p *Proposal) HasParticipantActor(actor types.ActorRef) bool {
	for _, part := range p.Participants {
		if part.From.Equal(actor) {
			return true
		}
	}
	return false
}

// RunStats summarises one matching run.
type RunStats struct {
	CandidateIntents int `json:"candidate_intents"`
	EdgesBuilt       int `json:"edges_built"`
	CyclesFound      int `json:"cycles_found"`
}

// RunRollback records the canary rollback posture observed once a run
// finished, so operators can read activation off the run row itself.
type RunRollback struct {
	ActiveAfter     bool   `json:"active_after"`
	ReasonCodeAfter string `json:"reason_code_after,omitempty"`
}

// Run records a single runMatching invocation and the proposals it selected.
type Run struct {
	RunID                  string      `json:"run_id"`
	PartnerID              string      `json:"partner_id,omitempty"`
	SelectedProposalsCount int         `json:"selected_proposals_count"`
	Stats                  RunStats    `json:"stats"`
	ProposalIDs            []string    `json:"proposal_ids"`
	RoutedToV2             bool        `json:"routed_to_v2"`
	FallbackToV1           bool        `json:"fallback_to_v1"`
	ReasonCode             string      `json:"reason_code,omitempty"`
	Rollback               RunRollback `json:"rollback"`
	CreatedAt              time.Time   `json:"created_at"`
}

// Clone returns a deep copy of the run row.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ProposalIDs = append([]string(nil), r.ProposalIDs...)
	return &clone
}

// RollbackSamples accumulate v2 health signals in basis points of runs routed
// to v2.
type RollbackSamples struct {
	Runs             int `json:"runs"`
	Errors           int `json:"errors"`
	Timeouts         int `json:"timeouts"`
	Limited          int `json:"limited"`
	NonNegativeDelta int `json:"non_negative_delta"`
}

func bps(part, total int) int {
	if total == 0 {
		return 0
	}
	return part * 10_000 / total
}

// ErrorRateBps returns the observed v2 error rate.
func (s RollbackSamples) ErrorRateBps() int { return bps(s.Errors, s.Runs) }

// TimeoutRateBps returns the observed v2 timeout rate.
func (s RollbackSamples) TimeoutRateBps() int { return bps(s.Timeouts, s.Runs) }

// LimitedRateBps returns the rate of runs where v2 hit its cycle limit.
func (s RollbackSamples) LimitedRateBps() int { return bps(s.Limited, s.Runs) }

// NonNegativeDeltaRateBps returns the rate of runs whose best v2 cycle had a
// non-negative closure delta.
func (s RollbackSamples) NonNegativeDeltaRateBps() int { return bps(s.NonNegativeDelta, s.Runs) }

// Rollback is the persisted canary rollback state.
type Rollback struct {
	Active     bool            `json:"active"`
	ReasonCode string          `json:"reason_code,omitempty"`
	Samples    RollbackSamples `json:"samples"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
