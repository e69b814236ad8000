package commitment

import (
	"time"
)

// Phase is the two-phase acceptance state of a commit. Transitions are
// monotonic: accepting is the only non-terminal phase.
type Phase string

const (
	PhaseAccepting Phase = "accepting"
	PhaseCommitted Phase = "committed"
	PhaseDeclined  Phase = "declined"
	PhaseExpired   Phase = "expired"
)

// Terminal reports whether the phase can no longer change.
func (p Phase) Terminal() bool { return p != PhaseAccepting }

// Commit binds a proposal to its acceptance record. Its id is derived
// deterministically from the proposal id.
type Commit struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	PartnerID  string `json:"partner_id,omitempty"`
	Phase      Phase  `json:"phase"`
	// Acceptances is keyed by actor key ("type:id") with the acceptance
	// time.
	Acceptances map[string]time.Time `json:"acceptances"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Clone returns a deep copy of the commit.
func (c *Commit) Clone() *Commit {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Acceptances = make(map[string]time.Time, len(c.Acceptances))
	for k, v := range c.Acceptances {
		clone.Acceptances[k] = v
	}
	return &clone
}

// Reservation binds an intent exclusively to one non-terminal proposal.
type Reservation struct {
	IntentID   string    `json:"intent_id"`
	ProposalID string    `json:"proposal_id"`
	CreatedAt  time.Time `json:"created_at"`
}
