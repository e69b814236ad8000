package delegation

import (
	"time"

	"swapmesh/canonical"
	"swapmesh/core/types"
)

// ConsentRequirements describe what a consent proof must carry for operations
// run under the delegation.
type ConsentRequirements struct {
	RequireSignature bool `json:"require_signature"`
	RequireChallenge bool `json:"require_challenge"`
}

// Delegation is a signed authority granted by an owner to a subject actor,
// scoped and capped.
type Delegation struct {
	DelegationID        string              `json:"delegation_id"`
	OwnerActor          types.ActorRef      `json:"owner_actor"`
	SubjectActor        types.ActorRef      `json:"subject_actor"`
	Scopes              []string            `json:"scopes"`
	OperationAllowlist  []string            `json:"operation_allowlist"`
	ExpiresAt           time.Time           `json:"expires_at"`
	SpendCapPerDayUSD   float64             `json:"spend_cap_per_day_usd,omitempty"`
	ConsentRequirements ConsentRequirements `json:"consent_requirements"`
	CreatedAt           time.Time           `json:"created_at"`
	Revoked             bool                `json:"revoked,omitempty"`
}

// Clone returns a deep copy of the delegation.
func (d *Delegation) Clone() *Delegation {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Scopes = append([]string(nil), d.Scopes...)
	clone.OperationAllowlist = append([]string(nil), d.OperationAllowlist...)
	return &clone
}

// AllowsOperation reports whether the operation is on the allowlist.
func (d *Delegation) AllowsOperation(operationID string) bool {
	for _, op := range d.OperationAllowlist {
		if op == operationID || op == "*" {
			return true
		}
	}
	return false
}

// HasScope reports whether the delegation grants the scope.
func (d *Delegation) HasScope(scope string) bool {
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ConsentProof binds a user authorization to a specific delegated action.
type ConsentProof struct {
	ConsentID    string         `json:"consent_id"`
	SubjectActor types.ActorRef `json:"subject_actor"`
	DelegationID string         `json:"delegation_id"`
	Intent       string         `json:"intent"`
	Binding      string         `json:"binding"`
	Nonce        string         `json:"nonce"`
	ExpiresAt    time.Time      `json:"expires_at"`
	// Signature is required unless the runtime is configured to accept
	// signed_raw proofs.
	Signature *canonical.Signature `json:"signature,omitempty"`
	// ChallengeBinding additionally ties the proof to one operation id.
	ChallengeID      string `json:"challenge_id,omitempty"`
	ChallengeBinding string `json:"challenge_binding,omitempty"`
}

// BindingPayload is the canonical payload the binding hash covers.
func (p *ConsentProof) BindingPayload() map[string]interface{} {
	return map[string]interface{}{
		"consent_id":    p.ConsentID,
		"subject_actor": p.SubjectActor,
		"delegation_id": p.DelegationID,
		"intent":        p.Intent,
	}
}

// ChallengePayload extends the binding payload with the operation id.
func (p *ConsentProof) ChallengePayload(operationID string) map[string]interface{} {
	payload := p.BindingPayload()
	payload["operation_id"] = operationID
	return payload
}

// Decision values recorded in the audit log.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PolicyAuditEntry is one append-only audit row. Sequence numbers are dense
// and assigned by the store.
type PolicyAuditEntry struct {
	AuditID        string                 `json:"audit_id"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Actor          types.ActorRef         `json:"actor"`
	OperationID    string                 `json:"operation_id"`
	Decision       string                 `json:"decision"`
	ReasonCode     string                 `json:"reason_code,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	SequenceNumber uint64                 `json:"sequence_number"`
}
