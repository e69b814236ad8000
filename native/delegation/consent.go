package delegation

import (
	"crypto/ed25519"
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
)

// ComputeBinding returns the canonical hash a consent proof's binding field
// must carry.
func ComputeBinding(p *ConsentProof) (string, error) {
	return canonical.HashHex(p.BindingPayload())
}

// ComputeChallengeBinding returns the canonical hash binding a proof to one
// operation id.
func ComputeChallengeBinding(p *ConsentProof, operationID string) (string, error) {
	return canonical.HashHex(p.ChallengePayload(operationID))
}

// ConsentVerifier validates consent proofs against a delegation and the
// runtime's enforcement posture.
type ConsentVerifier struct {
	// AllowUnsignedConsent accepts proofs without a signature even when the
	// delegation requires one. Off by default; only legacy signed_raw
	// integrations set it.
	AllowUnsignedConsent bool

	// SubjectKeys resolves the verification key for a subject actor. Nil
	// falls back to the public key embedded in the proof signature.
	SubjectKeys func(actorKey string) (ed25519.PublicKey, bool)
}

// Verify checks the proof's binding, expiry, signature and challenge against
// the delegation and operation. Nonce replay is checked by the caller against
// the store.
func (v *ConsentVerifier) Verify(d *Delegation, p *ConsentProof, operationID string, now time.Time) error {
	if p == nil {
		return coreerr.Validation("consent proof required")
	}
	if p.DelegationID != d.DelegationID {
		return coreerr.WithReason(
			coreerr.Forbidden("consent proof bound to delegation %s, not %s", p.DelegationID, d.DelegationID),
			coreerr.ReasonConsentProofMismatch)
	}
	if !p.SubjectActor.Equal(d.SubjectActor) {
		return coreerr.WithReason(
			coreerr.Forbidden("consent proof subject does not match delegation subject"),
			coreerr.ReasonConsentProofMismatch)
	}
	if !now.Before(p.ExpiresAt) {
		return coreerr.WithReason(
			coreerr.Expired("consent proof %s expired at %s", p.ConsentID, p.ExpiresAt.UTC().Format(time.RFC3339)),
			coreerr.ReasonConsentProofExpired)
	}
	binding, err := ComputeBinding(p)
	if err != nil {
		return coreerr.Internal("compute consent binding: %v", err)
	}
	if binding != p.Binding {
		return coreerr.WithReason(
			coreerr.Forbidden("consent proof binding does not match its contents"),
			coreerr.ReasonConsentProofMismatch)
	}
	if d.ConsentRequirements.RequireChallenge {
		want, err := ComputeChallengeBinding(p, operationID)
		if err != nil {
			return coreerr.Internal("compute challenge binding: %v", err)
		}
		if p.ChallengeBinding != want {
			return coreerr.WithReason(
				coreerr.Forbidden("consent challenge is not bound to operation %s", operationID),
				coreerr.ReasonConsentProofChallenge)
		}
	}
	if p.Signature == nil {
		if d.ConsentRequirements.RequireSignature && !v.AllowUnsignedConsent {
			return coreerr.WithReason(
				coreerr.Forbidden("delegation %s requires a signed consent proof", d.DelegationID),
				coreerr.ReasonConsentProofSignatureInvalid)
		}
		return nil
	}
	signable := p.Clone()
	signable.Signature = nil
	if v.SubjectKeys != nil {
		if pub, ok := v.SubjectKeys(p.SubjectActor.Key()); ok {
			if err := canonical.Verify(pub, signable, *p.Signature); err != nil {
				return coreerr.WithReason(
					coreerr.Forbidden("consent proof signature invalid: %v", err),
					coreerr.ReasonConsentProofSignatureInvalid)
			}
			return nil
		}
	}
	if err := canonical.VerifyEmbedded(signable, *p.Signature); err != nil {
		return coreerr.WithReason(
			coreerr.Forbidden("consent proof signature invalid: %v", err),
			coreerr.ReasonConsentProofSignatureInvalid)
	}
	return nil
}

// Clone returns a copy of the proof.
func (p *ConsentProof) Clone() *ConsentProof {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Signature != nil {
		sig := *p.Signature
		clone.Signature = &sig
	}
	return &clone
}
