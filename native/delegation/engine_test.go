package delegation_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
	"swapmesh/crypto"
	"swapmesh/native/delegation"
	"swapmesh/storage"
)

var (
	owner = types.ActorRef{Type: types.ActorUser, ID: "alice"}
	agent = types.ActorRef{Type: types.ActorAgent, ID: "helper-1"}
)

type fixture struct {
	engine *delegation.Engine
	keys   *crypto.KeySet
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.keys = crypto.NewKeySet()
	if err := f.keys.Generate("policy-test"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.engine = delegation.NewEngine(f.keys)
	f.engine.SetState(storage.NewState())
	f.engine.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *fixture) createParams() delegation.CreateParams {
	return delegation.CreateParams{
		SubjectActor:       agent,
		Scopes:             []string{"intents:write", "matching:run"},
		OperationAllowlist: []string{"intents.create", "matching.run"},
		ExpiresAt:          f.now.Add(24 * time.Hour),
	}
}

func TestCreateMintsVerifiableToken(t *testing.T) {
	f := newFixture(t)
	d, token, err := f.engine.Create(owner, f.createParams())
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	if d.DelegationID == "" || token == "" {
		t.Fatalf("expected delegation and token, got %+v / %q", d, token)
	}

	parsed, err := delegation.ParseToken(f.keys, token, f.now)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if parsed.DelegationID != d.DelegationID || !parsed.SubjectActor.Equal(agent) {
		t.Fatalf("token payload mismatch: %+v", parsed)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	params := f.createParams()
	params.SubjectActor = owner
	if _, _, err := f.engine.Create(owner, params); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for self-delegation, got %v", err)
	}

	params = f.createParams()
	params.Scopes = nil
	if _, _, err := f.engine.Create(owner, params); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for empty scopes, got %v", err)
	}

	params = f.createParams()
	params.ExpiresAt = f.now.Add(-time.Hour)
	if _, _, err := f.engine.Create(owner, params); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for past expiry, got %v", err)
	}
}

func TestAuthorizeWithToken(t *testing.T) {
	f := newFixture(t)
	d, token, err := f.engine.Create(owner, f.createParams())
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	allowed, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:       token,
		Actor:          agent,
		OperationID:    "intents.create",
		RequiredScopes: []string{"intents:write"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if allowed.DelegationID != d.DelegationID {
		t.Fatalf("expected delegation %s, got %s", d.DelegationID, allowed.DelegationID)
	}

	audit := f.engine.Audit()
	if len(audit) != 1 || audit[0].Decision != delegation.DecisionAllow {
		t.Fatalf("expected one allow entry, got %+v", audit)
	}
}

func TestAuthorizeDenials(t *testing.T) {
	f := newFixture(t)
	d, token, err := f.engine.Create(owner, f.createParams())
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:       token,
		Actor:          agent,
		OperationID:    "intents.create",
		RequiredScopes: []string{"settlement:write"},
	}); coreerr.CodeOf(err) != coreerr.CodeInsufficientScope {
		t.Fatalf("expected insufficient scope, got %v", err)
	}

	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "settlement.start",
	}); coreerr.CodeOf(err) != coreerr.CodeOperationNotPermitted {
		t.Fatalf("expected operation not permitted, got %v", err)
	}

	stranger := types.ActorRef{Type: types.ActorAgent, ID: "other-agent"}
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       stranger,
		OperationID: "intents.create",
	}); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for wrong subject, got %v", err)
	}

	if _, err := f.engine.Revoke(owner, d.DelegationID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
	}); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden after revocation, got %v", err)
	}

	// Every denial above must be in the audit log.
	var denies int
	for _, entry := range f.engine.Audit() {
		if entry.Decision == delegation.DecisionDeny {
			denies++
		}
	}
	if denies != 4 {
		t.Fatalf("expected 4 deny entries, got %d", denies)
	}
}

func TestAuthorizeExpiredDelegation(t *testing.T) {
	f := newFixture(t)
	_, token, err := f.engine.Create(owner, f.createParams())
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	f.now = f.now.Add(25 * time.Hour)
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
	}); coreerr.CodeOf(err) != coreerr.CodeForbidden && coreerr.CodeOf(err) != coreerr.CodeExpired {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func signedConsent(t *testing.T, d *delegation.Delegation, operationID, nonce string, priv ed25519.PrivateKey, expires time.Time) *delegation.ConsentProof {
	t.Helper()
	proof := &delegation.ConsentProof{
		ConsentID:    "cns-" + nonce,
		SubjectActor: d.SubjectActor,
		DelegationID: d.DelegationID,
		Intent:       "run matching on my behalf",
		Nonce:        nonce,
		ExpiresAt:    expires,
	}
	binding, err := delegation.ComputeBinding(proof)
	if err != nil {
		t.Fatalf("compute binding: %v", err)
	}
	proof.Binding = binding
	challenge, err := delegation.ComputeChallengeBinding(proof, operationID)
	if err != nil {
		t.Fatalf("compute challenge binding: %v", err)
	}
	proof.ChallengeBinding = challenge
	sig, err := canonical.Sign(priv, "subject-key", proof)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	proof.Signature = &sig
	return proof
}

func TestAuthorizeWithSignedConsent(t *testing.T) {
	f := newFixture(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subject key: %v", err)
	}
	f.engine.SetConsentVerifier(delegation.ConsentVerifier{
		SubjectKeys: func(actorKey string) (ed25519.PublicKey, bool) {
			if actorKey == agent.Key() {
				return pub, true
			}
			return nil, false
		},
	})

	params := f.createParams()
	params.ConsentRequirements = delegation.ConsentRequirements{RequireSignature: true, RequireChallenge: true}
	d, token, err := f.engine.Create(owner, params)
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	proof := signedConsent(t, d, "intents.create", "nonce-1", priv, f.now.Add(time.Hour))
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
		Consent:     proof,
	}); err != nil {
		t.Fatalf("authorize with consent: %v", err)
	}

	// Replaying the nonce is rejected.
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
		Consent:     proof,
	}); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for nonce replay, got %v", err)
	}

	// Missing consent when required is rejected.
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
	}); err == nil {
		t.Fatal("expected rejection without consent proof")
	}

	// A challenge bound to another operation is rejected.
	wrong := signedConsent(t, d, "matching.run", "nonce-2", priv, f.now.Add(time.Hour))
	if _, err := f.engine.Authorize(delegation.AuthorizeInput{
		TokenRaw:    token,
		Actor:       agent,
		OperationID: "intents.create",
		Consent:     wrong,
	}); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for challenge mismatch, got %v", err)
	}
}

func TestSpendCapIsEnforcedPerDay(t *testing.T) {
	f := newFixture(t)
	params := f.createParams()
	params.SpendCapPerDayUSD = 100
	params.ExpiresAt = f.now.Add(72 * time.Hour)
	_, token, err := f.engine.Create(owner, params)
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	spend := func(usd float64) error {
		_, err := f.engine.Authorize(delegation.AuthorizeInput{
			TokenRaw:    token,
			Actor:       agent,
			OperationID: "intents.create",
			SpendUSD:    usd,
		})
		return err
	}

	if err := spend(60); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if err := spend(30); err != nil {
		t.Fatalf("second spend: %v", err)
	}
	if err := spend(20); coreerr.CodeOf(err) != coreerr.CodeOperationNotPermitted {
		t.Fatalf("expected spend cap rejection, got %v", err)
	}

	// The cap resets on the next day.
	f.now = f.now.Add(24 * time.Hour)
	if err := spend(20); err != nil {
		t.Fatalf("spend after reset: %v", err)
	}
}

func TestGetAndListVisibility(t *testing.T) {
	f := newFixture(t)
	d, _, err := f.engine.Create(owner, f.createParams())
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	if _, err := f.engine.Get(owner, d.DelegationID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := f.engine.Get(agent, d.DelegationID); err != nil {
		t.Fatalf("subject get: %v", err)
	}
	stranger := types.ActorRef{Type: types.ActorUser, ID: "mallory"}
	if _, err := f.engine.Get(stranger, d.DelegationID); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
	if got := f.engine.List(stranger); len(got) != 0 {
		t.Fatalf("expected empty list for stranger, got %+v", got)
	}
	if got := f.engine.List(agent); len(got) != 1 {
		t.Fatalf("expected subject to see delegation, got %+v", got)
	}
}
