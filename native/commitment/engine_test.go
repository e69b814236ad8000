package commitment_test

import (
	"testing"
	"time"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
	"swapmesh/native/commitment"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
	"swapmesh/storage"
)

var (
	alice = types.ActorRef{Type: types.ActorUser, ID: "alice"}
	bob   = types.ActorRef{Type: types.ActorUser, ID: "bob"}
	carol = types.ActorRef{Type: types.ActorUser, ID: "carol"}
)

type fixture struct {
	state    *storage.State
	intents  *intent.Engine
	matching *matching.Engine
	commits  *commitment.Engine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state: storage.NewState(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return f.now }
	f.intents = intent.NewEngine()
	f.intents.SetState(f.state)
	f.intents.SetNowFunc(nowFn)
	f.matching = matching.NewEngine()
	f.matching.SetState(f.state)
	f.matching.SetNowFunc(nowFn)
	f.commits = commitment.NewEngine()
	f.commits.SetState(f.state)
	f.commits.SetNowFunc(nowFn)
	return f
}

func (f *fixture) createIntent(t *testing.T, actor types.ActorRef, offerID, wantID string) *intent.Intent {
	t.Helper()
	created, err := f.intents.Create(actor, intent.CreateParams{
		Offer: []intent.AssetRef{{
			Platform:  "steam",
			AppID:     "app-1",
			ContextID: "ctx-1",
			AssetID:   offerID,
			Metadata:  intent.AssetMetadata{ValueUSD: 100},
		}},
		WantSpec:         []intent.WantPredicate{{Kind: intent.WantSpecific, AssetID: wantID}},
		ValueBand:        intent.ValueBand{MinUSD: 50, MaxUSD: 150},
		TrustConstraints: intent.TrustConstraints{MaxCycleLength: 3},
	})
	if err != nil {
		t.Fatalf("create intent for %s: %v", actor.ID, err)
	}
	return created
}

// proposal seeds a two-party cycle between alice and bob and runs matching.
func (f *fixture) proposal(t *testing.T) *matching.Proposal {
	t.Helper()
	f.createIntent(t, alice, "card:alpha-001", "card:beta-002")
	f.createIntent(t, bob, "card:beta-002", "card:alpha-001")
	_, proposals, err := f.matching.Run(alice, matching.RunParams{})
	if err != nil {
		t.Fatalf("run matching: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected one proposal, got %d", len(proposals))
	}
	return proposals[0]
}

func TestAcceptByAllParticipantsCommits(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	first, err := f.commits.Accept(alice, p.ID)
	if err != nil {
		t.Fatalf("alice accept: %v", err)
	}
	if first.Phase != commitment.PhaseAccepting {
		t.Fatalf("expected accepting after one of two, got %s", first.Phase)
	}
	if first.ID != commitment.CommitID(p.ID) {
		t.Fatalf("unexpected commit id %s", first.ID)
	}

	second, err := f.commits.Accept(bob, p.ID)
	if err != nil {
		t.Fatalf("bob accept: %v", err)
	}
	if second.Phase != commitment.PhaseCommitted {
		t.Fatalf("expected committed after both, got %s", second.Phase)
	}

	committed, err := f.matching.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("load proposal: %v", err)
	}
	if committed.Status != matching.ProposalCommitted {
		t.Fatalf("expected committed proposal, got %s", committed.Status)
	}
	for _, part := range p.Participants {
		it, err := f.intents.Get(part.IntentID)
		if err != nil {
			t.Fatalf("load intent %s: %v", part.IntentID, err)
		}
		if it.Status != intent.StatusReserved {
			t.Fatalf("expected reserved intent %s, got %s", part.IntentID, it.Status)
		}
	}
}

func TestAcceptIsIdempotentPerActor(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	if _, err := f.commits.Accept(alice, p.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	commit, err := f.commits.Accept(alice, p.ID)
	if err != nil {
		t.Fatalf("replayed accept: %v", err)
	}
	if commit.Phase != commitment.PhaseAccepting || len(commit.Acceptances) != 1 {
		t.Fatalf("replay should not advance the commit, got %+v", commit)
	}
}

func TestAcceptRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)
	if _, err := f.commits.Accept(carol, p.ID); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}
}

func TestDeclineReleasesReservations(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	if _, err := f.commits.Accept(alice, p.ID); err != nil {
		t.Fatalf("alice accept: %v", err)
	}
	commit, err := f.commits.Decline(bob, p.ID)
	if err != nil {
		t.Fatalf("bob decline: %v", err)
	}
	if commit.Phase != commitment.PhaseDeclined {
		t.Fatalf("expected declined, got %s", commit.Phase)
	}

	declined, err := f.matching.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("load proposal: %v", err)
	}
	if declined.Status != matching.ProposalDeclined {
		t.Fatalf("expected declined proposal, got %s", declined.Status)
	}
	for _, part := range p.Participants {
		it, err := f.intents.Get(part.IntentID)
		if err != nil {
			t.Fatalf("load intent %s: %v", part.IntentID, err)
		}
		if it.Status != intent.StatusActive {
			t.Fatalf("expected intent %s back to active, got %s", part.IntentID, it.Status)
		}
	}

	// A later accept against the declined commit conflicts.
	if _, err := f.commits.Accept(alice, p.ID); coreerr.CodeOf(err) != coreerr.CodeConflict {
		t.Fatalf("expected conflict accepting declined commit, got %v", err)
	}
}

func TestDeclineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	if _, err := f.commits.Decline(alice, p.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	commit, err := f.commits.Decline(bob, p.ID)
	if err != nil {
		t.Fatalf("decline replay: %v", err)
	}
	if commit.Phase != commitment.PhaseDeclined {
		t.Fatalf("expected declined, got %s", commit.Phase)
	}
}

func TestAcceptAfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	f.now = p.ExpiresAt.Add(time.Minute)
	if _, err := f.commits.Accept(alice, p.ID); coreerr.CodeOf(err) != coreerr.CodeExpired {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestExpireAcceptPhaseSweepsStaleProposals(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	if _, err := f.commits.Accept(alice, p.ID); err != nil {
		t.Fatalf("alice accept: %v", err)
	}

	sweeper := types.ActorRef{Type: types.ActorAgent, ID: "sweeper"}
	if n := f.commits.ExpireAcceptPhase(sweeper, p.ExpiresAt.Add(-time.Minute)); n != 0 {
		t.Fatalf("nothing should expire before the deadline, got %d", n)
	}
	if n := f.commits.ExpireAcceptPhase(sweeper, p.ExpiresAt.Add(time.Minute)); n != 1 {
		t.Fatalf("expected one expired proposal, got %d", n)
	}

	commit, err := f.commits.Get(p.ID)
	if err != nil {
		t.Fatalf("load commit: %v", err)
	}
	if commit.Phase != commitment.PhaseExpired {
		t.Fatalf("expected expired commit, got %s", commit.Phase)
	}
	expired, err := f.matching.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("load proposal: %v", err)
	}
	if expired.Status != matching.ProposalExpired {
		t.Fatalf("expected expired proposal, got %s", expired.Status)
	}
}

func TestCommittedProposalSurvivesSweep(t *testing.T) {
	f := newFixture(t)
	p := f.proposal(t)

	if _, err := f.commits.Accept(alice, p.ID); err != nil {
		t.Fatalf("alice accept: %v", err)
	}
	if _, err := f.commits.Accept(bob, p.ID); err != nil {
		t.Fatalf("bob accept: %v", err)
	}

	sweeper := types.ActorRef{Type: types.ActorAgent, ID: "sweeper"}
	if n := f.commits.ExpireAcceptPhase(sweeper, p.ExpiresAt.Add(time.Hour)); n != 0 {
		t.Fatalf("committed proposal must not be swept, got %d", n)
	}
	commit, err := f.commits.Get(p.ID)
	if err != nil {
		t.Fatalf("load commit: %v", err)
	}
	if commit.Phase != commitment.PhaseCommitted {
		t.Fatalf("expected committed, got %s", commit.Phase)
	}
}
