package transparency_test

import (
	"testing"
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
	"swapmesh/merkle"
	"swapmesh/native/transparency"
	"swapmesh/storage"
)

var publisher = types.ActorRef{Type: types.ActorAgent, ID: "publisher"}

func newEngine(t *testing.T) *transparency.Engine {
	t.Helper()
	e := transparency.NewEngine()
	e.SetState(storage.NewState())
	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return e
}

func batch(ids ...string) []interface{} {
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{"receipt_id": id})
	}
	return out
}

func TestAppendChainsPublications(t *testing.T) {
	e := newEngine(t)

	first, err := e.Append(publisher, transparency.SourceReceipts, batch("rcpt_1", "rcpt_2"))
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.PublicationIndex != 0 || first.PreviousRootHash != "" {
		t.Fatalf("expected genesis publication, got %+v", first)
	}

	second, err := e.Append(publisher, transparency.SourceReceipts, batch("rcpt_3"))
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.PublicationIndex != 1 || second.PreviousRootHash != first.RootHash {
		t.Fatalf("expected chained publication, got %+v", second)
	}

	if err := e.VerifyChain(transparency.SourceReceipts); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if got := e.List(transparency.SourceReceipts); len(got) != 2 {
		t.Fatalf("expected 2 publications, got %d", len(got))
	}
}

func TestAppendSameBatchIsIdempotent(t *testing.T) {
	e := newEngine(t)
	entries := batch("rcpt_1")
	first, err := e.Append(publisher, transparency.SourceReceipts, entries)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	again, err := e.Append(publisher, transparency.SourceReceipts, entries)
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if again.PublicationID != first.PublicationID || again.PublicationIndex != first.PublicationIndex {
		t.Fatalf("expected identical publication on replay, got %+v", again)
	}
	if got := e.List(transparency.SourceReceipts); len(got) != 1 {
		t.Fatalf("expected a single publication, got %d", len(got))
	}
}

func TestAppendValidation(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Append(publisher, "", batch("x")); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for empty source, got %v", err)
	}
	if _, err := e.Append(publisher, transparency.SourceReceipts, nil); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for empty batch, got %v", err)
	}
}

func TestSourcesChainIndependently(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Append(publisher, transparency.SourceReceipts, batch("rcpt_1")); err != nil {
		t.Fatalf("receipts append: %v", err)
	}
	audit, err := e.Append(publisher, transparency.SourcePolicyAudit, batch("aud_1"))
	if err != nil {
		t.Fatalf("audit append: %v", err)
	}
	if audit.PublicationIndex != 0 || audit.PreviousRootHash != "" {
		t.Fatalf("expected independent genesis per source, got %+v", audit)
	}
}

func TestProveEntryInclusion(t *testing.T) {
	e := newEngine(t)
	entries := batch("rcpt_1", "rcpt_2", "rcpt_3")
	pub, err := e.Append(publisher, transparency.SourceReceipts, entries)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	proof, err := e.Prove(pub.PublicationID, 1)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	data, err := canonical.Marshal(entries[1])
	if err != nil {
		t.Fatalf("canonicalize entry: %v", err)
	}
	if !merkle.Verify(merkle.LeafHash(data), proof, pub.RootHash) {
		t.Fatal("expected inclusion proof to verify against the publication root")
	}

	// The proof must not verify a different entry.
	other, err := canonical.Marshal(entries[0])
	if err != nil {
		t.Fatalf("canonicalize entry: %v", err)
	}
	if merkle.Verify(merkle.LeafHash(other), proof, pub.RootHash) {
		t.Fatal("proof must be bound to its entry")
	}

	if _, err := e.Prove(pub.PublicationID, 99); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation for out-of-range index, got %v", err)
	}
	if _, err := e.Prove("pub_missing", 0); coreerr.CodeOf(err) != coreerr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
