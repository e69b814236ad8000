// Package transparency maintains the append-only publication log: batches of
// canonical entries committed under a merkle root and chained per source so
// external auditors can detect rewrites.
package transparency

import (
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/merkle"
)

// Source types of publication batches.
const (
	SourceReceipts    = "receipts"
	SourcePolicyAudit = "policy_audit"
	SourceOutbox      = "outbox"
)

// Publication is one committed batch in a source's chain.
type Publication struct {
	PublicationID    string        `json:"publication_id"`
	PublicationIndex uint64        `json:"publication_index"`
	SourceType       string        `json:"source_type"`
	Entries          []interface{} `json:"entries"`
	RootHash         string        `json:"root_hash"`
	PreviousRootHash string        `json:"previous_root_hash"`
	ChainHash        string        `json:"chain_hash"`
	PublishedAt      time.Time     `json:"published_at"`
}

// Clone returns a shallow copy; entries are treated as immutable once
// published.
func (p *Publication) Clone() *Publication {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Entries = append([]interface{}(nil), p.Entries...)
	return &clone
}

type engineState interface {
	PublicationPut(*Publication) error
	PublicationGet(id string) (*Publication, bool)
	PublicationHead(sourceType string) (*Publication, bool)
	PublicationList(sourceType string) []*Publication
}

// Engine owns the publication log.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a transparency engine.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}, nowFn: time.Now}
}

// SetState configures the state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Append commits a batch of entries to the source's chain. Re-appending the
// same batch at the same chain position returns the existing publication.
func (e *Engine) Append(actor types.ActorRef, sourceType string, entries []interface{}) (*Publication, error) {
	if sourceType == "" {
		return nil, coreerr.Validation("publication requires a source type")
	}
	if len(entries) == 0 {
		return nil, coreerr.Validation("publication requires at least one entry")
	}
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		data, err := canonical.Marshal(entry)
		if err != nil {
			return nil, coreerr.Validation("entry %d is not canonicalizable: %v", i, err)
		}
		leaves[i] = merkle.LeafHash(data)
	}
	rootHex, err := merkle.Root(leaves)
	if err != nil {
		return nil, coreerr.Internal("compute publication root: %v", err)
	}

	prevRoot := ""
	var index uint64
	if head, ok := e.state.PublicationHead(sourceType); ok {
		if head.RootHash == rootHex {
			return head.Clone(), nil
		}
		prevRoot = head.RootHash
		index = head.PublicationIndex + 1
	}
	chainHash, err := canonical.HashHex(map[string]interface{}{
		"source_type":        sourceType,
		"publication_index":  index,
		"root_hash":          rootHex,
		"previous_root_hash": prevRoot,
	})
	if err != nil {
		return nil, coreerr.Internal("compute publication chain hash: %v", err)
	}
	pubID := "pub_" + chainHash[:32]
	if existing, ok := e.state.PublicationGet(pubID); ok {
		return existing.Clone(), nil
	}
	pub := &Publication{
		PublicationID:    pubID,
		PublicationIndex: index,
		SourceType:       sourceType,
		Entries:          append([]interface{}(nil), entries...),
		RootHash:         rootHex,
		PreviousRootHash: prevRoot,
		ChainHash:        chainHash,
		PublishedAt:      e.nowFn().UTC(),
	}
	if err := e.state.PublicationPut(pub); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.New(events.TypePublicationAppended, actor, pub.PublicationID, map[string]interface{}{
		"publication_id":    pub.PublicationID,
		"source_type":       sourceType,
		"publication_index": index,
		"root_hash":         rootHex,
	}))
	return pub.Clone(), nil
}

// Get returns one publication by id.
func (e *Engine) Get(publicationID string) (*Publication, error) {
	pub, ok := e.state.PublicationGet(publicationID)
	if !ok {
		return nil, coreerr.NotFound("publication %s not found", publicationID)
	}
	return pub.Clone(), nil
}

// List returns a source's publications in index order.
func (e *Engine) List(sourceType string) []*Publication {
	pubs := e.state.PublicationList(sourceType)
	out := make([]*Publication, 0, len(pubs))
	for _, pub := range pubs {
		out = append(out, pub.Clone())
	}
	return out
}

// Prove returns an inclusion proof for one entry of a publication.
func (e *Engine) Prove(publicationID string, entryIndex int) (merkle.Proof, error) {
	pub, ok := e.state.PublicationGet(publicationID)
	if !ok {
		return merkle.Proof{}, coreerr.NotFound("publication %s not found", publicationID)
	}
	if entryIndex < 0 || entryIndex >= len(pub.Entries) {
		return merkle.Proof{}, coreerr.Validation("entry index %d out of range", entryIndex)
	}
	leaves := make([]string, len(pub.Entries))
	for i, entry := range pub.Entries {
		data, err := canonical.Marshal(entry)
		if err != nil {
			return merkle.Proof{}, coreerr.Internal("canonicalize entry %d: %v", i, err)
		}
		leaves[i] = merkle.LeafHash(data)
	}
	return merkle.Prove(leaves, entryIndex)
}

// VerifyChain checks a source's chain for continuity and recomputed hashes.
func (e *Engine) VerifyChain(sourceType string) error {
	prevRoot := ""
	for i, pub := range e.state.PublicationList(sourceType) {
		if pub.PreviousRootHash != prevRoot {
			return coreerr.ExportChainBroken("publication %d does not chain onto its predecessor", i)
		}
		chainHash, err := canonical.HashHex(map[string]interface{}{
			"source_type":        pub.SourceType,
			"publication_index":  pub.PublicationIndex,
			"root_hash":          pub.RootHash,
			"previous_root_hash": pub.PreviousRootHash,
		})
		if err != nil {
			return coreerr.Internal("hash publication %d: %v", i, err)
		}
		if chainHash != pub.ChainHash {
			return coreerr.ExportChainBroken("publication %d chain hash mismatch", i)
		}
		prevRoot = pub.RootHash
	}
	return nil
}
