// Package export implements the signed export framework shared by receipts,
// the audit log and transparency publications. Every page carries an export
// hash over its canonical contents and an attestation that chains onto the
// previous export of the same stream.
package export

import (
	"time"

	"github.com/google/uuid"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/crypto"
)

// Attestation is one link in a stream's hash chain.
type Attestation struct {
	Stream            string    `json:"stream"`
	Sequence          uint64    `json:"sequence"`
	ExportHash        string    `json:"export_hash"`
	ChainHash         string    `json:"chain_hash"`
	PreviousChainHash string    `json:"previous_chain_hash"`
	CreatedAt         time.Time `json:"created_at"`
}

// Checkpoint resumes a paginated export. Checkpoints expire per stream.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	Stream       string    `json:"stream"`
	Offset       int       `json:"offset"`
	FiltersHash  string    `json:"filters_hash"`
	ChainHash    string    `json:"chain_hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Export is one signed page of an export stream.
type Export struct {
	Stream            string                 `json:"stream"`
	Entries           []interface{}          `json:"entries"`
	Filters           map[string]interface{} `json:"filters"`
	TotalFiltered     int                    `json:"total_filtered"`
	ExportHash        string                 `json:"export_hash"`
	ChainHash         string                 `json:"chain_hash"`
	PreviousChainHash string                 `json:"previous_chain_hash"`
	Sequence          uint64                 `json:"sequence"`
	GeneratedAt       time.Time              `json:"generated_at"`
	NextCursor        string                 `json:"next_cursor,omitempty"`
	Signature         canonical.Signature    `json:"signature"`
}

type exporterState interface {
	ExportHead(stream string) (*Attestation, bool)
	ExportAppend(att *Attestation) error
	ExportAttestations(stream string) []*Attestation
	ExportCheckpointPut(*Checkpoint) error
	ExportCheckpointGet(id string) (*Checkpoint, bool)
	ExportCheckpointDelete(id string) error
}

// DefaultCheckpointTTL applies to streams without an explicit TTL.
const DefaultCheckpointTTL = 15 * time.Minute

// Well-known export streams.
const (
	StreamReceipts    = "receipts"
	StreamPolicyAudit = "policy_audit"
	StreamOutbox      = "outbox"
)

// Exporter builds signed, chained export pages.
type Exporter struct {
	state         exporterState
	keys          *crypto.KeySet
	nowFn         func() time.Time
	idFn          func() string
	checkpointTTL map[string]time.Duration
}

// NewExporter constructs an exporter signing with the given key set.
func NewExporter(keys *crypto.KeySet) *Exporter {
	return &Exporter{
		keys:          keys,
		nowFn:         time.Now,
		idFn:          func() string { return "ckpt_" + uuid.NewString() },
		checkpointTTL: map[string]time.Duration{},
	}
}

// SetState configures the state backend.
func (x *Exporter) SetState(state exporterState) { x.state = state }

// SetNowFunc overrides the time source, primarily used in tests.
func (x *Exporter) SetNowFunc(now func() time.Time) {
	if now == nil {
		x.nowFn = time.Now
		return
	}
	x.nowFn = now
}

// SetCheckpointTTL sets the checkpoint lifetime for one stream.
func (x *Exporter) SetCheckpointTTL(stream string, ttl time.Duration) {
	x.checkpointTTL[stream] = ttl
}

func (x *Exporter) ttl(stream string) time.Duration {
	if ttl, ok := x.checkpointTTL[stream]; ok && ttl > 0 {
		return ttl
	}
	return DefaultCheckpointTTL
}

// PageParams select one page of an export stream.
type PageParams struct {
	// Cursor resumes from a previously issued checkpoint. Empty starts a
	// fresh export.
	Cursor string
	Limit  int
	// AttestationAfter is the chain hash the client last observed. When
	// resuming, the stream head must still descend from it.
	AttestationAfter string
}

// Build produces one signed page over the filtered entries. The full filtered
// slice is supplied by the caller; pagination slices it deterministically.
func (x *Exporter) Build(stream string, entries []interface{}, filters map[string]interface{}, params PageParams) (*Export, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	filtersHash, err := canonical.HashHex(filters)
	if err != nil {
		return nil, coreerr.Internal("hash export filters: %v", err)
	}
	now := x.nowFn()

	offset := 0
	if params.Cursor != "" {
		ckpt, err := x.resumeCheckpoint(stream, params, filtersHash, now)
		if err != nil {
			return nil, err
		}
		offset = ckpt.Offset
	}
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + params.Limit
	if end > len(entries) {
		end = len(entries)
	}
	page := entries[offset:end]

	exportHash, err := canonical.HashHex(map[string]interface{}{
		"entries":        page,
		"filters":        filters,
		"total_filtered": len(entries),
	})
	if err != nil {
		return nil, coreerr.Internal("hash export page: %v", err)
	}

	prevChain := ""
	var sequence uint64
	if head, ok := x.state.ExportHead(stream); ok {
		prevChain = head.ChainHash
		sequence = head.Sequence + 1
	}
	chainHash, err := canonical.HashHex(map[string]interface{}{
		"prev_chain_hash": prevChain,
		"export_hash":     exportHash,
	})
	if err != nil {
		return nil, coreerr.Internal("hash export chain: %v", err)
	}
	att := &Attestation{
		Stream:            stream,
		Sequence:          sequence,
		ExportHash:        exportHash,
		ChainHash:         chainHash,
		PreviousChainHash: prevChain,
		CreatedAt:         now.UTC(),
	}
	if err := x.state.ExportAppend(att); err != nil {
		return nil, err
	}

	out := &Export{
		Stream:            stream,
		Entries:           page,
		Filters:           filters,
		TotalFiltered:     len(entries),
		ExportHash:        exportHash,
		ChainHash:         chainHash,
		PreviousChainHash: prevChain,
		Sequence:          sequence,
		GeneratedAt:       now.UTC(),
	}
	if end < len(entries) {
		ckpt := &Checkpoint{
			CheckpointID: x.idFn(),
			Stream:       stream,
			Offset:       end,
			FiltersHash:  filtersHash,
			ChainHash:    chainHash,
			CreatedAt:    now.UTC(),
			ExpiresAt:    now.Add(x.ttl(stream)).UTC(),
		}
		if err := x.state.ExportCheckpointPut(ckpt); err != nil {
			return nil, err
		}
		out.NextCursor = ckpt.CheckpointID
	}

	sig, err := x.keys.Sign(signingView(out))
	if err != nil {
		return nil, coreerr.Internal("sign export: %v", err)
	}
	out.Signature = sig
	return out, nil
}

func (x *Exporter) resumeCheckpoint(stream string, params PageParams, filtersHash string, now time.Time) (*Checkpoint, error) {
	ckpt, ok := x.state.ExportCheckpointGet(params.Cursor)
	if !ok || ckpt.Stream != stream {
		return nil, coreerr.NotFound("export checkpoint %s not found", params.Cursor)
	}
	if !now.Before(ckpt.ExpiresAt) {
		_ = x.state.ExportCheckpointDelete(ckpt.CheckpointID)
		return nil, coreerr.ExportCheckpointExpired("export checkpoint %s expired at %s", ckpt.CheckpointID, ckpt.ExpiresAt.Format(time.RFC3339))
	}
	if ckpt.FiltersHash != filtersHash {
		return nil, coreerr.Validation("export filters changed mid-pagination; restart without a cursor")
	}
	if params.AttestationAfter != "" && params.AttestationAfter != ckpt.ChainHash {
		return nil, coreerr.ExportChainBroken("attestation %s does not match the checkpointed chain position", params.AttestationAfter)
	}
	if !x.descendsFrom(stream, ckpt.ChainHash) {
		return nil, coreerr.ExportChainBroken("stream %s no longer descends from chain hash %s", stream, ckpt.ChainHash)
	}
	return ckpt, nil
}

// descendsFrom reports whether the stream's current chain contains the hash.
func (x *Exporter) descendsFrom(stream, chainHash string) bool {
	for _, att := range x.state.ExportAttestations(stream) {
		if att.ChainHash == chainHash {
			return true
		}
	}
	return false
}

// Attestations returns the full chain for a stream in sequence order.
func (x *Exporter) Attestations(stream string) []*Attestation {
	atts := x.state.ExportAttestations(stream)
	out := make([]*Attestation, 0, len(atts))
	for _, att := range atts {
		clone := *att
		out = append(out, &clone)
	}
	return out
}

// signingView is the export minus its own signature.
func signingView(e *Export) map[string]interface{} {
	return map[string]interface{}{
		"stream":              e.Stream,
		"entries":             e.Entries,
		"filters":             e.Filters,
		"total_filtered":      e.TotalFiltered,
		"export_hash":         e.ExportHash,
		"chain_hash":          e.ChainHash,
		"previous_chain_hash": e.PreviousChainHash,
		"sequence":            e.Sequence,
		"generated_at":        e.GeneratedAt,
	}
}
