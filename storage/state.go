// Package storage holds the runtime's authoritative state: one typed State
// aggregate satisfying every engine's state interface, persisted through a
// pluggable backend. Access is serialized by the node's single logical
// writer; State itself performs no locking.
package storage

import (
	"sort"
	"time"

	"swapmesh/core/events"
	"swapmesh/export"
	"swapmesh/native/commitment"
	"swapmesh/native/delegation"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
	"swapmesh/native/settlement"
	"swapmesh/native/transparency"
	"swapmesh/native/vault"
)

// IdempotencyRecord is one replay ledger row, keyed by
// (operation_id, actor_key, client_key).
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	OperationID string    `json:"operation_id"`
	ActorKey    string    `json:"actor_key"`
	PayloadHash string    `json:"payload_hash"`
	ResultBody  []byte    `json:"result_body"`
	ResultOK    bool      `json:"result_ok"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutboxEntry is one appended event with its outbox sequence.
type OutboxEntry struct {
	Sequence uint64          `json:"sequence"`
	Envelope events.Envelope `json:"envelope"`
}

// State is the full mutable state of one node.
type State struct {
	intents       map[string]*intent.Intent
	proposals     map[string]*matching.Proposal
	runs          map[string]*matching.Run
	rollback      *matching.Rollback
	commits       map[string]*commitment.Commit
	reservations  map[string]commitment.Reservation
	timelines     map[string]*settlement.Timeline
	receipts      map[string]*settlement.Receipt
	holdings      map[string]*vault.Holding
	delegations   map[string]*delegation.Delegation
	auditLog      []*delegation.PolicyAuditEntry
	consentNonces map[string]bool
	spend         map[string]float64
	attestations  map[string][]*export.Attestation
	checkpoints   map[string]*export.Checkpoint
	publications  map[string][]*transparency.Publication
	outbox        []OutboxEntry
	outboxSeen    map[string]bool
	idempotency   map[string]*IdempotencyRecord
	consumers     map[string]uint64
	version       uint64
}

// NewState builds an empty state.
func NewState() *State {
	return &State{
		intents:       make(map[string]*intent.Intent),
		proposals:     make(map[string]*matching.Proposal),
		runs:          make(map[string]*matching.Run),
		commits:       make(map[string]*commitment.Commit),
		reservations:  make(map[string]commitment.Reservation),
		timelines:     make(map[string]*settlement.Timeline),
		receipts:      make(map[string]*settlement.Receipt),
		holdings:      make(map[string]*vault.Holding),
		delegations:   make(map[string]*delegation.Delegation),
		consentNonces: make(map[string]bool),
		spend:         make(map[string]float64),
		attestations:  make(map[string][]*export.Attestation),
		checkpoints:   make(map[string]*export.Checkpoint),
		publications:  make(map[string][]*transparency.Publication),
		outboxSeen:    make(map[string]bool),
		idempotency:   make(map[string]*IdempotencyRecord),
		consumers:     make(map[string]uint64),
	}
}

// Version is the monotonically increasing write counter used for optimistic
// persistence.
func (s *State) Version() uint64 { return s.version }

// BumpVersion advances the write counter; the node calls it once per
// committed write.
func (s *State) BumpVersion() { s.version++ }

// Counts reports the size of every persisted collection, keyed the same way
// as Snapshot.Counts.
func (s *State) Counts() map[string]int {
	atts := 0
	for _, list := range s.attestations {
		atts += len(list)
	}
	pubs := 0
	for _, list := range s.publications {
		pubs += len(list)
	}
	return map[string]int{
		"intents":      len(s.intents),
		"proposals":    len(s.proposals),
		"runs":         len(s.runs),
		"commits":      len(s.commits),
		"reservations": len(s.reservations),
		"timelines":    len(s.timelines),
		"receipts":     len(s.receipts),
		"holdings":     len(s.holdings),
		"delegations":  len(s.delegations),
		"audit_log":    len(s.auditLog),
		"attestations": atts,
		"checkpoints":  len(s.checkpoints),
		"publications": pubs,
		"outbox":       len(s.outbox),
		"idempotency":  len(s.idempotency),
	}
}

// --- intents ---

func (s *State) IntentPut(in *intent.Intent) error {
	s.intents[in.ID] = in.Clone()
	return nil
}

func (s *State) IntentGet(id string) (*intent.Intent, bool) {
	in, ok := s.intents[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

func (s *State) IntentList() []*intent.Intent {
	out := make([]*intent.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// IntentReservedBy reports the proposal holding a live reservation on the
// intent.
func (s *State) IntentReservedBy(id string) (string, bool) {
	res, ok := s.reservations[id]
	if !ok {
		return "", false
	}
	return res.ProposalID, true
}

// --- proposals, runs, rollback ---

func (s *State) ProposalPut(p *matching.Proposal) error {
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *State) ProposalGet(id string) (*matching.Proposal, bool) {
	p, ok := s.proposals[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *State) ProposalList() []*matching.Proposal {
	out := make([]*matching.Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *State) RunPut(r *matching.Run) error {
	clone := *r
	s.runs[r.RunID] = &clone
	return nil
}

func (s *State) RunGet(id string) (*matching.Run, bool) {
	r, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	clone := *r
	return &clone, true
}

func (s *State) MatchingRollback() *matching.Rollback {
	if s.rollback == nil {
		return &matching.Rollback{}
	}
	clone := *s.rollback
	return &clone
}

func (s *State) MatchingRollbackPut(r *matching.Rollback) error {
	clone := *r
	s.rollback = &clone
	return nil
}

// --- commits and reservations ---

func (s *State) CommitPut(c *commitment.Commit) error {
	s.commits[c.ID] = c.Clone()
	return nil
}

func (s *State) CommitGet(id string) (*commitment.Commit, bool) {
	c, ok := s.commits[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (s *State) ReservationPut(r commitment.Reservation) error {
	s.reservations[r.IntentID] = r
	return nil
}

func (s *State) ReservationGet(intentID string) (commitment.Reservation, bool) {
	r, ok := s.reservations[intentID]
	return r, ok
}

func (s *State) ReservationDelete(intentID string) error {
	delete(s.reservations, intentID)
	return nil
}

// --- settlement ---

func (s *State) TimelinePut(t *settlement.Timeline) error {
	s.timelines[t.CycleID] = t.Clone()
	return nil
}

func (s *State) TimelineGet(cycleID string) (*settlement.Timeline, bool) {
	t, ok := s.timelines[cycleID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (s *State) TimelineList() []*settlement.Timeline {
	out := make([]*settlement.Timeline, 0, len(s.timelines))
	for _, t := range s.timelines {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CycleID < out[b].CycleID })
	return out
}

func (s *State) ReceiptPut(r *settlement.Receipt) error {
	clone := *r
	s.receipts[r.CycleID] = &clone
	return nil
}

func (s *State) ReceiptGetByCycle(cycleID string) (*settlement.Receipt, bool) {
	r, ok := s.receipts[cycleID]
	if !ok {
		return nil, false
	}
	clone := *r
	return &clone, true
}

func (s *State) ReceiptList() []*settlement.Receipt {
	out := make([]*settlement.Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CycleID < out[b].CycleID })
	return out
}

// --- vault ---

func (s *State) HoldingPut(h *vault.Holding) error {
	s.holdings[h.HoldingID] = h.Clone()
	return nil
}

func (s *State) HoldingGet(id string) (*vault.Holding, bool) {
	h, ok := s.holdings[id]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

func (s *State) HoldingList() []*vault.Holding {
	out := make([]*vault.Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].HoldingID < out[b].HoldingID })
	return out
}

// --- delegation and policy ---

func (s *State) DelegationPut(d *delegation.Delegation) error {
	s.delegations[d.DelegationID] = d.Clone()
	return nil
}

func (s *State) DelegationGet(id string) (*delegation.Delegation, bool) {
	d, ok := s.delegations[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (s *State) DelegationList() []*delegation.Delegation {
	out := make([]*delegation.Delegation, 0, len(s.delegations))
	for _, d := range s.delegations {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DelegationID < out[b].DelegationID })
	return out
}

// AuditAppend assigns the next dense sequence number and appends the entry.
func (s *State) AuditAppend(entry *delegation.PolicyAuditEntry) error {
	clone := *entry
	clone.SequenceNumber = uint64(len(s.auditLog)) + 1
	s.auditLog = append(s.auditLog, &clone)
	entry.SequenceNumber = clone.SequenceNumber
	return nil
}

func (s *State) AuditList() []*delegation.PolicyAuditEntry {
	out := make([]*delegation.PolicyAuditEntry, 0, len(s.auditLog))
	for _, entry := range s.auditLog {
		clone := *entry
		out = append(out, &clone)
	}
	return out
}

func (s *State) ConsentNonceSeen(key string) bool { return s.consentNonces[key] }

func (s *State) ConsentNonceMark(key string) error {
	s.consentNonces[key] = true
	return nil
}

func (s *State) SpendGet(delegationID, day string) float64 {
	return s.spend[delegationID+"|"+day]
}

func (s *State) SpendAdd(delegationID, day string, amountUSD float64) error {
	s.spend[delegationID+"|"+day] += amountUSD
	return nil
}

// --- export chains and checkpoints ---

func (s *State) ExportHead(stream string) (*export.Attestation, bool) {
	atts := s.attestations[stream]
	if len(atts) == 0 {
		return nil, false
	}
	clone := *atts[len(atts)-1]
	return &clone, true
}

func (s *State) ExportAppend(att *export.Attestation) error {
	clone := *att
	s.attestations[att.Stream] = append(s.attestations[att.Stream], &clone)
	return nil
}

func (s *State) ExportAttestations(stream string) []*export.Attestation {
	atts := s.attestations[stream]
	out := make([]*export.Attestation, 0, len(atts))
	for _, att := range atts {
		clone := *att
		out = append(out, &clone)
	}
	return out
}

func (s *State) ExportCheckpointPut(ckpt *export.Checkpoint) error {
	clone := *ckpt
	s.checkpoints[ckpt.CheckpointID] = &clone
	return nil
}

func (s *State) ExportCheckpointGet(id string) (*export.Checkpoint, bool) {
	ckpt, ok := s.checkpoints[id]
	if !ok {
		return nil, false
	}
	clone := *ckpt
	return &clone, true
}

func (s *State) ExportCheckpointDelete(id string) error {
	delete(s.checkpoints, id)
	return nil
}

// --- transparency ---

func (s *State) PublicationPut(p *transparency.Publication) error {
	s.publications[p.SourceType] = append(s.publications[p.SourceType], p.Clone())
	return nil
}

func (s *State) PublicationGet(id string) (*transparency.Publication, bool) {
	for _, pubs := range s.publications {
		for _, p := range pubs {
			if p.PublicationID == id {
				return p.Clone(), true
			}
		}
	}
	return nil, false
}

func (s *State) PublicationHead(sourceType string) (*transparency.Publication, bool) {
	pubs := s.publications[sourceType]
	if len(pubs) == 0 {
		return nil, false
	}
	return pubs[len(pubs)-1].Clone(), true
}

func (s *State) PublicationList(sourceType string) []*transparency.Publication {
	pubs := s.publications[sourceType]
	out := make([]*transparency.Publication, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, p.Clone())
	}
	return out
}

// --- outbox ---

// OutboxAppend appends the envelope unless its event id was already seen.
// Returns true when the envelope was appended.
func (s *State) OutboxAppend(env events.Envelope) bool {
	if s.outboxSeen[env.EventID] {
		return false
	}
	s.outboxSeen[env.EventID] = true
	s.outbox = append(s.outbox, OutboxEntry{
		Sequence: uint64(len(s.outbox)) + 1,
		Envelope: env,
	})
	return true
}

// OutboxSince returns entries with sequence greater than after.
func (s *State) OutboxSince(after uint64) []OutboxEntry {
	var out []OutboxEntry
	for _, entry := range s.outbox {
		if entry.Sequence > after {
			out = append(out, entry)
		}
	}
	return out
}

// OutboxLen returns the number of appended envelopes.
func (s *State) OutboxLen() int { return len(s.outbox) }

func (s *State) ConsumerCheckpointGet(consumer string) uint64 {
	return s.consumers[consumer]
}

func (s *State) ConsumerCheckpointPut(consumer string, sequence uint64) error {
	s.consumers[consumer] = sequence
	return nil
}

// --- idempotency ---

func (s *State) IdempotencyGet(key string) (*IdempotencyRecord, bool) {
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, false
	}
	clone := *rec
	clone.ResultBody = append([]byte(nil), rec.ResultBody...)
	return &clone, true
}

func (s *State) IdempotencyPut(rec *IdempotencyRecord) error {
	clone := *rec
	clone.ResultBody = append([]byte(nil), rec.ResultBody...)
	s.idempotency[rec.Key] = &clone
	return nil
}
