package storage

import (
	"sort"

	"swapmesh/canonical"
	"swapmesh/export"
	"swapmesh/native/commitment"
	"swapmesh/native/delegation"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
	"swapmesh/native/settlement"
	"swapmesh/native/transparency"
	"swapmesh/native/vault"
)

// SpendRow is one (delegation, day) spend accumulator in a snapshot.
type SpendRow struct {
	Key       string  `json:"key"`
	AmountUSD float64 `json:"amount_usd"`
}

// ConsumerRow is one outbox consumer checkpoint in a snapshot.
type ConsumerRow struct {
	Consumer string `json:"consumer"`
	Sequence uint64 `json:"sequence"`
}

// Snapshot is the deterministic serialized form of a State. Every collection
// is sorted so the canonical hash of a snapshot identifies the logical state
// independent of backend or map iteration order.
type Snapshot struct {
	Version       uint64                            `json:"version"`
	Intents       []*intent.Intent                  `json:"intents"`
	Proposals     []*matching.Proposal              `json:"proposals"`
	Runs          []*matching.Run                   `json:"runs"`
	Rollback      *matching.Rollback                `json:"rollback,omitempty"`
	Commits       []*commitment.Commit              `json:"commits"`
	Reservations  []commitment.Reservation          `json:"reservations"`
	Timelines     []*settlement.Timeline            `json:"timelines"`
	Receipts      []*settlement.Receipt             `json:"receipts"`
	Holdings      []*vault.Holding                  `json:"holdings"`
	Delegations   []*delegation.Delegation          `json:"delegations"`
	AuditLog      []*delegation.PolicyAuditEntry    `json:"audit_log"`
	ConsentNonces []string                          `json:"consent_nonces"`
	Spend         []SpendRow                        `json:"spend"`
	Attestations  map[string][]*export.Attestation  `json:"attestations"`
	Checkpoints   []*export.Checkpoint              `json:"checkpoints"`
	Publications  map[string][]*transparency.Publication `json:"publications"`
	Outbox        []OutboxEntry                     `json:"outbox"`
	Idempotency   []*IdempotencyRecord              `json:"idempotency"`
	Consumers     []ConsumerRow                     `json:"consumers"`
}

// Snapshot serializes the state deterministically.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		Version:      s.version,
		Intents:      s.IntentList(),
		Proposals:    s.ProposalList(),
		Commits:      sortedCommits(s.commits),
		Timelines:    s.TimelineList(),
		Receipts:     s.ReceiptList(),
		Holdings:     s.HoldingList(),
		Delegations:  s.DelegationList(),
		AuditLog:     s.AuditList(),
		Attestations: map[string][]*export.Attestation{},
		Publications: map[string][]*transparency.Publication{},
		Outbox:       append([]OutboxEntry(nil), s.outbox...),
	}
	if s.rollback != nil {
		clone := *s.rollback
		snap.Rollback = &clone
	}
	for _, r := range s.runs {
		clone := *r
		snap.Runs = append(snap.Runs, &clone)
	}
	sort.Slice(snap.Runs, func(a, b int) bool { return snap.Runs[a].RunID < snap.Runs[b].RunID })
	for _, res := range s.reservations {
		snap.Reservations = append(snap.Reservations, res)
	}
	sort.Slice(snap.Reservations, func(a, b int) bool {
		return snap.Reservations[a].IntentID < snap.Reservations[b].IntentID
	})
	for key := range s.consentNonces {
		snap.ConsentNonces = append(snap.ConsentNonces, key)
	}
	sort.Strings(snap.ConsentNonces)
	for key, amount := range s.spend {
		snap.Spend = append(snap.Spend, SpendRow{Key: key, AmountUSD: amount})
	}
	sort.Slice(snap.Spend, func(a, b int) bool { return snap.Spend[a].Key < snap.Spend[b].Key })
	for stream := range s.attestations {
		snap.Attestations[stream] = s.ExportAttestations(stream)
	}
	for _, ckpt := range s.checkpoints {
		clone := *ckpt
		snap.Checkpoints = append(snap.Checkpoints, &clone)
	}
	sort.Slice(snap.Checkpoints, func(a, b int) bool {
		return snap.Checkpoints[a].CheckpointID < snap.Checkpoints[b].CheckpointID
	})
	for source := range s.publications {
		snap.Publications[source] = s.PublicationList(source)
	}
	for _, rec := range s.idempotency {
		clone := *rec
		snap.Idempotency = append(snap.Idempotency, &clone)
	}
	sort.Slice(snap.Idempotency, func(a, b int) bool {
		return snap.Idempotency[a].Key < snap.Idempotency[b].Key
	})
	for consumer, seq := range s.consumers {
		snap.Consumers = append(snap.Consumers, ConsumerRow{Consumer: consumer, Sequence: seq})
	}
	sort.Slice(snap.Consumers, func(a, b int) bool {
		return snap.Consumers[a].Consumer < snap.Consumers[b].Consumer
	})
	return snap
}

// Restore rebuilds a State from a snapshot.
func Restore(snap *Snapshot) *State {
	s := NewState()
	if snap == nil {
		return s
	}
	s.version = snap.Version
	for _, in := range snap.Intents {
		s.intents[in.ID] = in.Clone()
	}
	for _, p := range snap.Proposals {
		s.proposals[p.ID] = p.Clone()
	}
	for _, r := range snap.Runs {
		clone := *r
		s.runs[r.RunID] = &clone
	}
	if snap.Rollback != nil {
		clone := *snap.Rollback
		s.rollback = &clone
	}
	for _, c := range snap.Commits {
		s.commits[c.ID] = c.Clone()
	}
	for _, res := range snap.Reservations {
		s.reservations[res.IntentID] = res
	}
	for _, t := range snap.Timelines {
		s.timelines[t.CycleID] = t.Clone()
	}
	for _, r := range snap.Receipts {
		clone := *r
		s.receipts[r.CycleID] = &clone
	}
	for _, h := range snap.Holdings {
		s.holdings[h.HoldingID] = h.Clone()
	}
	for _, d := range snap.Delegations {
		s.delegations[d.DelegationID] = d.Clone()
	}
	for _, entry := range snap.AuditLog {
		clone := *entry
		s.auditLog = append(s.auditLog, &clone)
	}
	for _, key := range snap.ConsentNonces {
		s.consentNonces[key] = true
	}
	for _, row := range snap.Spend {
		s.spend[row.Key] = row.AmountUSD
	}
	for stream, atts := range snap.Attestations {
		for _, att := range atts {
			clone := *att
			s.attestations[stream] = append(s.attestations[stream], &clone)
		}
	}
	for _, ckpt := range snap.Checkpoints {
		clone := *ckpt
		s.checkpoints[ckpt.CheckpointID] = &clone
	}
	for source, pubs := range snap.Publications {
		for _, p := range pubs {
			s.publications[source] = append(s.publications[source], p.Clone())
		}
	}
	for _, entry := range snap.Outbox {
		s.outbox = append(s.outbox, entry)
		s.outboxSeen[entry.Envelope.EventID] = true
	}
	for _, rec := range snap.Idempotency {
		clone := *rec
		s.idempotency[rec.Key] = &clone
	}
	for _, row := range snap.Consumers {
		s.consumers[row.Consumer] = row.Sequence
	}
	return s
}

// Hash returns the canonical sha256 of the snapshot. Backends must preserve
// it across save/load, and migration verifies it end to end.
func (snap *Snapshot) Hash() (string, error) {
	return canonical.HashHex(snap)
}

// Counts summarizes the snapshot's collection sizes.
func (snap *Snapshot) Counts() map[string]int {
	atts := 0
	for _, list := range snap.Attestations {
		atts += len(list)
	}
	pubs := 0
	for _, list := range snap.Publications {
		pubs += len(list)
	}
	return map[string]int{
		"intents":      len(snap.Intents),
		"proposals":    len(snap.Proposals),
		"runs":         len(snap.Runs),
		"commits":      len(snap.Commits),
		"reservations": len(snap.Reservations),
		"timelines":    len(snap.Timelines),
		"receipts":     len(snap.Receipts),
		"holdings":     len(snap.Holdings),
		"delegations":  len(snap.Delegations),
		"audit_log":    len(snap.AuditLog),
		"attestations": atts,
		"checkpoints":  len(snap.Checkpoints),
		"publications": pubs,
		"outbox":       len(snap.Outbox),
		"idempotency":  len(snap.Idempotency),
	}
}

func sortedCommits(commits map[string]*commitment.Commit) []*commitment.Commit {
	out := make([]*commitment.Commit, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
