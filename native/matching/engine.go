package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/native/intent"
)

const defaultProposalTTL = time.Hour

type engineState interface {
	IntentList() []*intent.Intent
	IntentGet(id string) (*intent.Intent, bool)
	ProposalPut(*Proposal) error
	ProposalGet(id string) (*Proposal, bool)
	ProposalList() []*Proposal
	RunPut(*Run) error
	RunGet(id string) (*Run, bool)
	MatchingRollback() *Rollback
	MatchingRollbackPut(*Rollback) error
}

// EngineV2 is the candidate matching engine routed to by the canary. It
// returns proposals in the same shape as v1 or an error, in which case the
// run transparently falls back to v1.
type EngineV2 func(candidates []*intent.Intent, maxProposals int) ([]*Proposal, error)

// CanaryConfig drives v2 routing and rollback.
type CanaryConfig struct {
	Enabled bool
	// RoutePartners routes runs whose partner id is listed; an empty list
	// with Enabled=true routes every run.
	RoutePartners []string
	MinSamples    int
	// Threshold rates in basis points; crossing any of them activates
	// rollback.
	MaxErrorRateBps            int
	MaxTimeoutRateBps          int
	MaxLimitedRateBps          int
	MaxNonNegativeDeltaRateBps int
}

func (c CanaryConfig) routes(partnerID string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.RoutePartners) == 0 {
		return true
	}
	for _, p := range c.RoutePartners {
		if p == partnerID {
			return true
		}
	}
	return false
}

// Engine discovers cycles over live intents and records matching runs.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	nowFn    func() time.Time
	runIDFn  func() string
	canary   CanaryConfig
	engineV2 EngineV2
}

// NewEngine constructs a matching engine with the v1 enumerator only.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		runIDFn: func() string { return "run_" + uuid.NewString() },
	}
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

// SetRunIDFunc overrides run id generation, primarily used in tests.
func (e *Engine) SetRunIDFunc(fn func() string) {
	if fn == nil {
		e.runIDFn = func() string { return "run_" + uuid.NewString() }
		return
	}
	e.runIDFn = fn
}

// SetCanary installs the canary configuration and the v2 engine hook.
func (e *Engine) SetCanary(cfg CanaryConfig, v2 EngineV2) {
	e.canary = cfg
	e.engineV2 = v2
}

// RunParams narrow a matching run.
type RunParams struct {
	PartnerID       string
	MaxProposals    int
	MaxCycleLength  int
	ReplaceExisting bool
	ProposalTTL     time.Duration
}

// Run executes one matching pass: candidate selection, cycle enumeration,
// deterministic scoring and proposal persistence, all recorded as a run row.
func (e *Engine) Run(actor types.ActorRef, params RunParams) (*Run, []*Proposal, error) {
	if e.state == nil {
		return nil, nil, coreerr.Internal("matching engine: state not configured")
	}
	now := e.nowFn()
	if params.MaxProposals <= 0 {
		params.MaxProposals = 10
	}
	if params.MaxCycleLength < 2 {
		params.MaxCycleLength = 5
	}
	if params.ProposalTTL <= 0 {
		params.ProposalTTL = defaultProposalTTL
	}

	if params.ReplaceExisting {
		e.expireOpenProposals(actor, params.PartnerID, now)
	}

	run := &Run{
		RunID:     e.runIDFn(),
		PartnerID: params.PartnerID,
		CreatedAt: now,
	}

	candidates := e.candidates(params.PartnerID, now)
	run.Stats.CandidateIntents = len(candidates)

	var proposals []*Proposal
	rollback := e.rollbackState()
	if e.canary.routes(params.PartnerID) {
		if rollback.Active {
			run.ReasonCode = coreerr.ReasonRollbackActive
			run.FallbackToV1 = true
		} else {
			routed, v2Proposals, err := e.runV2(candidates, params, rollback, now)
			run.RoutedToV2 = routed
			if err == nil && routed {
				proposals = v2Proposals
			} else if routed {
				run.FallbackToV1 = true
			}
		}
	}
	if proposals == nil {
		proposals = e.runV1(candidates, params, run, now)
	}
	// rollback reflects any activation runV2 just persisted.
	run.Rollback = RunRollback{
		ActiveAfter:     rollback.Active,
		ReasonCodeAfter: rollback.ReasonCode,
	}

	run.SelectedProposalsCount = len(proposals)
	for _, p := range proposals {
		p.RunID = run.RunID
		if err := e.state.ProposalPut(p); err != nil {
			return nil, nil, err
		}
		run.ProposalIDs = append(run.ProposalIDs, p.ID)
		e.emitter.Emit(events.New(events.TypeProposalCreated, actor, p.ID, map[string]interface{}{
			"proposal_id": p.ID,
			"intent_ids":  p.IntentIDs(),
			"run_id":      run.RunID,
		}))
	}
	if err := e.state.RunPut(run); err != nil {
		return nil, nil, err
	}
	return run.Clone(), proposals, nil
}

// GetRun returns a recorded run row.
func (e *Engine) GetRun(id string) (*Run, error) {
	run, ok := e.state.RunGet(id)
	if !ok {
		return nil, coreerr.NotFound("matching run %s not found", id)
	}
	return run.Clone(), nil
}

// RollbackState exposes the persisted canary rollback state.
func (e *Engine) RollbackState() Rollback {
	return *e.rollbackState()
}

func (e *Engine) rollbackState() *Rollback {
	if rb := e.state.MatchingRollback(); rb != nil {
		return rb
	}
	return &Rollback{}
}

func (e *Engine) candidates(partnerID string, now time.Time) []*intent.Intent {
	var out []*intent.Intent
	for _, it := range e.state.IntentList() {
		if it.Status != intent.StatusActive {
			continue
		}
		if !it.TimeConstraints.ExpiresAt.IsZero() && !it.TimeConstraints.ExpiresAt.After(now) {
			continue
		}
		// Partner-scoped runs only see their own tenancy; public runs
		// only see unscoped intents.
		if it.PartnerID != partnerID {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (e *Engine) runV1(candidates []*intent.Intent, params RunParams, run *Run, now time.Time) []*Proposal {
	g := buildGraph(candidates)
	run.Stats.EdgesBuilt = g.edgeCount()
	cycles := g.enumerateCycles(params.MaxCycleLength)
	run.Stats.CyclesFound = len(cycles)

	scored := make([]scoredCycle, 0, len(cycles))
	for _, c := range cycles {
		scored = append(scored, g.score(c))
	}
	sortScored(scored)

	used := map[string]bool{}
	var proposals []*Proposal
	for _, sc := range scored {
		if len(proposals) == params.MaxProposals {
			break
		}
		conflict := false
		for _, node := range sc.cycle.nodes {
			if used[g.intents[node].ID] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		p := e.buildProposal(g, sc, params, now)
		for _, part := range p.Participants {
			used[part.IntentID] = true
		}
		proposals = append(proposals, p)
	}
	return proposals
}

func (e *Engine) buildProposal(g *graph, sc scoredCycle, params RunParams, now time.Time) *Proposal {
	nodes := sc.cycle.nodes
	participants := make([]Participant, 0, len(nodes))
	for m, node := range nodes {
		receiver := g.intents[node]
		giverIdx := nodes[(m+1)%len(nodes)]
		giver := g.intents[giverIdx]
		asset, _ := satisfies(receiver, giver)
		participants = append(participants, Participant{
			IntentID: giver.ID,
			From:     giver.Actor,
			To:       receiver.Actor,
			AssetKey: asset.Key(),
			ValueUSD: asset.Metadata.ValueUSD,
		})
	}
	id, err := canonical.HashHex(map[string]interface{}{"intent_ids": sc.idKey, "partner_id": params.PartnerID})
	if err != nil {
		id = uuid.NewString()
	}
	return &Proposal{
		ID:               "prop_" + id[:32],
		PartnerID:        params.PartnerID,
		Participants:     participants,
		ExpiresAt:        now.Add(params.ProposalTTL),
		Status:           ProposalOpen,
		TotalAbsDeltaUSD: sc.totalAbsDelta,
		CreatedAt:        now,
	}
}

// runV2 routes the run to the candidate engine and accumulates health
// samples. Any failure is recorded and the caller falls back to v1.
func (e *Engine) runV2(candidates []*intent.Intent, params RunParams, rollback *Rollback, now time.Time) (bool, []*Proposal, error) {
	if e.engineV2 == nil {
		return false, nil, nil
	}
	rollback.Samples.Runs++
	proposals, err := e.engineV2(candidates, params.MaxProposals)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			rollback.Samples.Timeouts++
		} else {
			rollback.Samples.Errors++
		}
	} else {
		if len(proposals) == params.MaxProposals {
			rollback.Samples.Limited++
		}
		for _, p := range proposals {
			if p.ValueClosureDelta >= 0 && p.TotalAbsDeltaUSD > 0 {
				rollback.Samples.NonNegativeDelta++
				break
			}
		}
	}
	e.evaluateRollback(rollback, now)
	if putErr := e.state.MatchingRollbackPut(rollback); putErr != nil {
		return true, nil, putErr
	}
	if err != nil {
		return true, nil, fmt.Errorf("matching v2: %w", err)
	}
	return true, proposals, nil
}

func (e *Engine) evaluateRollback(rollback *Rollback, now time.Time) {
	if rollback.Active || rollback.Samples.Runs < e.canary.MinSamples {
		return
	}
	s := rollback.Samples
	switch {
	case e.canary.MaxErrorRateBps > 0 && s.ErrorRateBps() > e.canary.MaxErrorRateBps:
		rollback.Active = true
		rollback.ReasonCode = coreerr.ReasonV2ErrorRateExceeded
	case e.canary.MaxTimeoutRateBps > 0 && s.TimeoutRateBps() > e.canary.MaxTimeoutRateBps:
		rollback.Active = true
		rollback.ReasonCode = "v2_timeout_rate_exceeded"
	case e.canary.MaxLimitedRateBps > 0 && s.LimitedRateBps() > e.canary.MaxLimitedRateBps:
		rollback.Active = true
		rollback.ReasonCode = "v2_limited_rate_exceeded"
	case e.canary.MaxNonNegativeDeltaRateBps > 0 && s.NonNegativeDeltaRateBps() > e.canary.MaxNonNegativeDeltaRateBps:
		rollback.Active = true
		rollback.ReasonCode = "v2_non_negative_delta_rate_exceeded"
	}
	if rollback.Active {
		rollback.UpdatedAt = now
	}
}

func (e *Engine) expireOpenProposals(actor types.ActorRef, partnerID string, now time.Time) {
	for _, p := range e.state.ProposalList() {
		if !p.Status.Live() || p.PartnerID != partnerID {
			continue
		}
		expired := p.Clone()
		expired.Status = ProposalExpired
		if err := e.state.ProposalPut(expired); err != nil {
			continue
		}
		e.emitter.Emit(events.New(events.TypeProposalExpired, actor, expired.ID, map[string]interface{}{
			"proposal_id": expired.ID,
			"reason":      "replaced",
		}))
	}
}

// GetProposal returns a proposal by id.
func (e *Engine) GetProposal(id string) (*Proposal, error) {
	p, ok := e.state.ProposalGet(id)
	if !ok {
		return nil, coreerr.NotFound("proposal %s not found", id)
	}
	return p.Clone(), nil
}

// ListProposals returns proposals, optionally filtered by partner scope.
func (e *Engine) ListProposals(partnerID string, liveOnly bool) []*Proposal {
	var out []*Proposal
	for _, p := range e.state.ProposalList() {
		if partnerID != "" && p.PartnerID != partnerID {
			continue
		}
		if liveOnly && !p.Status.Live() {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}
