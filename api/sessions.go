/*
sessions.go - Edit session registry and idle-session sweeper

PURPOSE:
  Holds the live EditProposals and SettlementFlows between HTTP requests.
  They carry mutexes and in-flight charge contexts, so they live in process
  memory; a snapshot of each is written through to the optional Redis
  SessionStore after every change.

RESTART RECOVERY:
  A proposal missing from memory is looked up in the snapshot store and
  rebuilt with EditService.RestoreProposal. A proposal whose card charge
  was captured comes back with its flow in PROCESSING, which is
  registered so ResumeCommit can finish it. Any other flow that is not in
  memory is served read-only from its snapshot.

SWEEPER:
  A background goroutine with a ticker evicts sessions idle for longer
  than the TTL. Pending flows of evicted sessions are cancelled; a flow
  that is PROCESSING is never evicted.

USAGE:
  registry := NewSessionRegistry(store, 30*time.Minute, logger)
  registry.Start(time.Minute)
  // ... later
  registry.Stop()

SEE ALSO:
  - store/redis/sessions.go: snapshot persistence
  - handlers.go: edit and settlement endpoints
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// SnapshotStore persists session snapshots. *redis.SessionStore implements it.
type SnapshotStore interface {
	SaveProposal(ctx context.Context, snap rental.ProposalSnapshot) error
	LoadProposal(ctx context.Context, id string) (rental.ProposalSnapshot, error)
	SaveFlow(ctx context.Context, snap rental.FlowSnapshot) error
	LoadFlow(ctx context.Context, id string) (rental.FlowSnapshot, error)
	Delete(ctx context.Context, proposalID, flowID string) error
}

type session struct {
	proposal *rental.EditProposal
	touched  time.Time
}

// SessionRegistry maps proposal and flow ids to live objects.
type SessionRegistry struct {
	mu        sync.Mutex
	proposals map[string]*session
	flows     map[string]*rental.SettlementFlow

	snapshots SnapshotStore
	ttl       time.Duration
	clock     generic.Clock
	logger    *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	runMu  sync.Mutex
}

// NewSessionRegistry creates a registry. snapshots may be nil.
func NewSessionRegistry(snapshots SnapshotStore, ttl time.Duration, logger *zap.Logger) *SessionRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		proposals: make(map[string]*session),
		flows:     make(map[string]*rental.SettlementFlow),
		snapshots: snapshots,
		ttl:       ttl,
		logger:    logger,
	}
}

// WithClock replaces the time source used for idle tracking.
func (sr *SessionRegistry) WithClock(c generic.Clock) *SessionRegistry {
	sr.clock = c
	return sr
}

// =============================================================================
// PROPOSALS AND FLOWS
// =============================================================================

// Track registers p, and its flow if it has one, and persists snapshots.
func (sr *SessionRegistry) Track(ctx context.Context, p *rental.EditProposal) {
	flow := p.Flow()

	sr.mu.Lock()
	sr.proposals[p.ID()] = &session{proposal: p, touched: sr.clock.Now()}
	if flow != nil {
		sr.flows[flow.ID()] = flow
	}
	sr.mu.Unlock()

	sr.persist(ctx, p, flow)
}

// TrackFlow registers a flow handed off by Commit.
func (sr *SessionRegistry) TrackFlow(ctx context.Context, p *rental.EditProposal, flow *rental.SettlementFlow) {
	sr.mu.Lock()
	if s, ok := sr.proposals[p.ID()]; ok {
		s.touched = sr.clock.Now()
	}
	sr.flows[flow.ID()] = flow
	sr.mu.Unlock()

	sr.persist(ctx, p, flow)
}

// Proposal returns a live proposal, restoring it through svc from a
// snapshot when it is not in memory.
func (sr *SessionRegistry) Proposal(ctx context.Context, svc *rental.EditService, id string) (*rental.EditProposal, error) {
	sr.mu.Lock()
	if s, ok := sr.proposals[id]; ok {
		s.touched = sr.clock.Now()
		sr.mu.Unlock()
		return s.proposal, nil
	}
	sr.mu.Unlock()

	if sr.snapshots == nil {
		return nil, fmt.Errorf("edit session %s: %w", id, generic.ErrNotFound)
	}
	snap, err := sr.snapshots.LoadProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("edit session %s: %w", id, err)
	}
	if snap.Status == rental.ProposalCommitted || snap.Status == rental.ProposalDiscarded {
		return nil, fmt.Errorf("edit session %s is %s: %w", id, snap.Status, generic.ErrNotFound)
	}

	p := svc.RestoreProposal(snap, rental.Credentials{Email: snap.Email})
	flow := p.Flow()
	sr.mu.Lock()
	if s, ok := sr.proposals[id]; ok {
		// restored concurrently
		sr.mu.Unlock()
		return s.proposal, nil
	}
	sr.proposals[id] = &session{proposal: p, touched: sr.clock.Now()}
	if flow != nil {
		sr.flows[flow.ID()] = flow
	}
	sr.mu.Unlock()

	if flow != nil {
		sr.logger.Warn("edit session restored with a captured charge awaiting its write",
			zap.String("proposal_id", id),
			zap.String("flow_id", flow.ID()))
	} else {
		sr.logger.Info("edit session restored", zap.String("proposal_id", id))
	}
	return p, nil
}

// LiveFlow returns a live flow, restoring its proposal when the flow can be
// resumed after a restart. A flow that cannot is INVALID_TRANSITION.
func (sr *SessionRegistry) LiveFlow(ctx context.Context, svc *rental.EditService, id string) (*rental.SettlementFlow, error) {
	if f, ok := sr.Flow(id); ok {
		return f, nil
	}
	snap, _, err := sr.FlowSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if p, perr := sr.Proposal(ctx, svc, snap.ProposalID); perr == nil {
		if f := p.Flow(); f != nil && f.ID() == id {
			return f, nil
		}
	}
	// known, but owned by another process or lost in a restart
	return nil, &generic.TransitionError{Operation: "act on settlement held elsewhere", State: string(snap.State)}
}

// Flow returns a live flow.
func (sr *SessionRegistry) Flow(id string) (*rental.SettlementFlow, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	f, ok := sr.flows[id]
	if ok {
		if s, live := sr.proposals[f.ProposalID()]; live {
			s.touched = sr.clock.Now()
		}
	}
	return f, ok
}

// FlowSnapshot returns the live flow's snapshot, or the persisted one.
func (sr *SessionRegistry) FlowSnapshot(ctx context.Context, id string) (rental.FlowSnapshot, bool, error) {
	if f, ok := sr.Flow(id); ok {
		return f.Snapshot(), true, nil
	}
	if sr.snapshots == nil {
		return rental.FlowSnapshot{}, false, fmt.Errorf("settlement %s: %w", id, generic.ErrNotFound)
	}
	snap, err := sr.snapshots.LoadFlow(ctx, id)
	if err != nil {
		return rental.FlowSnapshot{}, false, fmt.Errorf("settlement %s: %w", id, err)
	}
	return snap, false, nil
}

// Sync persists the current state of p and its flow.
func (sr *SessionRegistry) Sync(ctx context.Context, p *rental.EditProposal) {
	sr.persist(ctx, p, p.Flow())
}

// Forget drops a proposal and its flow from memory and the snapshot store.
func (sr *SessionRegistry) Forget(ctx context.Context, p *rental.EditProposal) {
	flow := p.Flow()
	flowID := ""

	sr.mu.Lock()
	delete(sr.proposals, p.ID())
	if flow != nil {
		flowID = flow.ID()
		delete(sr.flows, flowID)
	}
	sr.mu.Unlock()

	if sr.snapshots != nil {
		if err := sr.snapshots.Delete(ctx, p.ID(), flowID); err != nil {
			sr.logger.Warn("session snapshot delete failed", zap.String("proposal_id", p.ID()), zap.Error(err))
		}
	}
}

// Len returns the number of live proposals.
func (sr *SessionRegistry) Len() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.proposals)
}

// Reset drops every live session.
func (sr *SessionRegistry) Reset() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.proposals = make(map[string]*session)
	sr.flows = make(map[string]*rental.SettlementFlow)
}

func (sr *SessionRegistry) persist(ctx context.Context, p *rental.EditProposal, flow *rental.SettlementFlow) {
	if sr.snapshots == nil {
		return
	}
	if err := sr.snapshots.SaveProposal(ctx, p.Snapshot()); err != nil {
		sr.logger.Warn("proposal snapshot save failed", zap.String("proposal_id", p.ID()), zap.Error(err))
	}
	if flow != nil {
		if err := sr.snapshots.SaveFlow(ctx, flow.Snapshot()); err != nil {
			sr.logger.Warn("flow snapshot save failed", zap.String("flow_id", flow.ID()), zap.Error(err))
		}
	}
}

// =============================================================================
// SWEEPER
// =============================================================================

// Start begins sweeping idle sessions every interval.
func (sr *SessionRegistry) Start(interval time.Duration) {
	sr.runMu.Lock()
	defer sr.runMu.Unlock()

	if sr.ticker != nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	sr.ticker = time.NewTicker(interval)
	sr.stop = make(chan struct{})
	sr.wg.Add(1)
	go sr.run(sr.ticker, sr.stop)

	sr.logger.Info("session sweeper started", zap.Duration("interval", interval), zap.Duration("ttl", sr.ttl))
}

// Stop stops the sweeper and waits for it to exit.
func (sr *SessionRegistry) Stop() {
	sr.runMu.Lock()
	defer sr.runMu.Unlock()

	if sr.ticker == nil {
		return
	}
	sr.ticker.Stop()
	close(sr.stop)
	sr.wg.Wait()
	sr.ticker = nil
	sr.logger.Info("session sweeper stopped")
}

func (sr *SessionRegistry) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sr.wg.Done()
	for {
		select {
		case <-ticker.C:
			sr.Sweep()
		case <-stop:
			return
		}
	}
}

// Sweep evicts sessions idle longer than the TTL and sessions that reached
// a terminal state. It returns the number evicted.
func (sr *SessionRegistry) Sweep() int {
	now := sr.clock.Now()

	sr.mu.Lock()
	var victims []*session
	for id, s := range sr.proposals {
		snap := s.proposal.Snapshot()
		flow := s.proposal.Flow()
		if flow != nil && flow.State() == rental.StateProcessing {
			continue
		}
		terminal := snap.Status == rental.ProposalCommitted || snap.Status == rental.ProposalDiscarded
		if !terminal && now.Sub(s.touched) < sr.ttl {
			continue
		}
		if terminal && now.Sub(s.touched) < sr.ttl/2 {
			// finished sessions stay readable for half the TTL
			continue
		}
		delete(sr.proposals, id)
		if flow != nil {
			delete(sr.flows, flow.ID())
		}
		victims = append(victims, s)
	}
	sr.mu.Unlock()

	for _, s := range victims {
		if flow := s.proposal.Flow(); flow != nil && !flow.State().Terminal() {
			if err := flow.Cancel(); err != nil {
				sr.logger.Warn("cancel idle settlement failed", zap.String("flow_id", flow.ID()), zap.Error(err))
			}
		}
	}
	if len(victims) > 0 {
		sr.logger.Info("idle edit sessions evicted", zap.Int("count", len(victims)))
	}
	return len(victims)
}
