package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"portage/internal/gateway/exchange"
	"portage/internal/logger"
)

// Store persists transitions. Update must commit the transition fields
// and its freshly appended log rows in a single transaction, and Create
// must reject a second active transition with ErrConflict.
type Store interface {
	Create(ctx context.Context, tr *Transition) error
	Active(ctx context.Context) (*Transition, error)
	Get(ctx context.Context, id string) (*Transition, error)
	Update(ctx context.Context, tr *Transition) error
}

// Journal receives per-position attempt receipts. Best effort: a
// journal write failure never fails a tick.
type Journal interface {
	Record(ctx context.Context, e JournalEntry) error
}

// JournalEntry is one executed (or failed) venue action.
type JournalEntry struct {
	TransitionID string
	PositionID   string
	Symbol       string
	Action       Action
	Outcome      string // "ok" or "error"
	Detail       string
	Duration     time.Duration
	Timestamp    time.Time
}

// TextNotifier pushes short operator notifications (Telegram etc.).
type TextNotifier interface {
	SendText(text string) error
}

// ExecSettings bounds the per-tick venue work.
type ExecSettings struct {
	MaxConcurrentCloses int
	CallTimeout         time.Duration
}

func (e ExecSettings) withDefaults() ExecSettings {
	if e.MaxConcurrentCloses <= 0 {
		e.MaxConcurrentCloses = 4
	}
	if e.CallTimeout <= 0 {
		e.CallTimeout = 15 * time.Second
	}
	return e
}

// Service owns the migration lifecycle. tick, approve and cancel all
// take the same mutex, so mutations are serialized; reads go straight
// to the store.
type Service struct {
	store    Store
	journal  Journal
	venues   map[string]exchange.VenueClient
	notifier TextNotifier
	exec     ExecSettings

	mu sync.Mutex

	polMu  sync.RWMutex
	policy Policy

	nowFn func() time.Time
}

// NewService wires the migration service. journal and notifier may be
// nil.
func NewService(store Store, venues map[string]exchange.VenueClient, policy Policy, exec ExecSettings, journal Journal, notifier TextNotifier) *Service {
	return &Service{
		store:    store,
		journal:  journal,
		venues:   venues,
		notifier: notifier,
		exec:     exec.withDefaults(),
		policy:   policy,
		nowFn:    time.Now,
	}
}

// Policy returns the current evaluator policy.
func (s *Service) Policy() Policy {
	s.polMu.RLock()
	defer s.polMu.RUnlock()
	return s.policy
}

// SetPolicy swaps the evaluator policy; takes effect on the next tick.
func (s *Service) SetPolicy(p Policy) {
	s.polMu.Lock()
	s.policy = p
	s.polMu.Unlock()
	logger.Infof("migration policy updated: emergency_loss_pct=%.2f tighten_stop_pct=%.2f",
		p.EmergencyLossPct, p.TightenStopPct)
}

func (s *Service) venue(name string) (exchange.VenueClient, error) {
	cli, ok := s.venues[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return cli, nil
}

// Create starts a new transition over a snapshot of the open positions
// on the source venue. Fails with ErrConflict while another transition
// is pending or in progress.
func (s *Service) Create(ctx context.Context, from, to string, strategy Strategy) (*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.venue(from)
	if err != nil {
		return nil, err
	}
	if _, err := s.venue(to); err != nil {
		return nil, err
	}
	open, err := src.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s positions: %w", from, err)
	}
	tracked := open[:0]
	for _, p := range open {
		if p.IsOpen {
			tracked = append(tracked, p)
		}
	}
	tr := NewTransition(from, to, strategy, tracked, s.nowFn())
	if err := s.store.Create(ctx, tr); err != nil {
		return nil, err
	}
	logger.Infof("transition %s created: %s -> %s strategy=%s positions=%d",
		tr.ID, from, to, strategy, tr.TotalPositions)
	return tr, nil
}

// Approve flips the manual override flag. Idempotent; takes effect on
// the next tick.
func (s *Service) Approve(ctx context.Context, id, by string) (*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	already := tr.ManualOverrideApproved
	if err := tr.Approve(by, s.nowFn()); err != nil {
		return nil, err
	}
	if already {
		return tr, nil
	}
	if err := s.store.Update(ctx, tr); err != nil {
		return nil, err
	}
	logger.Infof("transition %s approved by %s", tr.ID, by)
	return tr, nil
}

// Cancel terminates a non-terminal transition. Already-closed positions
// stay closed; no new venue orders will be submitted.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tr.Cancel(reason, s.nowFn()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tr); err != nil {
		return nil, err
	}
	logger.Warnf("transition %s cancelled: %s", tr.ID, reason)
	s.notify(fmt.Sprintf("⛔ migration %s cancelled: %s", shortID(tr.ID), reason))
	return tr, nil
}

// Get loads one transition by id.
func (s *Service) Get(ctx context.Context, id string) (*Transition, error) {
	return s.store.Get(ctx, id)
}

// Active loads the currently pending or in-progress transition.
func (s *Service) Active(ctx context.Context) (*Transition, error) {
	return s.store.Active(ctx)
}

// Positions returns the live positions belonging to a transition's
// snapshot, for dashboard display.
func (s *Service) Positions(ctx context.Context, id string) ([]exchange.Position, error) {
	tr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := s.venue(tr.FromVenue)
	if err != nil {
		return nil, err
	}
	live, err := src.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	ids := tr.SnapshotIDs()
	out := make([]exchange.Position, 0, len(live))
	for _, p := range live {
		if ids[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// TickResult summarizes one orchestrator tick.
type TickResult struct {
	TransitionID string `json:"transition_id"`
	Closed       int    `json:"closed"`
	Tightened    int    `json:"tightened"`
	Failed       int    `json:"failed"`
	Held         int    `json:"held"`
	Waiting      int    `json:"waiting"`
	Completed    bool   `json:"completed"`
}

type closeOutcome struct {
	pos     exchange.Position
	receipt exchange.Receipt
	err     error
	took    time.Duration
}

// RunTick is the cycle-driver entry point. It re-derives all actions
// from the live ledger, executes them with bounded concurrency, then
// commits counters, status and log rows in one store transaction.
// Replaying a tick against unchanged live state produces the same
// counters and no duplicate log rows.
func (s *Service) RunTick(ctx context.Context) (*TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.store.Active(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	src, err := s.venue(tr.FromVenue)
	if err != nil {
		return nil, err
	}
	live, err := src.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s positions: %w", tr.FromVenue, err)
	}

	now := s.nowFn()
	if tr.Status == StatusPending {
		if err := tr.Start(now); err != nil {
			return nil, err
		}
	}

	ids := tr.SnapshotIDs()
	open := make([]exchange.Position, 0, len(live))
	for _, p := range live {
		if ids[p.ID] && p.IsOpen {
			open = append(open, p)
		}
	}

	policy := s.Policy()
	gateBlocked := tr.ManualOverrideRequired && !tr.ManualOverrideApproved
	approved := tr.ManualOverrideApproved

	var toClose, toTighten []exchange.Position
	res := &TickResult{TransitionID: tr.ID}
	for _, pos := range open {
		action := Evaluate(tr.Strategy, pos, approved, policy)
		if action == ActionCloseNow && gateBlocked && !policy.EmergencyBreach(pos) {
			action = ActionHoldForApproval
		}
		switch action {
		case ActionCloseNow:
			toClose = append(toClose, pos)
		case ActionTightenStop:
			toTighten = append(toTighten, pos)
		case ActionHoldForApproval:
			res.Held++
			if tr.AppendLogOnce(now, LogInfo, fmt.Sprintf("position %s (%s) held for manual approval", pos.ID, pos.Symbol)) {
				s.notify(fmt.Sprintf("⏸ migration %s: position %s awaits approval", shortID(tr.ID), pos.Symbol))
			}
		case ActionWait:
			res.Waiting++
			logger.Debugf("transition %s: position %s waiting (pnl=%.2f)", tr.ID, pos.ID, pos.UnrealizedPnL)
		}
	}

	closedNow := s.executeCloses(ctx, tr, toClose, policy, gateBlocked, now, res)
	s.executeTightens(ctx, tr, toTighten, policy, now, res)

	// Counters derive from live state with this tick's fills applied.
	effective := make([]exchange.Position, len(live))
	copy(effective, live)
	for i := range effective {
		if closedNow[effective[i].ID] {
			effective[i].IsOpen = false
		}
	}
	tr.RecomputeCounters(effective, now)

	if tr.PositionsRemaining == 0 && tr.Status == StatusInProgress {
		if err := tr.Complete(now); err != nil {
			return nil, err
		}
		res.Completed = true
		s.notify(fmt.Sprintf("✅ migration %s complete: %d positions moved off %s, total pnl %s",
			shortID(tr.ID), tr.TotalPositions, tr.FromVenue, tr.TotalPnL.StringFixed(2)))
	}

	if err := s.store.Update(ctx, tr); err != nil {
		return nil, fmt.Errorf("persisting tick: %w", err)
	}
	logger.Infof("tick %s: closed=%d tightened=%d failed=%d held=%d waiting=%d remaining=%d",
		tr.ID, res.Closed, res.Tightened, res.Failed, res.Held, res.Waiting, tr.PositionsRemaining)
	return res, nil
}

// executeCloses submits close orders with a bounded worker pool and a
// per-call timeout. A failed close is logged and retried next tick; it
// never aborts the tick.
func (s *Service) executeCloses(ctx context.Context, tr *Transition, toClose []exchange.Position, policy Policy, gateBlocked bool, now time.Time, res *TickResult) map[string]bool {
	closedNow := make(map[string]bool, len(toClose))
	if len(toClose) == 0 {
		return closedNow
	}
	src, _ := s.venue(tr.FromVenue)
	ordered := OrderForClose(toClose, policy)

	outcomes := make([]closeOutcome, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.exec.MaxConcurrentCloses)
	for i, pos := range ordered {
		i, pos := i, pos
		// Invariant: only emergency breaches may pass an unapproved
		// gate. Anything else reaching this point is an evaluator bug.
		if gateBlocked && !policy.EmergencyBreach(pos) {
			outcomes[i] = closeOutcome{pos: pos, err: ErrNotApproved}
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, s.exec.CallTimeout)
			defer cancel()
			start := s.nowFn()
			receipt, err := src.ClosePosition(cctx, exchange.CloseRequest{
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Side:       pos.Side,
				Quantity:   pos.Quantity,
				Reason:     "venue migration " + tr.ID,
			})
			outcomes[i] = closeOutcome{pos: pos, receipt: receipt, err: err, took: s.nowFn().Sub(start)}
			return nil
		})
	}
	_ = g.Wait()

	for _, oc := range outcomes {
		if errors.Is(oc.err, ErrNotApproved) {
			res.Failed++
			tr.AppendLogOnce(now, LogError, fmt.Sprintf("close for %s (%s) blocked: %v", oc.pos.ID, oc.pos.Symbol, oc.err))
			logger.Errorf("transition %s: position %s: %v", tr.ID, oc.pos.ID, ErrNotApproved)
			s.notify(fmt.Sprintf("⚠ migration %s: close of %s blocked by unapproved gate", shortID(tr.ID), oc.pos.Symbol))
			continue
		}
		if oc.err != nil {
			execErr := &ExecutionError{PositionID: oc.pos.ID, Venue: tr.FromVenue, Op: "close", Err: oc.err}
			res.Failed++
			tr.AppendLogOnce(now, LogError, fmt.Sprintf("close failed for %s (%s): %v - will retry next tick", oc.pos.ID, oc.pos.Symbol, oc.err))
			logger.Errorf("transition %s: %v", tr.ID, execErr)
			s.record(ctx, tr.ID, oc.pos, ActionCloseNow, "error", oc.err.Error(), oc.took)
			continue
		}
		closedNow[oc.pos.ID] = true
		res.Closed++
		tr.BookRealized(decimal.NewFromFloat(oc.pos.UnrealizedPnL))
		tr.AppendLogOnce(now, LogInfo, fmt.Sprintf("closed %s (%s) pnl=%.2f order=%s", oc.pos.ID, oc.pos.Symbol, oc.pos.UnrealizedPnL, oc.receipt.OrderID))
		s.record(ctx, tr.ID, oc.pos, ActionCloseNow, "ok", oc.receipt.OrderID, oc.took)
	}
	return closedNow
}

func (s *Service) executeTightens(ctx context.Context, tr *Transition, toTighten []exchange.Position, policy Policy, now time.Time, res *TickResult) {
	if len(toTighten) == 0 {
		return
	}
	src, _ := s.venue(tr.FromVenue)
	for _, pos := range toTighten {
		cctx, cancel := context.WithTimeout(ctx, s.exec.CallTimeout)
		start := s.nowFn()
		err := src.TightenStop(cctx, exchange.StopRequest{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			NewStopPct: policy.TightenStopPct,
		})
		cancel()
		took := s.nowFn().Sub(start)
		if err != nil {
			res.Failed++
			tr.AppendLogOnce(now, LogError, fmt.Sprintf("stop tighten failed for %s (%s): %v - will retry next tick", pos.ID, pos.Symbol, err))
			s.record(ctx, tr.ID, pos, ActionTightenStop, "error", err.Error(), took)
			continue
		}
		res.Tightened++
		tr.AppendLogOnce(now, LogInfo, fmt.Sprintf("tightened stop on %s (%s) to %.0f%% of distance", pos.ID, pos.Symbol, policy.TightenStopPct*100))
		s.record(ctx, tr.ID, pos, ActionTightenStop, "ok", "", took)
	}
}

func (s *Service) record(ctx context.Context, transitionID string, pos exchange.Position, action Action, outcome, detail string, took time.Duration) {
	if s.journal == nil {
		return
	}
	err := s.journal.Record(ctx, JournalEntry{
		TransitionID: transitionID,
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Action:       action,
		Outcome:      outcome,
		Detail:       detail,
		Duration:     took,
		Timestamp:    s.nowFn(),
	})
	if err != nil {
		logger.Warnf("journal write failed: %v", err)
	}
}

func (s *Service) notify(text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendText(text); err != nil {
		logger.Warnf("notifier: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
