package migration

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portage/internal/gateway/exchange"
)

// Status is the lifecycle state of a transition. Transitions only move
// forward; completed and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// allowedStatusTransitions is keyed by current status; the value lists
// the statuses reachable from it. Terminal statuses map to nothing.
var allowedStatusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func (s Status) canAdvanceTo(next Status) bool {
	for _, allowed := range allowedStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// LogLevel classifies transition log entries.
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is one append-only line in a transition's audit log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// SnapshotPosition pins one position into a transition's scope. The
// snapshot is taken once at creation; positions opened later never join.
type SnapshotPosition struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   float64 `json:"leverage"`
}

// Transition is one migration episode moving the snapshot positions off
// the source venue. At most one transition per account may be pending
// or in progress at a time; the store enforces that at creation.
type Transition struct {
	ID        string
	FromVenue string
	ToVenue   string
	Strategy  Strategy
	Status    Status

	TotalPositions     int
	PositionsClosed    int
	PositionsRemaining int
	PositionsInProfit  int
	PositionsInLoss    int

	// TotalPnL is realized P&L booked by closes this transition
	// performed plus unrealized P&L of the still-open remainder, as of
	// the last evaluation.
	TotalPnL    decimal.Decimal
	RealizedPnL decimal.Decimal

	ManualOverrideRequired bool
	ManualOverrideApproved bool
	ManualOverrideAt       *time.Time
	ManualOverrideBy       string

	CancelReason string

	Snapshot []SnapshotPosition
	Log      []LogEntry

	CreatedAt time.Time
	UpdatedAt time.Time

	// pending log rows accumulated since load, committed atomically
	// with the next store update.
	appended []LogEntry
}

// NewTransition builds a pending transition over a snapshot of the
// currently open positions on the source venue.
func NewTransition(from, to string, strategy Strategy, open []exchange.Position, now time.Time) *Transition {
	snapshot := make([]SnapshotPosition, 0, len(open))
	for _, p := range open {
		snapshot = append(snapshot, SnapshotPosition{
			ID:         p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
			Leverage:   p.Leverage,
		})
	}
	tr := &Transition{
		ID:                     uuid.NewString(),
		FromVenue:              from,
		ToVenue:                to,
		Strategy:               strategy,
		Status:                 StatusPending,
		TotalPositions:         len(snapshot),
		PositionsRemaining:     len(snapshot),
		ManualOverrideRequired: strategy == StrategyManual,
		Snapshot:               snapshot,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	tr.AppendLog(now, LogInfo, "transition created: "+from+" -> "+to+" strategy="+string(strategy))
	return tr
}

// SnapshotIDs returns the fixed membership set of this transition.
func (t *Transition) SnapshotIDs() map[string]bool {
	ids := make(map[string]bool, len(t.Snapshot))
	for _, p := range t.Snapshot {
		ids[p.ID] = true
	}
	return ids
}

// AppendLog unconditionally appends one log entry.
func (t *Transition) AppendLog(ts time.Time, level LogLevel, msg string) {
	entry := LogEntry{Timestamp: ts, Level: level, Message: msg}
	t.Log = append(t.Log, entry)
	t.appended = append(t.appended, entry)
}

// AppendLogOnce appends only if no entry with the same message exists
// yet. Tick-generated messages are deterministic for a given live
// state, so replaying a tick appends nothing new.
func (t *Transition) AppendLogOnce(ts time.Time, level LogLevel, msg string) bool {
	for _, e := range t.Log {
		if e.Message == msg {
			return false
		}
	}
	t.AppendLog(ts, level, msg)
	return true
}

// TakeAppended drains log rows accumulated since the last store commit.
func (t *Transition) TakeAppended() []LogEntry {
	out := t.appended
	t.appended = nil
	return out
}

// advance moves the status forward or returns ErrInvalidState.
func (t *Transition) advance(next Status, now time.Time) error {
	if !t.Status.canAdvanceTo(next) {
		return ErrInvalidState
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// Start marks the first tick of a pending transition.
func (t *Transition) Start(now time.Time) error {
	if err := t.advance(StatusInProgress, now); err != nil {
		return err
	}
	t.AppendLogOnce(now, LogInfo, "transition started")
	return nil
}

// Complete is called when no tracked position remains open.
func (t *Transition) Complete(now time.Time) error {
	if err := t.advance(StatusCompleted, now); err != nil {
		return err
	}
	t.AppendLogOnce(now, LogInfo, "transition completed: all tracked positions closed")
	return nil
}

// Cancel terminates a pending or in-progress transition. Positions
// already closed stay closed; future ticks ignore the transition.
func (t *Transition) Cancel(reason string, now time.Time) error {
	if t.Status.Terminal() {
		return ErrInvalidState
	}
	if err := t.advance(StatusCancelled, now); err != nil {
		return err
	}
	t.CancelReason = reason
	t.AppendLog(now, LogWarning, "transition cancelled: "+reason)
	return nil
}

// Approve flips the manual override exactly once. A second call is a
// no-op, not an error. Approving a terminal transition fails.
func (t *Transition) Approve(by string, now time.Time) error {
	if t.Status.Terminal() {
		return ErrInvalidState
	}
	if !t.ManualOverrideRequired {
		return ErrInvalidState
	}
	if t.ManualOverrideApproved {
		return nil
	}
	t.ManualOverrideApproved = true
	at := now
	t.ManualOverrideAt = &at
	t.ManualOverrideBy = by
	t.UpdatedAt = now
	t.AppendLog(now, LogInfo, "manual override approved by "+by)
	return nil
}

// RecomputeCounters rebuilds every aggregate from the live ledger
// filtered to the snapshot set. Counters are derived state: they are
// never incremented independently, so a replayed tick converges to the
// same values.
func (t *Transition) RecomputeCounters(live []exchange.Position, now time.Time) {
	ids := t.SnapshotIDs()
	remaining := 0
	inProfit := 0
	inLoss := 0
	unrealized := decimal.Zero
	for _, p := range live {
		if !ids[p.ID] || !p.IsOpen {
			continue
		}
		remaining++
		if p.UnrealizedPnL > 0 {
			inProfit++
		} else {
			inLoss++
		}
		unrealized = unrealized.Add(decimal.NewFromFloat(p.UnrealizedPnL))
	}
	t.PositionsRemaining = remaining
	t.PositionsClosed = t.TotalPositions - remaining
	t.PositionsInProfit = inProfit
	t.PositionsInLoss = inLoss
	t.TotalPnL = t.RealizedPnL.Add(unrealized)
	t.UpdatedAt = now
}

// BookRealized accumulates P&L locked in by a close this transition
// performed.
func (t *Transition) BookRealized(pnl decimal.Decimal) {
	t.RealizedPnL = t.RealizedPnL.Add(pnl)
}
