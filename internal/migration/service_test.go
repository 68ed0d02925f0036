package migration_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"portage/internal/gateway/exchange"
	"portage/internal/gateway/paper"
	"portage/internal/migration"
)

// memStore is an in-memory migration.Store for service tests.
type memStore struct {
	mu          sync.Mutex
	transitions map[string]*migration.Transition
}

func newMemStore() *memStore {
	return &memStore{transitions: make(map[string]*migration.Transition)}
}

func (s *memStore) Create(_ context.Context, tr *migration.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transitions {
		if !existing.Status.Terminal() {
			return migration.ErrConflict
		}
	}
	tr.TakeAppended()
	s.transitions[tr.ID] = tr
	return nil
}

func (s *memStore) Active(_ context.Context) (*migration.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.transitions {
		if !tr.Status.Terminal() {
			return tr, nil
		}
	}
	return nil, migration.ErrNotFound
}

func (s *memStore) Get(_ context.Context, id string) (*migration.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transitions[id]
	if !ok {
		return nil, migration.ErrNotFound
	}
	return tr, nil
}

func (s *memStore) Update(_ context.Context, tr *migration.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transitions[tr.ID]; !ok {
		return migration.ErrNotFound
	}
	tr.TakeAppended()
	s.transitions[tr.ID] = tr
	return nil
}

// MockVenue injects failures the paper venue cannot.
type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) Name() string { return "mock" }

func (m *MockVenue) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Position), args.Error(1)
}

func (m *MockVenue) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.Receipt, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.Receipt), args.Error(1)
}

func (m *MockVenue) TightenStop(ctx context.Context, req exchange.StopRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func defaultPolicy() migration.Policy {
	return migration.Policy{EmergencyLossPct: 0.25, TightenStopPct: 0.5}
}

func newPaperService(t *testing.T, pnls []float64) (*migration.Service, *paper.Venue, []exchange.Position) {
	t.Helper()
	src := paper.New("paper-src")
	dst := paper.New("paper-dst")
	seeded := make([]exchange.Position, len(pnls))
	for i, pnl := range pnls {
		seeded[i] = src.Seed(exchange.Position{
			Symbol:             "SYM" + string(rune('A'+i)) + "USDT",
			Side:               "long",
			Quantity:           1,
			EntryPrice:         100,
			Stake:              1000,
			UnrealizedPnL:      pnl,
			UnrealizedPnLRatio: pnl / 1000,
		})
	}
	svc := migration.NewService(newMemStore(), map[string]exchange.VenueClient{
		"paper-src": src,
		"paper-dst": dst,
	}, defaultPolicy(), migration.ExecSettings{}, nil, nil)
	return svc, src, seeded
}

func assertInvariant(t *testing.T, tr *migration.Transition) {
	t.Helper()
	assert.Equal(t, tr.TotalPositions, tr.PositionsClosed+tr.PositionsRemaining,
		"closed + remaining must equal total")
}

func TestCreateRejectsSecondActive(t *testing.T) {
	svc, _, _ := newPaperService(t, []float64{50, -20})
	ctx := context.Background()

	_, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyImmediate)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyImmediate)
	assert.ErrorIs(t, err, migration.ErrConflict)
}

func TestImmediateClosesEverythingFirstTick(t *testing.T) {
	// Scenario: 3 open positions, IMMEDIATE, no approval required.
	svc, src, _ := newPaperService(t, []float64{50, -20, 5})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.TotalPositions)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Closed)
	assert.True(t, res.Completed)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, tr.Status)
	assert.Equal(t, 0, tr.PositionsRemaining)
	assert.Equal(t, 3, tr.PositionsClosed)
	assertInvariant(t, tr)

	open, err := src.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestProfitableClosesWinnersTightensLoser(t *testing.T) {
	// Scenario: P&L [+50, -20, +5] under PROFITABLE.
	svc, src, seeded := newPaperService(t, []float64{50, -20, 5})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyProfitable)
	require.NoError(t, err)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 1, res.Tightened)
	assert.False(t, res.Completed)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusInProgress, tr.Status)
	assert.Equal(t, 2, tr.PositionsClosed)
	assert.Equal(t, 1, tr.PositionsRemaining)
	assertInvariant(t, tr)

	open, err := src.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, seeded[1].ID, open[0].ID)
	assert.Greater(t, open[0].StopLoss, 0.0, "losing position got a tightened stop")
}

func TestManualHoldsUntilApproved(t *testing.T) {
	// Scenario: MANUAL with 2 positions; nothing closes before approve.
	svc, src, _ := newPaperService(t, []float64{50, -20})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyManual)
	require.NoError(t, err)
	assert.True(t, tr.ManualOverrideRequired)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Closed)
	assert.Equal(t, 2, res.Held)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.PositionsRemaining)
	held := 0
	for _, e := range tr.Log {
		if e.Level == migration.LogInfo && containsHeld(e.Message) {
			held++
		}
	}
	assert.Equal(t, 2, held, "one hold entry per position")

	open, err := src.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = svc.Approve(ctx, tr.ID, "alice")
	require.NoError(t, err)

	res, err = svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	assert.True(t, res.Completed)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, tr.Status)
	assertInvariant(t, tr)
}

func containsHeld(msg string) bool {
	return strings.HasSuffix(msg, "held for manual approval")
}

func TestManualEmergencyBreachClosesAnyway(t *testing.T) {
	// The approval gate must not hold a runaway loss open.
	svc, src, seeded := newPaperService(t, []float64{-300, 10})
	ctx := context.Background()

	_, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyManual)
	require.NoError(t, err)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed, "emergency breach closes without approval")
	assert.Equal(t, 1, res.Held)

	open, err := src.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, seeded[1].ID, open[0].ID)
}

func TestCancelMidTransition(t *testing.T) {
	// Scenario: 1 of 3 closed, then cancel; the rest stay open forever.
	svc, src, _ := newPaperService(t, []float64{50, -20, -10})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyWaitProfit)
	require.NoError(t, err)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)

	tr, err = svc.Cancel(ctx, tr.ID, "venue outage resolved")
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCancelled, tr.Status)
	assert.Equal(t, 1, tr.PositionsClosed)
	assert.Equal(t, 2, tr.PositionsRemaining)
	assertInvariant(t, tr)

	// future ticks are no-ops: no active transition remains
	res, err = svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	open, err := src.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// cancel is terminal: approve and a second cancel both fail
	_, err = svc.Approve(ctx, tr.ID, "alice")
	assert.ErrorIs(t, err, migration.ErrInvalidState)
	_, err = svc.Cancel(ctx, tr.ID, "again")
	assert.ErrorIs(t, err, migration.ErrInvalidState)
}

func TestTickIdempotentOnUnchangedState(t *testing.T) {
	// Replaying a tick against the same live state must not move
	// counters or append duplicate log rows.
	svc, _, _ := newPaperService(t, []float64{-20, -10})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyWaitProfit)
	require.NoError(t, err)

	_, err = svc.RunTick(ctx)
	require.NoError(t, err)
	first, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	firstLogLen := len(first.Log)
	firstRemaining := first.PositionsRemaining

	_, err = svc.RunTick(ctx)
	require.NoError(t, err)
	second, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)

	assert.Equal(t, firstRemaining, second.PositionsRemaining)
	assert.Equal(t, firstLogLen, len(second.Log), "replay appended no new log rows")
	assertInvariant(t, second)
}

func TestExecutionFailureRetriesNextTick(t *testing.T) {
	// Scenario: one close times out; others proceed, the failed one is
	// retried on the following tick.
	positions := []exchange.Position{
		{ID: "p1", Symbol: "BTCUSDT", Side: "long", Quantity: 1, IsOpen: true, UnrealizedPnL: 50},
		{ID: "p2", Symbol: "ETHUSDT", Side: "long", Quantity: 1, IsOpen: true, UnrealizedPnL: 20},
		{ID: "p3", Symbol: "SOLUSDT", Side: "long", Quantity: 1, IsOpen: true, UnrealizedPnL: 5},
	}
	venue := new(MockVenue)
	svc := migration.NewService(newMemStore(), map[string]exchange.VenueClient{
		"mock":      venue,
		"paper-dst": paper.New("paper-dst"),
	}, defaultPolicy(), migration.ExecSettings{MaxConcurrentCloses: 1}, nil, nil)
	ctx := context.Background()

	venue.On("ListOpenPositions", mock.Anything).Return(positions, nil).Twice()
	venue.On("ClosePosition", mock.Anything, mock.MatchedBy(func(req exchange.CloseRequest) bool {
		return req.PositionID != "p2"
	})).Return(exchange.Receipt{OrderID: "ok"}, nil)
	venue.On("ClosePosition", mock.Anything, mock.MatchedBy(func(req exchange.CloseRequest) bool {
		return req.PositionID == "p2"
	})).Return(exchange.Receipt{}, context.DeadlineExceeded).Once()

	tr, err := svc.Create(ctx, "mock", "paper-dst", migration.StrategyImmediate)
	require.NoError(t, err)

	res, err := svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Completed)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.PositionsRemaining)
	assertInvariant(t, tr)
	var sawError bool
	for _, e := range tr.Log {
		if e.Level == migration.LogError {
			sawError = true
		}
	}
	assert.True(t, sawError, "failed close logged at ERROR")

	// next tick: only p2 is still open and the venue recovered
	remaining := []exchange.Position{positions[1]}
	venue.On("ListOpenPositions", mock.Anything).Return(remaining, nil).Once()
	venue.On("ClosePosition", mock.Anything, mock.MatchedBy(func(req exchange.CloseRequest) bool {
		return req.PositionID == "p2"
	})).Return(exchange.Receipt{OrderID: "retry-ok"}, nil).Once()

	res, err = svc.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.True(t, res.Completed)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, tr.Status)
	assertInvariant(t, tr)
}

func TestVenueReadFailureLeavesStateUntouched(t *testing.T) {
	venue := new(MockVenue)
	svc := migration.NewService(newMemStore(), map[string]exchange.VenueClient{
		"mock":      venue,
		"paper-dst": paper.New("paper-dst"),
	}, defaultPolicy(), migration.ExecSettings{}, nil, nil)
	ctx := context.Background()

	positions := []exchange.Position{{ID: "p1", Symbol: "BTCUSDT", Side: "long", IsOpen: true}}
	venue.On("ListOpenPositions", mock.Anything).Return(positions, nil).Once()
	tr, err := svc.Create(ctx, "mock", "paper-dst", migration.StrategyImmediate)
	require.NoError(t, err)

	venue.On("ListOpenPositions", mock.Anything).Return(nil, errors.New("network down")).Once()
	_, err = svc.RunTick(ctx)
	require.Error(t, err)

	tr, err = svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusPending, tr.Status, "failed read advances nothing")
}

func TestApproveThroughServiceIsIdempotent(t *testing.T) {
	svc, _, _ := newPaperService(t, []float64{10})
	ctx := context.Background()

	tr, err := svc.Create(ctx, "paper-src", "paper-dst", migration.StrategyManual)
	require.NoError(t, err)

	first, err := svc.Approve(ctx, tr.ID, "alice")
	require.NoError(t, err)
	second, err := svc.Approve(ctx, tr.ID, "bob")
	require.NoError(t, err)

	assert.Equal(t, first.ManualOverrideBy, second.ManualOverrideBy)
	assert.Equal(t, len(first.Log), len(second.Log))
}

func TestApproveUnknownID(t *testing.T) {
	svc, _, _ := newPaperService(t, []float64{10})
	_, err := svc.Approve(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, migration.ErrNotFound)
}

func TestPolicyHotSwap(t *testing.T) {
	svc, _, _ := newPaperService(t, nil)
	svc.SetPolicy(migration.Policy{EmergencyLossPct: 0.10, TightenStopPct: 0.3})
	p := svc.Policy()
	assert.Equal(t, 0.10, p.EmergencyLossPct)
	assert.Equal(t, 0.3, p.TightenStopPct)
}
