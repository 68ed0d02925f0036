// Package paper provides an in-memory venue for simulation runs and
// tests. It behaves like a real venue with instant fills.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"portage/internal/gateway/exchange"
)

// Venue holds simulated positions behind a mutex.
type Venue struct {
	name string

	mu        sync.Mutex
	positions map[string]exchange.Position
	seq       int
}

var _ exchange.VenueClient = (*Venue)(nil)

// New builds an empty paper venue.
func New(name string) *Venue {
	if name == "" {
		name = "paper"
	}
	return &Venue{name: name, positions: make(map[string]exchange.Position)}
}

func (v *Venue) Name() string { return v.name }

// Seed installs a position, assigning an id when none is set. Intended
// for simulation setup and tests.
func (v *Venue) Seed(pos exchange.Position) exchange.Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pos.ID == "" {
		v.seq++
		pos.ID = v.name + "-" + strconv.Itoa(v.seq)
	}
	pos.IsOpen = true
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	v.positions[pos.ID] = pos
	return pos
}

// SetPnL adjusts a seeded position's unrealized P&L.
func (v *Venue) SetPnL(id string, pnl, ratio float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[id]
	if !ok {
		return
	}
	pos.UnrealizedPnL = pnl
	pos.UnrealizedPnLRatio = ratio
	v.positions[id] = pos
}

func (v *Venue) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]exchange.Position, 0, len(v.positions))
	for _, pos := range v.positions {
		if pos.IsOpen {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (v *Venue) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Receipt{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[req.PositionID]
	if !ok || !pos.IsOpen {
		return exchange.Receipt{}, fmt.Errorf("no open position %s", req.PositionID)
	}
	pos.IsOpen = false
	pos.RealizedPnL = pos.UnrealizedPnL
	pos.UnrealizedPnL = 0
	v.positions[req.PositionID] = pos
	v.seq++
	return exchange.Receipt{
		OrderID:    v.name + "-order-" + strconv.Itoa(v.seq),
		PositionID: req.PositionID,
		Symbol:     pos.Symbol,
		Price:      pos.CurrentPrice,
		ClosedAt:   time.Now(),
	}, nil
}

func (v *Venue) TightenStop(ctx context.Context, req exchange.StopRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.NewStopPct <= 0 || req.NewStopPct >= 1 {
		return fmt.Errorf("invalid stop pct %.2f", req.NewStopPct)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[req.PositionID]
	if !ok || !pos.IsOpen {
		return fmt.Errorf("no open position %s", req.PositionID)
	}
	anchor := pos.CurrentPrice
	if anchor == 0 {
		anchor = pos.EntryPrice
	}
	distance := anchor * 0.05
	if pos.StopLoss > 0 {
		distance = anchor - pos.StopLoss
		if pos.Side == "short" {
			distance = pos.StopLoss - anchor
		}
	}
	if distance <= 0 {
		distance = anchor * 0.05
	}
	newDistance := distance * req.NewStopPct
	if pos.Side == "short" {
		pos.StopLoss = anchor + newDistance
	} else {
		pos.StopLoss = anchor - newDistance
	}
	v.positions[req.PositionID] = pos
	return nil
}
