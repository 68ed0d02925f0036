// Package exchange defines a common abstraction for execution venues.
// The migration service works against this interface so different venue
// backends (Binance futures, paper simulation, ...) can be plugged in
// without touching the orchestration logic.
package exchange

import "time"

// Position is the read model of a live position on a venue. The
// orchestrator never mutates it directly; the only write it performs is
// requesting a close or a stop adjustment through VenueClient.
type Position struct {
	ID         string    // venue-specific position/trade id
	Symbol     string    // e.g. "BTCUSDT"
	Side       string    // "long" or "short"
	Quantity   float64   // current position size in base units
	EntryPrice float64   // average entry price
	Leverage   float64   // position leverage
	Stake      float64   // margin/stake in quote currency
	OpenedAt   time.Time // when the position was opened
	IsOpen     bool

	UnrealizedPnL      float64 // quote currency
	UnrealizedPnLRatio float64 // relative to stake
	RealizedPnL        float64
	CurrentPrice       float64
	StopLoss           float64 // 0 if not set

	// Raw venue payload for fields the typed model does not carry.
	Raw string
}

// CloseRequest asks a venue to fully close one position at market.
type CloseRequest struct {
	PositionID string
	Symbol     string
	Side       string
	Quantity   float64 // 0 closes the full size
	Reason     string  // recorded on the venue order where supported
}

// Receipt is the venue acknowledgement of a close request.
type Receipt struct {
	OrderID    string
	PositionID string
	Symbol     string
	Price      float64 // fill or reference price, 0 if unknown yet
	ClosedAt   time.Time
}

// StopRequest narrows the stop-loss of an open position. NewStopPct is
// the remaining fraction of the original entry-to-stop distance, e.g.
// 0.5 halves the downside room.
type StopRequest struct {
	PositionID string
	Symbol     string
	Side       string
	NewStopPct float64
}
