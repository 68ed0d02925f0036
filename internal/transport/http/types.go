package migrationhttp

import (
	"time"

	"portage/internal/gateway/exchange"
	"portage/internal/migration"
)

// CreateRequest is the upstream migration request body.
type CreateRequest struct {
	FromVenue string `json:"from_venue" binding:"required"`
	ToVenue   string `json:"to_venue" binding:"required"`
	Strategy  string `json:"strategy" binding:"required"`
}

// CancelRequest carries the operator's cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ApproveRequest names the approving operator.
type ApproveRequest struct {
	By string `json:"by"`
}

// TransitionView is the JSON shape of a transition for the dashboard.
type TransitionView struct {
	ID                     string                        `json:"id"`
	FromVenue              string                        `json:"from_venue"`
	ToVenue                string                        `json:"to_venue"`
	Strategy               string                        `json:"strategy"`
	Status                 string                        `json:"status"`
	TotalPositions         int                           `json:"total_positions"`
	PositionsClosed        int                           `json:"positions_closed"`
	PositionsRemaining     int                           `json:"positions_remaining"`
	PositionsInProfit      int                           `json:"positions_in_profit"`
	PositionsInLoss        int                           `json:"positions_in_loss"`
	TotalPnL               string                        `json:"total_pnl"`
	ManualOverrideRequired bool                          `json:"manual_override_required"`
	ManualOverrideApproved bool                          `json:"manual_override_approved"`
	ManualOverrideAt       *time.Time                    `json:"manual_override_at,omitempty"`
	ManualOverrideBy       string                        `json:"manual_override_by,omitempty"`
	CancelReason           string                        `json:"cancel_reason,omitempty"`
	Snapshot               []migration.SnapshotPosition  `json:"snapshot"`
	CreatedAt              time.Time                     `json:"created_at"`
	UpdatedAt              time.Time                     `json:"updated_at"`
}

func viewOf(tr *migration.Transition) TransitionView {
	return TransitionView{
		ID:                     tr.ID,
		FromVenue:              tr.FromVenue,
		ToVenue:                tr.ToVenue,
		Strategy:               string(tr.Strategy),
		Status:                 string(tr.Status),
		TotalPositions:         tr.TotalPositions,
		PositionsClosed:        tr.PositionsClosed,
		PositionsRemaining:     tr.PositionsRemaining,
		PositionsInProfit:      tr.PositionsInProfit,
		PositionsInLoss:        tr.PositionsInLoss,
		TotalPnL:               tr.TotalPnL.StringFixed(2),
		ManualOverrideRequired: tr.ManualOverrideRequired,
		ManualOverrideApproved: tr.ManualOverrideApproved,
		ManualOverrideAt:       tr.ManualOverrideAt,
		ManualOverrideBy:       tr.ManualOverrideBy,
		CancelReason:           tr.CancelReason,
		Snapshot:               tr.Snapshot,
		CreatedAt:              tr.CreatedAt,
		UpdatedAt:              tr.UpdatedAt,
	}
}

// LogEntryView is one audit line as served to viewers.
type LogEntryView struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func logViews(entries []migration.LogEntry) []LogEntryView {
	out := make([]LogEntryView, len(entries))
	for i, e := range entries {
		out[i] = LogEntryView{Timestamp: e.Timestamp, Level: string(e.Level), Message: e.Message}
	}
	return out
}

// PositionView trims the venue read model for display.
type PositionView struct {
	ID                 string  `json:"id"`
	Symbol             string  `json:"symbol"`
	Side               string  `json:"side"`
	Quantity           float64 `json:"quantity"`
	EntryPrice         float64 `json:"entry_price"`
	Leverage           float64 `json:"leverage"`
	IsOpen             bool    `json:"is_open"`
	UnrealizedPnL      float64 `json:"unrealized_pnl"`
	UnrealizedPnLRatio float64 `json:"unrealized_pnl_ratio"`
	CurrentPrice       float64 `json:"current_price"`
}

func positionViews(positions []exchange.Position) []PositionView {
	out := make([]PositionView, len(positions))
	for i, p := range positions {
		out[i] = PositionView{
			ID:                 p.ID,
			Symbol:             p.Symbol,
			Side:               p.Side,
			Quantity:           p.Quantity,
			EntryPrice:         p.EntryPrice,
			Leverage:           p.Leverage,
			IsOpen:             p.IsOpen,
			UnrealizedPnL:      p.UnrealizedPnL,
			UnrealizedPnLRatio: p.UnrealizedPnLRatio,
			CurrentPrice:       p.CurrentPrice,
		}
	}
	return out
}
