package model

import (
	"gorm.io/datatypes"
)

// TransitionModel is the persisted form of a migration transition.
// Active mirrors the status: 1 while pending/in progress, 0 once
// terminal. Creation checks it inside the insert transaction, which is
// what enforces the one-active-transition rule across restarts.
type TransitionModel struct {
	ID        string `gorm:"column:id;primaryKey"`
	FromVenue string `gorm:"column:from_venue"`
	ToVenue   string `gorm:"column:to_venue"`
	Strategy  string `gorm:"column:strategy"`
	Status    string `gorm:"column:status"`
	Active    int    `gorm:"column:active;index"`

	TotalPositions     int `gorm:"column:total_positions"`
	PositionsClosed    int `gorm:"column:positions_closed"`
	PositionsRemaining int `gorm:"column:positions_remaining"`
	PositionsInProfit  int `gorm:"column:positions_in_profit"`
	PositionsInLoss    int `gorm:"column:positions_in_loss"`

	TotalPnL    string `gorm:"column:total_pnl"`
	RealizedPnL string `gorm:"column:realized_pnl"`

	ManualOverrideRequired bool   `gorm:"column:manual_override_required"`
	ManualOverrideApproved bool   `gorm:"column:manual_override_approved"`
	ManualOverrideAtUnix   *int64 `gorm:"column:manual_override_at"`
	ManualOverrideBy       string `gorm:"column:manual_override_by"`

	CancelReason string `gorm:"column:cancel_reason"`

	SnapshotJSON datatypes.JSON `gorm:"column:snapshot_json;type:TEXT"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (TransitionModel) TableName() string { return "transitions" }

// TransitionLogModel is one append-only audit line. Rows are only ever
// inserted, in the same transaction as the owning transition update.
type TransitionLogModel struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TransitionID string `gorm:"column:transition_id;index"`
	TimestampMs  int64  `gorm:"column:ts_ms;index"`
	Level        string `gorm:"column:level"`
	Message      string `gorm:"column:message"`
}

func (TransitionLogModel) TableName() string { return "transition_logs" }
