package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"portage/internal/migration"
	storemodel "portage/internal/store/model"
)

// GormStore implements migration.Store on Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ migration.Store = (*GormStore)(nil)

// New opens (or creates) the sqlite database at path and migrates the
// schema.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&storemodel.TransitionModel{}, &storemodel.TransitionLogModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for dashboard reads while the
	// single writer holds the tick transaction.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new transition. The active check and the insert run
// in one transaction, so two concurrent creates cannot both pass.
func (s *GormStore) Create(ctx context.Context, tr *migration.Transition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&storemodel.TransitionModel{}).
			Where("active = 1").
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return migration.ErrConflict
		}
		rec, err := toModel(tr)
		if err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return insertLogs(tx, tr.ID, tr.TakeAppended())
	})
}

// Active loads the pending or in-progress transition, or ErrNotFound.
func (s *GormStore) Active(ctx context.Context) (*migration.Transition, error) {
	var rec storemodel.TransitionModel
	err := s.db.WithContext(ctx).
		Where("active = 1").
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, migration.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, &rec)
}

// Get loads a transition by id, or ErrNotFound.
func (s *GormStore) Get(ctx context.Context, id string) (*migration.Transition, error) {
	var rec storemodel.TransitionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, migration.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, &rec)
}

// Update persists the transition fields and its freshly appended log
// rows atomically.
func (s *GormStore) Update(ctx context.Context, tr *migration.Transition) error {
	rec, err := toModel(tr)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&storemodel.TransitionModel{}).
			Where("id = ?", tr.ID).
			Select("*").Omit("id", "created_at").
			Updates(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return migration.ErrNotFound
		}
		return insertLogs(tx, tr.ID, tr.TakeAppended())
	})
}

// LogTail returns the newest limit log rows in timestamp order.
func (s *GormStore) LogTail(ctx context.Context, id string, limit int) ([]migration.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []storemodel.TransitionLogModel
	err := s.db.WithContext(ctx).
		Where("transition_id = ?", id).
		Order("ts_ms DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]migration.LogEntry, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = migration.LogEntry{
			Timestamp: time.UnixMilli(row.TimestampMs),
			Level:     migration.LogLevel(row.Level),
			Message:   row.Message,
		}
	}
	return out, nil
}

func insertLogs(tx *gorm.DB, transitionID string, entries []migration.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]storemodel.TransitionLogModel, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, storemodel.TransitionLogModel{
			TransitionID: transitionID,
			TimestampMs:  e.Timestamp.UnixMilli(),
			Level:        string(e.Level),
			Message:      e.Message,
		})
	}
	return tx.Create(&rows).Error
}

func (s *GormStore) load(ctx context.Context, rec *storemodel.TransitionModel) (*migration.Transition, error) {
	var rows []storemodel.TransitionLogModel
	if err := s.db.WithContext(ctx).
		Where("transition_id = ?", rec.ID).
		Order("ts_ms ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModel(rec, rows)
}

func toModel(tr *migration.Transition) (*storemodel.TransitionModel, error) {
	snap, err := json.Marshal(tr.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	active := 0
	if !tr.Status.Terminal() {
		active = 1
	}
	var approvedAt *int64
	if tr.ManualOverrideAt != nil {
		ms := tr.ManualOverrideAt.UnixMilli()
		approvedAt = &ms
	}
	return &storemodel.TransitionModel{
		ID:                     tr.ID,
		FromVenue:              tr.FromVenue,
		ToVenue:                tr.ToVenue,
		Strategy:               string(tr.Strategy),
		Status:                 string(tr.Status),
		Active:                 active,
		TotalPositions:         tr.TotalPositions,
		PositionsClosed:        tr.PositionsClosed,
		PositionsRemaining:     tr.PositionsRemaining,
		PositionsInProfit:      tr.PositionsInProfit,
		PositionsInLoss:        tr.PositionsInLoss,
		TotalPnL:               tr.TotalPnL.String(),
		RealizedPnL:            tr.RealizedPnL.String(),
		ManualOverrideRequired: tr.ManualOverrideRequired,
		ManualOverrideApproved: tr.ManualOverrideApproved,
		ManualOverrideAtUnix:   approvedAt,
		ManualOverrideBy:       tr.ManualOverrideBy,
		CancelReason:           tr.CancelReason,
		SnapshotJSON:           datatypes.JSON(snap),
		CreatedAtUnix:          tr.CreatedAt.UnixMilli(),
		UpdatedAtUnix:          tr.UpdatedAt.UnixMilli(),
	}, nil
}

func fromModel(rec *storemodel.TransitionModel, rows []storemodel.TransitionLogModel) (*migration.Transition, error) {
	var snapshot []migration.SnapshotPosition
	if len(rec.SnapshotJSON) > 0 {
		if err := json.Unmarshal(rec.SnapshotJSON, &snapshot); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
		}
	}
	totalPnL, err := decimal.NewFromString(orZero(rec.TotalPnL))
	if err != nil {
		return nil, fmt.Errorf("parsing total_pnl: %w", err)
	}
	realized, err := decimal.NewFromString(orZero(rec.RealizedPnL))
	if err != nil {
		return nil, fmt.Errorf("parsing realized_pnl: %w", err)
	}
	var approvedAt *time.Time
	if rec.ManualOverrideAtUnix != nil {
		at := time.UnixMilli(*rec.ManualOverrideAtUnix)
		approvedAt = &at
	}
	log := make([]migration.LogEntry, 0, len(rows))
	for _, row := range rows {
		log = append(log, migration.LogEntry{
			Timestamp: time.UnixMilli(row.TimestampMs),
			Level:     migration.LogLevel(row.Level),
			Message:   row.Message,
		})
	}
	return &migration.Transition{
		ID:                     rec.ID,
		FromVenue:              rec.FromVenue,
		ToVenue:                rec.ToVenue,
		Strategy:               migration.Strategy(rec.Strategy),
		Status:                 migration.Status(rec.Status),
		TotalPositions:         rec.TotalPositions,
		PositionsClosed:        rec.PositionsClosed,
		PositionsRemaining:     rec.PositionsRemaining,
		PositionsInProfit:      rec.PositionsInProfit,
		PositionsInLoss:        rec.PositionsInLoss,
		TotalPnL:               totalPnL,
		RealizedPnL:            realized,
		ManualOverrideRequired: rec.ManualOverrideRequired,
		ManualOverrideApproved: rec.ManualOverrideApproved,
		ManualOverrideAt:       approvedAt,
		ManualOverrideBy:       rec.ManualOverrideBy,
		CancelReason:           rec.CancelReason,
		Snapshot:               snapshot,
		Log:                    log,
		CreatedAt:              time.UnixMilli(rec.CreatedAtUnix),
		UpdatedAt:              time.UnixMilli(rec.UpdatedAtUnix),
	}, nil
}

func orZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}
