// Package gormstore implements the position store on Gorm + SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/signal"
	"sigflow/internal/store"
	storemodel "sigflow/internal/store/model"
)

type positionModel = storemodel.PositionModel
type orderModel = storemodel.OrderModel
type appliedEventModel = storemodel.AppliedEventModel

// GormStore implements store.Store using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&positionModel{},
		&orderModel{},
		&appliedEventModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

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

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

var openLikeStates = []string{
	string(store.StatePendingEntry),
	string(store.StateOpen),
	string(store.StatePartiallyClosed),
	string(store.StateClosing),
}

// --------------------- transactional commit -------------------------

// CommitEvent applies one engine decision atomically. A position update
// whose version no longer matches fails the whole transaction with
// store.ErrStaleVersion.
func (s *GormStore) CommitEvent(ctx context.Context, c store.Commit) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.Position != nil {
			if err := commitPosition(tx, c.Position); err != nil {
				return err
			}
		}
		for _, ord := range c.Orders {
			if ord == nil {
				continue
			}
			if c.Position != nil && ord.PositionID == 0 {
				ord.PositionID = c.Position.ID
			}
			if err := upsertOrder(tx, ord); err != nil {
				return err
			}
		}
		if c.Event != nil {
			if err := appendAppliedEvent(tx, c.Event); err != nil {
				return err
			}
		}
		return nil
	})
}

func commitPosition(tx *gorm.DB, rec *store.PositionRecord) error {
	now := time.Now()
	if rec.ID == 0 {
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		m := positionToModel(rec)
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		rec.ID = m.ID
		return nil
	}
	readVersion := rec.Version
	rec.Version = readVersion + 1
	rec.UpdatedAt = now
	m := positionToModel(rec)
	res := tx.Model(&positionModel{}).
		Where("id = ? AND version = ?", rec.ID, readVersion).
		Select("*").Omit("id", "created_at").
		Updates(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		rec.Version = readVersion
		return store.ErrStaleVersion
	}
	return nil
}

func upsertOrder(tx *gorm.DB, rec *store.OrderRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m := orderToModel(rec)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"exchange_order_id", "status", "error", "updated_at"}),
	}).Create(&m).Error
}

func appendAppliedEvent(tx *gorm.DB, rec *store.AppliedEventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m := appliedEventModel{
		MessageID:     rec.MessageID,
		Symbol:        rec.Symbol,
		Kind:          rec.Kind,
		Outcome:       string(rec.Outcome),
		Note:          rec.Note,
		CreatedAtUnix: rec.CreatedAt.Unix(),
	}
	// First outcome wins; a redelivered message never overwrites its entry.
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&m).Error
}

// --------------------- position reads -------------------------

func (s *GormStore) GetPosition(ctx context.Context, id int64) (store.PositionRecord, bool, error) {
	var m positionModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return store.PositionRecord{}, false, nil
	}
	if err != nil {
		return store.PositionRecord{}, false, err
	}
	return modelToPosition(m), true, nil
}

func (s *GormStore) GetOpenPosition(ctx context.Context, sym string) (store.PositionRecord, bool, error) {
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND state IN ?", sym, openLikeStates).
		Order("id DESC").
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return store.PositionRecord{}, false, nil
	}
	if err != nil {
		return store.PositionRecord{}, false, err
	}
	return modelToPosition(m), true, nil
}

func (s *GormStore) LatestOpenPosition(ctx context.Context) (store.PositionRecord, bool, error) {
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("state IN ?", openLikeStates).
		Order("id DESC").
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return store.PositionRecord{}, false, nil
	}
	if err != nil {
		return store.PositionRecord{}, false, err
	}
	return modelToPosition(m), true, nil
}

func (s *GormStore) ListOpenPositions(ctx context.Context) ([]store.PositionRecord, error) {
	var ms []positionModel
	err := s.db.WithContext(ctx).
		Where("state IN ?", openLikeStates).
		Order("id ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.PositionRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelToPosition(m))
	}
	return out, nil
}

func (s *GormStore) CountOpenPositions(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("state IN ?", openLikeStates).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) ListPositions(ctx context.Context, sym string, limit, offset int) ([]store.PositionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&positionModel{})
	if sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	var ms []positionModel
	err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.PositionRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelToPosition(m))
	}
	return out, nil
}

func (s *GormStore) CountPositions(ctx context.Context, sym string) (int, error) {
	q := s.db.WithContext(ctx).Model(&positionModel{})
	if sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	var n int64
	err := q.Count(&n).Error
	return int(n), err
}

// --------------------- orders -------------------------

func (s *GormStore) ListOrders(ctx context.Context, positionID int64) ([]store.OrderRecord, error) {
	var ms []orderModel
	err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.OrderRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelToOrder(m))
	}
	return out, nil
}

func (s *GormStore) ListOrdersByStatus(ctx context.Context, kind store.OrderKind, statuses []exchange.OrderStatus) ([]store.OrderRecord, error) {
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	var ms []orderModel
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status IN ?", string(kind), raw).
		Order("created_at ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.OrderRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelToOrder(m))
	}
	return out, nil
}

// --------------------- applied-event ledger -------------------------

func (s *GormStore) GetAppliedEvent(ctx context.Context, messageID string) (store.AppliedEventRecord, bool, error) {
	var m appliedEventModel
	err := s.db.WithContext(ctx).First(&m, "message_id = ?", messageID).Error
	if err == gorm.ErrRecordNotFound {
		return store.AppliedEventRecord{}, false, nil
	}
	if err != nil {
		return store.AppliedEventRecord{}, false, err
	}
	return modelToAppliedEvent(m), true, nil
}

func (s *GormStore) ListAppliedEvents(ctx context.Context, limit int) ([]store.AppliedEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var ms []appliedEventModel
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.AppliedEventRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelToAppliedEvent(m))
	}
	return out, nil
}

// --------------------- stats -------------------------

func (s *GormStore) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	db := s.db.WithContext(ctx).Model(&positionModel{})

	if err := db.Session(&gorm.Session{}).Count(&st.TotalPositions).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("state IN ?", openLikeStates).Count(&st.OpenPositions).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("state = ?", string(store.StateClosed)).Count(&st.ClosedPositions).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).
		Where("state = ? AND realized_pnl > 0", string(store.StateClosed)).
		Count(&st.Winning).Error; err != nil {
		return st, err
	}

	var realized, unrealized string
	row := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("state = ?", string(store.StateClosed)).
		Select("COALESCE(SUM(realized_pnl), 0)").Row()
	if err := row.Scan(&realized); err != nil {
		return st, err
	}
	row = s.db.WithContext(ctx).Model(&positionModel{}).
		Where("state IN ?", openLikeStates).
		Select("COALESCE(SUM(unrealized_pnl), 0)").Row()
	if err := row.Scan(&unrealized); err != nil {
		return st, err
	}
	st.RealizedPnL, _ = decimal.NewFromString(realized)
	st.UnrealizedPnL, _ = decimal.NewFromString(unrealized)
	return st, nil
}

// --------------------- conversions -------------------------

func positionToModel(rec *store.PositionRecord) positionModel {
	tps, _ := json.Marshal(rec.TakeProfits)
	m := positionModel{
		ID:            rec.ID,
		Symbol:        rec.Symbol,
		Side:          string(rec.Side),
		State:         string(rec.State),
		StateReason:   rec.StateReason,
		EntryLow:      rec.EntryLow,
		EntryHigh:     rec.EntryHigh,
		EntryPrice:    rec.EntryPrice,
		Size:          rec.Size,
		RemainingSize: rec.RemainingSize,
		Leverage:      rec.Leverage,
		MarginType:    rec.MarginType,
		StopLoss:      rec.StopLoss,
		TakeProfits:   datatypes.JSON(tps),
		RealizedPnL:   rec.RealizedPnL,
		UnrealizedPnL: rec.UnrealizedPnL,
		LastMessageID: rec.LastMessageID,
		Version:       rec.Version,
		CreatedAtUnix: rec.CreatedAt.Unix(),
		UpdatedAtUnix: rec.UpdatedAt.Unix(),
	}
	if rec.OpenedAt != nil {
		v := rec.OpenedAt.Unix()
		m.OpenedAtUnix = &v
	}
	if rec.ClosedAt != nil {
		v := rec.ClosedAt.Unix()
		m.ClosedAtUnix = &v
	}
	return m
}

func modelToPosition(m positionModel) store.PositionRecord {
	rec := store.PositionRecord{
		ID:            m.ID,
		Symbol:        m.Symbol,
		Side:          signal.Side(m.Side),
		State:         store.PositionState(m.State),
		StateReason:   m.StateReason,
		EntryLow:      m.EntryLow,
		EntryHigh:     m.EntryHigh,
		EntryPrice:    m.EntryPrice,
		Size:          m.Size,
		RemainingSize: m.RemainingSize,
		Leverage:      m.Leverage,
		MarginType:    m.MarginType,
		StopLoss:      m.StopLoss,
		RealizedPnL:   m.RealizedPnL,
		UnrealizedPnL: m.UnrealizedPnL,
		LastMessageID: m.LastMessageID,
		Version:       m.Version,
		CreatedAt:     time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:     time.Unix(m.UpdatedAtUnix, 0),
	}
	if len(m.TakeProfits) > 0 {
		_ = json.Unmarshal(m.TakeProfits, &rec.TakeProfits)
	}
	if m.OpenedAtUnix != nil {
		t := time.Unix(*m.OpenedAtUnix, 0)
		rec.OpenedAt = &t
	}
	if m.ClosedAtUnix != nil {
		t := time.Unix(*m.ClosedAtUnix, 0)
		rec.ClosedAt = &t
	}
	return rec
}

func orderToModel(rec *store.OrderRecord) orderModel {
	return orderModel{
		ID:              rec.ID,
		PositionID:      rec.PositionID,
		Symbol:          rec.Symbol,
		Kind:            string(rec.Kind),
		Side:            string(rec.Side),
		Size:            rec.Size,
		Price:           rec.Price,
		ExchangeOrderID: rec.ExchangeOrderID,
		Status:          string(rec.Status),
		Error:           rec.Error,
		SourceMessageID: rec.SourceMessageID,
		CreatedAtUnix:   rec.CreatedAt.Unix(),
		UpdatedAtUnix:   rec.UpdatedAt.Unix(),
	}
}

func modelToOrder(m orderModel) store.OrderRecord {
	return store.OrderRecord{
		ID:              m.ID,
		PositionID:      m.PositionID,
		Symbol:          m.Symbol,
		Kind:            store.OrderKind(m.Kind),
		Side:            signal.Side(m.Side),
		Size:            m.Size,
		Price:           m.Price,
		ExchangeOrderID: m.ExchangeOrderID,
		Status:          exchange.OrderStatus(m.Status),
		Error:           m.Error,
		SourceMessageID: m.SourceMessageID,
		CreatedAt:       time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:       time.Unix(m.UpdatedAtUnix, 0),
	}
}

func modelToAppliedEvent(m appliedEventModel) store.AppliedEventRecord {
	return store.AppliedEventRecord{
		MessageID: m.MessageID,
		Symbol:    m.Symbol,
		Kind:      m.Kind,
		Outcome:   store.EventOutcome(m.Outcome),
		Note:      m.Note,
		CreatedAt: time.Unix(m.CreatedAtUnix, 0),
	}
}
