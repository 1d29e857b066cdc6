package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fib-pocket-bot-go/internal/models"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// EventType classifies an audit record.
type EventType string

const (
	EventAction       EventType = "ACTION"   // one attempted action, approved or not
	EventFallback     EventType = "FALLBACK" // advisor failed, deterministic default used
	EventReconcile    EventType = "RECONCILE"
	EventSwingUpdate  EventType = "SWING_UPDATE"
	EventPause        EventType = "PAUSE"
	EventResume       EventType = "RESUME"
	EventCycleAborted EventType = "CYCLE_ABORTED"
)

// AuditRecord is one append-only entry. Inputs, Decision and State hold JSON documents.
type AuditRecord struct {
	ID         int64               `json:"id"`
	Time       time.Time           `json:"time"`
	Event      EventType           `json:"event"`
	Trigger    models.Trigger      `json:"trigger,omitempty"`
	Kind       models.ActionKind   `json:"kind,omitempty"`
	Source     models.ActionSource `json:"source,omitempty"`
	Approved   bool                `json:"approved"`
	ReasonCode models.ReasonCode   `json:"reason_code,omitempty"`
	Reason     string              `json:"reason"`
	Inputs     json.RawMessage     `json:"inputs,omitempty"`
	Decision   json.RawMessage     `json:"decision,omitempty"`
	State      json.RawMessage     `json:"state,omitempty"`
}

// OrderRecord is a row of the order journal, keyed by client order id.
type OrderRecord struct {
	ClientOrderID   string            `json:"client_order_id"`
	ExchangeOrderID string            `json:"exchange_order_id"`
	Symbol          string            `json:"symbol"`
	Kind            models.ActionKind `json:"kind"`
	Side            models.Side       `json:"side"`
	Quantity        float64           `json:"quantity"`
	Price           float64           `json:"price"`
	Leverage        int               `json:"leverage"`
	ReduceOnly      bool              `json:"reduce_only"`
	Status          string            `json:"status"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Order journal statuses.
const (
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusFilled    = "FILLED"
	OrderStatusFailed    = "FAILED"
)

// AuditLog is append-only. There is no update or delete path.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	Recent(ctx context.Context, limit int) ([]AuditRecord, error)
}

// OrderJournal records every order the engine submits. A row is written as
// SUBMITTED before the order leaves the process and is settled afterwards.
type OrderJournal interface {
	RecordOrder(ctx context.Context, rec OrderRecord) error
	OrderByClientID(ctx context.Context, clientOrderID string) (*OrderRecord, error)
	PendingOrders(ctx context.Context) ([]OrderRecord, error)
}

// ErrOrderNotFound is returned by OrderByClientID for an unknown id.
var ErrOrderNotFound = errors.New("order not found in journal")

type auditRow struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp  int64          `gorm:"column:timestamp;index"`
	Event      string         `gorm:"column:event;index"`
	Trigger    string         `gorm:"column:trigger_name"`
	Kind       string         `gorm:"column:kind"`
	Source     string         `gorm:"column:source"`
	Approved   bool           `gorm:"column:approved"`
	ReasonCode string         `gorm:"column:reason_code"`
	Reason     string         `gorm:"column:reason"`
	Inputs     datatypes.JSON `gorm:"column:inputs"`
	Decision   datatypes.JSON `gorm:"column:decision"`
	State      datatypes.JSON `gorm:"column:state"`
}

func (auditRow) TableName() string { return "audit_log" }

type orderRow struct {
	ClientOrderID   string  `gorm:"column:client_order_id;primaryKey"`
	ExchangeOrderID string  `gorm:"column:exchange_order_id"`
	Symbol          string  `gorm:"column:symbol;not null"`
	Kind            string  `gorm:"column:kind"`
	Side            string  `gorm:"column:side;not null"`
	Quantity        float64 `gorm:"column:quantity;not null"`
	Price           float64 `gorm:"column:price"`
	Leverage        int     `gorm:"column:leverage"`
	ReduceOnly      bool    `gorm:"column:reduce_only"`
	Status          string  `gorm:"column:status;not null"`
	Error           string  `gorm:"column:error"`
	CreatedAt       int64   `gorm:"column:created_at;not null"`
	UpdatedAt       int64   `gorm:"column:updated_at;not null"`
}

func (orderRow) TableName() string { return "orders" }

// Store is the sqlite-backed AuditLog and OrderJournal.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates its tables.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&auditRow{}, &orderRow{}); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

// Append inserts one audit record.
func (s *Store) Append(ctx context.Context, rec AuditRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	row := auditRow{
		Timestamp:  rec.Time.UnixMilli(),
		Event:      string(rec.Event),
		Trigger:    string(rec.Trigger),
		Kind:       string(rec.Kind),
		Source:     string(rec.Source),
		Approved:   rec.Approved,
		ReasonCode: string(rec.ReasonCode),
		Reason:     rec.Reason,
		Inputs:     datatypes.JSON(rec.Inputs),
		Decision:   datatypes.JSON(rec.Decision),
		State:      datatypes.JSON(rec.State),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records first. A limit outside (0, 500] falls back to 100.
func (s *Store) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []auditRow
	if err := s.db.WithContext(ctx).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditRecord{
			ID:         r.ID,
			Time:       time.UnixMilli(r.Timestamp),
			Event:      EventType(r.Event),
			Trigger:    models.Trigger(r.Trigger),
			Kind:       models.ActionKind(r.Kind),
			Source:     models.ActionSource(r.Source),
			Approved:   r.Approved,
			ReasonCode: models.ReasonCode(r.ReasonCode),
			Reason:     r.Reason,
			Inputs:     json.RawMessage(r.Inputs),
			Decision:   json.RawMessage(r.Decision),
			State:      json.RawMessage(r.State),
		})
	}
	return out, nil
}

// RecordOrder inserts an order or updates its exchange id, fill and status.
func (s *Store) RecordOrder(ctx context.Context, rec OrderRecord) error {
	if rec.ClientOrderID == "" {
		return errors.New("order record requires a client order id")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	row := orderRow{
		ClientOrderID:   rec.ClientOrderID,
		ExchangeOrderID: rec.ExchangeOrderID,
		Symbol:          rec.Symbol,
		Kind:            string(rec.Kind),
		Side:            string(rec.Side),
		Quantity:        rec.Quantity,
		Price:           rec.Price,
		Leverage:        rec.Leverage,
		ReduceOnly:      rec.ReduceOnly,
		Status:          rec.Status,
		Error:           rec.Error,
		CreatedAt:       rec.CreatedAt.UnixMilli(),
		UpdatedAt:       rec.UpdatedAt.UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"exchange_order_id", "quantity", "price", "leverage", "status", "error", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", rec.ClientOrderID, err)
	}
	return nil
}

// OrderByClientID returns ErrOrderNotFound when the id was never journaled.
func (s *Store) OrderByClientID(ctx context.Context, clientOrderID string) (*OrderRecord, error) {
	var row orderRow
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", clientOrderID, err)
	}
	rec := row.record()
	return &rec, nil
}

// PendingOrders returns the orders still SUBMITTED, oldest first.
func (s *Store) PendingOrders(ctx context.Context) ([]OrderRecord, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("status = ?", OrderStatusSubmitted).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	out := make([]OrderRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (row orderRow) record() OrderRecord {
	return OrderRecord{
		ClientOrderID:   row.ClientOrderID,
		ExchangeOrderID: row.ExchangeOrderID,
		Symbol:          row.Symbol,
		Kind:            models.ActionKind(row.Kind),
		Side:            models.Side(row.Side),
		Quantity:        row.Quantity,
		Price:           row.Price,
		Leverage:        row.Leverage,
		ReduceOnly:      row.ReduceOnly,
		Status:          row.Status,
		Error:           row.Error,
		CreatedAt:       time.UnixMilli(row.CreatedAt),
		UpdatedAt:       time.UnixMilli(row.UpdatedAt),
	}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// JSON marshals v for an audit record field. Marshal failures produce a JSON error object.
func JSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}
