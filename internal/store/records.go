// Package store defines the durable records for positions, orders and the
// applied-event ledger, and the Store contract the engine commits through.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/signal"
)

// ErrStaleVersion is returned by a commit whose position version no longer
// matches the stored row. The caller re-reads fresh state and retries.
var ErrStaleVersion = errors.New("store: stale position version")

type PositionState string

const (
	StatePendingEntry    PositionState = "pending_entry"
	StateOpen            PositionState = "open"
	StatePartiallyClosed PositionState = "partially_closed"
	StateClosing         PositionState = "closing"
	StateClosed          PositionState = "closed"
	StateRejected        PositionState = "rejected"
	StateErrored         PositionState = "errored"
)

// Terminal reports whether no further transitions are possible.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateRejected || s == StateErrored
}

// OpenLike reports whether the state counts toward the one-position-per-
// instrument invariant and the max-concurrent-positions limit.
func (s PositionState) OpenLike() bool {
	switch s {
	case StatePendingEntry, StateOpen, StatePartiallyClosed, StateClosing:
		return true
	default:
		return false
	}
}

// TPLevel is one rung of a position's take-profit ladder with its hit flag.
type TPLevel struct {
	Price    decimal.Decimal `json:"price"`
	Fraction decimal.Decimal `json:"fraction"`
	Hit      bool            `json:"hit"`
}

// PositionRecord is the central mutable entity. Version is the optimistic
// concurrency guard: every committed update must carry the version it read.
type PositionRecord struct {
	ID            int64
	Symbol        string
	Side          signal.Side
	State         PositionState
	StateReason   string
	EntryLow      decimal.Decimal
	EntryHigh     decimal.Decimal
	EntryPrice    decimal.NullDecimal
	Size          decimal.Decimal
	RemainingSize decimal.Decimal
	Leverage      int
	MarginType    string
	StopLoss      decimal.Decimal
	TakeProfits   []TPLevel
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastMessageID string
	Version       int64
	OpenedAt      *time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderKind string

const (
	OrderOpen         OrderKind = "open"
	OrderPartialClose OrderKind = "partial_close"
	OrderFullClose    OrderKind = "full_close"
	OrderAmendStop    OrderKind = "amend_stop"
)

// OrderRecord is appended once per exchange call. ExchangeOrderID stays
// empty until the exchange acknowledges; Status tracks the call outcome.
type OrderRecord struct {
	ID              string
	PositionID      int64
	Symbol          string
	Kind            OrderKind
	Side            signal.Side
	Size            decimal.Decimal
	Price           decimal.NullDecimal
	ExchangeOrderID string
	Status          exchange.OrderStatus
	Error           string
	SourceMessageID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type EventOutcome string

const (
	OutcomeApplied          EventOutcome = "applied"
	OutcomeDuplicateSkipped EventOutcome = "duplicate_skipped"
	OutcomeRejected         EventOutcome = "rejected"
)

// AppliedEventRecord is the idempotence ledger entry. MessageID is unique:
// a source message id appears at most once with outcome applied.
type AppliedEventRecord struct {
	MessageID string
	Symbol    string
	Kind      string
	Outcome   EventOutcome
	Note      string
	CreatedAt time.Time
}

// Stats aggregates closed and open positions for the dashboard.
type Stats struct {
	TotalPositions  int64
	OpenPositions   int64
	ClosedPositions int64
	Winning         int64
	RealizedPnL     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
}

// Commit is one transactional write: an optional position create/update, any
// order rows to upsert, and an optional ledger entry. All or nothing; a
// stale position version fails the whole commit with ErrStaleVersion.
type Commit struct {
	Position *PositionRecord
	Orders   []*OrderRecord
	Event    *AppliedEventRecord
}

type ReadStore interface {
	GetPosition(ctx context.Context, id int64) (PositionRecord, bool, error)
	GetOpenPosition(ctx context.Context, sym string) (PositionRecord, bool, error)
	LatestOpenPosition(ctx context.Context) (PositionRecord, bool, error)
	ListOpenPositions(ctx context.Context) ([]PositionRecord, error)
	CountOpenPositions(ctx context.Context) (int, error)
	ListPositions(ctx context.Context, sym string, limit, offset int) ([]PositionRecord, error)
	CountPositions(ctx context.Context, sym string) (int, error)
	ListOrders(ctx context.Context, positionID int64) ([]OrderRecord, error)
	ListOrdersByStatus(ctx context.Context, kind OrderKind, statuses []exchange.OrderStatus) ([]OrderRecord, error)
	GetAppliedEvent(ctx context.Context, messageID string) (AppliedEventRecord, bool, error)
	ListAppliedEvents(ctx context.Context, limit int) ([]AppliedEventRecord, error)
	Stats(ctx context.Context) (Stats, error)
}

type WriteStore interface {
	CommitEvent(ctx context.Context, c Commit) error
}

type Store interface {
	ReadStore
	WriteStore
	Close() error
}
