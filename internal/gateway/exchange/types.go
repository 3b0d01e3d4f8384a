package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/signal"
)

// FailureKind partitions gateway failures by how the engine must react.
type FailureKind int

const (
	// Transient covers timeouts and rate limits. The gateway retries these
	// itself; the engine only sees one after retries exhaust.
	Transient FailureKind = iota
	// Rejected is a business-level refusal (insufficient margin, invalid
	// price). Never retried.
	Rejected
	// Unknown means the call's effect on the exchange is ambiguous (timeout
	// mid-flight). The caller must reconcile via FetchSnapshot before acting
	// again; the outcome is never assumed.
	Unknown
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Failure is the typed error every gateway operation returns on failure.
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("exchange %s (%s): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("exchange %s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err, defaulting to Unknown so an
// unclassified error is never treated as a clean business rejection.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: Unknown, Message: err.Error(), Err: err}
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// OpenRequest places a limit entry order with leverage, margin mode and the
// protective stop configured in the same flow.
type OpenRequest struct {
	Symbol     string // internal "BASE/QUOTE" form
	Side       signal.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	Leverage   int
	MarginType string
	StopLoss   decimal.Decimal
}

// CloseRequest closes Size contracts at market.
type CloseRequest struct {
	Symbol string
	Side   signal.Side // side of the position being closed
	Size   decimal.Decimal
}

type AmendStopRequest struct {
	Symbol   string
	Side     signal.Side
	StopLoss decimal.Decimal
}

// Ack is the result of a mutating call: the exchange order id plus whatever
// fill information came back with the acknowledgement.
type Ack struct {
	OrderID   string
	Status    OrderStatus
	FillPrice decimal.NullDecimal
	FillSize  decimal.NullDecimal
}

// PositionSnapshot is the exchange's authoritative view of one instrument.
// Open=false with zero size means the exchange holds no position.
type PositionSnapshot struct {
	Symbol        string
	Side          signal.Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Open          bool
	FetchedAt     time.Time
}

// OrderState is the exchange-side status of a previously submitted order.
type OrderState struct {
	OrderID   string
	Status    OrderStatus
	AvgPrice  decimal.NullDecimal
	FilledQty decimal.Decimal
}
