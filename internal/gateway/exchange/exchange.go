package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the contract between the lifecycle engine and a derivatives
// exchange. Implementations own their retry policy for Transient failures;
// every error returned to callers is (or wraps) a *Failure whose Kind is the
// final verdict.
type Gateway interface {
	Name() string

	OpenPosition(ctx context.Context, req OpenRequest) (*Ack, error)

	PartialClose(ctx context.Context, req CloseRequest) (*Ack, error)

	FullClose(ctx context.Context, req CloseRequest) (*Ack, error)

	AmendStop(ctx context.Context, req AmendStopRequest) (*Ack, error)

	FetchSnapshot(ctx context.Context, sym string) (*PositionSnapshot, error)

	FetchOrder(ctx context.Context, sym, orderID string) (*OrderState, error)

	Equity(ctx context.Context) (decimal.Decimal, error)
}
