// Package risk computes position sizes from account equity and signal risk
// parameters, and enforces the configured risk limits.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"sigflow/internal/signal"
)

// Limits are the operator-configured risk bounds.
type Limits struct {
	MaxLeverage      int
	MaxOpenPositions int
}

// Input is everything sizing needs. OpenPositions is the caller's count of
// positions in a non-terminal state at decision time.
type Input struct {
	Equity        decimal.Decimal
	OpenPositions int
	Signal        signal.Signal
}

// Result is an accepted sizing decision.
type Result struct {
	Size     decimal.Decimal // contracts, base-asset units
	Notional decimal.Decimal // Size * entry
	Margin   decimal.Decimal // Notional / leverage
	Leverage int
}

type RejectReason string

const (
	RejectMaxPositions  RejectReason = "max_open_positions"
	RejectLeverage      RejectReason = "leverage_exceeds_max"
	RejectStopDistance  RejectReason = "degenerate_stop_distance"
	RejectNonPositive   RejectReason = "non_positive_size"
	RejectNoEquity      RejectReason = "no_equity"
	RejectInvalidSignal RejectReason = "invalid_signal"
)

// Rejection is the typed refusal returned instead of a Result. The signal is
// user-visible but no position is ever created for it.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Size computes the position size for a signal:
//
//	notional = equity * riskPct / (|entry - stop| / entry)
//
// which reduces to size = equity * riskPct / |entry - stop|. The entry used
// is the low bound of the entry zone, matching where the limit order is
// placed. Pure and deterministic.
func Size(in Input, lim Limits) (Result, error) {
	sig := in.Signal
	if !sig.Side.Valid() || sig.EntryLow.Sign() <= 0 {
		return Result{}, &Rejection{Reason: RejectInvalidSignal, Detail: sig.Symbol}
	}
	if in.Equity.Sign() <= 0 {
		return Result{}, &Rejection{Reason: RejectNoEquity}
	}
	if lim.MaxOpenPositions > 0 && in.OpenPositions >= lim.MaxOpenPositions {
		return Result{}, &Rejection{
			Reason: RejectMaxPositions,
			Detail: fmt.Sprintf("%d open, limit %d", in.OpenPositions, lim.MaxOpenPositions),
		}
	}
	if lim.MaxLeverage > 0 && sig.Leverage > lim.MaxLeverage {
		return Result{}, &Rejection{
			Reason: RejectLeverage,
			Detail: fmt.Sprintf("signal wants %dx, limit %dx", sig.Leverage, lim.MaxLeverage),
		}
	}

	entry := sig.EntryLow
	stopDistance := entry.Sub(sig.StopLoss).Abs()
	if stopDistance.Sign() == 0 {
		return Result{}, &Rejection{Reason: RejectStopDistance, Detail: "stop equals entry"}
	}

	riskAmount := in.Equity.Mul(sig.RiskPercent).Div(decimal.NewFromInt(100))
	size := riskAmount.Div(stopDistance)
	if size.Sign() <= 0 {
		return Result{}, &Rejection{Reason: RejectNonPositive}
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	notional := size.Mul(entry)
	return Result{
		Size:     size,
		Notional: notional,
		Margin:   notional.Div(decimal.NewFromInt(int64(leverage))),
		Leverage: leverage,
	}, nil
}
