// Package signal defines the structured trade signal model and the
// normalizer that turns parser output into engine events.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Opposite returns the closing direction for a position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TakeProfit is one rung of a signal's take-profit ladder. Fraction is the
// share of the position to close when the level is reached, relative to the
// remaining size at that moment.
type TakeProfit struct {
	Price    decimal.Decimal `json:"price"`
	Fraction decimal.Decimal `json:"fraction"`
}

// Signal is an immutable structured trade signal extracted from a feed
// message. Symbol is in internal "BASE/QUOTE" form.
type Signal struct {
	Symbol          string
	Side            Side
	EntryLow        decimal.Decimal
	EntryHigh       decimal.Decimal
	TakeProfits     []TakeProfit
	StopLoss        decimal.Decimal
	RiskPercent     decimal.Decimal
	Leverage        int
	MarginType      string
	SourceMessageID string
	ReceivedAt      time.Time
}

type FollowUpKind string

const (
	FollowUpEntryHit       FollowUpKind = "entry_hit"
	FollowUpTPHit          FollowUpKind = "tp_hit"
	FollowUpSLModified     FollowUpKind = "sl_modified"
	FollowUpPartialClose   FollowUpKind = "partial_close"
	FollowUpFullClose      FollowUpKind = "full_close"
	FollowUpRiskFree       FollowUpKind = "risk_free"
	FollowUpPositionClosed FollowUpKind = "position_closed"
)

// FollowUp is a later message referring to an already-tracked position.
// Symbol may be empty when the feed message does not name one; the engine
// resolves it against the most recent non-terminal position.
type FollowUp struct {
	Symbol          string
	Kind            FollowUpKind
	TPNumber        int
	NewStopLoss     decimal.NullDecimal
	ClosePercent    int
	EntryPrice      decimal.NullDecimal
	ProfitPercent   float64
	SourceMessageID string
	ReceivedAt      time.Time
}

// Unrecognized is a feed message that carries no actionable trade content.
// The engine ignores it; callers log and drop.
type Unrecognized struct {
	SourceMessageID string
	Reason          string
}
