package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/pkg/symbol"
)

// ParseResult is the contract with the external message parser. It mirrors
// the classification JSON the parser emits for every feed message; which
// fields are set depends on MessageType.
type ParseResult struct {
	MessageType    string    `json:"message_type"`
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"`
	EntryPriceLow  *float64  `json:"entry_price_low"`
	EntryPriceHigh *float64  `json:"entry_price_high"`
	StopLoss       *float64  `json:"stop_loss"`
	TakeProfits    []float64 `json:"take_profits"`
	RiskPercent    *float64  `json:"risk_percent"`
	Leverage       *int      `json:"leverage"`
	MarginType     string    `json:"margin_type"`
	TPNumber       *int      `json:"tp_number"`
	ProfitPercent  *float64  `json:"profit_percent"`
	ClosePercent   *int      `json:"close_percentage"`
	NewStopLoss    *float64  `json:"new_stop_loss"`
	Confidence     float64   `json:"confidence"`
}

// Normalized is the closed set of outcomes the normalizer produces. Exactly
// one of the fields is non-nil.
type Normalized struct {
	Intent       *Signal
	FollowUp     *FollowUp
	Unrecognized *Unrecognized
}

// Defaults supply values for fields a signal may omit.
type Defaults struct {
	RiskPercent decimal.Decimal
	Leverage    int
	MarginType  string
}

// Fallback take-profit ladder when the feed gives prices but no close
// fractions: half at TP1, half of the remainder at TP2, all out at TP3.
var ladderFractions = []decimal.Decimal{
	decimal.NewFromFloat(0.5),
	decimal.NewFromFloat(0.5),
	decimal.NewFromInt(1),
}

// Normalize converts one parser result into a NewIntent signal, a FollowUp,
// or Unrecognized. It is pure: no I/O, no state.
func Normalize(res ParseResult, msgID string, receivedAt time.Time, def Defaults) Normalized {
	switch res.MessageType {
	case "new_signal":
		return normalizeIntent(res, msgID, receivedAt, def)
	case string(FollowUpEntryHit), string(FollowUpTPHit), string(FollowUpSLModified),
		string(FollowUpPartialClose), string(FollowUpFullClose),
		string(FollowUpRiskFree), string(FollowUpPositionClosed):
		return normalizeFollowUp(res, msgID, receivedAt)
	default:
		return unrecognized(msgID, "message type "+res.MessageType)
	}
}

func normalizeIntent(res ParseResult, msgID string, receivedAt time.Time, def Defaults) Normalized {
	sym := symbol.Normalize(res.Symbol)
	side := Side(res.Direction)
	if sym == "" || !side.Valid() || res.EntryPriceLow == nil || res.StopLoss == nil {
		return unrecognized(msgID, "incomplete signal")
	}

	sig := &Signal{
		Symbol:          sym,
		Side:            side,
		EntryLow:        decimal.NewFromFloat(*res.EntryPriceLow),
		StopLoss:        decimal.NewFromFloat(*res.StopLoss),
		RiskPercent:     def.RiskPercent,
		Leverage:        def.Leverage,
		MarginType:      def.MarginType,
		SourceMessageID: msgID,
		ReceivedAt:      receivedAt,
	}
	sig.EntryHigh = sig.EntryLow
	if res.EntryPriceHigh != nil {
		sig.EntryHigh = decimal.NewFromFloat(*res.EntryPriceHigh)
	}
	if res.RiskPercent != nil && *res.RiskPercent > 0 {
		sig.RiskPercent = decimal.NewFromFloat(*res.RiskPercent)
	}
	if res.Leverage != nil && *res.Leverage > 0 {
		sig.Leverage = *res.Leverage
	}
	if res.MarginType != "" {
		sig.MarginType = res.MarginType
	}
	for i, price := range res.TakeProfits {
		frac := ladderFractions[len(ladderFractions)-1]
		if i < len(ladderFractions) {
			frac = ladderFractions[i]
		}
		sig.TakeProfits = append(sig.TakeProfits, TakeProfit{
			Price:    decimal.NewFromFloat(price),
			Fraction: frac,
		})
	}
	if len(sig.TakeProfits) > 0 {
		// The last rung always flattens whatever remains.
		sig.TakeProfits[len(sig.TakeProfits)-1].Fraction = decimal.NewFromInt(1)
	}
	return Normalized{Intent: sig}
}

func normalizeFollowUp(res ParseResult, msgID string, receivedAt time.Time) Normalized {
	fu := &FollowUp{
		Symbol:          symbol.Normalize(res.Symbol),
		Kind:            FollowUpKind(res.MessageType),
		SourceMessageID: msgID,
		ReceivedAt:      receivedAt,
	}
	if res.TPNumber != nil {
		fu.TPNumber = *res.TPNumber
	}
	if fu.Kind == FollowUpTPHit && fu.TPNumber <= 0 {
		return unrecognized(msgID, "tp_hit without tp number")
	}
	if res.NewStopLoss != nil {
		fu.NewStopLoss = decimal.NewNullDecimal(decimal.NewFromFloat(*res.NewStopLoss))
	}
	if fu.Kind == FollowUpSLModified && !fu.NewStopLoss.Valid {
		return unrecognized(msgID, "sl_modified without price")
	}
	if res.ClosePercent != nil {
		fu.ClosePercent = *res.ClosePercent
	}
	if res.ProfitPercent != nil {
		fu.ProfitPercent = *res.ProfitPercent
	}
	return Normalized{FollowUp: fu}
}

func unrecognized(msgID, reason string) Normalized {
	return Normalized{Unrecognized: &Unrecognized{SourceMessageID: msgID, Reason: reason}}
}
