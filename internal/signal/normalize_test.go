package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() Defaults {
	return Defaults{
		RiskPercent: decimal.NewFromInt(1),
		Leverage:    5,
		MarginType:  "isolated",
	}
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestNormalizeNewSignal(t *testing.T) {
	res := ParseResult{
		MessageType:    "new_signal",
		Symbol:         "#ETH/USDT",
		Direction:      "short",
		EntryPriceLow:  fptr(1966.3),
		EntryPriceHigh: fptr(1986.4),
		StopLoss:       fptr(2009.1),
		TakeProfits:    []float64{1950, 1930, 1900},
		RiskPercent:    fptr(1),
		Leverage:       iptr(8),
		MarginType:     "isolated",
	}
	now := time.Now()
	got := Normalize(res, "msg-1", now, defaults())
	require.NotNil(t, got.Intent)

	sig := got.Intent
	assert.Equal(t, "ETH/USDT", sig.Symbol)
	assert.Equal(t, SideShort, sig.Side)
	assert.True(t, sig.EntryLow.Equal(decimal.RequireFromString("1966.3")))
	assert.True(t, sig.EntryHigh.Equal(decimal.RequireFromString("1986.4")))
	assert.True(t, sig.StopLoss.Equal(decimal.RequireFromString("2009.1")))
	assert.Equal(t, 8, sig.Leverage)
	assert.Equal(t, "msg-1", sig.SourceMessageID)
	assert.Equal(t, now, sig.ReceivedAt)

	require.Len(t, sig.TakeProfits, 3)
	assert.True(t, sig.TakeProfits[0].Fraction.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, sig.TakeProfits[1].Fraction.Equal(decimal.NewFromFloat(0.5)))
	// The last rung always flattens.
	assert.True(t, sig.TakeProfits[2].Fraction.Equal(decimal.NewFromInt(1)))
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	res := ParseResult{
		MessageType:   "new_signal",
		Symbol:        "BTCUSDT",
		Direction:     "long",
		EntryPriceLow: fptr(60000),
		StopLoss:      fptr(59000),
	}
	got := Normalize(res, "msg-2", time.Now(), defaults())
	require.NotNil(t, got.Intent)

	sig := got.Intent
	assert.Equal(t, "BTC/USDT", sig.Symbol)
	assert.True(t, sig.RiskPercent.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 5, sig.Leverage)
	assert.Equal(t, "isolated", sig.MarginType)
	// No entry high given: the zone collapses to the low bound.
	assert.True(t, sig.EntryHigh.Equal(sig.EntryLow))
}

func TestNormalizeSingleTakeProfitFlattens(t *testing.T) {
	res := ParseResult{
		MessageType:   "new_signal",
		Symbol:        "SOL/USDT",
		Direction:     "long",
		EntryPriceLow: fptr(150),
		StopLoss:      fptr(140),
		TakeProfits:   []float64{170},
	}
	got := Normalize(res, "msg-3", time.Now(), defaults())
	require.NotNil(t, got.Intent)
	require.Len(t, got.Intent.TakeProfits, 1)
	assert.True(t, got.Intent.TakeProfits[0].Fraction.Equal(decimal.NewFromInt(1)))
}

func TestNormalizeFollowUps(t *testing.T) {
	tests := []struct {
		name string
		res  ParseResult
		want FollowUpKind
	}{
		{"entry hit", ParseResult{MessageType: "entry_hit", Symbol: "ETH/USDT"}, FollowUpEntryHit},
		{"tp hit", ParseResult{MessageType: "tp_hit", Symbol: "ETH/USDT", TPNumber: iptr(2)}, FollowUpTPHit},
		{"sl modified", ParseResult{MessageType: "sl_modified", NewStopLoss: fptr(1990)}, FollowUpSLModified},
		{"partial close", ParseResult{MessageType: "partial_close", ClosePercent: iptr(50)}, FollowUpPartialClose},
		{"full close", ParseResult{MessageType: "full_close"}, FollowUpFullClose},
		{"risk free", ParseResult{MessageType: "risk_free"}, FollowUpRiskFree},
		{"position closed", ParseResult{MessageType: "position_closed"}, FollowUpPositionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.res, "m", time.Now(), defaults())
			require.NotNil(t, got.FollowUp, "expected a follow-up")
			assert.Equal(t, tt.want, got.FollowUp.Kind)
		})
	}
}

func TestNormalizeFollowUpFields(t *testing.T) {
	got := Normalize(ParseResult{
		MessageType:  "tp_hit",
		Symbol:       "eth/usdt",
		TPNumber:     iptr(2),
		ClosePercent: iptr(50),
	}, "m", time.Now(), defaults())
	require.NotNil(t, got.FollowUp)
	assert.Equal(t, "ETH/USDT", got.FollowUp.Symbol)
	assert.Equal(t, 2, got.FollowUp.TPNumber)
	assert.Equal(t, 50, got.FollowUp.ClosePercent)
}

func TestNormalizeUnrecognized(t *testing.T) {
	tests := []struct {
		name string
		res  ParseResult
	}{
		{"info message", ParseResult{MessageType: "info"}},
		{"unknown type", ParseResult{MessageType: "weather_report"}},
		{"signal without stop", ParseResult{
			MessageType:   "new_signal",
			Symbol:        "ETH/USDT",
			Direction:     "long",
			EntryPriceLow: fptr(1966.3),
		}},
		{"signal without symbol", ParseResult{
			MessageType:   "new_signal",
			Direction:     "long",
			EntryPriceLow: fptr(1966.3),
			StopLoss:      fptr(2009.1),
		}},
		{"signal with bad direction", ParseResult{
			MessageType:   "new_signal",
			Symbol:        "ETH/USDT",
			Direction:     "up",
			EntryPriceLow: fptr(1966.3),
			StopLoss:      fptr(2009.1),
		}},
		{"tp hit without number", ParseResult{MessageType: "tp_hit", Symbol: "ETH/USDT"}},
		{"sl modified without price", ParseResult{MessageType: "sl_modified"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.res, "m", time.Now(), defaults())
			require.NotNil(t, got.Unrecognized, "expected unrecognized")
			assert.Nil(t, got.Intent)
			assert.Nil(t, got.FollowUp)
		})
	}
}
