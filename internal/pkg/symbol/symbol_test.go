package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ETH/USDT", "ETH/USDT"},
		{"#ETH/USDT", "ETH/USDT"},
		{"#eth/usdt", "ETH/USDT"},
		{"ETHUSDT", "ETH/USDT"},
		{"btcusdt", "BTC/USDT"},
		{"SOL/USDT:USDT", "SOL/USDT"},
		{"  eth/usdt  ", "ETH/USDT"},
		{"1000PEPEUSDT", "1000PEPE/USDT"},
		{"", ""},
		{"#", ""},
		{"USDT", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestToExchange(t *testing.T) {
	assert.Equal(t, "ETHUSDT", ToExchange("ETH/USDT"))
	assert.Equal(t, "ETHUSDT", ToExchange("#eth/usdt"))
	assert.Equal(t, "BTCUSDT", ToExchange("BTCUSDT"))
	assert.Equal(t, "", ToExchange(""))
}

func TestParseQuoteDetection(t *testing.T) {
	s := Parse("ETHBTC")
	assert.Equal(t, "ETH", s.Base)
	assert.Equal(t, "BTC", s.Quote)
}
