package instrument

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	path := writeTable(t, `
default:
  price_precision: 2
  qty_precision: 4

instruments:
  - symbol: ETH/USDT
    price_precision: 2
    qty_precision: 3
    min_qty: "0.001"
  - symbol: btcusdt
    price_precision: 1
    qty_precision: 4
    min_qty: "0.0001"
`)
	tbl, err := Load(path)
	require.NoError(t, err)

	eth := tbl.Lookup("ETH/USDT")
	assert.Equal(t, int32(3), eth.QtyPrecision)

	// Spellings normalize before lookup.
	btc := tbl.Lookup("BTC/USDT")
	assert.Equal(t, int32(1), btc.PricePrecision)

	// Unknown symbols serve the default.
	other := tbl.Lookup("DOGE/USDT")
	assert.Equal(t, int32(4), other.QtyPrecision)
}

func TestLoadEmptyPathServesDefaults(t *testing.T) {
	tbl, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tbl.Lookup("ANY/USDT").PricePrecision)
}

func TestRoundQtyTruncates(t *testing.T) {
	path := writeTable(t, `
instruments:
  - symbol: ETH/USDT
    qty_precision: 3
    min_qty: "0.001"
`)
	tbl, err := Load(path)
	require.NoError(t, err)

	// Truncation, never rounding up.
	got := tbl.RoundQty("ETH/USDT", decimal.RequireFromString("2.3369999"))
	assert.True(t, got.Equal(decimal.RequireFromString("2.336")))

	// Below the minimum collapses to zero.
	got = tbl.RoundQty("ETH/USDT", decimal.RequireFromString("0.0004"))
	assert.True(t, got.IsZero())
}

func TestRoundPrice(t *testing.T) {
	tbl, err := Load("")
	require.NoError(t, err)
	got := tbl.RoundPrice("ETH/USDT", decimal.RequireFromString("1966.348"))
	assert.True(t, got.Equal(decimal.RequireFromString("1966.35")))
}

func TestLoadRejectsBadSymbol(t *testing.T) {
	path := writeTable(t, `
instruments:
  - symbol: "???"
    qty_precision: 3
`)
	_, err := Load(path)
	assert.Error(t, err)
}
