// Package instrument loads per-contract trading rules (precision, tick
// size, minimum quantity) from a YAML file. The gateway rounds every
// outgoing size and price through these rules so the exchange never sees
// an unrepresentable number.
package instrument

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sigflow/internal/pkg/symbol"
)

// Instrument is one contract's trading rules.
type Instrument struct {
	Symbol         string          `yaml:"symbol"`
	PricePrecision int32           `yaml:"price_precision"`
	QtyPrecision   int32           `yaml:"qty_precision"`
	MinQty         decimal.Decimal `yaml:"min_qty"`
}

// Table holds the known instruments keyed by internal symbol. Unknown
// symbols fall back to Default.
type Table struct {
	Default     Instrument
	instruments map[string]Instrument
}

type fileFormat struct {
	Default     Instrument   `yaml:"default"`
	Instruments []Instrument `yaml:"instruments"`
}

// Load reads the instrument table from path. A missing path returns a
// table that serves Default for everything.
func Load(path string) (*Table, error) {
	t := &Table{
		Default: Instrument{
			PricePrecision: 2,
			QtyPrecision:   4,
		},
		instruments: make(map[string]Instrument),
	}
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instrument table: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("instrument table: %w", err)
	}
	if f.Default.Symbol == "" && (f.Default.PricePrecision > 0 || f.Default.QtyPrecision > 0) {
		t.Default = f.Default
	}
	for _, in := range f.Instruments {
		key := symbol.Normalize(in.Symbol)
		if key == "" {
			return nil, fmt.Errorf("instrument table: bad symbol %q", in.Symbol)
		}
		in.Symbol = key
		t.instruments[key] = in
	}
	return t, nil
}

// Lookup returns the rules for an internal symbol, falling back to
// Default.
func (t *Table) Lookup(sym string) Instrument {
	if in, ok := t.instruments[symbol.Normalize(sym)]; ok {
		return in
	}
	return t.Default
}

// RoundQty truncates a quantity to the instrument's precision. Truncation,
// not rounding: never order more than was sized.
func (t *Table) RoundQty(sym string, qty decimal.Decimal) decimal.Decimal {
	in := t.Lookup(sym)
	out := qty.Truncate(in.QtyPrecision)
	if in.MinQty.Sign() > 0 && out.LessThan(in.MinQty) {
		return decimal.Zero
	}
	return out
}

// RoundPrice rounds a price to the instrument's precision.
func (t *Table) RoundPrice(sym string, price decimal.Decimal) decimal.Decimal {
	return price.Round(t.Lookup(sym).PricePrecision)
}
