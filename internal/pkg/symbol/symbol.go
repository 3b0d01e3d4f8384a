// Package symbol converts instrument symbols between the feed's
// "BASE/QUOTE" notation and the exchange's compact notation.
package symbol

import (
	"strings"
)

type Symbol struct {
	Base  string
	Quote string
}

// Internal returns the canonical "BASE/QUOTE" form used across the system.
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Exchange returns the compact "BASEQUOTE" form LBank expects.
func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}

	quoteCurrencies := []string{"USDT", "USDC", "BTC", "ETH"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

// Normalize maps any accepted spelling ("#eth/usdt", "ETHUSDT") to the
// canonical internal form. Returns "" for unparseable input.
func Normalize(s string) string {
	return Parse(s).Internal()
}

// ToExchange maps any accepted spelling to the exchange form.
func ToExchange(s string) string {
	return Parse(s).Exchange()
}
