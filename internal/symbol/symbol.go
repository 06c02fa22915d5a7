// Package symbol parses and normalises trading symbols. Users refer to
// assets by their base ticker ("BTC"); exchanges want a concatenated pair
// ("BTCUSDT").
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultQuote is the quote asset used when a symbol names only a base asset.
const DefaultQuote = "USDT"

// knownQuotes are recognised as a suffix of an unseparated pair.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"}

// symbolRegex matches BASE, BASE/QUOTE or BASE-QUOTE.
// Example: BTC, eth/usdt, SOL-USDC
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})(?:[/\-_]([A-Z0-9]{2,6}))?$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrSameAsset     = errors.New("symbol: base and quote must differ")
)

// Symbol is a parsed base/quote pair.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse validates s and splits it into base and quote. An unseparated
// string ending in a known quote asset ("BTCUSDT") is split at the quote;
// a lone base ("BTC") gets DefaultQuote.
func Parse(s string) (Symbol, error) {
	return ParseWithQuote(s, DefaultQuote)
}

// ParseWithQuote is Parse with an explicit default quote asset.
func ParseWithQuote(s, defaultQuote string) (Symbol, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	matches := symbolRegex.FindStringSubmatch(raw)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE or BASE/QUOTE)", ErrInvalidSymbol, s)
	}

	base, quote := matches[1], matches[2]
	if quote == "" {
		base, quote = splitPair(base, defaultQuote)
	}
	if base == quote {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSameAsset, raw)
	}
	return Symbol{Base: base, Quote: quote}, nil
}

func splitPair(s, defaultQuote string) (string, string) {
	for _, q := range knownQuotes {
		if len(s) > len(q)+1 && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, strings.ToUpper(defaultQuote)
}

// Pair returns the exchange form, e.g. "BTCUSDT".
func (s Symbol) Pair() string { return s.Base + s.Quote }

// String returns "BASE/QUOTE".
func (s Symbol) String() string { return s.Base + "/" + s.Quote }

// Normalize returns the canonical base ticker stored on trades, positions
// and options.
func Normalize(s string) (string, error) {
	sym, err := Parse(s)
	if err != nil {
		return "", err
	}
	return sym.Base, nil
}
