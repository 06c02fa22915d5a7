// Package pricefeed supplies current and historical prices for symbols.
//
// Settlement always reads through an uncached Source so an exit price is
// never stale; the CachedSource decorator exists for quote display only.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/symbol"
)

// DefaultSymbols are the bases quoted by Quotes when none are requested.
var DefaultSymbols = []string{"BTC", "ETH", "BNB", "ADA", "DOGE", "XRP", "SOL", "DOT", "AVAX", "MATIC"}

// Intervals accepted by History.
var Intervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true, "1w": true,
}

// ErrInvalidInterval is returned for an unsupported candle interval.
var ErrInvalidInterval = fmt.Errorf("%w: pricefeed: unsupported interval", model.ErrValidation)

// Source is the price capability consumed by settlement.
type Source interface {
	// Price returns the latest price of symbol in the default quote.
	Price(ctx context.Context, sym string) (decimal.Decimal, error)

	// History returns candles for symbol between start and end.
	History(ctx context.Context, sym, interval string, start, end time.Time) ([]model.PricePoint, error)
}

// Binance is a Source over the Binance public REST API.
type Binance struct {
	client *binance.Client
	quote  string
}

var _ Source = (*Binance)(nil)

// NewBinance creates a source quoting every symbol against quote (e.g. USDT).
func NewBinance(client *binance.Client, quote string) *Binance {
	if quote == "" {
		quote = symbol.DefaultQuote
	}
	return &Binance{client: client, quote: quote}
}

func (b *Binance) pair(sym string) (string, error) {
	s, err := symbol.ParseWithQuote(sym, b.quote)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return s.Pair(), nil
}

func (b *Binance) Price(ctx context.Context, sym string) (decimal.Decimal, error) {
	pair, err := b.pair(sym)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := b.client.TickerPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", pair, err)
	}
	return price, nil
}

func (b *Binance) History(ctx context.Context, sym, interval string, start, end time.Time) ([]model.PricePoint, error) {
	if !Intervals[interval] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: pricefeed: end before start", model.ErrValidation)
	}
	pair, err := b.pair(sym)
	if err != nil {
		return nil, err
	}
	points, err := b.client.Klines(ctx, pair, interval, start, end, 500)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", pair, err)
	}
	return points, nil
}

// Quote is one entry of a multi-symbol price board.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Quotes prices every symbol, skipping the ones that fail. It returns an
// error only when ctx ends or every lookup failed.
func Quotes(ctx context.Context, src Source, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	prices := make(map[string]decimal.Decimal, len(symbols))
	var errs []error
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := symbol.Normalize(sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", model.ErrValidation, err))
			continue
		}
		p, err := src.Price(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prices[key] = p
	}
	if len(prices) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return prices, nil
}
