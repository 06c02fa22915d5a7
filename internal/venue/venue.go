// Package venue abstracts where a spot trade is priced and executed. The
// public feed simulates a fill at the current price; an authenticated
// exchange places a real market order with the user's credentials.
package venue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/pricefeed"
	"github.com/Ragunath041/cryptrade/internal/symbol"
)

var (
	ErrUnsupportedExchange = fmt.Errorf("%w: venue: unsupported exchange", model.ErrValidation)
	ErrBalanceUnsupported  = fmt.Errorf("%w: venue: balances require exchange credentials", model.ErrValidation)
	ErrNoFill              = fmt.Errorf("%w: venue: order was not filled", model.ErrUpstream)
)

// Fill is the result of an executed order.
type Fill struct {
	Symbol   string
	Side     model.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Exchange string
}

// ExecutionVenue prices and executes spot orders.
type ExecutionVenue interface {
	Name() string
	FetchPrice(ctx context.Context, sym string) (decimal.Decimal, error)
	FetchBalance(ctx context.Context) ([]model.Holding, error)
	PlaceOrder(ctx context.Context, sym string, side model.Side, quantity decimal.Decimal) (Fill, error)
}

// PublicFeed fills every order at the feed's current price. Nothing is sent
// to an exchange.
type PublicFeed struct {
	src pricefeed.Source
}

var _ ExecutionVenue = (*PublicFeed)(nil)

// NewPublicFeed creates the default venue over src.
func NewPublicFeed(src pricefeed.Source) *PublicFeed {
	return &PublicFeed{src: src}
}

func (p *PublicFeed) Name() string { return model.ExchangePublic }

func (p *PublicFeed) FetchPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	return p.src.Price(ctx, sym)
}

func (p *PublicFeed) FetchBalance(context.Context) ([]model.Holding, error) {
	return nil, ErrBalanceUnsupported
}

func (p *PublicFeed) PlaceOrder(ctx context.Context, sym string, side model.Side, quantity decimal.Decimal) (Fill, error) {
	price, err := p.src.Price(ctx, sym)
	if err != nil {
		return Fill{}, err
	}
	return Fill{Symbol: sym, Side: side, Quantity: quantity, Price: price, Exchange: p.Name()}, nil
}

// AuthenticatedExchange executes against a Binance account.
type AuthenticatedExchange struct {
	name   string
	client *binance.Client
	quote  string
}

var _ ExecutionVenue = (*AuthenticatedExchange)(nil)

// NewBinanceExchange creates a venue signing requests with the given
// credentials.
func NewBinanceExchange(apiKey, secret, quote string, opts ...binance.ClientOption) *AuthenticatedExchange {
	opts = append([]binance.ClientOption{binance.WithCredentials(apiKey, secret)}, opts...)
	if quote == "" {
		quote = symbol.DefaultQuote
	}
	return &AuthenticatedExchange{name: "BINANCE", client: binance.NewClient(opts...), quote: quote}
}

func (a *AuthenticatedExchange) Name() string { return a.name }

func (a *AuthenticatedExchange) pair(sym string) (string, error) {
	s, err := symbol.ParseWithQuote(sym, a.quote)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return s.Pair(), nil
}

func (a *AuthenticatedExchange) FetchPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	pair, err := a.pair(sym)
	if err != nil {
		return decimal.Zero, err
	}
	return a.client.TickerPrice(ctx, pair)
}

func (a *AuthenticatedExchange) FetchBalance(ctx context.Context) ([]model.Holding, error) {
	balances, err := a.client.Account(ctx)
	if err != nil {
		return nil, err
	}
	holdings := make([]model.Holding, 0, len(balances))
	for _, b := range balances {
		holdings = append(holdings, model.Holding{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return holdings, nil
}

func (a *AuthenticatedExchange) PlaceOrder(ctx context.Context, sym string, side model.Side, quantity decimal.Decimal) (Fill, error) {
	pair, err := a.pair(sym)
	if err != nil {
		return Fill{}, err
	}
	order, err := a.client.MarketOrder(ctx, pair, string(side), quantity)
	if err != nil {
		return Fill{}, err
	}
	price := order.AveragePrice()
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: order %d status %s", ErrNoFill, order.OrderID, order.Status)
	}
	qty := order.ExecutedQty
	if !qty.IsPositive() {
		qty = quantity
	}
	return Fill{Symbol: sym, Side: side, Quantity: qty, Price: price, Exchange: a.name}, nil
}

// Factory builds a venue from stored credentials.
type Factory func(key model.APIKey) ExecutionVenue

// Registry maps exchange names to venue factories.
type Registry struct {
	public    ExecutionVenue
	factories map[string]Factory
}

// NewRegistry creates a registry whose default venue is public.
func NewRegistry(public ExecutionVenue) *Registry {
	return &Registry{public: public, factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for exchange.
func (r *Registry) Register(exchange string, f Factory) {
	r.factories[strings.ToUpper(exchange)] = f
}

// Public returns the default venue.
func (r *Registry) Public() ExecutionVenue { return r.public }

// Supported reports whether exchange has a factory.
func (r *Registry) Supported(exchange string) bool {
	_, ok := r.factories[strings.ToUpper(exchange)]
	return ok
}

// Exchanges lists the registered exchange names.
func (r *Registry) Exchanges() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForKey returns the venue for key. Inactive keys and unknown exchanges are
// validation errors.
func (r *Registry) ForKey(key model.APIKey) (ExecutionVenue, error) {
	if !key.IsActive {
		return nil, fmt.Errorf("%w: venue: api key %s is inactive", model.ErrValidation, key.ID)
	}
	f, ok := r.factories[strings.ToUpper(key.Exchange)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, key.Exchange)
	}
	return f(key), nil
}

// BinanceFactory returns a Factory building Binance venues with opts.
func BinanceFactory(quote string, opts ...binance.ClientOption) Factory {
	return func(key model.APIKey) ExecutionVenue {
		return NewBinanceExchange(key.Key, key.Secret, quote, opts...)
	}
}
