package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/events"
	"github.com/Ragunath041/cryptrade/internal/metrics"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/portfolio"
	"github.com/Ragunath041/cryptrade/internal/symbol"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

// Valuation sources reported by PortfolioValue.
const (
	SourceExchange = "exchange_api"
	SourcePublic   = "public_api"
)

// SpotTradeRequest describes a spot trade. Price, when set, is used as the
// fill price; otherwise the venue prices the trade. APIKeyID routes the
// trade to the key's exchange.
type SpotTradeRequest struct {
	UserID   string           `json:"-"`
	Symbol   string           `json:"symbol" validate:"required"`
	Side     model.Side       `json:"trade_type" validate:"required"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	APIKeyID string           `json:"api_key_id,omitempty"`
}

// SpotTradeResult is the recorded trade and, when the portfolio update
// succeeded, the resulting position.
type SpotTradeResult struct {
	Trade    model.SpotTrade `json:"trade"`
	Position *model.Position `json:"position,omitempty"`
}

// ExecuteSpotTrade prices, records and accounts one spot trade.
//
// The trade record is authoritative. A failed position update after the
// trade is recorded is logged and counted but does not fail the call; the
// position can be rebuilt with ResyncPositions.
func (s *Service) ExecuteSpotTrade(ctx context.Context, req SpotTradeRequest) (*SpotTradeResult, error) {
	start := time.Now()

	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	side := model.Side(strings.ToUpper(string(req.Side)))
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	sym, err := normalize(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Price != nil && req.APIKeyID != "" {
		return nil, ErrPriceWithVenue
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("spot trade: %w", err)
	}

	var fill venue.Fill
	switch {
	case req.APIKeyID != "":
		v, err := s.venueForKey(ctx, req.UserID, req.APIKeyID)
		if err != nil {
			return nil, err
		}
		fill, err = s.placeOrder(ctx, v, sym, side, req.Quantity)
		if err != nil {
			return nil, err
		}
	case req.Price != nil:
		fill = venue.Fill{Symbol: sym, Side: side, Quantity: req.Quantity, Price: *req.Price, Exchange: model.ExchangePublic}
	default:
		fill, err = s.placeOrder(ctx, s.venues.Public(), sym, side, req.Quantity)
		if err != nil {
			return nil, err
		}
	}

	trade := model.SpotTrade{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Symbol:      sym,
		Side:        side,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		TotalAmount: fill.Quantity.Mul(fill.Price),
		Exchange:    fill.Exchange,
		Timestamp:   s.engine.Now(),
	}
	if err := s.store.InsertSpotTrade(ctx, &trade); err != nil {
		return nil, fmt.Errorf("record spot trade: %w", err)
	}
	metrics.TradesTotal.WithLabelValues(string(side), trade.Exchange).Inc()

	result := &SpotTradeResult{Trade: trade}
	pos, err := s.accountant.ApplyTrade(ctx, &trade)
	if err != nil {
		metrics.PortfolioFailures.Inc()
		s.log.Error("portfolio update failed", "trade_id", trade.ID, "user_id", trade.UserID, "symbol", sym, "err", err)
	} else {
		result.Position = pos
	}
	metrics.ObserveSince("spot_trade", start)

	s.log.Info("spot trade executed",
		"trade_id", trade.ID,
		"user_id", trade.UserID,
		"symbol", sym,
		"side", side,
		"qty", trade.Quantity.String(),
		"price", trade.Price.String(),
		"exchange", trade.Exchange,
	)
	events.Emit(ctx, s.log, s.events, events.Event{
		Type:    events.TradeExecuted,
		ID:      trade.ID,
		UserID:  trade.UserID,
		Symbol:  sym,
		Time:    trade.Timestamp,
		Payload: trade,
	})
	return result, nil
}

// venueForKey resolves the caller's API key to its execution venue.
func (s *Service) venueForKey(ctx context.Context, userID, keyID string) (venue.ExecutionVenue, error) {
	key, err := s.store.GetAPIKey(ctx, userID, keyID)
	if err != nil {
		return nil, fmt.Errorf("api key %s: %w", keyID, err)
	}
	return s.venues.ForKey(*key)
}

// placeOrder executes on v under the price timeout and classifies failures.
func (s *Service) placeOrder(ctx context.Context, v venue.ExecutionVenue, sym string, side model.Side, qty decimal.Decimal) (venue.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
	defer cancel()

	fill, err := v.PlaceOrder(ctx, sym, side, qty)
	if err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrUpstream) {
			return venue.Fill{}, fmt.Errorf("%s order %s: %w", v.Name(), sym, err)
		}
		return venue.Fill{}, fmt.Errorf("%w: %s order %s: %w", model.ErrUpstream, v.Name(), sym, err)
	}
	if !fill.Price.IsPositive() {
		return venue.Fill{}, fmt.Errorf("%w: %s order %s: non-positive fill price", model.ErrUpstream, v.Name(), sym)
	}
	return fill, nil
}

// ListSpotTrades returns the user's trade log, newest first.
func (s *Service) ListSpotTrades(ctx context.Context, userID string) ([]model.SpotTrade, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	trades, err := s.store.ListSpotTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

// --- Portfolio ---

// Positions returns every position of the user, zero quantities included.
func (s *Service) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.ListPositions(ctx, userID)
}

// HoldingValue is one priced line of a portfolio valuation.
type HoldingValue struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
}

// PortfolioValue is a portfolio valuation and where its quantities came from.
type PortfolioValue struct {
	TotalValue decimal.Decimal `json:"total_value"`
	Source     string          `json:"source"`
	Holdings   []HoldingValue  `json:"holdings"`
}

// PortfolioValue values the user's holdings. When the user has an active
// API key, the first one's exchange balances are valued at that exchange's
// prices; on any failure, and for users without keys, stored positions are
// valued at public quotes. Assets that cannot be priced are skipped.
func (s *Service) PortfolioValue(ctx context.Context, userID string) (*PortfolioValue, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	keys, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		pv, err := s.exchangeValue(ctx, k)
		if err == nil {
			return pv, nil
		}
		s.log.Warn("exchange valuation failed, using public quotes", "user_id", userID, "exchange", k.Exchange, "err", err)
		break
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	pv := &PortfolioValue{Source: SourcePublic, Holdings: []HoldingValue{}}
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		price, err := s.timedPrice(ctx, p.Symbol, s.quotes.Price)
		if err != nil {
			s.log.Warn("valuation price unavailable", "symbol", p.Symbol, "err", err)
			continue
		}
		pv.add(p.Symbol, p.Quantity, price)
	}
	return pv, nil
}

func (s *Service) exchangeValue(ctx context.Context, key model.APIKey) (*PortfolioValue, error) {
	v, err := s.venues.ForKey(key)
	if err != nil {
		return nil, err
	}
	holdings, err := s.fetchBalance(ctx, v)
	if err != nil {
		return nil, err
	}
	pv := &PortfolioValue{Source: SourceExchange, Holdings: []HoldingValue{}}
	for _, h := range holdings {
		if !h.Total().IsPositive() || strings.EqualFold(h.Asset, symbol.DefaultQuote) {
			continue
		}
		price, err := s.timedPrice(ctx, h.Asset, v.FetchPrice)
		if err != nil {
			continue
		}
		pv.add(h.Asset, h.Total(), price)
	}
	return pv, nil
}

func (pv *PortfolioValue) add(sym string, qty, price decimal.Decimal) {
	value := qty.Mul(price)
	pv.Holdings = append(pv.Holdings, HoldingValue{Symbol: sym, Quantity: qty, Price: price, Value: value})
	pv.TotalValue = pv.TotalValue.Add(value)
}

func (s *Service) fetchBalance(ctx context.Context, v venue.ExecutionVenue) ([]model.Holding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
	defer cancel()
	holdings, err := v.FetchBalance(ctx)
	if err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrUpstream) {
			return nil, fmt.Errorf("%s balance: %w", v.Name(), err)
		}
		return nil, fmt.Errorf("%w: %s balance: %w", model.ErrUpstream, v.Name(), err)
	}
	return holdings, nil
}

// ResyncPositions rebuilds the user's positions from the trade log. Symbols
// with a stored position but no trades are reset to zero.
func (s *Service) ResyncPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	trades, err := s.store.ListSpotTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	rebuilt := portfolio.Rebuild(userID, trades)

	existing, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.engine.Now()
	for _, p := range existing {
		if _, ok := rebuilt[p.Symbol]; !ok {
			rebuilt[p.Symbol] = model.Position{UserID: userID, Symbol: p.Symbol, UpdatedAt: now}
		}
	}

	out := make([]model.Position, 0, len(rebuilt))
	for _, p := range rebuilt {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	if err := s.accountant.Overwrite(ctx, out); err != nil {
		return nil, fmt.Errorf("resync positions %s: %w", userID, err)
	}
	s.log.Info("positions resynced", "user_id", userID, "positions", len(out), "trades", len(trades))
	return out, nil
}

// SyncedHolding is one position overwritten from exchange balances.
type SyncedHolding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// SyncFromExchange overwrites positions with the key's exchange balances.
// Each non-quote asset gets quantity = total balance and an average buy
// price equal to the current exchange price, an approximation since the
// exchange does not report cost basis. Assets that cannot be priced are
// skipped.
func (s *Service) SyncFromExchange(ctx context.Context, userID, keyID string) ([]SyncedHolding, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	v, err := s.venueForKey(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.fetchBalance(ctx, v)
	if err != nil {
		return nil, err
	}

	now := s.engine.Now()
	synced := []SyncedHolding{}
	var positions []model.Position
	for _, h := range holdings {
		qty := h.Total()
		asset := strings.ToUpper(h.Asset)
		if !qty.IsPositive() || asset == symbol.DefaultQuote {
			continue
		}
		price, err := s.timedPrice(ctx, asset, v.FetchPrice)
		if err != nil {
			s.log.Warn("sync price unavailable", "asset", asset, "err", err)
			continue
		}
		positions = append(positions, model.Position{
			UserID: userID, Symbol: asset, Quantity: qty, AverageBuyPrice: price, UpdatedAt: now,
		})
		synced = append(synced, SyncedHolding{Symbol: asset, Quantity: qty, Price: price})
	}
	if err := s.accountant.Overwrite(ctx, positions); err != nil {
		return nil, fmt.Errorf("sync positions %s: %w", userID, err)
	}
	s.log.Info("positions synced from exchange", "user_id", userID, "exchange", v.Name(), "assets", len(synced))
	return synced, nil
}
