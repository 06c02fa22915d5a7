package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/pricefeed"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

// CreateAPIKeyRequest stores exchange credentials for the caller.
type CreateAPIKeyRequest struct {
	UserID   string `json:"-"`
	Exchange string `json:"exchange" validate:"required"`
	Key      string `json:"api_key" validate:"required"`
	Secret   string `json:"api_secret" validate:"required"`
	IsActive *bool  `json:"is_active,omitempty"`
}

// CreateAPIKey stores a key for a supported exchange. A user holds at most
// one key per exchange.
func (s *Service) CreateAPIKey(ctx context.Context, req CreateAPIKeyRequest) (*model.APIKey, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	exchange := strings.ToUpper(strings.TrimSpace(req.Exchange))
	if !s.venues.Supported(exchange) {
		return nil, fmt.Errorf("%w: %s", venue.ErrUnsupportedExchange, req.Exchange)
	}
	if req.Key == "" || req.Secret == "" {
		return nil, fmt.Errorf("%w: settlement: api_key and api_secret are required", model.ErrValidation)
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := s.engine.Now()
	k := &model.APIKey{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Exchange:  exchange,
		Key:       req.Key,
		Secret:    req.Secret,
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	s.log.Info("api key stored", "user_id", k.UserID, "exchange", k.Exchange, "key_id", k.ID)
	return k, nil
}

// ListAPIKeys returns the caller's keys.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.ListAPIKeys(ctx, userID)
}

// DeleteAPIKey removes one of the caller's keys.
func (s *Service) DeleteAPIKey(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if err := s.store.DeleteAPIKey(ctx, userID, id); err != nil {
		return fmt.Errorf("delete api key %s: %w", id, err)
	}
	s.log.Info("api key deleted", "user_id", userID, "key_id", id)
	return nil
}

// TestAPIKey checks a key by fetching the account balances it grants
// access to.
func (s *Service) TestAPIKey(ctx context.Context, userID, id string) ([]model.Holding, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	v, err := s.venueForKey(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	holdings, err := s.fetchBalance(ctx, v)
	if err != nil {
		return nil, err
	}
	nonZero := make([]model.Holding, 0, len(holdings))
	for _, h := range holdings {
		if h.Total().IsPositive() {
			nonZero = append(nonZero, h)
		}
	}
	return nonZero, nil
}

// --- Prices ---

// Quotes returns display prices for symbols, DefaultSymbols when empty.
// Symbols that cannot be priced are left out.
func (s *Service) Quotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
	defer cancel()
	return pricefeed.Quotes(ctx, s.quotes, symbols)
}

// History returns candles for sym between start and end.
func (s *Service) History(ctx context.Context, sym, interval string, start, end time.Time) ([]model.PricePoint, error) {
	base, err := normalize(sym)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
	defer cancel()
	return s.quotes.History(ctx, base, interval, start, end)
}
