// Package settlement orchestrates trades end to end: it resolves prices,
// drives the binary option engine, applies portfolio accounting and credits
// the ledger.
//
// Every option transition runs in one store transaction that locks the
// option row, re-checks that it is ACTIVE, writes the terminal state and
// credits the payout. Two concurrent attempts on the same option therefore
// pay at most once; the loser gets binary.ErrNotActive.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/binary"
	"github.com/Ragunath041/cryptrade/internal/events"
	"github.com/Ragunath041/cryptrade/internal/metrics"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/portfolio"
	"github.com/Ragunath041/cryptrade/internal/pricefeed"
	"github.com/Ragunath041/cryptrade/internal/store"
	"github.com/Ragunath041/cryptrade/internal/symbol"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

// DefaultPriceTimeout bounds a single price source call.
const DefaultPriceTimeout = 5 * time.Second

var (
	ErrInvalidAmount   = fmt.Errorf("%w: settlement: amount must be greater than 0", model.ErrValidation)
	ErrInvalidQuantity = fmt.Errorf("%w: settlement: quantity must be greater than 0", model.ErrValidation)
	ErrInvalidPrice    = fmt.Errorf("%w: settlement: price must be greater than 0", model.ErrValidation)
	ErrInvalidSide     = fmt.Errorf("%w: settlement: trade type must be BUY or SELL", model.ErrValidation)
	ErrMissingUser     = fmt.Errorf("%w: settlement: user is required", model.ErrValidation)

	// ErrPriceWithVenue rejects a caller price combined with an exchange
	// key: the exchange fill decides the price.
	ErrPriceWithVenue = fmt.Errorf("%w: settlement: price cannot be set when trading through an exchange key", model.ErrValidation)

	// ErrAwaitingSettlement rejects an early close on an option whose expiry
	// has passed. Only the sweep may settle it.
	ErrAwaitingSettlement = fmt.Errorf("%w: settlement: option has expired and is awaiting settlement", model.ErrStateConflict)
)

// Service is the trade settlement orchestrator.
type Service struct {
	store      store.Store
	engine     *binary.Engine
	prices     pricefeed.Source
	quotes     pricefeed.Source
	venues     *venue.Registry
	accountant *portfolio.Accountant
	events     events.Publisher
	log        *slog.Logger

	priceTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithPublisher sets where settlement events go. Defaults to events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithPriceTimeout bounds every price lookup.
func WithPriceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.priceTimeout = d
		}
	}
}

// WithEngine replaces the binary option engine, e.g. to inject a clock.
func WithEngine(e *binary.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithQuoteSource sets the source used for display quotes and valuation.
// It may be cached; settlement always reads the uncached price source.
func WithQuoteSource(src pricefeed.Source) Option {
	return func(s *Service) { s.quotes = src }
}

// New creates an orchestrator. prices is the settlement price source and
// venues selects the execution venue of spot trades.
func New(st store.Store, prices pricefeed.Source, venues *venue.Registry, opts ...Option) *Service {
	s := &Service{
		store:        st,
		engine:       binary.NewEngine(),
		prices:       prices,
		venues:       venues,
		accountant:   portfolio.NewAccountant(st),
		events:       events.Nop{},
		log:          slog.Default(),
		priceTimeout: DefaultPriceTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.quotes == nil {
		s.quotes = s.prices
	}
	return s
}

// Engine exposes the option engine, mainly for its clock.
func (s *Service) Engine() *binary.Engine { return s.engine }

// --- Users and ledger ---

// CreateUserRequest registers a user with a starting balance.
type CreateUserRequest struct {
	ID       string          `json:"id"`
	Email    string          `json:"email" validate:"omitempty,email"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

// CreateUser persists a new user. A missing id is generated.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*model.User, error) {
	if req.Balance.IsNegative() {
		return nil, fmt.Errorf("%w: settlement: balance must not be negative", model.ErrValidation)
	}
	u := &model.User{
		ID:        req.ID,
		Email:     req.Email,
		Username:  req.Username,
		Balance:   req.Balance,
		CreatedAt: s.engine.Now(),
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", "user_id", u.ID)
	return u, nil
}

// GetUser returns a user with the current balance.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.GetUser(ctx, userID)
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// Credit adds a positive amount to a user's balance.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, ErrMissingUser
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	var balance decimal.Decimal
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		balance, err = tx.Credit(ctx, userID, amount)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s: %w", userID, err)
	}

	s.log.Info("balance credited", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	events.Emit(ctx, s.log, s.events, events.Event{
		Type:    events.BalanceCredit,
		ID:      uuid.New().String(),
		UserID:  userID,
		Payload: map[string]string{"amount": amount.String(), "balance": balance.String()},
	})
	return balance, nil
}

// --- Pricing ---

// lookupPrice reads the settlement price of sym under the configured
// timeout. Failures other than bad input are ErrUpstream.
func (s *Service) lookupPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	return s.timedPrice(ctx, sym, s.prices.Price)
}

func (s *Service) timedPrice(
	ctx context.Context,
	sym string,
	fetch func(context.Context, string) (decimal.Decimal, error),
) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.priceTimeout)
	defer cancel()

	start := time.Now()
	price, err := fetch(ctx, sym)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PriceLookupDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrUpstream):
		return decimal.Zero, fmt.Errorf("price %s: %w", sym, err)
	default:
		return decimal.Zero, fmt.Errorf("%w: price %s: %w", model.ErrUpstream, sym, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price %s: non-positive quote %s", model.ErrUpstream, sym, price)
	}
	return price, nil
}

// normalize returns the canonical base ticker of sym.
func normalize(sym string) (string, error) {
	base, err := symbol.Normalize(sym)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return base, nil
}

// --- Option transitions ---

// transition mutates a locked, ACTIVE option. It returns the settlement or
// an error that rolls the transaction back.
type transition func(o *model.BinaryOption) (binary.Settlement, error)

// settle runs one option transition atomically: lock, apply, persist,
// credit. path labels the metric ("expiry", "early", "void").
func (s *Service) settle(ctx context.Context, optionID, path string, apply transition) (binary.Settlement, error) {
	start := time.Now()
	var st binary.Settlement
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOptionForUpdate(ctx, optionID)
		if err != nil {
			return err
		}
		st, err = apply(o)
		if err != nil {
			return err
		}
		if err := tx.UpdateOption(ctx, o); err != nil {
			return err
		}
		if st.Payout.IsPositive() {
			balance, err := tx.Credit(ctx, o.UserID, st.Payout)
			if err != nil {
				return err
			}
			st.Balance = &balance
		}
		return nil
	})
	if err != nil {
		return binary.Settlement{}, fmt.Errorf("settle option %s: %w", optionID, err)
	}
	metrics.ObserveSince("option_"+path, start)
	metrics.OptionsResolved.WithLabelValues(string(st.Status), path).Inc()
	if st.Payout.IsPositive() {
		metrics.PayoutsTotal.Add(st.Payout.InexactFloat64())
	}

	s.log.Info("option resolved",
		"option_id", st.OptionID,
		"user_id", st.UserID,
		"symbol", st.Symbol,
		"status", st.Status,
		"exit_price", st.ExitPrice.String(),
		"payout", st.Payout.String(),
		"path", path,
	)
	events.Emit(ctx, s.log, s.events, events.Event{
		Type:    events.OptionResolved,
		ID:      st.OptionID,
		UserID:  st.UserID,
		Symbol:  st.Symbol,
		Payload: st,
	})
	return st, nil
}
