// Package binary implements the binary option settlement state machine:
// creation, outcome determination, payout computation and the expiry sweep.
//
// An option is created ACTIVE and transitions exactly once to WON, LOST or
// EXPIRED. The engine mutates the option value it is handed; persisting the
// mutation together with the balance credit is the caller's job and must
// happen in one transaction.
//
// All monetary values use shopspring/decimal.
package binary

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

var (
	// AllowedExpirySeconds are the only horizons an option may be opened with.
	AllowedExpirySeconds = []int{60, 300, 900, 3600}

	// DefaultProfitPercentage applies when the caller does not supply one.
	DefaultProfitPercentage = decimal.NewFromInt(85)

	// MaxProfitPercentage caps the configurable payout rate.
	MaxProfitPercentage = decimal.NewFromInt(1000)

	// EarlyProfitFactor scales profit_percentage for an early-close win.
	EarlyProfitFactor = decimal.RequireFromString("0.8")

	// EarlyRefundFactor is the share of the stake returned on an early-close loss.
	EarlyRefundFactor = decimal.RequireFromString("0.20")

	// PayoutScale is the number of decimal places payouts are rounded to.
	PayoutScale int32 = 2
)

var (
	ErrInvalidAmount    = fmt.Errorf("%w: binary: amount must be greater than 0", model.ErrValidation)
	ErrAmountPrecision  = fmt.Errorf("%w: binary: amount allows at most 2 decimal places", model.ErrValidation)
	ErrInvalidExpiry    = fmt.Errorf("%w: binary: expiry must be 1, 5, 15 minutes or 1 hour", model.ErrValidation)
	ErrInvalidDirection = fmt.Errorf("%w: binary: direction must be UP or DOWN", model.ErrValidation)
	ErrInvalidPrice     = fmt.Errorf("%w: binary: price must be greater than 0", model.ErrValidation)
	ErrInvalidProfit    = fmt.Errorf("%w: binary: profit percentage must be in (0, 1000]", model.ErrValidation)
	ErrMissingField     = fmt.Errorf("%w: binary: user and symbol are required", model.ErrValidation)

	// ErrNotActive is returned by every transition attempted on a terminal
	// option. It protects the at-most-once resolution invariant.
	ErrNotActive = fmt.Errorf("%w: binary: option is not active", model.ErrStateConflict)
)

// CreateParams describes a new option. EntryPrice must already be resolved
// by the caller.
type CreateParams struct {
	UserID           string
	Symbol           string
	Direction        model.Direction
	Amount           decimal.Decimal
	ProfitPercentage decimal.Decimal // zero means DefaultProfitPercentage
	ExpirySeconds    int
	EntryPrice       decimal.Decimal
}

// Settlement is the outcome of one transition.
type Settlement struct {
	OptionID  string             `json:"id"`
	UserID    string             `json:"user_id"`
	Symbol    string             `json:"symbol"`
	Status    model.OptionStatus `json:"status"`
	ExitPrice decimal.Decimal    `json:"exit_price"`
	Payout    decimal.Decimal    `json:"payout_amount"`
	Early     bool               `json:"early"`
	Balance   *decimal.Decimal   `json:"balance,omitempty"` // set by the caller after crediting
}

// Engine owns the transition rules. It is stateless apart from its clock.
type Engine struct {
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine using the wall clock unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time { return e.now().UTC() }

// ValidExpiry reports whether seconds is an allowed option horizon.
func ValidExpiry(seconds int) bool {
	return slices.Contains(AllowedExpirySeconds, seconds)
}

// Create validates p and returns a new ACTIVE option. No balance is
// debited: the stake is not escrowed.
func (e *Engine) Create(p CreateParams) (*model.BinaryOption, error) {
	if p.UserID == "" || p.Symbol == "" {
		return nil, ErrMissingField
	}
	if !p.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !p.Amount.Equal(p.Amount.Round(PayoutScale)) {
		return nil, ErrAmountPrecision
	}
	if !ValidExpiry(p.ExpirySeconds) {
		return nil, fmt.Errorf("%w: got %d seconds", ErrInvalidExpiry, p.ExpirySeconds)
	}
	if !p.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	if !p.EntryPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	profit := p.ProfitPercentage
	if profit.IsZero() {
		profit = DefaultProfitPercentage
	}
	if !profit.IsPositive() || profit.GreaterThan(MaxProfitPercentage) {
		return nil, ErrInvalidProfit
	}

	now := e.Now()
	return &model.BinaryOption{
		ID:               uuid.New().String(),
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Direction:        p.Direction,
		Amount:           p.Amount,
		ProfitPercentage: profit,
		EntryPrice:       p.EntryPrice,
		ExpirySeconds:    p.ExpirySeconds,
		ExpiryTime:       now.Add(time.Duration(p.ExpirySeconds) * time.Second),
		Status:           model.StatusActive,
		CreatedAt:        now,
	}, nil
}

// Won reports whether exit beats entry in the bet direction. A draw is
// always a loss.
func Won(direction model.Direction, entry, exit decimal.Decimal) bool {
	switch direction {
	case model.DirectionUp:
		return exit.GreaterThan(entry)
	case model.DirectionDown:
		return exit.LessThan(entry)
	default:
		return false
	}
}

// Payout returns the amount credited at natural expiry: stake plus profit
// on a win, zero on a loss.
func Payout(amount, profitPct decimal.Decimal, won bool) decimal.Decimal {
	if !won {
		return decimal.Zero
	}
	profit := amount.Mul(profitPct).Div(decimal.NewFromInt(100))
	return amount.Add(profit).Round(PayoutScale)
}

// EarlyPayout returns the amount credited on early close: stake plus 80% of
// the normal profit on a win, a 20% refund of the stake on a loss.
func EarlyPayout(amount, profitPct decimal.Decimal, won bool) decimal.Decimal {
	if !won {
		return amount.Mul(EarlyRefundFactor).Round(PayoutScale)
	}
	reduced := profitPct.Mul(EarlyProfitFactor)
	profit := amount.Mul(reduced).Div(decimal.NewFromInt(100))
	return amount.Add(profit).Round(PayoutScale)
}

// Resolve settles an ACTIVE option at natural expiry.
func (e *Engine) Resolve(o *model.BinaryOption, exit decimal.Decimal) (Settlement, error) {
	return e.settle(o, exit, false)
}

// ResolveEarly settles an ACTIVE option before expiry at reduced payout.
// Status is WON or LOST; there is no separate closed-early state.
func (e *Engine) ResolveEarly(o *model.BinaryOption, exit decimal.Decimal) (Settlement, error) {
	return e.settle(o, exit, true)
}

func (e *Engine) settle(o *model.BinaryOption, exit decimal.Decimal, early bool) (Settlement, error) {
	if o.Status != model.StatusActive {
		return Settlement{}, fmt.Errorf("%w: %s is %s", ErrNotActive, o.ID, o.Status)
	}
	if !exit.IsPositive() {
		return Settlement{}, ErrInvalidPrice
	}

	won := Won(o.Direction, o.EntryPrice, exit)
	var payout decimal.Decimal
	if early {
		payout = EarlyPayout(o.Amount, o.ProfitPercentage, won)
	} else {
		payout = Payout(o.Amount, o.ProfitPercentage, won)
	}

	status := model.StatusLost
	if won {
		status = model.StatusWon
	}

	resolvedAt := e.Now()
	exitCopy := exit
	o.Status = status
	o.ExitPrice = &exitCopy
	o.PayoutAmount = &payout
	o.ResolvedAt = &resolvedAt

	return Settlement{
		OptionID:  o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Status:    status,
		ExitPrice: exit,
		Payout:    payout,
		Early:     early,
	}, nil
}

// Expire moves an ACTIVE option that cannot be priced to EXPIRED with a zero
// payout. Normal settlement never takes this path.
func (e *Engine) Expire(o *model.BinaryOption) (Settlement, error) {
	if o.Status != model.StatusActive {
		return Settlement{}, fmt.Errorf("%w: %s is %s", ErrNotActive, o.ID, o.Status)
	}
	resolvedAt := e.Now()
	zero := decimal.Zero
	o.Status = model.StatusExpired
	o.PayoutAmount = &zero
	o.ResolvedAt = &resolvedAt

	return Settlement{
		OptionID: o.ID,
		UserID:   o.UserID,
		Symbol:   o.Symbol,
		Status:   model.StatusExpired,
		Payout:   decimal.Zero,
	}, nil
}
