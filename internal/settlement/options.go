package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/binary"
	"github.com/Ragunath041/cryptrade/internal/events"
	"github.com/Ragunath041/cryptrade/internal/metrics"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/store"
)

// HistoryWindow bounds OptionHistory.
const HistoryWindow = 7 * 24 * time.Hour

// OpenOptionRequest opens a binary option. EntryPrice, when set, is used
// instead of the current price.
type OpenOptionRequest struct {
	UserID           string           `json:"-"`
	Symbol           string           `json:"symbol" validate:"required"`
	Direction        model.Direction  `json:"direction" validate:"required"`
	Amount           decimal.Decimal  `json:"amount"`
	ExpirySeconds    int              `json:"expiry_seconds" validate:"required"`
	ProfitPercentage decimal.Decimal  `json:"profit_percentage"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
}

// OpenOption prices (if needed), creates and persists an ACTIVE option.
// The stake is not debited.
func (s *Service) OpenOption(ctx context.Context, req OpenOptionRequest) (*model.BinaryOption, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	sym, err := normalize(req.Symbol)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("open option: %w", err)
	}

	params := binary.CreateParams{
		UserID:           req.UserID,
		Symbol:           sym,
		Direction:        model.Direction(strings.ToUpper(string(req.Direction))),
		Amount:           req.Amount,
		ProfitPercentage: req.ProfitPercentage,
		ExpirySeconds:    req.ExpirySeconds,
	}

	// Reject bad input before spending a price lookup on it.
	if req.EntryPrice != nil {
		params.EntryPrice = *req.EntryPrice
	} else {
		trial := params
		trial.EntryPrice = decimal.NewFromInt(1)
		if _, err := s.engine.Create(trial); err != nil {
			return nil, err
		}
		params.EntryPrice, err = s.lookupPrice(ctx, sym)
		if err != nil {
			return nil, err
		}
	}

	o, err := s.engine.Create(params)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertOption(ctx, o); err != nil {
		return nil, fmt.Errorf("persist option: %w", err)
	}
	metrics.OptionsOpened.WithLabelValues(string(o.Direction)).Inc()

	s.log.Info("binary option opened",
		"option_id", o.ID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"direction", o.Direction,
		"amount", o.Amount.String(),
		"entry_price", o.EntryPrice.String(),
		"expiry", o.ExpiryTime,
	)
	events.Emit(ctx, s.log, s.events, events.Event{
		Type:    events.OptionOpened,
		ID:      o.ID,
		UserID:  o.UserID,
		Symbol:  o.Symbol,
		Time:    o.CreatedAt,
		Payload: o,
	})
	return o, nil
}

// GetOption returns one of the user's options. Another user's option is
// reported as not found.
func (s *Service) GetOption(ctx context.Context, userID, id string) (*model.BinaryOption, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	o, err := s.store.GetOption(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("option %s: %w", id, store.ErrNotFound)
	}
	return o, nil
}

// ListOptions returns all of the user's options, newest first.
func (s *Service) ListOptions(ctx context.Context, userID string) ([]model.BinaryOption, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.ListOptions(ctx, model.OptionFilter{UserID: userID})
}

// ActiveOptions returns the user's ACTIVE options that have not expired yet.
func (s *Service) ActiveOptions(ctx context.Context, userID string) ([]model.BinaryOption, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	now := s.engine.Now()
	return s.store.ListOptions(ctx, model.OptionFilter{
		UserID:       userID,
		Status:       model.StatusActive,
		ExpiresAfter: &now,
	})
}

// OptionHistory returns the user's resolved options created in the last
// seven days.
func (s *Service) OptionHistory(ctx context.Context, userID string) ([]model.BinaryOption, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	since := s.engine.Now().Add(-HistoryWindow)
	return s.store.ListOptions(ctx, model.OptionFilter{
		UserID:       userID,
		Terminal:     true,
		CreatedAfter: &since,
	})
}

// CloseEarly settles one of the user's ACTIVE options before expiry at the
// reduced early payout. The price is fetched before any lock is taken.
func (s *Service) CloseEarly(ctx context.Context, userID, id string) (binary.Settlement, error) {
	o, err := s.GetOption(ctx, userID, id)
	if err != nil {
		return binary.Settlement{}, err
	}
	if o.Status != model.StatusActive {
		return binary.Settlement{}, fmt.Errorf("%w: %s is %s", binary.ErrNotActive, o.ID, o.Status)
	}
	if s.expired(o) {
		return binary.Settlement{}, fmt.Errorf("%w: %s", ErrAwaitingSettlement, o.ID)
	}

	exit, err := s.lookupPrice(ctx, o.Symbol)
	if err != nil {
		return binary.Settlement{}, err
	}

	return s.settle(ctx, o.ID, "early", func(locked *model.BinaryOption) (binary.Settlement, error) {
		if locked.Status == model.StatusActive && s.expired(locked) {
			return binary.Settlement{}, fmt.Errorf("%w: %s", ErrAwaitingSettlement, locked.ID)
		}
		return s.engine.ResolveEarly(locked, exit)
	})
}

func (s *Service) expired(o *model.BinaryOption) bool {
	return !o.ExpiryTime.After(s.engine.Now())
}

// SweepRequest scopes a sweep pass. An empty UserID sweeps every user.
type SweepRequest struct {
	UserID string
	binary.SweepOptions
}

// ErrInvalidManualPrice rejects a non-positive manual override.
var ErrInvalidManualPrice = fmt.Errorf("%w: settlement: manual_price must be greater than 0", model.ErrValidation)

// Sweep settles due ACTIVE options. Each option resolves in its own
// transaction; a failure is reported and leaves that option ACTIVE for the
// next pass.
func (s *Service) Sweep(ctx context.Context, req SweepRequest) (binary.SweepReport, error) {
	if req.ManualPrice != nil && !req.ManualPrice.IsPositive() {
		return binary.SweepReport{}, ErrInvalidManualPrice
	}
	start := time.Now()
	now := s.engine.Now()

	filter := model.OptionFilter{UserID: req.UserID, ID: req.TradeID, Status: model.StatusActive}
	if !req.Force && !req.IgnoreExpiry {
		filter.ExpiresBefore = &now
	}
	candidates, err := s.store.ListOptions(ctx, filter)
	if err != nil {
		return binary.SweepReport{}, fmt.Errorf("sweep candidates: %w", err)
	}

	resolve := func(ctx context.Context, id string, exit decimal.Decimal) (binary.Settlement, error) {
		return s.settle(ctx, id, "expiry", func(o *model.BinaryOption) (binary.Settlement, error) {
			return s.engine.Resolve(o, exit)
		})
	}
	report := s.engine.Sweep(ctx, now, candidates, req.SweepOptions, s.lookupPrice, resolve)

	metrics.SweepItems.WithLabelValues("resolved").Add(float64(len(report.Resolved)))
	metrics.SweepItems.WithLabelValues("skipped").Add(float64(len(report.Skipped)))
	metrics.SweepItems.WithLabelValues("failed").Add(float64(len(report.Failed)))
	metrics.ObserveSince("sweep", start)

	for _, f := range report.Skipped {
		s.log.Info("sweep item already settled", "option_id", f.OptionID)
	}
	for _, f := range report.Failed {
		s.log.Warn("sweep item not settled", "option_id", f.OptionID, "symbol", f.Symbol, "err", f.Err())
	}
	if report.Candidates > 0 {
		s.log.Info("sweep complete",
			"user_id", req.UserID,
			"candidates", report.Candidates,
			"resolved", len(report.Resolved),
			"skipped", len(report.Skipped),
			"failed", len(report.Failed),
		)
	}
	return report, nil
}

// VoidOption moves an ACTIVE option that cannot be priced to EXPIRED with
// no payout. Operator recovery only.
func (s *Service) VoidOption(ctx context.Context, id string) (binary.Settlement, error) {
	return s.settle(ctx, id, "void", s.engine.Expire)
}
