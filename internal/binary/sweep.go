package binary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

// SweepOptions is the operational override surface of a sweep pass.
type SweepOptions struct {
	// Force and IgnoreExpiry both bypass the expiry_time filter.
	Force        bool
	IgnoreExpiry bool

	// ManualPrice, when set, replaces the price lookup for every candidate.
	ManualPrice *decimal.Decimal

	// TradeID restricts the pass to a single option.
	TradeID string
}

// PriceLookup returns the current price of symbol.
type PriceLookup func(ctx context.Context, symbol string) (decimal.Decimal, error)

// Resolver persists the resolution of one option at exit. It must re-check
// that the option is still ACTIVE under lock.
type Resolver func(ctx context.Context, optionID string, exit decimal.Decimal) (Settlement, error)

// SweepFailure is one candidate the pass could not settle. The option stays
// ACTIVE and is retried on the next pass.
type SweepFailure struct {
	OptionID string `json:"id"`
	Symbol   string `json:"symbol"`
	Error    string `json:"error"`
	err      error
}

// Err returns the underlying error.
func (f SweepFailure) Err() error { return f.err }

// SweepReport summarises a sweep pass. Skipped holds candidates another
// path settled first; they need no retry.
type SweepReport struct {
	Candidates int            `json:"candidates"`
	Resolved   []Settlement   `json:"updated_trades"`
	Skipped    []SweepFailure `json:"skipped_trades"`
	Failed     []SweepFailure `json:"failed_trades"`
}

// Selected reports whether o is due for settlement at now under opts.
// Terminal options are never selected, whatever the overrides.
func Selected(o model.BinaryOption, now time.Time, opts SweepOptions) bool {
	if o.Status != model.StatusActive {
		return false
	}
	if opts.TradeID != "" && o.ID != opts.TradeID {
		return false
	}
	if opts.Force || opts.IgnoreExpiry {
		return true
	}
	return !o.ExpiryTime.After(now)
}

// Sweep settles every selected candidate. Errors are isolated per option: a
// failed price lookup or resolution is recorded in the report and the pass
// moves on. Prices are looked up once per symbol per pass.
func (e *Engine) Sweep(
	ctx context.Context,
	now time.Time,
	candidates []model.BinaryOption,
	opts SweepOptions,
	lookup PriceLookup,
	resolve Resolver,
) SweepReport {
	report := SweepReport{
		Resolved: []Settlement{},
		Skipped:  []SweepFailure{},
		Failed:   []SweepFailure{},
	}

	type quote struct {
		price decimal.Decimal
		err   error
	}
	quotes := make(map[string]quote)

	for _, o := range candidates {
		if !Selected(o, now, opts) {
			continue
		}
		report.Candidates++

		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, failure(o, err))
			continue
		}

		var exit decimal.Decimal
		if opts.ManualPrice != nil {
			exit = *opts.ManualPrice
		} else {
			q, ok := quotes[o.Symbol]
			if !ok {
				q.price, q.err = lookup(ctx, o.Symbol)
				quotes[o.Symbol] = q
			}
			if q.err != nil {
				report.Failed = append(report.Failed, failure(o, fmt.Errorf("price %s: %w", o.Symbol, q.err)))
				continue
			}
			exit = q.price
		}

		s, err := resolve(ctx, o.ID, exit)
		if errors.Is(err, ErrNotActive) {
			report.Skipped = append(report.Skipped, failure(o, err))
			continue
		}
		if err != nil {
			report.Failed = append(report.Failed, failure(o, err))
			continue
		}
		report.Resolved = append(report.Resolved, s)
	}

	return report
}

func failure(o model.BinaryOption, err error) SweepFailure {
	return SweepFailure{OptionID: o.ID, Symbol: o.Symbol, Error: err.Error(), err: err}
}
