// Package portfolio maintains per-user, per-symbol holdings and the running
// weighted-average buy price from a stream of spot trades.
//
// Positions are a derived cache of the trade log: the trade is authoritative
// and a position can always be rebuilt from it.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/store"
)

// Apply folds one validated fill into p and returns the result. Quantity and
// price must be positive.
//
//	BUY:  qty' = qty + q, avg' = (qty*avg + q*price) / qty'
//	SELL: qty' = max(0, qty - q), avg unchanged
func Apply(p model.Position, side model.Side, quantity, price decimal.Decimal) model.Position {
	switch side {
	case model.SideBuy:
		newQty := p.Quantity.Add(quantity)
		if newQty.IsPositive() {
			cost := p.Quantity.Mul(p.AverageBuyPrice).Add(quantity.Mul(price))
			p.AverageBuyPrice = cost.Div(newQty)
		} else {
			p.AverageBuyPrice = decimal.Zero
		}
		p.Quantity = newQty
	case model.SideSell:
		newQty := p.Quantity.Sub(quantity)
		if newQty.IsNegative() {
			newQty = decimal.Zero
		}
		p.Quantity = newQty
	}
	return p
}

// Rebuild replays trades in timestamp order and returns the resulting
// positions keyed by symbol.
func Rebuild(userID string, trades []model.SpotTrade) map[string]model.Position {
	sorted := make([]model.SpotTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	positions := make(map[string]model.Position)
	for _, t := range sorted {
		if t.UserID != userID {
			continue
		}
		p, ok := positions[t.Symbol]
		if !ok {
			p = model.Position{UserID: userID, Symbol: t.Symbol}
		}
		p = Apply(p, t.Side, t.Quantity, t.Price)
		p.UpdatedAt = t.Timestamp
		positions[t.Symbol] = p
	}
	return positions
}

// Accountant persists position updates. Each update is a locked
// read-modify-write of one (user, symbol) row, so concurrent fills on the
// same symbol serialise and fills on different symbols do not.
type Accountant struct {
	store store.Store
	now   func() time.Time
}

// NewAccountant creates an accountant over st.
func NewAccountant(st store.Store) *Accountant {
	return &Accountant{store: st, now: time.Now}
}

// ApplyTrade updates the trade's position and returns it.
func (a *Accountant) ApplyTrade(ctx context.Context, t *model.SpotTrade) (*model.Position, error) {
	var updated model.Position
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, t.UserID, t.Symbol)
		if err != nil {
			return err
		}
		updated = Apply(*p, t.Side, t.Quantity, t.Price)
		updated.UpdatedAt = a.now().UTC()
		return tx.SavePosition(ctx, &updated)
	})
	if err != nil {
		return nil, fmt.Errorf("apply trade %s to position %s/%s: %w", t.ID, t.UserID, t.Symbol, err)
	}
	return &updated, nil
}

// Overwrite replaces positions wholesale, e.g. after a rebuild from the
// trade log or a sync from exchange balances.
func (a *Accountant) Overwrite(ctx context.Context, positions []model.Position) error {
	// Lock rows in a fixed order so two overwrites cannot deadlock.
	ordered := make([]model.Position, len(positions))
	copy(ordered, positions)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].UserID != ordered[j].UserID {
			return ordered[i].UserID < ordered[j].UserID
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	return a.store.WithTx(ctx, func(tx store.Tx) error {
		for i := range ordered {
			p := ordered[i]
			if _, err := tx.GetPositionForUpdate(ctx, p.UserID, p.Symbol); err != nil {
				return err
			}
			if p.UpdatedAt.IsZero() {
				p.UpdatedAt = a.now().UTC()
			}
			if err := tx.SavePosition(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
}
