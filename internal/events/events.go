// Package events publishes settlement events (trades executed, options
// opened and resolved) to downstream consumers.
//
// Publishing happens after the owning transaction commits and is best
// effort: a publish failure is logged and never rolls back settlement.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event types.
const (
	TradeExecuted  = "trade.executed"
	OptionOpened   = "option.opened"
	OptionResolved = "option.resolved"
	BalanceCredit  = "balance.credited"
)

// Event is one settlement fact.
type Event struct {
	Type    string    `json:"type"`
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Symbol  string    `json:"symbol,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, log *slog.Logger, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		log.Warn("event publish failed", "type", e.Type, "id", e.ID, "err", err)
	}
}
