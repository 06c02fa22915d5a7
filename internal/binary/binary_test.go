package binary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ragunath041/cryptrade/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedEngine() *Engine {
	return NewEngine(WithClock(func() time.Time { return epoch }))
}

func newOption(t *testing.T, e *Engine, dir model.Direction, entry string) *model.BinaryOption {
	t.Helper()
	o, err := e.Create(CreateParams{
		UserID:        "user1",
		Symbol:        "BTC",
		Direction:     dir,
		Amount:        d("10"),
		ExpirySeconds: 60,
		EntryPrice:    d(entry),
	})
	require.NoError(t, err)
	return o
}

// --- Create ---

func TestCreate_Defaults(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	assert.Equal(t, model.StatusActive, o.Status)
	assert.True(t, o.ProfitPercentage.Equal(d("85")), "default profit should be 85, got %s", o.ProfitPercentage)
	assert.Equal(t, epoch.Add(60*time.Second), o.ExpiryTime)
	assert.Equal(t, epoch, o.CreatedAt)
	assert.Nil(t, o.ExitPrice)
	assert.Nil(t, o.PayoutAmount)
	assert.NotEmpty(t, o.ID)
}

func TestCreate_AllowedExpiries(t *testing.T) {
	e := fixedEngine()
	for _, secs := range []int{60, 300, 900, 3600} {
		o, err := e.Create(CreateParams{
			UserID: "u", Symbol: "ETH", Direction: model.DirectionDown,
			Amount: d("1"), ExpirySeconds: secs, EntryPrice: d("3000"),
		})
		require.NoError(t, err, "expiry %d", secs)
		assert.Equal(t, epoch.Add(time.Duration(secs)*time.Second), o.ExpiryTime)
	}
}

func TestCreate_Validation(t *testing.T) {
	e := fixedEngine()
	base := CreateParams{
		UserID: "u", Symbol: "BTC", Direction: model.DirectionUp,
		Amount: d("10"), ExpirySeconds: 60, EntryPrice: d("100"),
	}

	tests := []struct {
		name   string
		mutate func(*CreateParams)
		want   error
	}{
		{"expiry 120", func(p *CreateParams) { p.ExpirySeconds = 120 }, ErrInvalidExpiry},
		{"expiry 0", func(p *CreateParams) { p.ExpirySeconds = 0 }, ErrInvalidExpiry},
		{"zero amount", func(p *CreateParams) { p.Amount = decimal.Zero }, ErrInvalidAmount},
		{"negative amount", func(p *CreateParams) { p.Amount = d("-5") }, ErrInvalidAmount},
		{"sub-cent amount", func(p *CreateParams) { p.Amount = d("0.004") }, ErrAmountPrecision},
		{"three decimals", func(p *CreateParams) { p.Amount = d("10.005") }, ErrAmountPrecision},
		{"bad direction", func(p *CreateParams) { p.Direction = "SIDEWAYS" }, ErrInvalidDirection},
		{"zero entry", func(p *CreateParams) { p.EntryPrice = decimal.Zero }, ErrInvalidPrice},
		{"negative profit", func(p *CreateParams) { p.ProfitPercentage = d("-1") }, ErrInvalidProfit},
		{"huge profit", func(p *CreateParams) { p.ProfitPercentage = d("1001") }, ErrInvalidProfit},
		{"no user", func(p *CreateParams) { p.UserID = "" }, ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := e.Create(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

// --- Resolve ---

func TestResolve_UpWin(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	s, err := e.Resolve(o, d("101"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusWon, s.Status)
	assert.True(t, s.Payout.Equal(d("18.5")), "payout = %s", s.Payout)
	assert.Equal(t, model.StatusWon, o.Status)
	require.NotNil(t, o.ExitPrice)
	assert.True(t, o.ExitPrice.Equal(d("101")))
	require.NotNil(t, o.PayoutAmount)
	assert.True(t, o.PayoutAmount.Equal(d("18.5")))
	assert.NotNil(t, o.ResolvedAt)
	assert.False(t, s.Early)
}

func TestResolve_DownWinAndLoss(t *testing.T) {
	e := fixedEngine()

	win := newOption(t, e, model.DirectionDown, "100")
	s, err := e.Resolve(win, d("99.5"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusWon, s.Status)

	loss := newOption(t, e, model.DirectionDown, "100")
	s, err = e.Resolve(loss, d("100.01"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusLost, s.Status)
	assert.True(t, s.Payout.IsZero())
}

func TestResolve_DrawIsLoss(t *testing.T) {
	e := fixedEngine()
	for _, dir := range []model.Direction{model.DirectionUp, model.DirectionDown} {
		o := newOption(t, e, dir, "100")
		s, err := e.Resolve(o, d("100.000"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusLost, s.Status, "direction %s", dir)
		assert.True(t, s.Payout.IsZero(), "direction %s payout %s", dir, s.Payout)
	}
}

func TestResolve_TerminalRejected(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	_, err := e.Resolve(o, d("150"))
	require.NoError(t, err)

	snapshot := *o
	_, err = e.Resolve(o, d("50"))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	_, err = e.ResolveEarly(o, d("50"))
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = e.Expire(o)
	assert.ErrorIs(t, err, ErrNotActive)

	assert.Equal(t, snapshot, *o, "terminal option must not be mutated")
}

func TestResolve_NonPositiveExit(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	_, err := e.Resolve(o, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	assert.Equal(t, model.StatusActive, o.Status)
}

// --- Early close ---

func TestResolveEarly_Loss(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	s, err := e.ResolveEarly(o, d("99"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusLost, s.Status)
	assert.True(t, s.Payout.Equal(d("2.0")), "payout = %s", s.Payout)
	assert.True(t, s.Early)
}

func TestResolveEarly_Win(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	s, err := e.ResolveEarly(o, d("101"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusWon, s.Status)
	// 10 + 10 * (85 * 0.8) / 100 = 16.8
	assert.True(t, s.Payout.Equal(d("16.8")), "payout = %s", s.Payout)
}

func TestResolveEarly_DrawRefunds(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionDown, "100")

	s, err := e.ResolveEarly(o, d("100"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusLost, s.Status)
	assert.True(t, s.Payout.Equal(d("2")))
}

func TestPayout_Rounding(t *testing.T) {
	// 3.33 * 85 / 100 = 2.8305 -> 3.33 + 2.8305 = 6.1605 -> 6.16
	got := Payout(d("3.33"), d("85"), true)
	assert.True(t, got.Equal(d("6.16")), "got %s", got)
}

// --- Expire ---

func TestExpire(t *testing.T) {
	e := fixedEngine()
	o := newOption(t, e, model.DirectionUp, "100")

	s, err := e.Expire(o)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, s.Status)
	assert.True(t, s.Payout.IsZero())
	assert.Nil(t, o.ExitPrice)
	require.NotNil(t, o.PayoutAmount)
	assert.True(t, o.PayoutAmount.IsZero())
}

// --- Sweep ---

type sweepHarness struct {
	e        *Engine
	options  map[string]*model.BinaryOption
	lookups  map[string]int
	prices   map[string]decimal.Decimal
	failures map[string]error
}

func newHarness() *sweepHarness {
	return &sweepHarness{
		e:        fixedEngine(),
		options:  make(map[string]*model.BinaryOption),
		lookups:  make(map[string]int),
		prices:   make(map[string]decimal.Decimal),
		failures: make(map[string]error),
	}
}

func (h *sweepHarness) add(t *testing.T, symbol string, dir model.Direction, entry string, expiresAt time.Time) *model.BinaryOption {
	t.Helper()
	o, err := h.e.Create(CreateParams{
		UserID: "user1", Symbol: symbol, Direction: dir,
		Amount: d("10"), ExpirySeconds: 60, EntryPrice: d(entry),
	})
	require.NoError(t, err)
	o.ExpiryTime = expiresAt
	h.options[o.ID] = o
	return o
}

func (h *sweepHarness) candidates() []model.BinaryOption {
	out := make([]model.BinaryOption, 0, len(h.options))
	for _, o := range h.options {
		out = append(out, *o)
	}
	return out
}

func (h *sweepHarness) lookup(_ context.Context, symbol string) (decimal.Decimal, error) {
	h.lookups[symbol]++
	if err, ok := h.failures[symbol]; ok {
		return decimal.Zero, err
	}
	return h.prices[symbol], nil
}

func (h *sweepHarness) resolve(_ context.Context, id string, exit decimal.Decimal) (Settlement, error) {
	return h.e.Resolve(h.options[id], exit)
}

func (h *sweepHarness) sweep(opts SweepOptions) SweepReport {
	return h.e.Sweep(context.Background(), epoch, h.candidates(), opts, h.lookup, h.resolve)
}

func TestSweep_OnlyDueOptions(t *testing.T) {
	h := newHarness()
	due := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Second))
	exact := h.add(t, "BTC", model.DirectionUp, "100", epoch)
	future := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(time.Minute))
	h.prices["BTC"] = d("110")

	r := h.sweep(SweepOptions{})

	assert.Equal(t, 2, r.Candidates)
	assert.Len(t, r.Resolved, 2)
	assert.Empty(t, r.Failed)
	assert.Equal(t, model.StatusWon, due.Status)
	assert.Equal(t, model.StatusWon, exact.Status)
	assert.Equal(t, model.StatusActive, future.Status)
	assert.Equal(t, 1, h.lookups["BTC"], "price looked up once per symbol")
}

func TestSweep_ForceAndIgnoreExpiry(t *testing.T) {
	for _, opts := range []SweepOptions{{Force: true}, {IgnoreExpiry: true}} {
		h := newHarness()
		future := h.add(t, "ETH", model.DirectionDown, "100", epoch.Add(time.Hour))
		h.prices["ETH"] = d("90")

		r := h.sweep(opts)
		assert.Len(t, r.Resolved, 1)
		assert.Equal(t, model.StatusWon, future.Status)
	}
}

func TestSweep_ManualPriceOverridesEverySymbol(t *testing.T) {
	h := newHarness()
	btc := h.add(t, "BTC", model.DirectionUp, "40000", epoch.Add(-time.Minute))
	eth := h.add(t, "ETH", model.DirectionUp, "60000", epoch.Add(-time.Minute))
	h.failures["BTC"] = errors.New("feed down")
	h.failures["ETH"] = errors.New("feed down")

	manual := d("50000")
	r := h.sweep(SweepOptions{ManualPrice: &manual})

	assert.Len(t, r.Resolved, 2)
	assert.Empty(t, r.Failed)
	assert.Zero(t, h.lookups["BTC"]+h.lookups["ETH"])
	assert.True(t, btc.ExitPrice.Equal(manual))
	assert.True(t, eth.ExitPrice.Equal(manual))
	assert.Equal(t, model.StatusWon, btc.Status)
	assert.Equal(t, model.StatusLost, eth.Status)
}

func TestSweep_PerItemIsolation(t *testing.T) {
	h := newHarness()
	bad := h.add(t, "DOGE", model.DirectionUp, "0.1", epoch.Add(-time.Minute))
	good := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	h.failures["DOGE"] = errors.New("timeout")
	h.prices["BTC"] = d("99")

	r := h.sweep(SweepOptions{})

	require.Len(t, r.Failed, 1)
	assert.Equal(t, bad.ID, r.Failed[0].OptionID)
	assert.Contains(t, r.Failed[0].Error, "timeout")
	assert.Len(t, r.Resolved, 1)
	assert.Equal(t, model.StatusActive, bad.Status, "failed option stays active for the next pass")
	assert.Equal(t, model.StatusLost, good.Status)
}

func TestSweep_TradeID(t *testing.T) {
	h := newHarness()
	a := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	b := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	h.prices["BTC"] = d("101")

	r := h.sweep(SweepOptions{TradeID: a.ID})

	assert.Len(t, r.Resolved, 1)
	assert.Equal(t, model.StatusWon, a.Status)
	assert.Equal(t, model.StatusActive, b.Status)
}

func TestSweep_TradeIDRespectsExpiryWithoutForce(t *testing.T) {
	h := newHarness()
	o := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(time.Minute))
	h.prices["BTC"] = d("101")

	r := h.sweep(SweepOptions{TradeID: o.ID})
	assert.Zero(t, r.Candidates)
	assert.Equal(t, model.StatusActive, o.Status)
}

func TestSweep_ForceNeverTouchesTerminal(t *testing.T) {
	h := newHarness()
	o := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	_, err := h.e.Resolve(o, d("150"))
	require.NoError(t, err)
	snapshot := *o

	manual := d("1")
	r := h.sweep(SweepOptions{Force: true, IgnoreExpiry: true, TradeID: o.ID, ManualPrice: &manual})

	assert.Zero(t, r.Candidates)
	assert.Empty(t, r.Resolved)
	assert.Equal(t, snapshot, *o)
}

func TestSweep_AlreadySettledIsSkipped(t *testing.T) {
	h := newHarness()
	o := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	h.prices["BTC"] = d("101")
	candidates := h.candidates()

	// Resolved concurrently between listing and settlement.
	_, err := h.e.Resolve(o, d("102"))
	require.NoError(t, err)

	r := h.e.Sweep(context.Background(), epoch, candidates, SweepOptions{}, h.lookup, h.resolve)
	assert.Empty(t, r.Failed)
	require.Len(t, r.Skipped, 1)
	assert.Equal(t, o.ID, r.Skipped[0].OptionID)
	assert.ErrorIs(t, r.Skipped[0].Err(), ErrNotActive)
	assert.True(t, o.ExitPrice.Equal(d("102")))
}

func TestSweep_CancelledContext(t *testing.T) {
	h := newHarness()
	o := h.add(t, "BTC", model.DirectionUp, "100", epoch.Add(-time.Minute))
	h.prices["BTC"] = d("101")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.e.Sweep(ctx, epoch, h.candidates(), SweepOptions{}, h.lookup, h.resolve)

	assert.Len(t, r.Failed, 1)
	assert.Equal(t, model.StatusActive, o.Status)
}
