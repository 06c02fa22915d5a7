package settlement_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/settlement"
	"github.com/Ragunath041/cryptrade/internal/store"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func TestExecuteSpotTrade_WeightedAverage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "alice", "1000")

	res, err := h.svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
		UserID: "alice", Symbol: "BTC", Side: "buy", Quantity: d("1"), Price: ptr(d("100")),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ExchangePublic, res.Trade.Exchange)
	assert.True(t, res.Trade.TotalAmount.Equal(d("100")))

	h.prices.set("BTC", "200")
	res, err = h.svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
		UserID: "alice", Symbol: "BTC/USDT", Side: model.SideBuy, Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Trade.Price.Equal(d("200")), "priced by the public feed")
	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Quantity.Equal(d("2")))
	assert.True(t, res.Position.AverageBuyPrice.Equal(d("150")))

	res, err = h.svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
		UserID: "alice", Symbol: "BTC", Side: model.SideSell, Quantity: d("5"), Price: ptr(d("300")),
	})
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.IsZero(), "oversell clamps to zero")
	assert.True(t, res.Position.AverageBuyPrice.Equal(d("150")))

	assert.True(t, h.balance(t, "alice").Equal(d("1000")), "spot trades do not move the balance")

	trades, err := h.svc.ListSpotTrades(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, model.SideSell, trades[0].Side, "newest first")
}

func TestExecuteSpotTrade_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "bob", "0")

	cases := []struct {
		name string
		req  settlement.SpotTradeRequest
	}{
		{"bad side", settlement.SpotTradeRequest{UserID: "bob", Symbol: "BTC", Side: "HOLD", Quantity: d("1")}},
		{"zero quantity", settlement.SpotTradeRequest{UserID: "bob", Symbol: "BTC", Side: "BUY", Quantity: d("0")}},
		{"negative price", settlement.SpotTradeRequest{UserID: "bob", Symbol: "BTC", Side: "BUY", Quantity: d("1"), Price: ptr(d("-1"))}},
		{"bad symbol", settlement.SpotTradeRequest{UserID: "bob", Symbol: "??", Side: "BUY", Quantity: d("1")}},
		{"price with key", settlement.SpotTradeRequest{UserID: "bob", Symbol: "BTC", Side: "BUY", Quantity: d("1"), Price: ptr(d("1")), APIKeyID: "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ExecuteSpotTrade(ctx, tc.req)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	trades, err := h.svc.ListSpotTrades(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecuteSpotTrade_FeedFailureIsUpstream(t *testing.T) {
	h := newHarness(t)
	h.user(t, "carl", "0")
	h.prices.fail("ETH", errors.New("dial tcp: i/o timeout"))

	_, err := h.svc.ExecuteSpotTrade(context.Background(), settlement.SpotTradeRequest{
		UserID: "carl", Symbol: "ETH", Side: model.SideBuy, Quantity: d("1"),
	})
	assert.ErrorIs(t, err, model.ErrUpstream)
}

// brokenTxStore records trades but fails every transaction.
type brokenTxStore struct {
	*store.MemoryStore
}

func (brokenTxStore) WithTx(context.Context, func(store.Tx) error) error {
	return errors.New("connection lost")
}

func TestExecuteSpotTrade_PortfolioFailureKeepsTrade(t *testing.T) {
	st := brokenTxStore{store.NewMemoryStore()}
	prices := newFakePrices()
	svc := settlement.New(st, prices, venue.NewRegistry(venue.NewPublicFeed(prices)))
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "dora"}))

	res, err := svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
		UserID: "dora", Symbol: "ADA", Side: model.SideBuy, Quantity: d("10"), Price: ptr(d("0.5")),
	})
	require.NoError(t, err)
	assert.Nil(t, res.Position)

	trades, err := st.ListSpotTrades(ctx, "dora")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, res.Trade.ID, trades[0].ID)
}

func TestResyncPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "eve", "0")

	for _, p := range []string{"100", "300"} {
		_, err := h.svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
			UserID: "eve", Symbol: "ETH", Side: model.SideBuy, Quantity: d("1"), Price: ptr(d(p)),
		})
		require.NoError(t, err)
	}

	// Corrupt the cached position, then rebuild it from the log.
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, "eve", "ETH")
		if err != nil {
			return err
		}
		p.Quantity = d("99")
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		stray, err := tx.GetPositionForUpdate(ctx, "eve", "DOGE")
		if err != nil {
			return err
		}
		stray.Quantity = d("5")
		return tx.SavePosition(ctx, stray)
	}))

	positions, err := h.svc.ResyncPositions(ctx, "eve")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "DOGE", positions[0].Symbol)
	assert.True(t, positions[0].Quantity.IsZero())
	assert.Equal(t, "ETH", positions[1].Symbol)
	assert.True(t, positions[1].Quantity.Equal(d("2")))
	assert.True(t, positions[1].AverageBuyPrice.Equal(d("200")))
}

func TestPortfolioValue_PublicQuotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.user(t, "finn", "0")
	for _, sym := range []string{"BTC", "ETH"} {
		_, err := h.svc.ExecuteSpotTrade(ctx, settlement.SpotTradeRequest{
			UserID: "finn", Symbol: sym, Side: model.SideBuy, Quantity: d("2"), Price: ptr(d("10")),
		})
		require.NoError(t, err)
	}
	h.prices.set("BTC", "100")
	h.prices.fail("ETH", errors.New("no route"))

	pv, err := h.svc.PortfolioValue(ctx, "finn")
	require.NoError(t, err)
	assert.Equal(t, settlement.SourcePublic, pv.Source)
	assert.True(t, pv.TotalValue.Equal(d("200")), "ETH is skipped, got %s", pv.TotalValue)
	require.Len(t, pv.Holdings, 1)
}

func newExchange(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/order":
			_, _ = w.Write([]byte(`{"orderId":7,"symbol":"SOLUSDT","status":"FILLED","executedQty":"2",
				"cummulativeQuoteQty":"42","fills":[{"price":"21","qty":"2"}]}`))
		case "/api/v3/account":
			_, _ = w.Write([]byte(`{"balances":[{"asset":"SOL","free":"3","locked":"1"},
				{"asset":"USDT","free":"500","locked":"0"},{"asset":"BNB","free":"0","locked":"0"}]}`))
		case "/api/v3/ticker/price":
			_, _ = w.Write([]byte(`{"symbol":"` + r.URL.Query().Get("symbol") + `","price":"25"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newExchangeHarness(t *testing.T) (*harness, string) {
	t.Helper()
	srv := newExchange(t)
	h := newHarness(t)
	reg := venue.NewRegistry(venue.NewPublicFeed(h.prices))
	reg.Register("BINANCE", venue.BinanceFactory("USDT", binance.WithBaseURL(srv.URL)))
	h.svc = settlement.New(h.store, h.prices, reg)

	h.user(t, "gus", "0")
	key, err := h.svc.CreateAPIKey(context.Background(), settlement.CreateAPIKeyRequest{
		UserID: "gus", Exchange: "binance", Key: "k", Secret: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, "BINANCE", key.Exchange)
	return h, key.ID
}

func TestExecuteSpotTrade_AuthenticatedExchange(t *testing.T) {
	h, keyID := newExchangeHarness(t)

	res, err := h.svc.ExecuteSpotTrade(context.Background(), settlement.SpotTradeRequest{
		UserID: "gus", Symbol: "SOL", Side: model.SideBuy, Quantity: d("2"), APIKeyID: keyID,
	})
	require.NoError(t, err)
	assert.Equal(t, "BINANCE", res.Trade.Exchange)
	assert.True(t, res.Trade.Price.Equal(d("21")))
	assert.True(t, res.Trade.TotalAmount.Equal(d("42")))

	_, err = h.svc.ExecuteSpotTrade(context.Background(), settlement.SpotTradeRequest{
		UserID: "gus", Symbol: "SOL", Side: model.SideBuy, Quantity: d("2"), APIKeyID: "missing",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPortfolioValue_ExchangeBalances(t *testing.T) {
	h, _ := newExchangeHarness(t)

	pv, err := h.svc.PortfolioValue(context.Background(), "gus")
	require.NoError(t, err)
	assert.Equal(t, settlement.SourceExchange, pv.Source)
	assert.True(t, pv.TotalValue.Equal(d("100")), "4 SOL at 25, quote asset excluded")
}

func TestSyncFromExchange(t *testing.T) {
	h, keyID := newExchangeHarness(t)
	ctx := context.Background()

	synced, err := h.svc.SyncFromExchange(ctx, "gus", keyID)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, "SOL", synced[0].Symbol)

	positions, err := h.svc.Positions(ctx, "gus")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(d("4")))
	assert.True(t, positions[0].AverageBuyPrice.Equal(d("25")))

	holdings, err := h.svc.TestAPIKey(ctx, "gus", keyID)
	require.NoError(t, err)
	assert.Len(t, holdings, 2)
}

func TestCreateAPIKey_Rules(t *testing.T) {
	h, _ := newExchangeHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateAPIKey(ctx, settlement.CreateAPIKeyRequest{UserID: "gus", Exchange: "BINANCE", Key: "k2", Secret: "s2"})
	assert.ErrorIs(t, err, model.ErrStateConflict, "one key per exchange")

	_, err = h.svc.CreateAPIKey(ctx, settlement.CreateAPIKeyRequest{UserID: "gus", Exchange: "KRAKEN", Key: "k", Secret: "s"})
	assert.ErrorIs(t, err, venue.ErrUnsupportedExchange)

	keys, err := h.svc.ListAPIKeys(ctx, "gus")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, h.svc.DeleteAPIKey(ctx, "gus", keys[0].ID))
	assert.ErrorIs(t, h.svc.DeleteAPIKey(ctx, "gus", keys[0].ID), model.ErrNotFound)
}
