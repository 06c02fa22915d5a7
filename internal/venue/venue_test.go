package venue_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

type fixedSource struct{ price decimal.Decimal }

func (f fixedSource) Price(context.Context, string) (decimal.Decimal, error) { return f.price, nil }

func (f fixedSource) History(context.Context, string, string, time.Time, time.Time) ([]model.PricePoint, error) {
	return nil, nil
}

func TestPublicFeed_SimulatedFill(t *testing.T) {
	v := venue.NewPublicFeed(fixedSource{price: decimal.NewFromInt(42)})

	fill, err := v.PlaceOrder(context.Background(), "BTC", model.SideBuy, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, model.ExchangePublic, fill.Exchange)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(42)))
	assert.True(t, fill.Quantity.Equal(decimal.NewFromInt(3)))

	_, err = v.FetchBalance(context.Background())
	assert.ErrorIs(t, err, venue.ErrBalanceUnsupported)
}

func TestRegistry_ForKey(t *testing.T) {
	reg := venue.NewRegistry(venue.NewPublicFeed(fixedSource{}))
	reg.Register("binance", venue.BinanceFactory("USDT"))

	assert.True(t, reg.Supported("BINANCE"))
	assert.Equal(t, []string{"BINANCE"}, reg.Exchanges())

	v, err := reg.ForKey(model.APIKey{ID: "k", Exchange: "BINANCE", Key: "a", Secret: "b", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, "BINANCE", v.Name())

	_, err = reg.ForKey(model.APIKey{ID: "k", Exchange: "KRAKEN", IsActive: true})
	assert.ErrorIs(t, err, venue.ErrUnsupportedExchange)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = reg.ForKey(model.APIKey{ID: "k", Exchange: "BINANCE", IsActive: false})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAuthenticatedExchange_PlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/order":
			assert.Equal(t, "SOLUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "SELL", r.URL.Query().Get("side"))
			_, _ = w.Write([]byte(`{"orderId":1,"status":"FILLED","executedQty":"4",
				"cummulativeQuoteQty":"80","fills":[{"price":"20","qty":"4"}]}`))
		case "/api/v3/account":
			_, _ = w.Write([]byte(`{"balances":[{"asset":"SOL","free":"4","locked":"1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v := venue.NewBinanceExchange("key", "secret", "USDT", binance.WithBaseURL(srv.URL))

	fill, err := v.PlaceOrder(context.Background(), "SOL", model.SideSell, decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.Equal(t, "BINANCE", fill.Exchange)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(20)))

	holdings, err := v.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Total().Equal(decimal.NewFromInt(5)))
}

func TestAuthenticatedExchange_UnfilledOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":2,"status":"EXPIRED","executedQty":"0","cummulativeQuoteQty":"0","fills":[]}`))
	}))
	defer srv.Close()

	v := venue.NewBinanceExchange("key", "secret", "USDT", binance.WithBaseURL(srv.URL))
	_, err := v.PlaceOrder(context.Background(), "SOL", model.SideBuy, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, venue.ErrNoFill)
	assert.ErrorIs(t, err, model.ErrUpstream)
}
