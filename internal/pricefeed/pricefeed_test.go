package pricefeed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/pricefeed"
)

func newFeed(t *testing.T, handler http.HandlerFunc) *pricefeed.Binance {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return pricefeed.NewBinance(binance.NewClient(binance.WithBaseURL(srv.URL)), "USDT")
}

func TestBinance_PriceAppendsQuote(t *testing.T) {
	feed := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3000.10"}`))
	})

	for _, in := range []string{"ETH", "eth", "ETH/USDT", "ETHUSDT"} {
		p, err := feed.Price(context.Background(), in)
		require.NoError(t, err, in)
		assert.True(t, p.Equal(decimal.RequireFromString("3000.1")), in)
	}
}

func TestBinance_InvalidSymbolRejectedLocally(t *testing.T) {
	feed := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := feed.Price(context.Background(), "not a symbol!")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestBinance_History(t *testing.T) {
	feed := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`[[1704067200000,"1","2","0.5","1.5","10",0,"0",1,"0","0","0"]]`))
	})

	points, err := feed.History(context.Background(), "BTC", "1h", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].High.Equal(decimal.NewFromInt(2)))

	_, err = feed.History(context.Background(), "BTC", "7m", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, pricefeed.ErrInvalidInterval)

	now := time.Now()
	_, err = feed.History(context.Background(), "BTC", "1h", now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, model.ErrValidation)
}

// stubSource counts calls and fails for configured symbols.
type stubSource struct {
	calls  atomic.Int32
	prices map[string]decimal.Decimal
}

func (s *stubSource) Price(_ context.Context, sym string) (decimal.Decimal, error) {
	s.calls.Add(1)
	p, ok := s.prices[sym]
	if !ok {
		return decimal.Zero, errors.Join(model.ErrUpstream, errors.New("no price"))
	}
	return p, nil
}

func (s *stubSource) History(context.Context, string, string, time.Time, time.Time) ([]model.PricePoint, error) {
	return nil, nil
}

func TestCachedSource_ServesWithinTTL(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(50000)}}
	cached, err := pricefeed.NewCachedSource(src, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Price(context.Background(), "BTC")
	require.NoError(t, err)
	cached.Wait()

	p, err := cached.Price(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCachedSource_ErrorsAreNotCached(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{}}
	cached, err := pricefeed.NewCachedSource(src, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Price(context.Background(), "BTC")
	assert.ErrorIs(t, err, model.ErrUpstream)
	cached.Wait()
	_, _ = cached.Price(context.Background(), "BTC")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestQuotes_SkipsFailures(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(50000),
		"ETH": decimal.NewFromInt(3000),
	}}

	prices, err := pricefeed.Quotes(context.Background(), src, []string{"btc", "ETH", "DOGE"})
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.Contains(t, prices, "BTC")

	_, err = pricefeed.Quotes(context.Background(), src, []string{"DOGE"})
	assert.ErrorIs(t, err, model.ErrUpstream)
}
