package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

// CachedSource memoises Price results for a short TTL. History is passed
// through. Use it for quote boards, never for settlement.
type CachedSource struct {
	src   Source
	cache *ristretto.Cache
	ttl   time.Duration
}

var _ Source = (*CachedSource)(nil)

// NewCachedSource wraps src. A non-positive ttl disables caching.
func NewCachedSource(src Source, ttl time.Duration) (*CachedSource, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pricefeed: create quote cache: %w", err)
	}
	return &CachedSource{src: src, cache: c, ttl: ttl}, nil
}

func (c *CachedSource) Price(ctx context.Context, sym string) (decimal.Decimal, error) {
	key := strings.ToUpper(sym)
	if c.ttl > 0 {
		if v, ok := c.cache.Get(key); ok {
			if p, ok := v.(decimal.Decimal); ok {
				return p, nil
			}
		}
	}

	p, err := c.src.Price(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, p, 1, c.ttl)
	}
	return p, nil
}

func (c *CachedSource) History(ctx context.Context, sym, interval string, start, end time.Time) ([]model.PricePoint, error) {
	return c.src.History(ctx, sym, interval, start, end)
}

// Wait blocks until pending cache writes are applied.
func (c *CachedSource) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *CachedSource) Close() { c.cache.Close() }
