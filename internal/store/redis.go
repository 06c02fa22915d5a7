package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Transactional reads always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cache(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	wrapped := &cachedTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		wrapped.Tx = tx
		return fn(wrapped)
	})
	if err != nil {
		return err
	}
	// Invalidate after commit; next read will re-populate.
	if keys := wrapped.keys(); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.lookup(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertSpotTrade(ctx context.Context, t *model.SpotTrade) error {
	return s.primary.InsertSpotTrade(ctx, t)
}

func (s *CachedStore) ListSpotTrades(ctx context.Context, userID string) ([]model.SpotTrade, error) {
	return s.primary.ListSpotTrades(ctx, userID)
}

func (s *CachedStore) InsertOption(ctx context.Context, o *model.BinaryOption) error {
	return s.primary.InsertOption(ctx, o)
}

func (s *CachedStore) GetOption(ctx context.Context, id string) (*model.BinaryOption, error) {
	return s.primary.GetOption(ctx, id)
}

func (s *CachedStore) ListOptions(ctx context.Context, f model.OptionFilter) ([]model.BinaryOption, error) {
	return s.primary.ListOptions(ctx, f)
}

func (s *CachedStore) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	return s.primary.CreateAPIKey(ctx, k)
}

func (s *CachedStore) GetAPIKey(ctx context.Context, userID, id string) (*model.APIKey, error) {
	return s.primary.GetAPIKey(ctx, userID, id)
}

func (s *CachedStore) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	return s.primary.ListAPIKeys(ctx, userID)
}

func (s *CachedStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	return s.primary.DeleteAPIKey(ctx, userID, id)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// cachedTx records which cached rows a transaction wrote.
type cachedTx struct {
	Tx

	mu      sync.Mutex
	touched map[string]struct{}
}

func (t *cachedTx) touch(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.touched == nil {
		t.touched = make(map[string]struct{})
	}
	t.touched[key] = struct{}{}
}

func (t *cachedTx) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.touched))
	for k := range t.touched {
		keys = append(keys, k)
	}
	return keys
}

func (t *cachedTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	t.touch(userKey(userID))
	return t.Tx.Credit(ctx, userID, amount)
}

func (t *cachedTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.touch(positionsKey(p.UserID))
	return t.Tx.SavePosition(ctx, p)
}

func (t *cachedTx) GetPositionForUpdate(ctx context.Context, userID, symbol string) (*model.Position, error) {
	// A lazily created row changes the listing even if never saved.
	t.touch(positionsKey(userID))
	return t.Tx.GetPositionForUpdate(ctx, userID, symbol)
}

func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
