package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions lock rows with per-key locks and stage their writes; staged
// writes are applied under the data mutex on commit, so readers never see a
// half-applied settlement.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	trades    []model.SpotTrade
	positions map[positionKey]*model.Position
	options   map[string]*model.BinaryOption
	apiKeys   map[string]*model.APIKey

	locks *keyedLocks
}

type positionKey struct {
	userID string
	symbol string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		positions: make(map[positionKey]*model.Position),
		options:   make(map[string]*model.BinaryOption),
		apiKeys:   make(map[string]*model.APIKey),
		locks:     newKeyedLocks(),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicateKey, u.ID)
	}
	for _, existing := range s.users {
		if u.Email != "" && existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", ErrDuplicateKey, u.Email)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) InsertSpotTrade(_ context.Context, t *model.SpotTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[t.UserID]; !ok {
		return fmt.Errorf("user %s: %w", t.UserID, ErrNotFound)
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListSpotTrades(_ context.Context, userID string) ([]model.SpotTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.SpotTrade{}
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Position{}
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) InsertOption(_ context.Context, o *model.BinaryOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[o.UserID]; !ok {
		return fmt.Errorf("user %s: %w", o.UserID, ErrNotFound)
	}
	if _, ok := s.options[o.ID]; ok {
		return fmt.Errorf("%w: option %s", ErrDuplicateKey, o.ID)
	}
	s.options[o.ID] = cloneOption(o)
	return nil
}

func (s *MemoryStore) GetOption(_ context.Context, id string) (*model.BinaryOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.options[id]
	if !ok {
		return nil, fmt.Errorf("option %s: %w", id, ErrNotFound)
	}
	return cloneOption(o), nil
}

func (s *MemoryStore) ListOptions(_ context.Context, f model.OptionFilter) ([]model.BinaryOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.BinaryOption{}
	for _, o := range s.options {
		if MatchOption(f, o) {
			result = append(result, *cloneOption(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, k *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[k.UserID]; !ok {
		return fmt.Errorf("user %s: %w", k.UserID, ErrNotFound)
	}
	for _, existing := range s.apiKeys {
		if existing.UserID == k.UserID && existing.Exchange == k.Exchange {
			return fmt.Errorf("%w: api key for %s", ErrDuplicateKey, k.Exchange)
		}
	}
	cp := *k
	s.apiKeys[k.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, userID, id string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID {
		return nil, fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, userID string) ([]model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.APIKey{}
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			result = append(result, *k)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteAPIKey(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	delete(s.apiKeys, id)
	return nil
}

// WithTx runs fn with a transaction that locks rows on first touch and
// applies its staged writes atomically when fn returns nil. Locks are
// released after the commit, or immediately on error.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]bool),
		options:   make(map[string]*model.BinaryOption),
		users:     make(map[string]*model.User),
		positions: make(map[positionKey]*model.Position),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range tx.options {
		s.options[id] = o
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	return nil
}

// MatchOption reports whether o satisfies every set field of f.
func MatchOption(f model.OptionFilter, o *model.BinaryOption) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.ID != "" && o.ID != f.ID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Terminal && !o.Status.Terminal() {
		return false
	}
	if f.ExpiresBefore != nil && o.ExpiryTime.After(*f.ExpiresBefore) {
		return false
	}
	if f.ExpiresAfter != nil && !o.ExpiryTime.After(*f.ExpiresAfter) {
		return false
	}
	if f.CreatedAfter != nil && o.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	return true
}

func cloneOption(o *model.BinaryOption) *model.BinaryOption {
	cp := *o
	if o.ExitPrice != nil {
		v := *o.ExitPrice
		cp.ExitPrice = &v
	}
	if o.PayoutAmount != nil {
		v := *o.PayoutAmount
		cp.PayoutAmount = &v
	}
	if o.ResolvedAt != nil {
		v := *o.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}

// memTx stages writes until WithTx commits them.
type memTx struct {
	s    *MemoryStore
	held map[string]bool

	options   map[string]*model.BinaryOption
	users     map[string]*model.User
	positions map[positionKey]*model.Position
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.s.locks.Lock(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	return nil
}

func (tx *memTx) release() {
	for key := range tx.held {
		tx.s.locks.Unlock(key)
	}
	tx.held = nil
}

func (tx *memTx) GetOptionForUpdate(ctx context.Context, id string) (*model.BinaryOption, error) {
	if err := tx.lock(ctx, optionLockKey(id)); err != nil {
		return nil, err
	}
	if o, ok := tx.options[id]; ok {
		return cloneOption(o), nil
	}

	tx.s.mu.RLock()
	o, ok := tx.s.options[id]
	if ok {
		o = cloneOption(o)
	}
	tx.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("option %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (tx *memTx) UpdateOption(_ context.Context, o *model.BinaryOption) error {
	if !tx.held[optionLockKey(o.ID)] {
		return fmt.Errorf("option %s: %w", o.ID, ErrNotLocked)
	}
	tx.options[o.ID] = cloneOption(o)
	return nil
}

func (tx *memTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := tx.lock(ctx, userLockKey(userID)); err != nil {
		return decimal.Zero, err
	}

	u, ok := tx.users[userID]
	if !ok {
		tx.s.mu.RLock()
		current, found := tx.s.users[userID]
		if found {
			cp := *current
			u = &cp
		}
		tx.s.mu.RUnlock()
		if !found {
			return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		tx.users[userID] = u
	}
	u.Balance = u.Balance.Add(amount)
	return u.Balance, nil
}

func (tx *memTx) GetPositionForUpdate(ctx context.Context, userID, symbol string) (*model.Position, error) {
	key := positionKey{userID: userID, symbol: symbol}
	if err := tx.lock(ctx, positionLockKey(key)); err != nil {
		return nil, err
	}
	if p, ok := tx.positions[key]; ok {
		cp := *p
		return &cp, nil
	}

	tx.s.mu.RLock()
	p, ok := tx.s.positions[key]
	var cp model.Position
	if ok {
		cp = *p
	}
	tx.s.mu.RUnlock()

	if !ok {
		cp = model.Position{UserID: userID, Symbol: symbol, UpdatedAt: time.Now().UTC()}
		staged := cp
		tx.positions[key] = &staged
	}
	return &cp, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	key := positionKey{userID: p.UserID, symbol: p.Symbol}
	if !tx.held[positionLockKey(key)] {
		return fmt.Errorf("position %s/%s: %w", p.UserID, p.Symbol, ErrNotLocked)
	}
	cp := *p
	tx.positions[key] = &cp
	return nil
}

func optionLockKey(id string) string       { return "option:" + id }
func userLockKey(id string) string         { return "user:" + id }
func positionLockKey(k positionKey) string { return "position:" + k.userID + ":" + k.symbol }

// keyedLocks is a set of context-aware mutexes created on demand.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (l *keyedLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx is done.
func (l *keyedLocks) Lock(ctx context.Context, key string) error {
	select {
	case l.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyedLocks) Unlock(key string) {
	<-l.slot(key)
}
