// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = fmt.Errorf("%w: store: record", model.ErrNotFound)

	// ErrDuplicateKey is returned when a unique key already exists.
	ErrDuplicateKey = fmt.Errorf("%w: store: duplicate key", model.ErrStateConflict)

	// ErrNotLocked is returned when a Tx write targets a row the transaction
	// did not lock first.
	ErrNotLocked = fmt.Errorf("%w: store: row not locked in this transaction", model.ErrStateConflict)
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users and ledger ---

	// CreateUser persists a new user. Email must be unique.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user, including the current balance.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Immutable spot trade log ---

	// InsertSpotTrade appends an immutable trade record.
	InsertSpotTrade(ctx context.Context, t *model.SpotTrade) error

	// ListSpotTrades returns a user's trades, oldest first.
	ListSpotTrades(ctx context.Context, userID string) ([]model.SpotTrade, error)

	// --- Positions ---

	// ListPositions returns every position of a user, zero quantities included.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Binary options ---

	// InsertOption persists a newly created option.
	InsertOption(ctx context.Context, o *model.BinaryOption) error

	// GetOption retrieves an option by id.
	GetOption(ctx context.Context, id string) (*model.BinaryOption, error)

	// ListOptions returns options matching f, newest first.
	ListOptions(ctx context.Context, f model.OptionFilter) ([]model.BinaryOption, error)

	// --- Exchange API keys ---

	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	GetAPIKey(ctx context.Context, userID, id string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, id string) error

	// --- Transactions ---

	// WithTx runs fn in a transaction. If fn returns an error every write is
	// discarded; otherwise all writes are committed together.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface of one transaction. Reads named
// ForUpdate lock the row until the transaction ends; writes require the
// matching lock.
type Tx interface {
	// GetOptionForUpdate locks and returns an option.
	GetOptionForUpdate(ctx context.Context, id string) (*model.BinaryOption, error)

	// UpdateOption writes the mutable settlement fields of a locked option.
	UpdateOption(ctx context.Context, o *model.BinaryOption) error

	// Credit adds amount to a user's balance and returns the new balance.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)

	// GetPositionForUpdate locks and returns the (user, symbol) position,
	// creating it at zero quantity when absent.
	GetPositionForUpdate(ctx context.Context, userID, symbol string) (*model.Position, error)

	// SavePosition writes a locked position.
	SavePosition(ctx context.Context, p *model.Position) error
}
