package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies all embedded SQL files in lexical order. Migrations are
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, username, balance, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4::NUMERIC, $5)`,
		u.ID, u.Email, u.Username, u.Balance.String(), u.CreatedAt,
	)
	return mapError(err, "create user "+u.ID)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(email, ''), username, balance::TEXT, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Username, &balance, &u.CreatedAt)
	if err != nil {
		return nil, mapError(err, "get user "+id)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) InsertSpotTrade(ctx context.Context, t *model.SpotTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spot_trades (id, user_id, symbol, side, quantity, price, total_amount, exchange, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		t.ID, t.UserID, t.Symbol, t.Side,
		t.Quantity.String(), t.Price.String(), t.TotalAmount.String(),
		t.Exchange, t.Timestamp,
	)
	return mapError(err, "insert spot trade "+t.ID)
}

func (s *PostgresStore) ListSpotTrades(ctx context.Context, userID string) ([]model.SpotTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side,
		        quantity::TEXT, price::TEXT, total_amount::TEXT, exchange, timestamp
		 FROM spot_trades WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []model.SpotTrade{}
	for rows.Next() {
		var t model.SpotTrade
		var qty, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Side,
			&qty, &price, &total, &t.Exchange, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.TotalAmount, _ = decimal.NewFromString(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_buy_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertOption(ctx context.Context, o *model.BinaryOption) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO binary_options (id, user_id, symbol, direction, amount, profit_percentage,
		                             entry_price, expiry_seconds, expiry_time, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		o.ID, o.UserID, o.Symbol, o.Direction,
		o.Amount.String(), o.ProfitPercentage.String(), o.EntryPrice.String(),
		o.ExpirySeconds, o.ExpiryTime, o.Status, o.CreatedAt,
	)
	return mapError(err, "insert option "+o.ID)
}

const optionColumns = `id, user_id, symbol, direction, amount::TEXT, profit_percentage::TEXT,
		entry_price::TEXT, expiry_seconds, expiry_time, exit_price::TEXT, status,
		payout_amount::TEXT, created_at, resolved_at`

func (s *PostgresStore) GetOption(ctx context.Context, id string) (*model.BinaryOption, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+optionColumns+` FROM binary_options WHERE id = $1`, id)
	o, err := scanOption(row)
	if err != nil {
		return nil, mapError(err, "get option "+id)
	}
	return o, nil
}

func (s *PostgresStore) ListOptions(ctx context.Context, f model.OptionFilter) ([]model.BinaryOption, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Terminal {
		where = append(where, "status IN ('WON', 'LOST', 'EXPIRED')")
	}
	if f.ExpiresBefore != nil {
		add("expiry_time <= $%d", *f.ExpiresBefore)
	}
	if f.ExpiresAfter != nil {
		add("expiry_time > $%d", *f.ExpiresAfter)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}

	q := `SELECT ` + optionColumns + ` FROM binary_options`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	options := []model.BinaryOption{}
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		options = append(options, *o)
	}
	return options, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, exchange, api_key, api_secret, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.UserID, k.Exchange, k.Key, k.Secret, k.IsActive, k.CreatedAt, k.UpdatedAt,
	)
	return mapError(err, "create api key "+k.ID)
}

const apiKeyColumns = `id, user_id, exchange, api_key, api_secret, is_active, created_at, updated_at`

func (s *PostgresStore) GetAPIKey(ctx context.Context, userID, id string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&k.ID, &k.UserID, &k.Exchange, &k.Key, &k.Secret, &k.IsActive, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get api key "+id)
	}
	return &k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []model.APIKey{}
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Exchange, &k.Key, &k.Secret,
			&k.IsActive, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE are held until commit or rollback.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOptionForUpdate(ctx context.Context, id string) (*model.BinaryOption, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+optionColumns+` FROM binary_options WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOption(row)
	if err != nil {
		return nil, mapError(err, "lock option "+id)
	}
	return o, nil
}

func (t *pgTx) UpdateOption(ctx context.Context, o *model.BinaryOption) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE binary_options
		 SET status = $2, exit_price = $3::NUMERIC, payout_amount = $4::NUMERIC, resolved_at = $5
		 WHERE id = $1`,
		o.ID, o.Status, decimalPtrString(o.ExitPrice), decimalPtrString(o.PayoutAmount), o.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update option %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("option %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1 RETURNING balance::TEXT`,
		userID, amount.String()).Scan(&balance)
	if err != nil {
		return decimal.Zero, mapError(err, "credit user "+userID)
	}
	return decimal.NewFromString(balance)
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, userID, symbol string) (*model.Position, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, quantity, average_buy_price, updated_at)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id, symbol) DO NOTHING`,
		userID, symbol, time.Now().UTC())
	if err != nil {
		return nil, mapError(err, "create position "+userID+"/"+symbol)
	}

	row := t.tx.QueryRow(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_buy_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2 FOR UPDATE`, userID, symbol)
	p, err := scanPosition(row)
	if err != nil {
		return nil, mapError(err, "lock position "+userID+"/"+symbol)
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions SET quantity = $3::NUMERIC, average_buy_price = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1 AND symbol = $2`,
		p.UserID, p.Symbol, p.Quantity.String(), p.AverageBuyPrice.String(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOption(row rowScanner) (*model.BinaryOption, error) {
	var o model.BinaryOption
	var amount, profit, entry string
	var exit, payout *string

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Direction,
		&amount, &profit, &entry, &o.ExpirySeconds, &o.ExpiryTime,
		&exit, &o.Status, &payout, &o.CreatedAt, &o.ResolvedAt); err != nil {
		return nil, err
	}

	o.Amount, _ = decimal.NewFromString(amount)
	o.ProfitPercentage, _ = decimal.NewFromString(profit)
	o.EntryPrice, _ = decimal.NewFromString(entry)
	o.ExitPrice = parseDecimalPtr(exit)
	o.PayoutAmount = parseDecimalPtr(payout)
	return &o, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var qty, avg string
	if err := row.Scan(&p.UserID, &p.Symbol, &qty, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageBuyPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// mapError translates driver errors into store sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
