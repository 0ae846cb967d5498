// store.go - Local repository: persisted projection of accounts, orders, and
// history.
//
// This is the single shared mutable resource in the system. All mutation goes
// through named patch operations keyed by stable identifiers (account
// logical_id, order uuid) under last-write-wins semantics; nothing hands out
// live references for callers to mutate in place. History is append-only and
// the append is idempotent by uuid.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shieldwallet/internal/order"
	"shieldwallet/internal/shield"
)

// Store is a sqlite-backed repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the repository at dbPath with WAL enabled.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			logical_id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			scalar TEXT NOT NULL,
			value INTEGER NOT NULL,
			on_chain INTEGER NOT NULL,
			kind TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			uuid TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			status TEXT NOT NULL,
			account_id TEXT NOT NULL,
			account_address TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			settle_price TEXT NOT NULL,
			margin INTEGER NOT NULL,
			position_size TEXT NOT NULL,
			fee TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			uuid TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			settle_price TEXT NOT NULL,
			failed INTEGER NOT NULL DEFAULT 0,
			archived_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable; used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveAccount upserts an account by logical id.
func (s *Store) SaveAccount(ctx context.Context, a shield.PrivateAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (logical_id, address, scalar, value, on_chain, kind, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(logical_id) DO UPDATE SET
			address=excluded.address, scalar=excluded.scalar, value=excluded.value,
			on_chain=excluded.on_chain, kind=excluded.kind, tag=excluded.tag`,
		a.LogicalID.String(), a.Address, a.Scalar, int64(a.Value), boolInt(a.OnChain),
		string(a.Kind), a.Tag, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by its stable logical id.
func (s *Store) GetAccount(ctx context.Context, logicalID uuid.UUID) (shield.PrivateAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT logical_id, address, scalar, value, on_chain, kind, tag, created_at
		FROM accounts WHERE logical_id = ?`, logicalID.String())
	return scanAccount(row)
}

// AccountPatch is a named partial update for one account.
type AccountPatch struct {
	LogicalID uuid.UUID
	Address   *string
	Scalar    *string
	Value     *uint64
	OnChain   *bool
	Kind      *shield.Kind
	Tag       *string
}

// PatchAccount applies a partial update keyed by logical id.
func (s *Store) PatchAccount(ctx context.Context, p AccountPatch) error {
	set := ""
	args := []interface{}{}
	add := func(col string, v interface{}) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}
	if p.Address != nil {
		add("address", *p.Address)
	}
	if p.Scalar != nil {
		add("scalar", *p.Scalar)
	}
	if p.Value != nil {
		add("value", int64(*p.Value))
	}
	if p.OnChain != nil {
		add("on_chain", boolInt(*p.OnChain))
	}
	if p.Kind != nil {
		add("kind", string(*p.Kind))
	}
	if p.Tag != nil {
		add("tag", *p.Tag)
	}
	if set == "" {
		return nil
	}
	args = append(args, p.LogicalID.String())
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET "+set+" WHERE logical_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to patch account: %w", err)
	}
	return nil
}

// SaveOrder upserts an order by uuid.
func (s *Store) SaveOrder(ctx context.Context, o order.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (uuid, variant, status, account_id, account_address,
			entry_price, settle_price, margin, position_size, fee, tx_hash, output,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			status=excluded.status, entry_price=excluded.entry_price,
			settle_price=excluded.settle_price, margin=excluded.margin,
			position_size=excluded.position_size, fee=excluded.fee,
			tx_hash=excluded.tx_hash, output=excluded.output,
			updated_at=excluded.updated_at`,
		o.UUID.String(), string(o.Variant), string(o.Status), o.AccountID.String(),
		o.AccountAddress, o.EntryPrice.String(), o.SettlePrice.String(), int64(o.Margin),
		o.PositionSize.String(), o.Fee.String(), o.TxHash, o.Output,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder fetches an order by uuid.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, variant, status, account_id, account_address, entry_price,
			settle_price, margin, position_size, fee, tx_hash, output, created_at, updated_at
		FROM orders WHERE uuid = ?`, id.String())
	return scanOrder(row)
}

// ListOpenOrders returns every order not in a terminal state.
func (s *Store) ListOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, variant, status, account_id, account_address, entry_price,
			settle_price, margin, position_size, fee, tx_hash, output, created_at, updated_at
		FROM orders WHERE status NOT IN (?, ?, ?, ?)
		ORDER BY created_at ASC`,
		string(order.StatusSettled), string(order.StatusCancelled),
		string(order.StatusLiquidate), string(order.StatusError),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ApplyPatches applies a batch of order patches in a single transaction, one
// repository write per reconciliation tick. Empty patches are skipped.
func (s *Store) ApplyPatches(ctx context.Context, patches []order.Patch) error {
	if len(patches) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin patch batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	for _, p := range patches {
		if p.Empty() {
			continue
		}
		set := "updated_at = ?"
		args := []interface{}{now}
		add := func(col string, v interface{}) {
			set += ", " + col + " = ?"
			args = append(args, v)
		}
		if p.Status != nil {
			add("status", string(*p.Status))
		}
		if p.EntryPrice != nil {
			add("entry_price", p.EntryPrice.String())
		}
		if p.SettlePrice != nil {
			add("settle_price", p.SettlePrice.String())
		}
		if p.Margin != nil {
			add("margin", int64(*p.Margin))
		}
		if p.PositionSize != nil {
			add("position_size", p.PositionSize.String())
		}
		if p.Fee != nil {
			add("fee", p.Fee.String())
		}
		if p.TxHash != nil {
			add("tx_hash", *p.TxHash)
		}
		if p.Output != nil {
			add("output", *p.Output)
		}
		args = append(args, p.UUID.String())
		if _, err := tx.ExecContext(ctx, "UPDATE orders SET "+set+" WHERE uuid = ?", args...); err != nil {
			return fmt.Errorf("failed to patch order %s: %w", p.UUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patch batch: %w", err)
	}
	return nil
}

// HistoryEntry is one archived terminal order.
type HistoryEntry struct {
	UUID        uuid.UUID
	Variant     order.Variant
	Status      order.Status
	TxHash      string
	SettlePrice decimal.Decimal
	Failed      bool
	ArchivedAt  time.Time
}

// AppendHistory archives a terminal order exactly once. Re-appending an
// already archived uuid is a no-op.
func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (uuid, variant, status, tx_hash, settle_price, failed, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING`,
		e.UUID.String(), string(e.Variant), string(e.Status), e.TxHash,
		e.SettlePrice.String(), boolInt(e.Failed), e.ArchivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// HistoryExists reports whether a uuid is already archived.
func (s *Store) HistoryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM history WHERE uuid = ?", id.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check history: %w", err)
	}
	return n > 0, nil
}

// HistoryCount returns the number of archived orders.
func (s *Store) HistoryCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM history").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (shield.PrivateAccount, error) {
	var (
		a         shield.PrivateAccount
		id, kind  string
		value     int64
		onChain   int
		createdAt int64
	)
	err := row.Scan(&id, &a.Address, &a.Scalar, &value, &onChain, &kind, &a.Tag, &createdAt)
	if err != nil {
		return shield.PrivateAccount{}, fmt.Errorf("failed to scan account: %w", err)
	}
	a.LogicalID, err = uuid.Parse(id)
	if err != nil {
		return shield.PrivateAccount{}, fmt.Errorf("corrupt account id: %w", err)
	}
	a.Value = uint64(value)
	a.OnChain = onChain != 0
	a.Kind = shield.Kind(kind)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o                                          order.Order
		id, variant, status, accountID             string
		entryPrice, settlePrice, positionSize, fee string
		margin, createdAt, updatedAt               int64
	)
	err := row.Scan(&id, &variant, &status, &accountID, &o.AccountAddress,
		&entryPrice, &settlePrice, &margin, &positionSize, &fee,
		&o.TxHash, &o.Output, &createdAt, &updatedAt)
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.UUID, err = uuid.Parse(id)
	if err != nil {
		return order.Order{}, fmt.Errorf("corrupt order uuid: %w", err)
	}
	o.AccountID, err = uuid.Parse(accountID)
	if err != nil {
		return order.Order{}, fmt.Errorf("corrupt order account id: %w", err)
	}
	o.Variant = order.Variant(variant)
	o.Status = order.Status(status)
	o.Margin = uint64(margin)
	if o.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return order.Order{}, fmt.Errorf("corrupt entry price: %w", err)
	}
	if o.SettlePrice, err = decimal.NewFromString(settlePrice); err != nil {
		return order.Order{}, fmt.Errorf("corrupt settle price: %w", err)
	}
	if o.PositionSize, err = decimal.NewFromString(positionSize); err != nil {
		return order.Order{}, fmt.Errorf("corrupt position size: %w", err)
	}
	if o.Fee, err = decimal.NewFromString(fee); err != nil {
		return order.Order{}, fmt.Errorf("corrupt fee: %w", err)
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return o, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
