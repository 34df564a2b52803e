package postgres

// Package postgres provides a pgx-backed storage implementation that satisfies
// the repository, writer and transaction interfaces used by the HTTP API and services.
//
// Migrations that create the expected schema live under db/migrations. Amounts are
// numeric columns; they cross the wire as text so no precision is lost on the way to
// decimal.Decimal.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store holds a pgx connection pool and implements the read/write interfaces
// used across the service layer. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	// locks backs advisory lock leases. Kept apart from pool so a held lease never starves WithTx.
	locks *pgxpool.Pool
	log   *slog.Logger
}

// lockPoolSize bounds the connections advisory leases may pin at once.
const lockPoolSize = 4

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil { return nil, err }
	return openWithConfig(ctx, cfg, logger)
}

func openWithConfig(ctx context.Context, cfg *pgxpool.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil { logger = slog.Default() }
	lockCfg := cfg.Copy()
	lockCfg.MaxConns, lockCfg.MinConns = lockPoolSize, 0
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil { return nil, err }
	// Verify connection
	if err := pool.Ping(ctx); err != nil { pool.Close(); return nil, err }
	locks, err := pgxpool.NewWithConfig(ctx, lockCfg)
	if err != nil { pool.Close(); return nil, err }
	return &Store{pool: pool, locks: locks, log: logger}, nil
}

// Close releases the underlying pools.
func (s *Store) Close() {
	if s.locks != nil { s.locks.Close() }
	if s.pool != nil { s.pool.Close() }
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies a schema script. pgx runs multi-statement scripts in one Exec.
func (s *Store) Migrate(ctx context.Context, script string) error {
	_, err := s.pool.Exec(ctx, script)
	return err
}

// WithTx runs fn inside a read-committed transaction and commits when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(transfer.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil { return fmt.Errorf("begin: %w", err) }
	committed := false
	defer func() {
		if committed { return }
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("rollback failed", "err", rbErr)
		}
	}()
	if err := fn(&Tx{q: tx}); err != nil { return err }
	if err := tx.Commit(ctx); err != nil { return fmt.Errorf("commit: %w", err) }
	committed = true
	return nil
}

// SeedDev inserts entities for quick local testing.
func (s *Store) SeedDev(ctx context.Context, entities []ledger.Entity) ([]ledger.Entity, error) {
	out := make([]ledger.Entity, 0, len(entities))
	for _, e := range entities {
		created, err := s.CreateEntity(ctx, e)
		if err != nil { return nil, err }
		out = append(out, created)
	}
	return out, nil
}

// --- Entities ---

func (s *Store) CreateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	err := s.pool.QueryRow(ctx, `
		insert into entities (name, tag, active) values ($1, $2, $3)
		returning id
	`, e.Name, e.Tag, e.Active).Scan(&e.ID)
	if err != nil { return ledger.Entity{}, err }
	return e, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	err := s.pool.QueryRow(ctx, `
		update entities set name = $2, active = $3 where id = $1
		returning id, name, tag, active
	`, e.ID, e.Name, e.Active).Scan(&e.ID, &e.Name, &e.Tag, &e.Active)
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Entity{}, errs.ErrNotFound }
	if err != nil { return ledger.Entity{}, err }
	return e, nil
}

func (s *Store) GetEntity(ctx context.Context, id int64) (ledger.Entity, error) {
	var e ledger.Entity
	err := s.pool.QueryRow(ctx, `select id, name, tag, active from entities where id = $1`, id).Scan(&e.ID, &e.Name, &e.Tag, &e.Active)
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Entity{}, errs.ErrNotFound }
	if err != nil { return ledger.Entity{}, err }
	return e, nil
}

func (s *Store) ListEntities(ctx context.Context) ([]ledger.Entity, error) {
	rows, err := s.pool.Query(ctx, `select id, name, tag, active from entities order by id`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := make([]ledger.Entity, 0)
	for rows.Next() {
		var e ledger.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Tag, &e.Active); err != nil { return nil, err }
		out = append(out, e)
	}
	return out, rows.Err()
}

func entitiesByIDs(ctx context.Context, q querier, ids []int64) (map[int64]ledger.Entity, error) {
	out := make(map[int64]ledger.Entity, len(ids))
	if len(ids) == 0 { return out, nil }
	rows, err := q.Query(ctx, `select id, name, tag, active from entities where id = any($1)`, ids)
	if err != nil { return nil, err }
	defer rows.Close()
	for rows.Next() {
		var e ledger.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Tag, &e.Active); err != nil { return nil, err }
		out[e.ID] = e
	}
	return out, rows.Err()
}

// --- Transactions ---

const transactionSelect = `
	select t.id, t.operation_id, o.date, t.amount::text, t.currency,
	       fe.id, fe.name, fe.tag, fe.active, te.id, te.name, te.tag, te.active,
	       t.operator_id, t.type, t.status
	from transactions t
	join operations o on o.id = t.operation_id
	join entities fe on fe.id = t.from_entity
	join entities te on te.id = t.to_entity
`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var t ledger.Transaction
	var amount string
	err := row.Scan(&t.ID, &t.OperationID, &t.OperationDate, &amount, &t.Currency,
		&t.From.ID, &t.From.Name, &t.From.Tag, &t.From.Active,
		&t.To.ID, &t.To.Name, &t.To.Tag, &t.To.Active,
		&t.OperatorID, &t.Type, &t.Status)
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Transaction{}, errs.ErrNotFound }
	if err != nil { return ledger.Transaction{}, err }
	if t.Amount, err = decimal.NewFromString(amount); err != nil { return ledger.Transaction{}, fmt.Errorf("amount %q: %w", amount, err) }
	t.OperationDate = t.OperationDate.UTC()
	return t, nil
}

func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, transactionSelect+` where t.id = $1`, id))
}

func (s *Store) TransactionsByOperation(ctx context.Context, operationID uuid.UUID) ([]ledger.Transaction, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `select exists(select 1 from operations where id = $1)`, operationID).Scan(&exists); err != nil { return nil, err }
	if !exists { return nil, errs.ErrNotFound }
	rows, err := s.pool.Query(ctx, transactionSelect+` where t.operation_id = $1 order by t.id`, operationID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil { return nil, err }
		out = append(out, t)
	}
	return out, rows.Err()
}

func keyLess(a, b ledger.BalanceKey) bool {
	if a.Currency != b.Currency { return a.Currency < b.Currency }
	if a.EntA != b.EntA { return a.EntA < b.EntA }
	if a.EntB != b.EntB { return a.EntB < b.EntB }
	return a.Tag < b.Tag
}

func sortBalances(bs []ledger.Balance) {
	sort.Slice(bs, func(i, j int) bool { return keyLess(bs[i].Key, bs[j].Key) })
}
