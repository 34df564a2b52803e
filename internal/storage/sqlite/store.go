/*
Package sqlite provides a single-file storage backend on mattn/go-sqlite3.

It implements the same repository, writer and transaction interfaces as the Postgres store, so a
node can run without a database server. Amounts are TEXT columns holding decimal strings and all
arithmetic on them happens in Go; timestamps use a fixed-width UTC layout so they compare correctly
as text.

The pool is capped at one connection: writers are serialized by SQLite anyway, and ":memory:"
databases only exist on the connection that created them.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

const (
	tsLayout  = "2006-01-02T15:04:05.000000000Z"
	dayLayout = time.DateOnly
)

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func day(t time.Time) string { return t.UTC().Format(dayLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

func parseDay(s string) (time.Time, error) { return time.Parse(dayLayout, s) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a database/sql handle on a SQLite file.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (and creates if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside a transaction and commits when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(transfer.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", "err", rbErr)
		}
	}()
	if err := fn(&Tx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// SeedDev inserts entities for local testing.
func (s *Store) SeedDev(ctx context.Context, entities []ledger.Entity) ([]ledger.Entity, error) {
	out := make([]ledger.Entity, 0, len(entities))
	for _, e := range entities {
		created, err := s.CreateEntity(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// Entities

func (s *Store) CreateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	res, err := s.db.ExecContext(ctx, `insert into entities (name, tag, active) values (?, ?, ?)`, e.Name, e.Tag, e.Active)
	if err != nil {
		return ledger.Entity{}, err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return ledger.Entity{}, err
	}
	return e, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e ledger.Entity) (ledger.Entity, error) {
	res, err := s.db.ExecContext(ctx, `update entities set name = ?, active = ? where id = ?`, e.Name, e.Active, e.ID)
	if err != nil {
		return ledger.Entity{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Entity{}, errs.ErrNotFound
	}
	return s.GetEntity(ctx, e.ID)
}

func (s *Store) GetEntity(ctx context.Context, id int64) (ledger.Entity, error) {
	var e ledger.Entity
	err := s.db.QueryRowContext(ctx, `select id, name, tag, active from entities where id = ?`, id).Scan(&e.ID, &e.Name, &e.Tag, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entity{}, errs.ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntities(ctx context.Context) ([]ledger.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, tag, active from entities order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Entity, 0)
	for rows.Next() {
		var e ledger.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Tag, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func entitiesByIDs(ctx context.Context, q querier, ids []int64) (map[int64]ledger.Entity, error) {
	out := make(map[int64]ledger.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `select id, name, tag, active from entities where id in (`+placeholders(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e ledger.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Tag, &e.Active); err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// placeholders renders ?from, ?from+1, ... n numbered parameters.
func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("?%d", from+i)
	}
	return strings.Join(ph, ", ")
}

// Transactions

const transactionSelect = `
	select t.id, t.operation_id, o.date, t.amount, t.currency,
	       fe.id, fe.name, fe.tag, fe.active, te.id, te.name, te.tag, te.active,
	       t.operator_id, t.type, t.status
	from transactions t
	join operations o on o.id = t.operation_id
	join entities fe on fe.id = t.from_entity
	join entities te on te.id = t.to_entity
`

type scanner interface{ Scan(dest ...any) error }

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	var at, amount string
	err := row.Scan(&t.ID, &t.OperationID, &at, &amount, &t.Currency,
		&t.From.ID, &t.From.Name, &t.From.Tag, &t.From.Active,
		&t.To.ID, &t.To.Name, &t.To.Tag, &t.To.Active,
		&t.OperatorID, &t.Type, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.OperationDate, err = parseTS(at); err != nil {
		return ledger.Transaction{}, fmt.Errorf("operation date %q: %w", at, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	return t, nil
}

func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, transactionSelect+` where t.id = ?`, id))
}

func (s *Store) TransactionsByOperation(ctx context.Context, operationID uuid.UUID) ([]ledger.Transaction, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from operations where id = ?`, operationID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errs.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, transactionSelect+` where t.operation_id = ? order by t.id`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func sortBalances(bs []ledger.Balance) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i].Key, bs[j].Key
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		if a.EntA != b.EntA {
			return a.EntA < b.EntA
		}
		if a.EntB != b.EntB {
			return a.EntB < b.EntB
		}
		return a.Tag < b.Tag
	})
}
