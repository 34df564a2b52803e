package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
)

// Tx wraps a *sql.Tx and implements transfer.Tx and movement.Store.
type Tx struct{ q *sql.Tx }

func (t *Tx) EntitiesByIDs(ctx context.Context, ids []int64) (map[int64]ledger.Entity, error) {
	return entitiesByIDs(ctx, t.q, ids)
}

func (t *Tx) CreateOperation(ctx context.Context, op ledger.Operation) error {
	_, err := t.q.ExecContext(ctx, `insert into operations (id, date, observation) values (?, ?, ?)`, op.ID, ts(op.Date), op.Observation)
	return err
}

func (t *Tx) CreateTransaction(ctx context.Context, tr ledger.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		insert into transactions (id, operation_id, amount, currency, from_entity, to_entity, operator_id, type, status)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.OperationID, tr.Amount.String(), strings.ToUpper(tr.Currency), tr.From.ID, tr.To.ID, tr.OperatorID, tr.Type, string(tr.Status))
	return err
}

// TransactionForUpdate reads the row inside the write transaction. SQLite has no row locks; the
// single writer connection gives the same exclusion.
func (t *Tx) TransactionForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(t.q.QueryRowContext(ctx, transactionSelect+` where t.id = ?`, id))
}

func (t *Tx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status ledger.Status) error {
	res, err := t.q.ExecContext(ctx, `update transactions set status = ? where id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Balances

const balanceCols = `id, type, ent_a, ent_b, tag, currency, account, date, amount`

const keyWhere = `type = ?1 and ent_a = ?2 and ent_b = ?3 and tag = ?4 and currency = ?5 and account = ?6`

func keyArgs(k ledger.BalanceKey, extra ...any) []any {
	return append([]any{int(k.Dimension), k.EntA, k.EntB, k.Tag, k.Currency, string(k.Account)}, extra...)
}

func scanBalance(row scanner) (ledger.Balance, error) {
	var b ledger.Balance
	var dim int
	var d, amount string
	if err := row.Scan(&b.ID, &dim, &b.Key.EntA, &b.Key.EntB, &b.Key.Tag, &b.Key.Currency, &b.Key.Account, &d, &amount); err != nil {
		return ledger.Balance{}, err
	}
	b.Key.Dimension = ledger.Dimension(dim)
	var err error
	if b.Day, err = parseDay(d); err != nil {
		return ledger.Balance{}, fmt.Errorf("balance %d date %q: %w", b.ID, d, err)
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Balance{}, fmt.Errorf("balance %d amount %q: %w", b.ID, amount, err)
	}
	return b, nil
}

func optionalBalance(row scanner) (ledger.Balance, bool, error) {
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return b, true, nil
}

func (t *Tx) LatestBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRowContext(ctx, `select `+balanceCols+` from balances where `+keyWhere+` order by date desc limit 1`, keyArgs(key)...))
}

func (t *Tx) LatestBalanceBefore(ctx context.Context, key ledger.BalanceKey, d time.Time) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRowContext(ctx, `select `+balanceCols+` from balances where `+keyWhere+` and date < ?7 order by date desc limit 1`, keyArgs(key, day(d))...))
}

func (t *Tx) BalanceOn(ctx context.Context, key ledger.BalanceKey, d time.Time) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRowContext(ctx, `select `+balanceCols+` from balances where `+keyWhere+` and date = ?7`, keyArgs(key, day(d))...))
}

func (t *Tx) BalanceByID(ctx context.Context, id int64) (ledger.Balance, error) {
	b, err := scanBalance(t.q.QueryRowContext(ctx, `select `+balanceCols+` from balances where id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, fmt.Errorf("%w: balance %d", errs.ErrNotFound, id)
	}
	return b, err
}

func (t *Tx) InsertBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	res, err := t.q.ExecContext(ctx, `
		insert into balances (type, ent_a, ent_b, tag, currency, account, date, amount)
		values (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
	`, keyArgs(b.Key, day(b.Day), b.Amount.String())...)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("insert balance %s: %w", b.Key, err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

func (t *Tx) AddToBalance(ctx context.Context, id int64, delta decimal.Decimal) (ledger.Balance, error) {
	b, err := t.BalanceByID(ctx, id)
	if err != nil {
		return ledger.Balance{}, err
	}
	b.Amount = b.Amount.Add(delta)
	if _, err := t.q.ExecContext(ctx, `update balances set amount = ? where id = ?`, b.Amount.String(), id); err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

func (t *Tx) AddToBalancesAfter(ctx context.Context, key ledger.BalanceKey, d time.Time, delta decimal.Decimal) ([]int64, error) {
	rows, err := t.q.QueryContext(ctx, `select `+balanceCols+` from balances where `+keyWhere+` and date > ?7 order by date`, keyArgs(key, day(d))...)
	if err != nil {
		return nil, err
	}
	var later []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		later = append(later, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(later))
	for _, b := range later {
		if _, err := t.q.ExecContext(ctx, `update balances set amount = ? where id = ?`, b.Amount.Add(delta).String(), b.ID); err != nil {
			return nil, err
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// Movements

var movementCols, movementSelectCols = func() (string, string) {
	cols := []string{"transaction_id", "date", "direction", "type", "account", "currency"}
	for _, d := range ledger.Sides {
		cols = append(cols, d.Side.Column(), d.Side.IDColumn())
	}
	return strings.Join(cols, ", "), "id, " + strings.Join(cols, ", ")
}()

// movementDest returns scan targets for movementSelectCols; finish parses the text columns.
func movementDest(m *ledger.Movement) ([]any, func() error) {
	var at string
	var dir int
	var values [ledger.NumSides]string
	dest := []any{&m.ID, &m.TransactionID, &at, &dir, &m.Type, &m.Account, &m.Currency}
	for i := 0; i < ledger.NumSides; i++ {
		dest = append(dest, &values[i], &m.BalanceIDs[i])
	}
	return dest, func() error {
		var err error
		if m.Date, err = parseTS(at); err != nil {
			return fmt.Errorf("movement %d date %q: %w", m.ID, at, err)
		}
		m.Direction = ledger.Direction(dir)
		for i, v := range values {
			if m.Values[i], err = decimal.NewFromString(v); err != nil {
				return fmt.Errorf("movement %d %s: %w", m.ID, ledger.Side(i).Column(), err)
			}
		}
		return nil
	}
}

func scanMovement(row scanner) (ledger.Movement, error) {
	var m ledger.Movement
	dest, finish := movementDest(&m)
	if err := row.Scan(dest...); err != nil {
		return ledger.Movement{}, err
	}
	if err := finish(); err != nil {
		return ledger.Movement{}, err
	}
	return m, nil
}

func (t *Tx) InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	args := []any{m.TransactionID, ts(m.Date), int(m.Direction), string(m.Type), string(m.Account), strings.ToUpper(m.Currency)}
	for i := 0; i < ledger.NumSides; i++ {
		args = append(args, m.Values[i].String(), m.BalanceIDs[i])
	}
	res, err := t.q.ExecContext(ctx, `insert into movements (`+movementCols+`) values (`+placeholders(1, len(args))+`)`, args...)
	if err != nil {
		return ledger.Movement{}, err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return ledger.Movement{}, err
	}
	return m, nil
}

func (t *Tx) MovementsFor(ctx context.Context, ref ledger.MovementRef) ([]ledger.Movement, error) {
	return t.movements(ctx, `
		select `+movementSelectCols+` from movements
		where transaction_id = ? and account = ? and type = ? and direction = ?
		order by date, id
	`, ref.TransactionID, string(ref.Account), string(ref.Type), int(ref.Direction))
}

func (t *Tx) movements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *Tx) DeleteMovement(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `delete from movements where id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: movement %d", errs.ErrNotFound, id)
	}
	return nil
}

// FindPredecessor checks both columns of a paired dimension.
func (t *Tx) FindPredecessor(ctx context.Context, dim ledger.Dimension, balanceID int64, before ledger.Position) (decimal.Decimal, bool, error) {
	sides := dim.Sides()
	value, match := sides[0].Column(), sides[0].IDColumn()+" = ?1"
	if len(sides) == 2 {
		value = fmt.Sprintf("case when %s = ?1 then %s else %s end", sides[0].IDColumn(), sides[0].Column(), sides[1].Column())
		match = fmt.Sprintf("(%s = ?1 or %s = ?1)", sides[0].IDColumn(), sides[1].IDColumn())
	}
	var v string
	err := t.q.QueryRowContext(ctx, `
		select `+value+` from movements
		where `+match+` and (date, id) < (?2, ?3)
		order by date desc, id desc
		limit 1
	`, balanceID, ts(before.At), before.ID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Decimal{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return d, true, nil
}

// ShiftMovements reads the affected movements and rewrites their side values one row at a time.
func (t *Tx) ShiftMovements(ctx context.Context, dim ledger.Dimension, ids []int64, after ledger.Position, delta decimal.Decimal) (int64, error) {
	if len(ids) == 0 || delta.IsZero() {
		return 0, nil
	}
	args := []any{ts(after.At), after.ID}
	for _, id := range ids {
		args = append(args, id)
	}
	in := placeholders(3, len(ids))
	sides := dim.Sides()
	var matches []string
	for _, s := range sides {
		matches = append(matches, s.IDColumn()+" in ("+in+")")
	}
	ms, err := t.movements(ctx, `
		select `+movementSelectCols+` from movements
		where (date, id) > (?1, ?2) and (`+strings.Join(matches, " or ")+`)
	`, args...)
	if err != nil {
		return 0, err
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, m := range ms {
		var assigns []string
		var vals []any
		for _, s := range sides {
			if set[m.BalanceIDs[s]] {
				assigns = append(assigns, s.Column()+" = ?")
				vals = append(vals, m.Values[s].Add(delta).String())
			}
		}
		if _, err := t.q.ExecContext(ctx, `update movements set `+strings.Join(assigns, ", ")+` where id = ?`, append(vals, m.ID)...); err != nil {
			return 0, err
		}
	}
	return int64(len(ms)), nil
}
