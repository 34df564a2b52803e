package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
)

// Tx wraps a pgx.Tx and implements transfer.Tx and movement.Store.
type Tx struct{ q pgx.Tx }

// --- lifecycle ---

func (t *Tx) EntitiesByIDs(ctx context.Context, ids []int64) (map[int64]ledger.Entity, error) {
	return entitiesByIDs(ctx, t.q, ids)
}

func (t *Tx) CreateOperation(ctx context.Context, op ledger.Operation) error {
	_, err := t.q.Exec(ctx, `insert into operations (id, date, observation) values ($1, $2, $3)`, op.ID, op.Date, op.Observation)
	return err
}

func (t *Tx) CreateTransaction(ctx context.Context, tr ledger.Transaction) error {
	_, err := t.q.Exec(ctx, `
		insert into transactions (id, operation_id, amount, currency, from_entity, to_entity, operator_id, type, status)
		values ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
	`, tr.ID, tr.OperationID, tr.Amount.String(), strings.ToUpper(tr.Currency), tr.From.ID, tr.To.ID, tr.OperatorID, tr.Type, tr.Status)
	return err
}

func (t *Tx) TransactionForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, transactionSelect+` where t.id = $1 for update of t`, id))
}

func (t *Tx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status ledger.Status) error {
	tag, err := t.q.Exec(ctx, `update transactions set status = $2 where id = $1`, id, status)
	if err != nil { return err }
	if tag.RowsAffected() == 0 { return errs.ErrNotFound }
	return nil
}

// --- balances ---

const balanceCols = `id, type, ent_a, ent_b, tag, currency, account, date, amount::text`

const keyWhere = `type = $1 and ent_a = $2 and ent_b = $3 and tag = $4 and currency = $5 and account = $6`

func keyArgs(k ledger.BalanceKey, extra ...any) []any {
	return append([]any{int(k.Dimension), k.EntA, k.EntB, k.Tag, k.Currency, k.Account}, extra...)
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var b ledger.Balance
	var dim int
	var amount string
	if err := row.Scan(&b.ID, &dim, &b.Key.EntA, &b.Key.EntB, &b.Key.Tag, &b.Key.Currency, &b.Key.Account, &b.Day, &amount); err != nil {
		return ledger.Balance{}, err
	}
	b.Key.Dimension = ledger.Dimension(dim)
	b.Day = b.Day.UTC()
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil { return ledger.Balance{}, fmt.Errorf("balance %d amount %q: %w", b.ID, amount, err) }
	return b, nil
}

func optionalBalance(row pgx.Row) (ledger.Balance, bool, error) {
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Balance{}, false, nil }
	if err != nil { return ledger.Balance{}, false, err }
	return b, true, nil
}

func (t *Tx) LatestBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRow(ctx, `select `+balanceCols+` from balances where `+keyWhere+` order by date desc limit 1`, keyArgs(key)...))
}

func (t *Tx) LatestBalanceBefore(ctx context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRow(ctx, `select `+balanceCols+` from balances where `+keyWhere+` and date < $7 order by date desc limit 1`, keyArgs(key, day)...))
}

func (t *Tx) BalanceOn(ctx context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error) {
	return optionalBalance(t.q.QueryRow(ctx, `select `+balanceCols+` from balances where `+keyWhere+` and date = $7`, keyArgs(key, day)...))
}

func (t *Tx) BalanceByID(ctx context.Context, id int64) (ledger.Balance, error) {
	b, err := scanBalance(t.q.QueryRow(ctx, `select `+balanceCols+` from balances where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Balance{}, fmt.Errorf("%w: balance %d", errs.ErrNotFound, id) }
	return b, err
}

func (t *Tx) InsertBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	err := t.q.QueryRow(ctx, `
		insert into balances (type, ent_a, ent_b, tag, currency, account, date, amount)
		values ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
		returning id
	`, keyArgs(b.Key, b.Day, b.Amount.String())...).Scan(&b.ID)
	if err != nil { return ledger.Balance{}, fmt.Errorf("insert balance %s: %w", b.Key, err) }
	return b, nil
}

func (t *Tx) AddToBalance(ctx context.Context, id int64, delta decimal.Decimal) (ledger.Balance, error) {
	b, err := scanBalance(t.q.QueryRow(ctx, `
		update balances set amount = amount + $2::numeric where id = $1
		returning `+balanceCols, id, delta.String()))
	if errors.Is(err, pgx.ErrNoRows) { return ledger.Balance{}, fmt.Errorf("%w: balance %d", errs.ErrNotFound, id) }
	return b, err
}

func (t *Tx) AddToBalancesAfter(ctx context.Context, key ledger.BalanceKey, day time.Time, delta decimal.Decimal) ([]int64, error) {
	rows, err := t.q.Query(ctx, `
		update balances set amount = amount + $8::numeric
		where `+keyWhere+` and date > $7
		returning id
	`, keyArgs(key, day, delta.String())...)
	if err != nil { return nil, err }
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil { return nil, err }
	return ids, nil
}

// --- movements ---

var movementCols, movementSelectCols = func() (string, string) {
	cols := []string{"transaction_id", "date", "direction", "type", "account", "currency"}
	sel := append([]string{"id"}, cols...)
	for _, d := range ledger.Sides {
		cols = append(cols, d.Side.Column(), d.Side.IDColumn())
		sel = append(sel, d.Side.Column()+"::text", d.Side.IDColumn())
	}
	return strings.Join(cols, ", "), strings.Join(sel, ", ")
}()

func scanMovement(row pgx.Row) (ledger.Movement, error) {
	var m ledger.Movement
	var dir int
	var values [ledger.NumSides]string
	dest := []any{&m.ID, &m.TransactionID, &m.Date, &dir, &m.Type, &m.Account, &m.Currency}
	for i := 0; i < ledger.NumSides; i++ {
		dest = append(dest, &values[i], &m.BalanceIDs[i])
	}
	if err := row.Scan(dest...); err != nil { return ledger.Movement{}, err }
	m.Direction = ledger.Direction(dir)
	m.Date = m.Date.UTC()
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil { return ledger.Movement{}, fmt.Errorf("movement %d %s: %w", m.ID, ledger.Side(i).Column(), err) }
		m.Values[i] = d
	}
	return m, nil
}

func (t *Tx) InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	args := []any{m.TransactionID, m.Date, int(m.Direction), m.Type, m.Account, strings.ToUpper(m.Currency)}
	ph := []string{"$1", "$2", "$3", "$4", "$5", "$6"}
	for i := 0; i < ledger.NumSides; i++ {
		args = append(args, m.Values[i].String(), m.BalanceIDs[i])
		ph = append(ph, fmt.Sprintf("$%d::numeric", len(args)-1), fmt.Sprintf("$%d", len(args)))
	}
	err := t.q.QueryRow(ctx, `insert into movements (`+movementCols+`) values (`+strings.Join(ph, ", ")+`) returning id`, args...).Scan(&m.ID)
	if err != nil { return ledger.Movement{}, err }
	return m, nil
}

func (t *Tx) MovementsFor(ctx context.Context, ref ledger.MovementRef) ([]ledger.Movement, error) {
	rows, err := t.q.Query(ctx, `
		select `+movementSelectCols+` from movements
		where transaction_id = $1 and account = $2 and type = $3 and direction = $4
		order by date, id
	`, ref.TransactionID, ref.Account, ref.Type, int(ref.Direction))
	if err != nil { return nil, err }
	defer rows.Close()
	var out []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil { return nil, err }
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *Tx) DeleteMovement(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `delete from movements where id = $1`, id)
	if err != nil { return err }
	if tag.RowsAffected() == 0 { return fmt.Errorf("%w: movement %d", errs.ErrNotFound, id) }
	return nil
}

// FindPredecessor looks at both columns of a paired dimension: the same row is side a in some
// movements and side b in others.
func (t *Tx) FindPredecessor(ctx context.Context, dim ledger.Dimension, balanceID int64, before ledger.Position) (decimal.Decimal, bool, error) {
	sides := dim.Sides()
	value, match := sides[0].Column(), sides[0].IDColumn()+" = $1"
	if len(sides) == 2 {
		value = fmt.Sprintf("case when %s = $1 then %s else %s end", sides[0].IDColumn(), sides[0].Column(), sides[1].Column())
		match = fmt.Sprintf("(%s = $1 or %s = $1)", sides[0].IDColumn(), sides[1].IDColumn())
	}
	var v string
	err := t.q.QueryRow(ctx, `
		select (`+value+`)::text from movements
		where `+match+` and (date, id) < ($2, $3)
		order by date desc, id desc
		limit 1
	`, balanceID, before.At, before.ID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) { return decimal.Decimal{}, false, nil }
	if err != nil { return decimal.Decimal{}, false, err }
	d, err := decimal.NewFromString(v)
	if err != nil { return decimal.Decimal{}, false, err }
	return d, true, nil
}

func (t *Tx) ShiftMovements(ctx context.Context, dim ledger.Dimension, ids []int64, after ledger.Position, delta decimal.Decimal) (int64, error) {
	var sets, matches []string
	for _, s := range dim.Sides() {
		sets = append(sets, fmt.Sprintf("%[1]s = case when %[2]s = any($1) then %[1]s + $2::numeric else %[1]s end", s.Column(), s.IDColumn()))
		matches = append(matches, s.IDColumn()+" = any($1)")
	}
	tag, err := t.q.Exec(ctx, `
		update movements set `+strings.Join(sets, ", ")+`
		where (`+strings.Join(matches, " or ")+`) and (date, id) > ($3, $4)
	`, ids, delta.String(), after.At, after.ID)
	if err != nil { return 0, err }
	return tag.RowsAffected(), nil
}
