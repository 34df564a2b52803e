package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinoosan/balanceledger/internal/ledger"
)

// subject renders the entity/tag predicate of f against alias x, using parameter n.
func subject(f ledger.BalanceFilter, x string, n int) (string, any) {
	switch {
	case f.Tag != "":
		return fmt.Sprintf("%s.tag = ?%d", x, n), f.Tag
	case f.Dimension == ledger.DimPair:
		return fmt.Sprintf("(%[1]s.ent_a = ?%[2]d or %[1]s.ent_b = ?%[2]d)", x, n), f.EntityID
	default:
		return fmt.Sprintf("%s.ent_a = ?%d", x, n), f.EntityID
	}
}

// LatestBalances picks the newest row per key on or before the cutoff.
func (s *Store) LatestBalances(ctx context.Context, f ledger.BalanceFilter) ([]ledger.Balance, error) {
	pred, arg := subject(f, "b", 5)
	rows, err := s.db.QueryContext(ctx, `
		select b.id, b.type, b.ent_a, b.ent_b, b.tag, b.currency, b.account, b.date, b.amount
		from balances b
		where b.type = ?1 and b.account = ?2 and b.date <= ?3 and (?4 = '' or b.currency = ?4) and `+pred+`
		  and b.date = (
			select max(x.date) from balances x
			where x.type = b.type and x.ent_a = b.ent_a and x.ent_b = b.ent_b and x.tag = b.tag
			  and x.currency = b.currency and x.account = b.account and x.date <= ?3
		  )
	`, int(f.Dimension), string(f.Account), day(f.Through), f.Currency, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Balance, 0)
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBalances(out)
	return out, nil
}

// MovementEntries joins each side column of the dimension to its balance row; the first matching
// side wins.
func (s *Store) MovementEntries(ctx context.Context, f ledger.MovementFilter, offset, limit int) ([]ledger.MovementEntry, int, error) {
	sides := f.Balance.Dimension.Sides()
	var joins, matchAny []string
	for i, side := range sides {
		x := fmt.Sprintf("b%d", i)
		pred, _ := subject(f.Balance, x, 3)
		joins = append(joins, fmt.Sprintf(
			"left join balances %[1]s on %[1]s.id = m.%[2]s and %[1]s.account = ?1 and (?2 = '' or %[1]s.currency = ?2) and %[3]s",
			x, side.IDColumn(), pred))
		matchAny = append(matchAny, x+".id is not null")
	}
	_, arg := subject(f.Balance, "", 3)
	var from, to any
	if !f.From.IsZero() {
		from = ts(f.From)
	}
	if !f.To.IsZero() {
		to = ts(f.To)
	}
	body := `
		from movements m
		` + strings.Join(joins, "\n\t\t") + `
		where (` + strings.Join(matchAny, " or ") + `)
		  and (?4 is null or m.date >= ?4)
		  and (?5 is null or m.date <= ?5)
	`
	args := []any{string(f.Balance.Account), f.Balance.Currency, arg, from, to}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) `+body, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	coalesce := func(col string) string {
		parts := make([]string, len(sides))
		for i := range sides {
			parts[i] = fmt.Sprintf("b%d.%s", i, col)
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return "coalesce(" + strings.Join(parts, ", ") + ")"
	}
	matched := "0"
	if len(sides) == 2 {
		matched = "case when b0.id is not null then 0 else 1 end"
	}
	var sel []string
	for _, c := range strings.Split(movementSelectCols, ", ") {
		sel = append(sel, "m."+c)
	}
	sel = append(sel, matched, coalesce("ent_a"), coalesce("ent_b"), coalesce("tag"), coalesce("currency"))

	rows, err := s.db.QueryContext(ctx, `select `+strings.Join(sel, ", ")+` `+body+` order by m.date, m.id limit ?7 offset ?6`,
		append(args, offset, limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]ledger.MovementEntry, 0)
	for rows.Next() {
		var m ledger.Movement
		var idx int
		key := ledger.BalanceKey{Dimension: f.Balance.Dimension, Account: f.Balance.Account}
		dest, finish := movementDest(&m)
		dest = append(dest, &idx, &key.EntA, &key.EntB, &key.Tag, &key.Currency)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		if err := finish(); err != nil {
			return nil, 0, err
		}
		side := sides[idx]
		out = append(out, ledger.MovementEntry{Movement: m, Side: side, Key: key, Value: m.Values[side]})
	}
	return out, total, rows.Err()
}
