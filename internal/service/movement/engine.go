// Package movement keeps running balances and their movement log consistent when transaction events
// are applied or undone, including events dated before balances that already exist.
package movement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/lock"
)

// DefaultLockKey guards every balance mutation unless partitioning is enabled.
const DefaultLockKey = "ledger:balances"

// Resolution branches.
const (
	BranchNewKey      = "new_key"
	BranchRetroactive = "retroactive"
	BranchSameDay     = "same_day"
	BranchForward     = "forward"
	BranchMirrored    = "mirrored"
)

// Event is one ledger event fired for a transaction on one account kind.
type Event struct {
	Transaction ledger.Transaction
	Account     ledger.AccountKind
	Direction   ledger.Direction
	Type        ledger.EventType
}

// Ref identifies the movements this event writes.
func (ev Event) Ref() ledger.MovementRef {
	return ledger.MovementRef{TransactionID: ev.Transaction.ID, Account: ev.Account, Type: ev.Type, Direction: ev.Direction}
}

func (ev Event) validate() error {
	t := ev.Transaction
	switch {
	case !ev.Account.Valid():
		return fmt.Errorf("unknown account kind %q", ev.Account)
	case !ev.Direction.Valid():
		return fmt.Errorf("direction must be +1 or -1, got %d", ev.Direction)
	case ev.Type == "":
		return errors.New("event type is required")
	case !t.Amount.IsPositive():
		return errors.New("amount must be positive")
	case strings.TrimSpace(t.Currency) == "":
		return errors.New("currency is required")
	case ev.Account == ledger.AccountCurrent && t.OperationDate.IsZero():
		return errors.New("operation date is required for current account events")
	}
	_, err := t.Parties()
	return err
}

// Options configures an Engine. Zero values pick sensible defaults.
type Options struct {
	// LockKey is the global lock name.
	LockKey string
	// PartitionLocks locks per (currency, account kind) instead of one global key. Every side of an
	// event shares both, so one lease per event still covers all rows it touches.
	PartitionLocks bool
	// Location is the canonical timezone for day buckets.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine writes and undoes movements. It is safe for concurrent use; mutations are serialized through
// the lock.
type Engine struct {
	mu        *lock.Mutex
	lockKey   string
	partition bool
	loc       *time.Location
	now       func() time.Time
	log       *slog.Logger
}

// New builds an engine on top of mu.
func New(mu *lock.Mutex, opts Options) *Engine {
	e := &Engine{mu: mu, lockKey: opts.LockKey, partition: opts.PartitionLocks, loc: opts.Location, now: opts.Now, log: opts.Logger}
	if e.lockKey == "" {
		e.lockKey = DefaultLockKey
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Location is the timezone used for day buckets.
func (e *Engine) Location() *time.Location { return e.loc }

// LockKey returns the lock name guarding ev.
func (e *Engine) LockKey(ev Event) string {
	if !e.partition {
		return e.lockKey
	}
	return e.lockKey + ":" + strings.ToUpper(strings.TrimSpace(ev.Transaction.Currency)) + ":" + string(ev.Account)
}

// Locked holds the locks for every event while fn runs. Callers wrap their database transaction in
// fn so the lease outlives the commit; Apply and Reverse inside fn reuse the held lease.
func (e *Engine) Locked(ctx context.Context, evs []Event, fn func(ctx context.Context) error) error {
	keys := make([]string, 0, len(evs))
	for _, ev := range evs {
		keys = append(keys, e.LockKey(ev))
	}
	return e.mu.Do(ctx, keys, fn)
}

// Apply writes the movement for ev and updates the seven balance rows it touches.
func (e *Engine) Apply(ctx context.Context, st Store, ev Event) (ledger.Movement, error) {
	if err := ev.validate(); err != nil {
		return ledger.Movement{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	var out ledger.Movement
	err := e.mu.Do(ctx, []string{e.LockKey(ev)}, func(ctx context.Context) error {
		m, err := e.apply(ctx, st, ev)
		out = m
		return err
	})
	return out, err
}

// Reverse deletes the movements ev wrote and removes their contribution from every balance row and
// later movement that absorbed it.
func (e *Engine) Reverse(ctx context.Context, st Store, ev Event) ([]ledger.Movement, error) {
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	var out []ledger.Movement
	err := e.mu.Do(ctx, []string{e.LockKey(ev)}, func(ctx context.Context) error {
		ms, err := e.reverse(ctx, st, ev)
		out = ms
		return err
	})
	return out, err
}

// eventTime is when the movement lands: now for cash, the operation date otherwise.
func (e *Engine) eventTime(ev Event) time.Time {
	at := ev.Transaction.OperationDate
	if ev.Account == ledger.AccountCash {
		at = e.now()
	}
	return at.UTC().Truncate(time.Microsecond)
}

func (e *Engine) apply(ctx context.Context, st Store, ev Event) (ledger.Movement, error) {
	t := ev.Transaction
	p, _ := t.Parties()
	contrib := ledger.Contribute(p, t.Amount, ev.Direction)
	at := e.eventTime(ev)
	day := ledger.Day(at, e.loc)
	currency := strings.ToUpper(strings.TrimSpace(t.Currency))
	log := e.log.With("op", "apply", "tx_id", t.ID.String(), "account", string(ev.Account), "event", string(ev.Type),
		"direction", int(ev.Direction), "day", day.Format(time.DateOnly))

	m := ledger.Movement{
		TransactionID: t.ID,
		Date:          at,
		Direction:     ev.Direction,
		Type:          ev.Type,
		Account:       ev.Account,
		Currency:      currency,
	}
	for _, d := range ledger.Sides {
		if d.MirrorOf != nil && p.SameTag() {
			m.Values[d.Side] = m.Values[*d.MirrorOf]
			m.BalanceIDs[d.Side] = m.BalanceIDs[*d.MirrorOf]
			resolutionsTotal.WithLabelValues(d.Side.String(), BranchMirrored).Inc()
			log.Debug("side mirrored", "side", d.Side.String(), "of", d.MirrorOf.String())
			continue
		}
		r := resolution{side: d.Side, key: d.Key(p, currency, ev.Account), day: day, at: at, contribution: contrib[d.Side]}
		if err := e.resolve(ctx, st, &r, log); err != nil {
			return ledger.Movement{}, err
		}
		if r.row.ID == 0 {
			err := &errs.InvariantError{Op: "apply", TransactionID: t.ID.String(), Side: d.Side.String(), Key: r.key.String(),
				Detail: "balance row missing after " + r.branch + " resolution"}
			log.Error("balance resolution failed", "side", d.Side.String(), "key", r.key.String(),
				"contribution", r.contribution.String(), "err", err)
			return ledger.Movement{}, err
		}
		m.Values[d.Side] = r.value
		m.BalanceIDs[d.Side] = r.row.ID
	}
	stored, err := st.InsertMovement(ctx, m)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("insert movement: %w", err)
	}
	movementsTotal.WithLabelValues("apply", string(ev.Account)).Inc()
	log.Info("movement applied", "movement_id", stored.ID, "amount", t.Amount.String(), "currency", currency)
	return stored, nil
}

type resolution struct {
	side         ledger.Side
	key          ledger.BalanceKey
	day          time.Time
	at           time.Time
	contribution decimal.Decimal

	branch  string
	before  decimal.Decimal
	row     ledger.Balance
	value   decimal.Decimal
	shifted int64
}

// resolve locates or creates the row for r.day, folds the contribution into it and everything after
// it, and computes the snapshot value the new movement stores.
func (e *Engine) resolve(ctx context.Context, st Store, r *resolution, log *slog.Logger) error {
	dim := r.side.Dimension()
	c := r.contribution
	pos := ledger.Position{At: r.at, ID: ledger.PendingID}
	wrap := func(step string, err error) error {
		return fmt.Errorf("side %s %s: %w", r.side, step, err)
	}

	latest, hasLatest, err := st.LatestBalance(ctx, r.key)
	if err != nil {
		return wrap("latest balance", err)
	}
	prior, hasPrior, err := st.LatestBalanceBefore(ctx, r.key, r.day)
	if err != nil {
		return wrap("balance before", err)
	}
	if hasPrior {
		r.before = prior.Amount
	}

	switch {
	case !hasLatest:
		r.branch = BranchNewKey
		if r.row, err = st.InsertBalance(ctx, ledger.Balance{Key: r.key, Day: r.day, Amount: c}); err != nil {
			return wrap("insert balance", err)
		}
		r.value = c

	case r.day.Before(latest.Day):
		r.branch = BranchRetroactive
		row, found, err := st.BalanceOn(ctx, r.key, r.day)
		if err != nil {
			return wrap("balance on day", err)
		}
		if found {
			row, err = st.AddToBalance(ctx, row.ID, c)
		} else {
			row, err = st.InsertBalance(ctx, ledger.Balance{Key: r.key, Day: r.day, Amount: r.before.Add(c)})
		}
		if err != nil {
			return wrap("retroactive row", err)
		}
		r.row = row
		touched := []int64{row.ID}
		if !c.IsZero() {
			later, err := st.AddToBalancesAfter(ctx, r.key, r.day, c)
			if err != nil {
				return wrap("propagate balances", err)
			}
			touched = append(touched, later...)
		}
		if r.value, err = e.snapshot(ctx, st, dim, row.ID, pos, r.before, c); err != nil {
			return wrap("snapshot", err)
		}
		if r.shifted, err = shift(ctx, st, dim, touched, pos, c); err != nil {
			return wrap("shift movements", err)
		}

	case r.day.Equal(latest.Day):
		r.branch = BranchSameDay
		if r.row, err = st.AddToBalance(ctx, latest.ID, c); err != nil {
			return wrap("amend balance", err)
		}
		if r.value, err = e.snapshot(ctx, st, dim, latest.ID, pos, r.before, c); err != nil {
			return wrap("snapshot", err)
		}
		if r.shifted, err = shift(ctx, st, dim, []int64{latest.ID}, pos, c); err != nil {
			return wrap("shift movements", err)
		}

	default:
		r.branch = BranchForward
		r.before = latest.Amount
		if r.row, err = st.InsertBalance(ctx, ledger.Balance{Key: r.key, Day: r.day, Amount: latest.Amount.Add(c)}); err != nil {
			return wrap("insert balance", err)
		}
		r.value = r.row.Amount
	}

	resolutionsTotal.WithLabelValues(r.side.String(), r.branch).Inc()
	log.Debug("balance resolved",
		"side", r.side.String(), "branch", r.branch, "key", r.key.String(), "balance_id", r.row.ID,
		"before", r.before.String(), "after", r.row.Amount.String(), "contribution", c.String(),
		"value", r.value.String(), "shifted", r.shifted)
	return nil
}

// snapshot is the nearest earlier movement's value on the row plus c, or before+c when the row has
// no earlier movement.
func (e *Engine) snapshot(ctx context.Context, st Store, dim ledger.Dimension, balanceID int64, pos ledger.Position, before, c decimal.Decimal) (decimal.Decimal, error) {
	prev, ok, err := st.FindPredecessor(ctx, dim, balanceID, pos)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if ok {
		return prev.Add(c), nil
	}
	return before.Add(c), nil
}

func shift(ctx context.Context, st Store, dim ledger.Dimension, ids []int64, after ledger.Position, delta decimal.Decimal) (int64, error) {
	if delta.IsZero() || len(ids) == 0 {
		return 0, nil
	}
	n, err := st.ShiftMovements(ctx, dim, ids, after, delta)
	if err != nil {
		return 0, err
	}
	shiftedTotal.Add(float64(n))
	return n, nil
}

func (e *Engine) reverse(ctx context.Context, st Store, ev Event) ([]ledger.Movement, error) {
	t := ev.Transaction
	log := e.log.With("op", "reverse", "tx_id", t.ID.String(), "account", string(ev.Account), "event", string(ev.Type),
		"direction", int(ev.Direction))
	ms, err := st.MovementsFor(ctx, ev.Ref())
	if err != nil {
		return nil, fmt.Errorf("load movements: %w", err)
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: no %s movement on %s for transaction %s", errs.ErrNotFound, ev.Type, ev.Account, t.ID)
	}
	p, _ := t.Parties()
	for _, m := range ms {
		undo := ledger.Contribute(p, t.Amount, m.Direction).Neg()
		if err := st.DeleteMovement(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("delete movement %d: %w", m.ID, err)
		}
		for _, d := range ledger.Sides {
			if d.MirrorOf != nil && m.BalanceIDs[d.Side] == m.BalanceIDs[*d.MirrorOf] {
				continue
			}
			if err := e.unwind(ctx, st, m, d.Side, undo[d.Side], log); err != nil {
				return nil, err
			}
		}
		movementsTotal.WithLabelValues("reverse", string(ev.Account)).Inc()
		log.Info("movement reversed", "movement_id", m.ID, "date", m.Date.Format(time.RFC3339Nano))
	}
	return ms, nil
}

// unwind removes one side's contribution from the row the movement referenced, every later row of the
// same key, and every later movement referencing any of them.
func (e *Engine) unwind(ctx context.Context, st Store, m ledger.Movement, side ledger.Side, delta decimal.Decimal, log *slog.Logger) error {
	id := m.BalanceIDs[side]
	if id == 0 {
		return &errs.InvariantError{Op: "reverse", TransactionID: m.TransactionID.String(), Side: side.String(),
			Detail: fmt.Sprintf("movement %d has no balance reference", m.ID)}
	}
	row, err := st.BalanceByID(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		log.Error("referenced balance missing", "side", side.String(), "balance_id", id, "err", err)
		return &errs.InvariantError{Op: "reverse", TransactionID: m.TransactionID.String(), Side: side.String(),
			Detail: fmt.Sprintf("movement %d references missing balance %d", m.ID, id), Err: err}
	}
	if err != nil {
		return fmt.Errorf("side %s balance %d: %w", side, id, err)
	}
	if delta.IsZero() {
		return nil
	}
	updated, err := st.AddToBalance(ctx, row.ID, delta)
	if err != nil {
		return fmt.Errorf("side %s decrement balance: %w", side, err)
	}
	later, err := st.AddToBalancesAfter(ctx, row.Key, row.Day, delta)
	if err != nil {
		return fmt.Errorf("side %s propagate balances: %w", side, err)
	}
	n, err := shift(ctx, st, side.Dimension(), append([]int64{row.ID}, later...), m.Position(), delta)
	if err != nil {
		return fmt.Errorf("side %s shift movements: %w", side, err)
	}
	log.Debug("balance unwound", "side", side.String(), "key", row.Key.String(), "balance_id", row.ID,
		"before", row.Amount.String(), "after", updated.Amount.String(), "contribution", delta.String(),
		"later_rows", len(later), "shifted", n)
	return nil
}
