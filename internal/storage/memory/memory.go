package memory

// Package memory provides an in-memory store used for development and tests.
// Each WithTx works on a private copy of the state that replaces the live one only on success, so a
// failed event leaves nothing behind, like a rolled back database transaction.
import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

// Store is an in-memory implementation of every repository the services need.
// It is guarded by an RWMutex; write transactions are serialized.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New constructs an empty in-memory store.
func New() *Store { return &Store{st: newState()} }

// Tx is the transactional view handed to WithTx callbacks.
type Tx struct{ *state }

// WithTx runs fn against a copy of the state and publishes the copy only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(transfer.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&Tx{state: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Ready always succeeds.
func (s *Store) Ready(context.Context) error { return nil }

// Reset drops all data.
func (s *Store) Reset() {
	s.mu.Lock()
	s.st = newState()
	s.mu.Unlock()
}

// SeedDev creates entities for local development.
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

// Seed helpers for local dev/tests. They bypass the engine.
func (s *Store) SeedEntity(e ledger.Entity) ledger.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createEntity(e)
}

func (s *Store) SeedBalance(b ledger.Balance) ledger.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.st.InsertBalance(context.Background(), b)
	if err != nil {
		panic(err)
	}
	return out
}

func (s *Store) SeedMovement(m ledger.Movement) ledger.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, _ := s.st.InsertMovement(context.Background(), m)
	return out
}

// Balances returns every balance row ordered by id.
func (s *Store) Balances() []ledger.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Balance, 0, len(s.st.balances))
	for _, b := range s.st.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Movements returns every movement in (date, id) order.
func (s *Store) Movements() []ledger.Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Movement(nil), s.st.movements...)
}

// Entities

func (s *Store) CreateEntity(_ context.Context, e ledger.Entity) (ledger.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createEntity(e), nil
}

func (s *Store) UpdateEntity(_ context.Context, e ledger.Entity) (ledger.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.entities[e.ID]
	if !ok {
		return ledger.Entity{}, errs.ErrNotFound
	}
	cur.Name, cur.Active = e.Name, e.Active
	s.st.entities[e.ID] = cur
	return cur, nil
}

func (s *Store) GetEntity(_ context.Context, id int64) (ledger.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.st.entities[id]
	if !ok {
		return ledger.Entity{}, errs.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListEntities(_ context.Context) ([]ledger.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entity, 0, len(s.st.entities))
	for _, e := range s.st.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transactions

func (s *Store) TransactionByID(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.transaction(id)
}

func (s *Store) TransactionsByOperation(_ context.Context, operationID uuid.UUID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.st.operations[operationID]; !ok {
		return nil, errs.ErrNotFound
	}
	var out []ledger.Transaction
	for _, id := range s.st.opTxs[operationID] {
		t, _ := s.st.transaction(id)
		out = append(out, t)
	}
	return out, nil
}

// Reads for the balance reader

func (s *Store) LatestBalances(_ context.Context, f ledger.BalanceFilter) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Balance
	for key, ids := range s.st.series {
		if !f.Matches(key) {
			continue
		}
		for i := len(ids) - 1; i >= 0; i-- {
			b := s.st.balances[ids[i]]
			if !b.Day.After(f.Through) {
				out = append(out, b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out, nil
}

func (s *Store) MovementEntries(_ context.Context, f ledger.MovementFilter, offset, limit int) ([]ledger.MovementEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []ledger.MovementEntry
	for _, m := range s.st.movements {
		if !f.InRange(m.Date) {
			continue
		}
		for _, side := range f.Balance.Dimension.Sides() {
			b, ok := s.st.balances[m.BalanceIDs[side]]
			if ok && f.Balance.Matches(b.Key) {
				all = append(all, ledger.MovementEntry{Movement: m, Side: side, Key: b.Key, Value: m.Values[side]})
				break
			}
		}
	}
	total := len(all)
	if offset < 0 || offset >= total {
		return []ledger.MovementEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func keyLess(a, b ledger.BalanceKey) bool {
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
}

// state is the unit copied per transaction.
type state struct {
	nextEntity, nextBalance, nextMovement int64

	entities     map[int64]ledger.Entity
	operations   map[uuid.UUID]ledger.Operation
	transactions map[uuid.UUID]ledger.Transaction
	opTxs        map[uuid.UUID][]uuid.UUID

	balances map[int64]ledger.Balance
	// series holds each key's row ids sorted by day.
	series map[ledger.BalanceKey][]int64
	// movements is kept sorted by (Date, ID).
	movements []ledger.Movement
}

func newState() *state {
	return &state{
		entities:     map[int64]ledger.Entity{},
		operations:   map[uuid.UUID]ledger.Operation{},
		transactions: map[uuid.UUID]ledger.Transaction{},
		opTxs:        map[uuid.UUID][]uuid.UUID{},
		balances:     map[int64]ledger.Balance{},
		series:       map[ledger.BalanceKey][]int64{},
	}
}

func (st *state) clone() *state {
	c := &state{
		nextEntity:   st.nextEntity,
		nextBalance:  st.nextBalance,
		nextMovement: st.nextMovement,
		entities:     make(map[int64]ledger.Entity, len(st.entities)),
		operations:   make(map[uuid.UUID]ledger.Operation, len(st.operations)),
		transactions: make(map[uuid.UUID]ledger.Transaction, len(st.transactions)),
		opTxs:        make(map[uuid.UUID][]uuid.UUID, len(st.opTxs)),
		balances:     make(map[int64]ledger.Balance, len(st.balances)),
		series:       make(map[ledger.BalanceKey][]int64, len(st.series)),
		movements:    append([]ledger.Movement(nil), st.movements...),
	}
	for k, v := range st.entities {
		c.entities[k] = v
	}
	for k, v := range st.operations {
		c.operations[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.opTxs {
		c.opTxs[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.series {
		c.series[k] = append([]int64(nil), v...)
	}
	return c
}

func (st *state) createEntity(e ledger.Entity) ledger.Entity {
	st.nextEntity++
	if e.ID == 0 {
		e.ID = st.nextEntity
	} else if e.ID > st.nextEntity {
		st.nextEntity = e.ID
	}
	st.entities[e.ID] = e
	return e
}

// transaction hydrates the stored parties with their current entity rows.
func (st *state) transaction(id uuid.UUID) (ledger.Transaction, error) {
	t, ok := st.transactions[id]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	if e, ok := st.entities[t.From.ID]; ok {
		t.From = e
	}
	if e, ok := st.entities[t.To.ID]; ok {
		t.To = e
	}
	return t, nil
}

// transfer.Tx

func (st *state) EntitiesByIDs(_ context.Context, ids []int64) (map[int64]ledger.Entity, error) {
	out := make(map[int64]ledger.Entity, len(ids))
	for _, id := range ids {
		if e, ok := st.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (st *state) CreateOperation(_ context.Context, op ledger.Operation) error {
	if _, ok := st.operations[op.ID]; ok {
		return errs.ErrConflict
	}
	st.operations[op.ID] = op
	return nil
}

func (st *state) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	if _, ok := st.transactions[t.ID]; ok {
		return errs.ErrConflict
	}
	if _, ok := st.operations[t.OperationID]; !ok {
		return fmt.Errorf("%w: operation %s", errs.ErrNotFound, t.OperationID)
	}
	st.transactions[t.ID] = t
	st.opTxs[t.OperationID] = append(st.opTxs[t.OperationID], t.ID)
	return nil
}

func (st *state) TransactionForUpdate(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return st.transaction(id)
}

func (st *state) UpdateTransactionStatus(_ context.Context, id uuid.UUID, status ledger.Status) error {
	t, ok := st.transactions[id]
	if !ok {
		return errs.ErrNotFound
	}
	t.Status = status
	st.transactions[id] = t
	return nil
}

// movement.Store

func (st *state) LatestBalance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	ids := st.series[key]
	if len(ids) == 0 {
		return ledger.Balance{}, false, nil
	}
	return st.balances[ids[len(ids)-1]], true, nil
}

func (st *state) LatestBalanceBefore(_ context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error) {
	ids := st.series[key]
	i := st.dayIndex(ids, day)
	if i == 0 {
		return ledger.Balance{}, false, nil
	}
	return st.balances[ids[i-1]], true, nil
}

func (st *state) BalanceOn(_ context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error) {
	ids := st.series[key]
	i := st.dayIndex(ids, day)
	if i < len(ids) && st.balances[ids[i]].Day.Equal(day) {
		return st.balances[ids[i]], true, nil
	}
	return ledger.Balance{}, false, nil
}

// dayIndex is the first position in ids whose day is not before day.
func (st *state) dayIndex(ids []int64, day time.Time) int {
	return sort.Search(len(ids), func(i int) bool { return !st.balances[ids[i]].Day.Before(day) })
}

func (st *state) BalanceByID(_ context.Context, id int64) (ledger.Balance, error) {
	b, ok := st.balances[id]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("%w: balance %d", errs.ErrNotFound, id)
	}
	return b, nil
}

func (st *state) InsertBalance(_ context.Context, b ledger.Balance) (ledger.Balance, error) {
	ids := st.series[b.Key]
	i := st.dayIndex(ids, b.Day)
	if i < len(ids) && st.balances[ids[i]].Day.Equal(b.Day) {
		return ledger.Balance{}, fmt.Errorf("%w: balance %s on %s exists", errs.ErrConflict, b.Key, b.Day.Format(time.DateOnly))
	}
	st.nextBalance++
	b.ID = st.nextBalance
	st.balances[b.ID] = b
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = b.ID
	st.series[b.Key] = ids
	return b, nil
}

func (st *state) AddToBalance(_ context.Context, id int64, delta decimal.Decimal) (ledger.Balance, error) {
	b, ok := st.balances[id]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("%w: balance %d", errs.ErrNotFound, id)
	}
	b.Amount = b.Amount.Add(delta)
	st.balances[id] = b
	return b, nil
}

func (st *state) AddToBalancesAfter(_ context.Context, key ledger.BalanceKey, day time.Time, delta decimal.Decimal) ([]int64, error) {
	var out []int64
	for _, id := range st.series[key] {
		b := st.balances[id]
		if !b.Day.After(day) {
			continue
		}
		b.Amount = b.Amount.Add(delta)
		st.balances[id] = b
		out = append(out, id)
	}
	return out, nil
}

// posIndex is the first movement not sorting before p.
func (st *state) posIndex(p ledger.Position) int {
	return sort.Search(len(st.movements), func(i int) bool { return !st.movements[i].Position().Before(p) })
}

func (st *state) FindPredecessor(_ context.Context, dim ledger.Dimension, balanceID int64, before ledger.Position) (decimal.Decimal, bool, error) {
	for i := st.posIndex(before) - 1; i >= 0; i-- {
		if v, _, ok := st.movements[i].Value(dim, balanceID); ok {
			return v, true, nil
		}
	}
	return decimal.Decimal{}, false, nil
}

func (st *state) ShiftMovements(_ context.Context, dim ledger.Dimension, ids []int64, after ledger.Position, delta decimal.Decimal) (int64, error) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	var n int64
	for i := st.posIndex(after); i < len(st.movements); i++ {
		m := &st.movements[i]
		if !after.Before(m.Position()) {
			continue
		}
		changed := false
		for _, s := range dim.Sides() {
			if _, ok := set[m.BalanceIDs[s]]; ok {
				m.Values[s] = m.Values[s].Add(delta)
				changed = true
			}
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (st *state) InsertMovement(_ context.Context, m ledger.Movement) (ledger.Movement, error) {
	st.nextMovement++
	m.ID = st.nextMovement
	i := st.posIndex(m.Position())
	st.movements = append(st.movements, ledger.Movement{})
	copy(st.movements[i+1:], st.movements[i:])
	st.movements[i] = m
	return m, nil
}

func (st *state) MovementsFor(_ context.Context, ref ledger.MovementRef) ([]ledger.Movement, error) {
	var out []ledger.Movement
	for _, m := range st.movements {
		if m.TransactionID == ref.TransactionID && m.Account == ref.Account && m.Type == ref.Type && m.Direction == ref.Direction {
			out = append(out, m)
		}
	}
	return out, nil
}

func (st *state) DeleteMovement(_ context.Context, id int64) error {
	for i, m := range st.movements {
		if m.ID == id {
			st.movements = append(st.movements[:i], st.movements[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: movement %d", errs.ErrNotFound, id)
}
