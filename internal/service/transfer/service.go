// Package transfer drives the transaction lifecycle (upload, confirmation, cancellation) and fires the
// matching ledger events inside one database transaction under the balance lock.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/movement"
)

// Tx is the transactional view of the store. Everything written through it commits or rolls back
// together.
type Tx interface {
	movement.Store
	EntitiesByIDs(ctx context.Context, ids []int64) (map[int64]ledger.Entity, error)
	CreateOperation(ctx context.Context, op ledger.Operation) error
	CreateTransaction(ctx context.Context, t ledger.Transaction) error
	// TransactionForUpdate loads t and blocks concurrent lifecycle changes until commit.
	TransactionForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status ledger.Status) error
}

// Repo defines the reads and the transaction boundary needed by the service.
type Repo interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	TransactionByID(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	TransactionsByOperation(ctx context.Context, operationID uuid.UUID) ([]ledger.Transaction, error)
}

// Ledger is the movement engine as seen by the lifecycle.
type Ledger interface {
	Locked(ctx context.Context, evs []movement.Event, fn func(ctx context.Context) error) error
	Apply(ctx context.Context, st movement.Store, ev movement.Event) (ledger.Movement, error)
	Reverse(ctx context.Context, st movement.Store, ev movement.Event) ([]ledger.Movement, error)
}

// Line is one transfer inside a new operation.
type Line struct {
	FromID   int64
	ToID     int64
	Amount   decimal.Decimal
	Currency string
	Type     string
}

// OperationInput describes a new operation and its transfers.
type OperationInput struct {
	Date        time.Time
	Observation string
	OperatorID  int64
	Lines       []Line
}

// Result is what a lifecycle call wrote.
type Result struct {
	Operation    ledger.Operation
	Transactions []ledger.Transaction
	Movements    []ledger.Movement
}

// Service exposes the transaction lifecycle.
type Service interface {
	ValidateOperation(in OperationInput) error
	CreateOperation(ctx context.Context, in OperationInput) (Result, error)
	Get(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	ListByOperation(ctx context.Context, operationID uuid.UUID) ([]ledger.Transaction, error)
	Confirm(ctx context.Context, id uuid.UUID) (Result, error)
	Cancel(ctx context.Context, id uuid.UUID) (Result, error)
}

type service struct {
	repo   Repo
	ledger Ledger
}

func New(repo Repo, l Ledger) Service { return &service{repo: repo, ledger: l} }

func (s *service) ValidateOperation(in OperationInput) error {
	if in.Date.IsZero() { return errors.New("date is required") }
	if len(in.Lines) == 0 { return errors.New("at least 1 transaction") }
	for i, ln := range in.Lines {
		if ln.FromID <= 0 || ln.ToID <= 0 { return fieldErr(i, "from and to entity are required") }
		if ln.FromID == ln.ToID { return fieldErr(i, "from and to entity must differ") }
		if !ln.Amount.IsPositive() { return fieldErr(i, "amount must be > 0") }
		cur := strings.ToUpper(strings.TrimSpace(ln.Currency))
		if cur == "" { return fieldErr(i, "currency is required") }
		if err := checkScale(cur, ln.Amount); err != nil { return fieldErr(i, err.Error()) }
	}
	return nil
}

// checkScale rejects amounts finer than an ISO currency's minor unit. Other codes keep full precision.
func checkScale(currency string, amount decimal.Decimal) error {
	if _, err := money.ParseCurr(currency); err != nil { return nil }
	a, err := money.ParseAmount(currency, amount.String())
	if err != nil { return fmt.Errorf("amount %s out of range for %s", amount, currency) }
	if a.Scale() > a.Curr().Scale() {
		return fmt.Errorf("%s allows at most %d decimal places", currency, a.Curr().Scale())
	}
	return nil
}

func (s *service) CreateOperation(ctx context.Context, in OperationInput) (Result, error) {
	if err := s.ValidateOperation(in); err != nil { return Result{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err) }
	op := ledger.Operation{ID: uuid.New(), Date: in.Date.UTC().Truncate(time.Microsecond), Observation: strings.TrimSpace(in.Observation)}
	txs := make([]ledger.Transaction, len(in.Lines))
	evs := make([]movement.Event, len(in.Lines))
	for i, ln := range in.Lines {
		txs[i] = ledger.Transaction{
			ID:            uuid.New(),
			OperationID:   op.ID,
			OperationDate: op.Date,
			Amount:        ln.Amount,
			Currency:      strings.ToUpper(strings.TrimSpace(ln.Currency)),
			From:          ledger.Entity{ID: ln.FromID},
			To:            ledger.Entity{ID: ln.ToID},
			OperatorID:    in.OperatorID,
			Type:          strings.TrimSpace(ln.Type),
			Status:        ledger.StatusPending,
		}
		evs[i] = uploadEvent(txs[i])
	}
	res := Result{Operation: op}
	err := s.ledger.Locked(ctx, evs, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Tx) error {
			ents, err := tx.EntitiesByIDs(ctx, entityIDs(in.Lines))
			if err != nil { return err }
			if err := tx.CreateOperation(ctx, op); err != nil { return err }
			res.Transactions, res.Movements = nil, nil
			for i := range txs {
				t := txs[i]
				from, ok := ents[t.From.ID]
				if !ok { return fmt.Errorf("%w: line[%d]: from entity %d", errs.ErrUnprocessable, i, t.From.ID) }
				to, ok := ents[t.To.ID]
				if !ok { return fmt.Errorf("%w: line[%d]: to entity %d", errs.ErrUnprocessable, i, t.To.ID) }
				if !from.Active || !to.Active { return fmt.Errorf("%w: line[%d]: inactive entity", errs.ErrUnprocessable, i) }
				t.From, t.To = from, to
				if err := tx.CreateTransaction(ctx, t); err != nil { return err }
				m, err := s.ledger.Apply(ctx, tx, uploadEvent(t))
				if err != nil { return fmt.Errorf("line[%d]: %w", i, err) }
				res.Transactions = append(res.Transactions, t)
				res.Movements = append(res.Movements, m)
			}
			return nil
		})
	})
	if err != nil { return Result{}, err }
	return res, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	if id == uuid.Nil { return ledger.Transaction{}, errs.ErrInvalid }
	return s.repo.TransactionByID(ctx, id)
}

func (s *service) ListByOperation(ctx context.Context, operationID uuid.UUID) ([]ledger.Transaction, error) {
	if operationID == uuid.Nil { return nil, errs.ErrInvalid }
	return s.repo.TransactionsByOperation(ctx, operationID)
}

// Confirm moves a pending transaction to confirmed and records the cash movement.
func (s *service) Confirm(ctx context.Context, id uuid.UUID) (Result, error) {
	t, err := s.Get(ctx, id)
	if err != nil { return Result{}, err }
	var evs []movement.Event
	if !t.CurrentAccountOnly() { evs = append(evs, confirmEvent(t)) }
	var res Result
	err = s.ledger.Locked(ctx, evs, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Tx) error {
			cur, err := tx.TransactionForUpdate(ctx, id)
			if err != nil { return err }
			if cur.Status != ledger.StatusPending {
				return fmt.Errorf("%w: transaction is %s, only pending can be confirmed", errs.ErrConflict, cur.Status)
			}
			if err := tx.UpdateTransactionStatus(ctx, id, ledger.StatusConfirmed); err != nil { return err }
			cur.Status = ledger.StatusConfirmed
			res = Result{Transactions: []ledger.Transaction{cur}}
			if cur.CurrentAccountOnly() { return nil }
			m, err := s.ledger.Apply(ctx, tx, confirmEvent(cur))
			if err != nil { return err }
			res.Movements = append(res.Movements, m)
			return nil
		})
	})
	if err != nil { return Result{}, err }
	return res, nil
}

// Cancel undoes the upload and, for confirmed transactions, books a cash counter-movement.
func (s *service) Cancel(ctx context.Context, id uuid.UUID) (Result, error) {
	t, err := s.Get(ctx, id)
	if err != nil { return Result{}, err }
	evs := []movement.Event{uploadEvent(t)}
	if !t.CurrentAccountOnly() { evs = append(evs, cancelEvent(t)) }
	var res Result
	err = s.ledger.Locked(ctx, evs, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Tx) error {
			cur, err := tx.TransactionForUpdate(ctx, id)
			if err != nil { return err }
			if cur.Status == ledger.StatusCancelled {
				return fmt.Errorf("%w: transaction already cancelled", errs.ErrConflict)
			}
			was := cur.Status
			if _, err := s.ledger.Reverse(ctx, tx, uploadEvent(cur)); err != nil { return err }
			if err := tx.UpdateTransactionStatus(ctx, id, ledger.StatusCancelled); err != nil { return err }
			cur.Status = ledger.StatusCancelled
			res = Result{Transactions: []ledger.Transaction{cur}}
			if was != ledger.StatusConfirmed || cur.CurrentAccountOnly() { return nil }
			m, err := s.ledger.Apply(ctx, tx, cancelEvent(cur))
			if err != nil { return err }
			res.Movements = append(res.Movements, m)
			return nil
		})
	})
	if err != nil { return Result{}, err }
	return res, nil
}

func uploadEvent(t ledger.Transaction) movement.Event {
	return movement.Event{Transaction: t, Account: ledger.AccountCurrent, Direction: ledger.Forward, Type: ledger.EventUpload}
}

func confirmEvent(t ledger.Transaction) movement.Event {
	return movement.Event{Transaction: t, Account: ledger.AccountCash, Direction: ledger.Forward, Type: ledger.EventConfirmation}
}

func cancelEvent(t ledger.Transaction) movement.Event {
	return movement.Event{Transaction: t, Account: ledger.AccountCash, Direction: ledger.Reverse, Type: ledger.EventCancellation}
}

func entityIDs(lines []Line) []int64 {
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(lines)*2)
	for _, ln := range lines {
		for _, id := range []int64{ln.FromID, ln.ToID} {
			if _, ok := seen[id]; ok { continue }
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func fieldErr(i int, msg string) error { return fmt.Errorf("line[%d]: %s", i, msg) }
