package movement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/ledger"
)

// Store is the balance and movement persistence the engine mutates. Implementations are bound to
// the caller's database transaction.
type Store interface {
	// LatestBalance returns the most recent row for key.
	LatestBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error)
	// LatestBalanceBefore returns the most recent row for key strictly before day.
	LatestBalanceBefore(ctx context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error)
	// BalanceOn returns the row for key on exactly day.
	BalanceOn(ctx context.Context, key ledger.BalanceKey, day time.Time) (ledger.Balance, bool, error)
	BalanceByID(ctx context.Context, id int64) (ledger.Balance, error)
	InsertBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error)
	AddToBalance(ctx context.Context, id int64, delta decimal.Decimal) (ledger.Balance, error)
	// AddToBalancesAfter adds delta to every row of key dated strictly after day and returns their ids.
	AddToBalancesAfter(ctx context.Context, key ledger.BalanceKey, day time.Time, delta decimal.Decimal) ([]int64, error)

	// FindPredecessor returns the value stored by the nearest movement before pos that references
	// balanceID on either side of dim.
	FindPredecessor(ctx context.Context, dim ledger.Dimension, balanceID int64, before ledger.Position) (decimal.Decimal, bool, error)
	// ShiftMovements adds delta to the value of every side of dim that references one of ids, for
	// movements strictly after pos. It returns the number of movements changed.
	ShiftMovements(ctx context.Context, dim ledger.Dimension, ids []int64, after ledger.Position, delta decimal.Decimal) (int64, error)
	InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error)
	MovementsFor(ctx context.Context, ref ledger.MovementRef) ([]ledger.Movement, error)
	DeleteMovement(ctx context.Context, id int64) error
}
