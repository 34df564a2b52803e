package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountKind identifies which ledger a movement lands on.
type AccountKind string

const (
	// AccountCash tracks money that actually changed hands.
	AccountCash AccountKind = "cash"
	// AccountCurrent tracks obligations recorded on the current account.
	AccountCurrent AccountKind = "current_account"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool { return k == AccountCash || k == AccountCurrent }

// Direction encodes whether an event adds (+1) or removes (-1) value.
type Direction int

const (
	Forward Direction = 1
	Reverse Direction = -1
)

// Valid reports whether d is +1 or -1.
func (d Direction) Valid() bool { return d == Forward || d == Reverse }

// EventType labels the lifecycle step that produced a movement.
type EventType string

const (
	EventUpload       EventType = "upload"
	EventConfirmation EventType = "confirmation"
	EventCancellation EventType = "cancellation"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// CurrentAccountOnlyTypes never move cash on confirmation.
var CurrentAccountOnlyTypes = []string{"cuenta corriente", "current_account"}

// Entity is a party that sends or receives money. Tag groups entities into a category.
type Entity struct {
	ID     int64
	Name   string
	Tag    string
	Active bool
}

// Operation groups transactions sharing a date and an observation.
type Operation struct {
	ID          uuid.UUID
	Date        time.Time
	Observation string
}

// Transaction is an immutable transfer between two entities.
type Transaction struct {
	ID            uuid.UUID
	OperationID   uuid.UUID
	OperationDate time.Time
	Amount        decimal.Decimal
	Currency      string
	From          Entity
	To            Entity
	OperatorID    int64
	Type          string
	Status        Status
}

// CurrentAccountOnly reports whether confirming t skips the cash ledger.
func (t Transaction) CurrentAccountOnly() bool {
	typ := strings.ToLower(strings.TrimSpace(t.Type))
	for _, c := range CurrentAccountOnlyTypes {
		if typ == c {
			return true
		}
	}
	return false
}

// Parties returns the canonical a/b assignment of the transaction's entities.
func (t Transaction) Parties() (Parties, error) {
	if t.From.ID == t.To.ID {
		return Parties{}, errors.New("from and to entity must differ")
	}
	return Canonical(t.From, t.To), nil
}

// Parties holds the canonical ordering of a transfer's two entities: A always has the lower id.
type Parties struct {
	A, B Entity
	// AReceives is true when A is the destination of the transfer.
	AReceives bool
}

// Canonical orders from/to so that the lower id is A.
func Canonical(from, to Entity) Parties {
	if from.ID < to.ID {
		return Parties{A: from, B: to, AReceives: false}
	}
	return Parties{A: to, B: from, AReceives: true}
}

// SameTag reports whether both parties share a tag, in which case tag dimensions carry nothing.
func (p Parties) SameTag() bool { return p.A.Tag == p.B.Tag }

// Balance is a running total for one key as of the end of Day.
type Balance struct {
	ID     int64
	Key    BalanceKey
	Day    time.Time
	Amount decimal.Decimal
}

// Movement records, for each side, the balance value right after the event landed and the row it was
// computed against.
type Movement struct {
	ID            int64
	TransactionID uuid.UUID
	Date          time.Time
	Direction     Direction
	Type          EventType
	Account       AccountKind
	Currency      string
	Values        [NumSides]decimal.Decimal
	BalanceIDs    [NumSides]int64
}

// MovementRef identifies the movements one event produced.
type MovementRef struct {
	TransactionID uuid.UUID
	Account       AccountKind
	Type          EventType
	Direction     Direction
}

// Position returns where m sits in the global movement order.
func (m Movement) Position() Position { return Position{At: m.Date, ID: m.ID} }

// Value returns the stored value for the side of dim that references balanceID.
func (m Movement) Value(dim Dimension, balanceID int64) (decimal.Decimal, Side, bool) {
	for _, s := range dim.Sides() {
		if m.BalanceIDs[s] == balanceID {
			return m.Values[s], s, true
		}
	}
	return decimal.Decimal{}, 0, false
}
