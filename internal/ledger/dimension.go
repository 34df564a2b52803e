package ledger

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Dimension is one of the four ways balances are aggregated.
type Dimension int

const (
	// DimPair is entity vs entity, keyed by the canonical pair.
	DimPair Dimension = 1
	// DimEntity is entity vs everyone else.
	DimEntity Dimension = 2
	// DimTagEntity is an entity vs every entity carrying the counterparty's tag.
	DimTagEntity Dimension = 3
	// DimTag is tag vs everyone else.
	DimTag Dimension = 4
)

// Valid reports whether d is 1..4.
func (d Dimension) Valid() bool { return d >= DimPair && d <= DimTag }

// Sides lists the movement columns that belong to d.
func (d Dimension) Sides() []Side {
	switch d {
	case DimPair:
		return []Side{Side1}
	case DimEntity:
		return []Side{Side2A, Side2B}
	case DimTagEntity:
		return []Side{Side3A, Side3B}
	case DimTag:
		return []Side{Side4A, Side4B}
	}
	return nil
}

// ParseDimension accepts "1".."4".
func ParseDimension(s string) (Dimension, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !Dimension(n).Valid() {
		return 0, fmt.Errorf("invalid balance type %q", s)
	}
	return Dimension(n), nil
}

// Side is one half of a dimension, stored as its own balance row and movement column.
type Side int

const (
	Side1 Side = iota
	Side2A
	Side2B
	Side3A
	Side3B
	Side4A
	Side4B
	NumSides = 7
)

var sideNames = [NumSides]string{"1", "2a", "2b", "3a", "3b", "4a", "4b"}

func (s Side) String() string {
	if s < 0 || int(s) >= NumSides {
		return "side(" + strconv.Itoa(int(s)) + ")"
	}
	return sideNames[s]
}

// Column is the movement column holding the side's snapshot value.
func (s Side) Column() string { return "balance_" + s.String() }

// IDColumn is the movement column referencing the side's balance row.
func (s Side) IDColumn() string { return s.Column() + "_id" }

// Dimension returns the dimension s belongs to.
func (s Side) Dimension() Dimension {
	switch s {
	case Side1:
		return DimPair
	case Side2A, Side2B:
		return DimEntity
	case Side3A, Side3B:
		return DimTagEntity
	default:
		return DimTag
	}
}

// BalanceKey identifies a running balance series. Absent parts are zero values.
type BalanceKey struct {
	Dimension Dimension
	EntA      int64
	EntB      int64
	Tag       string
	Currency  string
	Account   AccountKind
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%s/%s/%s", k.Dimension, k.EntA, k.EntB, k.Tag, k.Currency, k.Account)
}

// SideDescriptor describes how one side derives its key and whether tag equality zeroes it.
type SideDescriptor struct {
	Side Side
	// Key builds the balance key from the canonical parties.
	Key func(p Parties, currency string, account AccountKind) BalanceKey
	// TagScoped sides contribute nothing when both parties share a tag.
	TagScoped bool
	// MirrorOf, when set, lets this side copy another side's row instead of resolving its own when
	// the parties share a tag.
	MirrorOf *Side
}

var side4A = Side4A

// Sides is the fixed table every writer and reverser iterates.
var Sides = [NumSides]SideDescriptor{
	{Side: Side1, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimPair, EntA: p.A.ID, EntB: p.B.ID, Currency: c, Account: a}
	}},
	{Side: Side2A, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimEntity, EntA: p.A.ID, Currency: c, Account: a}
	}},
	{Side: Side2B, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimEntity, EntA: p.B.ID, Currency: c, Account: a}
	}},
	{Side: Side3A, TagScoped: true, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimTagEntity, EntA: p.A.ID, Tag: p.B.Tag, Currency: c, Account: a}
	}},
	{Side: Side3B, TagScoped: true, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimTagEntity, EntA: p.B.ID, Tag: p.A.Tag, Currency: c, Account: a}
	}},
	{Side: Side4A, TagScoped: true, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimTag, Tag: p.A.Tag, Currency: c, Account: a}
	}},
	{Side: Side4B, TagScoped: true, MirrorOf: &side4A, Key: func(p Parties, c string, a AccountKind) BalanceKey {
		return BalanceKey{Dimension: DimTag, Tag: p.B.Tag, Currency: c, Account: a}
	}},
}

// PendingID orders a movement that has not been inserted yet after every stored movement with the
// same timestamp.
const PendingID int64 = math.MaxInt64

// Position is a point in the (date, id) total order of movements.
type Position struct {
	At time.Time
	ID int64
}

// Before reports whether p sorts strictly before q.
func (p Position) Before(q Position) bool {
	if !p.At.Equal(q.At) {
		return p.At.Before(q.At)
	}
	return p.ID < q.ID
}

// Day buckets t into its calendar date in loc, returned as midnight UTC of that date.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
