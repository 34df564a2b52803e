package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceFilter selects balance series by entity or tag within one dimension and account kind.
type BalanceFilter struct {
	EntityID  int64
	Tag       string
	Dimension Dimension
	Account   AccountKind
	// Currency is optional; empty matches every currency.
	Currency string
	// Through is the last day bucket to consider.
	Through time.Time
}

// Validate checks that the filter names exactly one subject that fits the dimension.
func (f BalanceFilter) Validate() error {
	if !f.Dimension.Valid() {
		return errors.New("balance type must be 1..4")
	}
	if !f.Account.Valid() {
		return errors.New("account must be cash or current_account")
	}
	hasEntity, hasTag := f.EntityID > 0, strings.TrimSpace(f.Tag) != ""
	if hasEntity == hasTag {
		return errors.New("exactly one of entity_id or tag is required")
	}
	if hasTag && f.Dimension < DimTagEntity {
		return errors.New("tag filter applies to balance types 3 and 4 only")
	}
	if hasEntity && f.Dimension == DimTag {
		return errors.New("balance type 4 is filtered by tag")
	}
	return nil
}

// Matches reports whether k belongs to the filter, ignoring the date cutoff.
func (f BalanceFilter) Matches(k BalanceKey) bool {
	if k.Dimension != f.Dimension || k.Account != f.Account {
		return false
	}
	if f.Currency != "" && !strings.EqualFold(k.Currency, f.Currency) {
		return false
	}
	if f.Tag != "" {
		return k.Tag == f.Tag
	}
	if f.Dimension == DimPair {
		return k.EntA == f.EntityID || k.EntB == f.EntityID
	}
	return k.EntA == f.EntityID
}

// MovementFilter selects movements whose rows for one dimension match a balance filter.
type MovementFilter struct {
	Balance BalanceFilter
	// From and To bound the movement timestamp, inclusive. Zero means unbounded.
	From, To time.Time
}

// InRange reports whether t falls within the filter's time window.
func (f MovementFilter) InRange(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.After(f.To) {
		return false
	}
	return true
}

// MovementEntry is a movement as seen through one side of a filtered dimension.
type MovementEntry struct {
	Movement Movement
	Side     Side
	Key      BalanceKey
	Value    decimal.Decimal
}
