// Package balance reads balances and movement history without taking the balance lock.
package balance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Repo is the read side of the balance store.
type Repo interface {
	// LatestBalances returns, per matching key, the newest row dated on or before f.Through.
	LatestBalances(ctx context.Context, f ledger.BalanceFilter) ([]ledger.Balance, error)
	// MovementEntries returns matching movements in (date, id) order and the total match count.
	MovementEntries(ctx context.Context, f ledger.MovementFilter, offset, limit int) ([]ledger.MovementEntry, int, error)
}

// Query names the subject whose balances are read.
type Query struct {
	EntityID  int64
	Tag       string
	Dimension ledger.Dimension
	Account   ledger.AccountKind
	Currency  string
	// AsOf defaults to now.
	AsOf *time.Time
}

// View is a balance row seen from the queried subject.
type View struct {
	Balance ledger.Balance
	// Amount is positive when the subject is owed or holds money.
	Amount decimal.Decimal
	// Counterparty is the other entity of a pair balance.
	Counterparty int64
}

// MovementQuery filters the movement listing.
type MovementQuery struct {
	EntityID  int64
	Tag       string
	Dimension ledger.Dimension
	Account   ledger.AccountKind
	Currency  string
	From, To  *time.Time
}

// Entry is one movement in a page, valued from the queried subject.
type Entry struct {
	ledger.MovementEntry
	Amount       decimal.Decimal
	Counterparty int64
}

// Page is a slice of the movement listing. Page numbers start at 1.
type Page struct {
	Entries  []Entry
	Page     int
	PageSize int
	Total    int
}

// MaxPage is the last page number whose offset fits in an int.
func MaxPage(pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return math.MaxInt / pageSize
}

type Service interface {
	Balances(ctx context.Context, q Query) ([]View, error)
	MovementsPage(ctx context.Context, q MovementQuery, page, pageSize int) (Page, error)
}

type service struct {
	repo Repo
	loc  *time.Location
	now  func() time.Time
}

// New returns a reader bucketing cutoffs in loc.
func New(repo Repo, loc *time.Location) Service {
	if loc == nil {
		loc = time.UTC
	}
	return &service{repo: repo, loc: loc, now: time.Now}
}

func (s *service) Balances(ctx context.Context, q Query) ([]View, error) {
	at := s.now()
	if q.AsOf != nil {
		at = *q.AsOf
	}
	f := ledger.BalanceFilter{
		EntityID:  q.EntityID,
		Tag:       strings.TrimSpace(q.Tag),
		Dimension: q.Dimension,
		Account:   q.Account,
		Currency:  strings.ToUpper(strings.TrimSpace(q.Currency)),
		Through:   ledger.Day(at, s.loc),
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	rows, err := s.repo.LatestBalances(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for _, b := range rows {
		amt, other := perspective(f, b.Key, b.Amount)
		out = append(out, View{Balance: b, Amount: amt, Counterparty: other})
	}
	return out, nil
}

func (s *service) MovementsPage(ctx context.Context, q MovementQuery, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page > MaxPage(pageSize) {
		return Page{}, fmt.Errorf("%w: page must be at most %d", errs.ErrInvalid, MaxPage(pageSize))
	}
	f := ledger.MovementFilter{Balance: ledger.BalanceFilter{
		EntityID:  q.EntityID,
		Tag:       strings.TrimSpace(q.Tag),
		Dimension: q.Dimension,
		Account:   q.Account,
		Currency:  strings.ToUpper(strings.TrimSpace(q.Currency)),
	}}
	if err := f.Balance.Validate(); err != nil {
		return Page{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	if q.From != nil {
		f.From = q.From.UTC()
	}
	if q.To != nil {
		f.To = q.To.UTC()
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Page{}, fmt.Errorf("%w: to must not be before from", errs.ErrInvalid)
	}
	entries, total, err := s.repo.MovementEntries(ctx, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, err
	}
	out := Page{Entries: make([]Entry, 0, len(entries)), Page: page, PageSize: pageSize, Total: total}
	for _, me := range entries {
		amt, other := perspective(f.Balance, me.Key, me.Value)
		out.Entries = append(out.Entries, Entry{MovementEntry: me, Amount: amt, Counterparty: other})
	}
	return out, nil
}

// perspective flips pair balances stored from A's side when the subject is B.
func perspective(f ledger.BalanceFilter, k ledger.BalanceKey, v decimal.Decimal) (decimal.Decimal, int64) {
	if k.Dimension != ledger.DimPair {
		return v, 0
	}
	if f.EntityID == k.EntB {
		return v.Neg(), k.EntA
	}
	return v, k.EntB
}
