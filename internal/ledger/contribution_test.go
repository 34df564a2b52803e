package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func ent(id int64, tag string) Entity { return Entity{ID: id, Name: "e", Tag: tag, Active: true} }

func TestCanonicalOrderingIsStable(t *testing.T) {
	x, y := ent(7, "bank"), ent(3, "client")
	p1 := Canonical(x, y)
	p2 := Canonical(y, x)
	if p1.A.ID != 3 || p1.B.ID != 7 || p2.A.ID != 3 || p2.B.ID != 7 {
		t.Fatalf("unexpected ordering: %+v / %+v", p1, p2)
	}
	if p1.AReceives == p2.AReceives {
		t.Fatalf("swapping from/to must flip the receiver")
	}
	amt := decimal.RequireFromString("125.50")
	c1 := Contribute(p1, amt, Forward)
	c2 := Contribute(p2, amt, Forward)
	for s := 0; s < NumSides; s++ {
		if !c1[s].Equal(c2[s].Neg()) {
			t.Fatalf("side %s: %s vs %s, want sign flip", Side(s), c1[s], c2[s])
		}
		k1 := Sides[s].Key(p1, "USD", AccountCash)
		k2 := Sides[s].Key(p2, "USD", AccountCash)
		if k1 != k2 {
			t.Fatalf("side %s key changed with direction: %v vs %v", Side(s), k1, k2)
		}
	}
}

func TestContributeSigns(t *testing.T) {
	// 1 (bank) pays 2 (client) 100: A sends.
	p := Canonical(ent(1, "bank"), ent(2, "client"))
	c := Contribute(p, decimal.NewFromInt(100), Forward)
	want := map[Side]string{
		Side1: "-100", Side2A: "-100", Side2B: "100",
		Side3A: "-100", Side3B: "100", Side4A: "-100", Side4B: "100",
	}
	for s, w := range want {
		if c[s].String() != w {
			t.Errorf("side %s = %s, want %s", s, c[s], w)
		}
	}
	back := Contribute(p, decimal.NewFromInt(100), Reverse)
	for s := range c {
		if !c[s].Add(back[s]).IsZero() {
			t.Errorf("side %s does not cancel: %s + %s", Side(s), c[s], back[s])
		}
		if !back[s].Equal(c.Neg()[s]) {
			t.Errorf("side %s: reverse direction differs from Neg", Side(s))
		}
	}
}

func TestContributeSameTagZeroesTagSides(t *testing.T) {
	p := Canonical(ent(5, "Maika"), ent(9, "Maika"))
	c := Contribute(p, decimal.RequireFromString("10000"), Forward)
	for _, s := range []Side{Side3A, Side3B, Side4A, Side4B} {
		if !c[s].IsZero() {
			t.Errorf("side %s = %s, want 0", s, c[s])
		}
	}
	if c[Side1].IsZero() || c[Side2A].IsZero() || c[Side2B].IsZero() {
		t.Errorf("entity sides must still move: %v", c)
	}
	if !Sides[Side4B].TagScoped || Sides[Side4B].MirrorOf == nil || *Sides[Side4B].MirrorOf != Side4A {
		t.Errorf("4b must mirror 4a")
	}
}

func TestSideKeys(t *testing.T) {
	p := Canonical(ent(4, "t4"), ent(2, "t2"))
	cases := map[Side]BalanceKey{
		Side1:  {Dimension: DimPair, EntA: 2, EntB: 4},
		Side2A: {Dimension: DimEntity, EntA: 2},
		Side2B: {Dimension: DimEntity, EntA: 4},
		Side3A: {Dimension: DimTagEntity, EntA: 2, Tag: "t4"},
		Side3B: {Dimension: DimTagEntity, EntA: 4, Tag: "t2"},
		Side4A: {Dimension: DimTag, Tag: "t2"},
		Side4B: {Dimension: DimTag, Tag: "t4"},
	}
	for s, want := range cases {
		want.Currency, want.Account = "EUR", AccountCurrent
		got := Sides[s].Key(p, "EUR", AccountCurrent)
		if got != want {
			t.Errorf("side %s key = %v, want %v", s, got, want)
		}
		if Sides[s].Side != s || got.Dimension != s.Dimension() {
			t.Errorf("descriptor %d out of order", s)
		}
	}
}

func TestDayBucketsInLocation(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*3600)
	at := time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC) // 22:30 on Mar 1 in UTC-3
	got := Day(at, loc)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Day = %v, want %v", got, want)
	}
	if !Day(at, nil).Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("nil location should bucket in UTC")
	}
}

func TestPositionOrder(t *testing.T) {
	at := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	stored := Position{At: at, ID: 42}
	pending := Position{At: at, ID: PendingID}
	if !stored.Before(pending) || pending.Before(stored) {
		t.Fatalf("pending movement must sort after stored ones at the same instant")
	}
	if !pending.Before(Position{At: at.Add(time.Nanosecond), ID: 1}) {
		t.Fatalf("later timestamp must sort after pending")
	}
}

func TestBalanceFilter(t *testing.T) {
	f := BalanceFilter{EntityID: 4, Dimension: DimPair, Account: AccountCash}
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !f.Matches(BalanceKey{Dimension: DimPair, EntA: 2, EntB: 4, Account: AccountCash, Currency: "USD"}) {
		t.Fatalf("pair filter should match entity as b")
	}
	if f.Matches(BalanceKey{Dimension: DimPair, EntA: 2, EntB: 4, Account: AccountCurrent}) {
		t.Fatalf("account must match")
	}
	bad := []BalanceFilter{
		{Dimension: DimEntity, Account: AccountCash},
		{EntityID: 1, Tag: "x", Dimension: DimTagEntity, Account: AccountCash},
		{Tag: "x", Dimension: DimEntity, Account: AccountCash},
		{EntityID: 1, Dimension: DimTag, Account: AccountCash},
		{EntityID: 1, Dimension: DimEntity, Account: "bank"},
	}
	for i, b := range bad {
		if b.Validate() == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
