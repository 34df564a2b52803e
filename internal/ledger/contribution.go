package ledger

import "github.com/shopspring/decimal"

// Contribution holds the signed amount an event adds to each side's running balance.
type Contribution [NumSides]decimal.Decimal

// Contribute computes the seven side contributions of moving amount between the parties.
//
// Every side is seen from its own entity (or tag): receiving is positive. Side 1 is read from A's
// perspective. Tag-scoped sides are zero when both parties share a tag.
func Contribute(p Parties, amount decimal.Decimal, dir Direction) Contribution {
	signed := amount.Mul(decimal.NewFromInt(int64(dir)))
	forA := signed
	if !p.AReceives {
		forA = signed.Neg()
	}
	forB := forA.Neg()

	var c Contribution
	c[Side1] = forA
	c[Side2A] = forA
	c[Side2B] = forB
	if p.SameTag() {
		for _, s := range []Side{Side3A, Side3B, Side4A, Side4B} {
			c[s] = decimal.Zero
		}
		return c
	}
	c[Side3A] = forA
	c[Side3B] = forB
	c[Side4A] = forA
	c[Side4B] = forB
	return c
}

// Neg returns the exact inverse of c.
func (c Contribution) Neg() Contribution {
	var out Contribution
	for i := range c {
		out[i] = c[i].Neg()
	}
	return out
}
