package pricing

import (
	"fmt"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

// Redistribute moves one outcome to its solved price and spreads the
// opposite move across the other outcomes in proportion to their share of
// the complement 1−x. When the complement is degenerate (below the price
// floor) the move splits equally instead. Every price is then clamped to
// [MinPrice, MaxPrice] and the vector renormalized so it sums to exactly
// one, with the integer rounding residue absorbed by the largest entry.
func (s *State) Redistribute(outcome int, newPrice fixedpoint.Value) ([]Condition, error) {
	if outcome < 0 || outcome >= s.OutcomeCount {
		return nil, fmt.Errorf("outcome %d out of range [0, %d)", outcome, s.OutcomeCount)
	}

	old := s.Prices[outcome]
	delta := newPrice - old
	complement := fixedpoint.One - old
	others := fixedpoint.Value(s.OutcomeCount - 1)

	for j := range s.Prices {
		if j == outcome {
			continue
		}
		if complement < MinPrice {
			s.Prices[j] -= delta / others
		} else {
			s.Prices[j] -= delta.Mul(s.Prices[j].Div(complement))
		}
	}
	s.Prices[outcome] = newPrice

	var conds []Condition
	clamped := false
	for j := range s.Prices {
		c := clampPrice(s.Prices[j])
		if c != s.Prices[j] {
			clamped = true
			s.Prices[j] = c
		}
	}
	if clamped {
		conds = append(conds, PriceBoundHit)
	}

	s.normalize()
	return conds, nil
}

// normalize rescales the price vector to sum to exactly one. The residue
// that integer division leaves behind lands on the largest price, where it
// is relatively smallest.
func (s *State) normalize() {
	sum := s.PriceSum()
	if sum <= 0 {
		return
	}
	if sum != fixedpoint.One {
		for j := range s.Prices {
			s.Prices[j] = s.Prices[j].Div(sum)
		}
	}
	residue := fixedpoint.One - s.PriceSum()
	if residue == 0 {
		return
	}
	largest := 0
	for j := 1; j < len(s.Prices); j++ {
		if s.Prices[j] > s.Prices[largest] {
			largest = j
		}
	}
	s.Prices[largest] += residue
}
