// Package pricing implements the pm-AMM pricing core: per-market state, the
// implicit-equation Newton-Raphson solver, and the multi-outcome price
// redistribution that keeps every price vector summing to one.
package pricing

import (
	"fmt"
	"math"
	"slices"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

const (
	// MinOutcomes and MaxOutcomes bound the size of a market.
	MinOutcomes = 2
	MaxOutcomes = 64
)

// Price bounds: no outcome ever trades below 0.1% or above 99.9%.
var (
	MinPrice = fixedpoint.FromFloat(0.001)
	MaxPrice = fixedpoint.FromFloat(0.999)
)

var twoPi = fixedpoint.FromFloat(2 * math.Pi)

// State is the pricing state of one market: a shared liquidity parameter,
// the market clock, and one price per outcome. Prices always sum to
// exactly one in fixed-point raw units. State carries no locks; callers
// serialize access.
type State struct {
	Liquidity    fixedpoint.Value   `json:"liquidity"`
	InitialTime  uint64             `json:"initial_time"`
	CurrentTime  uint64             `json:"current_time"`
	ExpiryTime   uint64             `json:"expiry_time"`
	OutcomeCount int                `json:"outcome_count"`
	Prices       []fixedpoint.Value `json:"prices"`
	Volumes      []fixedpoint.Value `json:"volumes"`

	// LVRBeta is L²/2π, fixed at creation. The per-trade loss-versus-
	// rebalancing premium is LVRBeta/(T-t), so it grows toward expiry.
	LVRBeta    fixedpoint.Value `json:"lvr_beta"`
	LVRAccrued fixedpoint.Value `json:"lvr_accrued"`
}

// NewState creates a market with uniform prices 1/n. The integer remainder
// of the split lands on outcome zero so the sum starts at exactly one.
func NewState(liquidity fixedpoint.Value, outcomes int, now, expiry uint64) (*State, error) {
	if outcomes < MinOutcomes || outcomes > MaxOutcomes {
		return nil, fmt.Errorf("outcome count %d out of range [%d, %d]", outcomes, MinOutcomes, MaxOutcomes)
	}
	if liquidity <= 0 {
		return nil, fmt.Errorf("liquidity parameter must be positive, got %s", liquidity)
	}
	if expiry <= now {
		return nil, fmt.Errorf("expiry time %d not after current time %d", expiry, now)
	}

	prices := make([]fixedpoint.Value, outcomes)
	base := fixedpoint.One / fixedpoint.Value(outcomes)
	for i := range prices {
		prices[i] = base
	}
	prices[0] += fixedpoint.One - base*fixedpoint.Value(outcomes)

	return &State{
		Liquidity:    liquidity,
		InitialTime:  now,
		CurrentTime:  now,
		ExpiryTime:   expiry,
		OutcomeCount: outcomes,
		Prices:       prices,
		Volumes:      make([]fixedpoint.Value, outcomes),
		LVRBeta:      liquidity.Mul(liquidity).Div(twoPi),
	}, nil
}

// TimeRemaining returns expiry minus current time, floored at one unit so
// time-scaled terms never degenerate.
func (s *State) TimeRemaining() fixedpoint.Value {
	if s.CurrentTime >= s.ExpiryTime {
		return fixedpoint.One
	}
	return fixedpoint.FromInt(int64(s.ExpiryTime - s.CurrentTime))
}

// LVRCost is the loss-versus-rebalancing premium charged on a trade placed
// at the current time.
func (s *State) LVRCost() fixedpoint.Value {
	return s.LVRBeta.Div(s.TimeRemaining())
}

// RecordVolume adds the absolute trade size to an outcome's lifetime
// volume. Volumes never decrease.
func (s *State) RecordVolume(outcome int, size fixedpoint.Value) {
	s.Volumes[outcome] += size.Abs()
}

// TotalVolume is the lifetime volume across all outcomes.
func (s *State) TotalVolume() fixedpoint.Value {
	var total fixedpoint.Value
	for _, v := range s.Volumes {
		total += v
	}
	return total
}

// PriceSum returns the raw sum of the price vector.
func (s *State) PriceSum() fixedpoint.Value {
	var sum fixedpoint.Value
	for _, p := range s.Prices {
		sum += p
	}
	return sum
}

// Clone deep-copies the state so callers can roll back a failed update.
func (s *State) Clone() *State {
	c := *s
	c.Prices = slices.Clone(s.Prices)
	c.Volumes = slices.Clone(s.Volumes)
	return &c
}
