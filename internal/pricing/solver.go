package pricing

import (
	"fmt"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

const (
	// MaxNewtonIterations is the hard cap on Newton steps per solve.
	MaxNewtonIterations = 5
)

// convergenceTolerance is 1e-8 in fixed-point raw units.
const convergenceTolerance fixedpoint.Value = 10

// Condition flags a non-fatal solver outcome. Conditions accompany
// successful results so monitoring can track them; they never abort a
// trade.
type Condition string

const (
	// LowPrecisionConvergence: the iteration cap was reached before the
	// residual dropped below tolerance. The returned price is the best
	// estimate found.
	LowPrecisionConvergence Condition = "low_precision_convergence"

	// PriceBoundHit: the result landed on a price bound and was clamped.
	PriceBoundHit Condition = "price_bound_hit"
)

// SolveResult is the outcome of one implicit-equation solve. Converged
// means the solve reached a terminal answer: either the residual dropped
// below tolerance or the price pinned against a bound, where the clamped
// value is the answer by construction.
type SolveResult struct {
	Price      fixedpoint.Value
	Iterations int
	Residual   fixedpoint.Value
	Converged  bool
	Conditions []Condition
}

// Solve finds the post-trade price of one outcome from the pm-AMM implicit
// equation. With s = L·√(T−t), u = y−x and z = u/s, the candidate price y
// is the root of
//
//	f(y) = u·Φ(z) + s·φ(z) − s·φ(0) − size/L
//
// which states that the cumulative price paid over the move, the integral
// of Φ along u, equals the depth-normalized order size. f is smooth,
// increasing and convex with the analytic derivative f'(y) = Φ(z), so a
// handful of Newton steps from the linear-impact guess x + size/L land
// within tolerance. Size is signed: positive sizes buy the outcome and
// push y above x, negative sizes sell it.
//
// Solve is pure: it never mutates the state and is deterministic for equal
// inputs.
func Solve(state *State, outcome int, size fixedpoint.Value) (SolveResult, error) {
	if outcome < 0 || outcome >= state.OutcomeCount {
		return SolveResult{}, fmt.Errorf("outcome %d out of range [0, %d)", outcome, state.OutcomeCount)
	}
	if state.Liquidity <= 0 {
		return SolveResult{}, fmt.Errorf("liquidity parameter must be positive, got %s", state.Liquidity)
	}

	x := state.Prices[outcome]
	s := state.Liquidity.Mul(state.TimeRemaining().Sqrt())
	impact := size.Div(state.Liquidity)
	target := s.Mul(fixedpoint.PhiPDF(0)) + impact

	var res SolveResult
	y := clampPrice(x + impact)
	for res.Iterations = 0; res.Iterations < MaxNewtonIterations; res.Iterations++ {
		u := y - x
		z := u.Div(s)
		f := u.Mul(fixedpoint.PhiCDF(z)) + s.Mul(fixedpoint.PhiPDF(z)) - target
		res.Residual = f
		if f.Abs() < convergenceTolerance {
			res.Converged = true
			break
		}
		deriv := fixedpoint.PhiCDF(z)
		if deriv == 0 {
			// past the table tail; step with the flattest tabled slope
			deriv = fixedpoint.PhiCDF(-4 * fixedpoint.One)
		}
		next := clampPrice(y - f.Div(deriv))
		if next == y {
			// pinned against a price bound; the clamp is terminal
			res.Converged = true
			break
		}
		y = next
	}

	res.Price = y
	if !res.Converged {
		res.Conditions = append(res.Conditions, LowPrecisionConvergence)
	}
	if y <= MinPrice || y >= MaxPrice {
		res.Conditions = append(res.Conditions, PriceBoundHit)
	}
	return res, nil
}

func clampPrice(v fixedpoint.Value) fixedpoint.Value {
	return v.Clamp(MinPrice, MaxPrice)
}

// Telemetry accumulates iteration statistics across solves so monitoring
// can watch convergence quality drift.
type Telemetry struct {
	Solves          uint64 `json:"solves"`
	TotalIterations uint64 `json:"total_iterations"`
	MinIterations   int    `json:"min_iterations"`
	MaxIterations   int    `json:"max_iterations"`
	LowPrecision    uint64 `json:"low_precision"`
	BoundHits       uint64 `json:"bound_hits"`
}

// Record folds one solve result into the running statistics.
func (t *Telemetry) Record(r SolveResult) {
	if t.Solves == 0 || r.Iterations < t.MinIterations {
		t.MinIterations = r.Iterations
	}
	if r.Iterations > t.MaxIterations {
		t.MaxIterations = r.Iterations
	}
	t.Solves++
	t.TotalIterations += uint64(r.Iterations)
	for _, c := range r.Conditions {
		switch c {
		case LowPrecisionConvergence:
			t.LowPrecision++
		case PriceBoundHit:
			t.BoundHits++
		}
	}
}

// AvgIterations is the mean Newton iteration count per solve.
func (t *Telemetry) AvgIterations() float64 {
	if t.Solves == 0 {
		return 0
	}
	return float64(t.TotalIterations) / float64(t.Solves)
}
