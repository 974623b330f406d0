package pricing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

func newTestState(t *testing.T, liquidity float64, outcomes int, expiry uint64) *State {
	t.Helper()
	s, err := NewState(fixedpoint.FromFloat(liquidity), outcomes, 0, expiry)
	require.NoError(t, err)
	return s
}

func TestNewState(t *testing.T) {
	tests := []struct {
		name      string
		liquidity float64
		outcomes  int
		now       uint64
		expiry    uint64
		wantErr   bool
	}{
		{"binary", 1000, 2, 0, 100, false},
		{"max outcomes", 1000, 64, 0, 100, false},
		{"one outcome", 1000, 1, 0, 100, true},
		{"too many outcomes", 1000, 65, 0, 100, true},
		{"zero liquidity", 0, 2, 0, 100, true},
		{"negative liquidity", -5, 2, 0, 100, true},
		{"expiry not after now", 1000, 2, 100, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewState(fixedpoint.FromFloat(tt.liquidity), tt.outcomes, tt.now, tt.expiry)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcomes, s.OutcomeCount)
			assert.Equal(t, fixedpoint.One, s.PriceSum(), "prices must sum to exactly one")
		})
	}

	t.Run("uniform split with remainder", func(t *testing.T) {
		// 1/3 does not divide evenly; outcome zero absorbs the residue
		s := newTestState(t, 1000, 3, 100)
		assert.Equal(t, fixedpoint.One, s.PriceSum())
		assert.InDelta(t, 1.0/3.0, s.Prices[1].Float(), 1e-8)
		assert.InDelta(t, 1.0/3.0, s.Prices[0].Float(), 1e-8)
	})

	t.Run("lvr beta", func(t *testing.T) {
		// L²/2π with L=1000
		s := newTestState(t, 1000, 2, 100)
		assert.InDelta(t, 159154.943, s.LVRBeta.Float(), 1e-2)
	})
}

func TestTimeRemaining(t *testing.T) {
	s := newTestState(t, 1000, 2, 10)

	assert.Equal(t, fixedpoint.FromInt(10), s.TimeRemaining())

	s.CurrentTime = 7
	assert.Equal(t, fixedpoint.FromInt(3), s.TimeRemaining())

	t.Run("floored at one unit", func(t *testing.T) {
		s.CurrentTime = 10
		assert.Equal(t, fixedpoint.One, s.TimeRemaining())
		s.CurrentTime = 25
		assert.Equal(t, fixedpoint.One, s.TimeRemaining())
	})
}

func TestLVRCostGrowsTowardExpiry(t *testing.T) {
	s := newTestState(t, 1000, 2, 100)

	early := s.LVRCost()
	s.CurrentTime = 90
	late := s.LVRCost()
	s.CurrentTime = 99
	latest := s.LVRCost()

	assert.Greater(t, late, early)
	assert.Greater(t, latest, late)
}

func TestSolve(t *testing.T) {
	t.Run("zero size is a fixed point", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		res, err := Solve(s, 0, 0)
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.Equal(t, s.Prices[0], res.Price)
		assert.Empty(t, res.Conditions)
	})

	t.Run("buy raises the price", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		res, err := Solve(s, 0, fixedpoint.FromInt(100))
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.LessOrEqual(t, res.Iterations, MaxNewtonIterations)
		assert.Greater(t, res.Price, s.Prices[0])
	})

	t.Run("sell lowers the price", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		res, err := Solve(s, 0, fixedpoint.FromInt(-100))
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.Less(t, res.Price, s.Prices[0])
	})

	t.Run("monotone in size", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		prev := fixedpoint.Value(0)
		for _, size := range []int64{10, 50, 100, 200, 400} {
			res, err := Solve(s, 0, fixedpoint.FromInt(size))
			require.NoError(t, err)
			require.Greater(t, res.Price, prev, "size %d", size)
			prev = res.Price
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		a, err := Solve(s, 0, fixedpoint.FromInt(123))
		require.NoError(t, err)
		b, err := Solve(s, 0, fixedpoint.FromInt(123))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("pure", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		before := s.Clone()
		_, err := Solve(s, 0, fixedpoint.FromInt(250))
		require.NoError(t, err)
		assert.Equal(t, before, s)
	})

	t.Run("oversized sell clamps at the floor", func(t *testing.T) {
		s := newTestState(t, 10, 2, 10)
		res, err := Solve(s, 0, fixedpoint.FromInt(-100))
		require.NoError(t, err)
		assert.Equal(t, MinPrice, res.Price)
		assert.Contains(t, res.Conditions, PriceBoundHit)
	})

	t.Run("invalid outcome", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		_, err := Solve(s, 2, fixedpoint.FromInt(10))
		assert.Error(t, err)
		_, err = Solve(s, -1, fixedpoint.FromInt(10))
		assert.Error(t, err)
	})
}

func TestSolveConvergenceRate(t *testing.T) {
	// Orders within ±50% of the liquidity parameter should essentially
	// always converge inside the iteration cap.
	rng := rand.New(rand.NewSource(42))
	var tel Telemetry

	for range 1000 {
		liquidity := 10 + rng.Float64()*10000
		expiry := uint64(1 + rng.Intn(100000))
		s, err := NewState(fixedpoint.FromFloat(liquidity), 2, 0, expiry)
		require.NoError(t, err)

		size := (rng.Float64() - 0.5) * liquidity
		res, err := Solve(s, 0, fixedpoint.FromFloat(size))
		require.NoError(t, err)
		require.LessOrEqual(t, res.Iterations, MaxNewtonIterations)
		tel.Record(res)
	}

	converged := tel.Solves - tel.LowPrecision
	assert.GreaterOrEqual(t, float64(converged)/float64(tel.Solves), 0.95,
		"low-precision solves: %d of %d", tel.LowPrecision, tel.Solves)
}

func TestRedistribute(t *testing.T) {
	t.Run("sum stays exactly one", func(t *testing.T) {
		for _, n := range []int{2, 3, 10, 64} {
			s := newTestState(t, 1000, n, 10)
			res, err := Solve(s, 0, fixedpoint.FromInt(100))
			require.NoError(t, err)
			_, err = s.Redistribute(0, res.Price)
			require.NoError(t, err)
			assert.Equal(t, fixedpoint.One, s.PriceSum(), "n=%d", n)
		}
	})

	t.Run("others move opposite and in proportion", func(t *testing.T) {
		s := newTestState(t, 1000, 3, 10)
		// skew the vector first so proportions differ
		s.Prices[0] = fixedpoint.FromFloat(0.5)
		s.Prices[1] = fixedpoint.FromFloat(0.3)
		s.Prices[2] = fixedpoint.FromFloat(0.2)

		_, err := s.Redistribute(0, fixedpoint.FromFloat(0.6))
		require.NoError(t, err)

		assert.InDelta(t, 0.6, s.Prices[0].Float(), 1e-8)
		assert.InDelta(t, 0.24, s.Prices[1].Float(), 1e-6)
		assert.InDelta(t, 0.16, s.Prices[2].Float(), 1e-6)
		assert.Equal(t, fixedpoint.One, s.PriceSum())
	})

	t.Run("degenerate complement splits equally", func(t *testing.T) {
		s := newTestState(t, 1000, 3, 10)
		s.Prices[0] = fixedpoint.FromFloat(0.9992)
		s.Prices[1] = fixedpoint.FromFloat(0.0004)
		s.Prices[2] = fixedpoint.FromFloat(0.0004)

		_, err := s.Redistribute(0, fixedpoint.FromFloat(0.95))
		require.NoError(t, err)
		assert.Equal(t, fixedpoint.One, s.PriceSum())
		assert.InDelta(t, s.Prices[1].Float(), s.Prices[2].Float(), 1e-6)
		assert.Greater(t, s.Prices[1], fixedpoint.FromFloat(0.0004))
	})

	t.Run("clamped move reports the bound hit", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		s.Prices[0] = fixedpoint.FromFloat(0.998)
		s.Prices[1] = fixedpoint.One - s.Prices[0]

		conds, err := s.Redistribute(0, MaxPrice)
		require.NoError(t, err)
		assert.Contains(t, conds, PriceBoundHit)
		assert.Equal(t, fixedpoint.One, s.PriceSum())
		for i, p := range s.Prices {
			assert.GreaterOrEqual(t, p, MinPrice, "price %d below floor", i)
		}
	})

	t.Run("invalid outcome", func(t *testing.T) {
		s := newTestState(t, 1000, 2, 10)
		_, err := s.Redistribute(5, fixedpoint.FromFloat(0.5))
		assert.Error(t, err)
	})
}

func TestBinaryTradeScenario(t *testing.T) {
	// Two outcomes at 0.50/0.50, depth 1000, ten units of time to expiry.
	// Buying 100 of outcome zero must raise its price, drop the other by
	// the same amount, and keep the vector summing to one.
	s := newTestState(t, 1000, 2, 10)

	res, err := Solve(s, 0, fixedpoint.FromInt(100))
	require.NoError(t, err)
	require.True(t, res.Converged)
	require.LessOrEqual(t, res.Iterations, MaxNewtonIterations)

	_, err = s.Redistribute(0, res.Price)
	require.NoError(t, err)
	s.RecordVolume(0, fixedpoint.FromInt(100))

	assert.Greater(t, s.Prices[0], fixedpoint.FromFloat(0.5))
	assert.Less(t, s.Prices[1], fixedpoint.FromFloat(0.5))
	assert.Equal(t, fixedpoint.One, s.PriceSum())
	assert.Equal(t, fixedpoint.FromInt(100), s.Volumes[0])
}

func TestRecordVolume(t *testing.T) {
	s := newTestState(t, 1000, 2, 10)
	s.RecordVolume(0, fixedpoint.FromInt(100))
	s.RecordVolume(0, fixedpoint.FromInt(-40))
	s.RecordVolume(1, fixedpoint.FromInt(10))

	assert.Equal(t, fixedpoint.FromInt(140), s.Volumes[0], "volume counts absolute size")
	assert.Equal(t, fixedpoint.FromInt(150), s.TotalVolume())
}

func TestTelemetry(t *testing.T) {
	var tel Telemetry
	tel.Record(SolveResult{Iterations: 3, Converged: true})
	tel.Record(SolveResult{Iterations: 1, Converged: true})
	tel.Record(SolveResult{Iterations: 5, Conditions: []Condition{LowPrecisionConvergence, PriceBoundHit}})

	assert.Equal(t, uint64(3), tel.Solves)
	assert.Equal(t, 1, tel.MinIterations)
	assert.Equal(t, 5, tel.MaxIterations)
	assert.Equal(t, uint64(1), tel.LowPrecision)
	assert.Equal(t, uint64(1), tel.BoundHits)
	assert.InDelta(t, 3.0, tel.AvgIterations(), 1e-9)
}
