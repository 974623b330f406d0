package quantum

import (
	"fmt"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

// RuleKind selects how the collapse winner is chosen.
type RuleKind uint8

const (
	// MaxProbability picks the proposal whose primary outcome trades at
	// the highest price.
	MaxProbability RuleKind = iota
	// MaxVolume picks the proposal with the highest lifetime volume.
	MaxVolume
	// MaxTraders picks the proposal with the most distinct traders.
	MaxTraders
	// WeightedComposite blends the three normalized metrics.
	WeightedComposite
)

func (k RuleKind) String() string {
	switch k {
	case MaxProbability:
		return "max_probability"
	case MaxVolume:
		return "max_volume"
	case MaxTraders:
		return "max_traders"
	case WeightedComposite:
		return "weighted_composite"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseRuleKind maps a configuration string to its rule kind.
func ParseRuleKind(s string) (RuleKind, error) {
	switch s {
	case "max_probability":
		return MaxProbability, nil
	case "max_volume":
		return MaxVolume, nil
	case "max_traders":
		return MaxTraders, nil
	case "weighted_composite":
		return WeightedComposite, nil
	default:
		return 0, fmt.Errorf("unknown collapse rule %q", s)
	}
}

// CollapseRule is the winner-selection policy of a quantum market. The
// weights are only consulted for WeightedComposite.
type CollapseRule struct {
	Kind              RuleKind         `json:"kind"`
	ProbabilityWeight fixedpoint.Value `json:"probability_weight"`
	VolumeWeight      fixedpoint.Value `json:"volume_weight"`
	TraderWeight      fixedpoint.Value `json:"trader_weight"`
}

// DefaultComposite is the standard weighted rule: probability 0.5, volume
// 0.3, traders 0.2.
func DefaultComposite() CollapseRule {
	return CollapseRule{
		Kind:              WeightedComposite,
		ProbabilityWeight: fixedpoint.FromFloat(0.5),
		VolumeWeight:      fixedpoint.FromFloat(0.3),
		TraderWeight:      fixedpoint.FromFloat(0.2),
	}
}

// Validate checks the rule is well formed. Composite weights must be
// positive somewhere and sum to one.
func (r CollapseRule) Validate() error {
	switch r.Kind {
	case MaxProbability, MaxVolume, MaxTraders:
		return nil
	case WeightedComposite:
		if r.ProbabilityWeight < 0 || r.VolumeWeight < 0 || r.TraderWeight < 0 {
			return fmt.Errorf("composite weights must be non-negative")
		}
		if r.ProbabilityWeight+r.VolumeWeight+r.TraderWeight != fixedpoint.One {
			return fmt.Errorf("composite weights must sum to one")
		}
		return nil
	default:
		return fmt.Errorf("unknown collapse rule kind %d", r.Kind)
	}
}

// ExecuteCollapse scores every proposal under the configured rule, writes
// the winner index exactly once, and moves the market to Collapsed. It
// requires the market to be in the collapsing phase; re-collapsing a
// market fails with ErrAlreadyCollapsed.
func (m *Market) ExecuteCollapse(now uint64) (int, error) {
	if m.Voided {
		return -1, fmt.Errorf("market %s: %w", m.ID, ErrMarketVoided)
	}
	if m.WinnerIndex >= 0 || m.State == StateCollapsed || m.State == StateSettled {
		return -1, fmt.Errorf("market %s: %w", m.ID, ErrAlreadyCollapsed)
	}
	if m.State != StateCollapsing {
		return -1, fmt.Errorf("market %s is %s, not collapsing: %w", m.ID, m.State, ErrMarketNotActive)
	}

	m.WinnerIndex = m.pickWinner()
	m.State = StateCollapsed
	m.SettleTime = now
	return m.WinnerIndex, nil
}

type proposalScore struct {
	probability fixedpoint.Value
	volume      fixedpoint.Value
	traders     fixedpoint.Value
}

// pickWinner applies the collapse rule. A probability tie under
// MaxProbability falls straight to the lowest proposal index; every other
// rule breaks its primary metric on probability and then the lowest index.
// No other metric participates, so the outcome is deterministic for equal
// state.
func (m *Market) pickWinner() int {
	scores := make([]proposalScore, len(m.Proposals))
	for i, p := range m.Proposals {
		scores[i] = proposalScore{
			probability: p.Probability(),
			volume:      p.Volume,
			traders:     fixedpoint.FromInt(int64(p.TraderCount())),
		}
	}

	keys := make([][2]fixedpoint.Value, len(scores))
	switch m.Rule.Kind {
	case MaxProbability:
		for i, s := range scores {
			keys[i] = [2]fixedpoint.Value{s.probability, 0}
		}
	case MaxVolume:
		for i, s := range scores {
			keys[i] = [2]fixedpoint.Value{s.volume, s.probability}
		}
	case MaxTraders:
		for i, s := range scores {
			keys[i] = [2]fixedpoint.Value{s.traders, s.probability}
		}
	case WeightedComposite:
		maxProb := maxMetric(scores, func(s proposalScore) fixedpoint.Value { return s.probability })
		maxVol := maxMetric(scores, func(s proposalScore) fixedpoint.Value { return s.volume })
		maxTraders := maxMetric(scores, func(s proposalScore) fixedpoint.Value { return s.traders })
		for i, s := range scores {
			composite := m.Rule.ProbabilityWeight.Mul(normalize(s.probability, maxProb)) +
				m.Rule.VolumeWeight.Mul(normalize(s.volume, maxVol)) +
				m.Rule.TraderWeight.Mul(normalize(s.traders, maxTraders))
			keys[i] = [2]fixedpoint.Value{composite, s.probability}
		}
	}

	winner := 0
	for i := 1; i < len(keys); i++ {
		if greaterKey(keys[i], keys[winner]) {
			winner = i
		}
	}
	return winner
}

// greaterKey compares tie-break keys lexicographically. Strict comparison
// keeps the lowest index on full ties.
func greaterKey(a, b [2]fixedpoint.Value) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func maxMetric(scores []proposalScore, metric func(proposalScore) fixedpoint.Value) fixedpoint.Value {
	var max fixedpoint.Value
	for _, s := range scores {
		if v := metric(s); v > max {
			max = v
		}
	}
	return max
}

// normalize maps a metric onto [0, 1] against the fleet maximum. A zero
// maximum means nobody scored; everyone normalizes to zero.
func normalize(v, max fixedpoint.Value) fixedpoint.Value {
	if max == 0 {
		return 0
	}
	return v.Div(max)
}

// Volatility returns the population standard deviation of a price window,
// zero when fewer than two samples exist.
func Volatility(prices []fixedpoint.Value) fixedpoint.Value {
	n := len(prices)
	if n < 2 {
		return 0
	}
	var sum fixedpoint.Value
	for _, p := range prices {
		sum += p
	}
	mean := sum / fixedpoint.Value(n)

	var variance fixedpoint.Value
	for _, p := range prices {
		d := p - mean
		variance += d.Mul(d)
	}
	return (variance / fixedpoint.Value(n)).Sqrt()
}
