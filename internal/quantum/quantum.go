// Package quantum implements phantom-liquidity markets: several mutually
// exclusive proposals trade concurrently against phantom credits until a
// collapse event picks a single winner and every other proposal dissolves
// into refunds.
package quantum

import (
	"fmt"
	"slices"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
	"github.com/amirphl/quantum-markets/internal/pricing"
)

const (
	// MinProposals and MaxProposals bound a quantum market.
	MinProposals = 2
	MaxProposals = 10

	// CollapseBufferSlots is the grace window between the scheduled
	// collapse slot and collapse execution. Trading already stops at the
	// scheduled slot; the buffer only delays the collapsing phase so the
	// pre-collapse snapshot settles.
	CollapseBufferSlots = 100
)

// MarketState is the lifecycle phase of a quantum market. Transitions only
// ever move forward.
type MarketState uint8

const (
	StateActive MarketState = iota
	StatePreCollapse
	StateCollapsing
	StateCollapsed
	StateSettled
)

func (s MarketState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreCollapse:
		return "pre_collapse"
	case StateCollapsing:
		return "collapsing"
	case StateCollapsed:
		return "collapsed"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Proposal is one candidate outcome of a quantum market: its own pricing
// state plus the activity counters the collapse rules score.
type Proposal struct {
	Index   int                 `json:"index"`
	Name    string              `json:"name"`
	Pricing *pricing.State      `json:"pricing"`
	Volume  fixedpoint.Value    `json:"volume"`
	Traders map[string]struct{} `json:"traders"`
	Locked  bool                `json:"locked"`

	// RecentPrices is the rolling window the volatility lock watches.
	RecentPrices []fixedpoint.Value `json:"recent_prices"`
}

// Probability is the proposal's current probability: the price of its
// primary outcome.
func (p *Proposal) Probability() fixedpoint.Value {
	return p.Pricing.Prices[0]
}

// TraderCount is the number of distinct traders seen on the proposal.
func (p *Proposal) TraderCount() int { return len(p.Traders) }

// Refund is one queued settlement payout.
type Refund struct {
	Depositor string           `json:"depositor"`
	Amount    fixedpoint.Value `json:"amount"`
}

// Market is a quantum market: its proposals, the collapse configuration,
// and the forward-only lifecycle state machine. Market carries no locks;
// callers serialize access.
type Market struct {
	ID           string       `json:"id"`
	Proposals    []*Proposal  `json:"proposals"`
	Rule         CollapseRule `json:"rule"`
	State        MarketState  `json:"state"`
	CollapseTime uint64       `json:"collapse_time"`
	SettleTime   uint64       `json:"settle_time"`

	// WinnerIndex is -1 until collapse executes and is written exactly
	// once after that.
	WinnerIndex int `json:"winner_index"`

	// Voided marks an administrative halt before collapse; every deposit
	// becomes refundable in full.
	Voided bool `json:"voided"`

	// VolatilityThreshold trips a proposal's trading lock when the
	// standard deviation of its recent prices exceeds it. Zero disables
	// the lock. VolatilityWindow is the number of prices watched.
	VolatilityThreshold fixedpoint.Value `json:"volatility_threshold"`
	VolatilityWindow    int              `json:"volatility_window"`

	TotalDeposits fixedpoint.Value `json:"total_deposits"`
	RefundQueue   []Refund         `json:"refund_queue"`
}

// NewMarket creates an active quantum market with one fresh pricing state
// per proposal.
func NewMarket(id string, proposals []string, rule CollapseRule, liquidity fixedpoint.Value, outcomes int, now, collapseTime, expiry uint64) (*Market, error) {
	if len(proposals) < MinProposals || len(proposals) > MaxProposals {
		return nil, fmt.Errorf("proposal count %d out of range [%d, %d]", len(proposals), MinProposals, MaxProposals)
	}
	if collapseTime <= now {
		return nil, fmt.Errorf("collapse time %d not after current time %d", collapseTime, now)
	}
	if expiry <= collapseTime {
		return nil, fmt.Errorf("expiry time %d not after collapse time %d", expiry, collapseTime)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	m := &Market{
		ID:           id,
		Rule:         rule,
		State:        StateActive,
		CollapseTime: collapseTime,
		WinnerIndex:  -1,
	}
	for i, name := range proposals {
		ps, err := pricing.NewState(liquidity, outcomes, now, expiry)
		if err != nil {
			return nil, fmt.Errorf("proposal %d: %w", i, err)
		}
		m.Proposals = append(m.Proposals, &Proposal{
			Index:   i,
			Name:    name,
			Pricing: ps,
			Traders: make(map[string]struct{}),
		})
	}
	return m, nil
}

// Advance moves the lifecycle forward for the given time: Active markets
// enter PreCollapse at the scheduled collapse slot and Collapsing once the
// buffer is spent. earlyAuthorized is the caller's authorization decision
// and force-starts both transitions ahead of schedule. Advance never moves
// backwards and never leaves Collapsing on its own.
func (m *Market) Advance(now uint64, earlyAuthorized bool) MarketState {
	if m.Voided {
		return m.State
	}
	if m.State == StateActive && (earlyAuthorized || now >= m.CollapseTime) {
		m.State = StatePreCollapse
	}
	if m.State == StatePreCollapse && (earlyAuthorized || now >= m.CollapseTime+CollapseBufferSlots) {
		m.State = StateCollapsing
	}
	return m.State
}

// CanTrade reports whether the market accepts orders on the proposal.
// Only Active markets trade: entering PreCollapse freezes every proposal
// so the collapse rules score the same snapshot trading left behind.
func (m *Market) CanTrade(proposal int) error {
	if m.Voided {
		return ErrMarketVoided
	}
	if proposal < 0 || proposal >= len(m.Proposals) {
		return fmt.Errorf("proposal %d out of range [0, %d)", proposal, len(m.Proposals))
	}
	if m.State != StateActive {
		return fmt.Errorf("market %s is %s: %w", m.ID, m.State, ErrMarketNotActive)
	}
	if m.Proposals[proposal].Locked {
		return fmt.Errorf("proposal %d (%s): %w", proposal, m.Proposals[proposal].Name, ErrProposalLocked)
	}
	return nil
}

// RecordTrade notes trade activity on a proposal: volume, the distinct
// trader set, and the rolling price window. When the window's volatility
// exceeds the configured threshold the proposal's trading lock engages.
func (m *Market) RecordTrade(proposal int, trader string, size, price fixedpoint.Value) {
	p := m.Proposals[proposal]
	p.Volume += size.Abs()
	if p.Traders == nil {
		p.Traders = make(map[string]struct{})
	}
	p.Traders[trader] = struct{}{}

	if m.VolatilityWindow > 1 {
		p.RecentPrices = append(p.RecentPrices, price)
		if len(p.RecentPrices) > m.VolatilityWindow {
			p.RecentPrices = p.RecentPrices[1:]
		}
		if m.VolatilityThreshold > 0 && Volatility(p.RecentPrices) > m.VolatilityThreshold {
			p.Locked = true
		}
	}
}

// LockProposal engages a proposal's trading lock by hand.
func (m *Market) LockProposal(proposal int) error {
	if proposal < 0 || proposal >= len(m.Proposals) {
		return fmt.Errorf("proposal %d out of range [0, %d)", proposal, len(m.Proposals))
	}
	m.Proposals[proposal].Locked = true
	return nil
}

// UnlockProposal releases a proposal's trading lock and resets the price
// window so stale volatility does not re-trip it immediately.
func (m *Market) UnlockProposal(proposal int) error {
	if proposal < 0 || proposal >= len(m.Proposals) {
		return fmt.Errorf("proposal %d out of range [0, %d)", proposal, len(m.Proposals))
	}
	m.Proposals[proposal].Locked = false
	m.Proposals[proposal].RecentPrices = nil
	return nil
}

// Void administratively halts the market before a winner exists. Voided
// markets refuse trades and collapses; settlement refunds every deposit in
// full.
func (m *Market) Void() error {
	if m.State == StateCollapsed || m.State == StateSettled {
		return fmt.Errorf("market %s is %s: %w", m.ID, m.State, ErrAlreadyCollapsed)
	}
	m.Voided = true
	return nil
}

// QueueRefund appends a payout to the settlement queue.
func (m *Market) QueueRefund(depositor string, amount fixedpoint.Value) {
	m.RefundQueue = append(m.RefundQueue, Refund{Depositor: depositor, Amount: amount})
}

// Clone deep-copies the market so storage layers can hand out isolated
// snapshots.
func (m *Market) Clone() *Market {
	c := *m
	c.Proposals = make([]*Proposal, len(m.Proposals))
	for i, p := range m.Proposals {
		pc := *p
		pc.Pricing = p.Pricing.Clone()
		pc.RecentPrices = slices.Clone(p.RecentPrices)
		pc.Traders = make(map[string]struct{}, len(p.Traders))
		for trader := range p.Traders {
			pc.Traders[trader] = struct{}{}
		}
		c.Proposals[i] = &pc
	}
	c.RefundQueue = slices.Clone(m.RefundQueue)
	return &c
}

// Settle moves a collapsed or voided market into its terminal state once
// the refund queue has been drained.
func (m *Market) Settle() error {
	if m.State == StateSettled {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyCollapsed)
	}
	if m.State != StateCollapsed && !m.Voided {
		return fmt.Errorf("market %s is %s: %w", m.ID, m.State, ErrMarketNotActive)
	}
	m.State = StateSettled
	return nil
}
