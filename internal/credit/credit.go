// Package credit implements the phantom-credit ledger behind quantum
// markets. A deposit is split into independent per-proposal credit lines;
// trades reserve against a line, and once the market collapses the unused
// remainders come back while credits spent on losing proposals are
// forfeited.
package credit

import (
	"errors"
	"fmt"
	"slices"

	"github.com/amirphl/quantum-markets/internal/fixedpoint"
)

var (
	// ErrInsufficientCredits rejects a reservation beyond the proposal's
	// remaining credit line.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAlreadyDeposited rejects a second deposit from the same
	// depositor into the same market.
	ErrAlreadyDeposited = errors.New("already deposited")

	// ErrNothingToClaim rejects a refund claim when no refund is assigned
	// or it was already paid out.
	ErrNothingToClaim = errors.New("nothing to claim")
)

// UsedCredit is one reservation against a proposal's credit line.
type UsedCredit struct {
	Proposal int              `json:"proposal"`
	Amount   fixedpoint.Value `json:"amount"`
	Leverage fixedpoint.Value `json:"leverage"`
	Time     uint64           `json:"time"`
}

// Credits is one depositor's phantom-credit account in one market.
type Credits struct {
	Depositor   string             `json:"depositor"`
	MarketID    string             `json:"market_id"`
	Deposit     fixedpoint.Value   `json:"deposit"`
	PerProposal []fixedpoint.Value `json:"per_proposal"`
	Used        []UsedCredit       `json:"used"`

	RefundAmount  fixedpoint.Value `json:"refund_amount"`
	RefundClaimed bool             `json:"refund_claimed"`
}

// UsedOn returns the total reserved against one proposal.
func (c *Credits) UsedOn(proposal int) fixedpoint.Value {
	var total fixedpoint.Value
	for _, u := range c.Used {
		if u.Proposal == proposal {
			total += u.Amount
		}
	}
	return total
}

// TotalUsed returns the total reserved across all proposals.
func (c *Credits) TotalUsed() fixedpoint.Value {
	var total fixedpoint.Value
	for _, u := range c.Used {
		total += u.Amount
	}
	return total
}

// Available returns the unused remainder of one proposal's credit line.
func (c *Credits) Available(proposal int) fixedpoint.Value {
	return c.PerProposal[proposal] - c.UsedOn(proposal)
}

// Reserve earmarks part of a proposal's credit line for a trade. A
// reservation beyond the remaining line fails with ErrInsufficientCredits
// and leaves the account untouched.
func (c *Credits) Reserve(proposal int, amount, leverage fixedpoint.Value, now uint64) error {
	if proposal < 0 || proposal >= len(c.PerProposal) {
		return fmt.Errorf("proposal %d out of range [0, %d)", proposal, len(c.PerProposal))
	}
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %s", amount)
	}
	if leverage < fixedpoint.One {
		return fmt.Errorf("leverage must be at least one, got %s", leverage)
	}
	if amount > c.Available(proposal) {
		return fmt.Errorf("reserve %s on proposal %d with %s available: %w",
			amount, proposal, c.Available(proposal), ErrInsufficientCredits)
	}
	c.Used = append(c.Used, UsedCredit{
		Proposal: proposal,
		Amount:   amount,
		Leverage: leverage,
		Time:     now,
	})
	return nil
}

// ComputeRefund values the account once the winner is final: the unused
// remainder on the winning line plus every unused credit on losing lines.
// Credits spent on losers are forfeited; credits spent on the winner are
// the settled position and are not refunded here.
func (c *Credits) ComputeRefund(winner int) fixedpoint.Value {
	if winner < 0 || winner >= len(c.PerProposal) {
		return 0
	}
	refund := c.Available(winner)
	for i := range c.PerProposal {
		if i == winner {
			continue
		}
		refund += c.Available(i)
	}
	return refund
}

// EmergencyRefund values the account for a voided market: the whole
// deposit comes back because no winner ever materialized.
func (c *Credits) EmergencyRefund() fixedpoint.Value {
	return c.Deposit
}

// Claim marks the assigned refund as paid out, exactly once.
func (c *Credits) Claim() (fixedpoint.Value, error) {
	if c.RefundClaimed || c.RefundAmount <= 0 {
		return 0, fmt.Errorf("depositor %s in market %s: %w", c.Depositor, c.MarketID, ErrNothingToClaim)
	}
	c.RefundClaimed = true
	return c.RefundAmount, nil
}

// Ledger tracks every depositor's credits for a single market. It carries
// no locks; callers serialize access.
type Ledger struct {
	MarketID string              `json:"market_id"`
	Accounts map[string]*Credits `json:"accounts"`
}

// NewLedger creates an empty ledger for one market.
func NewLedger(marketID string) *Ledger {
	return &Ledger{MarketID: marketID, Accounts: make(map[string]*Credits)}
}

// Issue splits a deposit into equal per-proposal credit lines. The integer
// remainder of the split lands on the first proposal so the lines always
// sum to the deposit exactly. A depositor can fund a market once.
func (l *Ledger) Issue(depositor string, deposit fixedpoint.Value, proposals int) (*Credits, error) {
	if deposit <= 0 {
		return nil, fmt.Errorf("deposit must be positive, got %s", deposit)
	}
	if proposals < 1 {
		return nil, fmt.Errorf("proposal count must be positive, got %d", proposals)
	}
	if _, ok := l.Accounts[depositor]; ok {
		return nil, fmt.Errorf("depositor %s in market %s: %w", depositor, l.MarketID, ErrAlreadyDeposited)
	}

	base := deposit / fixedpoint.Value(proposals)
	per := make([]fixedpoint.Value, proposals)
	for i := range per {
		per[i] = base
	}
	per[0] += deposit - base*fixedpoint.Value(proposals)

	c := &Credits{
		Depositor:   depositor,
		MarketID:    l.MarketID,
		Deposit:     deposit,
		PerProposal: per,
	}
	l.Accounts[depositor] = c
	return c, nil
}

// Account returns a depositor's credits, if any.
func (l *Ledger) Account(depositor string) (*Credits, bool) {
	c, ok := l.Accounts[depositor]
	return c, ok
}

// TotalDeposits sums every account's deposit.
func (l *Ledger) TotalDeposits() fixedpoint.Value {
	var total fixedpoint.Value
	for _, c := range l.Accounts {
		total += c.Deposit
	}
	return total
}

// Clone deep-copies the ledger so storage layers can hand out isolated
// snapshots.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{MarketID: l.MarketID, Accounts: make(map[string]*Credits, len(l.Accounts))}
	for dep, acct := range l.Accounts {
		ac := *acct
		ac.PerProposal = slices.Clone(acct.PerProposal)
		ac.Used = slices.Clone(acct.Used)
		c.Accounts[dep] = &ac
	}
	return c
}

// TotalRefunds sums every account's assigned refund.
func (l *Ledger) TotalRefunds() fixedpoint.Value {
	var total fixedpoint.Value
	for _, c := range l.Accounts {
		total += c.RefundAmount
	}
	return total
}
