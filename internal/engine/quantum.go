package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/amirphl/quantum-markets/internal/credit"
	"github.com/amirphl/quantum-markets/internal/fixedpoint"
	"github.com/amirphl/quantum-markets/internal/journal"
	"github.com/amirphl/quantum-markets/internal/quantum"
)

// QuantumMarketParams describes a quantum market to create.
type QuantumMarketParams struct {
	Proposals           []string
	Rule                quantum.CollapseRule
	Liquidity           fixedpoint.Value
	OutcomesPerProposal int
	CollapseTime        uint64
	ExpiryTime          uint64

	// VolatilityThreshold and VolatilityWindow drive the per-proposal
	// trading lock; a zero threshold disables it.
	VolatilityThreshold fixedpoint.Value
	VolatilityWindow    int
}

// CreateQuantumMarket creates a quantum market and returns its ID.
func (e *Engine) CreateQuantumMarket(ctx context.Context, params QuantumMarketParams) (string, error) {
	id := uuid.NewString()
	m, err := quantum.NewMarket(id, params.Proposals, params.Rule, params.Liquidity,
		params.OutcomesPerProposal, e.clock(), params.CollapseTime, params.ExpiryTime)
	if err != nil {
		return "", fmt.Errorf("create quantum market: %w", err)
	}
	m.VolatilityThreshold = params.VolatilityThreshold
	m.VolatilityWindow = params.VolatilityWindow

	if err := e.storage.SaveQuantumMarket(ctx, m); err != nil {
		return "", fmt.Errorf("create quantum market %s: %w", id, err)
	}
	e.journal(ctx, journal.TypeMarket, "quantum_market_created", map[string]any{
		"market":        id,
		"proposals":     len(params.Proposals),
		"rule":          params.Rule.Kind.String(),
		"collapse_time": params.CollapseTime,
	})
	return id, nil
}

// IssueCredits funds a depositor's phantom-credit account: the deposit
// splits into equal credit lines, one per proposal. A depositor funds a
// market once, and only while it still accepts trades.
func (e *Engine) IssueCredits(ctx context.Context, marketID, depositor string, deposit fixedpoint.Value) (*credit.Credits, error) {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Voided {
		return nil, fmt.Errorf("market %s: %w", marketID, quantum.ErrMarketVoided)
	}
	if m.State != quantum.StateActive {
		return nil, fmt.Errorf("market %s is %s: %w", marketID, m.State, quantum.ErrMarketNotActive)
	}

	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return nil, err
	}
	acct, err := ledger.Issue(depositor, deposit, len(m.Proposals))
	if err != nil {
		return nil, fmt.Errorf("issue credits on market %s: %w", marketID, err)
	}
	m.TotalDeposits += deposit

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.storage.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		return e.storage.SaveQuantumMarket(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("issue credits on market %s: %w", marketID, err)
	}
	e.journal(ctx, journal.TypeCredit, "credits_issued", map[string]any{
		"market":    marketID,
		"depositor": depositor,
		"deposit":   deposit.String(),
		"per_line":  acct.PerProposal[0].String(),
	})
	return acct, nil
}

// PlaceQuantumTrade fills an order against one proposal of a quantum
// market. The flow is fixed: lifecycle and lock validation, then the
// credit reservation, then pricing. The effective size is
// amount × leverage, signed by direction, and the reservation stays in
// place whatever the solver reports.
func (e *Engine) PlaceQuantumTrade(ctx context.Context, marketID string, proposal int, trader string, amount, leverage fixedpoint.Value, direction bool) (*TradeResult, error) {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	m.Advance(now, false)
	if err := m.CanTrade(proposal); err != nil {
		return nil, fmt.Errorf("quantum trade on market %s: %w", marketID, err)
	}

	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return nil, err
	}
	acct, ok := ledger.Account(trader)
	if !ok {
		return nil, fmt.Errorf("trader %s has no account on market %s: %w", trader, marketID, credit.ErrInsufficientCredits)
	}
	if err := acct.Reserve(proposal, amount, leverage, now); err != nil {
		return nil, fmt.Errorf("quantum trade on market %s: %w", marketID, err)
	}

	effective := amount.Mul(leverage)
	if !direction {
		effective = -effective
	}

	state := m.Proposals[proposal].Pricing
	if now > state.CurrentTime {
		state.CurrentTime = now
	}
	result, err := e.applyTrade(state, 0, effective)
	if err != nil {
		return nil, fmt.Errorf("quantum trade on market %s: %w", marketID, err)
	}
	result.MarketID = marketID
	result.Proposal = proposal
	m.RecordTrade(proposal, trader, effective, result.NewPrice)

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.storage.SaveQuantumMarket(ctx, m); err != nil {
			return err
		}
		return e.storage.SaveLedger(ctx, ledger)
	})
	if err != nil {
		return nil, fmt.Errorf("quantum trade on market %s: %w", marketID, err)
	}
	e.journalTrade(ctx, result)
	return result, nil
}

// LockProposal engages a proposal's trading lock by hand.
func (e *Engine) LockProposal(ctx context.Context, marketID string, proposal int) error {
	return e.updateQuantumMarket(ctx, marketID, func(m *quantum.Market) error {
		return m.LockProposal(proposal)
	})
}

// UnlockProposal releases a proposal's trading lock.
func (e *Engine) UnlockProposal(ctx context.Context, marketID string, proposal int) error {
	return e.updateQuantumMarket(ctx, marketID, func(m *quantum.Market) error {
		return m.UnlockProposal(proposal)
	})
}

// TriggerCollapse advances the market's lifecycle for the current time
// and, once the collapsing phase is reached, executes the collapse: the
// winner index is written, every account's refund is computed, and the
// refund queue is filled. earlyAuthorized is the caller's authorization
// decision for collapsing ahead of schedule.
func (e *Engine) TriggerCollapse(ctx context.Context, marketID string, earlyAuthorized bool) (int, error) {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return -1, err
	}

	now := e.clock()
	m.Advance(now, earlyAuthorized)
	winner, err := m.ExecuteCollapse(now)
	if err != nil {
		return -1, fmt.Errorf("collapse market %s: %w", marketID, err)
	}

	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return -1, err
	}
	for _, depositor := range sortedDepositors(ledger) {
		acct := ledger.Accounts[depositor]
		acct.RefundAmount = acct.ComputeRefund(winner)
		if acct.RefundAmount > 0 {
			m.QueueRefund(depositor, acct.RefundAmount)
		}
	}

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.storage.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		return e.storage.SaveQuantumMarket(ctx, m)
	})
	if err != nil {
		return -1, fmt.Errorf("collapse market %s: %w", marketID, err)
	}

	log.Printf("Market %s collapsed: winner %d (%s), %d refunds queued",
		marketID, winner, m.Proposals[winner].Name, len(m.RefundQueue))
	e.journal(ctx, journal.TypeCollapse, "market_collapsed", map[string]any{
		"market":  marketID,
		"winner":  winner,
		"rule":    m.Rule.Kind.String(),
		"refunds": len(m.RefundQueue),
	})
	return winner, nil
}

// VoidMarket administratively halts a market before collapse. Every
// depositor's full deposit is queued for refund.
func (e *Engine) VoidMarket(ctx context.Context, marketID string) error {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if err := m.Void(); err != nil {
		return fmt.Errorf("void market %s: %w", marketID, err)
	}

	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return err
	}
	for _, depositor := range sortedDepositors(ledger) {
		acct := ledger.Accounts[depositor]
		acct.RefundAmount = acct.EmergencyRefund()
		m.QueueRefund(depositor, acct.RefundAmount)
	}

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.storage.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		return e.storage.SaveQuantumMarket(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("void market %s: %w", marketID, err)
	}
	e.journal(ctx, journal.TypeMarket, "market_voided", map[string]any{
		"market":  marketID,
		"refunds": len(m.RefundQueue),
	})
	return nil
}

// ClaimRefund pays out a depositor's assigned refund, exactly once.
func (e *Engine) ClaimRefund(ctx context.Context, marketID, depositor string) (fixedpoint.Value, error) {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if m.State != quantum.StateCollapsed && m.State != quantum.StateSettled && !m.Voided {
		return 0, fmt.Errorf("market %s is %s: %w", marketID, m.State, quantum.ErrMarketNotActive)
	}

	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return 0, err
	}
	acct, ok := ledger.Account(depositor)
	if !ok {
		return 0, fmt.Errorf("depositor %s on market %s: %w", depositor, marketID, credit.ErrNothingToClaim)
	}
	amount, err := acct.Claim()
	if err != nil {
		return 0, fmt.Errorf("claim on market %s: %w", marketID, err)
	}

	if err := e.storage.SaveLedger(ctx, ledger); err != nil {
		return 0, fmt.Errorf("claim on market %s: %w", marketID, err)
	}
	e.journal(ctx, journal.TypeRefund, "refund_claimed", map[string]any{
		"market":    marketID,
		"depositor": depositor,
		"amount":    amount.String(),
	})
	return amount, nil
}

// SettleFailure is one refund the settlement batch could not pay.
type SettleFailure struct {
	Depositor string
	Err       error
}

// SettleReport summarizes one settlement batch.
type SettleReport struct {
	Paid      int
	PaidTotal fixedpoint.Value
	Skipped   int
	Failures  []SettleFailure
}

// Settle drains the refund queue of a collapsed or voided market and moves
// it to its terminal state. Already-claimed refunds are skipped and
// per-depositor failures are reported without aborting the batch.
func (e *Engine) Settle(ctx context.Context, marketID string) (*SettleReport, error) {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	ledger, err := e.loadLedger(ctx, marketID)
	if err != nil {
		return nil, err
	}

	report := &SettleReport{}
	for _, refund := range m.RefundQueue {
		acct, ok := ledger.Account(refund.Depositor)
		if !ok {
			report.Failures = append(report.Failures, SettleFailure{
				Depositor: refund.Depositor,
				Err:       fmt.Errorf("no account for queued refund"),
			})
			continue
		}
		if acct.RefundClaimed {
			report.Skipped++
			continue
		}
		amount, err := acct.Claim()
		if err != nil {
			report.Failures = append(report.Failures, SettleFailure{Depositor: refund.Depositor, Err: err})
			continue
		}
		report.Paid++
		report.PaidTotal += amount
	}
	m.RefundQueue = nil

	if err := m.Settle(); err != nil {
		return nil, fmt.Errorf("settle market %s: %w", marketID, err)
	}

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.storage.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		return e.storage.SaveQuantumMarket(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("settle market %s: %w", marketID, err)
	}

	log.Printf("Market %s settled: %d paid (%s), %d skipped, %d failed",
		marketID, report.Paid, report.PaidTotal, report.Skipped, len(report.Failures))
	e.journal(ctx, journal.TypeRefund, "market_settled", map[string]any{
		"market":     marketID,
		"paid":       report.Paid,
		"paid_total": report.PaidTotal.String(),
		"skipped":    report.Skipped,
		"failed":     len(report.Failures),
	})
	return report, nil
}

// GetQuantumMarket returns a snapshot of a quantum market.
func (e *Engine) GetQuantumMarket(ctx context.Context, marketID string) (*quantum.Market, error) {
	return e.loadQuantumMarket(ctx, marketID)
}

// GetLedger returns a snapshot of a market's credit ledger.
func (e *Engine) GetLedger(ctx context.Context, marketID string) (*credit.Ledger, error) {
	return e.loadLedger(ctx, marketID)
}

func (e *Engine) loadQuantumMarket(ctx context.Context, marketID string) (*quantum.Market, error) {
	m, err := e.storage.GetQuantumMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load quantum market %s: %w", marketID, err)
	}
	if m == nil {
		return nil, fmt.Errorf("quantum market %s: %w", marketID, ErrMarketNotFound)
	}
	return m, nil
}

// loadLedger returns the market's ledger, fresh and empty when no deposit
// has been made yet.
func (e *Engine) loadLedger(ctx context.Context, marketID string) (*credit.Ledger, error) {
	ledger, err := e.storage.GetLedger(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load ledger for market %s: %w", marketID, err)
	}
	if ledger == nil {
		ledger = credit.NewLedger(marketID)
	}
	return ledger, nil
}

func (e *Engine) updateQuantumMarket(ctx context.Context, marketID string, fn func(*quantum.Market) error) error {
	m, err := e.loadQuantumMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return fmt.Errorf("update market %s: %w", marketID, err)
	}
	if err := e.storage.SaveQuantumMarket(ctx, m); err != nil {
		return fmt.Errorf("update market %s: %w", marketID, err)
	}
	return nil
}

func sortedDepositors(l *credit.Ledger) []string {
	depositors := make([]string, 0, len(l.Accounts))
	for d := range l.Accounts {
		depositors = append(depositors, d)
	}
	sort.Strings(depositors)
	return depositors
}
