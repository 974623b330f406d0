// Package engine is the trading façade: every externally callable
// operation lives here. The engine owns no clock and takes no locks; the
// hosting layer injects a time source and serializes calls, which keeps
// every operation deterministic for equal inputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/quantum-markets/internal/db"
	"github.com/amirphl/quantum-markets/internal/fixedpoint"
	"github.com/amirphl/quantum-markets/internal/journal"
	"github.com/amirphl/quantum-markets/internal/pricing"
)

// ErrMarketNotFound rejects operations on unknown market IDs.
var ErrMarketNotFound = errors.New("market not found")

// TimeSource supplies the engine's monotonic time units.
type TimeSource func() uint64

// Engine wires the pricing core, the quantum lifecycle and the credit
// ledger to a storage backend.
type Engine struct {
	storage   db.Storage
	clock     TimeSource
	telemetry pricing.Telemetry
}

// New creates an engine on the given storage backend and time source.
func New(storage db.Storage, clock TimeSource) *Engine {
	return &Engine{storage: storage, clock: clock}
}

// Telemetry returns the running solver statistics across all markets.
func (e *Engine) Telemetry() pricing.Telemetry { return e.telemetry }

// TradeResult reports a filled order.
type TradeResult struct {
	MarketID      string
	Proposal      int // -1 for plain markets
	Outcome       int
	OldPrice      fixedpoint.Value
	NewPrice      fixedpoint.Value
	Prices        []fixedpoint.Value
	EffectiveSize fixedpoint.Value
	LVRCost       fixedpoint.Value
	Iterations    int
	Conditions    []pricing.Condition
}

// CreateMarket creates a plain multi-outcome market and returns its ID.
func (e *Engine) CreateMarket(ctx context.Context, liquidity fixedpoint.Value, outcomes int, expiry uint64) (string, error) {
	now := e.clock()
	state, err := pricing.NewState(liquidity, outcomes, now, expiry)
	if err != nil {
		return "", fmt.Errorf("create market: %w", err)
	}

	id := uuid.NewString()
	if err := e.storage.SaveMarket(ctx, id, state); err != nil {
		return "", fmt.Errorf("create market %s: %w", id, err)
	}
	e.journal(ctx, journal.TypeMarket, "market_created", map[string]any{
		"market":    id,
		"outcomes":  outcomes,
		"liquidity": liquidity.String(),
		"expiry":    expiry,
	})
	return id, nil
}

// Trade fills an order on a plain market: direction true buys the outcome,
// false sells it. The returned result carries the realized price, the full
// post-trade price vector and any solver conditions.
func (e *Engine) Trade(ctx context.Context, marketID string, outcome int, amount fixedpoint.Value, direction bool) (*TradeResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("trade amount must be positive, got %s", amount)
	}

	state, err := e.storage.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("trade on market %s: %w", marketID, err)
	}
	if state == nil {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrMarketNotFound)
	}

	now := e.clock()
	if now > state.CurrentTime {
		state.CurrentTime = now
	}

	size := amount
	if !direction {
		size = -size
	}

	result, err := e.applyTrade(state, outcome, size)
	if err != nil {
		return nil, fmt.Errorf("trade on market %s: %w", marketID, err)
	}
	result.MarketID = marketID
	result.Proposal = -1

	if err := e.storage.SaveMarket(ctx, marketID, state); err != nil {
		return nil, fmt.Errorf("trade on market %s: %w", marketID, err)
	}
	e.journalTrade(ctx, result)
	return result, nil
}

// applyTrade runs the solve-redistribute-meter sequence against a pricing
// state in place.
func (e *Engine) applyTrade(state *pricing.State, outcome int, size fixedpoint.Value) (*TradeResult, error) {
	oldPrice := state.Prices[outcome]

	solved, err := pricing.Solve(state, outcome, size)
	if err != nil {
		return nil, err
	}
	conds, err := state.Redistribute(outcome, solved.Price)
	if err != nil {
		return nil, err
	}
	state.RecordVolume(outcome, size)

	lvr := state.LVRCost()
	state.LVRAccrued += lvr
	e.telemetry.Record(solved)

	prices := make([]fixedpoint.Value, len(state.Prices))
	copy(prices, state.Prices)

	return &TradeResult{
		Outcome:       outcome,
		OldPrice:      oldPrice,
		NewPrice:      state.Prices[outcome],
		Prices:        prices,
		EffectiveSize: size,
		LVRCost:       lvr,
		Iterations:    solved.Iterations,
		Conditions:    append(solved.Conditions, conds...),
	}, nil
}

func (e *Engine) journalTrade(ctx context.Context, r *TradeResult) {
	e.journal(ctx, journal.TypeTrade, "trade_filled", map[string]any{
		"market":     r.MarketID,
		"proposal":   r.Proposal,
		"outcome":    r.Outcome,
		"old_price":  r.OldPrice.String(),
		"new_price":  r.NewPrice.String(),
		"size":       r.EffectiveSize.String(),
		"lvr_cost":   r.LVRCost.String(),
		"iterations": r.Iterations,
	})
	for _, c := range r.Conditions {
		e.journal(ctx, journal.TypeSolver, string(c), map[string]any{
			"market":   r.MarketID,
			"proposal": r.Proposal,
			"outcome":  r.Outcome,
		})
	}
}

// inTransaction runs fn inside a single database transaction when the
// storage backend has one, so operations that touch both a market and its
// ledger persist atomically. Memory storage has no transactions; fn runs
// directly.
func (e *Engine) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sqlDB := e.storage.GetDB()
	if sqlDB == nil {
		return fn(ctx)
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(db.WithTransaction(ctx, tx)); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// journal records an event, logging instead of failing when the backend
// rejects it: journaling never blocks a filled trade.
func (e *Engine) journal(ctx context.Context, eventType, description string, data map[string]any) {
	err := e.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now(),
		Type:        eventType,
		Description: description,
		Data:        data,
	})
	if err != nil {
		log.Printf("Failed to journal %s/%s: %v", eventType, description, err)
	}
}
