// Package journal defines the append-only event records the engine emits
// for every trade, lifecycle transition and solver anomaly.
package journal

import (
	"context"
	"time"
)

// Event types emitted by the engine.
const (
	TypeMarket   = "market"   // creation, void
	TypeTrade    = "trade"    // fills, rejected orders
	TypeCredit   = "credit"   // issuance, reservations
	TypeCollapse = "collapse" // lifecycle transitions, winner selection
	TypeRefund   = "refund"   // claims, settlement payouts
	TypeSolver   = "solver"   // low-precision convergence, bound hits
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
