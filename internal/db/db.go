// Package db
package db

import (
	"context"
	"database/sql"

	"github.com/amirphl/quantum-markets/internal/credit"
	"github.com/amirphl/quantum-markets/internal/journal"
	"github.com/amirphl/quantum-markets/internal/pricing"
	"github.com/amirphl/quantum-markets/internal/quantum"
)

// MarketStorage persists plain pricing states keyed by market ID. Getters
// return nil without error when the ID is unknown.
type MarketStorage interface {
	SaveMarket(ctx context.Context, id string, state *pricing.State) error
	GetMarket(ctx context.Context, id string) (*pricing.State, error)
	ListMarkets(ctx context.Context) ([]string, error)
}

// QuantumStorage persists quantum markets keyed by market ID.
type QuantumStorage interface {
	SaveQuantumMarket(ctx context.Context, m *quantum.Market) error
	GetQuantumMarket(ctx context.Context, id string) (*quantum.Market, error)
	ListQuantumMarkets(ctx context.Context) ([]string, error)
}

// CreditStorage persists per-market credit ledgers.
type CreditStorage interface {
	SaveLedger(ctx context.Context, l *credit.Ledger) error
	GetLedger(ctx context.Context, marketID string) (*credit.Ledger, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	MarketStorage
	QuantumStorage
	CreditStorage
	journal.Journaler
}
