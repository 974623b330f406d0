package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/quantum-markets/internal/credit"
	"github.com/amirphl/quantum-markets/internal/journal"
	"github.com/amirphl/quantum-markets/internal/pricing"
	"github.com/amirphl/quantum-markets/internal/quantum"
)

// MemoryStorage is the in-process arena: every record lives in a map and
// both saves and loads hand out deep copies, so callers only observe state
// they explicitly saved.
type MemoryStorage struct {
	mu sync.RWMutex

	// Pricing states by market ID
	markets map[string]*pricing.State

	// Quantum markets by market ID
	quantums map[string]*quantum.Market

	// Credit ledgers by market ID
	ledgers map[string]*credit.Ledger

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		markets:  make(map[string]*pricing.State),
		quantums: make(map[string]*quantum.Market),
		ledgers:  make(map[string]*credit.Ledger),
		events:   make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- MarketStorage --------

func (m *MemoryStorage) SaveMarket(ctx context.Context, id string, state *pricing.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[id] = state.Clone()
	return nil
}

func (m *MemoryStorage) GetMarket(ctx context.Context, id string) (*pricing.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.markets[id]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStorage) ListMarkets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.markets))
	for id := range m.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// -------- QuantumStorage --------

func (m *MemoryStorage) SaveQuantumMarket(ctx context.Context, qm *quantum.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quantums[qm.ID] = qm.Clone()
	return nil
}

func (m *MemoryStorage) GetQuantumMarket(ctx context.Context, id string) (*quantum.Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if qm, ok := m.quantums[id]; ok {
		return qm.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStorage) ListQuantumMarkets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.quantums))
	for id := range m.quantums {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// -------- CreditStorage --------

func (m *MemoryStorage) SaveLedger(ctx context.Context, l *credit.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[l.MarketID] = l.Clone()
	return nil
}

func (m *MemoryStorage) GetLedger(ctx context.Context, marketID string) (*credit.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.ledgers[marketID]; ok {
		return l.Clone(), nil
	}
	return nil, nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
