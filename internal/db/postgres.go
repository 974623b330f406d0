package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/quantum-markets/internal/credit"
	"github.com/amirphl/quantum-markets/internal/db/conf"
	"github.com/amirphl/quantum-markets/internal/journal"
	"github.com/amirphl/quantum-markets/internal/pricing"
	"github.com/amirphl/quantum-markets/internal/quantum"

	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
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

// queryRowWithTransaction runs a single-row query through the context
// transaction when one is present.
func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// Default is the postgres-backed Storage. Records serialize to JSONB with
// scalar columns pulled out for indexing.
type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

// NewFromConnStr opens a pooled postgres connection for production use.
func NewFromConnStr(connStr string, maxOpen, maxIdle int) (*Default, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Default{db: db}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// -------- MarketStorage --------

func (p *Default) SaveMarket(ctx context.Context, id string, state *pricing.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal market %s: %w", id, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO markets (id, state, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, updated_at=now()`,
			id, payload)
		if err != nil {
			return fmt.Errorf("failed to save market %s: %w", id, err)
		}
		return nil
	})
}

func (p *Default) GetMarket(ctx context.Context, id string) (*pricing.State, error) {
	var payload []byte
	err := p.queryRowWithTransaction(ctx, `SELECT state FROM markets WHERE id=$1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query market %s: %w", id, err)
	}

	var state pricing.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal market %s: %w", id, err)
	}
	return &state, nil
}

func (p *Default) ListMarkets(ctx context.Context) ([]string, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT id FROM markets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan market id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -------- QuantumStorage --------

func (p *Default) SaveQuantumMarket(ctx context.Context, m *quantum.Market) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal quantum market %s: %w", m.ID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quantum_markets (id, market, state, winner_index, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO UPDATE SET
				market=EXCLUDED.market, state=EXCLUDED.state,
				winner_index=EXCLUDED.winner_index, updated_at=now()`,
			m.ID, payload, int(m.State), m.WinnerIndex)
		if err != nil {
			return fmt.Errorf("failed to save quantum market %s: %w", m.ID, err)
		}
		return nil
	})
}

func (p *Default) GetQuantumMarket(ctx context.Context, id string) (*quantum.Market, error) {
	var payload []byte
	err := p.queryRowWithTransaction(ctx, `SELECT market FROM quantum_markets WHERE id=$1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quantum market %s: %w", id, err)
	}

	var m quantum.Market
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quantum market %s: %w", id, err)
	}
	return &m, nil
}

func (p *Default) ListQuantumMarkets(ctx context.Context) ([]string, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT id FROM quantum_markets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quantum markets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan quantum market id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -------- CreditStorage --------

func (p *Default) SaveLedger(ctx context.Context, l *credit.Ledger) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger for market %s: %w", l.MarketID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credit_ledgers (market_id, ledger, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (market_id) DO UPDATE SET ledger=EXCLUDED.ledger, updated_at=now()`,
			l.MarketID, payload)
		if err != nil {
			return fmt.Errorf("failed to save ledger for market %s: %w", l.MarketID, err)
		}
		return nil
	})
}

func (p *Default) GetLedger(ctx context.Context, marketID string) (*credit.Ledger, error) {
	var payload []byte
	err := p.queryRowWithTransaction(ctx, `SELECT ledger FROM credit_ledgers WHERE market_id=$1`, marketID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger for market %s: %w", marketID, err)
	}

	var l credit.Ledger
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger for market %s: %w", marketID, err)
	}
	return &l, nil
}

// -------- JournalStorage --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data)
			VALUES ($1, $2, $3, $4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data
		FROM events
		WHERE type=$1 AND time >= $2 AND time < $3
		ORDER BY time ASC`,
		eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
