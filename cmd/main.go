package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/amirphl/quantum-markets/internal/config"
	"github.com/amirphl/quantum-markets/internal/credit"
	"github.com/amirphl/quantum-markets/internal/db"
	"github.com/amirphl/quantum-markets/internal/engine"
	"github.com/amirphl/quantum-markets/internal/fixedpoint"
	"github.com/amirphl/quantum-markets/internal/quantum"
	"github.com/amirphl/quantum-markets/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	log.Printf("Starting Quantum Markets simulation (%s storage)", cfg.Storage)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	storage, err := buildStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// The simulation drives its own slot clock; every engine call reads
	// the current slot through the time source.
	var slot uint64
	eng := engine.New(storage, func() uint64 { return slot })

	if err := runSimulation(ctx, cfg, eng, &slot); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	log.Println("Simulation complete")
}

// buildStorage selects the storage backend from the configuration.
func buildStorage(ctx context.Context, cfg config.Config) (db.Storage, error) {
	switch cfg.Storage {
	case "memory":
		return db.NewMemory(), nil
	case "postgres":
		if cfg.RunMigration {
			if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		storage, err := db.NewFromConnStr(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to Postgres")
		return storage, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage)
	}
}

// runSimulation plays one full quantum market lifecycle: create, fund,
// trade a random flow, collapse, settle, and verify that payouts never
// exceed deposits.
func runSimulation(ctx context.Context, cfg config.Config, eng *engine.Engine, slot *uint64) error {
	rule := quantum.CollapseRule{}
	kind, err := quantum.ParseRuleKind(cfg.CollapseRule)
	if err != nil {
		return err
	}
	if kind == quantum.WeightedComposite {
		rule = quantum.DefaultComposite()
	} else {
		rule.Kind = kind
	}

	marketID, err := eng.CreateQuantumMarket(ctx, engine.QuantumMarketParams{
		Proposals:           cfg.Proposals,
		Rule:                rule,
		Liquidity:           fixedpoint.FromFloat(cfg.Liquidity),
		OutcomesPerProposal: cfg.OutcomesPerProposal,
		CollapseTime:        cfg.CollapseTime,
		ExpiryTime:          cfg.ExpiryTime,
		VolatilityThreshold: fixedpoint.FromFloat(cfg.VolatilityThreshold),
		VolatilityWindow:    cfg.VolatilityWindow,
	})
	if err != nil {
		return err
	}
	log.Printf("Created market %s: %d proposals, rule %s, collapse at slot %d",
		marketID, len(cfg.Proposals), kind, cfg.CollapseTime)

	// Fund the traders. Each deposit splits into one credit line per
	// proposal.
	deposit := fixedpoint.FromFloat(cfg.Deposit)
	traders := make([]string, cfg.Traders)
	var totalDeposits fixedpoint.Value
	for i := range traders {
		traders[i] = fmt.Sprintf("trader-%03d", i)
		if _, err := eng.IssueCredits(ctx, marketID, traders[i], deposit); err != nil {
			return err
		}
		totalDeposits += deposit
	}
	log.Printf("Funded %d traders with %s each", cfg.Traders, deposit)

	// Random trade flow, spread over the slots before the scheduled
	// collapse. Exhausted credit lines and locked proposals are part of a
	// normal run.
	rng := rand.New(rand.NewSource(cfg.Seed))
	perLine := cfg.Deposit / float64(len(cfg.Proposals))
	filled, skipped := 0, 0
	for i := range cfg.Trades {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		*slot = 1 + uint64(i)*(cfg.CollapseTime-1)/uint64(cfg.Trades)

		trader := traders[rng.Intn(len(traders))]
		proposal := rng.Intn(len(cfg.Proposals))
		amount := fixedpoint.FromFloat(perLine * (0.01 + 0.09*rng.Float64()))
		leverage := fixedpoint.FromInt(int64(1 + rng.Intn(3)))
		direction := rng.Float64() < 0.65

		_, err := eng.PlaceQuantumTrade(ctx, marketID, proposal, trader, amount, leverage, direction)
		switch {
		case err == nil:
			filled++
		case errors.Is(err, credit.ErrInsufficientCredits), errors.Is(err, quantum.ErrProposalLocked):
			skipped++
		default:
			return err
		}
	}
	log.Printf("Trade flow done: %d filled, %d skipped", filled, skipped)

	// Past the scheduled slot plus the buffer: collapse.
	*slot = cfg.CollapseTime + quantum.CollapseBufferSlots
	winner, err := eng.TriggerCollapse(ctx, marketID, false)
	if err != nil {
		return err
	}

	m, err := eng.GetQuantumMarket(ctx, marketID)
	if err != nil {
		return err
	}
	log.Printf("Winner: proposal %d (%s)", winner, m.Proposals[winner].Name)
	for _, p := range m.Proposals {
		log.Printf("  %-12s probability=%s volume=%s traders=%d",
			p.Name, p.Probability(), p.Volume, p.TraderCount())
	}

	// The first trader claims directly; the batch settles the rest.
	var claimed fixedpoint.Value
	amount, err := eng.ClaimRefund(ctx, marketID, traders[0])
	switch {
	case err == nil:
		claimed = amount
		log.Printf("%s claimed %s directly", traders[0], amount)
	case errors.Is(err, credit.ErrNothingToClaim):
		log.Printf("%s has nothing to claim", traders[0])
	default:
		return err
	}

	if cfg.SettleDelay > 0 {
		select {
		case <-time.After(cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	report, err := eng.Settle(ctx, marketID)
	if err != nil {
		return err
	}
	log.Printf("Settled: %d paid (%s), %d skipped, %d failed",
		report.Paid, report.PaidTotal, report.Skipped, len(report.Failures))
	for _, f := range report.Failures {
		log.Printf("  settlement failure for %s: %v", f.Depositor, f.Err)
	}

	paidOut := claimed + report.PaidTotal
	log.Printf("Deposits %s, refunds %s, retained %s", totalDeposits, paidOut, totalDeposits-paidOut)
	if paidOut > totalDeposits {
		return fmt.Errorf("refunds %s exceed deposits %s", paidOut, totalDeposits)
	}

	tel := eng.Telemetry()
	log.Printf("Solver: %d solves, avg %.2f iterations (min %d, max %d), %d bound hits, %d low precision",
		tel.Solves, tel.AvgIterations(), tel.MinIterations, tel.MaxIterations, tel.BoundHits, tel.LowPrecision)

	utils.GetLogger().Printf("market=%s winner=%d filled=%d skipped=%d deposits=%s refunds=%s solves=%d avg_iters=%.2f",
		marketID, winner, filled, skipped, totalDeposits, paidOut, tel.Solves, tel.AvgIterations())
	return nil
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Println("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Create a connection string to the postgres database to create our database
	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	// Connect to the postgres database
	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	// Check if our database exists
	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	// Create the database if it doesn't exist
	if !exists {
		log.Printf("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	// Connect to our database
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Read the schema.sql file
	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	// Execute the schema.sql script
	_, err = db.ExecContext(ctx, string(schemaSQL))
	if err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}
