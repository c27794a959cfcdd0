package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("HLH_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: HLH_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "hlh_exchange")
	user := getEnv("POSTGRES_USER", "hlh")
	password := getEnv("POSTGRES_PASSWORD", "hlh")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedCurveStates(ctx, pool); err != nil {
		log.Fatalf("seed curve states: %v", err)
	}
	fmt.Println("✓ Curve states seeded")

	if err := seedHoldings(ctx, pool); err != nil {
		log.Fatalf("seed holdings: %v", err)
	}
	fmt.Println("✓ Holdings seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nLaunch tokens:")
	fmt.Println("  MEME  - bonding phase, fresh curve")
	fmt.Println("  PUMP  - bonding phase, partially sold")
	fmt.Println("  MOON  - graduated, trades on AMM and book")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedCurveStates(ctx context.Context, pool *pgxpool.Pool) error {
	states := []struct {
		token       string
		supplySold  string
		totalRaised string
		status      string
	}{
		{"MEME", "0", "0", "bonding"},
		{"PUMP", "250000000", "18500", "bonding"},
		{"MOON", "800000000", "85000", "graduated"},
	}

	now := time.Now()

	for _, st := range states {
		_, err := pool.Exec(ctx, `
			INSERT INTO curve_states (token, supply_sold, total_raised, status, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (token) DO UPDATE
			SET supply_sold = EXCLUDED.supply_sold,
			    total_raised = EXCLUDED.total_raised,
			    status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at
		`, st.token, st.supplySold, st.totalRaised, st.status, now)
		if err != nil {
			return err
		}
	}

	return nil
}

func seedHoldings(ctx context.Context, pool *pgxpool.Pool) error {
	demoAccountID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderAccountID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	holdings := []struct {
		token   string
		account uuid.UUID
		balance string
	}{
		{"PUMP", demoAccountID, "150000000"},
		{"PUMP", traderAccountID, "100000000"},
		{"MOON", demoAccountID, "500000000"},
		{"MOON", traderAccountID, "300000000"},
	}

	for _, h := range holdings {
		_, err := pool.Exec(ctx, `
			INSERT INTO holdings (token, account, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (token, account) DO UPDATE
			SET balance = EXCLUDED.balance
		`, h.token, h.account.String(), h.balance)
		if err != nil {
			return err
		}
	}

	return nil
}
