package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/settlement"
	"github.com/maengseojun/HLH-hack-sub008/services/testutil"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	return pool
}

func TestOrderRoundTrip(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := New(pool)

	limit := decimal.RequireFromString("1.05")
	order := Order{
		ID:           uuid.NewString(),
		Token:        "HLH",
		Side:         "buy",
		Kind:         "limit",
		LimitPrice:   &limit,
		Account:      "alice",
		Requested:    decimal.NewFromInt(1000),
		Filled:       decimal.Zero,
		AveragePrice: decimal.Zero,
		Fees:         decimal.Zero,
		Status:       "open",
	}
	if err := store.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	// Replayed insert is a no-op.
	if err := store.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder replay: %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.LimitPrice == nil || !got.LimitPrice.Equal(limit) {
		t.Fatalf("limit price round trip: %v", got.LimitPrice)
	}
	if !got.Requested.Equal(order.Requested) {
		t.Fatalf("requested round trip: %s", got.Requested)
	}
	if got.Account != "alice" {
		t.Fatalf("account round trip: %q", got.Account)
	}
	if got.SettlementWarning {
		t.Fatal("fresh order must not carry a settlement warning")
	}

	got.Filled = decimal.RequireFromString("999.999999999999999999")
	got.AveragePrice = decimal.RequireFromString("1.012345678901234567")
	got.Status = "partial"
	got.Cause = "NO_LIQUIDITY"
	if err := store.UpdateOrder(ctx, *got); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	updated, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder after update: %v", err)
	}
	if !updated.Filled.Equal(got.Filled) {
		t.Fatalf("filled precision lost: %s vs %s", updated.Filled, got.Filled)
	}
	if !updated.AveragePrice.Equal(got.AveragePrice) {
		t.Fatalf("average price precision lost: %s", updated.AveragePrice)
	}

	// The warning is set out of band and must survive later order updates.
	if err := store.FlagSettlementWarning(ctx, order.ID); err != nil {
		t.Fatalf("FlagSettlementWarning: %v", err)
	}
	if err := store.UpdateOrder(ctx, *got); err != nil {
		t.Fatalf("UpdateOrder after flag: %v", err)
	}
	flagged, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder after flag: %v", err)
	}
	if !flagged.SettlementWarning {
		t.Fatal("settlement warning lost")
	}

	if _, err := store.GetOrder(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountNonceSequence(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := New(pool)

	account := "nonce-" + uuid.NewString()
	var last uint64
	for i := 0; i < 5; i++ {
		nonce, err := store.NextAccountNonce(ctx, account)
		if err != nil {
			t.Fatalf("NextAccountNonce %d: %v", i, err)
		}
		if nonce <= last {
			t.Fatalf("nonce not increasing: %d after %d", nonce, last)
		}
		last = nonce
	}

	// A second account runs its own sequence from one.
	other, err := store.NextAccountNonce(ctx, "nonce-"+uuid.NewString())
	if err != nil {
		t.Fatalf("NextAccountNonce other: %v", err)
	}
	if other != 1 {
		t.Fatalf("fresh account should start at 1, got %d", other)
	}
}

func TestFillsRoundTrip(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := New(pool)

	orderID := uuid.NewString()
	order := Order{
		ID: orderID, Token: "HLH", Side: "buy", Kind: "market",
		Requested: decimal.NewFromInt(100), Filled: decimal.Zero,
		AveragePrice: decimal.Zero, Fees: decimal.Zero, Status: "pending",
	}
	if err := store.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	fills := []Fill{
		{
			ID: uuid.NewString(), OrderID: orderID, Token: "HLH", Venue: "amm", Side: "buy",
			Price: decimal.RequireFromString("1.003"), Amount: decimal.NewFromInt(49),
			MakerFee: decimal.Zero, TakerFee: decimal.RequireFromString("0.147"),
			ExecutedAt: time.Now().UTC(),
		},
		{
			ID: uuid.NewString(), OrderID: orderID, Token: "HLH", Venue: "book", Side: "buy",
			Price: decimal.RequireFromString("1.01"), Amount: decimal.NewFromInt(51),
			MakerFee: decimal.RequireFromString("0.05"), TakerFee: decimal.RequireFromString("0.15"),
			CounterOrderID: uuid.NewString(),
			ExecutedAt:     time.Now().UTC().Add(time.Millisecond),
		},
	}
	if err := store.InsertFills(ctx, fills); err != nil {
		t.Fatalf("InsertFills: %v", err)
	}
	// Replay of the same fill IDs inserts nothing new.
	if err := store.InsertFills(ctx, fills); err != nil {
		t.Fatalf("InsertFills replay: %v", err)
	}

	got, err := store.ListFillsByOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("ListFillsByOrder: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(got))
	}
	if got[0].Venue != "amm" || got[1].Venue != "book" {
		t.Fatalf("fills out of execution order: %s %s", got[0].Venue, got[1].Venue)
	}
	if got[0].CounterOrderID != "" {
		t.Fatalf("amm fill should have no counterparty, got %q", got[0].CounterOrderID)
	}
	if !got[1].Price.Equal(fills[1].Price) {
		t.Fatalf("price round trip: %s", got[1].Price)
	}
}

func TestCurveStateUpsert(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := New(pool)

	st := CurveState{
		Token:       "PUMP",
		SupplySold:  decimal.NewFromInt(250000),
		TotalRaised: decimal.RequireFromString("180000.5"),
		Status:      "bonding",
	}
	if err := store.UpsertCurveState(ctx, st); err != nil {
		t.Fatalf("UpsertCurveState: %v", err)
	}

	st.SupplySold = decimal.NewFromInt(300000)
	st.Status = "graduated"
	if err := store.UpsertCurveState(ctx, st); err != nil {
		t.Fatalf("UpsertCurveState update: %v", err)
	}

	got, err := store.GetCurveState(ctx, "PUMP")
	if err != nil {
		t.Fatalf("GetCurveState: %v", err)
	}
	if !got.SupplySold.Equal(st.SupplySold) || got.Status != "graduated" {
		t.Fatalf("upsert not applied: %s %s", got.SupplySold, got.Status)
	}

	states, err := store.ListCurveStates(ctx)
	if err != nil {
		t.Fatalf("ListCurveStates: %v", err)
	}
	if len(states) == 0 {
		t.Fatal("expected at least one curve state")
	}
}

func TestHolderCount(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := New(pool)

	token := "PUMP"
	if err := store.ApplyHoldingDelta(ctx, token, "acct-1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("ApplyHoldingDelta: %v", err)
	}
	if err := store.ApplyHoldingDelta(ctx, token, "acct-2", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("ApplyHoldingDelta: %v", err)
	}
	// Selling out drops the account from the count.
	if err := store.ApplyHoldingDelta(ctx, token, "acct-2", decimal.NewFromInt(-50)); err != nil {
		t.Fatalf("ApplyHoldingDelta sell: %v", err)
	}

	count, err := store.HolderCount(ctx, token)
	if err != nil {
		t.Fatalf("HolderCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 holder, got %d", count)
	}
}

func TestSettlementStoreTransitions(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := NewSettlementStore(pool)

	job := settlement.Job{
		ID:            uuid.NewString(),
		TradeID:       uuid.NewString(),
		Token:         "HLH",
		BuyerOrderID:  uuid.NewString(),
		SellerOrderID: uuid.NewString(),
		Amount:        decimal.NewFromInt(500),
		Price:         decimal.RequireFromString("1.01"),
		BuyerNonce:    11,
		SellerNonce:   12,
		Status:        settlement.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Same trade replayed under a different job ID must not double-enqueue.
	dup := job
	dup.ID = uuid.NewString()
	if err := store.Enqueue(ctx, dup); err != nil {
		t.Fatalf("Enqueue duplicate trade: %v", err)
	}

	pending, err := store.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending job, got %d", len(pending))
	}
	if pending[0].BuyerNonce != 11 || pending[0].SellerNonce != 12 {
		t.Fatalf("nonce round trip: %d %d", pending[0].BuyerNonce, pending[0].SellerNonce)
	}

	submittedAt := time.Now().UTC()
	if err := store.MarkSubmitted(ctx, job.ID, "tx-abc", submittedAt); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if err := store.MarkSubmitted(ctx, job.ID, "tx-again", submittedAt); !errors.Is(err, settlement.ErrInvalidStatus) {
		t.Fatalf("double submit should fail with ErrInvalidStatus, got %v", err)
	}

	stale, err := store.SubmittedBefore(ctx, submittedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("SubmittedBefore: %v", err)
	}
	if len(stale) != 1 || stale[0].TxHandle != "tx-abc" {
		t.Fatalf("stale lookup wrong: %+v", stale)
	}

	if err := store.MarkTerminal(ctx, job.ID, settlement.StatusConfirmed); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if err := store.MarkTerminal(ctx, job.ID, settlement.StatusFailed); !errors.Is(err, settlement.ErrInvalidStatus) {
		t.Fatalf("terminal job re-resolved, got %v", err)
	}

	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, settlement.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
