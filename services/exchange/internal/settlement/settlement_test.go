package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, payload)
	return 0, 0, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.bodies))
	for _, body := range p.bodies {
		var event updateEvent
		if err := json.Unmarshal(body, &event); err != nil {
			t.Fatalf("decode published event: %v", err)
		}
		out = append(out, event.Status)
	}
	return out
}

type fakeChain struct {
	mu      sync.Mutex
	calls   int
	failFor int
	err     error
}

func (c *fakeChain) SubmitSettlement(_ context.Context, job Job) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if c.calls <= c.failFor {
		return "", errors.New("rpc unavailable")
	}
	return "tx-" + job.ID, nil
}

func newTestQueue(t *testing.T, chain ChainClient) (*Queue, *MemoryStore, *recordingPublisher, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	producer := &recordingPublisher{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(store, chain, producer, "settlements.updated", DefaultConfig(), testLogger()).
		WithClock(func() time.Time { return now })
	return q, store, producer, &now
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFill(side string) venue.Fill {
	return venue.Fill{
		FillID:         "fill-1",
		OrderID:        "order-taker",
		CounterOrderID: "order-maker",
		Token:          "HLH",
		Venue:          venue.VenueBook,
		Side:           side,
		Price:          decimal.NewFromFloat(1.01),
		Amount:         decimal.NewFromInt(500),
		ExecutedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestJobFromFillBuyerSellerMapping(t *testing.T) {
	job := JobFromFill(testFill(venue.SideBuy), 7, 8)
	if job.BuyerOrderID != "order-taker" || job.SellerOrderID != "order-maker" {
		t.Fatalf("buy taker mapping wrong: buyer=%s seller=%s", job.BuyerOrderID, job.SellerOrderID)
	}
	if job.BuyerNonce != 7 || job.SellerNonce != 8 {
		t.Fatalf("nonces not carried: %d %d", job.BuyerNonce, job.SellerNonce)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	job = JobFromFill(testFill(venue.SideSell), 7, 8)
	if job.BuyerOrderID != "order-maker" || job.SellerOrderID != "order-taker" {
		t.Fatalf("sell taker mapping wrong: buyer=%s seller=%s", job.BuyerOrderID, job.SellerOrderID)
	}
}

func TestSubmitPendingMarksSubmitted(t *testing.T) {
	q, store, producer, _ := newTestQueue(t, &fakeChain{})
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", got.Status)
	}
	if got.TxHandle != "tx-"+job.ID {
		t.Fatalf("tx handle not recorded: %q", got.TxHandle)
	}

	statuses := producer.statuses(t)
	if len(statuses) != 2 || statuses[0] != StatusPending || statuses[1] != StatusSubmitted {
		t.Fatalf("unexpected event statuses: %v", statuses)
	}
}

func TestSubmitRetriesThenFails(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc unavailable")}
	q, store, producer, _ := newTestQueue(t, chain)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// MaxSubmitRetries ticks leave the job pending; the next tick gives up.
	for i := 0; i < DefaultConfig().MaxSubmitRetries; i++ {
		if err := q.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		got, _ := store.Get(ctx, job.ID)
		if got.Status != StatusPending {
			t.Fatalf("tick %d: expected pending, got %s", i, got.Status)
		}
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("final tick: %v", err)
	}

	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed after retry exhaustion, got %s", got.Status)
	}
	statuses := producer.statuses(t)
	if statuses[len(statuses)-1] != StatusFailed {
		t.Fatalf("last event should be failed: %v", statuses)
	}

	// A failed job is terminal; further ticks must not touch the chain.
	calls := chain.calls
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("post-failure tick: %v", err)
	}
	if chain.calls != calls {
		t.Fatalf("terminal job resubmitted: %d -> %d calls", calls, chain.calls)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	chain := &fakeChain{failFor: 2}
	q, store, _, _ := newTestQueue(t, chain)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideSell), 3, 4)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusSubmitted {
		t.Fatalf("expected submitted after transient failures, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", got.RetryCount)
	}
}

func TestConfirmationTimeout(t *testing.T) {
	chain := &fakeChain{}
	q, store, producer, now := newTestQueue(t, chain)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("submit tick: %v", err)
	}

	// Four minutes in, the job is still merely submitted.
	*now = now.Add(4 * time.Minute)
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick at 4m: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusSubmitted {
		t.Fatalf("timed out too early: %s", got.Status)
	}

	// Past five minutes without a receipt it is flagged, not resubmitted.
	*now = now.Add(2 * time.Minute)
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick at 6m: %v", err)
	}
	got, _ = store.Get(ctx, job.ID)
	if got.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}

	submitCalls := chain.calls
	*now = now.Add(time.Hour)
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick after timeout: %v", err)
	}
	if chain.calls != submitCalls {
		t.Fatalf("timed out job was resubmitted: %d -> %d", submitCalls, chain.calls)
	}
	statuses := producer.statuses(t)
	if statuses[len(statuses)-1] != StatusTimedOut {
		t.Fatalf("last event should be timed_out: %v", statuses)
	}

	// Late receipt for a timed out job is ignored, not re-opened.
	if err := q.Confirm(ctx, job.ID); err != nil {
		t.Fatalf("late confirm should be a no-op: %v", err)
	}
	got, _ = store.Get(ctx, job.ID)
	if got.Status != StatusTimedOut {
		t.Fatalf("late receipt changed terminal status: %s", got.Status)
	}
}

func TestConfirmAndRevertReceipts(t *testing.T) {
	q, store, _, _ := newTestQueue(t, &fakeChain{})
	ctx := context.Background()

	confirmed := JobFromFill(testFill(venue.SideBuy), 1, 2)
	reverted := JobFromFill(testFill(venue.SideSell), 3, 4)
	reverted.ID = "job-reverted"
	for _, job := range []Job{confirmed, reverted} {
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("submit tick: %v", err)
	}

	consumer := NewReceiptConsumer(q, testLogger())
	if err := consumer.HandleMessage(ctx, receiptMessage(t, confirmed.ID, "confirmed")); err != nil {
		t.Fatalf("confirmed receipt: %v", err)
	}
	if err := consumer.HandleMessage(ctx, receiptMessage(t, reverted.ID, "reverted")); err != nil {
		t.Fatalf("reverted receipt: %v", err)
	}

	got, _ := store.Get(ctx, confirmed.ID)
	if got.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
	got, _ = store.Get(ctx, reverted.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed after revert, got %s", got.Status)
	}

	// Receipts for unknown jobs are dropped so the partition keeps moving.
	if err := consumer.HandleMessage(ctx, receiptMessage(t, "no-such-job", "confirmed")); err != nil {
		t.Fatalf("unknown job receipt should not error: %v", err)
	}
}

func TestReceiptValidation(t *testing.T) {
	consumer := NewReceiptConsumer(NewQueue(NewMemoryStore(), &fakeChain{}, nil, "", DefaultConfig(), testLogger()), testLogger())
	ctx := context.Background()

	if err := consumer.HandleMessage(ctx, nil); err == nil {
		t.Fatal("nil message should error")
	}
	if err := consumer.HandleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}); err == nil {
		t.Fatal("malformed payload should error")
	}
	if err := consumer.HandleMessage(ctx, receiptMessage(t, "job-1", "maybe")); err == nil {
		t.Fatal("unknown outcome should error")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q, store, _, _ := newTestQueue(t, &fakeChain{})
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Replayed enqueue of the same job must not reset submitted state.
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("replayed enqueue: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusSubmitted {
		t.Fatalf("replay reset job to %s", got.Status)
	}
}

func receiptMessage(t *testing.T, jobID, outcome string) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(chainReceiptsEventType, 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	payload, err := json.Marshal(ChainReceiptEvent{
		Envelope: env,
		JobID:    jobID,
		TxHandle: "tx-1",
		Outcome:  outcome,
	})
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	return &sarama.ConsumerMessage{Value: payload}
}

type flagRecorder struct {
	mu     sync.Mutex
	orders []string
}

func (f *flagRecorder) FlagSettlementWarning(_ context.Context, orderIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, orderIDs...)
	return nil
}

func (f *flagRecorder) flagged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.orders...)
}

func assertBothSidesFlagged(t *testing.T, rec *flagRecorder) {
	t.Helper()
	got := rec.flagged()
	if len(got) != 2 || got[0] != "order-taker" || got[1] != "order-maker" {
		t.Fatalf("both orders should carry the warning, got %v", got)
	}
}

func TestRetryExhaustionFlagsBothOrders(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc unavailable")}
	q, _, _, _ := newTestQueue(t, chain)
	rec := &flagRecorder{}
	q.WithOrderFlags(rec)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i <= DefaultConfig().MaxSubmitRetries; i++ {
		if err := q.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	assertBothSidesFlagged(t, rec)
}

func TestConfirmationTimeoutFlagsBothOrders(t *testing.T) {
	q, _, _, now := newTestQueue(t, &fakeChain{})
	rec := &flagRecorder{}
	q.WithOrderFlags(rec)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("submit tick: %v", err)
	}
	if got := rec.flagged(); len(got) != 0 {
		t.Fatalf("submission alone must not flag orders: %v", got)
	}

	*now = now.Add(6 * time.Minute)
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("timeout tick: %v", err)
	}
	assertBothSidesFlagged(t, rec)
}

func TestConfirmedSettlementLeavesOrdersClean(t *testing.T) {
	q, _, _, _ := newTestQueue(t, &fakeChain{})
	rec := &flagRecorder{}
	q.WithOrderFlags(rec)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("submit tick: %v", err)
	}

	if err := q.Confirm(ctx, job.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := rec.flagged(); len(got) != 0 {
		t.Fatalf("confirmation must not flag orders: %v", got)
	}
}

func TestRevertedSettlementFlagsBothOrders(t *testing.T) {
	q, _, _, _ := newTestQueue(t, &fakeChain{})
	rec := &flagRecorder{}
	q.WithOrderFlags(rec)
	ctx := context.Background()

	job := JobFromFill(testFill(venue.SideBuy), 1, 2)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("submit tick: %v", err)
	}
	if err := q.Fail(ctx, job.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	assertBothSidesFlagged(t, rec)
}
