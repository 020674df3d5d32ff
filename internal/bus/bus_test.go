package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	configpkg "github.com/tradekit/streambus/internal/bus/config"
	"github.com/tradekit/streambus/internal/bus/envelope"
	"github.com/tradekit/streambus/store"
	"github.com/tradekit/streambus/store/memory"
)

func testConfig() configpkg.Config {
	return configpkg.Config{
		ServiceName:          "mgmt",
		DispatchBatchSize:    16,
		DispatchBlock:        20 * time.Millisecond,
		DispatchConcurrency:  4,
		HandlerTimeout:       200 * time.Millisecond,
		PublishAttempts:      2,
		PublishRetryInterval: time.Millisecond,
		MaxAttempts:          3,
		BackoffBase:          time.Millisecond,
		BackoffCap:           4 * time.Millisecond,
		IdleThreshold:        5 * time.Millisecond,
		SweepInterval:        10 * time.Millisecond,
		HealthCacheTTL:       time.Millisecond,
		HealthInterval:       50 * time.Millisecond,
	}
}

func newTestBus(t *testing.T, conf configpkg.Config) (*Bus, *memory.Log) {
	t.Helper()
	log := memory.New()
	b, err := New(conf, log, quietLogger(), Dependencies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, log
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// sweepUntil runs retry sweeps until cond holds, spacing them out so pending
// entries can cross the idle threshold between passes.
func sweepUntil(t *testing.T, b *Bus, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
		b.sweepOnce(ctx)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestDispatchAcknowledgesSuccess(t *testing.T) {
	b, _ := newTestBus(t, testConfig())
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 1)
	if err := b.RegisterHandler("START_BOT", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := b.Start(ctx, "mgmt:trading:commands", "trading_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	corr := NewCorrelationID()
	if _, err := b.Publish(ctx, "mgmt:trading:commands", "START_BOT",
		map[string]string{"bot_id": "b-7"}, WithCorrelationID(corr)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-received:
		if env.Type != "START_BOT" {
			t.Errorf("Type = %q", env.Type)
		}
		if env.CorrelationID != corr {
			t.Errorf("CorrelationID = %q, want %q", env.CorrelationID, corr)
		}
		payload, err := envelope.DecodePayload[map[string]string](env)
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if payload["bot_id"] != "b-7" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}

	waitFor(t, 3*time.Second, func() bool {
		n, err := b.PendingCount(ctx, "mgmt:trading:commands", "trading_consumers")
		return err == nil && n == 0
	}, "entry acknowledged")
}

func TestFailingHandlerDeadLettersAfterBudget(t *testing.T) {
	b, _ := newTestBus(t, testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	invocations := 0
	if err := b.RegisterHandler("TRAIN_MODEL", func(context.Context, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return errors.New("gpu on fire")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := b.Start(ctx, "mgmt:freqai:commands", "freqai_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Publish(ctx, "mgmt:freqai:commands", "TRAIN_MODEL", map[string]string{"model": "m"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var letters []DeadLetter
	sweepUntil(t, b, 10*time.Second, func() bool {
		var err error
		letters, err = b.DeadLetters(ctx, "mgmt:freqai:commands", 10)
		return err == nil && len(letters) == 1
	}, "entry dead-lettered")

	letter := letters[0]
	if letter.Reason != FailureHandlerException {
		t.Errorf("Reason = %q, want %q", letter.Reason, FailureHandlerException)
	}
	if letter.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", letter.RetryCount)
	}
	if letter.OriginStream != "mgmt:freqai:commands" {
		t.Errorf("OriginStream = %q", letter.OriginStream)
	}
	if letter.Envelope == nil || letter.Envelope.Type != "TRAIN_MODEL" {
		t.Errorf("Envelope = %+v, want original TRAIN_MODEL envelope", letter.Envelope)
	}

	mu.Lock()
	got := invocations
	mu.Unlock()
	if got != 3 {
		t.Errorf("handler invoked %d times, want 3", got)
	}

	if n, err := b.PendingCount(ctx, "mgmt:freqai:commands", "freqai_consumers"); err != nil || n != 0 {
		t.Errorf("pending = %d (%v), want 0", n, err)
	}
}

func TestMalformedEntryDeadLettersImmediately(t *testing.T) {
	b, log := newTestBus(t, testConfig())
	ctx := context.Background()

	// Garbage written by a buggy producer: no uid, no produced_at.
	if _, err := log.Append(ctx, "mgmt:trading:commands",
		map[string]string{"type": "START_BOT", "payload": "{not json"}, store.AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := b.Start(ctx, "mgmt:trading:commands", "trading_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var letters []DeadLetter
	waitFor(t, 3*time.Second, func() bool {
		var err error
		letters, err = b.DeadLetters(ctx, "mgmt:trading:commands", 10)
		return err == nil && len(letters) == 1
	}, "malformed entry dead-lettered")

	letter := letters[0]
	if letter.Reason != FailureDeserialization {
		t.Errorf("Reason = %q, want %q", letter.Reason, FailureDeserialization)
	}
	if letter.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", letter.RetryCount)
	}
	if letter.Envelope != nil {
		t.Errorf("Envelope = %+v, want nil for undecodable entry", letter.Envelope)
	}

	if n, err := b.PendingCount(ctx, "mgmt:trading:commands", "trading_consumers"); err != nil || n != 0 {
		t.Errorf("pending = %d (%v), want 0", n, err)
	}
}

func TestCompetingConsumersDeliverExactlyOnce(t *testing.T) {
	b, _ := newTestBus(t, testConfig())
	ctx := context.Background()

	const total = 20

	var mu sync.Mutex
	seen := make(map[string]int)
	if err := b.RegisterHandler("ORDER_FILLED", func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		seen[env.UID]++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	for _, consumer := range []string{"c1", "c2"} {
		if err := b.Start(ctx, "trading:mgmt:results", "mgmt_consumers", consumer); err != nil {
			t.Fatalf("Start(%s): %v", consumer, err)
		}
	}

	for i := 0; i < total; i++ {
		if _, err := b.Publish(ctx, "trading:mgmt:results", "ORDER_FILLED", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, "all entries handled")

	mu.Lock()
	defer mu.Unlock()
	for uid, count := range seen {
		if count != 1 {
			t.Errorf("uid %s handled %d times, want 1", uid, count)
		}
	}
}

func TestGroupLagCountsUndelivered(t *testing.T) {
	b, _ := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "trading:mgmt:status", "mgmt_consumers"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "trading:mgmt:status", "BOT_STATUS", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	lag, err := b.GroupLag(ctx, "trading:mgmt:status", "mgmt_consumers")
	if err != nil {
		t.Fatalf("GroupLag: %v", err)
	}
	if lag != 5 {
		t.Errorf("lag = %d, want 5", lag)
	}

	pending, err := b.PendingCount(ctx, "trading:mgmt:status", "mgmt_consumers")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestReclaimStaleTransfersOwnershipOnce(t *testing.T) {
	b, _ := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.RegisterHandler("TRAIN_MODEL", func(context.Context, *envelope.Envelope) error {
		return errors.New("nope")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := b.Start(ctx, "mgmt:freqai:commands", "freqai_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Publish(ctx, "mgmt:freqai:commands", "TRAIN_MODEL", map[string]string{"model": "m"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		n, err := b.PendingCount(ctx, "mgmt:freqai:commands", "freqai_consumers")
		return err == nil && n == 1
	}, "failed entry left pending")

	time.Sleep(10 * time.Millisecond)

	envs, err := b.ReclaimStale(ctx, "mgmt:freqai:commands", "freqai_consumers", "rescuer", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("reclaimed %d envelopes, want 1", len(envs))
	}
	if envs[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", envs[0].RetryCount)
	}

	// The claim reset the idle clock, so an immediate second reclaim loses.
	envs, err = b.ReclaimStale(ctx, "mgmt:freqai:commands", "freqai_consumers", "rescuer2", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("second reclaim won %d envelopes, want 0", len(envs))
	}
}

func TestHandlerTimeoutDeadLetterReason(t *testing.T) {
	conf := testConfig()
	conf.HandlerTimeout = 20 * time.Millisecond
	conf.MaxAttempts = 1
	// Keep the idle threshold above the handler timeout so the sweep cannot
	// escalate an entry whose handler is still running.
	conf.IdleThreshold = 50 * time.Millisecond
	b, _ := newTestBus(t, conf)
	ctx := context.Background()

	if err := b.RegisterHandler("BACKTEST", func(ctx context.Context, _ *envelope.Envelope) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := b.Start(ctx, "mgmt:backtesting:commands", "backtesting_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Publish(ctx, "mgmt:backtesting:commands", "BACKTEST", map[string]string{"pair": "BTC/USDT"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var letters []DeadLetter
	sweepUntil(t, b, 10*time.Second, func() bool {
		var err error
		letters, err = b.DeadLetters(ctx, "mgmt:backtesting:commands", 10)
		return err == nil && len(letters) == 1
	}, "timed-out entry dead-lettered")

	if letters[0].Reason != FailureTimeout {
		t.Errorf("Reason = %q, want %q", letters[0].Reason, FailureTimeout)
	}
	if letters[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", letters[0].RetryCount)
	}
}

func TestPanickingHandlerDeadLettersAsUnknown(t *testing.T) {
	conf := testConfig()
	conf.MaxAttempts = 1
	conf.IdleThreshold = 25 * time.Millisecond
	b, _ := newTestBus(t, conf)
	ctx := context.Background()

	if err := b.RegisterHandler("TRAIN_MODEL", func(context.Context, *envelope.Envelope) error {
		panic("model exploded")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := b.Start(ctx, "mgmt:freqai:commands", "freqai_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Publish(ctx, "mgmt:freqai:commands", "TRAIN_MODEL", map[string]string{"model": "m"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var letters []DeadLetter
	sweepUntil(t, b, 10*time.Second, func() bool {
		var err error
		letters, err = b.DeadLetters(ctx, "mgmt:freqai:commands", 10)
		return err == nil && len(letters) == 1
	}, "panicking entry dead-lettered")

	if letters[0].Reason != FailureUnknown {
		t.Errorf("Reason = %q, want %q", letters[0].Reason, FailureUnknown)
	}
}

// noGroupLog reports a vanished consumer group on every read and refuses to
// recreate it after the first EnsureGroup, mimicking a half-up store.
type noGroupLog struct {
	flakyLog
	reads   atomic.Int64
	ensures atomic.Int64
}

func (l *noGroupLog) ReadGroup(context.Context, string, string, string, int64, time.Duration) ([]store.Entry, error) {
	l.reads.Add(1)
	return nil, store.ErrNoGroup
}

func (l *noGroupLog) EnsureGroup(context.Context, string, string) error {
	if l.ensures.Add(1) == 1 {
		return nil
	}
	return errors.New("loading dataset in memory")
}

func TestDispatchBacksOffWhenGroupRecreateFails(t *testing.T) {
	log := &noGroupLog{}
	b, err := New(testConfig(), log, quietLogger(), Dependencies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Start(context.Background(), "mgmt:trading:commands", "trading_consumers", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	// With the read backoff applied to failed group recreation the loop
	// makes a handful of attempts in this window; a hot spin makes
	// thousands.
	if reads := log.reads.Load(); reads > 20 {
		t.Errorf("ReadGroup called %d times in 300ms, want backoff-paced attempts", reads)
	}
	if ensures := log.ensures.Load(); ensures < 2 {
		t.Errorf("EnsureGroup called %d times, want the recreate path exercised", ensures)
	}
}

func TestHealthDegradedWhenGroupFallsBehind(t *testing.T) {
	conf := testConfig()
	conf.WarnLag = 3
	b, _ := newTestBus(t, conf)
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "trading:mgmt:status", "mgmt_consumers"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "trading:mgmt:status", "BOT_STATUS", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	snap, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Status != StatusDegraded {
		t.Errorf("Status = %q, want %q", snap.Status, StatusDegraded)
	}
	if !snap.StoreReachable {
		t.Error("StoreReachable = false")
	}
}

func TestHealthUnhealthyOnDeadLetterGrowth(t *testing.T) {
	conf := testConfig()
	conf.WarnLag = 1
	b, log := newTestBus(t, conf)
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "trading:mgmt:status", "mgmt_consumers"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "trading:mgmt:status", "BOT_STATUS", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	snap, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Status != StatusDegraded {
		t.Fatalf("first sample Status = %q, want %q", snap.Status, StatusDegraded)
	}

	// A dead letter lands between two samples. Growth means entries are
	// exhausting retries right now, which outranks the lag degradation.
	if _, err := log.Append(ctx, "trading:mgmt:status:dead",
		map[string]string{"reason": "handler-exception"}, store.AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	snap, err = b.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Status != StatusUnhealthy {
		t.Errorf("Status = %q, want %q", snap.Status, StatusUnhealthy)
	}
	if snap.DeadLetterDepth != 1 {
		t.Errorf("DeadLetterDepth = %d, want 1", snap.DeadLetterDepth)
	}

	// Stable depth on the next sample: no longer growing, back to the
	// lag-driven status.
	time.Sleep(2 * time.Millisecond)
	snap, err = b.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Status != StatusDegraded {
		t.Errorf("Status after stabilising = %q, want %q", snap.Status, StatusDegraded)
	}
}

func TestHealthSnapshot(t *testing.T) {
	b, log := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "mgmt:trading:commands", "trading_consumers"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "mgmt:trading:commands", "START_BOT", map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	snap, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Status != StatusHealthy {
		t.Errorf("Status = %q, want %q", snap.Status, StatusHealthy)
	}
	if !snap.StoreReachable {
		t.Error("StoreReachable = false")
	}
	sh, ok := snap.Streams["mgmt:trading:commands"]
	if !ok {
		t.Fatal("snapshot missing mgmt:trading:commands")
	}
	if sh.Length != 3 {
		t.Errorf("Length = %d, want 3", sh.Length)
	}
	gh, ok := sh.Groups["trading_consumers"]
	if !ok {
		t.Fatal("snapshot missing trading_consumers group")
	}
	if gh.Lag != 3 {
		t.Errorf("Lag = %d, want 3", gh.Lag)
	}

	// A dead store flips the snapshot to unhealthy once the cache expires.
	_ = log.Close()
	time.Sleep(2 * time.Millisecond)

	snap, err = b.Health(ctx)
	if err != nil {
		t.Fatalf("Health after close: %v", err)
	}
	if snap.Status != StatusUnhealthy {
		t.Errorf("Status = %q, want %q", snap.Status, StatusUnhealthy)
	}
	if snap.StoreReachable {
		t.Error("StoreReachable = true after close")
	}
}
