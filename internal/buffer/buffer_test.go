package buffer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	filestore "github.com/nutriflow/zapgate/internal/store/file"

	"github.com/nutriflow/zapgate/internal/store"
)

// testClock is a manually advanced clock shared by a test and its manager.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDispatcher records every handled batch and can be told to fail.
type fakeDispatcher struct {
	mu      sync.Mutex
	batches []dispatchedBatch
	err     error
	onCall  func() // runs inside Handle, before returning
}

type dispatchedBatch struct {
	phone   string
	message string
}

func (d *fakeDispatcher) Handle(_ context.Context, phone, message string) error {
	d.mu.Lock()
	cb, err := d.onCall, d.err
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.batches = append(d.batches, dispatchedBatch{phone: phone, message: message})
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDispatcher) all() []dispatchedBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchedBatch(nil), d.batches...)
}

// fakeAlerter collects raised alerts by type.
type fakeAlerter struct {
	mu     sync.Mutex
	raised []raisedAlert
}

type raisedAlert struct {
	typ   string
	phone string
}

func (a *fakeAlerter) Raise(_ context.Context, typ, phone, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = append(a.raised, raisedAlert{typ: typ, phone: phone})
}

func (a *fakeAlerter) count(typ string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.raised {
		if r.typ == typ {
			n++
		}
	}
	return n
}

type testRig struct {
	m       *Manager
	clock   *testClock
	disp    *fakeDispatcher
	alerts  *fakeAlerter
	buffers store.BufferStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	stores, err := filestore.NewStores(t.TempDir())
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	clock := newTestClock()
	disp := &fakeDispatcher{}
	alerts := &fakeAlerter{}
	m := NewManager(DefaultConfig(), stores.Buffers, stores.Interactions, disp, alerts, nil)
	m.now = clock.Now
	return &testRig{m: m, clock: clock, disp: disp, alerts: alerts, buffers: stores.Buffers}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+5511900000000", "+5511900000000"},
		{"5511900000000", "+5511900000000"},
		{"+55 (11) 90000-0000", "+5511900000000"},
		{"  +55 11 90000 0000  ", "+5511900000000"},
		{"", ""},
		{"   ", ""},
		{"+", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.m.Submit(ctx, "", "oi", nil); !errors.Is(err, ErrEmptyPhone) {
		t.Errorf("empty phone: got %v, want ErrEmptyPhone", err)
	}
	if _, err := rig.m.Submit(ctx, "+5511900000000", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message: got %v, want ErrEmptyMessage", err)
	}
}

func TestSubmitExtendsWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	res, err := rig.m.Submit(ctx, "+5511900000000", "oi", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Buffered {
		t.Error("first submit should report buffered")
	}
	wantExpiry := rig.clock.Now().Add(15 * time.Second)
	if !res.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", res.ExpiresAt, wantExpiry)
	}

	rig.clock.Advance(10 * time.Second)
	res, err = rig.m.Submit(ctx, "+5511900000000", "quero saber o preço", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wantExpiry = rig.clock.Now().Add(15 * time.Second)
	if !res.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("second submit expiry = %v, want %v", res.ExpiresAt, wantExpiry)
	}

	rec, err := rig.buffers.Get(ctx, "+5511900000000")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Processing {
		t.Error("buffer should not be locked by intake")
	}
	if !rec.CreatedAt.Equal(rec.LastMessageAt.Add(-10 * time.Second)) {
		t.Errorf("CreatedAt must stay at first message: created=%v last=%v",
			rec.CreatedAt, rec.LastMessageAt)
	}
}

func TestSweepDispatchesCombinedBatch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.m.Submit(ctx, "+5511900000000", "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(5 * time.Second)
	if _, err := rig.m.Submit(ctx, "+5511900000000", "quero saber o preço", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Before the window closes nothing dispatches.
	rig.m.sweepOnce(ctx)
	if got := rig.disp.all(); len(got) != 0 {
		t.Fatalf("dispatched before expiry: %v", got)
	}

	rig.clock.Advance(16 * time.Second)
	rig.m.sweepOnce(ctx)

	batches := rig.disp.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	lines := strings.Split(batches[0].message, "\n")
	if len(lines) != 2 {
		t.Fatalf("combined message has %d lines, want 2: %q", len(lines), batches[0].message)
	}
	if !strings.HasSuffix(lines[0], "] oi") || !strings.HasSuffix(lines[1], "] quero saber o preço") {
		t.Errorf("combined message out of order or malformed: %q", batches[0].message)
	}
	if !strings.HasPrefix(lines[0], "[12:00:00]") {
		t.Errorf("first line missing timestamp prefix: %q", lines[0])
	}

	rec, err := rig.buffers.Get(ctx, "+5511900000000")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("buffer should be deleted after dispatch, got %+v", rec)
	}
}

func TestSweepIsolatesSenders(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.m.Submit(ctx, "+5511900000001", "primeira", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := rig.m.Submit(ctx, "+5511900000002", "segunda", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)
	rig.m.sweepOnce(ctx)

	batches := rig.disp.all()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	seen := map[string]string{}
	for _, b := range batches {
		seen[b.phone] = b.message
	}
	if !strings.Contains(seen["+5511900000001"], "primeira") {
		t.Errorf("sender 1 batch = %q", seen["+5511900000001"])
	}
	if !strings.Contains(seen["+5511900000002"], "segunda") {
		t.Errorf("sender 2 batch = %q", seen["+5511900000002"])
	}
	if strings.Contains(seen["+5511900000001"], "segunda") {
		t.Error("messages leaked across senders")
	}
}

func TestDispatchFailureRetainsBuffer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.m.Submit(ctx, "+5511900000000", "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	rig.disp.setErr(errors.New("model unavailable"))
	rig.m.sweepOnce(ctx)

	rec, err := rig.buffers.Get(ctx, "+5511900000000")
	if err != nil || rec == nil {
		t.Fatalf("buffer must survive a failed dispatch: rec=%v err=%v", rec, err)
	}
	if rec.Processing {
		t.Error("lock must be released after failure")
	}
	if rec.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rec.RetryCount)
	}
	if got := rig.alerts.count(store.AlertBufferProcessError); got != 1 {
		t.Errorf("processing error alerts = %d, want 1", got)
	}

	// Recovery: the next sweep retries the same interval and succeeds.
	rig.disp.setErr(nil)
	rig.m.sweepOnce(ctx)

	batches := rig.disp.all()
	if len(batches) != 1 || !strings.Contains(batches[0].message, "oi") {
		t.Fatalf("retry did not dispatch original batch: %v", batches)
	}
	if rec, _ := rig.buffers.Get(ctx, "+5511900000000"); rec != nil {
		t.Errorf("buffer should be gone after successful retry, got %+v", rec)
	}
}

func TestOverlapMessageStartsNextBatch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	// A message lands mid-dispatch, after the collection cutoff.
	rig.disp.mu.Lock()
	rig.disp.onCall = func() {
		rig.disp.mu.Lock()
		rig.disp.onCall = nil
		rig.disp.mu.Unlock()
		rig.clock.Advance(time.Second)
		if _, err := rig.m.Submit(ctx, phone, "mais uma coisa", nil); err != nil {
			t.Errorf("overlap Submit: %v", err)
		}
	}
	rig.disp.mu.Unlock()

	rig.m.sweepOnce(ctx)

	batches := rig.disp.all()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if strings.Contains(batches[0].message, "mais uma coisa") {
		t.Errorf("overlap message leaked into the dispatched batch: %q", batches[0].message)
	}

	rec, err := rig.buffers.Get(ctx, phone)
	if err != nil || rec == nil {
		t.Fatalf("buffer must be requeued, not deleted: rec=%v err=%v", rec, err)
	}
	if rec.Processing {
		t.Error("requeued buffer must be unlocked")
	}

	rig.clock.Advance(20 * time.Second)
	rig.m.sweepOnce(ctx)

	batches = rig.disp.all()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if !strings.Contains(batches[1].message, "mais uma coisa") {
		t.Errorf("second batch = %q, want the overlap message", batches[1].message)
	}
	if strings.Contains(batches[1].message, "oi") {
		t.Errorf("second batch re-dispatched the first interval: %q", batches[1].message)
	}
}

func TestSettleKeepsRacingMessage(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	// Replay the worst-case interleaving directly: the worker has its
	// cutoff, then an intake lands just before the buffer is settled.
	owner, err := rig.m.tryAcquire(ctx, phone)
	if err != nil || owner == "" {
		t.Fatalf("tryAcquire: owner=%q err=%v", owner, err)
	}
	cutoff := rig.clock.Now()
	rig.clock.Advance(time.Second)
	if _, err := rig.m.Submit(ctx, phone, "mais uma coisa", nil); err != nil {
		t.Fatalf("racing Submit: %v", err)
	}

	rig.m.settle(ctx, phone, owner, cutoff, 1)

	rec, err := rig.buffers.Get(ctx, phone)
	if err != nil || rec == nil {
		t.Fatalf("buffer deleted despite racing message: rec=%v err=%v", rec, err)
	}
	if rec.Processing {
		t.Error("settle must release the lock")
	}
	if !rec.CreatedAt.Equal(cutoff) {
		t.Errorf("CreatedAt = %v, want cutoff %v", rec.CreatedAt, cutoff)
	}
	if got := rig.alerts.count(store.AlertStaleCompletion); got != 0 {
		t.Errorf("stale completion alerts = %d, want 0", got)
	}

	// The racing message dispatches with the next batch.
	rig.clock.Advance(20 * time.Second)
	rig.m.sweepOnce(ctx)

	batches := rig.disp.all()
	if len(batches) != 1 || !strings.Contains(batches[0].message, "mais uma coisa") {
		t.Fatalf("racing message never dispatched: %+v", batches)
	}
}

func TestFailureAfterLostLockChargesNoRetry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	owner, err := rig.m.tryAcquire(ctx, phone)
	if err != nil || owner == "" {
		t.Fatalf("tryAcquire: owner=%q err=%v", owner, err)
	}

	// The lock is force-released and claimed by another worker while the
	// first one is still mid-dispatch.
	if err := rig.buffers.ReleaseLock(ctx, phone); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if ok, _ := rig.buffers.AcquireLock(ctx, phone, "other-worker", rig.clock.Now()); !ok {
		t.Fatal("second acquire should succeed")
	}

	rig.m.failBatch(ctx, phone, owner, 1, errors.New("model unavailable"))

	rec, err := rig.buffers.Get(ctx, phone)
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0; retry charged under the new holder", rec.RetryCount)
	}
	if !rec.Processing || rec.LockedBy != "other-worker" {
		t.Errorf("lock must stay with the new holder: %+v", rec)
	}
}

// vanishingBuffers deletes the record right after a successful acquire,
// simulating a concurrent purge between lock and reload.
type vanishingBuffers struct {
	store.BufferStore
}

func (s *vanishingBuffers) AcquireLock(ctx context.Context, phone, owner string, now time.Time) (bool, error) {
	ok, err := s.BufferStore.AcquireLock(ctx, phone, owner, now)
	if ok {
		s.BufferStore.Delete(ctx, phone)
	}
	return ok, err
}

func TestSweepSkipsVanishedBuffer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	rig.m.buffers = &vanishingBuffers{BufferStore: rig.buffers}
	rig.m.sweepOnce(ctx)

	if got := len(rig.disp.all()); got != 0 {
		t.Errorf("dispatched %d batches from a vanished buffer, want 0", got)
	}
	if got := rig.alerts.count(store.AlertStaleCompletion); got != 0 {
		t.Errorf("stale completion alerts = %d, want 0", got)
	}
}

func TestStaleLockForceReleased(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rig.clock.Advance(20 * time.Second)

	// Simulate a crashed worker holding the lock.
	ok, err := rig.buffers.AcquireLock(ctx, phone, "dead-worker", rig.clock.Now())
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	// Within the timeout the lock is respected.
	rig.clock.Advance(30 * time.Second)
	owner, err := rig.m.tryAcquire(ctx, phone)
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	if owner != "" {
		t.Fatal("live lock must not be stolen")
	}

	// Past the timeout it is force-released and re-acquired.
	rig.clock.Advance(45 * time.Second)
	owner, err = rig.m.tryAcquire(ctx, phone)
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	if owner == "" {
		t.Fatal("stale lock must be reclaimed")
	}
	if got := rig.alerts.count(store.AlertBufferStuckLock); got != 1 {
		t.Errorf("stuck lock alerts = %d, want 1", got)
	}

	rec, _ := rig.buffers.Get(ctx, phone)
	if rec == nil || rec.LockedBy != owner {
		t.Fatalf("lock not reassigned to new owner: %+v", rec)
	}
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner, err := rig.m.tryAcquire(ctx, phone)
			if err != nil {
				t.Errorf("tryAcquire: %v", err)
				return
			}
			if owner != "" {
				winners <- owner
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("%d workers acquired the lock, want exactly 1", len(won))
	}
}

func TestStuckBufferFlaggedAtIntake(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Well past the stuck-age threshold without a sweep.
	rig.clock.Advance(3 * time.Minute)
	if _, err := rig.m.Submit(ctx, phone, "alguém aí?", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := rig.alerts.count(store.AlertBufferStuck); got != 1 {
		t.Errorf("stuck buffer alerts = %d, want 1", got)
	}
	rec, _ := rig.buffers.Get(ctx, phone)
	if rec == nil || rec.RetryCount != 1 {
		t.Fatalf("RetryCount not bumped on stuck intake: %+v", rec)
	}
}

func TestHealthCheckRepairs(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// 1: lock held far beyond the stuck-lock threshold.
	if _, err := rig.m.Submit(ctx, "+5511900000001", "a", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ok, err := rig.buffers.AcquireLock(ctx, "+5511900000001", "dead-worker", rig.clock.Now()); err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	// 2: expired long ago, never claimed.
	if _, err := rig.m.Submit(ctx, "+5511900000002", "b", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// 3: retry counter over the review threshold.
	if _, err := rig.m.Submit(ctx, "+5511900000003", "c", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := rig.buffers.IncrementRetry(ctx, "+5511900000003"); err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
	}

	rig.clock.Advance(10 * time.Minute)
	rig.m.healthCheck(ctx)

	if got := rig.alerts.count(store.AlertHealthStuckLock); got != 1 {
		t.Errorf("stuck lock alerts = %d, want 1", got)
	}
	if got := rig.alerts.count(store.AlertHealthUnprocessed); got < 1 {
		t.Errorf("unprocessed alerts = %d, want >= 1", got)
	}
	if got := rig.alerts.count(store.AlertHealthHighRetries); got != 1 {
		t.Errorf("high retry alerts = %d, want 1", got)
	}

	rec, _ := rig.buffers.Get(ctx, "+5511900000001")
	if rec == nil || rec.Processing {
		t.Errorf("stuck lock not released: %+v", rec)
	}
	rec, _ = rig.buffers.Get(ctx, "+5511900000003")
	if rec == nil || rec.RetryCount != 5 {
		t.Errorf("high-retry alert must not mutate the buffer: %+v", rec)
	}
}

func TestForceFlushDispatchesImmediately(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Window still open.
	rig.clock.Advance(2 * time.Second)
	if err := rig.m.ForceFlush(ctx, phone); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	batches := rig.disp.all()
	if len(batches) != 1 || !strings.Contains(batches[0].message, "oi") {
		t.Fatalf("force flush did not dispatch: %v", batches)
	}
}

func TestForceUnlock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "+5511900000000"

	if _, err := rig.m.Submit(ctx, phone, "oi", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ok, err := rig.buffers.AcquireLock(ctx, phone, "worker", rig.clock.Now()); err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}
	if err := rig.m.ForceUnlock(ctx, phone); err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	rec, _ := rig.buffers.Get(ctx, phone)
	if rec == nil || rec.Processing {
		t.Fatalf("lock not cleared: %+v", rec)
	}
}

func TestCombineMessages(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 30, 5, 0, time.UTC)
	msgs := []store.Interaction{
		{Message: "oi", Timestamp: ts},
		{Message: "tudo bem?", Timestamp: ts.Add(3 * time.Second)},
	}
	got := CombineMessages(msgs)
	want := "[14:30:05] oi\n[14:30:08] tudo bem?"
	if got != want {
		t.Errorf("CombineMessages = %q, want %q", got, want)
	}
}
