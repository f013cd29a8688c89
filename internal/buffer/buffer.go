// Package buffer implements the message buffering core: a sliding-window
// debouncer on the intake side, a sweep worker that claims expired buffers
// under a per-sender lock and dispatches the accumulated batch, and a health
// worker that recovers stuck locks and stalled buffers.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nutriflow/zapgate/internal/bus"
	"github.com/nutriflow/zapgate/internal/store"
)

// Intake validation errors, surfaced synchronously to the webhook caller.
var (
	ErrEmptyPhone   = errors.New("phone is required")
	ErrEmptyMessage = errors.New("message is required")
)

// stopTimeout bounds the graceful-shutdown join of the worker loops.
const stopTimeout = 2 * time.Second

// Config is the buffering core's timing surface.
type Config struct {
	Window             time.Duration // debounce window extended on each message
	CheckInterval      time.Duration // sweep worker period
	LockTimeout        time.Duration // stale-lock force-release in the acquire path
	StuckAge           time.Duration // buffer age that signals a sweep failure
	HealthInterval     time.Duration // health worker period
	StuckLockThreshold time.Duration // health worker force-unlock threshold
	UnprocessedAge     time.Duration // health worker force-expire threshold
	HighRetryThreshold int           // retry count that flags manual review
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		Window:             15 * time.Second,
		CheckInterval:      3 * time.Second,
		LockTimeout:        60 * time.Second,
		StuckAge:           120 * time.Second,
		HealthInterval:     5 * time.Minute,
		StuckLockThreshold: 5 * time.Minute,
		UnprocessedAge:     time.Minute,
		HighRetryThreshold: 5,
	}
}

// Dispatcher hands one batched turn to the AI routing layer.
// Any returned error means the batch must be retained and retried.
type Dispatcher interface {
	Handle(ctx context.Context, phone, message string) error
}

// Alerter receives anomaly notifications. Fire-and-forget.
type Alerter interface {
	Raise(ctx context.Context, typ, phone, details string)
}

// SubmitResult is returned to the webhook caller immediately; AI processing
// happens asynchronously once the window closes.
type SubmitResult struct {
	Phone     string    `json:"phone"`
	Buffered  bool      `json:"buffered"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager coordinates intake, sweep, and health workers over one BufferStore.
type Manager struct {
	cfg          Config
	buffers      store.BufferStore
	interactions store.InteractionStore
	dispatcher   Dispatcher
	alerts       Alerter
	events       bus.Publisher

	// now is swapped out by tests to control time.
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager wires the buffering core. events may be nil.
func NewManager(cfg Config, buffers store.BufferStore, interactions store.InteractionStore,
	dispatcher Dispatcher, alerts Alerter, events bus.Publisher) *Manager {
	return &Manager{
		cfg:          cfg,
		buffers:      buffers,
		interactions: interactions,
		dispatcher:   dispatcher,
		alerts:       alerts,
		events:       events,
		now:          time.Now,
	}
}

// Start launches the sweep and health workers. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	g, gctx := errgroup.WithContext(wctx)
	g.Go(func() error { m.runSweep(gctx); return nil })
	g.Go(func() error { m.runHealth(gctx); return nil })

	done := m.done
	go func() {
		g.Wait()
		close(done)
	}()

	slog.Info("buffer manager started",
		"window", m.cfg.Window,
		"check_interval", m.cfg.CheckInterval,
		"health_interval", m.cfg.HealthInterval,
	)
}

// Stop cancels both workers and waits for them with a bounded timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("buffer workers did not stop in time")
	}
	slog.Info("buffer manager stopped")
}

// Submit records one inbound message and extends the sender's debounce
// window. It never blocks on AI work — success means the message is durably
// logged and the buffer expiry pushed forward.
func (m *Manager) Submit(ctx context.Context, phone, text string, metadata map[string]string) (*SubmitResult, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return nil, ErrEmptyPhone
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	now := m.now()
	expiresAt := now.Add(m.cfg.Window)

	existing, err := m.buffers.Get(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("get buffer: %w", err)
	}

	retryCount := 0
	if existing != nil {
		retryCount = existing.RetryCount
		// A healthy buffer never accumulates longer than the stuck-age
		// threshold: the sweep should have claimed it well before. Flag
		// it so operators see the sweep failure.
		if age := now.Sub(existing.CreatedAt); age > m.cfg.StuckAge {
			retryCount++
			m.alerts.Raise(ctx, store.AlertBufferStuck, phone,
				fmt.Sprintf("buffer stuck for %.0fs, retry #%d", age.Seconds(), retryCount))
		}
	}

	rec, err := m.buffers.Upsert(ctx, store.BufferUpsert{
		Phone:         phone,
		LastMessageAt: now,
		ExpiresAt:     expiresAt,
		Processing:    false,
		RetryCount:    retryCount,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert buffer: %w", err)
	}

	if err := m.interactions.Append(ctx, store.Interaction{
		Phone:     phone,
		Agent:     "user",
		Message:   text,
		Direction: store.DirectionIncoming,
		Timestamp: now,
		Metadata:  metadata,
	}); err != nil {
		return nil, fmt.Errorf("append interaction: %w", err)
	}

	m.publish(bus.Event{
		Name:    eventNameFor(existing),
		Payload: bus.BufferEventPayload{Phone: phone, ExpiresAt: rec.ExpiresAt},
	})
	slog.Debug("message buffered", "phone", phone, "expires_at", rec.ExpiresAt)

	return &SubmitResult{Phone: phone, Buffered: true, ExpiresAt: rec.ExpiresAt}, nil
}

func eventNameFor(existing *store.BufferRecord) string {
	if existing == nil {
		return bus.EventBufferCreated
	}
	return bus.EventBufferExtended
}

func (m *Manager) publish(ev bus.Event) {
	if m.events != nil {
		m.events.Broadcast(ev)
	}
}

// NormalizePhone produces the canonical E.164-like key used for all lookups:
// spaces, dashes and parentheses stripped, a leading + ensured.
func NormalizePhone(phone string) string {
	r := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	phone = r.Replace(strings.TrimSpace(phone))
	if phone == "" || phone == "+" {
		return ""
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}
