// Package audit implements C8 AuditLog: the append-only, time-partitioned
// record of every security-relevant event. Writes are synchronous for
// critical severity and fall back to a log_type=AUDIT_TRAIL slog sink on
// storage failure; non-critical events go through a buffered worker instead
// of blocking the caller, per spec.md §4.8.
package audit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity determines whether Append blocks the caller.
type Severity string

const (
	SeverityCritical Severity = "critical" // login, refresh-reuse, mfa.failed, credential/role changes
	SeverityLow      Severity = "low"      // buffered/async
)

// Event is one AuthEvent (spec.md §3).
type Event struct {
	ID         string
	Type       string
	OccurredAt time.Time
	Subject    string
	Actor      string
	Resource   string
	Payload    map[string]any
	IP         string
	UserAgent  string
	RiskScore  int
	Severity   Severity
}

// Store is the durable sink; production backs this with the auth_events
// table (SPEC_FULL.md §5, month-partitioned).
type Store interface {
	Append(ctx context.Context, ev Event) error
	Query(ctx context.Context, q Query) ([]Event, error)
}

// Query supports the point-in-time/range/user/type filters spec.md §4.8
// names.
type Query struct {
	UserID    string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Log implements AuditLog. On a storage outage, events spill to the
// fallback slog sink (tagged log_type=AUDIT_TRAIL) rather than a separate
// durable queue process — no message-broker client is wired by any
// component this spec needs (see DESIGN.md), so the structured-log spill is
// the honest "local durable queue" substitute.
type Log struct {
	store    Store
	fallback *slog.Logger

	bufCh  chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	started bool
}

func New(store Store, bufferSize int) *Log {
	if bufferSize <= 0 {
		bufferSize = 2000
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Log{
		store:    store,
		fallback: slog.New(handler),
		bufCh:    make(chan Event, bufferSize),
	}
}

// Start launches the background worker that drains buffered (non-critical)
// events. Call once at process start.
func (l *Log) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case ev := <-l.bufCh:
				l.write(ctx, ev)
			}
		}
	}()
}

func (l *Log) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stopCh)
	l.mu.Unlock()
	<-l.doneCh
}

// Append stamps id/timestamp and, per severity, either writes synchronously
// (Critical) or enqueues for the buffered worker (everything else). A full
// buffer is treated as critical rather than dropping a security event.
func (l *Log) Append(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if ev.Severity == SeverityCritical {
		l.write(ctx, ev)
		return
	}

	select {
	case l.bufCh <- ev:
	default:
		l.write(ctx, ev)
	}
}

func (l *Log) write(ctx context.Context, ev Event) {
	if err := l.store.Append(ctx, ev); err != nil {
		l.fallback.ErrorContext(ctx, "audit_event",
			"log_type", "AUDIT_TRAIL",
			"event_id", ev.ID,
			"type", ev.Type,
			"subject", ev.Subject,
			"actor", ev.Actor,
			"resource", ev.Resource,
			"store_error", err,
		)
	}
}

// Query proxies to Store. GDPR export tooling streaming a consistent
// snapshot should call Stop() first to quiesce the buffered worker.
func (l *Log) Query(ctx context.Context, q Query) ([]Event, error) {
	return l.store.Query(ctx, q)
}
