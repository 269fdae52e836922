// Package events implements C9 EventBus: best-effort fire-and-forget pub/sub
// with topical channel routing. Grounded on
// r3e-network-service_layer/system/events/dispatcher.go's worker-pool
// dispatcher shape (buffered queue, supervised goroutines, drop-on-full
// rather than block), generalized from blockchain contract events to the
// identity-domain event taxonomy of spec.md §4.9.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority is one of the four severities spec.md §4.9 names.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Channel is a topical routing destination; "events.all" always receives
// every event in addition to whichever topical channel(s) apply.
type Channel string

const (
	ChannelAll            Channel = "events.all"
	ChannelUser           Channel = "events.user"
	ChannelAuth           Channel = "events.auth"
	ChannelAuthZ          Channel = "events.authz"
	ChannelTradingAccount Channel = "events.trading_account"
	ChannelSecurity       Channel = "events.security"
)

// Event is the envelope every publish carries.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Subject   string
	Actor     string
	Data      map[string]any
	Priority  Priority
}

// Handler receives events on whichever channels it subscribed to.
type Handler interface {
	Handle(ctx context.Context, ev *Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *Event)

func (f HandlerFunc) Handle(ctx context.Context, ev *Event) { f(ctx, ev) }

type subscription struct {
	id      string
	handler Handler
}

// Bus routes published events to subscribed handlers via a buffered queue
// drained by a fixed worker pool; a full queue drops the event rather than
// blocking the publisher, per spec.md §4.9 "publish failures MUST NOT fail
// the business operation."
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[Channel][]subscription

	queue   chan routedEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	dropped int64
}

type routedEvent struct {
	channel Channel
	event   *Event
}

func New(log *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:   log,
		subs:  make(map[Channel][]subscription),
		queue: make(chan routedEvent, queueSize),
	}
}

// Start launches workerCount goroutines draining the queue. Safe to call
// once; a second call is a no-op.
func (b *Bus) Start(ctx context.Context, workerCount int) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	if workerCount <= 0 {
		workerCount = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(b.doneCh)
	}()
}

func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()
	<-b.doneCh
}

// Subscribe registers handler on channel, returning an unsubscribe func.
func (b *Bus) Subscribe(channel Channel, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[channel] = append(b.subs[channel], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[channel]
		for i, s := range list {
			if s.id == id {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish classifies eventType per the closed table in spec.md §4.9, stamps
// id/timestamp, and fans out to events.all plus the matched topical
// channel(s). Never blocks longer than it takes to attempt a non-blocking
// channel send; a full queue is logged and dropped, never returned as an
// error to the caller (publish never fails the business operation).
func (b *Bus) Publish(ctx context.Context, source, eventType, subject, actor string, data map[string]any) {
	channels, priority := classify(eventType)
	ev := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Subject:   subject,
		Actor:     actor,
		Data:      data,
		Priority:  priority,
	}

	for _, ch := range append(channels, ChannelAll) {
		select {
		case b.queue <- routedEvent{channel: ch, event: ev}:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.log.Warn("events: queue full, dropping event", "type", eventType, "channel", ch)
		}
	}
}

func (b *Bus) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case re := <-b.queue:
			b.dispatch(ctx, re)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, re routedEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[re.channel]))
	copy(subs, b.subs[re.channel])
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("events: handler panicked", "channel", re.channel, "recover", r)
				}
			}()
			s.handler.Handle(ctx, re.event)
		}()
	}
}

// classify implements spec.md §4.9's closed classification table.
func classify(eventType string) ([]Channel, Priority) {
	switch {
	case strings.HasPrefix(eventType, "user."):
		return []Channel{ChannelUser}, PriorityNormal
	case eventType == "login.failed":
		return []Channel{ChannelAuth}, PriorityHigh
	case eventType == "login.success" || eventType == "logout" || eventType == "token.refreshed":
		return []Channel{ChannelAuth}, PriorityNormal
	case strings.HasPrefix(eventType, "mfa."):
		return []Channel{ChannelAuth, ChannelSecurity}, PriorityHigh
	case strings.HasPrefix(eventType, "role.") || strings.HasPrefix(eventType, "permission."):
		return []Channel{ChannelAuthZ, ChannelSecurity}, PriorityHigh
	case eventType == "refresh.reuse_detected":
		return []Channel{ChannelSecurity}, PriorityCritical
	case strings.HasPrefix(eventType, "trading_account.") || strings.HasPrefix(eventType, "membership."):
		return []Channel{ChannelTradingAccount}, PriorityNormal
	default:
		return nil, PriorityNormal
	}
}
