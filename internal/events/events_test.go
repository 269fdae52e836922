package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) Handle(ctx context.Context, ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublish_RoutesToAllAndTopicalChannel(t *testing.T) {
	bus := New(nil, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx, 2)
	defer bus.Stop()

	all := &collector{}
	auth := &collector{}
	bus.Subscribe(ChannelAll, all)
	bus.Subscribe(ChannelAuth, auth)

	bus.Publish(ctx, "auth_service", "login.success", "user:1", "", nil)

	require.Eventually(t, func() bool { return len(all.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(auth.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, PriorityNormal, auth.snapshot()[0].Priority)
}

func TestPublish_LoginFailedIsHighPriority(t *testing.T) {
	bus := New(nil, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx, 1)
	defer bus.Stop()

	auth := &collector{}
	bus.Subscribe(ChannelAuth, auth)
	bus.Publish(ctx, "auth_service", "login.failed", "user:1", "", nil)

	require.Eventually(t, func() bool { return len(auth.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, PriorityHigh, auth.snapshot()[0].Priority)
}

func TestPublish_ReuseDetectedIsCriticalSecurityOnly(t *testing.T) {
	bus := New(nil, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx, 1)
	defer bus.Stop()

	sec := &collector{}
	authz := &collector{}
	bus.Subscribe(ChannelSecurity, sec)
	bus.Subscribe(ChannelAuthZ, authz)
	bus.Publish(ctx, "auth_service", "refresh.reuse_detected", "user:1", "", nil)

	require.Eventually(t, func() bool { return len(sec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, PriorityCritical, sec.snapshot()[0].Priority)
	require.Empty(t, authz.snapshot())
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	bus := New(nil, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx, 1)
	defer bus.Stop()

	c := &collector{}
	unsub := bus.Subscribe(ChannelUser, c)
	bus.Publish(ctx, "user_service", "user.registered", "user:1", "", nil)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(ctx, "user_service", "user.registered", "user:2", "", nil)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, c.snapshot(), 1)
}
