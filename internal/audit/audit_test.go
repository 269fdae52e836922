package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppend_CriticalWritesSynchronously(t *testing.T) {
	store := NewMemStore()
	l := New(store, 16)

	l.Append(context.Background(), Event{Type: "login.success", Subject: "user:1", Severity: SeverityCritical})

	require.Len(t, store.Snapshot(), 1)
}

func TestAppend_LowSeverityIsBuffered(t *testing.T) {
	store := NewMemStore()
	l := New(store, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	l.Append(ctx, Event{Type: "user.updated", Subject: "user:1", Severity: SeverityLow})

	require.Eventually(t, func() bool { return len(store.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAppend_StoreFailureFallsBackWithoutPanicking(t *testing.T) {
	store := NewMemStore()
	store.FailNext = true
	l := New(store, 16)

	require.NotPanics(t, func() {
		l.Append(context.Background(), Event{Type: "login.success", Subject: "user:1", Severity: SeverityCritical})
	})
	require.Empty(t, store.Snapshot())
}

func TestQuery_FiltersByUser(t *testing.T) {
	store := NewMemStore()
	l := New(store, 16)
	ctx := context.Background()

	l.Append(ctx, Event{Type: "login.success", Subject: "user:1", Severity: SeverityCritical})
	l.Append(ctx, Event{Type: "login.success", Subject: "user:2", Severity: SeverityCritical})

	events, err := l.Query(ctx, Query{UserID: "user:1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "user:1", events[0].Subject)
}
