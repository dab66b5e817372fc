package flowsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStateMonitorLastWriterWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewStateMonitor(ctx)
	defer monitor.Close()

	t0 := time.Now()
	newer := statusEventAt("wf-1", StatusRunning, t0.Add(time.Second))
	older := statusEventAt("wf-1", StatusQueued, t0)

	// out-of-order arrival. the greater receipt time wins
	monitor.Update(newer)
	monitor.Update(older)

	items := monitor.ActiveItems()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].Status, StatusRunning)
}

func TestStateMonitorWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewStateMonitor(ctx)
	defer monitor.Close()

	notified := make(chan []*StatusEvent, 16)
	remove := monitor.AddActiveItemsCallback(func(events []*StatusEvent) {
		notified <- events
	})

	updateChannel := monitor.UpdateChannel()
	monitor.Update(statusEventAt("wf-1", StatusRunning, time.Now()))

	select {
	case events := <-notified:
		assert.Equal(t, len(events), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never notified")
	}
	select {
	case <-updateChannel:
	default:
		t.Fatal("update channel not notified")
	}

	// a stale duplicate changes nothing and stays silent
	monitor.Update(statusEventAt("wf-1", StatusRunning, time.Now().Add(-time.Hour)))
	select {
	case <-notified:
		t.Fatal("stale update notified watchers")
	default:
	}

	remove()
	monitor.Update(statusEventAt("wf-2", StatusQueued, time.Now()))
	select {
	case <-notified:
		t.Fatal("removed watcher notified")
	default:
	}
}

func TestStateMonitorDismiss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewStateMonitor(ctx)
	defer monitor.Close()

	monitor.Update(statusEventAt("wf-1", StatusCompleted, time.Now()))
	assert.Equal(t, len(monitor.ActiveItems()), 1)

	monitor.Dismiss("wf-1")
	assert.Equal(t, len(monitor.ActiveItems()), 0)

	// unknown identity is a no-op
	monitor.Dismiss("wf-1")
	assert.Equal(t, len(monitor.ActiveItems()), 0)
}

func TestStateMonitorConnectionCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewStateMonitor(ctx)
	defer monitor.Close()

	callbacks := monitor.ConnectionCallbacks()
	callbacks.OnStatusEvent(statusEventAt("wf-1", StatusRunning, time.Now()))

	items := monitor.ActiveItems()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].Identity, "wf-1")
}
