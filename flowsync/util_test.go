package flowsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	removeA := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 2})

	removeA()
	// removing twice is a no-op
	removeA()

	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2})
}

func TestMonitorNotify(t *testing.T) {
	monitor := NewMonitor()

	notifyChannel := monitor.NotifyChannel()
	select {
	case <-notifyChannel:
		t.Fatal("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notifyChannel:
	default:
		t.Fatal("channel not closed after notify")
	}

	// a fresh channel is armed for the next notify
	select {
	case <-monitor.NotifyChannel():
		t.Fatal("fresh channel already closed")
	default:
	}
}
