package flowsync

import (
	"context"
	"sync"
)

type ActiveItemsFunction func(events []*StatusEvent)

// StateMonitor owns the collection of currently active work items. It
// performs the last-writer-wins merge for every inbound status event and
// notifies watchers whenever the collection changes. The collection itself
// is immutable; watchers and channel waiters always observe a consistent
// snapshot.
type StateMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	updateMonitor *Monitor
	callbacks     *CallbackList[ActiveItemsFunction]

	mutex      sync.Mutex
	collection *EventCollection
}

func NewStateMonitor(ctx context.Context) *StateMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StateMonitor{
		ctx:           cancelCtx,
		cancel:        cancel,
		updateMonitor: NewMonitor(),
		callbacks:     NewCallbackList[ActiveItemsFunction](),
		collection:    NewEventCollection(),
	}
}

// ConnectionCallbacks wires the monitor into a connection's message slot
func (self *StateMonitor) ConnectionCallbacks() ConnectionCallbacks {
	return ConnectionCallbacks{
		OnStatusEvent: self.Update,
	}
}

func (self *StateMonitor) Update(event *StatusEvent) {
	self.mutex.Lock()
	next := self.collection.Merge(event)
	changed := next != self.collection
	self.collection = next
	self.mutex.Unlock()

	if changed {
		self.notify(next.Events())
	}
}

// Dismiss drops a finished item from the active set.
// Dismissing an unknown identity is a no-op.
func (self *StateMonitor) Dismiss(identity string) {
	self.mutex.Lock()
	next := self.collection.Remove(identity)
	changed := next != self.collection
	self.collection = next
	self.mutex.Unlock()

	if changed {
		self.notify(next.Events())
	}
}

func (self *StateMonitor) ActiveItems() []*StatusEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.collection.Events()
}

// AddActiveItemsCallback registers a watcher and returns its remove function
func (self *StateMonitor) AddActiveItemsCallback(callback ActiveItemsFunction) func() {
	return self.callbacks.Add(callback)
}

// UpdateChannel is closed on the next change to the active set.
// Re-read after every notification.
func (self *StateMonitor) UpdateChannel() chan struct{} {
	return self.updateMonitor.NotifyChannel()
}

func (self *StateMonitor) Close() {
	self.cancel()
}

func (self *StateMonitor) notify(events []*StatusEvent) {
	if self.ctx.Err() != nil {
		return
	}
	for _, callback := range self.callbacks.Get() {
		callback(events)
	}
	self.updateMonitor.NotifyAll()
}
