package flowsync

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// EventCollection is an ordered set of status events uniquely keyed by
// identity. At most one live record per identity; the record with the
// greatest receipt time wins regardless of arrival order. All operations are
// allocation-based and return a fresh collection.
type EventCollection struct {
	order  []string
	events map[string]*StatusEvent
}

func NewEventCollection() *EventCollection {
	return &EventCollection{
		events: map[string]*StatusEvent{},
	}
}

// Merge applies last-writer-wins by receipt time. A stale duplicate returns
// the receiver unchanged.
func (self *EventCollection) Merge(event *StatusEvent) *EventCollection {
	existing, ok := self.events[event.Identity]
	if ok && !existing.ReceiptTime.Before(event.ReceiptTime) {
		return self
	}

	next := &EventCollection{
		order:  self.order,
		events: maps.Clone(self.events),
	}
	if !ok {
		next.order = append(slices.Clone(self.order), event.Identity)
	}
	next.events[event.Identity] = event
	return next
}

func (self *EventCollection) Remove(identity string) *EventCollection {
	if _, ok := self.events[identity]; !ok {
		return self
	}

	i := slices.Index(self.order, identity)
	next := &EventCollection{
		order:  slices.Delete(slices.Clone(self.order), i, i+1),
		events: maps.Clone(self.events),
	}
	delete(next.events, identity)
	return next
}

func (self *EventCollection) Get(identity string) (*StatusEvent, bool) {
	event, ok := self.events[identity]
	return event, ok
}

func (self *EventCollection) Len() int {
	return len(self.order)
}

func (self *EventCollection) Events() []*StatusEvent {
	events := make([]*StatusEvent, 0, len(self.order))
	for _, identity := range self.order {
		events = append(events, self.events[identity])
	}
	return events
}
