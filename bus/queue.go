package bus

import (
	"sort"

	"github.com/petal-labs/petalhive/core"
)

// eventQueue is the pending queue, kept sorted by priority rank.
// Within a rank, insertion order is preserved (stable FIFO): a new event
// is placed before the first existing element whose rank is strictly
// greater, or at the tail. Not safe for concurrent use; the bus guards it.
type eventQueue struct {
	items []core.Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

// push inserts the event at its priority position.
func (q *eventQueue) push(evt core.Event) {
	rank := evt.Priority.Rank()
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority.Rank() > rank
	})
	q.items = append(q.items, core.Event{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = evt
}

// pop removes and returns the highest-priority event.
func (q *eventQueue) pop() (core.Event, bool) {
	if len(q.items) == 0 {
		return core.Event{}, false
	}
	evt := q.items[0]
	q.items = q.items[1:]
	return evt, true
}

func (q *eventQueue) depth() int {
	return len(q.items)
}
