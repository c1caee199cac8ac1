package bus

import (
	"sort"

	"github.com/petal-labs/petalhive/core"
)

// subscription is one registered interest in matching events.
type subscription struct {
	id       string
	matcher  core.Matcher
	handler  core.Handler
	priority int
	filter   core.Filter
	once     bool
}

// subscriptionTable indexes subscriptions by exact event type, with a
// single scanned list for glob and predicate matchers. Both structures are
// kept sorted by descending priority; ties preserve registration order.
// Not safe for concurrent use; the bus guards it.
type subscriptionTable struct {
	exact    map[string][]*subscription
	wildcard []*subscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		exact: make(map[string][]*subscription),
	}
}

// add inserts the subscription at its priority position. Duplicate
// patterns are all retained.
func (t *subscriptionTable) add(sub *subscription) {
	if sub.matcher.Exact() {
		key := sub.matcher.Pattern()
		t.exact[key] = insertByPriority(t.exact[key], sub)
		return
	}
	t.wildcard = insertByPriority(t.wildcard, sub)
}

// insertByPriority places sub before the first entry with strictly lower
// priority, keeping equal priorities in registration order.
func insertByPriority(subs []*subscription, sub *subscription) []*subscription {
	i := sort.Search(len(subs), func(i int) bool {
		return subs[i].priority < sub.priority
	})
	subs = append(subs, nil)
	copy(subs[i+1:], subs[i:])
	subs[i] = sub
	return subs
}

// remove deletes at most one subscription by id, searching exact buckets
// first, then the wildcard list. Returns whether anything was removed.
func (t *subscriptionTable) remove(id string) bool {
	for key, subs := range t.exact {
		for i, sub := range subs {
			if sub.id == id {
				remaining := append(subs[:i:i], subs[i+1:]...)
				if len(remaining) == 0 {
					delete(t.exact, key)
				} else {
					t.exact[key] = remaining
				}
				return true
			}
		}
	}
	for i, sub := range t.wildcard {
		if sub.id == id {
			t.wildcard = append(t.wildcard[:i:i], t.wildcard[i+1:]...)
			return true
		}
	}
	return false
}

// matches returns every subscription interested in the event type, sorted
// by descending priority with stable ties (exact-bucket entries before
// wildcard entries at equal priority).
func (t *subscriptionTable) matches(eventType string) []*subscription {
	bucket := t.exact[eventType]
	merged := make([]*subscription, 0, len(bucket)+len(t.wildcard))
	merged = append(merged, bucket...)
	for _, sub := range t.wildcard {
		if sub.matcher.Match(eventType) {
			merged = append(merged, sub)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].priority > merged[j].priority
	})
	return merged
}

// count returns the total number of live subscriptions.
func (t *subscriptionTable) count() int {
	n := len(t.wildcard)
	for _, subs := range t.exact {
		n += len(subs)
	}
	return n
}
