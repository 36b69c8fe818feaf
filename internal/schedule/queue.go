package schedule

import "time"

// resourceQueue tracks per-resource next-free times within a single run.
// Mutual exclusion on a resource follows directly: every placement starts at
// or after the queue time and advances it to the placement's end.
type resourceQueue struct {
	nextFree map[string]time.Time
}

func newResourceQueue() *resourceQueue {
	return &resourceQueue{nextFree: make(map[string]time.Time)}
}

// Seed pins every listed resource to a common floor so a nuclear replan
// starts the whole shop at one clean boundary.
func (q *resourceQueue) Seed(resources []string, at time.Time) {
	for _, r := range resources {
		q.nextFree[r] = at
	}
}

// EarliestAvailable returns the later of the resource's next-free time and
// the caller's floor.
func (q *resourceQueue) EarliestAvailable(resource string, floor time.Time) time.Time {
	if free, ok := q.nextFree[resource]; ok && free.After(floor) {
		return free
	}
	return floor
}

// Advance moves the resource's next-free time forward, never backward.
func (q *resourceQueue) Advance(resource string, end time.Time) {
	if free, ok := q.nextFree[resource]; !ok || end.After(free) {
		q.nextFree[resource] = end
	}
}
