// Package activity holds the activity event model and the reconciler that
// folds a raw, possibly duplicated feed into an ordered timeline.
package activity

// Timeline is the canonical activity list for one job. It is append-only in
// arrival order and never holds two events with the same Key.
//
// A Timeline is owned by a single consumer and is not safe for concurrent use.
type Timeline struct {
	jobID  string
	events []Event
	seen   map[Key]struct{}
}

func NewTimeline(jobID string) *Timeline {
	return &Timeline{
		jobID:  jobID,
		events: []Event{},
		seen:   map[Key]struct{}{},
	}
}

func (t *Timeline) JobID() string {
	return t.jobID
}

// Merge appends e unless an event with the same key is already present. It
// reports whether the timeline changed.
func (t *Timeline) Merge(e Event) bool {
	key := e.Key()
	if _, exists := t.seen[key]; exists {
		return false
	}
	t.seen[key] = struct{}{}
	t.events = append(t.events, e)
	return true
}

// Events returns a copy of the timeline in arrival order.
func (t *Timeline) Events() []Event {
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *Timeline) Len() int {
	return len(t.events)
}

// Last returns up to n most recent events, oldest first.
func (t *Timeline) Last(n int) []Event {
	if n <= 0 {
		return []Event{}
	}
	start := len(t.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(t.events)-start)
	copy(out, t.events[start:])
	return out
}
