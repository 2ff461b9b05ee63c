package channels

import (
	"sync"
)

// Diff describes one presence change: who joined and who left, keyed
// by presence key
type Diff struct {
	Joins  map[string]map[string]interface{} `json:"joins"`
	Leaves map[string]map[string]interface{} `json:"leaves"`
}

// Empty reports whether the diff carries no change
func (d Diff) Empty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}

// PresenceTracker holds the presence map per topic. Tracking an
// already-present key replaces its metadata; untracking removes it.
type PresenceTracker struct {
	mu     sync.Mutex
	topics map[string]map[string]map[string]interface{}
}

// NewPresenceTracker creates an empty tracker
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		topics: make(map[string]map[string]map[string]interface{}),
	}
}

// Track joins the presence map under key, replacing any previous
// metadata for it. The returned diff includes the leave of the
// replaced state.
func (t *PresenceTracker) Track(topic, key string, meta map[string]interface{}) Diff {
	if meta == nil {
		meta = map[string]interface{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.topics[topic]
	if !ok {
		state = make(map[string]map[string]interface{})
		t.topics[topic] = state
	}

	diff := Diff{
		Joins:  map[string]map[string]interface{}{key: meta},
		Leaves: map[string]map[string]interface{}{},
	}
	if previous, present := state[key]; present {
		diff.Leaves[key] = previous
	}
	state[key] = meta
	return diff
}

// Untrack removes key from the presence map. Untracking an absent key
// yields an empty diff.
func (t *PresenceTracker) Untrack(topic, key string) Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	diff := Diff{
		Joins:  map[string]map[string]interface{}{},
		Leaves: map[string]map[string]interface{}{},
	}

	state, ok := t.topics[topic]
	if !ok {
		return diff
	}
	previous, present := state[key]
	if !present {
		return diff
	}

	diff.Leaves[key] = previous
	delete(state, key)
	if len(state) == 0 {
		delete(t.topics, topic)
	}
	return diff
}

// List snapshots the presence map for a topic
func (t *PresenceTracker) List(topic string) map[string]map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(t.topics[topic]))
	for key, meta := range t.topics[topic] {
		out[key] = meta
	}
	return out
}
