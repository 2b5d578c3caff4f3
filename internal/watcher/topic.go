package watcher

import (
	"encoding/json"
	"fmt"
)

// Topic describes what a server subscription listens to, e.g.
// {"event":"entryUpdate","projectId":"p1","entryId":"e1"}.
type Topic map[string]any

// Watchable is anything that can describe the topic it would be watched
// under. ok is false when the item cannot be watched.
type Watchable interface {
	Topic() (topic Topic, ok bool)
}

// TopicFunc adapts a plain function to Watchable.
type TopicFunc func() (Topic, bool)

// Topic implements Watchable.
func (f TopicFunc) Topic() (Topic, bool) { return f() }

// TopicKey returns the canonical JSON of topic. Keys are sorted at every
// depth, so two topics with equal content share a key regardless of how
// they were built.
func TopicKey(topic Topic) (string, error) {
	raw, err := json.Marshal(topic)
	if err != nil {
		return "", fmt.Errorf("marshal topic: %w", err)
	}
	// round trip through generic values so nested structs are normalized
	// into maps as well
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize topic: %w", err)
	}
	key, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal topic: %w", err)
	}
	return string(key), nil
}
