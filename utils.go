// This file contains small helpers shared across the package: bus topic
// formatting and pattern matching, payload decoding, context merging, and
// error-collecting iteration.
package relay

import (
	"context"
	"encoding/json"
	"strings"
)

// formatTopic builds a bus topic of the form relay:<segment>:<segment>:...
func formatTopic(segments ...string) string {
	return topicPrefix + ":" + strings.Join(segments, ":")
}

// matchTopic reports whether topic matches pattern. Patterns are
// colon-separated segments where a ".*" segment matches one segment and a
// trailing ".*" matches any remainder.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ":")

	topicParts := strings.Split(topic, ":")

	for i, part := range patternParts {
		if part == ".*" && i == len(patternParts)-1 {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != ".*" && part != topicParts[i] {
			return false
		}
	}
	return len(patternParts) == len(topicParts)
}

func parsePayload(v interface{}, payload interface{}) error {
	if payload == nil {
		return badRequest("", "payload is nil")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if err := json.Unmarshal(raw, v); err != nil {
			return wrapF(err, "failed to decode payload")
		}
		return nil
	}
	data, err := json.Marshal(payload)

	if err != nil {
		return wrapF(err, "failed to encode payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return wrapF(err, "failed to decode payload")
	}
	return nil
}

func marshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)

	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// mergeContexts returns a context cancelled when either parent is done.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(a)

	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-merged.Done():
		}
	}()

	return merged, cancel
}

func mapToError[T any](arr *array[T], fn func(T) error) error {

	var combined error
	arr.forEach(func(item T) {
		if err := fn(item); err != nil {
			combined = addError(combined, err)
		}
	})

	return combined
}
