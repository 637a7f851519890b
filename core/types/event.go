package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// SequencedEvent is an event annotated with its position in the node's event
// log together with the wall-clock second at which it was appended.
type SequencedEvent struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Event     Event  `json:"event"`
}
