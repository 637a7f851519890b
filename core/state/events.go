package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"agora/core/types"
)

var (
	eventHeadKey   = []byte("events/head")
	eventSeqPrefix = []byte("events/seq/")
)

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventSeqPrefix)+8)
	copy(key, eventSeqPrefix)
	binary.BigEndian.PutUint64(key[len(eventSeqPrefix):], seq)
	return key
}

// storedEvent is the RLP form of a sequenced event. Attributes flatten into
// parallel key/value lists sorted by key.
type storedEvent struct {
	Sequence   uint64
	Timestamp  uint64
	Type       string
	AttrKeys   []string
	AttrValues []string
}

func storedFromEvent(evt types.SequencedEvent) *storedEvent {
	stored := &storedEvent{
		Sequence:  evt.Sequence,
		Timestamp: uint64(evt.Timestamp),
		Type:      evt.Event.Type,
	}
	keys := make([]string, 0, len(evt.Event.Attributes))
	for k := range evt.Event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	stored.AttrKeys = keys
	stored.AttrValues = make([]string, len(keys))
	for i, k := range keys {
		stored.AttrValues[i] = evt.Event.Attributes[k]
	}
	return stored
}

func eventFromStored(stored *storedEvent) (types.SequencedEvent, error) {
	if len(stored.AttrKeys) != len(stored.AttrValues) {
		return types.SequencedEvent{}, fmt.Errorf("events: corrupt attribute lists for sequence %d", stored.Sequence)
	}
	attrs := make(map[string]string, len(stored.AttrKeys))
	for i, k := range stored.AttrKeys {
		attrs[k] = stored.AttrValues[i]
	}
	return types.SequencedEvent{
		Sequence:  stored.Sequence,
		Timestamp: int64(stored.Timestamp),
		Event:     types.Event{Type: stored.Type, Attributes: attrs},
	}, nil
}

// EventLogHead returns the highest persisted sequence number, zero when the
// log is empty.
func (m *Manager) EventLogHead() (uint64, error) {
	var head uint64
	ok, err := m.KVGet(eventHeadKey, &head)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return head, nil
}

// PutEvent persists a sequenced event and advances the log head. Sequences
// must be positive; the head only moves forward.
func (m *Manager) PutEvent(evt types.SequencedEvent) error {
	if evt.Sequence == 0 {
		return fmt.Errorf("events: sequence must be positive")
	}
	if err := m.KVPut(eventKey(evt.Sequence), storedFromEvent(evt)); err != nil {
		return err
	}
	head, err := m.EventLogHead()
	if err != nil {
		return err
	}
	if evt.Sequence <= head {
		return nil
	}
	return m.KVPut(eventHeadKey, evt.Sequence)
}

// Event loads the event stored at a sequence number. The boolean reports
// presence; pruned tail entries read as absent.
func (m *Manager) Event(seq uint64) (types.SequencedEvent, bool, error) {
	var stored storedEvent
	ok, err := m.KVGet(eventKey(seq), &stored)
	if err != nil || !ok {
		return types.SequencedEvent{}, false, err
	}
	evt, err := eventFromStored(&stored)
	if err != nil {
		return types.SequencedEvent{}, false, err
	}
	return evt, true, nil
}

// DeleteEvent prunes a sequence from the persisted tail. The head is left
// untouched so later appends stay monotone.
func (m *Manager) DeleteEvent(seq uint64) error {
	return m.KVDelete(eventKey(seq))
}
