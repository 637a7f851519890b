package state

import (
	"testing"

	"agora/core/types"
)

func TestEventLogRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	head, err := mgr.EventLogHead()
	if err != nil || head != 0 {
		t.Fatalf("empty log head = %d, err = %v", head, err)
	}
	if _, ok, err := mgr.Event(1); err != nil || ok {
		t.Fatalf("missing event: ok=%v err=%v", ok, err)
	}

	evt := types.SequencedEvent{
		Sequence:  1,
		Timestamp: 1_700_000_000,
		Event: types.Event{
			Type:       "listing.created",
			Attributes: map[string]string{"listingId": "7", "seller": "ST1SELLER"},
		},
	}
	if err := mgr.PutEvent(evt); err != nil {
		t.Fatalf("put event: %v", err)
	}

	got, ok, err := mgr.Event(1)
	if err != nil || !ok {
		t.Fatalf("load event: ok=%v err=%v", ok, err)
	}
	if got.Sequence != 1 || got.Timestamp != 1_700_000_000 || got.Event.Type != "listing.created" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Event.Attributes["listingId"] != "7" || got.Event.Attributes["seller"] != "ST1SELLER" {
		t.Fatalf("unexpected attributes: %v", got.Event.Attributes)
	}

	head, err = mgr.EventLogHead()
	if err != nil || head != 1 {
		t.Fatalf("head = %d, err = %v, want 1", head, err)
	}
}

func TestEventLogHeadOnlyAdvances(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.PutEvent(types.SequencedEvent{Sequence: 5, Event: types.Event{Type: "test.tick"}}); err != nil {
		t.Fatalf("put 5: %v", err)
	}
	if err := mgr.PutEvent(types.SequencedEvent{Sequence: 3, Event: types.Event{Type: "test.tick"}}); err != nil {
		t.Fatalf("put 3: %v", err)
	}
	head, err := mgr.EventLogHead()
	if err != nil || head != 5 {
		t.Fatalf("head = %d, err = %v, want 5", head, err)
	}

	if err := mgr.PutEvent(types.SequencedEvent{Sequence: 0, Event: types.Event{Type: "test.tick"}}); err == nil {
		t.Fatalf("expected rejection of zero sequence")
	}
}

func TestEventLogDeleteLeavesHead(t *testing.T) {
	mgr := newTestManager(t)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := mgr.PutEvent(types.SequencedEvent{Sequence: seq, Event: types.Event{Type: "test.tick"}}); err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	if err := mgr.DeleteEvent(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := mgr.Event(1); err != nil || ok {
		t.Fatalf("pruned event still present: ok=%v err=%v", ok, err)
	}
	head, err := mgr.EventLogHead()
	if err != nil || head != 3 {
		t.Fatalf("head after prune = %d, err = %v, want 3", head, err)
	}
}
