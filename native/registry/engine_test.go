package registry

import (
	"errors"
	"strings"
	"testing"

	"agora/core/events"
	"agora/core/types"
	"agora/native/common"
	"agora/native/params"
)

type mockState struct {
	listings map[uint64]*Listing
	hashes   map[string]uint64
	flags    map[uint64]*FlaggedListing
	index    []uint64
}

func newMockState() *mockState {
	return &mockState{
		listings: make(map[uint64]*Listing),
		hashes:   make(map[string]uint64),
		flags:    make(map[uint64]*FlaggedListing),
	}
}

func (m *mockState) ListingPut(l *Listing) error {
	m.listings[l.ID] = l.Clone()
	return nil
}

func (m *mockState) ListingGet(id uint64) (*Listing, bool, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (m *mockState) ListingIDs() ([]uint64, error) {
	return append([]uint64(nil), m.index...), nil
}

func (m *mockState) ListingIndexAppend(id uint64) error {
	m.index = append(m.index, id)
	return nil
}

func (m *mockState) ListingHashGet(hash string) (uint64, bool, error) {
	id, ok := m.hashes[hash]
	return id, ok, nil
}

func (m *mockState) ListingHashPut(hash string, id uint64) error {
	m.hashes[hash] = id
	return nil
}

func (m *mockState) FlagPut(f *FlaggedListing) error {
	m.flags[f.ListingID] = f.Clone()
	return nil
}

func (m *mockState) FlagGet(listingID uint64) (*FlaggedListing, bool, error) {
	f, ok := m.flags[listingID]
	if !ok {
		return nil, false, nil
	}
	return f.Clone(), true, nil
}

func (m *mockState) FlagDelete(listingID uint64) error {
	delete(m.flags, listingID)
	return nil
}

type paramState struct {
	values map[string][]byte
}

func newParamState() *paramState {
	return &paramState{values: make(map[string][]byte)}
}

func (p *paramState) ParamStoreSet(name string, value []byte) error {
	p.values[name] = append([]byte(nil), value...)
	return nil
}

func (p *paramState) ParamStoreGet(name string) ([]byte, bool, error) {
	value, ok := p.values[name]
	return value, ok, nil
}

type reputationMap map[string]uint64

func (r reputationMap) Score(principal string) (uint64, error) {
	return r[principal], nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(listingEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt)
		}
	}
	return out
}

type testEnv struct {
	engine     *Engine
	state      *mockState
	policy     *params.Store
	reputation reputationMap
	emitter    *capturingEmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	policy := params.NewStore(newParamState())
	if _, err := policy.SetAuthority("ST1ADMIN"); err != nil {
		t.Fatalf("seed authority: %v", err)
	}
	reputation := reputationMap{"ST1SELLER": 150, "ST2SELLER": 50}
	state := newMockState()
	emitter := &capturingEmitter{}

	engine := NewEngine()
	engine.SetState(state)
	engine.SetPolicy(policy)
	engine.SetReputation(reputation)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return &testEnv{engine: engine, state: state, policy: policy, reputation: reputation, emitter: emitter}
}

const validHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func (env *testEnv) submit(id uint64, hash string) (*Listing, error) {
	return env.engine.Submit("ST1CALLER", id, hash, "ST1SELLER", 1000, "general", "berlin", "STX")
}

func TestSubmitAdmitsListing(t *testing.T) {
	env := newTestEnv(t)

	listing, err := env.submit(1, validHash)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if listing.ID != 1 || listing.Price != 1000 || listing.Currency != CurrencySTX {
		t.Fatalf("unexpected listing %+v", listing)
	}
	if listing.RiskScore == nil || *listing.RiskScore != 10 {
		t.Fatalf("risk score should be 10 with detection enabled, got %v", listing.RiskScore)
	}
	snapshot, err := env.engine.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Status() != StatusActive {
		t.Fatalf("new listing should be active, got %v", snapshot.Status())
	}

	emitted := env.emitter.typesEvents()
	if len(emitted) != 1 || emitted[0].Type != EventTypeListingCreated {
		t.Fatalf("expected a single listing.created event, got %v", emitted)
	}
	if emitted[0].Attributes["riskScore"] != "10" {
		t.Fatalf("created event should carry the risk score: %v", emitted[0].Attributes)
	}
}

func TestSubmitValidationOrder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.policy.SetMinReputation("ST1ADMIN", 100); err != nil {
		t.Fatalf("set minimum reputation: %v", err)
	}
	if err := env.policy.BlacklistAdd("ST1ADMIN", "STBAD"); err != nil {
		t.Fatalf("seed blacklist: %v", err)
	}
	env.reputation["STBAD"] = 150

	cases := []struct {
		name     string
		id       uint64
		hash     string
		seller   string
		price    uint64
		category string
		location string
		currency string
		wantErr  error
	}{
		{"zero id", 0, validHash, "ST1SELLER", 1000, "general", "berlin", "STX", ErrInvalidListingID},
		{"short hash", 7, "abc", "ST1SELLER", 1000, "general", "berlin", "STX", ErrInvalidItemHash},
		{"non hex hash", 7, strings.Repeat("z", 64), "ST1SELLER", 1000, "general", "berlin", "STX", ErrInvalidItemHash},
		{"self dealing", 7, validHash, "ST1CALLER", 1000, "general", "berlin", "STX", ErrInvalidSellerDID},
		{"empty seller", 7, validHash, "  ", 1000, "general", "berlin", "STX", ErrInvalidSellerDID},
		{"low reputation", 7, validHash, "ST9UNKNOWN", 1000, "general", "berlin", "STX", ErrInsufficientReputation},
		{"zero price", 7, validHash, "ST1SELLER", 0, "general", "berlin", "STX", ErrInvalidPrice},
		{"empty category", 7, validHash, "ST1SELLER", 1000, "", "berlin", "STX", ErrInvalidCategory},
		{"long category", 7, validHash, "ST1SELLER", 1000, strings.Repeat("c", 51), "berlin", "STX", ErrInvalidCategory},
		{"empty location", 7, validHash, "ST1SELLER", 1000, "general", "", "STX", ErrInvalidLocation},
		{"long location", 7, validHash, "ST1SELLER", 1000, "general", strings.Repeat("l", 101), "STX", ErrInvalidLocation},
		{"unknown currency", 7, validHash, "ST1SELLER", 1000, "general", "berlin", "DOGE", ErrInvalidCurrency},
		{"blacklisted seller", 7, validHash, "STBAD", 1000, "general", "berlin", "STX", ErrBlacklistedSeller},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.Submit("ST1CALLER", tc.id, tc.hash, tc.seller, tc.price, tc.category, tc.location, tc.currency)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	// minReputation must come before price validation in the fixed order.
	if _, err := env.policy.SetMinReputation("ST1ADMIN", 200); err != nil {
		t.Fatalf("raise minimum: %v", err)
	}
	_, err := env.engine.Submit("ST1CALLER", 7, validHash, "ST1SELLER", 0, "general", "berlin", "STX")
	if !errors.Is(err, ErrInsufficientReputation) {
		t.Fatalf("reputation check should win over price, got %v", err)
	}
}

func TestSubmitDuplicateHash(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := env.submit(2, validHash); !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("expected ErrDuplicateHash, got %v", err)
	}
	// Case-folded resubmission must hit the same history entry.
	if _, err := env.submit(3, strings.ToUpper(validHash)); !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("expected ErrDuplicateHash for uppercased hash, got %v", err)
	}
}

func TestSubmitRejectsReusedID(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	otherHash := strings.Repeat("b", 64)
	if _, err := env.submit(1, otherHash); !errors.Is(err, ErrInvalidListingID) {
		t.Fatalf("expected ErrInvalidListingID for reused id, got %v", err)
	}
	// The losing submission must leave no history entry behind.
	if _, seen, err := env.state.ListingHashGet(otherHash); err != nil || seen {
		t.Fatalf("failed admission leaked hash history: seen=%v err=%v", seen, err)
	}
}

func TestSubmitAnomalyDetected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.policy.SetMaxRiskScore("ST1ADMIN", 80); err != nil {
		t.Fatalf("set max risk: %v", err)
	}

	// price 10000 => 100, reputation 50 => +50, high-risk => +20: 170 > 80.
	_, err := env.engine.Submit("ST1CALLER", 5, validHash, "ST2SELLER", 10000, "high-risk", "berlin", "STX")
	if !errors.Is(err, ErrAnomalyDetected) {
		t.Fatalf("expected ErrAnomalyDetected, got %v", err)
	}

	if _, exists, _ := env.state.ListingGet(5); exists {
		t.Fatalf("rejected listing must not be created")
	}
	if _, seen, _ := env.state.ListingHashGet(validHash); seen {
		t.Fatalf("rejected listing must not reserve its hash")
	}
	ids, _ := env.state.ListingIDs()
	if len(ids) != 0 {
		t.Fatalf("rejected listing must not be indexed, got %v", ids)
	}
	if len(env.emitter.typesEvents()) != 0 {
		t.Fatalf("rejected listing must not emit events")
	}
}

func TestSubmitSkipsScoringWhenDetectionDisabled(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.policy.SetMaxRiskScore("ST1ADMIN", 80); err != nil {
		t.Fatalf("set max risk: %v", err)
	}
	if enabled, err := env.policy.ToggleAnomalyDetection("ST1ADMIN"); err != nil || enabled {
		t.Fatalf("disable detection: enabled=%v err=%v", enabled, err)
	}

	// The same submission that scores 170 is admitted unscored.
	listing, err := env.engine.Submit("ST1CALLER", 5, validHash, "ST2SELLER", 10000, "high-risk", "berlin", "STX")
	if err != nil {
		t.Fatalf("submit with detection disabled: %v", err)
	}
	if listing.RiskScore != nil {
		t.Fatalf("risk score must not be recorded while detection is disabled")
	}
}

func TestSubmitBlacklistRemovalIsNotRetroactive(t *testing.T) {
	env := newTestEnv(t)
	listing, err := env.submit(1, validHash)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.policy.BlacklistAdd("ST1ADMIN", "ST1SELLER"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	// The already-admitted listing stays.
	snapshot, err := env.engine.Get(listing.ID)
	if err != nil {
		t.Fatalf("get after blacklist: %v", err)
	}
	if snapshot.Status() != StatusActive {
		t.Fatalf("existing listing must remain active")
	}
	// New submissions from the seller are blocked.
	if _, err := env.submit(2, strings.Repeat("b", 64)); !errors.Is(err, ErrBlacklistedSeller) {
		t.Fatalf("expected ErrBlacklistedSeller, got %v", err)
	}
}

func TestFlagListing(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.engine.Flag("ST2OTHER", 1, "fake goods", 170); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("non-authority flag: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Flag("ST1ADMIN", 99, "fake goods", 170); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}

	flag, err := env.engine.Flag("ST1ADMIN", 1, "fake goods", 170)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if flag.Reason != "fake goods" || flag.RiskScore != 170 {
		t.Fatalf("unexpected flag %+v", flag)
	}
	snapshot, err := env.engine.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Status() != StatusPaused {
		t.Fatalf("flagged listing must report paused")
	}

	// Re-flagging overwrites the record.
	flag, err = env.engine.Flag("ST1ADMIN", 1, "confirmed fraud", 400)
	if err != nil {
		t.Fatalf("re-flag: %v", err)
	}
	if flag.Reason != "confirmed fraud" || flag.RiskScore != 400 {
		t.Fatalf("flag not overwritten: %+v", flag)
	}
}

func TestUnflagListing(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.Unflag("ST1ADMIN", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unflagging an unflagged listing: expected ErrInvalidState, got %v", err)
	}
	if _, err := env.engine.Flag("ST1ADMIN", 1, "review", 90); err != nil {
		t.Fatalf("flag: %v", err)
	}
	snapshot, err := env.engine.Unflag("ST1ADMIN", 1)
	if err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if snapshot.Status() != StatusActive {
		t.Fatalf("unflagged listing must return to active")
	}
}

func TestUnflagPreservesSellerPause(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.Pause("ST1SELLER", 1); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.engine.Flag("ST1ADMIN", 1, "review", 90); err != nil {
		t.Fatalf("flag: %v", err)
	}
	snapshot, err := env.engine.Unflag("ST1ADMIN", 1)
	if err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if snapshot.Status() != StatusPaused {
		t.Fatalf("seller pause must survive an unflag")
	}
}

func TestUpdatePrice(t *testing.T) {
	env := newTestEnv(t)
	listing, err := env.submit(1, validHash)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	originalScore := *listing.RiskScore

	if _, err := env.engine.UpdatePrice("ST1BUYER", 1, 2000); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("non-seller update: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.UpdatePrice("ST1SELLER", 1, 0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("zero price: expected ErrInvalidPrice, got %v", err)
	}
	if _, err := env.engine.UpdatePrice("ST1SELLER", 99, 2000); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}

	updated, err := env.engine.UpdatePrice("ST1SELLER", 1, 250000)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Price != 250000 {
		t.Fatalf("price not updated: %d", updated.Price)
	}
	if updated.RiskScore == nil || *updated.RiskScore != originalScore {
		t.Fatalf("price update must not re-run fraud scoring")
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.engine.Pause("ST1BUYER", 1); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("non-seller pause: expected ErrUnauthorized, got %v", err)
	}
	snapshot, err := env.engine.Pause("ST1SELLER", 1)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if snapshot.Status() != StatusPaused {
		t.Fatalf("paused listing must report paused")
	}
	if _, err := env.engine.Pause("ST1SELLER", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double pause: expected ErrInvalidState, got %v", err)
	}

	snapshot, err = env.engine.Resume("ST1SELLER", 1)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snapshot.Status() != StatusActive {
		t.Fatalf("resumed listing must report active")
	}
	if _, err := env.engine.Resume("ST1SELLER", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while active: expected ErrInvalidState, got %v", err)
	}
}

func TestResumeBlockedWhileFlagged(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.Pause("ST1SELLER", 1); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.engine.Flag("ST1ADMIN", 1, "review", 90); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := env.engine.Resume("ST1SELLER", 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while flagged: expected ErrInvalidState, got %v", err)
	}
	if _, err := env.engine.Unflag("ST1ADMIN", 1); err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if _, err := env.engine.Resume("ST1SELLER", 1); err != nil {
		t.Fatalf("resume after unflag: %v", err)
	}
}

func TestReviewQueue(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.policy.SetFraudThreshold("ST1ADMIN", 50); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	// score 10: below threshold.
	if _, err := env.submit(2, validHash); err != nil {
		t.Fatalf("submit low score: %v", err)
	}
	// reputation 50 and high-risk: 0 + 50 + 20 = 70 > 50.
	if _, err := env.engine.Submit("ST1CALLER", 1, strings.Repeat("b", 64), "ST2SELLER", 99, "high-risk", "berlin", "USD"); err != nil {
		t.Fatalf("submit high score: %v", err)
	}

	queue, err := env.engine.ReviewQueue()
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(queue) != 1 || queue[0].Listing.ID != 1 {
		t.Fatalf("expected only listing 1 in the queue, got %+v", queue)
	}
}

func TestRegistryModulePause(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetPauses(env.policy)
	if err := env.policy.SetPaused("ST1ADMIN", common.ModuleRegistry, true); err != nil {
		t.Fatalf("pause module: %v", err)
	}
	if _, err := env.submit(1, validHash); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := env.policy.SetPaused("ST1ADMIN", common.ModuleRegistry, false); err != nil {
		t.Fatalf("unpause module: %v", err)
	}
	if _, err := env.submit(1, validHash); err != nil {
		t.Fatalf("submit after unpause: %v", err)
	}
}
