package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agora/core/state"
	"agora/core/types"
	"agora/native/arbitration"
	"agora/native/common"
	"agora/native/escrow"
	"agora/native/params"
	"agora/native/registry"
	"agora/storage"
)

const (
	testAdmin   = "ST1ADMIN"
	testSeller  = "ST1SELLER"
	testBuyer   = "ST1BUYER"
	testArbiter = "ST1ARBITER"
	testOracle  = "ST1ORACLE"
)

var nodeTestHash = strings.Repeat("a", 64)

func testGenesis() *Genesis {
	return &Genesis{
		Authority: testAdmin,
		Roles: map[string][]string{
			state.RoleArbitrator:       {testArbiter},
			state.RoleReputationOracle: {testOracle},
		},
		Balances: []GenesisBalance{
			{Principal: testBuyer, Currency: "STX", Amount: 5000},
		},
		Reputation: map[string]uint64{testSeller: 150},
	}
}

func newTestNode(t *testing.T, genesis *Genesis) *Node {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	node, err := NewNode(db, genesis)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	return node
}

func mustBalance(t *testing.T, node *Node, principal, currency string) uint64 {
	t.Helper()
	balance, err := node.BankBalance(principal, currency)
	if err != nil {
		t.Fatalf("BankBalance(%s, %s): %v", principal, currency, err)
	}
	return balance.Uint64()
}

func eventTypes(events []types.SequencedEvent) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Event.Type
	}
	return out
}

func TestNodeLifecycle(t *testing.T) {
	node := newTestNode(t, testGenesis())

	listing, err := node.MarketSubmit(testAdmin, 1, nodeTestHash, testSeller, 1000, "general", "berlin", "STX")
	if err != nil {
		t.Fatalf("MarketSubmit: %v", err)
	}
	if listing.RiskScore == nil || *listing.RiskScore != 10 {
		t.Fatalf("unexpected risk score: %+v", listing.RiskScore)
	}

	record, err := node.EscrowOpen(testBuyer, 1, 1000, "STX")
	if err != nil {
		t.Fatalf("EscrowOpen: %v", err)
	}
	if record.Seq != 1 || record.Status != escrow.StatusHeld {
		t.Fatalf("unexpected escrow record: %+v", record)
	}
	if got := mustBalance(t, node, testBuyer, "STX"); got != 4000 {
		t.Fatalf("buyer balance after open = %d, want 4000", got)
	}
	if got := mustBalance(t, node, escrow.VaultPrincipal("STX"), "STX"); got != 1000 {
		t.Fatalf("vault balance after open = %d, want 1000", got)
	}

	settled, err := node.EscrowConfirm(testBuyer, 1)
	if err != nil {
		t.Fatalf("EscrowConfirm: %v", err)
	}
	if settled.Status != escrow.StatusReleased {
		t.Fatalf("escrow status = %v, want released", settled.Status)
	}
	if got := mustBalance(t, node, testSeller, "STX"); got != 1000 {
		t.Fatalf("seller balance after release = %d, want 1000", got)
	}
	if got := mustBalance(t, node, escrow.VaultPrincipal("STX"), "STX"); got != 0 {
		t.Fatalf("vault balance after release = %d, want 0", got)
	}

	sellerScore, err := node.ReputationGet(testSeller)
	if err != nil {
		t.Fatalf("ReputationGet(seller): %v", err)
	}
	if sellerScore != 155 {
		t.Fatalf("seller reputation = %d, want 155", sellerScore)
	}
	buyerScore, err := node.ReputationGet(testBuyer)
	if err != nil {
		t.Fatalf("ReputationGet(buyer): %v", err)
	}
	if buyerScore != 1 {
		t.Fatalf("buyer reputation = %d, want 1", buyerScore)
	}

	log, latest := node.LatestEvents(0)
	want := []string{
		registry.EventTypeListingCreated,
		escrow.EventTypeEscrowOpened,
		escrow.EventTypeEscrowReleased,
		"reputation.updated",
	}
	got := eventTypes(log)
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if latest != uint64(len(want)) {
		t.Fatalf("latest sequence = %d, want %d", latest, len(want))
	}
	for i, evt := range log {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("event[%d] sequence = %d, want %d", i, evt.Sequence, i+1)
		}
		if evt.Timestamp != 1_700_000_000 {
			t.Fatalf("event[%d] timestamp = %d", i, evt.Timestamp)
		}
	}
}

func TestNodeDisputeRefundFlow(t *testing.T) {
	node := newTestNode(t, testGenesis())

	if _, err := node.MarketSubmit(testAdmin, 1, nodeTestHash, testSeller, 1000, "general", "berlin", "STX"); err != nil {
		t.Fatalf("MarketSubmit: %v", err)
	}
	if _, err := node.EscrowOpen(testBuyer, 1, 1000, "STX"); err != nil {
		t.Fatalf("EscrowOpen: %v", err)
	}

	dispute, err := node.DisputeOpen(testBuyer, 1, []string{strings.Repeat("ab", 32)})
	if err != nil {
		t.Fatalf("DisputeOpen: %v", err)
	}
	if dispute.Status != arbitration.StatusOpen {
		t.Fatalf("dispute status = %v, want open", dispute.Status)
	}

	if _, err := node.EscrowConfirm(testBuyer, 1); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("Confirm while disputed: %v, want %v", err, escrow.ErrInvalidState)
	}

	if _, err := node.DisputeRule(testBuyer, dispute.ID, arbitration.RulingRefund); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("Rule by non-arbitrator: %v, want %v", err, common.ErrUnauthorized)
	}

	ruled, err := node.DisputeRule(testArbiter, dispute.ID, arbitration.RulingRefund)
	if err != nil {
		t.Fatalf("DisputeRule: %v", err)
	}
	if ruled.Status != arbitration.StatusRuled || ruled.Ruling != arbitration.RulingRefund {
		t.Fatalf("unexpected ruled dispute: %+v", ruled)
	}

	if got := mustBalance(t, node, testBuyer, "STX"); got != 5000 {
		t.Fatalf("buyer balance after refund = %d, want 5000", got)
	}
	sellerScore, err := node.ReputationGet(testSeller)
	if err != nil {
		t.Fatalf("ReputationGet: %v", err)
	}
	if sellerScore != 125 {
		t.Fatalf("seller reputation after penalty = %d, want 125", sellerScore)
	}

	stored, err := node.DisputeGet(dispute.ID)
	if err != nil {
		t.Fatalf("DisputeGet: %v", err)
	}
	if stored.Status != arbitration.StatusRuled {
		t.Fatalf("stored dispute status = %v, want ruled", stored.Status)
	}

	// The refunded escrow is terminal, so the buyer can transact again.
	reopened, err := node.EscrowOpen(testBuyer, 1, 1000, "STX")
	if err != nil {
		t.Fatalf("EscrowOpen after refund: %v", err)
	}
	if reopened.Seq != 2 {
		t.Fatalf("reopened escrow seq = %d, want 2", reopened.Seq)
	}
}

func TestNodeGenesisAppliedOnce(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	genesis := testGenesis()

	first, err := NewNode(db, genesis)
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	if _, err := first.BankMint(testAdmin, testBuyer, "STX", 111); err != nil {
		t.Fatalf("BankMint: %v", err)
	}

	second, err := NewNode(db, genesis)
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	balance, err := second.BankBalance(testBuyer, "STX")
	if err != nil {
		t.Fatalf("BankBalance: %v", err)
	}
	if balance.Uint64() != 5111 {
		t.Fatalf("balance after reboot = %d, want 5111", balance.Uint64())
	}
	authority, ok, err := second.PolicyAuthority()
	if err != nil || !ok || authority != testAdmin {
		t.Fatalf("authority after reboot = %q, %v, %v", authority, ok, err)
	}
}

func TestLoadGenesis(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	valid := write("valid.json", `{
		"authority": "ST1ADMIN",
		"policy": {"fraudThreshold": 80, "minReputation": 10, "maxRiskScore": 300, "anomalyDetectionEnabled": true},
		"roles": {"ROLE_ARBITRATOR": ["ST1ARBITER"]},
		"balances": [{"principal": "ST1BUYER", "currency": "stx", "amount": 5000}],
		"reputation": {"ST1SELLER": 150},
		"blacklist": ["STBAD"]
	}`)
	genesis, err := LoadGenesis(valid)
	if err != nil {
		t.Fatalf("LoadGenesis(valid): %v", err)
	}
	if genesis.Policy == nil || genesis.Policy.FraudThreshold != 80 {
		t.Fatalf("unexpected policy: %+v", genesis.Policy)
	}

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"authority": "ST1ADMIN", "bogus": true}`},
		{"unknown role", `{"roles": {"ROLE_BOGUS": ["ST1X"]}}`},
		{"bad principal", `{"balances": [{"principal": "", "currency": "STX", "amount": 1}]}`},
		{"bad currency", `{"balances": [{"principal": "ST1X", "currency": "DOGE", "amount": 1}]}`},
		{"duplicate balance", `{"balances": [
			{"principal": "ST1X", "currency": "STX", "amount": 1},
			{"principal": "ST1X", "currency": "STX", "amount": 2}
		]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := write(strings.ReplaceAll(tc.name, " ", "_")+".json", tc.body)
			if _, err := LoadGenesis(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}

	if _, err := LoadGenesis(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNodeIdentityAllowlist(t *testing.T) {
	genesis := testGenesis()
	genesis.Identities = []string{testSeller}
	node := newTestNode(t, genesis)

	if _, err := node.MarketSubmit(testAdmin, 1, nodeTestHash, testSeller, 1000, "general", "berlin", "STX"); err != nil {
		t.Fatalf("MarketSubmit(verified): %v", err)
	}
	_, err := node.MarketSubmit(testAdmin, 2, strings.Repeat("b", 64), "ST9GHOST", 1000, "general", "berlin", "STX")
	if !errors.Is(err, registry.ErrInvalidSellerDID) {
		t.Fatalf("unverified submit: %v, want %v", err, registry.ErrInvalidSellerDID)
	}
}

func TestNodeEventCursorAndRetention(t *testing.T) {
	node := newTestNode(t, testGenesis())
	node.retention = 4

	for i := 0; i < 6; i++ {
		node.appendEvent(&types.Event{Type: "test.tick", Attributes: map[string]string{}})
	}

	log, latest := node.LatestEvents(0)
	if latest != 6 {
		t.Fatalf("latest sequence = %d, want 6", latest)
	}
	if len(log) != 4 {
		t.Fatalf("retained events = %d, want 4", len(log))
	}
	if log[0].Sequence != 3 || log[len(log)-1].Sequence != 6 {
		t.Fatalf("retained window = [%d, %d], want [3, 6]", log[0].Sequence, log[len(log)-1].Sequence)
	}

	since, _ := node.EventsSince(4, 0)
	if len(since) != 2 || since[0].Sequence != 5 || since[1].Sequence != 6 {
		t.Fatalf("EventsSince(4) = %v", eventTypes(since))
	}
	limited, _ := node.EventsSince(0, 1)
	if len(limited) != 1 || limited[0].Sequence != 3 {
		t.Fatalf("EventsSince(0, 1) returned %d events starting at %d", len(limited), limited[0].Sequence)
	}
	tail, _ := node.LatestEvents(2)
	if len(tail) != 2 || tail[0].Sequence != 5 {
		t.Fatalf("LatestEvents(2) window starts at %d", tail[0].Sequence)
	}
}

func TestNodeSubscribe(t *testing.T) {
	node := newTestNode(t, testGenesis())

	id, ch := node.Subscribe(8)
	node.appendEvent(&types.Event{Type: "test.live", Attributes: map[string]string{"k": "v"}})

	select {
	case evt := <-ch:
		if evt.Event.Type != "test.live" || evt.Sequence != 1 {
			t.Fatalf("unexpected delivery: %+v", evt)
		}
	default:
		t.Fatal("no live delivery")
	}

	node.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}

func TestNodeBankMint(t *testing.T) {
	node := newTestNode(t, testGenesis())

	balance, err := node.BankMint(testAdmin, testSeller, "STX", 250)
	if err != nil {
		t.Fatalf("BankMint: %v", err)
	}
	if balance.Uint64() != 250 {
		t.Fatalf("minted balance = %d, want 250", balance.Uint64())
	}

	if _, err := node.BankMint(testSeller, testSeller, "STX", 1); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("mint by non-authority: %v", err)
	}
	if _, err := node.BankMint(testAdmin, testSeller, "DOGE", 1); !errors.Is(err, registry.ErrInvalidCurrency) {
		t.Fatalf("mint bad currency: %v", err)
	}
	if _, err := node.BankMint(testAdmin, testSeller, "STX", 0); err == nil {
		t.Fatal("expected error for zero mint")
	}

	if err := node.PolicySetPaused(testAdmin, common.ModuleBank, true); err != nil {
		t.Fatalf("PolicySetPaused: %v", err)
	}
	if _, err := node.BankMint(testAdmin, testSeller, "STX", 1); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("mint while paused: %v", err)
	}

	log, _ := node.LatestEvents(0)
	got := eventTypes(log)
	if got[0] != "bank.minted" {
		t.Fatalf("first event = %q, want bank.minted", got[0])
	}
	if got[len(got)-1] != params.EventTypePauseUpdated {
		t.Fatalf("last event = %q, want %q", got[len(got)-1], params.EventTypePauseUpdated)
	}
}

func TestNodeRolesAndOracle(t *testing.T) {
	node := newTestNode(t, testGenesis())

	if err := node.RoleGrant(testAdmin, state.RoleArbitrator, "ST2ARBITER"); err != nil {
		t.Fatalf("RoleGrant: %v", err)
	}
	if err := node.RoleGrant(testAdmin, "ROLE_BOGUS", "ST2ARBITER"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if err := node.RoleGrant(testSeller, state.RoleArbitrator, "ST3ARBITER"); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("grant by non-authority: %v", err)
	}

	members, err := node.RoleMembers(state.RoleArbitrator)
	if err != nil {
		t.Fatalf("RoleMembers: %v", err)
	}
	if len(members) != 2 || members[0] != testArbiter || members[1] != "ST2ARBITER" {
		t.Fatalf("unexpected members: %v", members)
	}
	if !node.HasRole(state.RoleArbitrator, "ST2ARBITER") {
		t.Fatal("granted principal lacks role")
	}

	if err := node.RoleRevoke(testAdmin, state.RoleArbitrator, "ST2ARBITER"); err != nil {
		t.Fatalf("RoleRevoke: %v", err)
	}
	if node.HasRole(state.RoleArbitrator, "ST2ARBITER") {
		t.Fatal("revoked principal still has role")
	}

	if err := node.ReputationSet(testOracle, testBuyer, 42); err != nil {
		t.Fatalf("ReputationSet: %v", err)
	}
	score, err := node.ReputationGet(testBuyer)
	if err != nil || score != 42 {
		t.Fatalf("oracle score = %d, %v", score, err)
	}
	if err := node.ReputationSet(testSeller, testBuyer, 99); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("ReputationSet by non-oracle: %v", err)
	}
}

func TestNodePolicyOperations(t *testing.T) {
	node := newTestNode(t, testGenesis())

	value, err := node.PolicySetFraudThreshold(testAdmin, 80)
	if err != nil || value != 80 {
		t.Fatalf("SetFraudThreshold = %d, %v", value, err)
	}
	if _, err := node.PolicySetFraudThreshold(testSeller, 10); !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("threshold by non-authority: %v", err)
	}
	if _, err := node.PolicySetMinReputation(testAdmin, 25); err != nil {
		t.Fatalf("SetMinReputation: %v", err)
	}
	if _, err := node.PolicySetMaxRiskScore(testAdmin, 500); err != nil {
		t.Fatalf("SetMaxRiskScore: %v", err)
	}
	enabled, err := node.PolicyToggleAnomalyDetection(testAdmin)
	if err != nil || enabled {
		t.Fatalf("toggle = %t, %v, want false", enabled, err)
	}

	policy, err := node.PolicyGet()
	if err != nil {
		t.Fatalf("PolicyGet: %v", err)
	}
	if policy.FraudThreshold != 80 || policy.MinReputation != 25 || policy.MaxRiskScore != 500 || policy.AnomalyDetectionEnabled {
		t.Fatalf("unexpected policy: %+v", policy)
	}

	if err := node.BlacklistAdd(testAdmin, "STBAD"); err != nil {
		t.Fatalf("BlacklistAdd: %v", err)
	}
	listed, err := node.IsBlacklisted("STBAD")
	if err != nil || !listed {
		t.Fatalf("IsBlacklisted = %t, %v", listed, err)
	}
	sellers, err := node.Blacklist()
	if err != nil || len(sellers) != 1 {
		t.Fatalf("Blacklist = %v, %v", sellers, err)
	}
	if err := node.BlacklistRemove(testAdmin, "STBAD"); err != nil {
		t.Fatalf("BlacklistRemove: %v", err)
	}

	if err := node.PolicySetPaused(testAdmin, "bogus", true); err == nil {
		t.Fatal("expected error for unknown module")
	}
	if err := node.PolicySetPaused(testAdmin, common.ModuleRegistry, true); err != nil {
		t.Fatalf("PolicySetPaused: %v", err)
	}
	pauses, err := node.PolicyPauses()
	if err != nil {
		t.Fatalf("PolicyPauses: %v", err)
	}
	if !pauses.Modules[common.ModuleRegistry] {
		t.Fatalf("registry pause not recorded: %+v", pauses)
	}
	if _, err := node.MarketSubmit(testAdmin, 1, nodeTestHash, testSeller, 1000, "general", "berlin", "STX"); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("submit while paused: %v", err)
	}

	log, _ := node.LatestEvents(0)
	got := eventTypes(log)
	wantTail := []string{
		params.EventTypeBlacklistUpdated,
		params.EventTypeBlacklistUpdated,
		params.EventTypePauseUpdated,
	}
	if len(got) < len(wantTail) {
		t.Fatalf("event log too short: %v", got)
	}
	for i := range wantTail {
		if got[len(got)-len(wantTail)+i] != wantTail[i] {
			t.Fatalf("event tail = %v, want %v", got[len(got)-len(wantTail):], wantTail)
		}
	}
}

func TestNodeEventLogSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	node1, err := NewNode(db, testGenesis())
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	node1.SetNowFunc(func() int64 { return 1_700_000_000 })
	if _, err := node1.MarketSubmit(testAdmin, 1, nodeTestHash, testSeller, 1000, "general", "berlin", "STX"); err != nil {
		t.Fatalf("MarketSubmit: %v", err)
	}
	firstLog, firstLatest := node1.LatestEvents(0)
	if firstLatest == 0 || len(firstLog) == 0 {
		t.Fatal("no events recorded before restart")
	}

	node2, err := NewNode(db, testGenesis())
	if err != nil {
		t.Fatalf("NewNode after restart: %v", err)
	}
	node2.SetNowFunc(func() int64 { return 1_700_000_100 })

	restored, latest := node2.LatestEvents(0)
	if latest != firstLatest {
		t.Fatalf("sequence head after restart = %d, want %d", latest, firstLatest)
	}
	if len(restored) != len(firstLog) {
		t.Fatalf("restored %d events, want %d", len(restored), len(firstLog))
	}
	for i := range firstLog {
		if restored[i].Sequence != firstLog[i].Sequence || restored[i].Event.Type != firstLog[i].Event.Type {
			t.Fatalf("restored[%d] = %+v, want %+v", i, restored[i], firstLog[i])
		}
	}

	// A cursor taken before the restart sees only post-restart activity,
	// and the numbering continues rather than starting over.
	if _, err := node2.EscrowOpen(testBuyer, 1, 1000, "STX"); err != nil {
		t.Fatalf("EscrowOpen after restart: %v", err)
	}
	since, _ := node2.EventsSince(firstLatest, 0)
	if len(since) == 0 {
		t.Fatal("cursor from before the restart sees no new events")
	}
	for _, evt := range since {
		if evt.Sequence <= firstLatest {
			t.Fatalf("sequence %d did not advance past %d", evt.Sequence, firstLatest)
		}
	}
}

func TestNodeEventLogRestartKeepsRetainedTail(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	node1, err := NewNode(db, testGenesis())
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	node1.retention = 4
	for i := 0; i < 6; i++ {
		node1.appendEvent(&types.Event{Type: "test.tick", Attributes: map[string]string{}})
	}

	node2, err := NewNode(db, testGenesis())
	if err != nil {
		t.Fatalf("NewNode after restart: %v", err)
	}
	restored, latest := node2.LatestEvents(0)
	if latest != 6 {
		t.Fatalf("sequence head after restart = %d, want 6", latest)
	}
	if len(restored) != 4 {
		t.Fatalf("restored %d events, want the 4 retained", len(restored))
	}
	if restored[0].Sequence != 3 || restored[len(restored)-1].Sequence != 6 {
		t.Fatalf("restored window = [%d, %d], want [3, 6]", restored[0].Sequence, restored[len(restored)-1].Sequence)
	}
}
