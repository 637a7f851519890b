package state

import (
	"math/big"
	"testing"

	"agora/native/arbitration"
	"agora/native/escrow"
	"agora/native/registry"
	"agora/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func TestMarketKeyFormats(t *testing.T) {
	if got := string(listingKey(42)); got != "market/listing/42" {
		t.Fatalf("unexpected listing key: %s", got)
	}
	if got := string(listingHashKey("abc")); got != "market/itemhash/abc" {
		t.Fatalf("unexpected hash key: %s", got)
	}
	if got := string(flagKey(7)); got != "market/flag/7" {
		t.Fatalf("unexpected flag key: %s", got)
	}
	if got := string(escrowKey(7)); got != "market/escrow/7" {
		t.Fatalf("unexpected escrow key: %s", got)
	}
	if got := string(disputeOpenKey(7, 2)); got != "market/dispute-open/7/2" {
		t.Fatalf("unexpected open dispute key: %s", got)
	}
	if got := string(ParamStoreKey("market/policy")); got != "params/market/policy" {
		t.Fatalf("unexpected param key: %s", got)
	}
}

func TestKVRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	if ok, err := mgr.KVGet([]byte("missing"), nil); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := mgr.KVPut([]byte("answer"), uint64(42)); err != nil {
		t.Fatalf("put: %v", err)
	}
	var value uint64
	if ok, err := mgr.KVGet([]byte("answer"), &value); err != nil || !ok || value != 42 {
		t.Fatalf("get: ok=%v value=%d err=%v", ok, value, err)
	}
	if err := mgr.KVDelete([]byte("answer")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := mgr.KVGet([]byte("answer"), &value); err != nil || ok {
		t.Fatalf("deleted key readable: ok=%v err=%v", ok, err)
	}
	if err := mgr.KVDelete([]byte("answer")); err != nil {
		t.Fatalf("deleting absent key: %v", err)
	}
}

func TestKVAppendList(t *testing.T) {
	mgr := newTestManager(t)
	key := []byte("index")

	var empty [][]byte
	if err := mgr.KVGetList(key, &empty); err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty list should decode to zero entries, got %v", empty)
	}

	if err := mgr.KVAppend(key, []byte{0x01}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.KVAppend(key, []byte{0x02}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.KVAppend(key, []byte{0x01}); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 || list[0][0] != 0x01 || list[1][0] != 0x02 {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestBalances(t *testing.T) {
	mgr := newTestManager(t)

	bal, err := mgr.Balance("ST1BUYER", registry.CurrencySTX)
	if err != nil || bal.Sign() != 0 {
		t.Fatalf("fresh balance: %v %v", bal, err)
	}
	if err := mgr.SetBalance("ST1BUYER", registry.CurrencySTX, big.NewInt(5000)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	bal, err = mgr.Balance("ST1BUYER", registry.CurrencySTX)
	if err != nil || bal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("balance after set: %v %v", bal, err)
	}
	// Same principal, different currency.
	bal, err = mgr.Balance("ST1BUYER", registry.CurrencyUSD)
	if err != nil || bal.Sign() != 0 {
		t.Fatalf("other currency balance: %v %v", bal, err)
	}
	if err := mgr.SetBalance("ST1BUYER", registry.CurrencySTX, big.NewInt(-1)); err == nil {
		t.Fatalf("negative balance must be rejected")
	}
	if err := mgr.SetBalance("", registry.CurrencySTX, big.NewInt(1)); err == nil {
		t.Fatalf("empty principal must be rejected")
	}
	if _, err := mgr.Balance("ST1BUYER", registry.Currency("DOGE")); err == nil {
		t.Fatalf("unknown currency must be rejected")
	}
}

func TestRoles(t *testing.T) {
	mgr := newTestManager(t)

	if mgr.HasRole(RoleArbitrator, "ST1ARBITER") {
		t.Fatalf("fresh role should be empty")
	}
	if err := mgr.SetRole(RoleArbitrator, "ST2ARBITER"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := mgr.SetRole(RoleArbitrator, "ST1ARBITER"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := mgr.SetRole(RoleArbitrator, "ST1ARBITER"); err != nil {
		t.Fatalf("duplicate set role: %v", err)
	}

	members, err := mgr.RoleMembers(RoleArbitrator)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "ST1ARBITER" || members[1] != "ST2ARBITER" {
		t.Fatalf("members must be sorted and deduplicated: %v", members)
	}
	if !mgr.HasRole(RoleArbitrator, "ST1ARBITER") {
		t.Fatalf("member must have role")
	}
	if mgr.HasRole(RoleReputationOracle, "ST1ARBITER") {
		t.Fatalf("other role must not leak")
	}

	if err := mgr.RemoveRole(RoleArbitrator, "ST1ARBITER"); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	if mgr.HasRole(RoleArbitrator, "ST1ARBITER") {
		t.Fatalf("removed member still has role")
	}
	if err := mgr.RemoveRole(RoleArbitrator, "ST9UNKNOWN"); err != nil {
		t.Fatalf("removing unknown member: %v", err)
	}
}

func TestParamStore(t *testing.T) {
	mgr := newTestManager(t)

	if _, ok, err := mgr.ParamStoreGet("market/policy"); err != nil || ok {
		t.Fatalf("unset parameter: ok=%v err=%v", ok, err)
	}
	payload := []byte(`{"fraudThreshold":50}`)
	if err := mgr.ParamStoreSet("market/policy", payload); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := mgr.ParamStoreGet("market/policy")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != string(payload) {
		t.Fatalf("unexpected value %s", value)
	}
}

func TestListingRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	score := uint64(10)
	listing := &registry.Listing{
		ID:        1,
		ItemHash:  "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Seller:    "ST1SELLER",
		Price:     1000,
		Category:  "general",
		Location:  "berlin",
		Currency:  registry.CurrencySTX,
		RiskScore: &score,
		CreatedAt: 1_700_000_000,
		UpdatedAt: 1_700_000_000,
	}
	if err := mgr.ListingPut(listing); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := mgr.ListingGet(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Seller != "ST1SELLER" || loaded.Currency != registry.CurrencySTX || loaded.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected listing %+v", loaded)
	}
	if loaded.RiskScore == nil || *loaded.RiskScore != 10 {
		t.Fatalf("risk score lost in round trip: %v", loaded.RiskScore)
	}

	// Unscored listings keep their absent score.
	unscored := &registry.Listing{ID: 2, ItemHash: "bb", Seller: "ST1SELLER", Price: 1, Currency: registry.CurrencyUSD}
	if err := mgr.ListingPut(unscored); err != nil {
		t.Fatalf("put unscored: %v", err)
	}
	loaded, _, err = mgr.ListingGet(2)
	if err != nil {
		t.Fatalf("get unscored: %v", err)
	}
	if loaded.RiskScore != nil {
		t.Fatalf("unscored listing grew a score: %v", *loaded.RiskScore)
	}

	if _, ok, _ := mgr.ListingGet(99); ok {
		t.Fatalf("unknown listing must not resolve")
	}
	if err := mgr.ListingPut(&registry.Listing{}); err == nil {
		t.Fatalf("zero id listing must be rejected")
	}
}

func TestListingIndexAndHashes(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.ListingIDs()
	if err != nil || len(ids) != 0 {
		t.Fatalf("fresh index: %v %v", ids, err)
	}
	if err := mgr.ListingIndexAppend(3); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.ListingIndexAppend(1); err != nil {
		t.Fatalf("append: %v", err)
	}
	ids, err = mgr.ListingIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 1 {
		t.Fatalf("index must preserve admission order: %v", ids)
	}

	if _, seen, err := mgr.ListingHashGet("cafe"); err != nil || seen {
		t.Fatalf("unseen hash: seen=%v err=%v", seen, err)
	}
	if err := mgr.ListingHashPut("cafe", 3); err != nil {
		t.Fatalf("hash put: %v", err)
	}
	id, seen, err := mgr.ListingHashGet("cafe")
	if err != nil || !seen || id != 3 {
		t.Fatalf("hash get: id=%d seen=%v err=%v", id, seen, err)
	}
}

func TestFlagLifecycle(t *testing.T) {
	mgr := newTestManager(t)

	if _, ok, err := mgr.FlagGet(1); err != nil || ok {
		t.Fatalf("fresh flag: ok=%v err=%v", ok, err)
	}
	flag := &registry.FlaggedListing{ListingID: 1, Reason: "fake goods", RiskScore: 170, FlaggedAt: 1_700_000_000}
	if err := mgr.FlagPut(flag); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := mgr.FlagGet(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Reason != "fake goods" || loaded.RiskScore != 170 || loaded.FlaggedAt != 1_700_000_000 {
		t.Fatalf("unexpected flag %+v", loaded)
	}
	if err := mgr.FlagDelete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := mgr.FlagGet(1); ok {
		t.Fatalf("deleted flag still readable")
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	record := &escrow.Record{
		ListingID: 1,
		Seq:       2,
		Buyer:     "ST1BUYER",
		Seller:    "ST1SELLER",
		Amount:    1000,
		Currency:  registry.CurrencySTX,
		Status:    escrow.StatusHeld,
		OpenedAt:  1_700_000_000,
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := mgr.EscrowGet(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Seq != 2 || loaded.Status != escrow.StatusHeld || loaded.Amount != 1000 {
		t.Fatalf("unexpected record %+v", loaded)
	}

	record.Status = escrow.StatusReleased
	record.SettledAt = 1_700_000_100
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, _, err = mgr.EscrowGet(1)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Status != escrow.StatusReleased || loaded.SettledAt != 1_700_000_100 {
		t.Fatalf("settlement not persisted: %+v", loaded)
	}

	if _, ok, _ := mgr.EscrowGet(99); ok {
		t.Fatalf("unknown escrow must not resolve")
	}
}

func TestDisputeRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	dispute := &arbitration.Dispute{
		ID:        arbitration.DisputeID(1, 1),
		ListingID: 1,
		EscrowSeq: 1,
		Opener:    "ST1BUYER",
		Buyer:     "ST1BUYER",
		Seller:    "ST1SELLER",
		Evidence:  [][32]byte{{0xab}, {0xcd}},
		Status:    arbitration.StatusOpen,
		OpenedAt:  1_700_000_000,
	}
	if err := mgr.DisputePut(dispute); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := mgr.DisputeGet(dispute.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.ID != dispute.ID || len(loaded.Evidence) != 2 || loaded.Evidence[1][0] != 0xcd {
		t.Fatalf("unexpected dispute %+v", loaded)
	}
	if loaded.Status != arbitration.StatusOpen || loaded.Ruling != 0 {
		t.Fatalf("fresh dispute must be open and unruled: %+v", loaded)
	}

	if _, ok, _ := mgr.DisputeGet([32]byte{0xff}); ok {
		t.Fatalf("unknown dispute must not resolve")
	}
}

func TestDisputeOpenIndex(t *testing.T) {
	mgr := newTestManager(t)
	id := arbitration.DisputeID(1, 1)

	if _, open, err := mgr.DisputeOpenRef(1, 1); err != nil || open {
		t.Fatalf("fresh index: open=%v err=%v", open, err)
	}
	if err := mgr.DisputeOpenSet(1, 1, id); err != nil {
		t.Fatalf("set: %v", err)
	}
	ref, open, err := mgr.DisputeOpenRef(1, 1)
	if err != nil || !open || ref != id {
		t.Fatalf("ref: open=%v ref=%x err=%v", open, ref, err)
	}
	// The binding is per escrow instance.
	if _, open, _ := mgr.DisputeOpenRef(1, 2); open {
		t.Fatalf("other seq must not be bound")
	}
	if err := mgr.DisputeOpenClear(1, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, open, _ := mgr.DisputeOpenRef(1, 1); open {
		t.Fatalf("cleared binding still readable")
	}
}
