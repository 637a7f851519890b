package identity

import "testing"

func TestAllowAll(t *testing.T) {
	if !(AllowAll{}).Verified("anyone") {
		t.Fatalf("AllowAll must accept every principal")
	}
}

func TestStaticSet(t *testing.T) {
	set := NewStaticSet([]string{"ST1SELLER", "  ST2SELLER  ", "", "bad principal"})
	if set.Len() != 2 {
		t.Fatalf("expected 2 valid members, got %d", set.Len())
	}
	if !set.Verified("ST1SELLER") {
		t.Fatalf("member should verify")
	}
	if !set.Verified(" ST2SELLER ") {
		t.Fatalf("membership should apply after normalisation")
	}
	if set.Verified("ST9OTHER") {
		t.Fatalf("non-member should not verify")
	}
	if set.Verified("") {
		t.Fatalf("malformed principal should not verify")
	}
}

func TestStaticSetNil(t *testing.T) {
	var set *StaticSet
	if set.Verified("ST1SELLER") {
		t.Fatalf("nil set must verify nothing")
	}
}
