package fraud

import "testing"

func TestScore(t *testing.T) {
	cases := []struct {
		name       string
		price      uint64
		reputation uint64
		category   string
		want       uint64
	}{
		{"baseline reputation zeroes the middle term", 1000, 100, "general", 10},
		{"reputation above baseline saturates at zero", 1000, 150, "general", 10},
		{"low reputation adds the shortfall", 1000, 40, "general", 70},
		{"high risk category surcharge", 10000, 50, "high-risk", 170},
		{"price floors toward zero", 199, 100, "general", 1},
		{"free-of-risk floor", 0, 100, "general", 0},
		{"category is matched exactly", 0, 100, "High-Risk", 0},
		{"everything at once", 2500, 0, "high-risk", 145},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.price, tc.reputation, tc.category); got != tc.want {
				t.Fatalf("Score(%d, %d, %q) = %d, want %d", tc.price, tc.reputation, tc.category, got, tc.want)
			}
		})
	}
}

func TestScoreIsPure(t *testing.T) {
	first := Score(12345, 7, HighRiskCategory)
	for i := 0; i < 100; i++ {
		if got := Score(12345, 7, HighRiskCategory); got != first {
			t.Fatalf("score changed between calls: %d != %d", got, first)
		}
	}
}

func TestScoreNeverUnderflows(t *testing.T) {
	for _, reputation := range []uint64{101, 150, 1 << 32, ^uint64(0)} {
		got := Score(0, reputation, "general")
		if got != 0 {
			t.Fatalf("reputation %d should clamp to zero, got %d", reputation, got)
		}
	}
}
