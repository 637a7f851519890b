package common

import (
	"strings"
	"testing"
)

func TestNormalizePrincipal(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{"plain", "ST1SELLER", "ST1SELLER", true},
		{"did", "did:stacks:ST2J0XB4694", "did:stacks:ST2J0XB4694", true},
		{"trimmed", "  ST1SELLER\n", "ST1SELLER", true},
		{"empty", "", "", false},
		{"whitespace only", "   ", "", false},
		{"embedded space", "ST1 SELLER", "", false},
		{"control char", "ST1\x07SELLER", "", false},
		{"non ascii", "ST1SÉLLER", "", false},
		{"too long", strings.Repeat("a", MaxPrincipalLen+1), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizePrincipal(tc.raw)
			if ok != tc.valid {
				t.Fatalf("valid=%v, want %v", ok, tc.valid)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	pauses := pauseMap{ModuleEscrow: true}
	if err := Guard(pauses, ModuleEscrow); err != ErrModulePaused {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, ModuleRegistry); err != nil {
		t.Fatalf("unpaused module: %v", err)
	}
	if err := Guard(nil, ModuleEscrow); err != nil {
		t.Fatalf("nil view must not guard: %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("empty module must not guard: %v", err)
	}
}
