package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
node:
  url: http://127.0.0.1:6060
apiKeys:
  - key: merchant-1
    secret: topsecret
    principal: ST1RELAYER
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":8081" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if !cfg.AdminAuth.Enabled {
		t.Fatalf("expected adminAuth.enabled to default to true")
	}
	if cfg.AdminAuth.AllowAnonymous {
		t.Fatalf("expected adminAuth.allowAnonymous to default to false")
	}
	if cfg.Signing.TimestampSkew != 2*time.Minute {
		t.Fatalf("unexpected default skew %s", cfg.Signing.TimestampSkew)
	}
	if cfg.Signing.NonceTTL != 4*time.Minute {
		t.Fatalf("expected nonce TTL to default to twice the skew, got %s", cfg.Signing.NonceTTL)
	}
	if cfg.Watcher.PollInterval != 5*time.Second {
		t.Fatalf("unexpected watcher interval %s", cfg.Watcher.PollInterval)
	}
}

func TestLoadRequiresNodeURL(t *testing.T) {
	yaml := "apiKeys:\n  - key: merchant-1\n    secret: s\n    principal: ST1RELAYER\n"
	if _, err := Load(writeConfig(t, yaml)); err == nil || !strings.Contains(err.Error(), "node.url") {
		t.Fatalf("expected node.url requirement, got %v", err)
	}
}

func TestLoadRequiresAPIKeys(t *testing.T) {
	yaml := "node:\n  url: http://127.0.0.1:6060\n"
	if _, err := Load(writeConfig(t, yaml)); err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("expected API key requirement, got %v", err)
	}
}

func TestLoadRejectsDuplicateAPIKeys(t *testing.T) {
	yaml := minimalConfig + "  - key: merchant-1\n    secret: other\n    principal: ST2RELAYER\n"
	if _, err := Load(writeConfig(t, yaml)); err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate key rejection, got %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MARKET_GATEWAY_LISTEN", ":9999")
	t.Setenv("MARKET_GATEWAY_NODE_TOKEN", "override-token")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9999" {
		t.Fatalf("expected env override for listen, got %q", cfg.ListenAddress)
	}
	if cfg.Node.AuthToken != "override-token" {
		t.Fatalf("expected env override for node token, got %q", cfg.Node.AuthToken)
	}
}

func TestLoadRequiresExplicitAuthForTLSDeployments(t *testing.T) {
	yaml := minimalConfig + "security:\n  tlsCertFile: /etc/gateway/cert.pem\n  tlsKeyFile: /etc/gateway/key.pem\n"
	_, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	// The default marks enabled as explicitly chosen; clearing the marker via
	// Validate on a hand-built config is the failure path.
	cfg := Config{
		Node:     NodeConfig{URL: "https://node.internal"},
		APIKeys:  []APIKeyConfig{{Key: "k", Secret: "s", Principal: "ST1X"}},
		Security: SecurityConfig{TLSCertFile: "/etc/cert.pem"},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrAuthEnabledNotConfigured) {
		t.Fatalf("expected ErrAuthEnabledNotConfigured, got %v", err)
	}
}

func TestLoadRejectsImplicitAnonymousAccess(t *testing.T) {
	cfg := Config{
		Node:    NodeConfig{URL: "https://node.internal"},
		APIKeys: []APIKeyConfig{{Key: "k", Secret: "s", Principal: "ST1X"}},
		AdminAuth: AdminAuthConfig{
			Enabled:        true,
			enabledSet:     true,
			AllowAnonymous: true,
			OptionalPaths:  []string{"/admin/health"},
		},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "allowAnonymous must be explicitly set") {
		t.Fatalf("expected implicit anonymous access rejection, got %v", err)
	}
}

func TestLoadNormalizesOptionalPaths(t *testing.T) {
	yaml := minimalConfig + "adminAuth:\n  enabled: true\n  allowAnonymous: true\n  optionalPaths:\n    - /admin/health\n    - \"   /admin/status   \"\n"
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	expected := []string{"/admin/health", "/admin/status"}
	if len(cfg.AdminAuth.OptionalPaths) != len(expected) {
		t.Fatalf("expected %d optional paths, got %d", len(expected), len(cfg.AdminAuth.OptionalPaths))
	}
	for i, want := range expected {
		if cfg.AdminAuth.OptionalPaths[i] != want {
			t.Fatalf("optional path %d mismatch: expected %q, got %q", i, want, cfg.AdminAuth.OptionalPaths[i])
		}
	}
}

func TestNodeURLEnforcesSchemeOutsideDev(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"environment: prod\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := cfg.NodeURL(); err == nil {
		t.Fatalf("expected plaintext node URL to be rejected outside dev")
	}

	upgraded, err2 := Load(writeConfig(t, minimalConfig+"environment: prod\nsecurity:\n  autoUpgradeHTTP: true\n"))
	if err2 != nil {
		t.Fatalf("load config: %v", err2)
	}
	target, err := upgraded.NodeURL()
	if err != nil {
		t.Fatalf("node url: %v", err)
	}
	if target.Scheme != "https" {
		t.Fatalf("expected auto-upgraded scheme, got %q", target.Scheme)
	}
}

func TestNodeURLAllowsPlainHTTPInDev(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	target, err := cfg.NodeURL()
	if err != nil {
		t.Fatalf("node url: %v", err)
	}
	if target.Scheme != "http" {
		t.Fatalf("expected dev environment to keep http, got %q", target.Scheme)
	}
}
