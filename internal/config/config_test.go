package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFromYAMLRequiresBaseURL(t *testing.T) {
	_, err := FromYAML([]byte("platform:\n  token: abc\n"))
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromYAMLRejectsUnknownDefaultCategory(t *testing.T) {
	raw := `platform:
  base_url: https://platform.test
defaults:
  categories: [NOT_A_CATEGORY]
`
	_, err := FromYAML([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "NOT_A_CATEGORY") {
		t.Fatalf("err = %v", err)
	}
}

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	if len(cfg.Defaults.Categories) == 0 {
		t.Fatal("default template must seed a category")
	}
	if !cfg.Server.AllowLegacyActorHeader {
		t.Fatal("default template allows the legacy actor header")
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "fd init") {
		t.Fatalf("err = %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("optional load: %+v, %v", cfg, err)
	}
}

func TestResolveEndpointPrecedence(t *testing.T) {
	var cfg Config
	cfg.Endpoint.OverrideURL = " https://tunnel.test/flow "
	cfg.Endpoint.ProductionURL = "https://prod.test/flow"

	url, source, ok := ResolveEndpoint(cfg.EndpointProviders("https://stored.test/flow"))
	if !ok || url != "https://tunnel.test/flow" || source != "override" {
		t.Fatalf("got %q from %q", url, source)
	}

	cfg.Endpoint.OverrideURL = ""
	url, source, ok = ResolveEndpoint(cfg.EndpointProviders("https://stored.test/flow"))
	if !ok || url != "https://prod.test/flow" || source != "production" {
		t.Fatalf("got %q from %q", url, source)
	}

	cfg.Endpoint.ProductionURL = ""
	url, source, ok = ResolveEndpoint(cfg.EndpointProviders("https://stored.test/flow"))
	if !ok || url != "https://stored.test/flow" || source != "stored" {
		t.Fatalf("got %q from %q", url, source)
	}

	if _, _, ok := ResolveEndpoint(cfg.EndpointProviders("")); ok {
		t.Fatal("no providers must resolve to nothing")
	}
}

func TestLoadPublicKeyInlineBeatsFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyFile, []byte("file-key"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	var cfg Config
	cfg.Keys.PublicKey = "inline-key"
	cfg.Keys.PublicKeyFile = keyFile
	key, err := cfg.LoadPublicKey()
	if err != nil || key != "inline-key" {
		t.Fatalf("key = %q, %v", key, err)
	}

	cfg.Keys.PublicKey = ""
	key, err = cfg.LoadPublicKey()
	if err != nil || key != "file-key" {
		t.Fatalf("key = %q, %v", key, err)
	}

	cfg.Keys.PublicKeyFile = filepath.Join(dir, "missing.pem")
	if _, err := cfg.LoadPublicKey(); err == nil {
		t.Fatal("missing key file must error")
	}

	cfg.Keys.PublicKeyFile = ""
	key, err = cfg.LoadPublicKey()
	if err != nil || key != "" {
		t.Fatalf("no key configured: %q, %v", key, err)
	}
}
