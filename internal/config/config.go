package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models flowdeck.yml.
type Config struct {
	Platform struct {
		BaseURL   string `yaml:"base_url"`
		Token     string `yaml:"token"`
		ChannelID string `yaml:"channel_id"`
	} `yaml:"platform"`
	Endpoint struct {
		// OverrideURL wins over everything; ProductionURL is the
		// platform-provided default; a stored per-flow value comes last.
		OverrideURL   string `yaml:"override_url"`
		ProductionURL string `yaml:"production_url"`
	} `yaml:"endpoint"`
	Keys struct {
		PublicKey     string `yaml:"public_key"`
		PublicKeyFile string `yaml:"public_key_file"`
	} `yaml:"keys"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Defaults struct {
		Categories []string `yaml:"categories"`
	} `yaml:"defaults"`
}

// Categories the platform accepts for a flow.
var ValidCategories = map[string]bool{
	"SIGN_UP": true, "SIGN_IN": true, "APPOINTMENT_BOOKING": true,
	"LEAD_GENERATION": true, "CONTACT_US": true, "CUSTOMER_SUPPORT": true,
	"SURVEY": true, "OTHER": true,
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it or run fd init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("config.platform.base_url is required")
	}
	for _, cat := range c.Defaults.Categories {
		if !ValidCategories[cat] {
			return fmt.Errorf("config.defaults.categories contains unknown category %s", cat)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowdeck.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadPublicKey returns the configured public key material: the inline value
// when present, otherwise the referenced file. Empty means none configured.
func (c *Config) LoadPublicKey() (string, error) {
	if strings.TrimSpace(c.Keys.PublicKey) != "" {
		return c.Keys.PublicKey, nil
	}
	if c.Keys.PublicKeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Keys.PublicKeyFile)
	if err != nil {
		return "", fmt.Errorf("read public key file: %w", err)
	}
	return string(data), nil
}

// EndpointProvider is one named source of the callback URL. Precedence is the
// slice order, so the policy is testable instead of buried in env lookups.
type EndpointProvider struct {
	Name string
	URL  string
}

// EndpointProviders returns the ordered callback URL sources: explicit
// override, the platform production URL, then the stored per-flow value.
func (c *Config) EndpointProviders(stored string) []EndpointProvider {
	return []EndpointProvider{
		{Name: "override", URL: c.Endpoint.OverrideURL},
		{Name: "production", URL: c.Endpoint.ProductionURL},
		{Name: "stored", URL: stored},
	}
}

// ResolveEndpoint returns the first non-empty provider URL.
func ResolveEndpoint(providers []EndpointProvider) (url, source string, ok bool) {
	for _, p := range providers {
		if strings.TrimSpace(p.URL) != "" {
			return strings.TrimSpace(p.URL), p.Name, true
		}
	}
	return "", "", false
}

const defaultTemplate = `platform:
  base_url: https://graph.example.com/v20.0
  token: ""
  channel_id: ""

endpoint:
  override_url: ""
  production_url: ""

keys:
  public_key: ""
  public_key_file: ""

server:
  jwt_secret: ""
  allow_legacy_actor_header: true

defaults:
  categories: [OTHER]
`
