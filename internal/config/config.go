// Package config provides configuration management for the insurance demo
// auth service. It handles loading and parsing the YAML configuration file and
// provides structured access to application settings: server port, identity
// provider endpoints, the two OAuth client identities, session persistence and
// logging options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the HTTP facade listens on.
	Port int `yaml:"port" json:"port"`

	// ProxyURL is the URL of an optional proxy server for outbound requests
	// to the identity provider and the resource gateway.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Provider holds the identity provider endpoints and client identities.
	Provider ProviderConfig `yaml:"provider" json:"provider"`

	// Resource configures the upstream resource gateway fronted by the
	// authorized proxy.
	Resource ResourceConfig `yaml:"resource" json:"resource"`

	// Session configures session persistence.
	Session SessionConfig `yaml:"session" json:"session"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`
}

// ProviderConfig describes the OpenID Connect provider this demo
// authenticates against (a WSO2 Identity Server deployment) together with the
// two OAuth client identities the application uses.
type ProviderConfig struct {
	// AuthorizeURL is the authorization endpoint, used both for the browser
	// redirect and for response_mode=direct step-up requests.
	AuthorizeURL string `yaml:"authorize-url" json:"authorize-url"`

	// TokenURL is the token endpoint.
	TokenURL string `yaml:"token-url" json:"token-url"`

	// AuthnURL is the default flow-execution endpoint OTP responses are
	// submitted to when the challenge response carries no explicit href.
	AuthnURL string `yaml:"authn-url" json:"authn-url"`

	// UserInfoURL is the OIDC user-info endpoint.
	UserInfoURL string `yaml:"userinfo-url" json:"userinfo-url"`

	// RedirectURI is the registered redirect target for the login flow.
	RedirectURI string `yaml:"redirect-uri" json:"redirect-uri"`

	// Scope is the space-separated scope string requested at login.
	Scope string `yaml:"scope" json:"scope"`

	// LoginClientID is the primary client identity used for the standard
	// login flow.
	LoginClientID string `yaml:"login-client-id" json:"login-client-id"`

	// StepUpClientID is the client identity used for the step-up (email OTP)
	// flow. Tokens produced by it must be refreshed under the same identity.
	StepUpClientID string `yaml:"stepup-client-id" json:"stepup-client-id"`
}

// ResourceConfig describes the APIM/MCP gateway the authorized proxy fronts.
type ResourceConfig struct {
	// BaseURL is the upstream base URL; /api/*path is appended to it.
	BaseURL string `yaml:"base-url" json:"base-url"`
}

// SessionConfig configures where session state is persisted.
type SessionConfig struct {
	// Dir is the directory session JSON files are written to. Empty disables
	// file persistence and sessions live in memory only.
	Dir string `yaml:"dir" json:"dir"`

	// PostgresDSN optionally enables the Postgres-backed session record
	// store; file persistence keeps working as a local mirror.
	PostgresDSN string `yaml:"postgres-dsn" json:"postgres-dsn"`

	// IdleMinutes is how long an HTTP-facade session may stay idle before it
	// is evicted. <= 0 uses the default of 30 minutes.
	IdleMinutes int `yaml:"idle-minutes" json:"idle-minutes"`
}

// LoggingConfig configures rotating file output in addition to stdout.
type LoggingConfig struct {
	// Dir is the directory rotated log files are written to. Empty keeps
	// logging on stdout only.
	Dir string `yaml:"dir" json:"dir"`

	// MaxSizeMB caps a single log file before rotation. <= 0 uses 20.
	MaxSizeMB int `yaml:"max-size-mb" json:"max-size-mb"`

	// MaxBackups caps the number of rotated files kept. <= 0 uses 5.
	MaxBackups int `yaml:"max-backups" json:"max-backups"`
}

// LoadConfig reads and parses the YAML configuration file at the given path.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed: %w", configFile, err)
	}

	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", configFile, err)
	}

	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8317
	}
	if c.Provider.Scope == "" {
		c.Provider.Scope = "openid profile"
	}
	if c.Session.IdleMinutes <= 0 {
		c.Session.IdleMinutes = 30
	}
	if c.Session.Dir != "" {
		c.Session.Dir = expandHome(c.Session.Dir)
	}
	if c.Logging.Dir != "" {
		c.Logging.Dir = expandHome(c.Logging.Dir)
	}
}

func (c *Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Provider.AuthorizeURL) == "" {
		missing = append(missing, "provider.authorize-url")
	}
	if strings.TrimSpace(c.Provider.TokenURL) == "" {
		missing = append(missing, "provider.token-url")
	}
	if strings.TrimSpace(c.Provider.RedirectURI) == "" {
		missing = append(missing, "provider.redirect-uri")
	}
	if strings.TrimSpace(c.Provider.LoginClientID) == "" {
		missing = append(missing, "provider.login-client-id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}
