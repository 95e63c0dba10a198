// Package config handles Attache configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./attache.yaml, ~/.config/attache/attache.yaml, /etc/attache/attache.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"attache.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "attache", "attache.yaml"))
	}

	paths = append(paths, "/etc/attache/attache.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Attache configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Store    StoreConfig    `yaml:"store"`
	CRM      CRMConfig      `yaml:"crm"`
	Model    ModelConfig    `yaml:"model"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Admin    AdminConfig    `yaml:"admin"`
	Session  SessionConfig  `yaml:"session"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StoreConfig defines the durable store settings.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults to "attache.db".
	Path string `yaml:"path"`
}

// CRMConfig defines the remote CRM connection.
type CRMConfig struct {
	// URL is the CRM base URL. The tool endpoint is URL + "/mcp".
	URL string `yaml:"url"`
	// AuthSecret is the shared secret attached to email-code auth tool
	// calls made on behalf of users who have no credential yet.
	AuthSecret string `yaml:"auth_secret"`
	// Homepage is shown to users in the agent's instructions.
	Homepage string `yaml:"homepage"`
}

// ModelConfig defines the language-model service settings.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Defaults to the public API endpoint
	Name    string `yaml:"name"`     // Model name, e.g. "gpt-4o"
}

// WhatsAppConfig defines the WhatsApp Business Cloud API settings.
type WhatsAppConfig struct {
	// VerifyToken must match the hub.verify_token Meta sends on
	// webhook subscription.
	VerifyToken string `yaml:"verify_token"`
	// AccessToken authorizes outbound Graph API sends.
	AccessToken string `yaml:"access_token"`
	// PhoneNumberID is the sending phone number's Graph resource id.
	PhoneNumberID string `yaml:"phone_number_id"`
}

// AdminConfig defines the privileged operations surface.
type AdminConfig struct {
	// Secret is the bearer token required by /sendMessage and /admin routes.
	Secret string `yaml:"secret"`
}

// SessionConfig tunes conversation continuity behavior.
type SessionConfig struct {
	// StaleAfter is how long a conversation can be idle before the next
	// inbound message starts a fresh model exchange. Default 24h.
	StaleAfter time.Duration `yaml:"stale_after"`
	// MaxRounds bounds the number of model turns per inbound message.
	// Default 10.
	MaxRounds int `yaml:"max_rounds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Store:  StoreConfig{Path: "attache.db"},
		Model:  ModelConfig{Name: "gpt-4o"},
		Session: SessionConfig{
			StaleAfter: 24 * time.Hour,
			MaxRounds:  10,
		},
	}
}
