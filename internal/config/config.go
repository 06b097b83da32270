// Package config provides configuration access for the EasyCLI shell.
// It reads the proxy's config.yaml for the management port and secret key,
// tracks whether the backend is reached locally or remotely, and resolves the
// live connection used for every management API request.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the management port assumed when config.yaml does not set one.
const DefaultPort = 8317

// Config mirrors the subset of the proxy's config.yaml the shell cares about.
type Config struct {
	// Port is the management API port of the local proxy.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the proxy's credential directory.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// RemoteManagement carries the management access settings.
	RemoteManagement RemoteManagement `yaml:"remote-management" json:"remote-management"`
}

// RemoteManagement holds the management API access section of config.yaml.
type RemoteManagement struct {
	// AllowRemote permits management access from non-loopback addresses.
	AllowRemote bool `yaml:"allow-remote" json:"allow-remote"`

	// SecretKey authenticates management API calls.
	SecretKey string `yaml:"secret-key" json:"secret-key"`
}

// AppDir returns the shell's working directory (~/cliproxyapi), creating
// nothing.
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, "cliproxyapi"), nil
}

// DefaultConfigPath returns the default location of the proxy's config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadConfig reads and parses config.yaml from the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	return &cfg, nil
}

// secretKeyCharset matches the alphabet the shell has always used for
// generated management keys.
const secretKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateSecretKey returns a random 32-character management key.
func GenerateSecretKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: failed to generate secret key: %w", err)
	}
	for i, b := range buf {
		buf[i] = secretKeyCharset[int(b)%len(secretKeyCharset)]
	}
	return string(buf), nil
}

// HasSecretKey reports whether config.yaml at path carries a non-empty
// remote-management secret key.
func HasSecretKey(path string) bool {
	cfg, err := LoadConfig(path)
	if err != nil {
		return false
	}
	return cfg.RemoteManagement.SecretKey != ""
}

// SetSecretKey writes secretKey into the remote-management section of
// config.yaml at path, preserving every other key in the file. The file is
// created if missing.
func SetSecretKey(path, secretKey string) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if errUnmarshal := yaml.Unmarshal(data, &doc); errUnmarshal != nil {
			return fmt.Errorf("config: failed to parse %s: %w", path, errUnmarshal)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	section, _ := doc["remote-management"].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	section["secret-key"] = secretKey
	doc["remote-management"] = section

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: failed to serialize %s: %w", path, err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// EnsureSecretKey makes sure config.yaml at path has a management secret key,
// generating and persisting one when absent. It returns the effective key.
func EnsureSecretKey(path string) (string, error) {
	if cfg, err := LoadConfig(path); err == nil && cfg.RemoteManagement.SecretKey != "" {
		return cfg.RemoteManagement.SecretKey, nil
	}
	key, err := GenerateSecretKey()
	if err != nil {
		return "", err
	}
	if err = SetSecretKey(path, key); err != nil {
		return "", err
	}
	return key, nil
}
