package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the claude runner is selected without a key.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

var envReplacer = strings.NewReplacer(".", "_")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the Anthropic API key, checking ANTHROPIC_API_KEY first
// and then the config. Bedrock deployments need no key and get "".
func GetAPIKey(cfg *Config) (string, error) {
	key, src := resolveAPIKey(cfg)
	switch src {
	case KeySourceNone:
		return "", ErrNoAPIKey
	default:
		return key, nil
	}
}

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	_, src := resolveAPIKey(cfg)
	return src
}

func resolveAPIKey(cfg *Config) (string, KeySource) {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return "", KeySourceBedrock
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !isEnvReference(key) {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// ValidateAPIKey checks the key's shape without calling the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns the key with everything but its prefix and last four
// characters hidden.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}
