package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret setting with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(settings))
	for _, s := range settings {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env(), Value: s.format(cfg)})
	}
	return result
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func settableKey(key string) (setting, error) {
	s, ok := lookupSetting(key)
	if !ok {
		return setting{}, fmt.Errorf("unknown config key: %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return setting{}, fmt.Errorf("cannot set secret %q via config; use `shoppilot auth login` or %s", key, s.env())
	}
	return s, nil
}

func setKey(b Backend, key, value string) error {
	s, err := settableKey(key)
	if err != nil {
		return err
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Store(key, strings.TrimSpace(value), s.kind)
}

func unsetKey(b Backend, key string) error {
	if _, err := settableKey(key); err != nil {
		return err
	}
	return b.Remove(key)
}

// ValidKeys returns the names of the settable keys.
func ValidKeys() []string {
	var keys []string
	for _, s := range settings {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
