//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretsFilePath is the fallback secret store for platforms without a
// keychain. Only the owner may read it.
func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "shoppilot", "secrets.json")
}

func readSecrets(p string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets(secretsFilePath())
	if os.IsNotExist(err) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()

	secrets, err := readSecrets(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	if value == "" {
		delete(secrets[service], account)
	} else {
		secrets[service][account] = value
	}

	if len(secrets[service]) == 0 {
		delete(secrets, service)
	}

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}
