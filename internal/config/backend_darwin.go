//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "app.qnb.shoppilot"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "shoppilot")
	}
	return "shoppilot-data"
}

// SecretStoreLocation describes where secrets are kept.
func SecretStoreLocation() string {
	return "macOS Keychain (service: " + keychainService + ")"
}

// defaultsBackend stores settings in UserDefaults through the `defaults`
// tool, typed by kind so the values stay readable in `defaults read`.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

// missingKey reports the exit status `defaults` uses for an absent key.
func missingKey(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	if missingKey(err) {
		return "", false, nil
	}
	raw := strings.TrimSpace(string(out))
	if err != nil {
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, raw)
	}
	return raw, true, nil
}

func (b defaultsBackend) Store(key, raw string, kind valueKind) error {
	flag := "-string"
	switch kind {
	case kindInt:
		flag = "-int"
	case kindFloat:
		flag = "-float"
	}
	if out, err := exec.Command("defaults", "write", b.domain, key, flag, raw).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Remove(key string) error {
	err := exec.Command("defaults", "delete", b.domain, key).Run()
	if err != nil && !missingKey(err) {
		return fmt.Errorf("defaults delete %s: %w", key, err)
	}
	return nil
}
