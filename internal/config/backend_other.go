//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "shoppilot")
}

// SecretStoreLocation describes where secrets are kept.
func SecretStoreLocation() string {
	return secretsFilePath()
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "shoppilot", "config.json")
}

// fileBackend keeps settings in a JSON document grouped by section:
//
//	{"server": {"port": 4100}, "api": {"base_url": "https://..."}}
type fileBackend struct {
	path     string
	sections map[string]map[string]any
}

func newPlatformBackend() Backend {
	return openFileBackend(configFilePath())
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, sections: make(map[string]map[string]any)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := json.Unmarshal(data, &b.sections); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		b.sections = make(map[string]map[string]any)
	}
	return b
}

func splitKey(key string) (section, name string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, name
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	section, name := splitKey(key)
	v, ok := b.sections[section][name]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	default:
		return "", true, fmt.Errorf("unsupported value %v", v)
	}
}

func (b *fileBackend) Store(key, raw string, kind valueKind) error {
	var v any = raw
	switch kind {
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		v = n
	case kindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v = f
	}
	section, name := splitKey(key)
	if b.sections[section] == nil {
		b.sections[section] = make(map[string]any)
	}
	b.sections[section][name] = v
	return b.save()
}

func (b *fileBackend) Remove(key string) error {
	section, name := splitKey(key)
	if _, ok := b.sections[section][name]; !ok {
		return nil
	}
	delete(b.sections[section], name)
	if len(b.sections[section]) == 0 {
		delete(b.sections, section)
	}
	return b.save()
}

func (b *fileBackend) save() error {
	data, err := json.MarshalIndent(b.sections, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data via a temp file in the same
// directory, creating the directory if needed.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
