package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// valueKind is how a setting is stored by a Backend.
type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
)

const envPrefix = "SHOPPILOT_"

// setting binds one dotted config key to a Config field. parse validates a
// raw value and returns the setter; format renders the current value.
type setting struct {
	key    string
	kind   valueKind
	secret bool
	parse  func(raw string) (func(*Config), error)
	format func(Config) string
}

// env returns the override variable, e.g. api.base_url -> SHOPPILOT_API_BASE_URL.
func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

func stringSetting(key string, field func(*Config) *string, check func(string) error) setting {
	return setting{
		key:  key,
		kind: kindString,
		parse: func(raw string) (func(*Config), error) {
			raw = strings.TrimSpace(raw)
			if check != nil {
				if err := check(raw); err != nil {
					return nil, err
				}
			}
			return func(cfg *Config) { *field(cfg) = raw }, nil
		},
		format: func(cfg Config) string { return *field(&cfg) },
	}
}

func intSetting(key string, field func(*Config) *int, min, max int) setting {
	return setting{
		key:  key,
		kind: kindInt,
		parse: func(raw string) (func(*Config), error) {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", raw)
			}
			if n < min || n > max {
				return nil, fmt.Errorf("%d is out of range [%d, %d]", n, min, max)
			}
			return func(cfg *Config) { *field(cfg) = n }, nil
		},
		format: func(cfg Config) string { return strconv.Itoa(*field(&cfg)) },
	}
}

func floatSetting(key string, field func(*Config) *float64, min float64) setting {
	return setting{
		key:  key,
		kind: kindFloat,
		parse: func(raw string) (func(*Config), error) {
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", raw)
			}
			if f < min {
				return nil, fmt.Errorf("%v is below the minimum %v", f, min)
			}
			return func(cfg *Config) { *field(cfg) = f }, nil
		},
		format: func(cfg Config) string { return strconv.FormatFloat(*field(&cfg), 'f', -1, 64) },
	}
}

func nonEmpty(v string) error {
	if v == "" {
		return fmt.Errorf("value must not be empty")
	}
	return nil
}

func httpURL(v string) error {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("%q is not an http(s) URL", v)
	}
	return nil
}

func logLevel(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q (debug, info, warn, error)", v)
}

var settings = []setting{
	intSetting("server.port", func(c *Config) *int { return &c.Server.Port }, 1, 65535),
	stringSetting("api.base_url", func(c *Config) *string { return &c.API.BaseURL }, httpURL),
	intSetting("api.timeout_seconds", func(c *Config) *int { return &c.API.TimeoutSeconds }, 1, 600),
	floatSetting("api.rate_limit", func(c *Config) *float64 { return &c.API.RateLimit }, 0),
	stringSetting("storage.data_dir", func(c *Config) *string { return &c.Storage.DataDir }, nonEmpty),
	stringSetting("state.tab_id", func(c *Config) *string { return &c.State.TabID }, nonEmpty),
	intSetting("identity.poll_seconds", func(c *Config) *int { return &c.Identity.PollSeconds }, 1, 3600),
	stringSetting("bus.redis_addr", func(c *Config) *string { return &c.Bus.RedisAddr }, nil),
	stringSetting("bus.redis_channel", func(c *Config) *string { return &c.Bus.RedisChannel }, nonEmpty),
	stringSetting("log.level", func(c *Config) *string { return &c.Log.Level }, logLevel),
	secretSetting("auth.token", func(c *Config) *string { return &c.Auth.Token }),
}

// secretSetting is read from the environment or the secret store only.
func secretSetting(key string, field func(*Config) *string) setting {
	s := stringSetting(key, field, nil)
	s.secret = true
	return s
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// applyBackend copies stored values into cfg. A stored value that fails
// validation is reported and the default kept.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range settings {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		set, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring config key %s: %v. Using default value.\n", s.key, err)
			continue
		}
		set(cfg)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range settings {
		raw := os.Getenv(s.env())
		if raw == "" {
			continue
		}
		set, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring env var %s: %v. Using configured value.\n", s.env(), err)
			continue
		}
		set(cfg)
	}
}
