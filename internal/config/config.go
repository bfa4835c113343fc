package config

import (
	"strings"
)

type Config struct {
	Server   ServerConfig
	API      APIConfig
	Storage  StorageConfig
	State    StateConfig
	Identity IdentityConfig
	Bus      BusConfig
	Log      LogConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int
}

// APIConfig points at the remote shopping API.
type APIConfig struct {
	BaseURL        string
	TimeoutSeconds int
	RateLimit      float64 // requests per second, 0 disables throttling
}

type StorageConfig struct {
	DataDir string
}

// StateConfig selects the persisted comparison workspace.
type StateConfig struct {
	TabID string
}

type IdentityConfig struct {
	PollSeconds int
}

// BusConfig enables cross-instance event fan-out when RedisAddr is set.
type BusConfig struct {
	RedisAddr    string
	RedisChannel string
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
			RateLimit:      10,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		State: StateConfig{
			TabID: "default",
		},
		Identity: IdentityConfig{
			PollSeconds: 2,
		},
		Bus: BusConfig{
			RedisChannel: "shoppilot:events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: app.qnb.shoppilot) and the
// auth token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/shoppilot/config.json
// and the auth token falls back to the secrets file.
//
// Environment variables (SHOPPILOT_*) override backend values on all platforms.
// A missing auth token is not an error: the daemon runs signed out.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.Token == "" {
		if tok, err := kc.Get(keychainService, authTokenAccount); err == nil && tok != "" {
			cfg.Auth.Token = tok
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainReader) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
