package config

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	keychainService    = "shoppilot"
	authTokenAccount   = "auth_token"
	bridgeTokenAccount = "bridge_token"
)

// ErrSecretNotFound is returned when the secret store holds no such entry.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainReader{}
}

// GetBridgeToken returns the bearer token guarding the local bridge,
// generating and storing one on first use.
func GetBridgeToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, bridgeTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := kc.Set(keychainService, bridgeTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing bridge token: %w", err)
	}
	return tok, nil
}

// SetAuthToken stores the remote API token. An empty token signs out.
func SetAuthToken(kc Keychain, token string) error {
	if err := kc.Set(keychainService, authTokenAccount, token); err != nil {
		return fmt.Errorf("storing auth token: %w", err)
	}
	return nil
}

// AuthToken reads the remote API token from the secret store. A missing
// entry is an empty token, not an error. Used by the identity watcher, which
// re-reads it on every poll.
func AuthToken(kc Keychain) (string, error) {
	tok, err := kc.Get(keychainService, authTokenAccount)
	if errors.Is(err, ErrSecretNotFound) {
		return "", nil
	}
	return tok, err
}
