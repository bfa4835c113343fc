//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// securityItemNotFound is the exit status of `security` for a missing item.
const securityItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == securityItemNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return out, err
}

func keychainSet(service, account, value string) error {
	if value == "" {
		exec.Command("security", "delete-generic-password", "-s", service, "-a", account).Run()
		return nil
	}
	return exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run()
}
