// Package autostart starts displaywatch on login.
package autostart

import (
	"fmt"
	"os"
)

// Name identifies the login entry on every platform
const Name = "displaywatch"

// Enable registers the running executable, with args, to start on login
func Enable(args ...string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	return enable(execPath, args)
}

// Disable removes the login entry. It is not an error if there is none.
func Disable() error {
	return disable()
}

// IsEnabled checks if auto-start is enabled
func IsEnabled() bool {
	return isEnabled()
}
