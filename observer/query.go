package observer

import (
	"fmt"

	"displayconfig/display"
	"displayconfig/internal/platform"
)

// GetDisplays enumerates the current displays directly from the platform
func GetDisplays() ([]display.Snapshot, error) {
	adapter, err := platform.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", display.ErrSetup, err)
	}
	defer adapter.Close()

	set, err := adapter.Enumerate()
	if err != nil {
		return nil, err
	}
	return set.Snapshots(), nil
}

// GetDisplay reads one display directly from the platform. The error wraps
// display.ErrNotFound when no live display has that identity.
func GetDisplay(id display.Identity) (display.Snapshot, error) {
	adapter, err := platform.New()
	if err != nil {
		return display.Snapshot{}, fmt.Errorf("%w: %v", display.ErrSetup, err)
	}
	defer adapter.Close()

	return adapter.Attributes(id)
}
