package display

import "errors"

var (
	// ErrSetup is returned when the platform backend cannot be initialized
	ErrSetup = errors.New("display backend setup failed")

	// ErrEnumeration is returned when a single enumeration of the active displays fails
	ErrEnumeration = errors.New("display enumeration failed")

	// ErrNotFound is returned when no live display has the requested identity
	ErrNotFound = errors.New("display not found")

	// ErrUnsupportedPlatform is returned when the build has no display backend
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)
