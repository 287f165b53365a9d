//go:build !windows && !darwin

package platform

import "displayconfig/display"

func newAdapter() (display.Adapter, error) {
	return nil, display.ErrUnsupportedPlatform
}
