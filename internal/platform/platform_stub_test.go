//go:build !windows && !darwin

package platform

import (
	"testing"

	"displayconfig/display"

	"github.com/stretchr/testify/assert"
)

func TestNewUnsupported(t *testing.T) {
	adapter, err := New()
	assert.Nil(t, adapter)
	assert.ErrorIs(t, err, display.ErrUnsupportedPlatform)
}
