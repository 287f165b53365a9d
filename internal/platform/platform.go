// Package platform holds the per-OS display adapters. Exactly one is
// compiled into a build; other systems get a stub that reports
// display.ErrUnsupportedPlatform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"displayconfig/display"
)

// New returns this build's display adapter. It does not register for
// notifications until Subscribe is called.
func New() (display.Adapter, error) {
	return newAdapter()
}

// ErrLoopEnded is returned by Loop when the native notification loop stopped
// without the adapter being closed.
var ErrLoopEnded = errors.New("display notification loop ended")

// waitLoop blocks until ctx is done or the native loop goroutine closes done.
// A loop that ended on its own is reported through result.
func waitLoop(ctx context.Context, done <-chan struct{}, result func() error) error {
	if done == nil {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return result()
	}
}

// loopExit classifies how a GetMessage loop returned. A closed adapter ends
// cleanly; anything else is a lost notification source.
func loopExit(closed bool, ret int32, err error) error {
	if closed {
		return nil
	}
	if ret < 0 {
		return fmt.Errorf("%w: GetMessage: %v", ErrLoopEnded, err)
	}
	return fmt.Errorf("%w: unexpected WM_QUIT", ErrLoopEnded)
}

// source is one desktop source (a Windows adapter output) together with the
// monitors that show it.
type source struct {
	Device   string
	Origin   display.Point
	Size     display.Size
	Primary  bool
	Monitors []string
}

// snapshotsFromSources flattens sources into per-monitor snapshots. All
// monitors of one source share its geometry; every monitor after the first
// duplicates the first and is reported mirrored. A source without a monitor
// device is identified by its device name.
func snapshotsFromSources(sources []source) []display.Snapshot {
	var snaps []display.Snapshot
	for _, src := range sources {
		ids := src.Monitors
		if len(ids) == 0 {
			ids = []string{src.Device}
		}
		for i, id := range ids {
			snaps = append(snaps, display.Snapshot{
				ID:       normalizeID(id),
				Origin:   src.Origin,
				Size:     src.Size,
				Mirrored: i > 0,
				Primary:  src.Primary && i == 0,
			})
		}
	}
	return snaps
}

// normalizeID lower-cases device interface paths. Windows reports the same
// path with different casing from EnumDisplayDevices and from device
// broadcasts.
func normalizeID(path string) display.Identity {
	return display.Identity(strings.ToLower(strings.TrimSpace(path)))
}
