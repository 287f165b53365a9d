//go:build darwin

package platform

/*
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation
#include <CoreGraphics/CoreGraphics.h>
#include <CoreFoundation/CoreFoundation.h>
#include <stdint.h>

// Forward declaration of the exported Go callback
void displayReconfigured(CGDirectDisplayID display, CGDisplayChangeSummaryFlags flags, void *userInfo);

static inline CGError registerReconfiguration(uintptr_t handle) {
    return CGDisplayRegisterReconfigurationCallback(
        (CGDisplayReconfigurationCallBack)displayReconfigured, (void*)handle);
}

static inline CGError removeReconfiguration(uintptr_t handle) {
    return CGDisplayRemoveReconfigurationCallback(
        (CGDisplayReconfigurationCallBack)displayReconfigured, (void*)handle);
}

// Runs the current thread's run loop for at most seconds. Returns non-zero
// when the run loop has no sources and returned immediately.
static inline int runLoopSlice(double seconds) {
    return CFRunLoopRunInMode(kCFRunLoopDefaultMode, seconds, false) == kCFRunLoopRunFinished;
}
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/cgo"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"displayconfig/display"
	"displayconfig/tracker"
)

const maxDisplays = 32

// Run loop slice length; Loop checks its context between slices.
const loopSlice = 250 * time.Millisecond

type darwinAdapter struct {
	mu         sync.Mutex
	handler    func(display.RawSignal)
	handle     cgo.Handle
	registered bool
	closed     bool
}

func newAdapter() (display.Adapter, error) {
	return &darwinAdapter{}, nil
}

func (a *darwinAdapter) PolicyName() string { return tracker.PolicyMacOS }

//export displayReconfigured
func displayReconfigured(id C.CGDirectDisplayID, flags C.CGDisplayChangeSummaryFlags, userInfo unsafe.Pointer) {
	h := cgo.Handle(uintptr(userInfo))
	a, ok := h.Value().(*darwinAdapter)
	if !ok {
		return
	}
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	handler(display.RawSignal{
		Source: display.SourceReconfiguration,
		Flags:  uint32(flags),
		Hint:   identityOf(id),
	})
}

func identityOf(id C.CGDirectDisplayID) display.Identity {
	return display.Identity(strconv.FormatUint(uint64(id), 10))
}

func (a *darwinAdapter) Enumerate() (display.Set, error) {
	var ids [maxDisplays]C.CGDirectDisplayID
	var count C.uint32_t
	if e := C.CGGetOnlineDisplayList(maxDisplays, &ids[0], &count); e != C.kCGErrorSuccess {
		return display.Set{}, fmt.Errorf("%w: CGGetOnlineDisplayList returned %d", display.ErrEnumeration, int(e))
	}

	snaps := make([]display.Snapshot, 0, int(count))
	for _, id := range ids[:count] {
		snaps = append(snaps, snapshotOf(id))
	}
	return display.NewSet(snaps...), nil
}

func snapshotOf(id C.CGDirectDisplayID) display.Snapshot {
	b := C.CGDisplayBounds(id)
	return display.Snapshot{
		ID:       identityOf(id),
		Origin:   display.Point{X: int(b.origin.x), Y: int(b.origin.y)},
		Size:     display.Size{Width: int(b.size.width), Height: int(b.size.height)},
		Mirrored: C.CGDisplayMirrorsDisplay(id) != 0,
		Primary:  C.CGDisplayIsMain(id) != 0,
	}
}

func (a *darwinAdapter) Attributes(id display.Identity) (display.Snapshot, error) {
	n, err := strconv.ParseUint(string(id), 10, 32)
	if err != nil {
		return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
	}
	did := C.CGDirectDisplayID(n)
	if C.CGDisplayIsOnline(did) == 0 {
		return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
	}
	return snapshotOf(did), nil
}

func (a *darwinAdapter) Subscribe(handler func(display.RawSignal)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.New("adapter closed")
	}
	a.handler = handler
	if a.registered {
		return nil
	}

	a.handle = cgo.NewHandle(a)
	if e := C.registerReconfiguration(C.uintptr_t(a.handle)); e != C.kCGErrorSuccess {
		a.handle.Delete()
		return fmt.Errorf("%w: CGDisplayRegisterReconfigurationCallback returned %d", display.ErrSetup, int(e))
	}
	a.registered = true
	return nil
}

// Loop runs the calling thread's run loop until ctx is done. Reconfiguration
// callbacks are delivered from a run loop, so a process without another one
// (AppKit, systray) must call Loop, usually from the main goroutine.
func (a *darwinAdapter) Loop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	seconds := C.double(loopSlice.Seconds())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if C.runLoopSlice(seconds) != 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(loopSlice):
			}
		}
	}
}

func (a *darwinAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.handler = nil
	if a.registered {
		C.removeReconfiguration(C.uintptr_t(a.handle))
		a.handle.Delete()
		a.registered = false
	}
	return nil
}
