package display

import "context"

// SignalSource names the native mechanism that produced a RawSignal
type SignalSource string

const (
	// SourceWindowMessage is a window message delivered to the hidden
	// notification window (Windows).
	SourceWindowMessage SignalSource = "window_message"

	// SourceReconfiguration is a display reconfiguration callback (macOS).
	SourceReconfiguration SignalSource = "reconfiguration"

	// SourceSynthetic is produced by scripted or test adapters.
	SourceSynthetic SignalSource = "synthetic"

	// SourceRemote is a change relayed from another host's event stream.
	SourceRemote SignalSource = "remote"
)

// RawSignal is a low-information notification that the display configuration
// changed. Code and Flags carry the native payload (window message and wParam
// on Windows, zero and CGDisplayChangeSummaryFlags on macOS); Hint names the
// display the OS attributed the change to, when it did.
type RawSignal struct {
	Source SignalSource
	Code   uint32
	Flags  uint32
	Hint   Identity
}

// Adapter is the capability a platform backend provides. There is exactly one
// implementation per target OS, selected at build time.
type Adapter interface {
	// Enumerate returns every display the OS currently reports. It either
	// succeeds completely or returns an error wrapping ErrEnumeration.
	Enumerate() (Set, error)

	// Attributes reads one display directly from the OS, returning an error
	// wrapping ErrNotFound when it no longer exists.
	Attributes(id Identity) (Snapshot, error)

	// Subscribe registers the single recipient of raw signals. Signals are
	// delivered one at a time.
	Subscribe(handler func(RawSignal)) error

	// Close unsubscribes and releases native resources.
	Close() error
}

// Looper is implemented by adapters that need the caller to pump a native
// event loop on the current thread. Loop blocks until ctx is done.
type Looper interface {
	Loop(ctx context.Context) error
}

// PolicyProvider is implemented by adapters that know which raw-signal
// normalization their platform needs. The value names a tracker policy.
type PolicyProvider interface {
	PolicyName() string
}
