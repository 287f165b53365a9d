package display

import "fmt"

// EventKind classifies a change to one display
type EventKind int

const (
	Added EventKind = iota + 1
	Removed
	Mirrored
	UnMirrored
	ResolutionChanged
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Mirrored:
		return "mirrored"
	case UnMirrored:
		return "unmirrored"
	case ResolutionChanged:
		return "resolution_changed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name
func (k EventKind) MarshalText() ([]byte, error) {
	if k < Added || k > ResolutionChanged {
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name produced by MarshalText
func (k *EventKind) UnmarshalText(text []byte) error {
	for c := Added; c <= ResolutionChanged; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(text))
}

// Event is one semantic change. It only names the display; the current
// attributes travel separately in MayBeDisplayAvailable.
type Event struct {
	Kind EventKind `json:"kind"`
	ID   Identity  `json:"id"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.ID)
}

// MayBeDisplayAvailable pairs an Event with the display's current snapshot.
// Display is nil exactly when the event is Removed: by the time the signal is
// processed the OS no longer enumerates the display.
type MayBeDisplayAvailable struct {
	Event   `json:"event"`
	Display *Snapshot `json:"display,omitempty"`
}

// Available reports whether a snapshot is attached
func (m MayBeDisplayAvailable) Available() bool {
	return m.Display != nil
}

// Attach looks up the snapshot for ev in current. Removed events never get a
// snapshot, and neither does an identity missing from current.
func Attach(ev Event, current Set) MayBeDisplayAvailable {
	m := MayBeDisplayAvailable{Event: ev}
	if ev.Kind == Removed {
		return m
	}
	if snap, ok := current.Get(ev.ID); ok {
		m.Display = &snap
	}
	return m
}

// AttachAll applies Attach to every event, preserving order.
func AttachAll(events []Event, current Set) []MayBeDisplayAvailable {
	out := make([]MayBeDisplayAvailable, 0, len(events))
	for _, ev := range events {
		out = append(out, Attach(ev, current))
	}
	return out
}

// Apply returns set with one event applied, for consumers that follow a
// display list through its events instead of enumerating. Removals drop the
// identity; every other kind replaces or appends the attached snapshot.
func Apply(set Set, ev MayBeDisplayAvailable) Set {
	snaps := set.Snapshots()
	if ev.Kind == Removed {
		out := snaps[:0]
		for _, s := range snaps {
			if s.ID != ev.ID {
				out = append(out, s)
			}
		}
		return NewSet(out...)
	}
	if !ev.Available() {
		return set
	}
	return NewSet(append(snaps, *ev.Display)...)
}
