// Package display defines the display identity and snapshot model, the
// semantic change events, and the diff engine that derives events from two
// enumerations.
package display

import (
	"encoding/json"
	"fmt"
	"image"
)

// Identity is an opaque, platform-defined token that identifies one physical
// display across reconfigurations. On Windows it is the monitor device
// interface path, on macOS the CGDirectDisplayID in decimal.
type Identity string

// Point is a position in global desktop coordinates
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Size is a display resolution in points/pixels
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Snapshot is the observable state of one display at one enumeration instant.
// Snapshots are values; a changed display is a new Snapshot with the same ID.
type Snapshot struct {
	ID       Identity `json:"id"`
	Origin   Point    `json:"origin"`
	Size     Size     `json:"size"`
	Mirrored bool     `json:"mirrored"`
	Primary  bool     `json:"primary"`
}

// Bounds returns the desktop rectangle covered by the display.
func (s Snapshot) Bounds() image.Rectangle {
	return image.Rect(s.Origin.X, s.Origin.Y, s.Origin.X+s.Size.Width, s.Origin.Y+s.Size.Height)
}

func (s Snapshot) String() string {
	flags := ""
	if s.Primary {
		flags += " [primary]"
	}
	if s.Mirrored {
		flags += " [mirrored]"
	}
	return fmt.Sprintf("%s %s @ (%d,%d)%s", s.ID, s.Size, s.Origin.X, s.Origin.Y, flags)
}

// Set maps identities to snapshots and remembers enumeration order.
// A Set is never modified after construction.
type Set struct {
	order []Identity
	byID  map[Identity]Snapshot
}

// NewSet builds a Set from snapshots in enumeration order. A repeated
// identity replaces the earlier snapshot but keeps its position.
func NewSet(snaps ...Snapshot) Set {
	s := Set{
		order: make([]Identity, 0, len(snaps)),
		byID:  make(map[Identity]Snapshot, len(snaps)),
	}
	for _, snap := range snaps {
		if _, ok := s.byID[snap.ID]; !ok {
			s.order = append(s.order, snap.ID)
		}
		s.byID[snap.ID] = snap
	}
	return s
}

// Len returns the number of displays in the set
func (s Set) Len() int {
	return len(s.order)
}

// Get returns the snapshot for id
func (s Set) Get(id Identity) (Snapshot, bool) {
	snap, ok := s.byID[id]
	return snap, ok
}

// Has reports whether id is in the set
func (s Set) Has(id Identity) bool {
	_, ok := s.byID[id]
	return ok
}

// IDs returns the identities in enumeration order.
func (s Set) IDs() []Identity {
	ids := make([]Identity, len(s.order))
	copy(ids, s.order)
	return ids
}

// Snapshots returns the snapshots in enumeration order.
func (s Set) Snapshots() []Snapshot {
	snaps := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		snaps = append(snaps, s.byID[id])
	}
	return snaps
}

// Primary returns the display flagged as primary, if any.
func (s Set) Primary() (Snapshot, bool) {
	for _, id := range s.order {
		if snap := s.byID[id]; snap.Primary {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// Equal reports whether both sets hold the same snapshots. Order is ignored.
func (s Set) Equal(other Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for id, snap := range s.byID {
		o, ok := other.byID[id]
		if !ok || o != snap {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as an array of snapshots in enumeration order.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshots())
}

// UnmarshalJSON decodes an array of snapshots.
func (s *Set) UnmarshalJSON(data []byte) error {
	var snaps []Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return err
	}
	*s = NewSet(snaps...)
	return nil
}
