// Package tracker decides when a raw display notification warrants a new
// diff cycle and owns the history the notifications themselves cannot carry.
package tracker

import (
	"errors"
	"fmt"
	"sync"

	"displayconfig/display"

	"github.com/rs/zerolog"
)

// ErrIgnored is returned for signals the policy filters out
var ErrIgnored = errors.New("signal ignored by policy")

// Result is the outcome of one diff cycle. Set is the enumeration the events
// were computed against and becomes the next cache once the events have been
// dispatched.
type Result struct {
	Signal display.RawSignal
	Events []display.MayBeDisplayAvailable
	Set    display.Set
}

// Stats counts tracker activity
type Stats struct {
	Accepted int `json:"accepted"`
	Ignored  int `json:"ignored"`
	Failed   int `json:"failed"`
	Events   int `json:"events"`
}

// Tracker re-enumerates displays on accepted signals and diffs the result
// against the caller's cache. It keeps the last known snapshot of every
// display it has seen, including ones that are gone.
type Tracker struct {
	adapter display.Adapter
	policy  Policy
	log     zerolog.Logger

	mu        sync.Mutex
	lastKnown map[display.Identity]display.Snapshot
	prevSize  map[display.Identity]display.Size
	stats     Stats
}

// New creates a tracker enumerating through adapter. A nil policy accepts
// every signal.
func New(adapter display.Adapter, policy Policy, log zerolog.Logger) *Tracker {
	if policy == nil {
		policy = AcceptAll{}
	}
	return &Tracker{
		adapter:   adapter,
		policy:    policy,
		log:       log.With().Str("component", "tracker").Str("policy", policy.Name()).Logger(),
		lastKnown: make(map[display.Identity]display.Snapshot),
		prevSize:  make(map[display.Identity]display.Size),
	}
}

// Policy returns the active policy
func (t *Tracker) Policy() Policy {
	return t.policy
}

// OnRawSignal runs one cycle for sig against cached. A failed enumeration
// yields no events; the caller keeps its cache.
func (t *Tracker) OnRawSignal(sig display.RawSignal, cached display.Set) (Result, error) {
	if !t.policy.Accept(sig) {
		t.count(func(s *Stats) { s.Ignored++ })
		t.log.Debug().
			Str("source", string(sig.Source)).
			Uint32("code", sig.Code).
			Uint32("flags", sig.Flags).
			Msg("Ignoring raw signal")
		return Result{Signal: sig}, ErrIgnored
	}

	current, err := t.adapter.Enumerate()
	if err != nil {
		t.count(func(s *Stats) { s.Failed++ })
		if !errors.Is(err, display.ErrEnumeration) {
			err = fmt.Errorf("%w: %v", display.ErrEnumeration, err)
		}
		return Result{Signal: sig}, err
	}

	events := display.Diff(cached, current)
	t.count(func(s *Stats) {
		s.Accepted++
		s.Events += len(events)
	})

	t.log.Debug().
		Str("source", string(sig.Source)).
		Str("hint", string(sig.Hint)).
		Int("displays", current.Len()).
		Int("events", len(events)).
		Msg("Diff cycle complete")

	return Result{
		Signal: sig,
		Events: display.AttachAll(events, current),
		Set:    current,
	}, nil
}

// Commit records res into the history. Call it once the events have been
// dispatched and res.Set has replaced the cache.
func (t *Tracker) Commit(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range res.Events {
		if m.Event.Kind != display.ResolutionChanged {
			continue
		}
		if before, ok := t.lastKnown[m.Event.ID]; ok {
			t.prevSize[m.Event.ID] = before.Size
		}
	}
	t.record(res.Set)
}

// Seed records the baseline enumeration without producing events
func (t *Tracker) Seed(set display.Set) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(set)
}

func (t *Tracker) record(set display.Set) {
	for _, snap := range set.Snapshots() {
		t.lastKnown[snap.ID] = snap
	}
}

// LastKnown returns the most recent snapshot seen for id, even after the
// display was removed.
func (t *Tracker) LastKnown(id display.Identity) (display.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.lastKnown[id]
	return snap, ok
}

// PreviousSize returns the resolution id had before its latest
// ResolutionChanged event.
func (t *Tracker) PreviousSize(id display.Identity) (display.Size, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, ok := t.prevSize[id]
	return size, ok
}

// Stats returns a copy of the counters
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) count(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}
