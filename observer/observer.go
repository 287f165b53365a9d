// Package observer delivers display topology changes to a single callback.
//
// An Observer caches the last enumeration, re-diffs it on every raw platform
// signal the tracker accepts, invokes the callback once per event in diff
// order, and only then swaps in the new enumeration. Cycles never overlap.
//
//	obs, err := observer.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	obs.SetCallback(func(m display.MayBeDisplayAvailable) {
//	    fmt.Println(m.Event)
//	})
//	err = obs.Run(ctx)
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"displayconfig/display"
	"displayconfig/internal/platform"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned by operations on a stopped Observer
	ErrStopped = errors.New("observer stopped")

	// ErrAlreadyRunning is returned when Run is called while a Run is active
	ErrAlreadyRunning = errors.New("observer already running")
)

// State is the lifecycle state of an Observer
type State int

const (
	Uninitialized State = iota
	Ready
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Callback receives one event per call
type Callback func(display.MayBeDisplayAvailable)

type options struct {
	log      zerolog.Logger
	policy   tracker.Policy
	callback Callback
}

// Option configures an Observer
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPolicy overrides the signal policy the adapter suggests
func WithPolicy(p tracker.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCallback registers the callback before the first signal can arrive
func WithCallback(fn Callback) Option {
	return func(o *options) { o.callback = fn }
}

// Observer owns the snapshot cache and the callback for one adapter
type Observer struct {
	adapter display.Adapter
	tracker *tracker.Tracker
	log     zerolog.Logger

	// cycleMu serializes diff cycles
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	cache    display.Set
	callback Callback
	stop     chan struct{}
}

// New creates an Observer on this platform's display backend
func New(opts ...Option) (*Observer, error) {
	adapter, err := platform.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", display.ErrSetup, err)
	}
	return NewWithAdapter(adapter, opts...)
}

// NewWithAdapter creates an Observer on adapter. It enumerates the current
// displays as the baseline and subscribes to raw signals; on failure the
// adapter is closed.
func NewWithAdapter(adapter display.Adapter, opts ...Option) (*Observer, error) {
	cfg := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	policy := cfg.policy
	if policy == nil {
		if pp, ok := adapter.(display.PolicyProvider); ok {
			policy = tracker.PolicyByName(pp.PolicyName())
		}
	}

	o := &Observer{
		adapter:  adapter,
		tracker:  tracker.New(adapter, policy, cfg.log),
		log:      cfg.log.With().Str("component", "observer").Logger(),
		state:    Uninitialized,
		callback: cfg.callback,
		stop:     make(chan struct{}),
	}

	baseline, err := adapter.Enumerate()
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("%w: initial enumeration: %v", display.ErrSetup, err)
	}
	o.cache = baseline
	o.tracker.Seed(baseline)

	if err := adapter.Subscribe(o.onSignal); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", display.ErrSetup, err)
	}

	o.state = Ready
	o.log.Info().
		Int("displays", baseline.Len()).
		Str("policy", o.tracker.Policy().Name()).
		Msg("Display observer ready")
	return o, nil
}

// SetCallback registers fn, replacing any previous callback. A cycle that is
// already dispatching finishes with the callback it started with.
func (o *Observer) SetCallback(fn Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callback = fn
}

// RemoveCallback clears the callback. Events are still computed and the
// cache still advances.
func (o *Observer) RemoveCallback() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callback = nil
}

// State returns the lifecycle state
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Displays returns the cached enumeration
func (o *Observer) Displays() display.Set {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache
}

// LastKnown returns the latest snapshot observed for id, including displays
// that have since been removed.
func (o *Observer) LastKnown(id display.Identity) (display.Snapshot, bool) {
	return o.tracker.LastKnown(id)
}

// PreviousSize returns the resolution id had before its last resolution change
func (o *Observer) PreviousSize(id display.Identity) (display.Size, bool) {
	return o.tracker.PreviousSize(id)
}

// Stats returns the tracker counters
func (o *Observer) Stats() tracker.Stats {
	return o.tracker.Stats()
}

// Query reads id directly from the platform, bypassing the cache
func (o *Observer) Query(id display.Identity) (display.Snapshot, error) {
	if o.State() == Stopped {
		return display.Snapshot{}, ErrStopped
	}
	return o.adapter.Attributes(id)
}

func (o *Observer) onSignal(sig display.RawSignal) {
	if err := o.HandleSignal(sig); err != nil && !errors.Is(err, ErrStopped) {
		o.log.Warn().Err(err).Str("source", string(sig.Source)).Msg("Display change cycle skipped")
	}
}

// HandleSignal runs one diff cycle for sig. Hosts that drive their own event
// loop call it for each raw signal; the adapter subscription calls it too.
// Callers must not invoke it concurrently from several threads if they care
// about arrival order; overlapping calls are serialized, not reordered.
//
// A failed enumeration delivers nothing and leaves the cache untouched.
func (o *Observer) HandleSignal(sig display.RawSignal) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.mu.Lock()
	if o.state == Stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	cached := o.cache
	cb := o.callback
	o.mu.Unlock()

	res, err := o.tracker.OnRawSignal(sig, cached)
	if errors.Is(err, tracker.ErrIgnored) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, m := range res.Events {
		o.log.Debug().
			Str("event", m.Event.Kind.String()).
			Str("id", string(m.Event.ID)).
			Bool("available", m.Available()).
			Msg("Display event")
		if cb != nil {
			cb(m)
		}
	}

	// Stop during dispatch discards the cycle's cache and history.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Stopped {
		o.cache = res.Set
		o.tracker.Commit(res)
	}
	return nil
}

// Run marks the Observer running and blocks until ctx is done or Stop is
// called. Adapters that need a native loop pumped on the calling thread get
// it here; elsewhere signals arrive on the adapter's own thread. Returning
// because ctx ended leaves the Observer Ready. A native loop failure stops
// the Observer and is returned.
func (o *Observer) Run(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case Running:
		o.mu.Unlock()
		return ErrAlreadyRunning
	case Stopped:
		o.mu.Unlock()
		return ErrStopped
	}
	o.state = Running
	stop := o.stop
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	o.log.Info().Msg("Display observer running")

	var err error
	if looper, ok := o.adapter.(display.Looper); ok {
		err = looper.Loop(ctx)
	} else {
		<-ctx.Done()
	}

	if err != nil {
		o.log.Error().Err(err).Msg("Display event loop failed")
		o.Stop()
		return fmt.Errorf("display event loop failed: %w", err)
	}

	o.mu.Lock()
	if o.state == Running {
		o.state = Ready
	}
	o.mu.Unlock()
	return nil
}

// Stop shuts the Observer down for good. A cycle already dispatching
// completes; no later signal is processed. Stop is idempotent.
func (o *Observer) Stop() error {
	o.mu.Lock()
	if o.state == Stopped {
		o.mu.Unlock()
		return nil
	}
	o.state = Stopped
	o.callback = nil
	o.cache = display.Set{}
	close(o.stop)
	o.mu.Unlock()

	o.log.Info().Msg("Display observer stopped")
	return o.adapter.Close()
}
