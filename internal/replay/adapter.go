// Package replay provides a scripted display adapter. It stands in for a
// real display subsystem in demos and tests: displays are set explicitly and
// raw signals are emitted on demand or played from a YAML scenario.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"displayconfig/display"

	"github.com/rs/zerolog"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("replay adapter closed")

// Adapter implements display.Adapter over an in-memory display list
type Adapter struct {
	mu       sync.Mutex
	current  display.Set
	failures []error
	handler  func(display.RawSignal)
	closed   bool

	scenario *Scenario
	interval time.Duration
	next     int
	finished chan struct{}
	finish   sync.Once
	log      zerolog.Logger
}

var (
	_ display.Adapter        = (*Adapter)(nil)
	_ display.Looper         = (*Adapter)(nil)
	_ display.PolicyProvider = (*Adapter)(nil)
)

// NewAdapter creates an adapter that initially enumerates initial
func NewAdapter(initial ...display.Snapshot) *Adapter {
	return &Adapter{
		current:  display.NewSet(initial...),
		finished: make(chan struct{}),
		log:      zerolog.Nop(),
	}
}

// NewScenarioAdapter creates an adapter whose Loop plays sc, pausing
// interval between steps.
func NewScenarioAdapter(sc *Scenario, interval time.Duration, log zerolog.Logger) *Adapter {
	a := NewAdapter(sc.InitialSnapshots()...)
	a.scenario = sc
	a.interval = interval
	a.log = log.With().Str("component", "replay").Logger()
	return a
}

// SetDisplays replaces what the next Enumerate returns
func (a *Adapter) SetDisplays(snaps ...display.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = display.NewSet(snaps...)
}

// FailNext makes the next Enumerate call fail with err
func (a *Adapter) FailNext(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, err)
}

// Enumerate returns the configured displays
func (a *Adapter) Enumerate() (display.Set, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return display.Set{}, fmt.Errorf("%w: %v", display.ErrEnumeration, ErrClosed)
	}
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return display.Set{}, fmt.Errorf("%w: %v", display.ErrEnumeration, err)
	}
	return a.current, nil
}

// Attributes returns the configured snapshot for id
func (a *Adapter) Attributes(id display.Identity) (display.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, ok := a.current.Get(id)
	if !ok {
		return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
	}
	return snap, nil
}

// Subscribe sets the signal recipient, replacing any previous one
func (a *Adapter) Subscribe(handler func(display.RawSignal)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	a.handler = handler
	return nil
}

// Emit delivers sig to the subscriber on the calling goroutine. It reports
// whether anyone was subscribed.
func (a *Adapter) Emit(sig display.RawSignal) bool {
	a.mu.Lock()
	handler := a.handler
	closed := a.closed
	a.mu.Unlock()

	if closed || handler == nil {
		return false
	}
	handler(sig)
	return true
}

// Close drops the subscriber. Further enumerations fail.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.handler = nil
	return nil
}

// PolicyName returns the scenario's policy, or "all" without a scenario
func (a *Adapter) PolicyName() string {
	if a.scenario != nil && a.scenario.Policy != "" {
		return a.scenario.Policy
	}
	return "all"
}

// Loop plays the scenario steps not yet played, then waits for ctx. A Loop
// cut short by ctx resumes at the next step when called again.
func (a *Adapter) Loop(ctx context.Context) error {
	if a.scenario != nil {
		for {
			a.mu.Lock()
			i := a.next
			a.mu.Unlock()
			if i >= len(a.scenario.Steps) {
				break
			}
			if i > 0 || a.interval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(a.interval):
				}
			}
			step := a.scenario.Steps[i]
			a.log.Info().Int("step", i+1).Str("name", step.Name).Msg("Playing scenario step")
			a.mu.Lock()
			a.next = i + 1
			a.mu.Unlock()
			a.Apply(step)
		}
		a.finish.Do(func() {
			a.log.Info().Int("steps", len(a.scenario.Steps)).Msg("Scenario finished")
			close(a.finished)
		})
	}
	<-ctx.Done()
	return nil
}

// Finished is closed once Loop has played every scenario step
func (a *Adapter) Finished() <-chan struct{} {
	return a.finished
}

// Apply installs the step's display list and failure, then emits its signal.
func (a *Adapter) Apply(step Step) {
	if step.Displays != nil {
		a.SetDisplays(step.Snapshots()...)
	}
	if step.Fail != "" {
		a.FailNext(errors.New(step.Fail))
	}
	a.Emit(step.Signal.RawSignal())
}
