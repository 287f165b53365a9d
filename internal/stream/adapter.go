package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"displayconfig/display"
	"displayconfig/internal/protocol"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("stream adapter closed")

// Adapter presents a remote host's displays as a display.Adapter. Its view
// is rebuilt from sync responses and relayed events, and every change is
// signalled so a local observer re-diffs it.
type Adapter struct {
	client *Client

	mu      sync.Mutex
	current display.Set
	handler func(display.RawSignal)
	closed  bool
	cancel  context.CancelFunc
	log     zerolog.Logger
}

var (
	_ display.Adapter        = (*Adapter)(nil)
	_ display.Looper         = (*Adapter)(nil)
	_ display.PolicyProvider = (*Adapter)(nil)
)

// NewAdapter wires client into a new adapter. The client's OnEvent and
// OnSync callbacks are taken over.
func NewAdapter(client *Client, log zerolog.Logger) *Adapter {
	a := &Adapter{
		client: client,
		log:    log.With().Str("component", "stream").Logger(),
	}
	client.OnSync = a.applySync
	client.OnEvent = a.applyEvent
	return a
}

func (a *Adapter) PolicyName() string { return tracker.PolicyAll }

func (a *Adapter) Enumerate() (display.Set, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return display.Set{}, fmt.Errorf("%w: %v", display.ErrEnumeration, ErrClosed)
	}
	return a.current, nil
}

func (a *Adapter) Attributes(id display.Identity) (display.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.current.Get(id)
	if !ok {
		return display.Snapshot{}, fmt.Errorf("%w: %s", display.ErrNotFound, id)
	}
	return snap, nil
}

func (a *Adapter) Subscribe(handler func(display.RawSignal)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.handler = handler
	return nil
}

// Loop runs the stream client until ctx is done or the adapter is closed
func (a *Adapter) Loop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	defer cancel()
	return a.client.Run(ctx)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.handler = nil
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) applySync(p protocol.SyncResponsePayload) {
	a.update(p.Displays, display.RawSignal{Source: display.SourceRemote})
}

func (a *Adapter) applyEvent(p protocol.EventPayload) {
	a.mu.Lock()
	next := display.Apply(a.current, p.Event())
	a.mu.Unlock()
	a.update(next, display.RawSignal{Source: display.SourceRemote, Hint: p.ID})
}

func (a *Adapter) update(next display.Set, sig display.RawSignal) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.current = next
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(sig)
	}
}
