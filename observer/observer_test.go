package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"displayconfig/display"
	"displayconfig/internal/replay"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tick = display.RawSignal{Source: display.SourceSynthetic}

func mon(id string, w, h int, mirrored bool) display.Snapshot {
	return display.Snapshot{ID: display.Identity(id), Size: display.Size{Width: w, Height: h}, Mirrored: mirrored}
}

type recorder struct {
	mu     sync.Mutex
	events []display.MayBeDisplayAvailable
}

func (r *recorder) callback(m display.MayBeDisplayAvailable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, m)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, m := range r.events {
		out[i] = m.Event.String()
	}
	return out
}

func newObserver(t *testing.T, initial ...display.Snapshot) (*Observer, *replay.Adapter, *recorder) {
	t.Helper()
	adapter := replay.NewAdapter(initial...)
	rec := &recorder{}
	obs, err := NewWithAdapter(adapter, WithCallback(rec.callback))
	require.NoError(t, err)
	t.Cleanup(func() { obs.Stop() })
	return obs, adapter, rec
}

func TestNewEstablishesBaseline(t *testing.T) {
	obs, _, rec := newObserver(t, mon("D1", 1920, 1080, false), mon("D2", 1280, 1024, false))

	assert.Equal(t, Ready, obs.State())
	assert.Equal(t, []display.Identity{"D1", "D2"}, obs.Displays().IDs())
	assert.Empty(t, rec.names(), "the baseline produces no events")
}

func TestNewFailsWhenInitialEnumerationFails(t *testing.T) {
	adapter := replay.NewAdapter(mon("D1", 1920, 1080, false))
	adapter.FailNext(errors.New("no display subsystem"))

	_, err := NewWithAdapter(adapter)
	require.ErrorIs(t, err, display.ErrSetup)
	assert.False(t, adapter.Emit(tick), "adapter is closed after a failed setup")
}

func TestEventsAreDeliveredInDiffOrder(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1920, 1080, false))

	adapter.SetDisplays(mon("D1", 1920, 1080, true), mon("D2", 2560, 1440, false))
	require.True(t, adapter.Emit(tick))

	assert.Equal(t, []string{"added(D2)", "mirrored(D1)"}, rec.names())
	for _, m := range rec.events {
		require.True(t, m.Available())
	}
	assert.Equal(t, 2, obs.Displays().Len())
}

func TestRemovedEventsCarryNoSnapshot(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1920, 1080, false), mon("D2", 2560, 1440, false))

	adapter.SetDisplays()
	require.NoError(t, obs.HandleSignal(tick))

	assert.Equal(t, []string{"removed(D1)", "removed(D2)"}, rec.names())
	for _, m := range rec.events {
		assert.False(t, m.Available())
	}

	last, ok := obs.LastKnown("D2")
	require.True(t, ok)
	assert.Equal(t, 2560, last.Size.Width)
}

func TestFailedEnumerationKeepsCache(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1920, 1080, false))
	before := obs.Displays()

	adapter.SetDisplays(mon("D2", 800, 600, false))
	adapter.FailNext(errors.New("device busy"))

	err := obs.HandleSignal(tick)
	require.ErrorIs(t, err, display.ErrEnumeration)
	assert.Empty(t, rec.names())
	assert.True(t, before.Equal(obs.Displays()))
	assert.Equal(t, before.IDs(), obs.Displays().IDs())
	assert.Equal(t, Ready, obs.State(), "a failed cycle is not fatal")
}

func TestConsecutiveSignalsSeeSwappedCache(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1920, 1080, false))

	var seen []int
	obs.SetCallback(func(m display.MayBeDisplayAvailable) {
		rec.callback(m)
		seen = append(seen, obs.Displays().Len())
	})

	adapter.SetDisplays(mon("D1", 1920, 1080, false), mon("D2", 1280, 720, false))
	require.NoError(t, obs.HandleSignal(tick))

	adapter.SetDisplays(mon("D1", 1920, 1080, false), mon("D2", 1920, 1080, false))
	require.NoError(t, obs.HandleSignal(tick))

	assert.Equal(t, []string{"added(D2)", "resolution_changed(D2)"}, rec.names())
	// during dispatch the cache still holds the previous generation
	assert.Equal(t, []int{1, 2}, seen)

	prev, ok := obs.PreviousSize("D2")
	require.True(t, ok)
	assert.Equal(t, display.Size{Width: 1280, Height: 720}, prev)
}

func TestCacheAdvancesWithoutCallback(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1920, 1080, false))
	obs.RemoveCallback()

	adapter.SetDisplays(mon("D1", 1920, 1080, false), mon("D2", 1280, 720, false))
	require.NoError(t, obs.HandleSignal(tick))
	assert.Equal(t, 2, obs.Displays().Len())

	obs.SetCallback(rec.callback)
	require.NoError(t, obs.HandleSignal(tick))
	assert.Empty(t, rec.names(), "a late subscriber does not see stale events")

	adapter.SetDisplays(mon("D1", 1920, 1080, false))
	require.NoError(t, obs.HandleSignal(tick))
	assert.Equal(t, []string{"removed(D2)"}, rec.names())
}

func TestSetCallbackReplacesPrevious(t *testing.T) {
	obs, adapter, first := newObserver(t, mon("D1", 1920, 1080, false))
	second := &recorder{}

	obs.SetCallback(second.callback)
	adapter.SetDisplays()
	require.NoError(t, obs.HandleSignal(tick))

	assert.Empty(t, first.names())
	assert.Equal(t, []string{"removed(D1)"}, second.names())
}

func TestCallbackMayReplaceItselfMidCycle(t *testing.T) {
	obs, adapter, rec := newObserver(t)

	obs.SetCallback(func(m display.MayBeDisplayAvailable) {
		rec.callback(m)
		obs.RemoveCallback()
	})

	adapter.SetDisplays(mon("A", 1, 1, false), mon("B", 1, 1, false))
	require.NoError(t, obs.HandleSignal(tick))
	assert.Equal(t, []string{"added(A)", "added(B)"}, rec.names(), "the cycle finishes with the callback it started with")

	adapter.SetDisplays()
	require.NoError(t, obs.HandleSignal(tick))
	assert.Len(t, rec.names(), 2)
}

func TestStopInsideCallbackFinishesDispatch(t *testing.T) {
	obs, adapter, rec := newObserver(t)

	obs.SetCallback(func(m display.MayBeDisplayAvailable) {
		rec.callback(m)
		require.NoError(t, obs.Stop())
	})

	adapter.SetDisplays(mon("A", 1, 1, false), mon("B", 1, 1, false))
	require.NoError(t, obs.HandleSignal(tick))

	assert.Equal(t, []string{"added(A)", "added(B)"}, rec.names())
	assert.Equal(t, Stopped, obs.State())
	assert.Equal(t, 0, obs.Displays().Len())
	_, ok := obs.LastKnown("B")
	assert.False(t, ok, "a cycle cut short by Stop leaves no history")
	assert.ErrorIs(t, obs.HandleSignal(tick), ErrStopped)
}

func TestCyclesNeverOverlap(t *testing.T) {
	obs, adapter, _ := newObserver(t)

	var inFlight, maxInFlight, calls int32
	obs.SetCallback(func(display.MayBeDisplayAvailable) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&inFlight, -1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// each goroutine flips between two topologies, so most cycles emit
			if i%2 == 0 {
				adapter.SetDisplays(mon("A", 1, 1, false))
			} else {
				adapter.SetDisplays(mon("A", 2, 2, true))
			}
			assert.NoError(t, obs.HandleSignal(tick))
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1))
	assert.Positive(t, atomic.LoadInt32(&calls))
}

func TestPolicyComesFromAdapter(t *testing.T) {
	sc, err := replay.Parse([]byte("policy: macos\ninitial:\n  - id: \"1\"\n    size: {width: 1, height: 1}\n"))
	require.NoError(t, err)
	adapter := replay.NewScenarioAdapter(sc, 0, zerolog.Nop())

	rec := &recorder{}
	obs, err := NewWithAdapter(adapter, WithCallback(rec.callback))
	require.NoError(t, err)
	defer obs.Stop()

	adapter.SetDisplays()
	adapter.Emit(display.RawSignal{Source: display.SourceReconfiguration, Flags: tracker.CGBeginConfiguration, Hint: "1"})
	assert.Empty(t, rec.names())
	assert.Equal(t, 1, obs.Displays().Len())

	adapter.Emit(display.RawSignal{Source: display.SourceReconfiguration, Flags: tracker.CGRemove, Hint: "1"})
	assert.Equal(t, []string{"removed(1)"}, rec.names())
	assert.Equal(t, tracker.Stats{Accepted: 1, Ignored: 1, Events: 1}, obs.Stats())
}

func TestWithPolicyOverridesAdapter(t *testing.T) {
	adapter := replay.NewAdapter(mon("D1", 1, 1, false))
	obs, err := NewWithAdapter(adapter, WithPolicy(tracker.WindowsPolicy{}))
	require.NoError(t, err)
	defer obs.Stop()

	adapter.SetDisplays()
	require.NoError(t, obs.HandleSignal(display.RawSignal{Code: 0x001A}))
	assert.Equal(t, 1, obs.Displays().Len())

	require.NoError(t, obs.HandleSignal(display.RawSignal{Code: tracker.WMDisplayChange}))
	assert.Equal(t, 0, obs.Displays().Len())
}

func TestRunUntilStop(t *testing.T) {
	obs, _, _ := newObserver(t, mon("D1", 1, 1, false))

	done := make(chan error, 1)
	go func() { done <- obs.Run(context.Background()) }()

	require.Eventually(t, func() bool { return obs.State() == Running }, time.Second, time.Millisecond)
	assert.ErrorIs(t, obs.Run(context.Background()), ErrAlreadyRunning)

	require.NoError(t, obs.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, Stopped, obs.State())
	assert.ErrorIs(t, obs.Run(context.Background()), ErrStopped)
	assert.NoError(t, obs.Stop(), "Stop is idempotent")

	_, err := obs.Query("D1")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunReturnsToReadyWhenContextEnds(t *testing.T) {
	obs, adapter, rec := newObserver(t, mon("D1", 1, 1, false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, obs.Run(ctx))
	assert.Equal(t, Ready, obs.State())

	adapter.SetDisplays()
	require.True(t, adapter.Emit(tick))
	assert.Equal(t, []string{"removed(D1)"}, rec.names())
}

type brokenLoop struct {
	*replay.Adapter
}

func (brokenLoop) Loop(context.Context) error {
	return errors.New("message pump died")
}

func TestRunLoopFailureStopsObserver(t *testing.T) {
	obs, err := NewWithAdapter(brokenLoop{replay.NewAdapter()})
	require.NoError(t, err)

	err = obs.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message pump died")
	assert.Equal(t, Stopped, obs.State())
}

func TestQueryReadsThroughAdapter(t *testing.T) {
	obs, adapter, _ := newObserver(t, mon("D1", 1920, 1080, false))

	adapter.SetDisplays(mon("D1", 800, 600, false))
	snap, err := obs.Query("D1")
	require.NoError(t, err)
	assert.Equal(t, 800, snap.Size.Width, "query bypasses the cache")

	_, err = obs.Query("nope")
	assert.ErrorIs(t, err, display.ErrNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
