package replay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"displayconfig/display"
	"displayconfig/internal/replay"
	"displayconfig/observer"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeskScenarioThroughObserver(t *testing.T) {
	sc, err := replay.Load("testdata/desk.yaml")
	require.NoError(t, err)

	adapter := replay.NewScenarioAdapter(sc, 0, zerolog.Nop())

	var mu sync.Mutex
	var got []string
	obs, err := observer.NewWithAdapter(adapter, observer.WithCallback(func(ev display.MayBeDisplayAvailable) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Event.String())
		assert.Equal(t, ev.Kind != display.Removed, ev.Available())
	}))
	require.NoError(t, err)
	defer obs.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- obs.Run(ctx) }()

	select {
	case <-adapter.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("scenario did not finish")
	}
	cancel()
	require.NoError(t, <-runDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"added(dell)",
		"mirrored(dell)",
		"resolution_changed(dell)",
		"unmirrored(dell)",
		"resolution_changed(dell)",
		"removed(dell)",
	}, got)

	assert.Equal(t, tracker.Stats{Accepted: 4, Ignored: 1, Failed: 1, Events: 6}, obs.Stats())
	assert.Equal(t, []display.Identity{"laptop"}, obs.Displays().IDs())

	prev, ok := obs.PreviousSize("dell")
	require.True(t, ok)
	assert.Equal(t, display.Size{Width: 1920, Height: 1080}, prev)
	assert.Equal(t, observer.Ready, obs.State())
}

func TestScenarioRunsOnceAcrossRuns(t *testing.T) {
	sc, err := replay.Load("testdata/desk.yaml")
	require.NoError(t, err)

	adapter := replay.NewScenarioAdapter(sc, 0, zerolog.Nop())

	var mu sync.Mutex
	events := 0
	obs, err := observer.NewWithAdapter(adapter, observer.WithCallback(func(display.MayBeDisplayAvailable) {
		mu.Lock()
		defer mu.Unlock()
		events++
	}))
	require.NoError(t, err)
	defer obs.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- obs.Run(ctx) }()
	select {
	case <-adapter.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("scenario did not finish")
	}
	cancel()
	require.NoError(t, <-runDone)
	require.Equal(t, observer.Ready, obs.State())

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, obs.Run(ctx))
	assert.Equal(t, observer.Ready, obs.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, events)
	assert.Equal(t, tracker.Stats{Accepted: 4, Ignored: 1, Failed: 1, Events: 6}, obs.Stats())
}
