package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"displayconfig/display"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projector = `
name: projector
policy: macos
initial:
  - id: "1"
    size: {width: 1920, height: 1080}
    primary: true
steps:
  - name: plug projector
    displays:
      - id: "1"
        size: {width: 1920, height: 1080}
        primary: true
      - id: "2"
        origin: {x: 1920, y: 0}
        size: {width: 1280, height: 720}
    signal: {source: reconfiguration, flags: 0x10, hint: "2"}
  - name: glitch
    fail: device busy
    signal: {source: reconfiguration, flags: 0x8}
  - name: unplug everything
    displays: []
    signal: {source: reconfiguration, flags: 0x20}
`

func TestParseScenario(t *testing.T) {
	sc, err := Parse([]byte(projector))
	require.NoError(t, err)

	assert.Equal(t, "macos", sc.Policy)
	require.Len(t, sc.InitialSnapshots(), 1)
	assert.True(t, sc.InitialSnapshots()[0].Primary)
	require.Len(t, sc.Steps, 3)

	plug := sc.Steps[0]
	assert.Equal(t, display.RawSignal{Source: display.SourceReconfiguration, Flags: 0x10, Hint: "2"}, plug.Signal.RawSignal())
	assert.Equal(t, display.Point{X: 1920}, plug.Snapshots()[1].Origin)

	assert.Nil(t, sc.Steps[1].Displays)
	assert.NotNil(t, sc.Steps[2].Displays)
	assert.Empty(t, sc.Steps[2].Displays)
}

func TestParseRejectsBadScenarios(t *testing.T) {
	_, err := Parse([]byte("initial:\n  - size: {width: 1, height: 1}\n"))
	assert.ErrorContains(t, err, "without id")

	_, err = Parse([]byte("steps:\n  - displays:\n      - id: a\n      - id: a\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("steps: {"))
	assert.Error(t, err)
}

func TestAdapterEnumerateAndAttributes(t *testing.T) {
	a := NewAdapter(display.Snapshot{ID: "x", Size: display.Size{Width: 10, Height: 10}})

	set, err := a.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	_, err = a.Attributes("y")
	assert.ErrorIs(t, err, display.ErrNotFound)

	a.FailNext(errors.New("boom"))
	_, err = a.Enumerate()
	assert.ErrorIs(t, err, display.ErrEnumeration)

	_, err = a.Enumerate()
	assert.NoError(t, err)

	require.NoError(t, a.Close())
	_, err = a.Enumerate()
	assert.ErrorIs(t, err, display.ErrEnumeration)
	assert.False(t, a.Emit(display.RawSignal{}))
	assert.ErrorIs(t, a.Subscribe(func(display.RawSignal) {}), ErrClosed)
}

func TestScenarioLoopPlaysSteps(t *testing.T) {
	sc, err := Parse([]byte(projector))
	require.NoError(t, err)

	a := NewScenarioAdapter(sc, time.Millisecond, zerolog.Nop())
	assert.Equal(t, "macos", a.PolicyName())

	var got []display.RawSignal
	var sizes []int
	require.NoError(t, a.Subscribe(func(sig display.RawSignal) {
		got = append(got, sig)
		set, err := a.Enumerate()
		if err != nil {
			sizes = append(sizes, -1)
			return
		}
		sizes = append(sizes, set.Len())
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Loop(ctx))

	require.Len(t, got, 3)
	assert.Equal(t, []int{2, -1, 0}, sizes)

	select {
	case <-a.Finished():
	default:
		t.Fatal("Finished not closed after the last step")
	}
}
