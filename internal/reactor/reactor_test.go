package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/signals"
)

func newTestReactor(t *testing.T, now time.Time) (*Reactor, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(now)
	r, err := New(c, signals.NewFlags())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, c
}

func TestSetWakeOrdersByDeadline(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, _ := newTestReactor(t, start)

	r.SetWake("b", start.Add(2*time.Second))
	r.SetWake("a", start.Add(1*time.Second))
	r.SetWake("c", start.Add(3*time.Second))

	deadline, ok := r.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(1*time.Second), deadline)

	due := r.Due(start.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, TaskKey("a"), due[0])
	assert.Equal(t, TaskKey("b"), due[1])
}

func TestRemoveWake(t *testing.T) {
	start := time.Now()
	r, _ := newTestReactor(t, start)

	r.SetWake("a", start.Add(time.Second))
	r.RemoveWake("a")

	_, ok := r.NextDeadline()
	assert.False(t, ok)
}

func TestForgetClearsWakeAndSocket(t *testing.T) {
	start := time.Now()
	r, _ := newTestReactor(t, start)

	rFile, wFile, err := os.Pipe()
	require.NoError(t, err)
	defer rFile.Close()
	defer wFile.Close()

	require.NoError(t, r.RegisterSocket("sock", rFile.Fd()))
	r.SetWake("timer", start.Add(time.Second))

	r.Forget("sock")
	r.Forget("timer")

	_, ok := r.NextDeadline()
	assert.False(t, ok)
}

func TestWaitReturnsReadySocket(t *testing.T) {
	start := time.Now()
	r, _ := newTestReactor(t, start)

	rFile, wFile, err := os.Pipe()
	require.NoError(t, err)
	defer rFile.Close()
	defer wFile.Close()

	require.NoError(t, r.RegisterSocket("pipe", rFile.Fd()))

	_, err = wFile.Write([]byte("x"))
	require.NoError(t, err)

	ready, err := r.Wait()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, TaskKey("pipe"), ready[0])
}

func TestWaitTimesOutWhenNothingReady(t *testing.T) {
	start := time.Now()
	r, _ := newTestReactor(t, start)

	r.SetWake("a", start.Add(50*time.Millisecond))

	ready, err := r.Wait()
	require.NoError(t, err)
	assert.Empty(t, ready)
}
