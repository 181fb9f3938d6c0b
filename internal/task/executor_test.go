package task

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/signals"
)

// countingTask finishes successfully after a fixed number of WAKE_ME_AT
// steps, each scheduled immediately (spaced by a tiny fixed duration so
// the fake clock makes observable progress).
type countingTask struct {
	key       reactor.TaskKey
	remaining int
}

func (c *countingTask) Key() reactor.TaskKey { return c.key }

func (c *countingTask) Step(_ context.Context, now time.Time) StepResult {
	c.remaining--
	if c.remaining <= 0 {
		return StepResult{Hint: Done, Result: Success}
	}
	return StepResult{Hint: WakeMeAt, WakeAt: now.Add(time.Millisecond)}
}

func TestExecutorRunsTaskToCompletion(t *testing.T) {
	c := clock.NewFake(time.Now())
	sig := signals.NewFlags()
	r, err := reactor.New(c, sig)
	require.NoError(t, err)
	defer r.Close()

	exec := NewExecutor(r, c, sig, nil)
	ct := &countingTask{key: "ct", remaining: 3}
	exec.Add(ct)

	assert.Equal(t, 1, exec.NumUnfinished())

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()

	// Drive the fake clock forward so the executor's wake deadlines keep
	// firing; the reactor's real epoll_wait still blocks in wall-clock
	// time, so advance generously relative to its timeout.
	for i := 0; i < 10 && exec.NumUnfinished() > 0; i++ {
		time.Sleep(5 * time.Millisecond)
		c.Advance(time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not finish in time")
	}

	assert.Equal(t, 0, exec.NumUnfinished())
}

func TestExecutorStopsOnSignal(t *testing.T) {
	c := clock.NewFake(time.Now())
	sig := signals.NewFlags()
	r, err := reactor.New(c, sig)
	require.NoError(t, err)
	defer r.Close()

	stop := sig.Watch()
	defer stop()

	exec := NewExecutor(r, c, sig, nil)
	// A task that never finishes on its own: only a signal should end Run.
	exec.Add(&countingTask{key: "stuck", remaining: 1 << 30})

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop after SIGUSR1")
	}

	assert.True(t, sig.Cancelled())
	assert.Equal(t, 1, exec.NumUnfinished(), "cancellation leaves the unfinished task as-is, per spec")
}
