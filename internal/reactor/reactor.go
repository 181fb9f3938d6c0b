// Package reactor implements the readiness multiplexer of spec.md §4.2:
// it blocks until the soonest of (earliest task deadline, any registered
// socket readable, a signal) and returns the dispatchable set.
//
// No example in the retrieval pack ships an epoll-based reactor, so this
// file is built directly against golang.org/x/sys/unix's
// EpollCreate1/EpollCtl/EpollWait, following the EINTR-retry and
// one-shot-registration language of spec.md §4.2 (see DESIGN.md for why
// x/sys/unix rather than a hand-rolled raw-syscall wrapper).
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/signals"
)

// TaskKey identifies a task to the reactor. The executor owns a stable
// arena of tasks keyed by this type (spec.md §9, "Cyclic references
// between task and multiplexer"); the reactor never holds a reference to
// a task itself, only this key, so ownership of task memory stays with
// the executor.
type TaskKey string

type wakeEntry struct {
	key TaskKey
	at  time.Time
}

// Reactor is the readiness multiplexer. It is not safe for concurrent
// use: spec.md §5 mandates a single-threaded cooperative scheduling
// model, and the reactor is only ever driven by the executor's one
// goroutine.
type Reactor struct {
	epfd int
	clk  clock.Clock
	sig  *signals.Flags

	// fdToKey maps a registered, not-yet-fired socket to its task. Entries
	// are removed once the socket fires (one-shot semantics: spec.md
	// §4.2, "after a task fires, re-registration is required to hear
	// again") or the reactor is told the task no longer needs it.
	fdToKey map[int32]TaskKey
	keyToFd map[TaskKey]int32

	// wakeList is the time-sorted set of tasks waiting for a deadline,
	// kept sorted by 'at' ascending.
	wakeList []wakeEntry
}

// New creates a Reactor. clk and sig must not be nil.
func New(clk clock.Clock, sig *signals.Flags) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:    epfd,
		clk:     clk,
		sig:     sig,
		fdToKey: make(map[int32]TaskKey),
		keyToFd: make(map[TaskKey]int32),
	}, nil
}

// Close releases the epoll instance.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// RegisterSocket arms a one-shot readable notification for fd on behalf
// of key, removing key from the time-list if it was there (a task is
// either on the time-list or registered for a socket, never both: spec.md
// §4.3 step 3). If key was already registered for a different fd, the
// old registration is replaced.
func (r *Reactor) RegisterSocket(key TaskKey, fd uintptr) error {
	r.RemoveWake(key)
	r.unregisterSocket(key)

	ifd := int32(fd)
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     ifd,
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add: %w", err)
	}

	r.fdToKey[ifd] = key
	r.keyToFd[key] = ifd
	return nil
}

// unregisterSocket removes key's socket registration, if any. Sockets
// never need explicit deregistration on close (spec.md §4.2: "closing
// the underlying connection is sufficient"), but a task that is about to
// register a *new* socket, or that reached a terminal state without its
// connection having been closed yet, must not leave a stale entry behind
// in our own bookkeeping maps.
func (r *Reactor) unregisterSocket(key TaskKey) {
	ifd, ok := r.keyToFd[key]
	if !ok {
		return
	}
	delete(r.keyToFd, key)
	delete(r.fdToKey, ifd)
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(ifd), nil)
}

// Forget removes all trace of key from the reactor: its wake-list entry
// and its socket registration, if any. Called when a task reaches a
// terminal state (spec.md §3.2: "A task that reaches terminal state... is
// no longer registered with the multiplexer").
func (r *Reactor) Forget(key TaskKey) {
	r.RemoveWake(key)
	r.unregisterSocket(key)
}

// SetWake places key on the time-list with deadline at, replacing any
// existing entry for key and removing any socket registration (a task
// flagged WAKE_ME_AT is off the socket set: spec.md §4.3 step 3).
func (r *Reactor) SetWake(key TaskKey, at time.Time) {
	r.unregisterSocket(key)
	r.RemoveWake(key)
	r.wakeList = append(r.wakeList, wakeEntry{key: key, at: at})
	slices.SortFunc(r.wakeList, func(a, b wakeEntry) int {
		return a.at.Compare(b.at)
	})
}

// RemoveWake removes key from the time-list, if present.
func (r *Reactor) RemoveWake(key TaskKey) {
	idx := slices.IndexFunc(r.wakeList, func(e wakeEntry) bool { return e.key == key })
	if idx >= 0 {
		r.wakeList = slices.Delete(r.wakeList, idx, idx+1)
	}
}

// NextDeadline returns the earliest wake time across the time-list, and
// false if the list is empty (spec.md §4.2: "infinite" timeout).
func (r *Reactor) NextDeadline() (time.Time, bool) {
	if len(r.wakeList) == 0 {
		return time.Time{}, false
	}
	return r.wakeList[0].at, true
}

// Due returns the keys of every time-listed task whose wake time has
// elapsed as of now, in deadline order, without removing them from the
// list (the executor removes entries itself once it has dispatched
// them, via RemoveWake or SetWake/RegisterSocket as the handler directs).
func (r *Reactor) Due(now time.Time) []TaskKey {
	var due []TaskKey
	for _, e := range r.wakeList {
		if e.at.After(now) {
			break
		}
		due = append(due, e.key)
	}
	return due
}

const maxEvents = 64

// Wait blocks until the soonest of: the earliest wake-list deadline, a
// registered socket becoming readable, or a pending signal (spec.md
// §4.2). It returns the keys of tasks whose sockets fired. A nil, nil
// return means the call was released by a deadline or a signal rather
// than a socket event; the caller should re-check NextDeadline/Due and
// signals.Flags itself.
func (r *Reactor) Wait() ([]TaskKey, error) {
	for {
		timeoutMs := r.timeoutMillis()

		var events [maxEvents]unix.EpollEvent
		n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				if r.sig.Pending() {
					// Let the outer loop observe the signal (spec.md
					// §4.2: "on a signal it returns").
					return nil, nil
				}
				continue
			}
			return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		if n == 0 {
			// Timed out: a wake-list deadline (or nothing at all) fired.
			return nil, nil
		}

		ready := make([]TaskKey, 0, n)
		for _, ev := range events[:n] {
			key, ok := r.fdToKey[ev.Fd]
			if !ok {
				continue
			}
			// One-shot: this registration is now consumed. The kernel keeps
			// a disabled entry for a fired EPOLLONESHOT fd, so drop it too
			// or the next RegisterSocket's EPOLL_CTL_ADD fails with EEXIST.
			delete(r.fdToKey, ev.Fd)
			delete(r.keyToFd, key)
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(ev.Fd), nil)
			ready = append(ready, key)
		}
		return ready, nil
	}
}

// timeoutMillis computes epoll_wait's timeout argument: the earliest
// wake-list deadline minus now, floored at zero, or -1 ("infinite") if
// the list is empty (spec.md §4.2).
func (r *Reactor) timeoutMillis() int {
	deadline, ok := r.NextDeadline()
	if !ok {
		return -1
	}
	d := deadline.Sub(r.clk.Now())
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}
