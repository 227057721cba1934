// Package reactor implements the single-threaded, poll-based event loop
// spec.md §4.A describes: sources register an fd and an interest set, the
// loop blocks in a single poll(2) call, and ready sources are dispatched by
// parallel index against the pollfd array built for that iteration.
//
// Removal is deferred to the top of the next iteration so that the source
// array stays index-stable for the whole of one dispatch pass (spec.md
// §9's "event-loop removal deferred via a removed flag" note, kept rather
// than re-architected: a stable-index slot array plus a pending-removal
// set is exactly what that note asks for).
package reactor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/brickd-project/brickd/internal/container"
)

// SourceType distinguishes sources so diagnostics and per-type counters can
// tell a plain socket/pipe fd apart from a USB backend's wake-up pipe.
type SourceType uint8

const (
	Generic SourceType = iota
	USB
)

// Interest is the event mask a source subscribes to.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

func (i Interest) toPollEvents() int16 {
	var ev int16
	if i&Read != 0 {
		ev |= unix.POLLIN
	}
	if i&Write != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// Callback is invoked with the events that were actually ready.
type Callback func(ready Interest)

type source struct {
	fd       int
	typ      SourceType
	interest Interest
	cb       Callback
	removed  bool
	active   bool
}

// Reactor is the event loop. The zero value is not usable; use New.
type Reactor struct {
	sources *container.Array[source]
	pending []int // handles tagged removed this iteration
	running bool
	stopped bool
	pollfds []unix.PollFd
}

// New builds an empty Reactor.
func New() *Reactor {
	return &Reactor{sources: container.NewArray[source]()}
}

// AddSource registers fd for interest and returns a stable handle used with
// RemoveSource.
func (r *Reactor) AddSource(fd int, typ SourceType, interest Interest, cb Callback) int {
	s := source{fd: fd, typ: typ, interest: interest, cb: cb, active: true}
	return r.sources.Append(s)
}

func (r *Reactor) liveSource(handle int) (source, bool) {
	if !r.sources.Valid(handle) {
		return source{}, false
	}
	s := r.sources.At(handle)
	if !s.active {
		return source{}, false
	}
	return s, true
}

// RemoveSource tags handle for removal; the slot is actually freed at the
// top of the next Run iteration (spec.md §4.A).
func (r *Reactor) RemoveSource(handle int) {
	s, ok := r.liveSource(handle)
	if !ok || s.removed {
		return
	}
	s.removed = true
	r.sources.Set(handle, s)
	r.pending = append(r.pending, handle)
}

// SetInterest updates the event mask for an existing, non-removed source.
func (r *Reactor) SetInterest(handle int, interest Interest) {
	s, ok := r.liveSource(handle)
	if !ok {
		return
	}
	s.interest = interest
	r.sources.Set(handle, s)
}

// Stop requests the loop to exit at the top of its next iteration, and
// makes any later Run call a no-op (spec.md §4.A).
func (r *Reactor) Stop() {
	r.running = false
	r.stopped = true
}

// reapRemoved frees sources tagged removed since the last iteration.
func (r *Reactor) reapRemoved() {
	for _, h := range r.pending {
		r.sources.Remove(h)
	}
	r.pending = r.pending[:0]
}

// Run blocks, servicing sources until Stop is called or an unrecoverable
// poll error occurs. onIterationCleanup runs between iterations (used by
// internal/network to reap disconnected clients and finished zombies).
func (r *Reactor) Run(onIterationCleanup func()) error {
	if r.stopped {
		return nil
	}
	r.running = true

	for r.running {
		r.reapRemoved()
		if onIterationCleanup != nil {
			onIterationCleanup()
		}
		if !r.running {
			break
		}

		r.pollfds = r.pollfds[:0]
		indexOf := make([]int, 0, r.sources.Len())
		r.sources.Each(func(idx int, s source) {
			if s.removed {
				return
			}
			r.pollfds = append(r.pollfds, unix.PollFd{Fd: int32(s.fd), Events: s.interest.toPollEvents()})
			indexOf = append(indexOf, idx)
		})

		_, err := unix.Poll(r.pollfds, -1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			r.running = false
			return err
		}

		for pi, pfd := range r.pollfds {
			if pfd.Revents == 0 {
				continue
			}
			idx := indexOf[pi]
			s, ok := r.liveSource(idx)
			if !ok || s.removed {
				continue
			}

			var ready Interest
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready |= Read
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				ready |= Write
			}
			if ready != 0 && s.cb != nil {
				s.cb(ready)
			}
		}
	}
	return nil
}
