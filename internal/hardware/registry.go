package hardware

import (
	"context"

	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/container"
)

func stackElem(s *Stack) *container.Elem[Stack] { return &s.elem }

// Registry holds every attached Stack and implements spec.md §4.F's
// hardware_dispatch_request fan-out. Stacks are linked into an intrusive
// container.List rather than held in a slice: registration/removal happen
// one stack at a time from hot-plug and disconnect paths (the daemon's USB
// rescan, internal/hardware.Stack.AnnounceDisconnect's caller) and never need
// index-based access, exactly the shape container.List was built for.
type Registry struct {
	stacks *container.List[Stack]
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stacks: container.NewList(stackElem)}
}

// Add registers a stack.
func (r *Registry) Add(s *Stack) { r.stacks.PushBack(s) }

// Remove unregisters a stack.
func (r *Registry) Remove(s *Stack) { r.stacks.Remove(s) }

// Each calls fn for every registered stack.
func (r *Registry) Each(fn func(*Stack)) { r.stacks.Each(fn) }

// DispatchRequest implements spec.md §4.F's hardware_dispatch_request:
//
//   - uid == 0: force-dispatch (broadcast) to every stack.
//   - uid != 0: dispatch to every stack normally, ORing the claimed
//     results together; if no stack claimed to know this UID, fall
//     through to a forced broadcast (devices learn their UID lazily).
func (r *Registry) DispatchRequest(ctx context.Context, uid uint32, pkt []byte) error {
	if uid == constants.UIDBroadcast {
		return r.broadcast(ctx, pkt)
	}

	claimed := false
	var firstErr error
	r.stacks.Each(func(s *Stack) {
		dispatched, err := s.DispatchRequest(ctx, uid, pkt, false)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		claimed = claimed || dispatched
	})
	if claimed {
		return firstErr
	}
	return r.broadcast(ctx, pkt)
}

func (r *Registry) broadcast(ctx context.Context, pkt []byte) error {
	var firstErr error
	r.stacks.Each(func(s *Stack) {
		if _, err := s.DispatchRequest(ctx, constants.UIDBroadcast, pkt, true); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
