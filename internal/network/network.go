// Package network implements the routing core spec.md §4.F, §4.G, §4.H and
// §4.M describe: per-client request framing and authentication, the
// pending-request table that matches responses back to their requester,
// zombie bookkeeping for clients that vanish with outstanding requests,
// and the top-level dispatch functions that tie the client set to the
// hardware registry.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/brickd-project/brickd/internal/auth"
	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/hardware"
	"github.com/brickd-project/brickd/internal/interfaces"
	"github.com/brickd-project/brickd/internal/pending"
	"github.com/brickd-project/brickd/internal/uapi"
	"github.com/brickd-project/brickd/internal/wire"
)

// Network owns every connected client, every zombie, the global
// pending-request table, and the hardware registry it routes requests
// into. It is driven entirely from the reactor thread; see spec.md §5.
type Network struct {
	Secret []byte

	Logger   interfaces.Logger
	Observer interfaces.Observer
	Registry *hardware.Registry

	Pending *pending.Table

	clients      map[uint64]*Client
	zombies      map[uint64]*Zombie
	nextClientID uint64
	nextZombieID uint64

	nonceCounter uint32

	// OnZombieTimeout, if set, is invoked when a zombie's drain timer
	// expires. It fires on whatever goroutine the standard library's
	// time.AfterFunc schedules it on, never on the reactor thread (spec.md
	// §5), so it must only hand the zombie id off through a wake-up
	// mechanism of the caller's choosing; it must not touch Network state
	// directly. daemon.go wires this to its wake-up pipe and later calls
	// ExpireZombie from the reactor thread once woken.
	OnZombieTimeout func(id uint64)
}

// New builds an empty Network. secret is the configured authentication
// secret, or nil to disable authentication (spec.md §4.M).
func New(secret []byte, registry *hardware.Registry, logger interfaces.Logger, observer interfaces.Observer) *Network {
	n := &Network{
		Secret:   secret,
		Logger:   logger,
		Observer: observer,
		Registry: registry,
		Pending:  pending.NewTable(),
		clients:  make(map[uint64]*Client),
		zombies:  make(map[uint64]*Zombie),
	}
	n.nonceCounter = seedNonceCounter()
	return n
}

// seedNonceCounter draws a cryptographically-sourced random seed for the
// process-global nonce counter (spec.md §3).
func seedNonceCounter() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken; fall
		// back to a fixed seed rather than panic mid-startup.
		return 1
	}
	return binary.LittleEndian.Uint32(b[:])
}

// nextNonce increments the process-global nonce counter and returns the
// new value. A client takes a fresh value from it each time it sends
// GET_AUTHENTICATION_NONCE (client.go); AddClient does not assign a nonce
// when the client is created.
func (n *Network) nextNonce() uint32 {
	return atomic.AddUint32(&n.nonceCounter, 1)
}

// AddClient registers io as a newly-accepted connection and returns its
// Client wrapper.
func (n *Network) AddClient(io interfaces.ClientIO) *Client {
	n.nextClientID++
	id := n.nextClientID

	c := &Client{
		id:      id,
		name:    io.RemoteName(),
		io:      io,
		auth:    auth.NewHandshake(n.Secret),
		network: n,
	}
	c.writer = newClientWriter(io, c)
	n.clients[id] = c
	return c
}

// RemoveClient destroys c, transferring its pending requests to a new
// Zombie if any are outstanding (spec.md §4.H).
func (n *Network) RemoveClient(c *Client) {
	delete(n.clients, c.id)

	owner := pending.OwnerKey{Kind: pending.OwnerClient, ID: c.id}
	count := n.Pending.OwnerCount(owner)
	if count > 0 {
		n.createZombie(owner, count)
	}

	c.io.Close()
}

// createZombie implements spec.md §4.H's zombie creation: re-parent the
// client's pending list to a freshly allocated zombie id and start its
// 1-second drain timer.
func (n *Network) createZombie(from pending.OwnerKey, count int) {
	n.nextZombieID++
	id := n.nextZombieID
	z := &Zombie{id: id, count: count}

	to := pending.OwnerKey{Kind: pending.OwnerZombie, ID: id}
	n.Pending.Reparent(from, to)

	z.timer = time.AfterFunc(constants.ZombieDrainTimeout, func() {
		if n.OnZombieTimeout != nil {
			n.OnZombieTimeout(id)
		}
	})
	n.zombies[id] = z
	if n.Observer != nil {
		n.Observer.ObserveZombie()
	}
}

// ExpireZombie marks zombie id as finished so the next CleanupIteration
// reaps it. Callers must only invoke this from the reactor thread (spec.md
// §5) — it is the reactor-thread half of the wake-up handoff OnZombieTimeout
// starts from a timer goroutine.
func (n *Network) ExpireZombie(id uint64) {
	if z, ok := n.zombies[id]; ok {
		z.finished = true
	}
}

// CleanupIteration implements the reactor's on_iteration_cleanup hook
// (spec.md §4.A): remove disconnected clients and finished zombies.
func (n *Network) CleanupIteration() {
	for _, c := range n.clients {
		if c.disconnected {
			n.RemoveClient(c)
		}
	}
	for id, z := range n.zombies {
		if z.finished {
			z.timer.Stop()
			n.Pending.RemoveOwner(pending.OwnerKey{Kind: pending.OwnerZombie, ID: id})
			delete(n.zombies, id)
		}
	}
}

// DispatchRequest implements spec.md §4.F's hardware_dispatch_request.
func (n *Network) DispatchRequest(ctx context.Context, pkt []byte) error {
	hdr, err := wire.Unmarshal(pkt)
	if err != nil {
		return err
	}
	return n.Registry.DispatchRequest(ctx, hdr.UID, pkt)
}

// DispatchResponse implements spec.md §4.F's network_dispatch_response and
// §4.K's "for each well-formed response, learn (uid, stack_opaque=0) as a
// recipient" rule. stack identifies which hardware.Stack produced pkt (the
// bridge in daemon.go carries this through from the stack's own response
// channel); it is nil for responses that don't originate from a registered
// stack (e.g. directly-constructed test packets).
func (n *Network) DispatchResponse(stack *hardware.Stack, pkt []byte) {
	hdr, err := wire.Unmarshal(pkt)
	if err != nil {
		if n.Logger != nil {
			n.Logger.Debugf("network: dropping malformed response: %v", err)
		}
		return
	}
	if !wire.IsValidResponse(hdr) {
		if n.Logger != nil {
			n.Logger.Debugf("network: dropping malformed response from uid %d", hdr.UID)
		}
		return
	}

	// Learn the recipient before routing so a subsequent request for this
	// UID can be routed instead of broadcast (spec.md §8 "Broadcast
	// learning"). Only learn if the stack doesn't already know a more
	// specific opaque value for this UID (e.g. an SPI chip-select address
	// registered by discovery) — stack_opaque=0 is a generic placeholder
	// that must never clobber a routing-significant opaque another layer
	// already established.
	if stack != nil && hdr.UID != constants.UIDBroadcast {
		if _, known := stack.Recipients.Get(hdr.UID); !known {
			stack.Recipients.Add(hdr.UID, uint32(0))
		}
	}

	if hdr.IsCallback() {
		n.dispatchCallback(hdr, pkt)
		return
	}

	saved := pending.SavedHeader{UID: hdr.UID, FunctionID: hdr.FunctionID, SequenceNumber: hdr.SequenceNumber}
	handle, ok := n.Pending.FindMatch(saved)
	if !ok {
		if n.Logger != nil {
			n.Logger.Printf("network: unmatched response from uid %d, broadcasting", hdr.UID)
		}
		n.broadcastForced(pkt)
		return
	}

	owner := n.ownerOf(handle)
	n.Pending.Remove(handle)
	n.deliverToOwner(owner, pkt)
}

func (n *Network) dispatchCallback(hdr wire.Header, pkt []byte) {
	if hdr.FunctionID == constants.FunctionEnumerate {
		if payload, err := uapi.UnmarshalEnumeratePayload(pkt[wire.Size:]); err == nil {
			if payload.EnumerationType == uapi.EnumerationTypeConnected || payload.EnumerationType == uapi.EnumerationTypeDisconnected {
				dropped := n.Pending.DropByUID(hdr.UID)
				if dropped > 0 && n.Logger != nil {
					n.Logger.Printf("network: dropped %d stale pending requests for uid %d", dropped, hdr.UID)
				}
			}
		}
	}
	n.broadcastForced(pkt)
}

func (n *Network) broadcastForced(pkt []byte) {
	for _, c := range n.clients {
		c.writer.Write(pkt)
	}
}

// ClientExpectsResponse implements spec.md §4.F's
// network_client_expects_response.
func (n *Network) ClientExpectsResponse(c *Client, hdr wire.Header) {
	owner := pending.OwnerKey{Kind: pending.OwnerClient, ID: c.id}
	saved := pending.SavedHeader{UID: hdr.UID, FunctionID: hdr.FunctionID, SequenceNumber: hdr.SequenceNumber}
	_, evicted := n.Pending.Add(owner, saved)
	if evicted > 0 {
		c.droppedPendingRequests += evicted
		if n.Observer != nil {
			n.Observer.ObserveDrop("pending_request_overflow")
		}
	}
	if n.Observer != nil {
		n.Observer.ObservePendingDepth(uint32(n.Pending.GlobalCount()))
	}
}

func (n *Network) ownerOf(handle int) pending.OwnerKey {
	// The owner is only readable while the handle is live, so callers read
	// it before removal. This helper exists so DispatchResponse reads
	// ownership once, at the call site, via Pending's public surface.
	return n.Pending.OwnerOf(handle)
}

func (n *Network) deliverToOwner(owner pending.OwnerKey, pkt []byte) {
	switch owner.Kind {
	case pending.OwnerClient:
		if c, ok := n.clients[owner.ID]; ok {
			c.writer.Write(pkt)
		}
	case pending.OwnerZombie:
		if z, ok := n.zombies[owner.ID]; ok {
			z.count--
			if z.count <= 0 {
				z.finished = true
			}
		}
	}
}
