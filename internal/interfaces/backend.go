// Package interfaces provides internal interface definitions for brickd.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

import "context"

// Packet is the minimal wire unit every Stack and ClientIO exchanges.
// Transports and hardware backends never see the higher-level Header type
// directly so that internal/* packages stay import-cycle free from the
// root package; they work on raw framed bytes instead.
type Packet = []byte

// Stack is the interface every hardware transport (USB, SPI, RS485, local)
// implements so that internal/hardware can route requests without knowing
// the concrete transport (spec.md §4.E).
type Stack interface {
	// Name identifies the stack for logging ("usb", "spi", "rs485", "local").
	Name() string

	// Dispatch sends a request packet toward recipient, the opaque value
	// the stack previously registered for the packet's UID via its
	// recipient table (internal/hardware). recipient is nil for a forced
	// broadcast (spec.md §4.E/§4.F), in which case the stack delivers pkt
	// to every device it knows about. Dispatch never blocks on a
	// response; responses arrive later via the Stack's response channel.
	Dispatch(ctx context.Context, pkt Packet, recipient any) error

	// Responses returns the channel the reactor drains decoded response/
	// callback packets from.
	Responses() <-chan Packet

	// Close releases all resources held by the stack.
	Close() error
}

// DiscardStack is an optional interface for stacks that can forcibly detach
// a single device (e.g. USB transfer-pool cancellation on hot-unplug).
type DiscardStack interface {
	Stack
	Discard(uid uint32) error
}

// ClientIO is the interface the network layer uses to talk to one connected
// peer, regardless of whether the underlying transport is a raw TCP socket
// or a WebSocket connection (spec.md §4.G). It exposes raw, non-blocking
// read/write primitives rather than a framed Read/Write pair: incremental
// packet framing over the byte stream is internal/network's job (spec.md
// §4.G describes the framing state machine explicitly), not the
// transport's.
type ClientIO interface {
	// RawRead reads whatever is currently available into p and returns how
	// much was read. It must never block; EINTR/EAGAIN are returned as
	// errors for the caller to treat as "try again later", and n==0,
	// err==nil means orderly peer close.
	RawRead(p []byte) (n int, err error)

	// RawWrite attempts to write p and returns how much was written,
	// matching internal/writer.Sink's contract so a ClientIO can be used
	// directly as a Writer's sink.
	RawWrite(p []byte) (n int, err error)

	// SetWritable arms or disarms the writable-event subscription.
	SetWritable(on bool)

	// RemoteName is a human-readable peer identifier for logging.
	RemoteName() string

	Close() error
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe as methods are called from the I/O loop.
type Observer interface {
	ObserveRequest(functionID uint8, latencyNs uint64, success bool)
	ObserveResponse(functionID uint8, latencyNs uint64, success bool)
	ObserveDrop(reason string)
	ObserveZombie()
	ObservePendingDepth(depth uint32)
}
