package brickd

import (
	"context"
	"sync"
	"syscall"

	"github.com/brickd-project/brickd/internal/interfaces"
)

// MockStack is a mock implementation of internal/interfaces.Stack for
// testing code that drives a hardware.Registry without real transports.
// It tracks every dispatched packet for verification, mirroring the
// teacher's MockBackend call-tracking pattern.
type MockStack struct {
	name string

	mu         sync.Mutex
	dispatched []MockDispatch
	closed     bool
	dispatchErr error

	responses chan []byte
}

// MockDispatch records one call to MockStack.Dispatch.
type MockDispatch struct {
	Packet    []byte
	Recipient any
}

// NewMockStack creates a mock stack named name.
func NewMockStack(name string) *MockStack {
	return &MockStack{name: name, responses: make(chan []byte, 64)}
}

// Name implements interfaces.Stack.
func (m *MockStack) Name() string { return m.name }

// Dispatch implements interfaces.Stack, recording the call.
func (m *MockStack) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, MockDispatch{Packet: append([]byte(nil), pkt...), Recipient: recipient})
	return m.dispatchErr
}

// Responses implements interfaces.Stack.
func (m *MockStack) Responses() <-chan []byte { return m.responses }

// Close implements interfaces.Stack.
func (m *MockStack) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	close(m.responses)
	return nil
}

// PushResponse injects pkt as if it arrived from the mock device.
func (m *MockStack) PushResponse(pkt []byte) { m.responses <- pkt }

// SetDispatchError makes every subsequent Dispatch call return err.
func (m *MockStack) SetDispatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchErr = err
}

// Dispatched returns every recorded Dispatch call, in order.
func (m *MockStack) Dispatched() []MockDispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDispatch(nil), m.dispatched...)
}

// IsClosed reports whether Close has been called.
func (m *MockStack) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ interfaces.Stack = (*MockStack)(nil)

// MockClientIO is a mock implementation of internal/interfaces.ClientIO
// for testing the network layer without a real socket.
type MockClientIO struct {
	name string

	mu      sync.Mutex
	inbound []byte
	written [][]byte
	closed  bool
}

// NewMockClientIO creates a mock client connection named name.
func NewMockClientIO(name string) *MockClientIO {
	return &MockClientIO{name: name}
}

// Feed appends p to the bytes the next RawRead calls will return, as if it
// had arrived on the wire.
func (m *MockClientIO) Feed(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, p...)
}

// RawRead implements interfaces.ClientIO.
func (m *MockClientIO) RawRead(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return 0, syscall.EAGAIN
	}
	n := copy(p, m.inbound)
	m.inbound = m.inbound[n:]
	return n, nil
}

// RawWrite implements interfaces.ClientIO.
func (m *MockClientIO) RawWrite(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), p...))
	return len(p), nil
}

// SetWritable implements interfaces.ClientIO.
func (m *MockClientIO) SetWritable(bool) {}

// RemoteName implements interfaces.ClientIO.
func (m *MockClientIO) RemoteName() string { return m.name }

// Close implements interfaces.ClientIO.
func (m *MockClientIO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Written returns every packet handed to RawWrite, in order.
func (m *MockClientIO) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

// IsClosed reports whether Close has been called.
func (m *MockClientIO) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ interfaces.ClientIO = (*MockClientIO)(nil)
