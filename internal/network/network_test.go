package network

import (
	"context"
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/hardware"
	"github.com/brickd-project/brickd/internal/wire"
)

type fakeIO struct {
	name    string
	toRead  []byte
	readPos int
	writes  [][]byte
	closed  bool
}

func (f *fakeIO) RawRead(p []byte) (int, error) {
	if f.readPos >= len(f.toRead) {
		return 0, syscall.EAGAIN
	}
	n := copy(p, f.toRead[f.readPos:])
	f.readPos += n
	return n, nil
}

func (f *fakeIO) RawWrite(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeIO) SetWritable(bool) {}
func (f *fakeIO) RemoteName() string { return f.name }
func (f *fakeIO) Close() error       { f.closed = true; return nil }

type fakeBackend struct {
	dispatched int
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	b.dispatched++
	return nil
}
func (b *fakeBackend) Responses() <-chan []byte { return nil }
func (b *fakeBackend) Close() error             { return nil }

func newTestNetwork(secret []byte) (*Network, *hardware.Registry, *fakeBackend) {
	reg := hardware.NewRegistry()
	backend := &fakeBackend{}
	reg.Add(hardware.NewStack(backend))
	return New(secret, reg, nil, nil), reg, backend
}

func buildRequest(t *testing.T, hdr wire.Header, payload []byte) []byte {
	t.Helper()
	pkt, err := wire.BuildPacket(hdr, payload)
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}
	return pkt
}

func TestClient_GetAuthenticationNonceRoundTrip(t *testing.T) {
	net, _, _ := newTestNetwork([]byte("secret"))
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: constants.UIDDaemon, FunctionID: constants.FunctionGetAuthenticationNonce,
		SequenceNumber: 1, ResponseExpected: true,
	}, nil)
	io.toRead = req

	c.OnReadable(context.Background())

	if c.Disconnected() {
		t.Fatalf("client unexpectedly disconnected")
	}
	if len(io.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(io.writes))
	}
	resp := io.writes[0]
	hdr, err := wire.Unmarshal(resp)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if hdr.UID != constants.UIDDaemon || hdr.FunctionID != constants.FunctionGetAuthenticationNonce {
		t.Fatalf("unexpected response header: %+v", hdr)
	}
	nonce := binary.LittleEndian.Uint32(resp[wire.Size:])
	if nonce == 0 {
		t.Fatalf("server_nonce is zero")
	}
}

func TestClient_UnknownDaemonFunctionRespondsError(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: constants.UIDDaemon, FunctionID: 99, SequenceNumber: 1, ResponseExpected: true,
	}, nil)
	io.toRead = req
	c.OnReadable(context.Background())

	if len(io.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(io.writes))
	}
	hdr, err := wire.Unmarshal(io.writes[0])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if hdr.ErrorCode != constants.ErrorCodeFunctionNotSupported {
		t.Fatalf("ErrorCode = %d, want FunctionNotSupported", hdr.ErrorCode)
	}
}

func TestClient_DisconnectProbeIsSilentlyDropped(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: constants.UIDDaemon, FunctionID: constants.FunctionDisconnectProbe, SequenceNumber: 1,
	}, nil)
	io.toRead = req
	c.OnReadable(context.Background())

	if c.Disconnected() {
		t.Fatalf("disconnect probe should not disconnect the client")
	}
	if len(io.writes) != 0 {
		t.Fatalf("disconnect probe should never produce a response, got %d writes", len(io.writes))
	}
}

func TestClient_RequestsDroppedWhileAuthenticationPending(t *testing.T) {
	net, _, backend := newTestNetwork([]byte("secret"))
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: 5, FunctionID: 1, SequenceNumber: 1, ResponseExpected: true,
	}, []byte{0x01})
	io.toRead = req
	c.OnReadable(context.Background())

	if backend.dispatched != 0 {
		t.Fatalf("backend.Dispatch called while unauthenticated")
	}
	if len(io.writes) != 0 {
		t.Fatalf("unauthenticated forward attempt should produce no response, got %d", len(io.writes))
	}
}

func TestClient_ForwardsWhenAuthenticationDisabled(t *testing.T) {
	net, _, backend := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: 5, FunctionID: 1, SequenceNumber: 1, ResponseExpected: true,
	}, []byte{0x01})
	io.toRead = req
	c.OnReadable(context.Background())

	if backend.dispatched != 1 {
		t.Fatalf("backend.Dispatch called %d times, want 1", backend.dispatched)
	}
	if net.Pending.GlobalCount() != 1 {
		t.Fatalf("Pending.GlobalCount() = %d, want 1", net.Pending.GlobalCount())
	}
}

func TestNetwork_DispatchResponseDeliversToClient(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: 5, FunctionID: 1, SequenceNumber: 3, ResponseExpected: true,
	}, []byte{0x01})
	io.toRead = req
	c.OnReadable(context.Background())
	io.writes = nil // clear, the request itself wrote nothing, but be explicit

	resp := buildRequest(t, wire.Header{UID: 5, FunctionID: 1, SequenceNumber: 3}, []byte{0xAA})
	net.DispatchResponse(nil, resp)

	if len(io.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(io.writes))
	}
	if net.Pending.GlobalCount() != 0 {
		t.Fatalf("Pending.GlobalCount() = %d, want 0 after match", net.Pending.GlobalCount())
	}
}

func TestNetwork_UnmatchedResponseBroadcasts(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io1 := &fakeIO{name: "peer1"}
	io2 := &fakeIO{name: "peer2"}
	net.AddClient(io1)
	net.AddClient(io2)

	resp := buildRequest(t, wire.Header{UID: 7, FunctionID: 1, SequenceNumber: 2}, nil)
	net.DispatchResponse(nil, resp)

	if len(io1.writes) != 1 || len(io2.writes) != 1 {
		t.Fatalf("unmatched response should broadcast to every client")
	}
}

func TestNetwork_RemoveClientWithPendingCreatesZombieAndDrainsOnMatch(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)

	req := buildRequest(t, wire.Header{
		UID: 5, FunctionID: 1, SequenceNumber: 4, ResponseExpected: true,
	}, nil)
	io.toRead = req
	c.OnReadable(context.Background())

	net.RemoveClient(c)
	if !io.closed {
		t.Fatalf("RemoveClient did not close the underlying io")
	}
	if net.Pending.GlobalCount() != 1 {
		t.Fatalf("pending request should survive client removal via zombie re-parenting")
	}

	resp := buildRequest(t, wire.Header{UID: 5, FunctionID: 1, SequenceNumber: 4}, nil)
	net.DispatchResponse(nil, resp)

	if net.Pending.GlobalCount() != 0 {
		t.Fatalf("Pending.GlobalCount() = %d, want 0 after zombie match", net.Pending.GlobalCount())
	}

	net.CleanupIteration()
	if len(net.zombies) != 0 {
		t.Fatalf("finished zombie should be cleaned up, got %d remaining", len(net.zombies))
	}
}

func TestNetwork_CleanupIterationRemovesDisconnectedClients(t *testing.T) {
	net, _, _ := newTestNetwork(nil)
	io := &fakeIO{name: "peer"}
	c := net.AddClient(io)
	c.disconnected = true

	net.CleanupIteration()

	if _, ok := net.clients[c.id]; ok {
		t.Fatalf("disconnected client was not removed")
	}
	if !io.closed {
		t.Fatalf("disconnected client's io should be closed on cleanup")
	}
}

func TestNetwork_DispatchResponseLearnsRecipient(t *testing.T) {
	net, _, backend := newTestNetwork(nil)
	stack := hardware.NewStack(backend)

	resp := buildRequest(t, wire.Header{UID: 11, FunctionID: 1, SequenceNumber: 0}, nil)
	net.DispatchResponse(stack, resp)

	if _, ok := stack.Recipients.Get(11); !ok {
		t.Fatalf("DispatchResponse did not learn uid 11 as a recipient")
	}
}

func TestNetwork_DispatchResponseDoesNotClobberKnownRecipient(t *testing.T) {
	net, _, backend := newTestNetwork(nil)
	stack := hardware.NewStack(backend)
	stack.Recipients.Add(11, 3) // e.g. an SPI chip-select learned by discovery

	resp := buildRequest(t, wire.Header{UID: 11, FunctionID: 1, SequenceNumber: 0}, nil)
	net.DispatchResponse(stack, resp)

	got, ok := stack.Recipients.Get(11)
	if !ok || got != 3 {
		t.Fatalf("Recipients.Get(11) = (%v, %v), want (3, true) — generic learning must not overwrite a known opaque", got, ok)
	}
}
