package hardware

import (
	"context"
	"testing"

	"github.com/brickd-project/brickd/internal/uapi"
)

type fakeBackend struct {
	name      string
	dispatchedRecipients []any
	dispatchedPackets    [][]byte
	err                  error
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	f.dispatchedRecipients = append(f.dispatchedRecipients, recipient)
	f.dispatchedPackets = append(f.dispatchedPackets, pkt)
	return f.err
}
func (f *fakeBackend) Responses() <-chan []byte { return nil }
func (f *fakeBackend) Close() error             { return nil }

func TestRecipientTable_AddGetUpsert(t *testing.T) {
	var rt RecipientTable
	rt.Add(1, "a")
	rt.Add(2, "b")
	rt.Add(1, "a-updated")

	if v, ok := rt.Get(1); !ok || v != "a-updated" {
		t.Fatalf("Get(1) = (%v, %v), want (\"a-updated\", true)", v, ok)
	}
	if rt.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rt.Len())
	}
}

func TestRecipientTable_GetMissing(t *testing.T) {
	var rt RecipientTable
	if _, ok := rt.Get(99); ok {
		t.Fatalf("Get() on empty table ok = true")
	}
}

func TestStack_DispatchRequest_NoForceUnknownUID(t *testing.T) {
	backend := &fakeBackend{name: "usb"}
	s := NewStack(backend)

	dispatched, err := s.DispatchRequest(context.Background(), 42, []byte{1, 2, 3}, false)
	if err != nil {
		t.Fatalf("DispatchRequest() error: %v", err)
	}
	if dispatched {
		t.Fatalf("DispatchRequest() claimed an unknown UID")
	}
	if len(backend.dispatchedPackets) != 0 {
		t.Fatalf("backend.Dispatch() was called for an unknown UID")
	}
}

func TestStack_DispatchRequest_KnownUID(t *testing.T) {
	backend := &fakeBackend{name: "usb"}
	s := NewStack(backend)
	s.Recipients.Add(42, "transfer-slot-3")

	dispatched, err := s.DispatchRequest(context.Background(), 42, []byte{1, 2, 3}, false)
	if err != nil || !dispatched {
		t.Fatalf("DispatchRequest() = (%v, %v), want (true, nil)", dispatched, err)
	}
	if len(backend.dispatchedRecipients) != 1 || backend.dispatchedRecipients[0] != "transfer-slot-3" {
		t.Fatalf("backend received recipient %v, want transfer-slot-3", backend.dispatchedRecipients)
	}
}

func TestStack_DispatchRequest_Force(t *testing.T) {
	backend := &fakeBackend{name: "usb"}
	s := NewStack(backend)

	dispatched, err := s.DispatchRequest(context.Background(), 0, []byte{1}, true)
	if err != nil || !dispatched {
		t.Fatalf("DispatchRequest(force) = (%v, %v), want (true, nil)", dispatched, err)
	}
	if backend.dispatchedRecipients[0] != nil {
		t.Fatalf("forced dispatch passed non-nil recipient %v", backend.dispatchedRecipients[0])
	}
}

func TestStack_AnnounceDisconnect(t *testing.T) {
	backend := &fakeBackend{name: "usb"}
	s := NewStack(backend)
	s.Recipients.Add(10, "x")
	s.Recipients.Add(20, "y")

	var announced []uint32
	s.AnnounceDisconnect(func(pkt []byte) {
		payload, err := uapi.UnmarshalEnumeratePayload(pkt[8:])
		if err != nil {
			t.Fatalf("UnmarshalEnumeratePayload error: %v", err)
		}
		if payload.EnumerationType != uapi.EnumerationTypeDisconnected {
			t.Fatalf("EnumerationType = %d, want disconnected", payload.EnumerationType)
		}
		announced = append(announced, 1)
	})

	if len(announced) != 2 {
		t.Fatalf("AnnounceDisconnect invoked respond %d times, want 2", len(announced))
	}
}

func TestRegistry_DispatchRequest_Broadcast(t *testing.T) {
	reg := NewRegistry()
	a := NewStack(&fakeBackend{name: "usb"})
	b := NewStack(&fakeBackend{name: "spi"})
	reg.Add(a)
	reg.Add(b)

	if err := reg.DispatchRequest(context.Background(), 0, []byte{1}); err != nil {
		t.Fatalf("DispatchRequest(uid=0) error: %v", err)
	}
	if len(a.Backend.(*fakeBackend).dispatchedPackets) != 1 {
		t.Fatalf("stack a did not receive the broadcast")
	}
	if len(b.Backend.(*fakeBackend).dispatchedPackets) != 1 {
		t.Fatalf("stack b did not receive the broadcast")
	}
}

func TestRegistry_DispatchRequest_KnownUIDNoBroadcast(t *testing.T) {
	reg := NewRegistry()
	known := NewStack(&fakeBackend{name: "usb"})
	known.Recipients.Add(7, "slot")
	unrelated := NewStack(&fakeBackend{name: "spi"})
	reg.Add(known)
	reg.Add(unrelated)

	if err := reg.DispatchRequest(context.Background(), 7, []byte{1}); err != nil {
		t.Fatalf("DispatchRequest() error: %v", err)
	}
	if len(known.Backend.(*fakeBackend).dispatchedPackets) != 1 {
		t.Fatalf("known stack did not receive the request")
	}
	if len(unrelated.Backend.(*fakeBackend).dispatchedPackets) != 0 {
		t.Fatalf("unrelated stack should not receive a targeted request once claimed")
	}
}

func TestRegistry_DispatchRequest_UnknownUIDFallsBackToBroadcast(t *testing.T) {
	reg := NewRegistry()
	a := NewStack(&fakeBackend{name: "usb"})
	b := NewStack(&fakeBackend{name: "spi"})
	reg.Add(a)
	reg.Add(b)

	if err := reg.DispatchRequest(context.Background(), 999, []byte{1}); err != nil {
		t.Fatalf("DispatchRequest() error: %v", err)
	}
	if len(a.Backend.(*fakeBackend).dispatchedPackets) != 1 {
		t.Fatalf("stack a did not receive the fallback broadcast")
	}
	if len(b.Backend.(*fakeBackend).dispatchedPackets) != 1 {
		t.Fatalf("stack b did not receive the fallback broadcast")
	}
}
