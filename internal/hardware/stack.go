package hardware

import (
	"context"

	"github.com/brickd-project/brickd/internal/base58"
	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/container"
	"github.com/brickd-project/brickd/internal/interfaces"
	"github.com/brickd-project/brickd/internal/uapi"
	"github.com/brickd-project/brickd/internal/wire"
)

// Stack pairs a transport backend with the recipient table spec.md §4.E
// requires every stack to maintain. It embeds container.Elem so a Registry
// can link it into its intrusive stack list without a second allocation.
type Stack struct {
	Backend    interfaces.Stack
	Recipients RecipientTable

	elem container.Elem[Stack]
}

// NewStack wraps backend with a fresh, empty recipient table.
func NewStack(backend interfaces.Stack) *Stack {
	return &Stack{Backend: backend}
}

// Name returns the wrapped backend's name.
func (s *Stack) Name() string { return s.Backend.Name() }

// DispatchRequest implements spec.md §4.E's dispatch_request: if !force, a
// recipient must already be known for pkt's uid or the request is not
// dispatched; if force, the request is handed to the backend with a nil
// recipient so the backend broadcasts to every device it manages.
func (s *Stack) DispatchRequest(ctx context.Context, uid uint32, pkt []byte, force bool) (dispatched bool, err error) {
	if !force {
		recipient, ok := s.Recipients.Get(uid)
		if !ok {
			return false, nil
		}
		if err := s.Backend.Dispatch(ctx, pkt, recipient); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := s.Backend.Dispatch(ctx, pkt, nil); err != nil {
		return false, err
	}
	return true, nil
}

// AnnounceDisconnect implements spec.md §4.E's announce_disconnect: for
// every known recipient, synthesize an ENUMERATE_DISCONNECTED callback and
// hand it to respond (normally internal/network's response dispatcher).
func (s *Stack) AnnounceDisconnect(respond func(pkt []byte)) {
	s.Recipients.Each(func(uid uint32, _ any) {
		respond(enumerateDisconnectedPacket(uid))
	})
}

// enumerateDisconnectedPacket synthesizes an ENUMERATE callback of type
// disconnected for uid (spec.md §4.E, §6). position/versions/device
// identifier are unknown at disconnect time and left zeroed; only uid and
// enumeration_type matter to a client reacting to device loss.
func enumerateDisconnectedPacket(uid uint32) []byte {
	var payload uapi.EnumeratePayload
	copy(payload.UID[:], base58.Encode(uid))
	payload.EnumerationType = uapi.EnumerationTypeDisconnected

	body := uapi.MarshalEnumeratePayload(&payload)
	header := wire.Header{
		UID:            uid,
		FunctionID:     constants.FunctionEnumerate,
		SequenceNumber: 0,
	}
	pkt, err := wire.BuildPacket(header, body)
	if err != nil {
		// body is always uapi.EnumeratePayloadSize (26) bytes, so total
		// length always falls inside [8,80]; BuildPacket cannot fail here.
		panic(err)
	}
	return pkt
}
