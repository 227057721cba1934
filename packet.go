package brickd

import "github.com/brickd-project/brickd/internal/wire"

// Header is the public alias of the wire header type (spec.md §6). See
// internal/wire for the bit-layout resolution and marshal/unmarshal
// implementation.
type Header = wire.Header

// Packet is a fully decoded header plus its payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// Marshal encodes p as a complete wire packet.
func (p Packet) Marshal() ([]byte, error) {
	return wire.BuildPacket(p.Header, p.Payload)
}

// MarshalHeader encodes h into the first HeaderSize bytes of buf.
func MarshalHeader(h Header, buf []byte) error { return wire.Marshal(h, buf) }

// UnmarshalHeader decodes the first HeaderSize bytes of buf into a Header.
func UnmarshalHeader(buf []byte) (Header, error) { return wire.Unmarshal(buf) }

// IsValidRequest implements spec.md §4.D.
func IsValidRequest(h Header) bool { return wire.IsValidRequest(h) }

// IsValidResponse implements spec.md §4.D.
func IsValidResponse(h Header) bool { return wire.IsValidResponse(h) }

// IsMatchingResponse implements spec.md §4.D.
func IsMatchingResponse(response, savedRequest Header) bool {
	return wire.IsMatchingResponse(response, savedRequest)
}
