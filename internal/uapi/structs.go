// Package uapi holds brickd's fixed-layout wire structures: the enumerate
// callback payload (spec.md §6) and the SPI master frame (spec.md §4.L).
// Structures here are marshaled by hand with encoding/binary rather than
// via unsafe memory casts, since these payloads travel over the network
// and must stay little-endian regardless of host byte order.
package uapi

// EnumeratePayload is the fixed-layout body of an ENUMERATE callback
// (spec.md §6). UID fields are base58-encoded ASCII, left-justified and
// NUL-padded to 8 bytes.
type EnumeratePayload struct {
	UID              [8]byte
	ConnectedUID     [8]byte
	Position         uint8
	HardwareVersion  [3]uint8
	FirmwareVersion  [3]uint8
	DeviceIdentifier uint16
	EnumerationType  uint8
}

// EnumeratePayloadSize is the wire size of EnumeratePayload.
const EnumeratePayloadSize = 8 + 8 + 1 + 3 + 3 + 2 + 1

// Enumeration types (spec.md §6).
const (
	EnumerationTypeAvailable    uint8 = 0
	EnumerationTypeConnected    uint8 = 1
	EnumerationTypeDisconnected uint8 = 2
)

// AuthenticatePayload is AUTHENTICATE's fixed-layout request body
// (spec.md §6).
type AuthenticatePayload struct {
	ClientNonce uint32
	Digest      [20]byte
}

// AuthenticatePayloadSize is the wire size of AuthenticatePayload.
const AuthenticatePayloadSize = 4 + 20

// SPIFrame is a fixed 84-byte frame container: SeqMaster, SeqSlave and
// Length in bytes 0..2, payload, checksum in byte 83. This is not the
// layout internal/spi puts on the wire (preamble, length, payload, info
// byte, checksum right after the payload), and internal/spi does not use
// it.
type SPIFrame struct {
	SeqMaster uint8 // bits 0..2: master sequence number, mod 8
	SeqSlave  uint8 // bits 0..2: echoed slave sequence number, mod 8
	Length    uint8
	Payload   [SPIFramePayloadSize]byte
	Checksum  uint8
}

// SPIFrameSize is the SPI frame size (84 bytes, also used by internal/spi).
// SPIFramePayloadSize is SPIFrame's payload size: 84 bytes minus its 3
// header bytes and 1 trailing checksum byte.
const (
	SPIFrameSize        = 84
	SPIFramePayloadSize = SPIFrameSize - 3 - 1
)
