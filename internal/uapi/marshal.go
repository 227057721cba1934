package uapi

import (
	"encoding/binary"
	"fmt"
)

// MarshalEnumeratePayload manually marshals an EnumeratePayload, matching
// the rest of this codebase's hand-packed little-endian wire structures.
func MarshalEnumeratePayload(p *EnumeratePayload) []byte {
	buf := make([]byte, EnumeratePayloadSize)
	off := 0
	copy(buf[off:off+8], p.UID[:])
	off += 8
	copy(buf[off:off+8], p.ConnectedUID[:])
	off += 8
	buf[off] = p.Position
	off++
	copy(buf[off:off+3], p.HardwareVersion[:])
	off += 3
	copy(buf[off:off+3], p.FirmwareVersion[:])
	off += 3
	binary.LittleEndian.PutUint16(buf[off:off+2], p.DeviceIdentifier)
	off += 2
	buf[off] = p.EnumerationType
	return buf
}

// UnmarshalEnumeratePayload decodes buf into an EnumeratePayload.
func UnmarshalEnumeratePayload(buf []byte) (*EnumeratePayload, error) {
	if len(buf) < EnumeratePayloadSize {
		return nil, fmt.Errorf("uapi: enumerate payload too short: %d < %d", len(buf), EnumeratePayloadSize)
	}
	p := &EnumeratePayload{}
	off := 0
	copy(p.UID[:], buf[off:off+8])
	off += 8
	copy(p.ConnectedUID[:], buf[off:off+8])
	off += 8
	p.Position = buf[off]
	off++
	copy(p.HardwareVersion[:], buf[off:off+3])
	off += 3
	copy(p.FirmwareVersion[:], buf[off:off+3])
	off += 3
	p.DeviceIdentifier = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	p.EnumerationType = buf[off]
	return p, nil
}

// MarshalAuthenticatePayload manually marshals an AuthenticatePayload.
func MarshalAuthenticatePayload(p *AuthenticatePayload) []byte {
	buf := make([]byte, AuthenticatePayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.ClientNonce)
	copy(buf[4:24], p.Digest[:])
	return buf
}

// UnmarshalAuthenticatePayload decodes buf into an AuthenticatePayload.
func UnmarshalAuthenticatePayload(buf []byte) (*AuthenticatePayload, error) {
	if len(buf) < AuthenticatePayloadSize {
		return nil, fmt.Errorf("uapi: authenticate payload too short: %d < %d", len(buf), AuthenticatePayloadSize)
	}
	p := &AuthenticatePayload{}
	p.ClientNonce = binary.LittleEndian.Uint32(buf[0:4])
	copy(p.Digest[:], buf[4:24])
	return p, nil
}

// MarshalSPIFrame manually marshals f into an 84-byte buffer in SPIFrame's
// layout. The checksum byte is taken from f.Checksum as-is; nothing here
// computes or checks it.
func MarshalSPIFrame(f *SPIFrame) []byte {
	buf := make([]byte, SPIFrameSize)
	buf[0] = f.SeqMaster
	buf[1] = f.SeqSlave
	buf[2] = f.Length
	copy(buf[3:3+SPIFramePayloadSize], f.Payload[:])
	buf[SPIFrameSize-1] = f.Checksum
	return buf
}

// UnmarshalSPIFrame decodes an 84-byte buffer into an SPIFrame.
func UnmarshalSPIFrame(buf []byte) (*SPIFrame, error) {
	if len(buf) < SPIFrameSize {
		return nil, fmt.Errorf("uapi: SPI frame too short: %d < %d", len(buf), SPIFrameSize)
	}
	f := &SPIFrame{}
	f.SeqMaster = buf[0]
	f.SeqSlave = buf[1]
	f.Length = buf[2]
	copy(f.Payload[:], buf[3:3+SPIFramePayloadSize])
	f.Checksum = buf[SPIFrameSize-1]
	return f, nil
}
