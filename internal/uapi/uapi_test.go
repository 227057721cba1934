package uapi

import "testing"

func TestEnumeratePayload_RoundTrip(t *testing.T) {
	original := &EnumeratePayload{
		UID:              [8]byte{'a', 'b', 'c', 0, 0, 0, 0, 0},
		ConnectedUID:     [8]byte{'0', 0, 0, 0, 0, 0, 0, 0},
		Position:         1,
		HardwareVersion:  [3]uint8{1, 0, 0},
		FirmwareVersion:  [3]uint8{2, 0, 3},
		DeviceIdentifier: 13,
		EnumerationType:  EnumerationTypeConnected,
	}

	data := MarshalEnumeratePayload(original)
	if len(data) != EnumeratePayloadSize {
		t.Fatalf("MarshalEnumeratePayload length = %d, want %d", len(data), EnumeratePayloadSize)
	}

	decoded, err := UnmarshalEnumeratePayload(data)
	if err != nil {
		t.Fatalf("UnmarshalEnumeratePayload error: %v", err)
	}
	if decoded.UID != original.UID {
		t.Errorf("UID = %v, want %v", decoded.UID, original.UID)
	}
	if decoded.DeviceIdentifier != original.DeviceIdentifier {
		t.Errorf("DeviceIdentifier = %d, want %d", decoded.DeviceIdentifier, original.DeviceIdentifier)
	}
	if decoded.EnumerationType != original.EnumerationType {
		t.Errorf("EnumerationType = %d, want %d", decoded.EnumerationType, original.EnumerationType)
	}
}

func TestUnmarshalEnumeratePayload_TooShort(t *testing.T) {
	if _, err := UnmarshalEnumeratePayload(make([]byte, 4)); err == nil {
		t.Fatalf("UnmarshalEnumeratePayload with short buffer did not error")
	}
}

func TestAuthenticatePayload_RoundTrip(t *testing.T) {
	original := &AuthenticatePayload{ClientNonce: 0xDEADBEEF}
	for i := range original.Digest {
		original.Digest[i] = byte(i)
	}

	data := MarshalAuthenticatePayload(original)
	if len(data) != AuthenticatePayloadSize {
		t.Fatalf("MarshalAuthenticatePayload length = %d, want %d", len(data), AuthenticatePayloadSize)
	}

	decoded, err := UnmarshalAuthenticatePayload(data)
	if err != nil {
		t.Fatalf("UnmarshalAuthenticatePayload error: %v", err)
	}
	if decoded.ClientNonce != original.ClientNonce {
		t.Errorf("ClientNonce = %d, want %d", decoded.ClientNonce, original.ClientNonce)
	}
	if decoded.Digest != original.Digest {
		t.Errorf("Digest = %v, want %v", decoded.Digest, original.Digest)
	}
}

func TestSPIFrame_RoundTrip(t *testing.T) {
	original := &SPIFrame{SeqMaster: 3, SeqSlave: 2, Length: 10, Checksum: 0xAB}
	copy(original.Payload[:], []byte("hello"))

	data := MarshalSPIFrame(original)
	if len(data) != SPIFrameSize {
		t.Fatalf("MarshalSPIFrame length = %d, want %d", len(data), SPIFrameSize)
	}

	decoded, err := UnmarshalSPIFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalSPIFrame error: %v", err)
	}
	if decoded.SeqMaster != original.SeqMaster || decoded.SeqSlave != original.SeqSlave {
		t.Errorf("seq = (%d,%d), want (%d,%d)", decoded.SeqMaster, decoded.SeqSlave, original.SeqMaster, original.SeqSlave)
	}
	if decoded.Checksum != original.Checksum {
		t.Errorf("Checksum = %d, want %d", decoded.Checksum, original.Checksum)
	}
	if decoded.Payload != original.Payload {
		t.Errorf("Payload mismatch")
	}
}

func TestUnmarshalSPIFrame_TooShort(t *testing.T) {
	if _, err := UnmarshalSPIFrame(make([]byte, 10)); err == nil {
		t.Fatalf("UnmarshalSPIFrame with short buffer did not error")
	}
}
