// Package constants holds protocol and timing constants shared across brickd's
// internal packages.
package constants

import "time"

// Packet framing (spec.md §3, §6).
const (
	// HeaderSize is the fixed size of a packet header in bytes.
	HeaderSize = 8

	// MinPacketLength and MaxPacketLength bound a valid packet's total length.
	MinPacketLength = 8
	MaxPacketLength = 80

	// MaxSequenceNumber is the largest valid (non-callback) sequence number.
	MaxSequenceNumber = 15
)

// Reserved UIDs (spec.md §3).
const (
	UIDBroadcast = 0
	UIDDaemon    = 1
)

// Reserved function IDs on UID=1 (spec.md §6).
//
// FunctionEnumerate is not given a concrete numeric value in spec.md's
// external-interface table; it is assigned 253 here, distinct from
// FunctionDisconnectProbe (254, fixed by spec.md §6) to avoid the collision
// that the scenario text in spec.md §8 appears to create.
const (
	FunctionGetAuthenticationNonce = 1
	FunctionAuthenticate           = 2
	FunctionEnumerate              = 253
	FunctionDisconnectProbe        = 254
)

// Enumeration types carried in an ENUMERATE callback payload (spec.md §6).
const (
	EnumerationTypeAvailable    = 0
	EnumerationTypeConnected    = 1
	EnumerationTypeDisconnected = 2
)

// Error codes carried in a response header's 2-bit error_code field (spec.md §6).
const (
	ErrorCodeOK                   = 0
	ErrorCodeInvalidParameter     = 1
	ErrorCodeFunctionNotSupported = 2
	ErrorCodeUnknownError         = 3
)

// Pending-request bookkeeping (spec.md §3).
const (
	// MaxPendingRequestsPerClient is the per-client cap on outstanding pending
	// requests; the oldest is dropped FIFO on overflow.
	MaxPendingRequestsPerClient = 32768
)

// Zombie drain timeout (spec.md §4.H).
const ZombieDrainTimeout = 1 * time.Second

// USB transport (spec.md §4.K).
const (
	USBReadTransfersPerDevice  = 10
	USBWriteTransfersPerDevice = 10
	USBWriteBacklogCapacity    = 32768

	// USBClaimInterfaceRetries and USBClaimInterfaceRetryDelay bound the
	// retry loop used to tolerate races with the OS driver attaching to a
	// newly enumerated device.
	USBClaimInterfaceRetries    = 10
	USBClaimInterfaceRetryDelay = 50 * time.Millisecond

	// USBStallPendingErrorTimeout delays stall/unspecified-error recovery so
	// a simultaneous hot-unplug can resolve first.
	USBStallPendingErrorTimeout = 1 * time.Second

	// RED Brick quirk bytes: a short first transfer after reopen may carry
	// one of these fixed bytes because the host queued it before USB OTG
	// sync completed.
	REDBrickQuirkByteA = 0xA1
	REDBrickQuirkByteB = 0xAA

	// USBRescanInterval is how often the daemon polls for USB attach/detach
	// events. gousb does not expose libusb's hotplug callback API, so
	// hot-plug is approximated by periodic enumeration rather than a true
	// event callback.
	USBRescanInterval = 2 * time.Second
)

// SPI master protocol on the RED Brick (spec.md §4.L).
const (
	SPIMaxSlaves      = 8
	SPIFramePreamble  = 0xAA
	SPIFrameMinLength = 4 // empty poll frame: preamble+length+info+checksum
	SPIFrameMaxLength = 84
	SPIMaxSeq         = 7 // sequence numbers wrap mod 8

	SPIDiscoveryRetries    = 10
	SPIDiscoveryRetryDelay = 50 * time.Millisecond
	SPIDefaultPollDelay    = 50 * time.Microsecond
	SPIResetBootDelay      = 1500 * time.Millisecond

	// SPIResponseDrainBatch is a per-wake-up drain size for queued SPI
	// responses. Nothing reads it: the daemon's drainPumpQueue dispatches
	// every queued response (SPI or otherwise) on each wake-up, with no
	// per-wake-up bound.
	SPIResponseDrainBatch = 5
)

// RS485 (spec.md §1: a reduced, non-Modbus variant is in scope; full Modbus
// framing is explicitly out of scope).
const (
	RS485DefaultPollDelay = 50 * time.Microsecond
)
