package brickd

import "github.com/brickd-project/brickd/internal/constants"

// Re-exported protocol constants (spec.md §3, §6).
const (
	MinPacketLength = constants.MinPacketLength
	MaxPacketLength = constants.MaxPacketLength
	HeaderSize      = constants.HeaderSize

	UIDBroadcast = constants.UIDBroadcast
	UIDDaemon    = constants.UIDDaemon

	FunctionGetAuthenticationNonce = constants.FunctionGetAuthenticationNonce
	FunctionAuthenticate           = constants.FunctionAuthenticate
	FunctionEnumerate              = constants.FunctionEnumerate
	FunctionDisconnectProbe        = constants.FunctionDisconnectProbe

	EnumerationTypeAvailable    = constants.EnumerationTypeAvailable
	EnumerationTypeConnected    = constants.EnumerationTypeConnected
	EnumerationTypeDisconnected = constants.EnumerationTypeDisconnected

	ErrorCodeOK                   = constants.ErrorCodeOK
	ErrorCodeInvalidParameter     = constants.ErrorCodeInvalidParameter
	ErrorCodeFunctionNotSupported = constants.ErrorCodeFunctionNotSupported
	ErrorCodeUnknownError         = constants.ErrorCodeUnknownError

	MaxPendingRequestsPerClient = constants.MaxPendingRequestsPerClient
)
