package brickd

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is brickd's structured error type, generalizing spec.md §7's error
// taxonomy (protocol violation, authentication failure, resource
// exhaustion, transient/permanent transport, unmatched/malformed response)
// into a single type with errors.Is/As support.
type Error struct {
	Op         string // operation that failed (e.g., "client.read", "usb.claim_interface")
	UID        uint32 // device UID (0 if not applicable)
	ClientName string // peer name (empty if not applicable)
	Code       BrickdErrorCode
	Errno      syscall.Errno // kernel errno, if any (0 otherwise)
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.UID != 0 {
		parts = append(parts, fmt.Sprintf("uid=%d", e.UID))
	}
	if e.ClientName != "" {
		parts = append(parts, fmt.Sprintf("client=%s", e.ClientName))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("brickd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("brickd: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// BrickdErrorCode is a high-level error category (spec.md §7).
type BrickdErrorCode string

const (
	ErrCodeProtocolViolation  BrickdErrorCode = "protocol violation"
	ErrCodeAuthFailure        BrickdErrorCode = "authentication failure"
	ErrCodeResourceExhausted  BrickdErrorCode = "resource exhaustion"
	ErrCodeTransientTransport BrickdErrorCode = "transient transport error"
	ErrCodePermanentTransport BrickdErrorCode = "permanent transport error"
	ErrCodeUnmatchedResponse  BrickdErrorCode = "unmatched response"
	ErrCodeMalformedResponse  BrickdErrorCode = "malformed response"
	ErrCodeIOError            BrickdErrorCode = "I/O error"
	ErrCodeTimeout            BrickdErrorCode = "timeout"
	ErrCodeInvalidParameters  BrickdErrorCode = "invalid parameters"
)

// NewError builds a bare structured error.
func NewError(op string, code BrickdErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewClientError builds an error attributed to a specific client.
func NewClientError(op, clientName string, code BrickdErrorCode, msg string) *Error {
	return &Error{Op: op, ClientName: clientName, Code: code, Msg: msg}
}

// NewDeviceError builds an error attributed to a specific UID.
func NewDeviceError(op string, uid uint32, code BrickdErrorCode, msg string) *Error {
	return &Error{Op: op, UID: uid, Code: code, Msg: msg}
}

// WrapError wraps inner with brickd op context, mapping syscall errnos to a
// BrickdErrorCode the way spec.md §7 classifies transport faults.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			UID:        be.UID,
			ClientName: be.ClientName,
			Code:       be.Code,
			Errno:      be.Errno,
			Msg:        be.Msg,
			Inner:      be.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a kernel errno to the transient/permanent split
// spec.md §7 requires transport layers to make (EINTR/EAGAIN retry at the
// layer that saw them; ENODEV/ENXIO mark the device for removal).
func mapErrnoToCode(errno syscall.Errno) BrickdErrorCode {
	switch errno {
	case syscall.EINTR, syscall.EAGAIN:
		return ErrCodeTransientTransport
	case syscall.ENODEV, syscall.ENXIO, syscall.ENOENT:
		return ErrCodePermanentTransport
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EINVAL:
		return ErrCodeInvalidParameters
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err (or something it wraps) carries code.
func IsCode(err error, code BrickdErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
