package network

import (
	"context"
	"errors"
	"syscall"

	"github.com/brickd-project/brickd/internal/auth"
	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/interfaces"
	"github.com/brickd-project/brickd/internal/uapi"
	"github.com/brickd-project/brickd/internal/wire"
	"github.com/brickd-project/brickd/internal/writer"
)

// Client is one connected peer: its framing state, authentication
// handshake, and outbound writer (spec.md §3 Client, §4.G, §4.M).
type Client struct {
	id      uint64
	name    string
	io      interfaces.ClientIO
	network *Network

	buf           [constants.MaxPacketLength]byte
	used          int
	headerChecked bool
	header        wire.Header

	auth        *auth.Handshake
	serverNonce uint32

	writer *writer.Writer

	disconnected           bool
	droppedPendingRequests int
}

func newClientWriter(io interfaces.ClientIO, c *Client) *writer.Writer {
	return writer.New(io, func(error) { c.disconnected = true })
}

// Name returns the client's display/remote name.
func (c *Client) Name() string { return c.name }

// Disconnected reports whether the reactor should destroy this client at
// the next cleanup pass.
func (c *Client) Disconnected() bool { return c.disconnected }

// Write hands pkt to the client's outbound writer.
func (c *Client) Write(pkt []byte) { c.writer.Write(pkt) }

// OnWritable drains the client's backlog on a writable reactor event
// (spec.md §4.C).
func (c *Client) OnWritable() { c.writer.Drain() }

// OnReadable implements spec.md §4.G's client read loop.
func (c *Client) OnReadable(ctx context.Context) {
	n, err := c.io.RawRead(c.buf[c.used:])
	if err != nil {
		if isRetryable(err) {
			return
		}
		c.disconnected = true
		return
	}
	if n == 0 {
		c.disconnected = true
		return
	}
	c.used += n

	for {
		if c.used < wire.Size {
			return
		}
		if !c.headerChecked {
			hdr, err := wire.Unmarshal(c.buf[:])
			if err != nil || !wire.IsValidRequest(hdr) {
				c.disconnected = true
				return
			}
			c.header = hdr
			c.headerChecked = true
		}
		if c.used < int(c.header.Length) {
			return
		}

		if c.header.FunctionID != constants.FunctionDisconnectProbe {
			c.handleRequest(ctx, c.header, c.buf[:c.header.Length])
		}

		remaining := c.used - int(c.header.Length)
		copy(c.buf[:remaining], c.buf[c.header.Length:c.used])
		c.used = remaining
		c.headerChecked = false
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// handleRequest implements the authentication gate and forwarding policy
// of spec.md §4.M, dispatching UID-1 requests locally and everything else
// to hardware.
func (c *Client) handleRequest(ctx context.Context, hdr wire.Header, pkt []byte) {
	if hdr.UID == constants.UIDDaemon {
		c.handleDaemonRequest(hdr, pkt)
		return
	}

	if !c.auth.State().CanForward() {
		return // dropped silently, no error response (spec.md §4.M)
	}

	if hdr.ResponseExpected {
		c.network.ClientExpectsResponse(c, hdr)
	}
	if err := c.network.DispatchRequest(ctx, pkt); err != nil && c.network.Logger != nil {
		c.network.Logger.Debugf("network: dispatch error for uid %d: %v", hdr.UID, err)
	}
}

func (c *Client) handleDaemonRequest(hdr wire.Header, pkt []byte) {
	payload := pkt[wire.Size:]

	switch hdr.FunctionID {
	case constants.FunctionGetAuthenticationNonce:
		if hdr.Length != wire.Size {
			c.disconnected = true
			return
		}
		res := c.auth.GetAuthenticationNonce(c.network.nextNonce())
		if res.Disconnect {
			c.disconnected = true
			return
		}
		c.serverNonce = res.ServerNonce
		c.respondNonce(hdr, res.ServerNonce)

	case constants.FunctionAuthenticate:
		if hdr.Length != wire.Size+uapi.AuthenticatePayloadSize {
			c.disconnected = true
			return
		}
		req, err := uapi.UnmarshalAuthenticatePayload(payload)
		if err != nil {
			c.disconnected = true
			return
		}
		res := c.auth.Authenticate(req.ClientNonce, req.Digest[:])
		if res.Disconnect {
			c.disconnected = true
			return
		}
		if hdr.ResponseExpected {
			c.respondEmpty(hdr)
		}

	default:
		c.respondError(hdr, constants.ErrorCodeFunctionNotSupported)
	}
}

func (c *Client) respondNonce(req wire.Header, nonce uint32) {
	var payload [4]byte
	payload[0] = byte(nonce)
	payload[1] = byte(nonce >> 8)
	payload[2] = byte(nonce >> 16)
	payload[3] = byte(nonce >> 24)
	c.respond(req, payload[:], constants.ErrorCodeOK)
}

func (c *Client) respondEmpty(req wire.Header) {
	c.respond(req, nil, constants.ErrorCodeOK)
}

func (c *Client) respondError(req wire.Header, code uint8) {
	c.respond(req, nil, code)
}

func (c *Client) respond(req wire.Header, payload []byte, errorCode uint8) {
	resp := wire.Header{
		UID:            constants.UIDDaemon,
		FunctionID:     req.FunctionID,
		SequenceNumber: req.SequenceNumber,
		ErrorCode:      errorCode,
	}
	pkt, err := wire.BuildPacket(resp, payload)
	if err != nil {
		return
	}
	c.writer.Write(pkt)
}
