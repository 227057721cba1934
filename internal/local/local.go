// Package local implements the "local" stack variant (spec.md §3's Stack
// polymorphism): a single in-process peer — the gadget/redapid link —
// reached over a plain net.Conn (a UNIX-domain socket in practice) rather
// than USB, SPI, or RS485 framing. Its external protocol is out of scope,
// so this package only proxies already-framed brickd packets across the
// connection; it carries no knowledge of redapid's own request shapes.
//
// Grounded on the teacher's backend/mem.go: that file protects a shared
// byte buffer behind a mutex so many queue workers can read/write
// concurrently. This package has the same shape — one shared connection,
// one mutex-protected writer — but the "device" being protected is a
// socket instead of a memory region.
package local

import (
	"context"
	"fmt"
	"net"

	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/wire"
	"github.com/brickd-project/brickd/internal/writer"
)

// Stack implements interfaces.Stack for the local gadget/redapid peer. It
// frames packets out of the connection's byte stream the same way
// internal/network frames client packets (spec.md §4.G), since the wire
// format is identical regardless of transport.
type Stack struct {
	conn      net.Conn
	writer    *writer.Writer
	responses chan []byte

	buf  [constants.MaxPacketLength]byte
	used int

	uid        uint32
	haveUID    bool
	disconnect func(error)
}

// New wraps conn as the local stack. onDisconnect, if non-nil, is invoked
// once when the connection becomes unusable.
func New(conn net.Conn, onDisconnect func(error)) *Stack {
	s := &Stack{
		conn:       conn,
		responses:  make(chan []byte, 64),
		disconnect: onDisconnect,
	}
	s.writer = writer.New(connSink{conn}, func(err error) {
		if s.disconnect != nil {
			s.disconnect(err)
		}
	})
	return s
}

// connSink adapts a blocking net.Conn to internal/writer.Sink. Unlike the
// client transports, the local peer's connection is not put in
// non-blocking mode (redapid is a trusted, low-volume peer), so writes
// either fully succeed or fail outright; SetWritable is a no-op.
type connSink struct{ conn net.Conn }

func (s connSink) RawWrite(p []byte) (int, error) { return s.conn.Write(p) }
func (s connSink) SetWritable(bool)               {}

// Name identifies this stack for logging.
func (s *Stack) Name() string { return "local" }

// Dispatch writes pkt to the local peer. The local stack manages a single
// connection, so recipient is ignored beyond distinguishing a forced
// broadcast (recipient == nil) from a targeted send — both result in the
// same write, since there is only one peer to address.
func (s *Stack) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	s.writer.Write(pkt)
	return nil
}

// Responses returns the channel decoded packets from the local peer are
// published on.
func (s *Stack) Responses() <-chan []byte { return s.responses }

// Close releases the connection.
func (s *Stack) Close() error {
	close(s.responses)
	return s.conn.Close()
}

// PumpReadable performs one read-and-frame pass over the connection,
// pushing every complete packet onto Responses(). It mirrors
// internal/network's client framing loop (spec.md §4.G) since the wire
// format is shared.
func (s *Stack) PumpReadable() error {
	n, err := s.conn.Read(s.buf[s.used:])
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("local: peer closed connection")
	}
	s.used += n

	for {
		if s.used < wire.Size {
			return nil
		}
		hdr, err := wire.Unmarshal(s.buf[:])
		if err != nil {
			return err
		}
		if !wire.IsValidResponse(hdr) {
			return fmt.Errorf("local: malformed packet from peer")
		}
		if s.used < int(hdr.Length) {
			return nil
		}

		pkt := make([]byte, hdr.Length)
		copy(pkt, s.buf[:hdr.Length])
		if !hdr.IsBroadcast() {
			s.uid, s.haveUID = hdr.UID, true
		}
		s.responses <- pkt

		remaining := s.used - int(hdr.Length)
		copy(s.buf[:remaining], s.buf[hdr.Length:s.used])
		s.used = remaining
	}
}

// UID returns the device UID the local peer last identified itself as,
// learned lazily the first time it sends a non-broadcast packet
// (spec.md §4.E: "devices learn their UID lazily").
func (s *Stack) UID() (uint32, bool) { return s.uid, s.haveUID }
