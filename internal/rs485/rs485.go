// Package rs485 implements the reduced, non-Modbus RS485 stack variant
// (spec.md §1: full Modbus framing is explicitly out of scope). It opens a
// termios serial device, configures it for raw half-duplex byte transfer,
// and frames brickd packets over it the same way internal/network frames
// client packets.
//
// Grounded on Daedaluz-goserial's port_linux.go: that file wraps termios
// ioctls (TCGETS2/TCSETS2, TIOCSRS485) behind github.com/daedaluz/goioctl's
// generic Ioctl(fd, request, arg) call. This package uses the same ioctl
// primitive directly rather than depending on goserial's higher-level Port
// type, since brickd only needs raw-mode configuration and RS485 direction
// control, not the full termios surface goserial exposes.
package rs485

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/wire"
	"github.com/brickd-project/brickd/internal/writer"
)

const (
	tcgets2 = 0x802C542A
	tcsets2 = 0x402C542B

	tiocsrs485 = 0x542F
)

// termios2 mirrors the kernel's struct termios2 layout on Linux.
type termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	_      [2]uint8 // alignment padding before the speed fields
	ISpeed uint32
	OSpeed uint32
}

// serialRS485 mirrors the kernel's struct serial_rs485.
type serialRS485 struct {
	Flags               uint32
	DelayRTSBeforeSend  uint32
	DelayRTSAfterSend   uint32
	Padding             [5]uint32
}

const serialRS485Enabled = 1 << 0

// cBaud flags for common rates, matching the kernel's asm-generic/termbits.h.
const (
	cBaud    = 0o0010017
	bOther   = 0o0010000
	cRead    = 0x00000080
	clocal   = 0x00000800
	cs8      = 0x00000030
	icanon   = 0x00000002
	echo     = 0x00000008
	isig     = 0x00000001
	ixon     = 0x00000400
	opost    = 0x00000001
	parenb   = 0x00000100
)

// Stack implements interfaces.Stack over a single RS485 serial line.
type Stack struct {
	fd     int
	writer *writer.Writer

	mu        sync.Mutex
	responses chan []byte

	buf  [constants.MaxPacketLength]byte
	used int
}

// Open configures path as a raw 8N1 RS485 line at the given baud rate and returns a Stack
// reading and writing framed brickd packets over it.
func Open(path string, baud uint32) (*Stack, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("rs485: open %s: %w", path, err)
	}

	t := termios2{
		Cflag:  cRead | clocal | cs8 | bOther,
		ISpeed: baud,
		OSpeed: baud,
	}
	if err := ioctl.Ioctl(uintptr(fd), tcsets2, uintptr(unsafe.Pointer(&t))); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("rs485: TCSETS2: %w", err)
	}

	rs := serialRS485{Flags: serialRS485Enabled}
	if err := ioctl.Ioctl(uintptr(fd), tiocsrs485, uintptr(unsafe.Pointer(&rs))); err != nil {
		// Not every board exposes TIOCSRS485 (e.g. USB-RS485 adapters that
		// handle direction switching in hardware); this is best-effort.
		_ = err
	}

	s := &Stack{fd: fd, responses: make(chan []byte, 64)}
	s.writer = writer.New(fdSink{fd}, func(error) {})
	return s, nil
}

type fdSink struct{ fd int }

func (s fdSink) RawWrite(p []byte) (int, error) { return unix.Write(s.fd, p) }
func (s fdSink) SetWritable(bool)               {}

// Name identifies this stack for logging.
func (s *Stack) Name() string { return "rs485" }

// Dispatch writes pkt to the bus. RS485 is a shared half-duplex medium
// addressed entirely within the payload (spec.md §1), so recipient carries
// no transport-level meaning here; every request goes out the one fd.
func (s *Stack) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	s.writer.Write(pkt)
	return nil
}

// Responses returns the channel decoded packets are published on.
func (s *Stack) Responses() <-chan []byte { return s.responses }

// Close releases the serial fd.
func (s *Stack) Close() error {
	close(s.responses)
	return syscall.Close(s.fd)
}

// PumpReadable performs one read-and-frame pass, mirroring
// internal/local.Stack.PumpReadable and internal/network's client framing
// loop, since the wire format is identical across transports.
func (s *Stack) PumpReadable() error {
	n, err := unix.Read(s.fd, s.buf[s.used:])
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EINTR {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}
	s.used += n

	for {
		if s.used < wire.Size {
			return nil
		}
		hdr, err := wire.Unmarshal(s.buf[:])
		if err != nil || !wire.IsValidResponse(hdr) {
			// Noise on the bus (framing glitch, foreign traffic): drop one
			// byte and try to resynchronize rather than discarding
			// everything we have buffered.
			copy(s.buf[:s.used-1], s.buf[1:s.used])
			s.used--
			continue
		}
		if s.used < int(hdr.Length) {
			return nil
		}

		pkt := make([]byte, hdr.Length)
		copy(pkt, s.buf[:hdr.Length])
		s.responses <- pkt

		remaining := s.used - int(hdr.Length)
		copy(s.buf[:remaining], s.buf[hdr.Length:s.used])
		s.used = remaining
	}
}

// FD returns the underlying serial file descriptor for reactor registration.
func (s *Stack) FD() int { return s.fd }
