// Package tcpserver implements the plain-TCP client listener (spec.md
// §4.B's "accept loop" and §4.G's ClientIO contract) as raw, non-blocking
// file descriptors the reactor can poll(2) directly, rather than Go's
// net.Listener/net.Conn (whose own internal netpoller would fight the
// reactor for ownership of the fd). Grounded on internal/reactor and
// internal/rs485's use of golang.org/x/sys/unix for direct syscalls.
package tcpserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listen socket.
type Listener struct {
	fd int
}

// Listen opens a non-blocking TCP listen socket on addr ("0.0.0.0") and
// port.
func Listen(addr string, port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: setsockopt: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	ip, err := parseIPv4(addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa.Addr = ip

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: listen: %w", err)
	}
	return &Listener{fd: fd}, nil
}

func parseIPv4(addr string) (ip [4]byte, err error) {
	if addr == "" || addr == "0.0.0.0" || addr == "*" {
		return ip, nil
	}
	var a, b, c, d int
	if _, err := fmt.Sscanf(addr, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return ip, fmt.Errorf("tcpserver: invalid IPv4 address %q: %w", addr, err)
	}
	return [4]byte{byte(a), byte(b), byte(c), byte(d)}, nil
}

// FD returns the listening socket's file descriptor, for reactor
// registration.
func (l *Listener) FD() int { return l.fd }

// Port returns the port the listen socket is bound to, useful when Listen
// was called with port 0 to let the kernel pick an ephemeral one.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, fmt.Errorf("tcpserver: getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("tcpserver: unexpected sockaddr type %T", sa)
	}
}

// Close closes the listen socket.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// Accept accepts one pending connection, returning a non-blocking Conn.
// Callers should loop Accept until it returns unix.EAGAIN, since poll(2)
// only guarantees at least one connection is ready.
func (l *Listener) Accept() (*Conn, string, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, "", err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, "", fmt.Errorf("tcpserver: set nonblock: %w", err)
	}
	name := remoteName(sa)
	return &Conn{fd: nfd, remote: name}, name, nil
}

func remoteName(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "tcp:unknown"
	}
}

// Conn is a non-blocking TCP connection, implementing the raw read/write
// primitives internal/network.Client and internal/writer.Writer expect.
type Conn struct {
	fd     int
	remote string
}

// FD returns the connection's file descriptor, for reactor registration.
func (c *Conn) FD() int { return c.fd }

// RawRead implements interfaces.ClientIO.
func (c *Conn) RawRead(p []byte) (int, error) { return unix.Read(c.fd, p) }

// RawWrite implements interfaces.ClientIO / internal/writer.Sink.
func (c *Conn) RawWrite(p []byte) (int, error) { return unix.Write(c.fd, p) }

// SetWritable is a no-op, so Conn alone can't drive reactor interest
// changes; a caller wraps Conn in a type with its own SetWritable (the
// daemon's tcpClientIO does this) to arm POLLOUT.
func (c *Conn) SetWritable(bool) {}

// RemoteName implements interfaces.ClientIO.
func (c *Conn) RemoteName() string { return c.remote }

// Close implements interfaces.ClientIO.
func (c *Conn) Close() error { return unix.Close(c.fd) }
