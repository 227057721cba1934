package brickd

import "golang.org/x/sys/unix"

// pipe2NonBlock opens a non-blocking pipe, used as the self-pipe that
// wakes the reactor when a goroutine-driven stack (local, rs485, spi,
// usb) has queued a response packet (spec.md §9 / internal/reactor's USB
// SourceType doc).
func pipe2NonBlock() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

func rawRead(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func rawWrite(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
