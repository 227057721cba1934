// Package spi implements the RED Brick SPI master protocol (spec.md
// §4.L): one bus, up to 8 chip-select-addressed slaves, polled
// round-robin from a dedicated goroutine over 84-byte frames.
//
// Grounded on Daedaluz-goserial's ioctl usage (github.com/daedaluz/goioctl's
// generic Ioctl(fd, request, arg)) for the Linux spidev SPI_IOC_MESSAGE
// transceive call, and on the teacher's internal/queue.Runner for the
// "dedicated thread pushes into a mutex-protected queue, main loop drains
// it" shape — here the direction is reversed (the poll goroutine is the
// producer, the reactor is the consumer) but the synchronization pattern
// is the same one the teacher uses between its io_uring completion thread
// and command submission path.
package spi

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"

	"github.com/brickd-project/brickd/internal/base58"
	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/container"
	"github.com/brickd-project/brickd/internal/uapi"
)

const spiIOCMessage1 = 0x40206B00 // SPI_IOC_MESSAGE(1) on Linux, n=1 transfer

// spiIOCTransfer mirrors struct spi_ioc_transfer from linux/spi/spidev.h.
type spiIOCTransfer struct {
	TxBuf       uint64
	RxBuf       uint64
	Len         uint32
	SpeedHz     uint32
	DelayUsecs  uint16
	BitsPerWord uint8
	CSChange    uint8
	Pad         uint32
}

// pearsonTable is Pearson's own reference permutation of 0..255, as given
// in his original "Fast Hashing of Variable-Length Text Strings" (CACM,
// June 1990) and widely reproduced since. Both ends of the link must use
// the same permutation; whether the RED Brick firmware uses this exact
// table has not been checked against the firmware source.
var pearsonTable = [256]byte{
	1, 87, 49, 12, 176, 178, 102, 166, 121, 193, 6, 84, 249, 230, 44, 163,
	14, 197, 213, 181, 161, 85, 218, 80, 64, 239, 24, 226, 236, 142, 38, 200,
	110, 177, 104, 103, 141, 253, 255, 50, 77, 101, 81, 18, 45, 96, 31, 222,
	25, 107, 190, 70, 86, 237, 240, 34, 72, 242, 20, 214, 244, 227, 149, 235,
	97, 234, 57, 22, 60, 250, 82, 175, 208, 5, 127, 199, 111, 62, 135, 248,
	174, 169, 211, 58, 66, 154, 106, 195, 245, 171, 17, 187, 182, 179, 0, 243,
	132, 56, 148, 75, 128, 133, 158, 100, 130, 126, 91, 13, 153, 246, 216, 219,
	119, 68, 223, 78, 83, 88, 201, 99, 122, 11, 92, 32, 136, 114, 52, 10,
	138, 30, 48, 183, 156, 35, 61, 26, 143, 74, 251, 94, 129, 162, 63, 152,
	170, 7, 115, 167, 241, 206, 3, 150, 55, 59, 151, 220, 90, 53, 23, 131,
	125, 173, 15, 238, 79, 95, 89, 16, 105, 137, 225, 224, 217, 160, 37, 123,
	118, 73, 2, 157, 46, 116, 9, 145, 134, 228, 207, 212, 202, 215, 69, 229,
	27, 188, 67, 124, 168, 252, 42, 4, 29, 108, 21, 247, 19, 205, 39, 203,
	233, 40, 186, 147, 198, 192, 155, 33, 164, 191, 98, 204, 165, 180, 117, 76,
	140, 36, 210, 172, 41, 54, 159, 8, 185, 232, 113, 196, 231, 47, 146, 120,
	51, 65, 28, 144, 254, 221, 93, 189, 194, 139, 112, 43, 71, 109, 184, 209,
}

// pearsonHash implements the Pearson hash checksum spec.md §4.L's frame
// format specifies, folding data to a single byte.
func pearsonHash(data []byte) byte {
	var h byte
	for _, b := range data {
		h = pearsonTable[h^b]
	}
	return h
}

// buildFrame lays out an 84-byte SPI frame exactly as spec.md §4.L
// describes: preamble, total length, payload, packed master/slave
// sequence info byte, trailing Pearson checksum.
func buildFrame(masterSeq, slaveSeq uint8, payload []byte) []byte {
	buf := make([]byte, uapi.SPIFrameSize)
	buf[0] = constants.SPIFramePreamble
	total := 4 + len(payload)
	buf[1] = uint8(total)
	copy(buf[2:2+len(payload)], payload)
	infoOff := 2 + len(payload)
	buf[infoOff] = (masterSeq & 0x07) | ((slaveSeq & 0x07) << 3)
	buf[infoOff+1] = pearsonHash(buf[:infoOff+1])
	return buf
}

// parseFrame decodes a raw frame received from a slave. ok is false when
// the preamble, length, or checksum is malformed (spec.md §4.L: "mark
// next_frame_empty=true, retry next cycle").
func parseFrame(buf []byte) (masterSeq, slaveSeq uint8, payload []byte, ok bool) {
	if len(buf) < constants.SPIFrameMinLength || buf[0] != constants.SPIFramePreamble {
		return 0, 0, nil, false
	}
	total := int(buf[1])
	if total < constants.SPIFrameMinLength || total > constants.SPIFrameMaxLength || total > len(buf) {
		return 0, 0, nil, false
	}
	if pearsonHash(buf[:total-1]) != buf[total-1] {
		return 0, 0, nil, false
	}
	info := buf[total-2]
	masterSeq = info & 0x07
	slaveSeq = (info >> 3) & 0x07
	payload = append([]byte(nil), buf[2:total-2]...)
	return masterSeq, slaveSeq, payload, true
}

// slaveState tracks one chip-select address's protocol state (spec.md
// §4.L's per-slave state table).
type slaveState struct {
	mu               sync.Mutex
	present          bool
	seqMaster        uint8
	seqSlave         uint8
	seenFirstSlaveSeq bool
	nextFrameEmpty   bool
	queue            *container.Queue[[]byte]
	uids             []uint32
}

func newSlaveState() *slaveState {
	return &slaveState{queue: container.NewQueue[[]byte]()}
}

func (s *slaveState) enqueue(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Push(pkt)
}

func (s *slaveState) popSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Pop()
}

func (s *slaveState) peek() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.queue.Peek()
	if !ok {
		return nil
	}
	return v
}

// Transceiver performs the raw SPI select/ioctl-transfer/deselect cycle
// against one chip-select line. Implementations talk to spidev or a
// GPIO-bitbanged bus; Stack only needs the transceive contract.
type Transceiver interface {
	Select(csAddr int) error
	Transfer(tx []byte) (rx []byte, err error)
	Deselect(csAddr int) error
}

// SpidevTransceiver implements Transceiver over a Linux /dev/spidevX.Y
// character device via the SPI_IOC_MESSAGE ioctl.
type SpidevTransceiver struct {
	fd      int
	speedHz uint32
}

// OpenSpidev opens path as the RED Brick's SPI master device.
func OpenSpidev(path string, speedHz uint32) (*SpidevTransceiver, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", path, err)
	}
	return &SpidevTransceiver{fd: fd, speedHz: speedHz}, nil
}

// Select is a no-op: the RED Brick's chip-select lines are driven by the
// kernel spidev driver per transfer, addressed via the device file opened
// for that chip-select (spidev0.0, spidev0.1, ...), not a software GPIO
// toggle here.
func (t *SpidevTransceiver) Select(csAddr int) error { return nil }

// Deselect is likewise a no-op for the same reason.
func (t *SpidevTransceiver) Deselect(csAddr int) error { return nil }

// Transfer performs one full-duplex SPI_IOC_MESSAGE(1) exchange.
func (t *SpidevTransceiver) Transfer(tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))
	xfer := spiIOCTransfer{
		TxBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		RxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		Len:         uint32(len(tx)),
		SpeedHz:     t.speedHz,
		BitsPerWord: 8,
	}
	if err := ioctl.Ioctl(uintptr(t.fd), spiIOCMessage1, uintptr(unsafe.Pointer(&xfer))); err != nil {
		return nil, fmt.Errorf("spi: SPI_IOC_MESSAGE: %w", err)
	}
	return rx, nil
}

// Close releases the spidev fd.
func (t *SpidevTransceiver) Close() error { return syscall.Close(t.fd) }

// Stack implements interfaces.Stack for the RED Brick's SPI slave
// population, polling them round-robin from its own goroutine (spec.md §5:
// "helper threads exist only for: the SPI polling loop").
type Stack struct {
	bus Transceiver

	slaves       [constants.SPIMaxSlaves]*slaveState
	presentCount int

	responses chan []byte
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewStack builds a Stack driving bus, with discovery and polling not yet
// started; call Run to begin.
func NewStack(bus Transceiver) *Stack {
	s := &Stack{bus: bus, responses: make(chan []byte, 64), stop: make(chan struct{})}
	for i := range s.slaves {
		s.slaves[i] = newSlaveState()
	}
	return s
}

// Name identifies this stack for logging.
func (s *Stack) Name() string { return "spi" }

// Responses returns the channel fully-parsed response packets are
// published on (spec.md §4.L: "pushes ... into a mutex-protected queue and
// writes to an eventfd"; the channel plays the eventfd's role here).
func (s *Stack) Responses() <-chan []byte { return s.responses }

// Close stops the polling loop and releases the bus.
func (s *Stack) Close() error {
	close(s.stop)
	s.wg.Wait()
	close(s.responses)
	if c, ok := s.bus.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Dispatch queues pkt on the slave recipient identifies. recipient is the
// chip-select index (int) previously learned via discovery, or nil for a
// forced broadcast to every present slave.
func (s *Stack) Dispatch(ctx context.Context, pkt []byte, recipient any) error {
	if recipient == nil {
		for i := 0; i < s.presentCount; i++ {
			s.slaves[i].enqueue(pkt)
		}
		return nil
	}
	cs, ok := recipient.(int)
	if !ok || cs < 0 || cs >= constants.SPIMaxSlaves {
		return fmt.Errorf("spi: invalid recipient %v", recipient)
	}
	s.slaves[cs].enqueue(pkt)
	return nil
}

// stackEnumerateCode marks a frame's payload as a STACK_ENUMERATE request
// rather than application data, telling the slave firmware to report every
// UID it knows about on its next poll reply.
const stackEnumerateCode = 0xFE

// Discover implements spec.md §4.L's discovery algorithm: send
// STACK_ENUMERATE to chip-select addresses 0..7 in order, stopping at the
// first address that never ACKs. Returns the UIDs learned per chip-select
// address so the caller can register them as recipients.
func (s *Stack) Discover() map[int][]uint32 {
	s.presentCount = 0
	discovered := make(map[int][]uint32)
	for cs := 0; cs < constants.SPIMaxSlaves; cs++ {
		uids, ok := s.enumerateSlave(cs)
		if !ok {
			break
		}
		s.slaves[cs].present = true
		s.slaves[cs].uids = uids
		s.presentCount = cs + 1
		discovered[cs] = uids
	}
	return discovered
}

// enumerateSlave implements spec.md §4.L's per-slave discovery exchange:
// retry sending STACK_ENUMERATE up to SPIDiscoveryRetries times spaced
// SPIDiscoveryRetryDelay apart until the transceive itself succeeds (an
// ACK, in SPI terms — there's no separate protocol-level ACK frame), then
// poll for the slave's enumerate reply with the same retry budget.
func (s *Stack) enumerateSlave(cs int) ([]uint32, bool) {
	request := buildFrame(0, 0, []byte{stackEnumerateCode})
	if !s.transceiveUntilOK(cs, request) {
		return nil, false
	}

	empty := buildFrame(0, 0, nil)
	for attempt := 0; attempt < constants.SPIDiscoveryRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(constants.SPIDiscoveryRetryDelay)
		}
		if err := s.bus.Select(cs); err != nil {
			continue
		}
		rx, err := s.bus.Transfer(empty)
		s.bus.Deselect(cs)
		if err != nil {
			continue
		}
		_, _, payload, ok := parseFrame(rx)
		if !ok {
			continue
		}
		if uids, ok := parseEnumerateUIDs(payload); ok {
			return uids, true
		}
	}
	return nil, false
}

func (s *Stack) transceiveUntilOK(cs int, frame []byte) bool {
	for attempt := 0; attempt < constants.SPIDiscoveryRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(constants.SPIDiscoveryRetryDelay)
		}
		if err := s.bus.Select(cs); err != nil {
			continue
		}
		_, err := s.bus.Transfer(frame)
		s.bus.Deselect(cs)
		if err == nil {
			return true
		}
	}
	return false
}

// parseEnumerateUIDs decodes an enumerate reply's payload as a sequence of
// 8-byte base58-encoded UIDs (spec.md §4.L: "the enumerate response
// carries up to N UIDs").
func parseEnumerateUIDs(payload []byte) ([]uint32, bool) {
	if len(payload) == 0 || len(payload)%8 != 0 {
		return nil, false
	}
	uids := make([]uint32, 0, len(payload)/8)
	for i := 0; i < len(payload); i += 8 {
		uid, ok := base58.Decode(trimNulString(payload[i : i+8]))
		if !ok {
			return nil, false
		}
		uids = append(uids, uid)
	}
	return uids, len(uids) > 0
}

func trimNulString(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Run starts the round-robin polling loop on its own goroutine.
func (s *Stack) Run(pollDelay time.Duration) {
	s.wg.Add(1)
	go s.pollLoop(pollDelay)
}

func (s *Stack) pollLoop(pollDelay time.Duration) {
	defer s.wg.Done()
	cs := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if s.presentCount == 0 {
			time.Sleep(pollDelay)
			continue
		}

		slave := s.slaves[cs]
		s.pollOne(cs, slave)

		cs = (cs + 1) % s.presentCount
		time.Sleep(pollDelay)
	}
}

// pollOne implements one cycle of spec.md §4.L's polling loop for a single
// slave: send its next queued packet (or an empty poll frame), transceive,
// and interpret the reply.
func (s *Stack) pollOne(cs int, slave *slaveState) {
	slave.mu.Lock()
	head, haveHead := slave.queue.Peek()
	sendEmpty := slave.nextFrameEmpty || !haveHead
	var payload []byte
	if !sendEmpty {
		payload = head
	}
	masterSeq := slave.seqMaster
	slave.mu.Unlock()

	frame := buildFrame(masterSeq, slave.seqSlave, payload)

	if err := s.bus.Select(cs); err != nil {
		return
	}
	rx, err := s.bus.Transfer(frame)
	s.bus.Deselect(cs)
	if err != nil {
		return
	}

	gotMaster, gotSlave, reply, ok := parseFrame(rx)
	slave.mu.Lock()
	defer slave.mu.Unlock()
	if !ok {
		slave.nextFrameEmpty = true
		return
	}
	slave.nextFrameEmpty = false

	if !sendEmpty && gotMaster == masterSeq {
		slave.queue.Pop()
		slave.seqMaster = (slave.seqMaster + 1) % (constants.SPIMaxSeq + 1)
	}

	if slave.seenFirstSlaveSeq && gotSlave == slave.seqSlave {
		return // no new data
	}
	slave.seenFirstSlaveSeq = true
	slave.seqSlave = gotSlave

	if len(reply) > 0 {
		pkt := append([]byte(nil), reply...)
		select {
		case s.responses <- pkt:
		default:
		}
	}
}
