package brickd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/brickd-project/brickd/internal/constants"
	"github.com/brickd-project/brickd/internal/hardware"
	"github.com/brickd-project/brickd/internal/interfaces"
	"github.com/brickd-project/brickd/internal/local"
	"github.com/brickd-project/brickd/internal/logging"
	"github.com/brickd-project/brickd/internal/network"
	"github.com/brickd-project/brickd/internal/reactor"
	"github.com/brickd-project/brickd/internal/rs485"
	"github.com/brickd-project/brickd/internal/spi"
	"github.com/brickd-project/brickd/internal/tcpserver"
	"github.com/brickd-project/brickd/internal/usbstack"
	"github.com/brickd-project/brickd/internal/wsserver"
)

// Config configures a Daemon, generalizing the teacher's DeviceParams/
// Options split (backend.go) into brickd's transport set instead of a
// single block-device backend.
type Config struct {
	// ListenAddress is the address the plain-TCP and WebSocket listeners
	// bind to ("" means all interfaces).
	ListenAddress string

	// PlainPort is the plain-TCP client listener's port.
	PlainPort int

	// WebSocketPort is the WebSocket client listener's port. 0 disables
	// the WebSocket listener (spec.md §9 leaves dual-stack vs. single
	// listener to the daemon; brickd runs both when configured).
	WebSocketPort int

	// Secret is the shared authentication secret (spec.md §4.M). nil or
	// empty disables authentication.
	Secret []byte

	// LocalSocketPath, if non-empty, is a UNIX-domain socket path the
	// daemon connects to as the "local" gadget/redapid stack.
	LocalSocketPath string

	// RS485Device, if non-empty, is the termios device path (e.g.
	// "/dev/ttyS0") the daemon opens as the RS485 master stack.
	RS485Device    string
	RS485Baud      uint32
	RS485PollDelay time.Duration

	// SPIDevicePath, if non-empty, is the spidev character device the
	// daemon opens as the RED Brick SPI master stack.
	SPIDevicePath string
	SPISpeedHz    uint32
	SPIPollDelay  time.Duration

	// EnableUSB starts USB device discovery at startup.
	EnableUSB bool

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultConfig returns brickd's conventional defaults: the real brickd's
// registered plain-TCP port, USB discovery on, every other transport
// disabled until explicitly configured.
func DefaultConfig() Config {
	return Config{
		PlainPort:      4223,
		WebSocketPort:  0,
		RS485Baud:      115200,
		RS485PollDelay: constants.RS485DefaultPollDelay,
		SPISpeedHz:     1_000_000,
		SPIPollDelay:   constants.SPIDefaultPollDelay,
		EnableUSB:      true,
	}
}

// Daemon owns the reactor, the routing core, and every configured
// transport. It generalizes the teacher's Device/CreateAndServe/
// StopAndDelete lifecycle (backend.go) from one block-device backend to
// brickd's multi-transport hardware registry.
type Daemon struct {
	cfg      Config
	logger   interfaces.Logger
	observer interfaces.Observer
	metrics  *Metrics

	reactor  *reactor.Reactor
	net      *network.Network
	registry *hardware.Registry

	tcpListener *tcpserver.Listener
	httpServer  *http.Server

	usbCtx *gousb.Context

	// usbEntries tracks every currently attached USB stack by (bus,
	// address), touched by the reactor thread (via drainUSBHotplug) and
	// read by the background rescan goroutine (via usbEntriesMu) so it can
	// tell new devices from already-known ones.
	usbEntriesMu sync.Mutex
	usbEntries   map[usbKey]*usbEntry

	usbHotplugMu    sync.Mutex
	usbHotplugQueue []usbHotplugEvent

	wakeupR, wakeupW int
	pumpMu           sync.Mutex
	pumpQueue        []pumpItem

	zombieMu      sync.Mutex
	zombieExpired []uint64

	closers []func() error

	cancel context.CancelFunc
	ctx    context.Context

	wg sync.WaitGroup
}

// New builds a Daemon from cfg but does not start serving; call Run.
func New(cfg Config) (*Daemon, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = metrics
	}

	registry := hardware.NewRegistry()
	net := network.New(cfg.Secret, registry, logger, observer)

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		observer:   observer,
		metrics:    metrics,
		reactor:    reactor.New(),
		net:        net,
		registry:   registry,
		usbEntries: make(map[usbKey]*usbEntry),
	}
	net.OnZombieTimeout = d.wakeZombieExpired
	return d, nil
}

// pumpItem is one entry in the daemon's wake-up queue: a decoded response
// packet paired with the hardware.Stack that produced it, so
// network.Network.DispatchResponse can learn the packet's UID as a
// recipient on the right stack (spec.md §4.K, §8 "Broadcast learning").
type pumpItem struct {
	stack *hardware.Stack
	pkt   []byte
}

// Metrics returns the daemon's metrics instance (valid even if an
// external Observer was configured; metrics are always collected
// internally for introspection).
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// Run wires every configured transport and blocks servicing the reactor
// until ctx is cancelled or Stop is called. Mirrors backend.go's
// CreateAndServe/StopAndDelete pairing, collapsed into one blocking call
// since brickd has no separate kernel-visible device to tear down
// out-of-band.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	if err := d.setupWakeupPipe(); err != nil {
		return err
	}
	if err := d.setupTCPListener(); err != nil {
		return err
	}
	if d.cfg.WebSocketPort != 0 {
		d.setupWebSocketListener()
	}
	if d.cfg.LocalSocketPath != "" {
		if err := d.setupLocalStack(); err != nil {
			return err
		}
	}
	if d.cfg.RS485Device != "" {
		if err := d.setupRS485Stack(); err != nil {
			return err
		}
	}
	if d.cfg.SPIDevicePath != "" {
		if err := d.setupSPIStack(); err != nil {
			return err
		}
	}
	if d.cfg.EnableUSB {
		if err := d.setupUSB(); err != nil {
			d.logger.Printf("daemon: usb discovery failed: %v", err)
		}
	}

	go func() {
		<-d.ctx.Done()
		d.reactor.Stop()
	}()

	err := d.reactor.Run(d.net.CleanupIteration)
	d.teardown()
	return err
}

// Stop cancels the daemon's context, unblocking Run.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) teardown() {
	if d.tcpListener != nil {
		d.tcpListener.Close()
	}
	if d.httpServer != nil {
		d.httpServer.Close()
	}
	d.usbEntriesMu.Lock()
	entries := d.usbEntries
	d.usbEntries = nil
	d.usbEntriesMu.Unlock()
	for _, e := range entries {
		e.stack.Close()
	}
	if d.usbCtx != nil {
		d.usbCtx.Close()
	}
	for _, closeFn := range d.closers {
		closeFn()
	}
	d.wg.Wait()
}

// --- wakeup pipe: bridges goroutine-driven stacks into the reactor thread ---

// setupWakeupPipe registers a self-pipe with the reactor (spec.md §9 /
// internal/reactor's USB SourceType doc: "a USB backend's wake-up pipe").
// Any goroutine-driven stack (local, rs485, spi, usb) pushes decoded
// response packets onto pumpQueue and writes a byte here; the reactor
// callback drains both on its own thread, so internal/network.Network is
// never called concurrently from two goroutines.
func (d *Daemon) setupWakeupPipe() error {
	fds, err := pipe2NonBlock()
	if err != nil {
		return fmt.Errorf("daemon: wakeup pipe: %w", err)
	}
	d.wakeupR, d.wakeupW = fds[0], fds[1]
	d.reactor.AddSource(d.wakeupR, reactor.USB, reactor.Read, func(reactor.Interest) {
		d.drainWakeup()
		d.drainPumpQueue()
		d.drainZombieExpirations()
		d.drainUSBHotplug()
	})
	return nil
}

func (d *Daemon) drainWakeup() {
	var scratch [256]byte
	for {
		_, err := rawRead(d.wakeupR, scratch[:])
		if err != nil {
			return
		}
	}
}

func (d *Daemon) drainPumpQueue() {
	d.pumpMu.Lock()
	queue := d.pumpQueue
	d.pumpQueue = nil
	d.pumpMu.Unlock()
	for _, item := range queue {
		d.net.DispatchResponse(item.stack, item.pkt)
	}
}

// wakeZombieExpired is network.Network.OnZombieTimeout: it runs on a
// time.AfterFunc timer goroutine, so it may only hand id off through the
// wake-up pipe, never touch Network state directly (spec.md §5).
func (d *Daemon) wakeZombieExpired(id uint64) {
	d.zombieMu.Lock()
	d.zombieExpired = append(d.zombieExpired, id)
	d.zombieMu.Unlock()
	rawWrite(d.wakeupW, []byte{1})
}

func (d *Daemon) drainZombieExpirations() {
	d.zombieMu.Lock()
	ids := d.zombieExpired
	d.zombieExpired = nil
	d.zombieMu.Unlock()
	for _, id := range ids {
		d.net.ExpireZombie(id)
	}
}

// bridgeStack spawns a goroutine that forwards s.Responses() into the
// wakeup queue, for every stack whose I/O is goroutine-driven rather than
// reactor-polled (local, rs485, spi, usb). It returns the hardware.Stack
// wrapper registered for s, so callers that need it further (SPI discovery
// registering recipients by chip-select) can keep a reference.
func (d *Daemon) bridgeStack(s interfaces.Stack) *hardware.Stack {
	hs := hardware.NewStack(s)
	d.registry.Add(hs)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for pkt := range s.Responses() {
			d.pumpMu.Lock()
			d.pumpQueue = append(d.pumpQueue, pumpItem{stack: hs, pkt: pkt})
			d.pumpMu.Unlock()
			rawWrite(d.wakeupW, []byte{1})
		}
	}()
	return hs
}

// --- plain TCP client listener ---

func (d *Daemon) setupTCPListener() error {
	ln, err := tcpserver.Listen(d.cfg.ListenAddress, d.cfg.PlainPort)
	if err != nil {
		return fmt.Errorf("daemon: tcp listen: %w", err)
	}
	d.tcpListener = ln
	d.reactor.AddSource(ln.FD(), reactor.Generic, reactor.Read, func(reactor.Interest) {
		d.acceptTCP()
	})
	return nil
}

func (d *Daemon) acceptTCP() {
	for {
		conn, remote, err := d.tcpListener.Accept()
		if err != nil {
			return
		}
		d.addTCPClient(conn, remote)
	}
}

// tcpClientIO binds a tcpserver.Conn to a reactor source handle so the
// client's internal/writer.Writer can arm/disarm POLLOUT through
// SetWritable (spec.md §4.C).
type tcpClientIO struct {
	*tcpserver.Conn
	reactor *reactor.Reactor
	handle  int
	onRead  reactor.Interest
}

func (c *tcpClientIO) SetWritable(on bool) {
	interest := c.onRead
	if on {
		interest |= reactor.Write
	}
	c.reactor.SetInterest(c.handle, interest)
}

func (d *Daemon) addTCPClient(conn *tcpserver.Conn, remote string) {
	io := &tcpClientIO{Conn: conn, reactor: d.reactor, onRead: reactor.Read}
	client := d.net.AddClient(io)
	handle := d.reactor.AddSource(conn.FD(), reactor.Generic, reactor.Read, func(ready reactor.Interest) {
		if ready&reactor.Write != 0 {
			client.OnWritable()
		}
		if ready&reactor.Read != 0 {
			client.OnReadable(d.ctx)
		}
		if client.Disconnected() {
			d.reactor.RemoveSource(io.handle)
		}
	})
	io.handle = handle
	if d.logger != nil {
		d.logger.Debugf("daemon: tcp client connected: %s", remote)
	}
}

// --- WebSocket client listener ---

func (d *Daemon) setupWebSocketListener() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsserver.Upgrade(w, r)
		if err != nil {
			if d.logger != nil {
				d.logger.Printf("daemon: websocket upgrade failed: %v", err)
			}
			return
		}
		client := d.net.AddClient(conn)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for !client.Disconnected() {
				client.OnReadable(d.ctx)
			}
		}()
	})
	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.cfg.ListenAddress, d.cfg.WebSocketPort),
		Handler: mux,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.ListenAndServe(); err != nil && d.ctx.Err() == nil {
			if d.logger != nil {
				d.logger.Printf("daemon: websocket listener stopped: %v", err)
			}
		}
	}()
}

// --- local (gadget/redapid) stack ---

func (d *Daemon) setupLocalStack() error {
	conn, err := net.Dial("unix", d.cfg.LocalSocketPath)
	if err != nil {
		return fmt.Errorf("daemon: dial local socket %s: %w", d.cfg.LocalSocketPath, err)
	}
	s := local.New(conn, func(err error) {
		if d.logger != nil {
			d.logger.Printf("daemon: local stack disconnected: %v", err)
		}
	})
	d.bridgeStack(s)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			if err := s.PumpReadable(); err != nil {
				return
			}
		}
	}()
	d.closers = append(d.closers, s.Close)
	return nil
}

// --- RS485 stack ---

func (d *Daemon) setupRS485Stack() error {
	s, err := rs485.Open(d.cfg.RS485Device, d.cfg.RS485Baud)
	if err != nil {
		return fmt.Errorf("daemon: open rs485 device %s: %w", d.cfg.RS485Device, err)
	}
	d.bridgeStack(s)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		delay := d.cfg.RS485PollDelay
		for {
			if err := s.PumpReadable(); err != nil {
				return
			}
			time.Sleep(delay)
		}
	}()
	d.closers = append(d.closers, s.Close)
	return nil
}

// --- SPI (RED Brick) stack ---

func (d *Daemon) setupSPIStack() error {
	bus, err := spi.OpenSpidev(d.cfg.SPIDevicePath, d.cfg.SPISpeedHz)
	if err != nil {
		return fmt.Errorf("daemon: open spidev %s: %w", d.cfg.SPIDevicePath, err)
	}
	s := spi.NewStack(bus)
	hw := d.bridgeStack(s)

	for cs, uids := range s.Discover() {
		for _, uid := range uids {
			hw.Recipients.Add(uid, cs)
		}
		if d.logger != nil {
			d.logger.Debugf("daemon: spi chip-select %d: %d uid(s)", cs, len(uids))
		}
	}

	s.Run(d.cfg.SPIPollDelay)
	d.closers = append(d.closers, s.Close)
	return nil
}

// --- USB stacks ---

// usbKey identifies an attached USB device the way spec.md §4.K's hot-plug
// matching does: by bus and device address, not by any libusb handle
// identity that doesn't survive a reopen.
type usbKey struct {
	bus, addr int
}

// usbEntry is one USB stack tracked for hot-plug bookkeeping. Only the
// reactor thread (via addUSBEntry/removeUSBEntry, both called from
// drainUSBHotplug) mutates the hardware.Registry and network.Network state
// a usbEntry references; usbRescanOnce, which runs on its own goroutine,
// only ever reads usbEntries under usbEntriesMu to diff against the
// currently attached device set.
type usbEntry struct {
	key   usbKey
	stack *usbstack.Stack
	hw    *hardware.Stack
}

// usbHotplugEvent crosses from the rescan goroutine to the reactor thread
// over the wake-up pipe queue, the same handoff pattern pumpItem and the
// zombie-expiry queue use (spec.md §5: only the reactor thread may touch
// registry/network state).
type usbHotplugEvent struct {
	attach *gousb.Device
	kind   usbstack.DeviceKind
	detach *usbEntry
}

func (d *Daemon) setupUSB() error {
	ctx := gousb.NewContext()
	d.usbCtx = ctx

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := usbstack.Match(desc)
		return ok
	})
	if err != nil && len(devs) == 0 {
		return fmt.Errorf("daemon: usb discovery: %w", err)
	}

	for _, dev := range devs {
		kind, ok := usbstack.Match(dev.Desc)
		if !ok {
			dev.Close()
			continue
		}
		d.addUSBEntry(dev, kind)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.usbRescanLoop()
	}()
	return nil
}

// usbRescanLoop is the hot-plug substitute spec.md §4.K describes as
// "all hot-plug sources collapse to writing one byte into a wake-up pipe":
// gousb doesn't expose libusb's hotplug callback API, so attach/detach is
// approximated by periodically re-enumerating instead of a true event.
func (d *Daemon) usbRescanLoop() {
	ticker := time.NewTicker(constants.USBRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.usbRescanOnce()
		}
	}
}

func (d *Daemon) usbRescanOnce() {
	seen := make(map[usbKey]bool)
	devs, _ := d.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := usbstack.Match(desc)
		return ok
	})
	for _, dev := range devs {
		key := usbKey{bus: dev.Desc.Bus, addr: dev.Desc.Address}
		seen[key] = true

		d.usbEntriesMu.Lock()
		_, known := d.usbEntries[key]
		d.usbEntriesMu.Unlock()
		if known {
			dev.Close()
			continue
		}
		kind, _ := usbstack.Match(dev.Desc)
		d.queueUSBHotplug(usbHotplugEvent{attach: dev, kind: kind})
	}

	d.usbEntriesMu.Lock()
	var gone []*usbEntry
	for key, e := range d.usbEntries {
		if !seen[key] {
			gone = append(gone, e)
		}
	}
	d.usbEntriesMu.Unlock()
	for _, e := range gone {
		d.queueUSBHotplug(usbHotplugEvent{detach: e})
	}
}

func (d *Daemon) queueUSBHotplug(ev usbHotplugEvent) {
	d.usbHotplugMu.Lock()
	d.usbHotplugQueue = append(d.usbHotplugQueue, ev)
	d.usbHotplugMu.Unlock()
	rawWrite(d.wakeupW, []byte{1})
}

func (d *Daemon) drainUSBHotplug() {
	d.usbHotplugMu.Lock()
	queue := d.usbHotplugQueue
	d.usbHotplugQueue = nil
	d.usbHotplugMu.Unlock()

	for _, ev := range queue {
		if ev.detach != nil {
			d.removeUSBEntry(ev.detach)
			continue
		}
		d.addUSBEntry(ev.attach, ev.kind)
	}
}

// addUSBEntry opens dev, bridges its responses into the wake-up queue, and
// registers it with the hardware registry. Called both from setupUSB's
// initial synchronous scan (before the reactor loop is running, so no
// concurrent drain can race it) and from drainUSBHotplug on the reactor
// thread.
func (d *Daemon) addUSBEntry(dev *gousb.Device, kind usbstack.DeviceKind) {
	key := usbKey{bus: dev.Desc.Bus, addr: dev.Desc.Address}
	s, err := usbstack.Open(d.ctx, dev, kind, usbstack.Config{Logger: d.logger, Observer: d.observer})
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("daemon: open usb device %d:%d: %v", key.bus, key.addr, err)
		}
		dev.Close()
		return
	}
	hw := d.bridgeStack(s)

	d.usbEntriesMu.Lock()
	d.usbEntries[key] = &usbEntry{key: key, stack: s, hw: hw}
	d.usbEntriesMu.Unlock()

	if d.logger != nil {
		d.logger.Debugf("daemon: usb device attached: %d:%d", key.bus, key.addr)
	}
}

// removeUSBEntry unregisters a stack whose device disappeared, announcing
// disconnect for every UID it had learned (spec.md §4.E's
// announce_disconnect) before closing it.
func (d *Daemon) removeUSBEntry(e *usbEntry) {
	d.usbEntriesMu.Lock()
	delete(d.usbEntries, e.key)
	d.usbEntriesMu.Unlock()

	d.registry.Remove(e.hw)
	e.hw.AnnounceDisconnect(func(pkt []byte) {
		d.net.DispatchResponse(e.hw, pkt)
	})
	e.stack.Close()

	if d.logger != nil {
		d.logger.Debugf("daemon: usb device detached: %d:%d", e.key.bus, e.key.addr)
	}
}
