// Package canbus owns the single MCP2515 transceiver and fans received frames
// out to consumers by identifier.
//
// Two goroutines run while the bus is up. The reader polls the chip on a fixed
// interval and pushes frames into a bounded queue, dropping the newest frame
// when the queue is full. The dispatcher takes frames in arrival order and
// calls every live consumer registered under the frame's identifier, outside
// any lock. A panicking consumer is logged and does not affect the others.
// The dispatcher also owns teardown: it joins the reader, releases the chip
// and drains the queue on its way out, so Stop may be called from a consumer.
//
//	b := canbus.New(canbus.Options{})
//	if err := b.Start(true); err != nil { ... }
//	defer b.Stop()
//	b.Subscribe(canbus.WeakRef(speed), 0x100)
package canbus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vehiclebus-go/drivers/mcp2515"
	"vehiclebus-go/errcode"
	"vehiclebus-go/x/mathx"

	"tinygo.org/x/drivers"
)

// State is the bus lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SPILink is a hardware SPI connection that the bus releases on Stop.
type SPILink interface {
	drivers.SPI
	io.Closer
}

// Options configures a Bus. Zero values take defaults.
type Options struct {
	// QueueSize bounds the reader to dispatcher queue. Default 1000.
	QueueSize int
	// PollInterval is the reader's receive poll period. Default 1 ms.
	PollInterval time.Duration
	// Chip is passed to the MCP2515 driver. In verification mode the reset
	// delay is skipped.
	Chip mcp2515.Config
	// OpenSPI opens the hardware link. Required for hardware mode.
	OpenSPI func() (SPILink, error)
	Logger  *slog.Logger
}

// Stats is a point-in-time view of the bus counters.
type Stats struct {
	Received   uint64 // frames offered to the queue
	Dispatched uint64 // frames taken off the queue
	Dropped    uint64 // frames discarded on a full queue
	QueueLen   int
}

// Bus is the shared access point to the transceiver. Construct one per
// physical chip and hand it to the consumers that need it.
type Bus struct {
	opts Options
	log  *slog.Logger
	reg  registry
	q    *queue

	mu    sync.Mutex // serialises Start and Stop
	state atomic.Int32
	run   atomic.Uint64 // incremented by every Start
	dev   atomic.Pointer[mcp2515.Device]
	emu   atomic.Pointer[mcp2515.RegisterMap]
	link  SPILink
	stop  chan struct{}
	done  atomic.Pointer[chan struct{}] // closed once the dispatcher has torn down
	rwg   sync.WaitGroup

	dispatching atomic.Bool

	received   atomic.Uint64
	dispatched atomic.Uint64
}

// New creates a stopped bus.
func New(opts Options) *Bus {
	opts.QueueSize = mathx.OrDefault(opts.QueueSize, 1000)
	opts.PollInterval = mathx.OrDefault(opts.PollInterval, time.Millisecond)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		opts: opts,
		log:  opts.Logger.With("component", "canbus"),
		q:    newQueue(opts.QueueSize),
	}
}

func (b *Bus) State() State    { return State(b.state.Load()) }
func (b *Bus) IsRunning() bool { return b.State() == Running }
func (b *Bus) QueueCap() int   { return b.q.cap() }

// Start brings the transceiver up and starts the reader and dispatcher. In
// verification mode the chip is the in-memory RegisterMap returned by
// Emulator. Calling Start on a running bus does nothing and returns nil.
// If the chip cannot be initialised the bus stays stopped and the returned
// error carries errcode.InitFailed. Start waits for a pending teardown, so it
// must not be called from a consumer.
func (b *Bus) Start(verification bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() == Running {
		return nil
	}
	if done := b.done.Load(); done != nil {
		<-*done
	}
	b.state.Store(int32(Starting))

	var (
		spi  drivers.SPI
		link SPILink
		emu  *mcp2515.RegisterMap
	)
	chip := b.opts.Chip
	if verification {
		emu = mcp2515.NewRegisterMap()
		spi = emu
		chip.ResetDelay = -1
	} else {
		if b.opts.OpenSPI == nil {
			return b.failStart(errcode.Unsupported, nil)
		}
		l, err := b.opts.OpenSPI()
		if err != nil {
			return b.failStart(err, nil)
		}
		spi, link = l, l
	}

	dev := mcp2515.New(spi)
	dev.Configure(chip)
	if err := dev.Init(); err != nil {
		return b.failStart(err, link)
	}

	// Frames from an inject that raced the last Stop belong to no run.
	if n := b.q.drain(); n > 0 {
		b.log.Debug("discarded stale frames", "n", n)
	}
	b.link = link
	b.emu.Store(emu)
	b.dev.Store(dev)
	b.stop = make(chan struct{})
	done := make(chan struct{})
	b.done.Store(&done)
	b.rwg.Add(1)
	go b.readLoop(dev, b.stop)
	go b.dispatchLoop(b.stop, done)
	b.run.Add(1)
	b.state.Store(int32(Running))

	b.log.Info("started", "verification", verification, "queue", b.q.cap(), "poll", b.opts.PollInterval)
	return nil
}

func (b *Bus) failStart(err error, link SPILink) error {
	if link != nil {
		_ = link.Close()
	}
	b.state.Store(int32(Stopped))
	b.log.Error("start failed", "err", err)
	return errcode.Wrap(errcode.InitFailed, "canbus.start", err)
}

// Stop halts both goroutines, releases the transceiver and discards queued
// frames. It is safe to call at any time, more than once and from inside a
// consumer's OnFrame. Normally it returns once the bus is Stopped. While a
// consumer callback is running it only signals: the bus stays Stopping until
// the callback returns and the dispatcher finishes the teardown.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != Running {
		return
	}
	b.state.Store(int32(Stopping))
	close(b.stop)
	if b.dispatching.Load() {
		b.log.Debug("stop during dispatch, teardown left to dispatcher")
		return
	}
	<-*b.done.Load()
}

// teardown runs on the dispatcher after its loop exits.
func (b *Bus) teardown() {
	b.rwg.Wait()
	b.dev.Store(nil)
	b.emu.Store(nil)
	if b.link != nil {
		if err := b.link.Close(); err != nil {
			b.log.Warn("closing spi link", "err", err)
		}
		b.link = nil
	}
	n := b.q.drain()
	b.state.Store(int32(Stopped))
	b.log.Info("stopped", "discarded", n)
}

// Stopped returns a channel closed when the current or last run has fully
// torn down. It is nil before the first Start.
func (b *Bus) Stopped() <-chan struct{} {
	if done := b.done.Load(); done != nil {
		return *done
	}
	return nil
}

// Subscribe registers ref under id. An empty or dead ref is logged and ignored.
func (b *Bus) Subscribe(ref Ref, id uint16) {
	b.SubscribeMulti(ref, []uint16{id})
}

// SubscribeMulti registers ref under each of ids.
func (b *Bus) SubscribeMulti(ref Ref, ids []uint16) {
	if !ref.Valid() {
		b.log.Warn("subscribe with invalid consumer ignored", "ids", fmtIDs(ids))
		return
	}
	for _, id := range ids {
		if id > MaxID {
			b.log.Warn("subscribe to out of range id ignored", "id", fmt.Sprintf("%#x", id))
			continue
		}
		b.reg.add(id, ref)
	}
	b.log.Debug("subscribed", "ids", fmtIDs(ids))
}

// Unsubscribe removes every consumer registered under id.
func (b *Bus) Unsubscribe(id uint16) {
	n := b.reg.remove(id)
	b.log.Debug("unsubscribed", "id", fmt.Sprintf("%03X", id), "removed", n)
}

// Subscribers returns the number of live consumers under id.
func (b *Bus) Subscribers(id uint16) int { return b.reg.count(id) }

// Send transmits a frame through the transceiver. It returns
// errcode.NotRunning when the bus is stopped and mcp2515.ErrTxBusy when the
// transmit buffer is still occupied; it never retries.
func (b *Bus) Send(id uint16, data []byte) error {
	dev := b.dev.Load()
	if dev == nil {
		return errcode.NotRunning
	}
	if id > MaxID {
		return errcode.InvalidParams
	}
	if err := dev.Send(id, data); err != nil {
		b.log.Debug("send failed", "id", fmt.Sprintf("%03X", id), "err", err)
		return err
	}
	b.log.Debug("sent", "id", fmt.Sprintf("%03X", id), "len", len(data))
	return nil
}

// InjectTestFrame queues f as if the reader had received it. It is only
// available in verification mode. A zero arrival time is set to now. When the
// queue is full the frame is dropped and errcode.Busy is returned. An inject
// that races Stop reports errcode.NotRunning; its frame is discarded by the
// next Start.
func (b *Bus) InjectTestFrame(f Frame) error {
	run := b.run.Load()
	if !b.IsRunning() {
		return errcode.NotRunning
	}
	if b.emu.Load() == nil {
		b.log.Error("inject refused in hardware mode", "frame", f)
		return errcode.NotVerification
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	ok := b.enqueue(f)
	if b.run.Load() != run || !b.IsRunning() {
		return errcode.NotRunning
	}
	if !ok {
		return errcode.Busy
	}
	return nil
}

// ChipMode reads the controller's operating mode from CANSTAT. Anything but
// mcp2515.ModeNormal while running means the chip left normal operation.
func (b *Bus) ChipMode() (byte, error) {
	dev := b.dev.Load()
	if dev == nil {
		return 0, errcode.NotRunning
	}
	return dev.Mode()
}

// Emulator returns the in-memory chip while running in verification mode and
// nil otherwise. Frames loaded into it travel the normal reader path.
func (b *Bus) Emulator() *mcp2515.RegisterMap { return b.emu.Load() }

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Received:   b.received.Load(),
		Dispatched: b.dispatched.Load(),
		Dropped:    b.q.dropped.Load(),
		QueueLen:   b.q.len(),
	}
}

func (b *Bus) enqueue(f Frame) bool {
	b.received.Add(1)
	if b.q.push(f) {
		return true
	}
	b.log.Warn("queue full, frame dropped", "frame", f, "dropped", b.q.dropped.Load())
	return false
}

func (b *Bus) readLoop(dev *mcp2515.Device, stop <-chan struct{}) {
	defer b.rwg.Done()
	tick := time.NewTicker(b.opts.PollInterval)
	defer tick.Stop()

	var buf [MaxDataLen]byte
	failing := false
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}

		id, n, err := dev.Receive(buf[:])
		switch {
		case errors.Is(err, mcp2515.ErrNoFrame):
			failing = false
			continue
		case err != nil:
			// Log once per failure streak; the poll keeps going.
			if !failing {
				b.log.Error("receive failed", "err", err)
				failing = true
			}
			continue
		}
		failing = false

		f := NewFrame(id, buf[:n])
		b.log.Debug("rx", "frame", f)
		b.enqueue(f)
	}
}

func (b *Bus) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		b.teardown()
		close(done)
	}()
	var live []Consumer
	for {
		select {
		case <-stop:
			return
		case f := <-b.q.ch:
			if stopping(stop) {
				return
			}
			b.dispatched.Add(1)
			live = b.reg.live(f.ID, live[:0])
			b.dispatching.Store(true)
			for _, c := range live {
				if stopping(stop) {
					break
				}
				b.deliver(c, f)
			}
			b.dispatching.Store(false)
			clear(live)
		}
	}
}

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (b *Bus) deliver(c Consumer, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("consumer panicked", "id", fmt.Sprintf("%03X", f.ID), "consumer", fmt.Sprintf("%T", c), "panic", r)
		}
	}()
	c.OnFrame(f)
}

func fmtIDs(ids []uint16) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%03X", id)
	}
	return s
}
