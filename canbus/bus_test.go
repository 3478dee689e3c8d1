package canbus

import (
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vehiclebus-go/drivers/mcp2515"
	"vehiclebus-go/errcode"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects every frame it is handed.
type recorder struct {
	id uint16
	ch chan Frame
}

func newRecorder(id uint16) *recorder { return &recorder{id: id, ch: make(chan Frame, 256)} }

func (r *recorder) ID() uint16 { return r.id }
func (r *recorder) OnFrame(f Frame) {
	select {
	case r.ch <- f:
	default:
	}
}

func (r *recorder) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(time.Second):
		t.Fatalf("consumer %03X: timeout waiting for frame", r.id)
	}
	return Frame{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.ch:
		t.Fatalf("consumer %03X: unexpected frame %v", r.id, f)
	case <-time.After(50 * time.Millisecond):
	}
}

type panicker struct{ calls atomic.Int32 }

func (p *panicker) ID() uint16 { return 0x100 }
func (p *panicker) OnFrame(Frame) {
	p.calls.Add(1)
	panic("decoder exploded")
}

// gate blocks in OnFrame until released, recording Data[0] of each frame.
type gate struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     []byte
}

func (g *gate) ID() uint16 { return 0x100 }
func (g *gate) OnFrame(f Frame) {
	g.mu.Lock()
	g.got = append(g.got, f.Data[0])
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

func (g *gate) seen() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.got...)
}

// fakeLink is a hardware link backed by the register map.
type fakeLink struct {
	*mcp2515.RegisterMap
	closed atomic.Bool
}

func (l *fakeLink) Close() error { l.closed.Store(true); return nil }

// stuckLink never leaves configuration mode.
type stuckLink struct{ closed atomic.Bool }

func (s *stuckLink) Tx(w, r []byte) error {
	if r != nil && len(w) >= 3 && w[0] == 0x03 {
		r[2] = mcp2515.ModeConfig
	}
	return nil
}
func (s *stuckLink) Transfer(byte) (byte, error) { return 0, nil }
func (s *stuckLink) Close() error                { s.closed.Store(true); return nil }

func startVerify(t *testing.T, opts Options) *Bus {
	t.Helper()
	opts.Logger = quiet
	b := New(opts)
	if err := b.Start(true); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestLifecycle_Idempotent(t *testing.T) {
	b := New(Options{Logger: quiet})
	b.Stop() // never started

	if err := b.Start(true); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := b.Start(true); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if b.State() != Running || !b.IsRunning() {
		t.Fatalf("state = %v", b.State())
	}
	if b.Emulator() == nil {
		t.Fatal("verification mode should expose the emulator")
	}

	b.Stop()
	b.Stop()
	if b.State() != Stopped || b.Emulator() != nil {
		t.Fatalf("after stop: state=%v emulator=%v", b.State(), b.Emulator())
	}

	// restart after stop
	if err := b.Start(true); err != nil {
		t.Fatalf("restart: %v", err)
	}
	b.Stop()
}

// stopper stops the bus from inside its own callback.
type stopper struct {
	b        *Bus
	returned chan struct{}
}

func (s *stopper) ID() uint16 { return 0x100 }
func (s *stopper) OnFrame(Frame) {
	s.b.Stop()
	close(s.returned)
}

func TestStop_FromConsumer(t *testing.T) {
	link := &fakeLink{RegisterMap: mcp2515.NewRegisterMap()}
	b := New(Options{
		Logger:  quiet,
		Chip:    mcp2515.Config{ResetDelay: -1},
		OpenSPI: func() (SPILink, error) { return link, nil },
	})
	if err := b.Start(false); err != nil {
		t.Fatal(err)
	}
	s := &stopper{b: b, returned: make(chan struct{})}
	b.Subscribe(WeakRef(s), 0x100)
	link.Load(0x100, []byte{1})

	select {
	case <-s.returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop inside OnFrame never returned; state=%v", b.State())
	}
	select {
	case <-b.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatalf("teardown never finished; state=%v", b.State())
	}
	if b.State() != Stopped || !link.closed.Load() {
		t.Fatalf("after stop: state=%v link closed=%v", b.State(), link.closed.Load())
	}

	// the bus is usable again and Stop from outside still works
	if err := b.Start(true); err != nil {
		t.Fatalf("restart: %v", err)
	}
	b.Stop()
	if b.State() != Stopped {
		t.Fatalf("state = %v", b.State())
	}
	runtime.KeepAlive(s)
}

func TestStart_DiscardsStaleFrames(t *testing.T) {
	b := New(Options{Logger: quiet})
	// a frame left behind by an inject that lost the race with Stop
	b.q.push(NewFrame(0x100, []byte{9}))

	if err := b.Start(true); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	r := newRecorder(0x100)
	b.Subscribe(WeakRef(r), 0x100)
	if err := b.InjectTestFrame(NewFrame(0x100, []byte{1})); err != nil {
		t.Fatal(err)
	}
	if f := r.next(t); f.Data[0] != 1 {
		t.Fatalf("stale frame delivered: %v", f)
	}
	r.none(t)
	runtime.KeepAlive(r)
}

func TestInject_AfterStop(t *testing.T) {
	b := startVerify(t, Options{})
	b.Stop()
	if err := b.InjectTestFrame(NewFrame(0x100, nil)); !errors.Is(err, errcode.NotRunning) {
		t.Fatalf("inject after stop: %v", err)
	}
	if n := b.Stats().QueueLen; n != 0 {
		t.Fatalf("queue = %d", n)
	}
}

func TestChipMode(t *testing.T) {
	b := New(Options{Logger: quiet})
	if _, err := b.ChipMode(); !errors.Is(err, errcode.NotRunning) {
		t.Fatalf("stopped: %v", err)
	}
	if err := b.Start(true); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	m, err := b.ChipMode()
	if err != nil || m != mcp2515.ModeNormal {
		t.Fatalf("mode = %#x, %v", m, err)
	}
	b.Emulator().Write(mcp2515.RegCANSTAT, mcp2515.ModeListenOnly)
	if m, _ := b.ChipMode(); m != mcp2515.ModeListenOnly {
		t.Fatalf("mode = %#x", m)
	}
}

func TestStart_InitFailureStaysStopped(t *testing.T) {
	link := &stuckLink{}
	b := New(Options{
		Logger:  quiet,
		Chip:    mcp2515.Config{ResetDelay: -1, ModeRetries: 2},
		OpenSPI: func() (SPILink, error) { return link, nil },
	})
	err := b.Start(false)
	if !errors.Is(err, errcode.InitFailed) {
		t.Fatalf("want InitFailed, got %v", err)
	}
	if !errors.Is(err, mcp2515.ErrModeTimeout) {
		t.Fatalf("cause should be the mode timeout, got %v", err)
	}
	if b.State() != Stopped {
		t.Fatalf("state = %v", b.State())
	}
	if !link.closed.Load() {
		t.Fatal("link should be closed after failed init")
	}
}

func TestStart_OpenFailure(t *testing.T) {
	b := New(Options{Logger: quiet, OpenSPI: func() (SPILink, error) { return nil, errors.New("no such device") }})
	if err := b.Start(false); errcode.Of(err) != errcode.InitFailed {
		t.Fatalf("want InitFailed, got %v", err)
	}
	b2 := New(Options{Logger: quiet})
	if err := b2.Start(false); errcode.Of(err) != errcode.InitFailed {
		t.Fatalf("missing opener: want InitFailed, got %v", err)
	}
}

func TestSend_NotRunning(t *testing.T) {
	b := New(Options{Logger: quiet})
	if err := b.Send(0x200, []byte{1}); !errors.Is(err, errcode.NotRunning) {
		t.Fatalf("want NotRunning, got %v", err)
	}
	if err := b.InjectTestFrame(NewFrame(0x100, nil)); !errors.Is(err, errcode.NotRunning) {
		t.Fatalf("inject: want NotRunning, got %v", err)
	}
}

func TestSend_Verification(t *testing.T) {
	b := startVerify(t, Options{})
	if err := b.Send(0x200, []byte{1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(0x200, make([]byte, 9)); !errors.Is(err, mcp2515.ErrInvalidLength) {
		t.Fatalf("long payload: want ErrInvalidLength, got %v", err)
	}
	sent := b.Emulator().Sent()
	if len(sent) != 1 || sent[0].ID != 0x200 || len(sent[0].Data) != 1 || sent[0].Data[0] != 1 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHardwareMode_InjectRefused(t *testing.T) {
	link := &fakeLink{RegisterMap: mcp2515.NewRegisterMap()}
	b := New(Options{
		Logger:  quiet,
		Chip:    mcp2515.Config{ResetDelay: -1},
		OpenSPI: func() (SPILink, error) { return link, nil },
	})
	if err := b.Start(false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.Emulator() != nil {
		t.Fatal("hardware mode must not expose an emulator")
	}
	if err := b.InjectTestFrame(NewFrame(0x100, []byte{1})); !errors.Is(err, errcode.NotVerification) {
		t.Fatalf("want NotVerification, got %v", err)
	}

	// frames still arrive through the reader
	r := newRecorder(0x101)
	b.Subscribe(WeakRef(r), 0x101)
	link.Load(0x101, []byte{0x64, 0x00})
	if f := r.next(t); f.ID != 0x101 || f.Len != 2 || f.Data[0] != 0x64 {
		t.Fatalf("got %v", f)
	}

	b.Stop()
	if !link.closed.Load() {
		t.Fatal("stop should close the link")
	}
	runtime.KeepAlive(r)
}

func TestReaderPath_EmulatorFrame(t *testing.T) {
	b := startVerify(t, Options{})
	r := newRecorder(0x101)
	b.Subscribe(WeakRef(r), r.ID())

	b.Emulator().Load(0x101, []byte{0x23, 0x00})
	f := r.next(t)
	if f.ID != 0x101 || f.String() != "101 [2] 23 00" {
		t.Fatalf("got %v", f)
	}
	if f.At.IsZero() {
		t.Fatal("frame should carry an arrival time")
	}
	if b.Emulator().Pending() {
		t.Fatal("reader should clear RX0IF")
	}
	runtime.KeepAlive(r)
}

func TestDispatch_FIFOAndRouting(t *testing.T) {
	b := startVerify(t, Options{})
	speed := newRecorder(0x100)
	dist := newRecorder(0x101)
	b.SubscribeMulti(WeakRef(speed), []uint16{0x100, 0x180})
	b.Subscribe(WeakRef(dist), 0x101)

	const n = 100
	for i := 0; i < n; i++ {
		id := uint16(0x100)
		if i%2 == 1 {
			id = 0x180
		}
		if err := b.InjectTestFrame(NewFrame(id, []byte{byte(i)})); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if f := speed.next(t); f.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: got %d", i, f.Data[0])
		}
	}
	dist.none(t)

	b.Unsubscribe(0x180)
	if got := b.Subscribers(0x180); got != 0 {
		t.Fatalf("Subscribers(0x180) = %d after unsubscribe", got)
	}
	if err := b.InjectTestFrame(NewFrame(0x180, []byte{1})); err != nil {
		t.Fatal(err)
	}
	speed.none(t)
	runtime.KeepAlive(speed)
	runtime.KeepAlive(dist)
}

func TestUnsubscribe_RemovesWholeGroup(t *testing.T) {
	b := startVerify(t, Options{})
	a, c := newRecorder(0x100), newRecorder(0x100)
	b.Subscribe(WeakRef(a), 0x100)
	b.Subscribe(WeakRef(c), 0x100)
	b.Subscribe(WeakRef(a), 0x101)
	if b.Subscribers(0x100) != 2 {
		t.Fatalf("Subscribers = %d", b.Subscribers(0x100))
	}
	b.Unsubscribe(0x100)
	if b.Subscribers(0x100) != 0 || b.Subscribers(0x101) != 1 {
		t.Fatalf("after unsubscribe: %d / %d", b.Subscribers(0x100), b.Subscribers(0x101))
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(c)
}

func TestSubscribe_InvalidIgnored(t *testing.T) {
	b := startVerify(t, Options{})
	var nilRec *recorder
	b.Subscribe(WeakRef(nilRec), 0x100)
	b.Subscribe(Ref{}, 0x100)
	r := newRecorder(0x100)
	b.Subscribe(WeakRef(r), 0x800)
	if b.Subscribers(0x100) != 0 || b.Subscribers(0x800) != 0 {
		t.Fatal("invalid subscriptions should be ignored")
	}
	runtime.KeepAlive(r)
}

// subscribeTransient registers a consumer nothing else references.
func subscribeTransient(b *Bus, id uint16) {
	b.Subscribe(WeakRef(newRecorder(id)), id)
}

func TestWeakSubscription_CollectedConsumerPruned(t *testing.T) {
	b := startVerify(t, Options{})
	survivor := newRecorder(0x101)
	b.Subscribe(WeakRef(survivor), 0x101)
	subscribeTransient(b, 0x101)

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers(0x101) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("collected consumer still registered: %d", b.Subscribers(0x101))
		}
		runtime.GC()
	}

	if err := b.InjectTestFrame(NewFrame(0x101, []byte{0x2A, 0})); err != nil {
		t.Fatal(err)
	}
	if f := survivor.next(t); f.Data[0] != 0x2A {
		t.Fatalf("survivor got %v", f)
	}
	if b.Subscribers(0x101) != 1 {
		t.Fatalf("Subscribers = %d", b.Subscribers(0x101))
	}
	runtime.KeepAlive(survivor)
}

func TestDispatch_PanickingConsumerContained(t *testing.T) {
	b := startVerify(t, Options{})
	p := &panicker{}
	r := newRecorder(0x100)
	b.Subscribe(WeakRef(p), 0x100)
	b.Subscribe(WeakRef(r), 0x100)

	for i := 0; i < 2; i++ {
		if err := b.InjectTestFrame(NewFrame(0x100, []byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
		if f := r.next(t); f.Data[0] != byte(i) {
			t.Fatalf("frame %d: got %v", i, f)
		}
	}
	if p.calls.Load() != 2 {
		t.Fatalf("panicking consumer called %d times", p.calls.Load())
	}
	if b.Subscribers(0x100) != 2 {
		t.Fatalf("panicking consumer should stay subscribed, have %d", b.Subscribers(0x100))
	}
	runtime.KeepAlive(p)
	runtime.KeepAlive(r)
}

func TestQueue_BoundedDropsNewest(t *testing.T) {
	const capacity = 4
	b := startVerify(t, Options{QueueSize: capacity})
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	b.Subscribe(WeakRef(g), 0x100)
	released := false
	defer func() {
		if !released {
			close(g.release)
		}
	}()

	if err := b.InjectTestFrame(NewFrame(0x100, []byte{0})); err != nil {
		t.Fatal(err)
	}
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never reached the consumer")
	}

	// dispatcher is parked inside OnFrame; the queue fills and then drops
	const extra = 10
	busy := 0
	for i := 1; i <= extra; i++ {
		if err := b.InjectTestFrame(NewFrame(0x100, []byte{byte(i)})); errors.Is(err, errcode.Busy) {
			busy++
		} else if err != nil {
			t.Fatal(err)
		}
		if b.Stats().QueueLen > capacity {
			t.Fatalf("queue length %d exceeds capacity", b.Stats().QueueLen)
		}
	}
	st := b.Stats()
	if st.Dropped != extra-capacity || busy != extra-capacity || st.QueueLen != capacity {
		t.Fatalf("stats = %+v busy=%d", st, busy)
	}
	if st.Received != extra+1 {
		t.Fatalf("Received = %d", st.Received)
	}

	close(g.release)
	released = true
	deadline := time.Now().Add(time.Second)
	for len(g.seen()) < capacity+1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := g.seen()
	if len(got) != capacity+1 {
		t.Fatalf("delivered %v", got)
	}
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("kept frames should be the oldest in order, got %v", got)
		}
	}
	runtime.KeepAlive(g)
}

func TestStop_DrainsQueue(t *testing.T) {
	b := New(Options{Logger: quiet, QueueSize: 8})
	if err := b.Start(true); err != nil {
		t.Fatal(err)
	}
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	b.Subscribe(WeakRef(g), 0x100)
	for i := 0; i < 5; i++ {
		_ = b.InjectTestFrame(NewFrame(0x100, []byte{byte(i)}))
	}
	<-g.entered
	close(g.release)
	b.Stop()
	select {
	case <-b.Stopped():
	case <-time.After(time.Second):
		t.Fatal("teardown did not finish")
	}
	if n := b.Stats().QueueLen; n != 0 {
		t.Fatalf("queue not drained: %d", n)
	}
	runtime.KeepAlive(g)
}
