package bridge

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"vehiclebus-go/bus"

	"github.com/google/uuid"
	"github.com/tarm/serial"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBridge_EstablishesSerialLinkAndReportsState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")

	prevOpen := SerialOpen
	defer func() { SerialOpen = prevOpen }()
	remotes := make(chan io.ReadWriteCloser, 4)
	pubs := make(chan []byte, 16)
	SerialOpen = func(c *serial.Config) (io.ReadWriteCloser, error) {
		if c.Name != "/dev/ttyUSB0" || c.Baud != 115200 {
			t.Errorf("serial config = %+v", c)
		}
		lc, rc := net.Pipe()
		remotes <- rc
		go remotePeer(rc, pubs)
		return lc, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, quiet)

	stateSub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(stateSub)

	first := nextStatePayload(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	cfg := `{"transport":{"type":"serial","serial":{"device":"/dev/ttyUSB0","baud":115200}}}`
	conn.Publish(conn.NewMessage(topicConfig, cfg, false))

	up := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")
	session, _ := up["session"].(string)
	if _, err := uuid.Parse(session); err != nil {
		t.Fatalf("session %q: %v", session, err)
	}

	// The forwarder subscribes just after reporting up, so keep publishing
	// until a pub frame arrives.
	want := []byte("telemetry/critical\x00speed:12;")
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(time.Second)
wait:
	for {
		select {
		case <-tick.C:
			conn.Publish(conn.NewMessage(bus.T("telemetry", "critical"), "speed:12;", false))
		case p := <-pubs:
			if !bytes.Equal(p, want) {
				t.Fatalf("pub frame = %q, want %q", p, want)
			}
			break wait
		case <-deadline:
			t.Fatal("timeout waiting for forwarded telemetry")
		}
	}

	(<-remotes).Close()
	degraded := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, degraded, "degraded", "link_lost_retrying")
}

func TestBridge_LinesFramingOverRegisteredTransport(t *testing.T) {
	lc, rc := net.Pipe()
	RegisterTransport("pipe", func(TransportConfig) (Transport, error) {
		return pipeTransport{lc}, nil
	})

	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_lines")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, quiet)

	conn.Publish(conn.NewMessage(topicConfig, Config{
		Transport: TransportConfig{Type: "pipe"},
		Framing:   "lines",
	}, false))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(rc)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(time.Second)
	for {
		select {
		case <-tick.C:
			conn.Publish(conn.NewMessage(bus.T("telemetry", "noncritical"), "distance:15;", false))
		case l := <-lines:
			if l != "telemetry/noncritical distance:15;" {
				t.Fatalf("line = %q", l)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for line")
		}
	}
}

func TestBridge_StartReturnsAfterCloseFrame(t *testing.T) {
	lc, rc := net.Pipe()
	defer rc.Close()
	RegisterTransport("pipe-close", func(TransportConfig) (Transport, error) {
		return pipeTransport{lc}, nil
	})

	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_close")
	stateSub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(stateSub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	returned := make(chan struct{})
	go func() {
		Start(ctx, conn, quiet)
		close(returned)
	}()

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // awaiting_config
	conn.Publish(conn.NewMessage(topicConfig, Config{
		Transport: TransportConfig{Type: "pipe-close"},
		Framing:   "frames",
	}, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "up", "link_established")

	// nothing reads the pipe yet, so the close frame write blocks
	cancel()
	select {
	case <-returned:
		t.Fatal("Start returned before the close frame was written")
	case <-time.After(50 * time.Millisecond):
	}

	f, err := newFramedReader(rc).ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frameClose {
		t.Fatalf("frame type = %#x, want close", f.Type)
	}
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the link closed")
	}
}

func TestBridge_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("bridge_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, quiet)

	stateSub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(stateSub)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // initial awaiting_config

	cfg := `{"transport":{"type":"bogus"}}`
	conn.Publish(conn.NewMessage(topicConfig, cfg, false))

	errState := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, errState, "error", "transport_init_failed")
	if e, _ := errState["error"].(string); !strings.Contains(e, "bogus") {
		t.Fatalf("error = %q", e)
	}
}

func TestSerialTransportNeedsDevice(t *testing.T) {
	if _, err := newTransport(TransportConfig{Type: "serial"}); err == nil {
		t.Fatal("expected error without device")
	}
	tr, err := newTransport(TransportConfig{Type: "serial", Serial: &SerialConfig{Device: "/dev/ttyACM0"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.String(); got != "serial(/dev/ttyACM0@115200)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestBackoffSeq(t *testing.T) {
	next := backoffSeq(100*time.Millisecond, 350*time.Millisecond)
	want := []time.Duration{100, 200, 350, 350}
	for i, w := range want {
		if got := next(); got != w*time.Millisecond {
			t.Fatalf("step %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type pipeTransport struct{ c net.Conn }

func (p pipeTransport) String() string                                   { return "pipe" }
func (p pipeTransport) Open(context.Context) (io.ReadWriteCloser, error) { return p.c, nil }

// remotePeer services the frame protocol: it answers pings and hands pub
// payloads to pubs. It exits on read or write error.
func remotePeer(c io.ReadWriteCloser, pubs chan<- []byte) {
	defer c.Close()
	rd := newFramedReader(c)
	wr := newFramedWriter(c)
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case framePing:
			if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
				return
			}
		case framePub:
			select {
			case pubs <- f.Payload:
			default:
			}
		}
	}
}

func nextStatePayload(t *testing.T, sub *bus.Subscription, d time.Duration) map[string]any {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type: got %T, want map[string]any", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for bridge/state")
		return nil
	}
}

func assertLevelStatus(t *testing.T, payload map[string]any, wantLevel, wantStatus string) {
	t.Helper()
	gotLevel, _ := payload["level"].(string)
	gotStatus, _ := payload["status"].(string)
	if gotLevel != wantLevel || gotStatus != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (payload=%v)",
			gotLevel, gotStatus, wantLevel, wantStatus, payload)
	}
}
