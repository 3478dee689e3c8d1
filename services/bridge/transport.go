package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// SerialOpen opens a serial port. Tests replace it.
var SerialOpen = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

type serialTransport struct {
	cfg SerialConfig
}

func newSerialTransport(cfg TransportConfig) (Transport, error) {
	if cfg.Serial == nil || cfg.Serial.Device == "" {
		return nil, errors.New("serial transport needs a device")
	}
	sc := *cfg.Serial
	if sc.Baud <= 0 {
		sc.Baud = 115200
	}
	if sc.ReadTimeoutMS <= 0 {
		sc.ReadTimeoutMS = 100
	}
	return &serialTransport{cfg: sc}, nil
}

func (t *serialTransport) String() string {
	return fmt.Sprintf("serial(%s@%d)", t.cfg.Device, t.cfg.Baud)
}

func (t *serialTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := SerialOpen(&serial.Config{
		Name:        t.cfg.Device,
		Baud:        t.cfg.Baud,
		ReadTimeout: time.Duration(t.cfg.ReadTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.cfg.Device, err)
	}
	return &serialLink{port: p, timeout: time.Duration(t.cfg.ReadTimeoutMS) * time.Millisecond}, nil
}

// serialLink hides read timeouts from the framing layer. A timed-out read on
// the port reports (0, io.EOF) after blocking for the timeout; an EOF that
// comes back sooner is a hangup and is passed through.
type serialLink struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	closed  atomic.Bool
}

func (l *serialLink) Read(p []byte) (int, error) {
	for {
		start := time.Now()
		n, err := l.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if l.closed.Load() {
			return 0, io.EOF
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && time.Since(start) >= l.timeout/2:
		default:
			return 0, err
		}
	}
}

func (l *serialLink) Write(p []byte) (int, error) { return l.port.Write(p) }

func (l *serialLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.port.Close()
}

// stdoutTransport writes lines to standard output, for bench runs without a
// serial link.
type stdoutTransport struct{}

func (stdoutTransport) String() string { return "stdout" }

func (stdoutTransport) Open(context.Context) (io.ReadWriteCloser, error) {
	return &writeOnly{w: os.Stdout, done: make(chan struct{})}, nil
}

// writeOnly blocks reads until Close.
type writeOnly struct {
	w    io.Writer
	once sync.Once
	done chan struct{}
}

func (w *writeOnly) Read([]byte) (int, error) {
	<-w.done
	return 0, io.EOF
}

func (w *writeOnly) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *writeOnly) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
