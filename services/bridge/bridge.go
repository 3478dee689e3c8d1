// Package bridge forwards telemetry from the in-process bus to an external
// byte link, typically the serial line to the dashboard computer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vehiclebus-go/bus"

	"github.com/google/uuid"
)

var (
	topicConfig  = bus.T("config", "bridge")
	topicState   = bus.T("bridge", "state")
	topicForward = bus.T("telemetry", "#")
)

// Start runs the bridge service until ctx is cancelled. It waits for JSON
// config on "config/bridge" and (re)configures the link on every update.
// Start returns once the current link has sent its close frame and shut down.
func Start(ctx context.Context, conn *bus.Connection, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		conn:       conn,
		stateTopic: topicState,
		log:        log.With("component", "bridge"),
	}
	s.run(ctx)
}

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	Transport TransportConfig `json:"transport"`
	// Framing is "frames" (length-prefixed, with ping) or "lines" (one
	// "<topic> <payload>" line per message). Default depends on transport.
	Framing string `json:"framing,omitempty"`
	// PingS is the keepalive period in frames mode. Default 5.
	PingS int `json:"ping_s,omitempty"`
}

type TransportConfig struct {
	// "serial", "stdout" or a name registered via RegisterTransport.
	Type   string        `json:"type"`
	Serial *SerialConfig `json:"serial,omitempty"`
}

// SerialConfig selects the serial device.
type SerialConfig struct {
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMS int    `json:"read_timeout_ms,omitempty"`
}

// Service supervises one link at a time.
type Service struct {
	conn       *bus.Connection
	stateTopic bus.Topic
	log        *slog.Logger

	mu        sync.Mutex
	curRun    context.CancelFunc
	links     sync.WaitGroup
	curCfg    atomic.Value // stores Config
	forwarded atomic.Uint64
	session   atomic.Value // string, id of the current link
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			s.links.Wait()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	s.curCfg.Store(cfg)
	s.log.Info("configured", "transport", cfg.Transport.Type, "framing", cfg.framing())
	s.links.Add(1)
	go func() {
		defer s.links.Done()
		s.runLink(ctx, cfg)
	}()
}

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		id := uuid.NewString()
		s.session.Store(id)
		s.log.Info("link up", "transport", tr.String(), "session", id)
		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, rwc, cfg)
		_ = rwc.Close()
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		return
	}
}

// handleLink forwards telemetry until ctx ends or the link fails.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, cfg Config) error {
	sub := s.conn.Subscribe(topicForward)
	defer s.conn.Unsubscribe(sub)

	framed := cfg.framing() == "frames"
	wr := newFramedWriter(rwc)

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if !framed {
			_, err := io.Copy(io.Discard, rwc)
			if err == nil {
				err = io.EOF
			}
			errCh <- err
			return
		}
		rd := newFramedReader(rwc)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
					errCh <- err
					return
				}
			case frameClose:
				errCh <- io.EOF
				return
			default:
				// pong and anything else needs no action
			}
		}
	}()

	ping := time.Duration(cfg.PingS) * time.Second
	if ping <= 0 {
		ping = 5 * time.Second
	}
	tick := time.NewTicker(ping)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if framed {
				_ = wr.WriteFrame(Frame{Type: frameClose})
			}
			return nil
		case err := <-errCh:
			if err == nil {
				err = io.EOF
			}
			return err
		case <-tick.C:
			if framed {
				if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
					return err
				}
			}
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			if err := s.forward(wr, framed, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Service) forward(wr *framedWriter, framed bool, msg *bus.Message) error {
	body, err := payloadBytes(msg.Payload)
	if err != nil {
		s.log.Warn("unforwardable payload", "topic", msg.Topic.String(), "err", err)
		return nil
	}
	topic := msg.Topic.String()
	if framed {
		p := make([]byte, 0, len(topic)+1+len(body))
		p = append(p, topic...)
		p = append(p, 0)
		p = append(p, body...)
		err = wr.WriteFrame(Frame{Type: framePub, Payload: p})
	} else {
		line := make([]byte, 0, len(topic)+len(body)+2)
		line = append(line, topic...)
		line = append(line, ' ')
		line = append(line, body...)
		line = append(line, '\n')
		_, err = wr.w.Write(line)
	}
	if err == nil {
		s.forwarded.Add(1)
	}
	return err
}

// Forwarded returns the number of messages written to links so far.
func (s *Service) Forwarded() uint64 { return s.forwarded.Load() }

func (c Config) framing() string {
	if c.Framing != "" {
		return c.Framing
	}
	if c.Transport.Type == "stdout" {
		return "lines"
	}
	return "frames"
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport allows external packages to add transports (eg. "tcp").
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "serial":
		return newSerialTransport(cfg)
	case "stdout":
		return stdoutTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// -----------------------------------------------------------------------------
// Minimal framing
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

// Frame is a length-prefixed link frame. A pub frame carries the topic, a
// zero byte and the payload.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }

type framedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

// WriteFrame writes header and payload in one call so concurrent writers do
// not interleave.
func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, 3, 3+len(f.Payload))
	buf[0], buf[1], buf[2] = f.Type, byte(len(f.Payload)>>8), byte(len(f.Payload))
	buf = append(buf, f.Payload...)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func payloadBytes(p any) ([]byte, error) {
	switch v := p.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, errors.New("nil payload")
	default:
		return json.Marshal(v)
	}
}

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		// Already decoded (e.g. from the config service); re-marshal.
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":     level,  // "up", "degraded", "error", "idle"
		"status":    status, // short machine string
		"forwarded": s.forwarded.Load(),
		"ts_ms":     time.Now().UnixMilli(),
	}
	if id, _ := s.session.Load().(string); id != "" {
		payload["session"] = id
	}
	if err != nil {
		payload["error"] = err.Error()
		s.log.Warn("state", "level", level, "status", status, "err", err)
	} else {
		s.log.Info("state", "level", level, "status", status)
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
