// Package telemetry polls the sensors and publishes changed values on the
// in-process bus, critical and non-critical data on separate topics and
// cadences.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vehiclebus-go/bus"
	"vehiclebus-go/errcode"
	"vehiclebus-go/services/sensors"
	"vehiclebus-go/x/mathx"

	"tinygo.org/x/drivers"
)

var (
	TopicCritical    = bus.T("telemetry", "critical")
	TopicNonCritical = bus.T("telemetry", "noncritical")
)

// Hello is published on both topics when the handler starts.
const Hello = "init;"

// Config sets the loop cadences. Zero fields take defaults.
type Config struct {
	UpdateInterval      time.Duration // default 100 ms
	CriticalInterval    time.Duration // default 50 ms
	NonCriticalInterval time.Duration // default 200 ms
	Logger              *slog.Logger
}

// Handler owns a set of sensors. One goroutine calls Update on each sensor
// and two more publish updated data as "<name>:<value>;" strings.
type Handler struct {
	conn *bus.Connection
	cfg  Config
	log  *slog.Logger

	mu          sync.RWMutex
	sensors     []sensors.Sensor
	critical    []*sensors.Datum
	nonCritical []*sensors.Datum

	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a handler publishing through conn.
func New(conn *bus.Connection, cfg Config) *Handler {
	cfg.UpdateInterval = mathx.OrDefault(cfg.UpdateInterval, 100*time.Millisecond)
	cfg.CriticalInterval = mathx.OrDefault(cfg.CriticalInterval, 50*time.Millisecond)
	cfg.NonCriticalInterval = mathx.OrDefault(cfg.NonCriticalInterval, 200*time.Millisecond)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		conn: conn,
		cfg:  cfg,
		log:  cfg.Logger.With("component", "telemetry"),
	}
}

// Add registers a sensor and sorts its data by the critical flag.
func (h *Handler) Add(s sensors.Sensor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sensors = append(h.sensors, s)
	for _, d := range s.Data() {
		if d.Critical() {
			h.critical = append(h.critical, d)
		} else {
			h.nonCritical = append(h.nonCritical, d)
		}
		h.log.Info("datum registered", "sensor", s.Name(), "datum", d.Name(), "critical", d.Critical())
	}
}

// Sensors returns the registered sensors.
func (h *Handler) Sensors() []sensors.Sensor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]sensors.Sensor(nil), h.sensors...)
}

// Start publishes the hello string and launches the loops, which run until
// ctx is cancelled. A handler can only be started once.
func (h *Handler) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errcode.Busy
	}
	h.conn.Publish(h.conn.NewMessage(TopicCritical, Hello, false))
	h.conn.Publish(h.conn.NewMessage(TopicNonCritical, Hello, false))

	h.wg.Add(3)
	go h.every(ctx, h.cfg.UpdateInterval, h.UpdateOnce)
	go h.every(ctx, h.cfg.CriticalInterval, func() { h.publish(true) })
	go h.every(ctx, h.cfg.NonCriticalInterval, func() { h.publish(false) })
	h.log.Info("started", "sensors", len(h.Sensors()))
	return nil
}

// Wait blocks until the loops have exited.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) every(ctx context.Context, d time.Duration, fn func()) {
	defer h.wg.Done()
	tick := time.NewTicker(d)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fn()
		}
	}
}

// UpdateOnce calls Update on every sensor. Errors and panics are logged per
// sensor and do not stop the others.
func (h *Handler) UpdateOnce() {
	for _, s := range h.Sensors() {
		h.update(s)
	}
}

func (h *Handler) update(s sensors.Sensor) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("sensor update panicked", "sensor", s.Name(), "panic", r)
		}
	}()
	if err := s.Update(drivers.AllMeasurements); err != nil {
		if errcode.Of(err) == errcode.InvalidPayload {
			h.log.Warn("sensor update skipped", "sensor", s.Name(), "err", err)
			return
		}
		h.log.Error("sensor update failed", "sensor", s.Name(), "err", err)
	}
}

// publish sends every updated datum of one class and clears its flag.
func (h *Handler) publish(critical bool) {
	h.mu.RLock()
	list, topic := h.nonCritical, TopicNonCritical
	if critical {
		list, topic = h.critical, TopicCritical
	}
	h.mu.RUnlock()

	for _, d := range list {
		r, ok := d.Consume()
		if !ok {
			continue
		}
		h.conn.Publish(h.conn.NewMessage(topic, r.Format(), false))
	}
}

// Flush publishes pending updates on both topics immediately.
func (h *Handler) Flush() {
	h.publish(true)
	h.publish(false)
}
