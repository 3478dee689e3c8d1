// Package sensors turns CAN frames into telemetry values. Each sensor is a
// canbus consumer: OnFrame only latches the newest frame, and Update, called
// on the telemetry cadence, decodes it.
package sensors

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"vehiclebus-go/canbus"
	"vehiclebus-go/errcode"

	"tinygo.org/x/drivers"
)

// Sensor is what the telemetry handler polls.
type Sensor interface {
	drivers.Sensor
	Name() string
	Data() []*Datum
}

// Subscriber is the part of canbus.Bus a sensor uses to register itself.
type Subscriber interface {
	SubscribeMulti(ref canbus.Ref, ids []uint16)
	Unsubscribe(id uint16)
}

// consumer holds what Speed and Distance share: the accepted identifiers, the
// latched frame and the subscription flag.
type consumer struct {
	name string
	ids  []uint16
	bus  Subscriber
	log  *slog.Logger

	mu    sync.Mutex
	frame canbus.Frame
	fresh bool

	subscribed atomic.Bool
}

func (c *consumer) init(name string, ids []uint16, bus Subscriber, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	c.name = name
	c.ids = slices.Clone(ids)
	c.bus = bus
	c.log = log.With("component", "sensors", "sensor", name)
}

func (c *consumer) Name() string { return c.name }

// ID is the primary identifier.
func (c *consumer) ID() uint16 { return c.ids[0] }

// IDs returns every identifier the sensor accepts.
func (c *consumer) IDs() []uint16 { return slices.Clone(c.ids) }

// Subscribed reports whether the sensor is registered on the bus.
func (c *consumer) Subscribed() bool { return c.subscribed.Load() }

// OnFrame latches f if its identifier is one of ours. It never blocks on
// anything but the latch lock.
func (c *consumer) OnFrame(f canbus.Frame) {
	if !slices.Contains(c.ids, f.ID) {
		return
	}
	c.mu.Lock()
	c.frame = f
	c.fresh = true
	c.mu.Unlock()
}

// take returns the latched frame once.
func (c *consumer) take() (canbus.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fresh {
		return canbus.Frame{}, false
	}
	c.fresh = false
	return c.frame, true
}

func (c *consumer) start(ref canbus.Ref) error {
	if c.bus == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: c.name + ".start", Msg: "no bus"}
	}
	if c.subscribed.CompareAndSwap(false, true) {
		c.bus.SubscribeMulti(ref, c.ids)
		c.log.Info("subscribed", "ids", len(c.ids))
	}
	return nil
}

// stop unsubscribes every accepted identifier. Unsubscribe is per identifier
// group, so other consumers on the same identifiers are removed too.
func (c *consumer) stop() {
	if c.bus == nil || !c.subscribed.CompareAndSwap(true, false) {
		return
	}
	for _, id := range c.ids {
		c.bus.Unsubscribe(id)
	}
	c.log.Info("unsubscribed")
}
