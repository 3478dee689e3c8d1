package sensors

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vehiclebus-go/canbus"
	"vehiclebus-go/errcode"
	"vehiclebus-go/x/mathx"

	"tinygo.org/x/drivers"
)

const distancePayloadLen = 2

// Speed scaling of the risk thresholds: unchanged up to scaleLowMMS, 3.75x
// from scaleHighMMS, linear in between.
const (
	scaleLowMMS  = 800
	scaleHighMMS = 2500
	scaleMax     = 3.75
)

// DistanceConfig describes the obstacle sensor. Zero fields take defaults.
type DistanceConfig struct {
	// IDs lists the accepted identifiers, primary first. Default
	// 0x101, 0x181, 0x581.
	IDs []uint16
	// MaxRangeCM defaults to 150. Farther readings count as no obstacle.
	MaxRangeCM uint16
	// EmergencyCM and WarningCM are the base thresholds. Default 20 and 40.
	EmergencyCM float64
	WarningCM   float64
	Logger      *slog.Logger
}

// Distance decodes obstacle distance frames, classifies collision risk and
// drives the emergency brake callback.
type Distance struct {
	consumer

	maxRange  uint16
	emergency float64
	warning   float64

	obs  *Datum
	dist *Datum

	cbMu     sync.Mutex
	brake    func(active bool)
	speedMMS func() float64

	cm          atomic.Uint32
	risk        atomic.Int32
	brakeActive atomic.Bool
}

// NewDistance creates a distance sensor. bus may be nil when frames are fed
// to OnFrame directly.
func NewDistance(bus Subscriber, cfg DistanceConfig) *Distance {
	if len(cfg.IDs) == 0 {
		cfg.IDs = []uint16{0x101, 0x181, 0x581}
	}
	cfg.MaxRangeCM = mathx.OrDefault(cfg.MaxRangeCM, 150)
	cfg.EmergencyCM = mathx.OrDefault(cfg.EmergencyCM, 20)
	cfg.WarningCM = mathx.OrDefault(cfg.WarningCM, 40)

	d := &Distance{
		maxRange:  cfg.MaxRangeCM,
		emergency: cfg.EmergencyCM,
		warning:   cfg.WarningCM,
		obs:       NewDatum("obs", false),
		dist:      NewDatum("distance", false),
	}
	d.init("distance", cfg.IDs, bus, cfg.Logger)
	return d
}

// Start subscribes to the bus. Repeated calls do nothing.
func (d *Distance) Start() error { return d.start(canbus.WeakRef(d)) }

// Stop unsubscribes from the bus.
func (d *Distance) Stop() { d.stop() }

// Data returns the risk ("obs") and distance data.
func (d *Distance) Data() []*Datum { return []*Datum{d.obs, d.dist} }

func (d *Distance) Risk() RiskLevel    { return RiskLevel(d.risk.Load()) }
func (d *Distance) DistanceCM() uint16 { return uint16(d.cm.Load()) }
func (d *Distance) BrakeActive() bool  { return d.brakeActive.Load() }

// SetEmergencyBrakeCallback installs fn, called with true on entering
// Emergency and false on leaving it.
func (d *Distance) SetEmergencyBrakeCallback(fn func(active bool)) {
	d.cbMu.Lock()
	d.brake = fn
	d.cbMu.Unlock()
}

// SetSpeedSource enables speed-scaled thresholds. fn returns the current
// speed in mm/s; nil restores the fixed thresholds.
func (d *Distance) SetSpeedSource(fn func() float64) {
	d.cbMu.Lock()
	d.speedMMS = fn
	d.cbMu.Unlock()
}

// Thresholds returns the emergency and warning distances in effect.
func (d *Distance) Thresholds() (emergencyCM, warningCM float64) {
	m := d.speedMultiplier()
	return d.emergency * m, d.warning * m
}

func (d *Distance) speedMultiplier() float64 {
	d.cbMu.Lock()
	src := d.speedMMS
	d.cbMu.Unlock()
	if src == nil {
		return 1
	}
	return mathx.Lerp(src(), scaleLowMMS, scaleHighMMS, 1, scaleMax)
}

// Update decodes the latched frame when which includes Distance and
// re-evaluates the risk. Without a new frame it does nothing. A short payload
// is reported as errcode.InvalidPayload and leaves the data untouched.
func (d *Distance) Update(which drivers.Measurement) error {
	if which&drivers.Distance == 0 {
		return nil
	}
	f, ok := d.take()
	if !ok {
		return nil
	}
	p := f.Payload()
	if len(p) < distancePayloadLen {
		return &errcode.E{
			C:   errcode.InvalidPayload,
			Op:  "distance.update",
			Msg: fmt.Sprintf("frame %03X carries %d bytes, need %d", f.ID, len(p), distancePayloadLen),
		}
	}
	cm := binary.LittleEndian.Uint16(p[0:2])
	d.cm.Store(uint32(cm))
	d.dist.set(int64(cm), f.At)
	d.assess(cm, f.At)
	return nil
}

func (d *Distance) assess(cm uint16, at time.Time) {
	emergency, warning := d.Thresholds()
	level := Classify(cm, d.maxRange, emergency, warning)

	old := RiskLevel(d.risk.Swap(int32(level)))
	d.obs.force(int64(level), at)
	if old == level {
		return
	}
	d.log.Info("risk level changed", "from", old, "to", level, "cm", cm,
		"emergency_cm", emergency, "warning_cm", warning)
	d.triggerEmergencyBrake(level == Emergency)
}

// triggerEmergencyBrake calls the brake callback only when active differs
// from the last call.
func (d *Distance) triggerEmergencyBrake(active bool) {
	if d.brakeActive.Swap(active) == active {
		return
	}
	d.cbMu.Lock()
	cb := d.brake
	d.cbMu.Unlock()
	if cb == nil {
		d.log.Warn("no emergency brake callback", "active", active)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("emergency brake callback panicked", "active", active, "panic", r)
		}
	}()
	cb(active)
	d.log.Info("emergency brake", "active", active)
}
