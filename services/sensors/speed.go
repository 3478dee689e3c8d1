package sensors

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"vehiclebus-go/canbus"
	"vehiclebus-go/errcode"
	"vehiclebus-go/x/mathx"

	"tinygo.org/x/drivers"
)

// Speed frame layout (little endian): pulses in this interval, then the
// running pulse total since the upstream node started.
const speedPayloadLen = 6

// SpeedConfig describes the wheel encoder. Zero fields take defaults.
type SpeedConfig struct {
	// IDs lists the accepted identifiers, primary first. Default
	// 0x100, 0x180, 0x580.
	IDs []uint16
	// PulsesPerRevolution defaults to 18.
	PulsesPerRevolution uint32
	// WheelDiameterMM defaults to 67.
	WheelDiameterMM float64
	Logger          *slog.Logger
}

// Speed decodes wheel encoder frames into speed (km/h, critical) and odometer
// (metres) data.
type Speed struct {
	consumer

	ppr  float64
	circ float64 // metres

	speed *Datum
	odo   *Datum

	// decode state, owned by Update
	mu        sync.Mutex
	lastAt    time.Time
	lastTotal uint32
	seen      bool
	lastDelta uint16
	mms       atomic.Uint64 // float64 bits, mm/s
}

// NewSpeed creates a speed sensor. bus may be nil when frames are fed to
// OnFrame directly.
func NewSpeed(bus Subscriber, cfg SpeedConfig) *Speed {
	if len(cfg.IDs) == 0 {
		cfg.IDs = []uint16{0x100, 0x180, 0x580}
	}
	cfg.PulsesPerRevolution = mathx.OrDefault(cfg.PulsesPerRevolution, 18)
	cfg.WheelDiameterMM = mathx.OrDefault(cfg.WheelDiameterMM, 67)

	s := &Speed{
		ppr:    float64(cfg.PulsesPerRevolution),
		circ:   math.Pi * cfg.WheelDiameterMM / 1000,
		speed:  NewDatum("speed", true),
		odo:    NewDatum("odo", false),
		lastAt: time.Now(),
	}
	s.init("speed", cfg.IDs, bus, cfg.Logger)
	return s
}

// Start subscribes to the bus. Repeated calls do nothing.
func (s *Speed) Start() error { return s.start(canbus.WeakRef(s)) }

// Stop unsubscribes from the bus.
func (s *Speed) Stop() { s.stop() }

// Data returns the speed and odometer data.
func (s *Speed) Data() []*Datum { return []*Datum{s.speed, s.odo} }

// SpeedDatum and OdoDatum give direct access for wiring.
func (s *Speed) SpeedDatum() *Datum { return s.speed }
func (s *Speed) OdoDatum() *Datum   { return s.odo }

// CircumferenceM is the wheel circumference in metres.
func (s *Speed) CircumferenceM() float64 { return s.circ }

// MillimetresPerSecond is the unrounded speed of the last decode.
func (s *Speed) MillimetresPerSecond() float64 {
	return math.Float64frombits(s.mms.Load())
}

// LastPulses returns the interval and total pulse counts of the last decode.
func (s *Speed) LastPulses() (delta uint16, total uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelta, s.lastTotal
}

// Update decodes the latched frame when which includes AngularVelocity or
// Distance. Without a new frame it does nothing. A short payload is reported
// as errcode.InvalidPayload and leaves the data untouched.
func (s *Speed) Update(which drivers.Measurement) error {
	if which&(drivers.AngularVelocity|drivers.Distance) == 0 {
		return nil
	}
	f, ok := s.take()
	if !ok {
		return nil
	}
	p := f.Payload()
	if len(p) < speedPayloadLen {
		return &errcode.E{
			C:   errcode.InvalidPayload,
			Op:  "speed.update",
			Msg: fmt.Sprintf("frame %03X carries %d bytes, need %d", f.ID, len(p), speedPayloadLen),
		}
	}
	delta := binary.LittleEndian.Uint16(p[0:2])
	total := binary.LittleEndian.Uint32(p[2:6])

	s.mu.Lock()
	elapsed := f.At.Sub(s.lastAt).Seconds()
	if s.seen && total < s.lastTotal {
		s.log.Warn("pulse total went backwards, upstream reset?", "prev", s.lastTotal, "now", total)
	}
	s.lastAt, s.lastTotal, s.lastDelta, s.seen = f.At, total, delta, true
	s.mu.Unlock()

	var mps float64
	if elapsed > 0 {
		mps = float64(delta) / s.ppr * s.circ / elapsed
	}
	s.mms.Store(math.Float64bits(mps * 1000))

	kmh := int64(math.Round(mps * 3.6))
	metres := int64(float64(total) / s.ppr * s.circ)
	s.speed.set(kmh, f.At)
	s.odo.set(metres, f.At)
	s.log.Debug("decoded", "pulses", delta, "total", total, "elapsed_s", elapsed, "kmh", kmh, "odo_m", metres)
	return nil
}
