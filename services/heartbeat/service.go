// Package heartbeat periodically reports CAN bus health: the counters and the
// controller's operating mode are logged and published retained on
// "canbus/stats".
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/drivers/mcp2515"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	TopicStats           = bus.T("canbus", "stats")
)

// Config is the "config/heartbeat" section.
type Config struct {
	IntervalS int `json:"interval_s"`
}

// StatsSource is implemented by *canbus.Bus.
type StatsSource interface {
	Stats() canbus.Stats
	State() canbus.State
	ChipMode() (byte, error)
}

// Report is the payload published on TopicStats.
type Report struct {
	State string
	Mode  string // controller operating mode, empty while stopped
	canbus.Stats
	At time.Time
}

type Service struct {
	src StatsSource
	log *slog.Logger
}

func New(src StatsSource, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{src: src, log: log.With("component", "heartbeat")}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping")
			return
		case t := <-tick.C:
			s.beat(conn, t)
		case msg := <-cfgSub.Channel():
			if iv, ok := interval(msg.Payload); ok {
				tick.Reset(iv)
				s.log.Info("interval set", "interval", iv)
			}
		}
	}
}

func (s *Service) beat(conn *bus.Connection, t time.Time) {
	r := Report{State: s.src.State().String(), Stats: s.src.Stats(), At: t}
	if mode, err := s.src.ChipMode(); err == nil {
		r.Mode = mcp2515.ModeName(mode)
		if mode != mcp2515.ModeNormal {
			s.log.Warn("controller not in normal mode", "mode", r.Mode)
		}
	}
	s.log.Info("heartbeat", "state", r.State, "mode", r.Mode, "received", r.Received,
		"dispatched", r.Dispatched, "dropped", r.Dropped, "queued", r.QueueLen)
	conn.Publish(conn.NewMessage(TopicStats, r, true))
}

func interval(p any) (time.Duration, bool) {
	var secs float64
	switch v := p.(type) {
	case Config:
		secs = float64(v.IntervalS)
	case map[string]any:
		f, ok := v["interval_s"].(float64)
		if !ok {
			return 0, false
		}
		secs = f
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
