// Command vehiclebus runs the CAN telemetry stack: MCP2515 bus, speed and
// distance consumers, collision-risk braking, telemetry publishing and the
// dashboard bridge.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/drivers/spidev"
	"vehiclebus-go/services/bridge"
	"vehiclebus-go/services/canctl"
	"vehiclebus-go/services/config"
	"vehiclebus-go/services/heartbeat"
	"vehiclebus-go/services/sensors"
	"vehiclebus-go/services/telemetry"
)

// brakeID carries the emergency brake command: one byte, 1 engaged, 0 released.
const brakeID = 0x200

func main() {
	var (
		device   = flag.String("device", "bench", "embedded config profile (rover, bench)")
		cfgPath  = flag.String("config", "", "JSON file overriding the profile")
		verify   = flag.Bool("verify", false, "use the in-memory transceiver")
		console  = flag.Bool("console", false, "read operator commands from stdin")
		logLevel = flag.String("log", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*device, *cfgPath, *verify, *console, log); err != nil {
		log.Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(device, cfgPath string, verify, console bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(32)
	cfg, err := config.NewConfigService(cfgPath, log).Start(config.WithDevice(ctx, device), b.NewConnection("config"))
	if err != nil {
		return err
	}

	opts := cfg.CAN.Options(log)
	spiCfg := cfg.CAN.SPI()
	opts.OpenSPI = func() (canbus.SPILink, error) {
		p, err := spidev.Open(spiCfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	can := canbus.New(opts)
	if err := can.Start(verify || cfg.CAN.Verification); err != nil {
		return err
	}
	// Stopped last so consumers never see a half-closed bus.
	defer can.Stop()

	speed := sensors.NewSpeed(can, cfg.Speed.Sensor(log))
	dist := sensors.NewDistance(can, cfg.Distance.Sensor(log))
	if cfg.Distance.SpeedScaling {
		dist.SetSpeedSource(speed.MillimetresPerSecond)
	}
	dist.SetEmergencyBrakeCallback(func(active bool) {
		var v byte
		if active {
			v = 1
		}
		log.Warn("emergency brake", "active", active, "distance_cm", dist.DistanceCM())
		if err := can.Send(brakeID, []byte{v}); err != nil {
			log.Error("brake frame not sent", "err", err)
		}
	})
	for _, s := range []interface{ Start() error }{speed, dist} {
		if err := s.Start(); err != nil {
			return err
		}
	}
	defer speed.Stop()
	defer dist.Stop()

	if err := heartbeat.New(can, log).Start(ctx, b.NewConnection("heartbeat")); err != nil {
		return err
	}

	tel := telemetry.New(b.NewConnection("telemetry"), cfg.Telemetry.Handler(log))
	tel.Add(speed)
	tel.Add(dist)
	if err := tel.Start(ctx); err != nil {
		return err
	}
	defer tel.Wait()

	// Joined before the bus stops so the bridge can send its close frame.
	links := serveLinks(ctx, b, can, log)
	defer links.Wait()

	if console {
		go func() {
			c := &Console{conn: b.NewConnection("console"), out: os.Stdout}
			c.Run(ctx, os.Stdin)
			stop()
		}()
	}

	log.Info("running", "device", device, "state", can.State().String())
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// serveLinks runs the bridge and control services until ctx is cancelled.
func serveLinks(ctx context.Context, b *bus.Bus, can canctl.Controller, log *slog.Logger) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bridge.Start(ctx, b.NewConnection("bridge"), log)
	}()
	go func() {
		defer wg.Done()
		canctl.Serve(ctx, b.NewConnection("canctl"), can, log)
	}()
	return &wg
}
