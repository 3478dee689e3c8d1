// Package config resolves the device configuration and publishes each section
// as a retained message on "config/<section>".
//
// Resolution order: built-in defaults, then the embedded profile for the
// device, then an optional JSON file. Later layers only override the fields
// they set.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/drivers/mcp2515"
	"vehiclebus-go/drivers/spidev"
	"vehiclebus-go/services/bridge"
	"vehiclebus-go/services/heartbeat"
	"vehiclebus-go/services/sensors"
	"vehiclebus-go/services/telemetry"
	"vehiclebus-go/x/mathx"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey struct{}

// WithDevice returns a context carrying the device profile name.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, ctxKey{}, device)
}

// DeviceFrom returns the device profile stored by WithDevice.
func DeviceFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Config is the full device configuration.
type Config struct {
	CAN       CANConfig        `json:"can"`
	Speed     SpeedConfig      `json:"speed"`
	Distance  DistanceConfig   `json:"distance"`
	Telemetry TelemetryConfig  `json:"telemetry"`
	Bridge    bridge.Config    `json:"bridge"`
	Heartbeat heartbeat.Config `json:"heartbeat"`
}

type CANConfig struct {
	SPIDevice      string `json:"spi_device"`
	SPISpeedHz     uint32 `json:"spi_speed_hz"`
	SPIMode        uint8  `json:"spi_mode"`
	BitrateKbps    uint16 `json:"bitrate_kbps"`
	CrystalMHz     int    `json:"crystal_mhz"`
	Verification   bool   `json:"verification"`
	QueueSize      int    `json:"queue_size"`
	PollIntervalMS int    `json:"poll_interval_ms"`
}

type SpeedConfig struct {
	IDs                 []uint16 `json:"ids"`
	PulsesPerRevolution uint32   `json:"pulses_per_revolution"`
	WheelDiameterMM     float64  `json:"wheel_diameter_mm"`
}

type DistanceConfig struct {
	IDs          []uint16 `json:"ids"`
	MaxRangeCM   uint16   `json:"max_range_cm"`
	EmergencyCM  float64  `json:"emergency_cm"`
	WarningCM    float64  `json:"warning_cm"`
	SpeedScaling bool     `json:"speed_scaling"`
}

type TelemetryConfig struct {
	UpdateIntervalMS      int `json:"update_interval_ms"`
	CriticalIntervalMS    int `json:"critical_interval_ms"`
	NonCriticalIntervalMS int `json:"noncritical_interval_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CAN: CANConfig{
			SPIDevice:      "/dev/spidev0.0",
			SPISpeedHz:     1_000_000,
			BitrateKbps:    500,
			CrystalMHz:     8,
			QueueSize:      1000,
			PollIntervalMS: 1,
		},
		Speed: SpeedConfig{
			IDs:                 []uint16{0x100, 0x180, 0x580},
			PulsesPerRevolution: 18,
			WheelDiameterMM:     67,
		},
		Distance: DistanceConfig{
			IDs:         []uint16{0x101, 0x181, 0x581},
			MaxRangeCM:  150,
			EmergencyCM: 20,
			WarningCM:   40,
		},
		Telemetry: TelemetryConfig{
			UpdateIntervalMS:      100,
			CriticalIntervalMS:    50,
			NonCriticalIntervalMS: 200,
		},
		Bridge: bridge.Config{
			Transport: bridge.TransportConfig{Type: "stdout"},
		},
		Heartbeat: heartbeat.Config{IntervalS: 5},
	}
}

// Load resolves the configuration for device and overlays the file at path
// when path is not empty. An unknown device is an error.
func Load(device, path string) (Config, error) {
	cfg := Default()
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return cfg, errors.New("no embedded config for device: " + device)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("embedded config %q: %w", device, err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg.sanitise()
	return cfg, nil
}

func (c *Config) sanitise() {
	c.CAN.SPIMode = mathx.Clamp(c.CAN.SPIMode, 0, 3)
	c.CAN.QueueSize = mathx.Clamp(c.CAN.QueueSize, 1, 1<<16)
	c.CAN.PollIntervalMS = mathx.Clamp(c.CAN.PollIntervalMS, 1, 1000)
	c.Heartbeat.IntervalS = mathx.Clamp(c.Heartbeat.IntervalS, 1, 3600)
}

// Sections maps each top-level section name to its value.
func (c Config) Sections() map[string]any {
	return map[string]any{
		"can":       c.CAN,
		"speed":     c.Speed,
		"distance":  c.Distance,
		"telemetry": c.Telemetry,
		"bridge":    c.Bridge,
		"heartbeat": c.Heartbeat,
	}
}

// SPI returns the spidev settings for the hardware link.
func (c CANConfig) SPI() spidev.Config {
	return spidev.Config{Device: c.SPIDevice, SpeedHz: c.SPISpeedHz, Mode: c.SPIMode}
}

// Options returns bus options; the caller supplies the SPI opener.
func (c CANConfig) Options(log *slog.Logger) canbus.Options {
	crystal := mcp2515.Crystal8MHz
	if c.CrystalMHz == 16 {
		crystal = mcp2515.Crystal16MHz
	}
	return canbus.Options{
		QueueSize:    c.QueueSize,
		PollInterval: time.Duration(c.PollIntervalMS) * time.Millisecond,
		Chip:         mcp2515.Config{BitrateKbps: c.BitrateKbps, Crystal: crystal},
		Logger:       log,
	}
}

func (c SpeedConfig) Sensor(log *slog.Logger) sensors.SpeedConfig {
	return sensors.SpeedConfig{
		IDs:                 c.IDs,
		PulsesPerRevolution: c.PulsesPerRevolution,
		WheelDiameterMM:     c.WheelDiameterMM,
		Logger:              log,
	}
}

func (c DistanceConfig) Sensor(log *slog.Logger) sensors.DistanceConfig {
	return sensors.DistanceConfig{
		IDs:         c.IDs,
		MaxRangeCM:  c.MaxRangeCM,
		EmergencyCM: c.EmergencyCM,
		WarningCM:   c.WarningCM,
		Logger:      log,
	}
}

func (c TelemetryConfig) Handler(log *slog.Logger) telemetry.Config {
	return telemetry.Config{
		UpdateInterval:      time.Duration(c.UpdateIntervalMS) * time.Millisecond,
		CriticalInterval:    time.Duration(c.CriticalIntervalMS) * time.Millisecond,
		NonCriticalInterval: time.Duration(c.NonCriticalIntervalMS) * time.Millisecond,
		Logger:              log,
	}
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	// Path is an optional JSON file overriding the embedded profile.
	Path string
	Log  *slog.Logger
}

func NewConfigService(path string, log *slog.Logger) *ConfigService {
	if log == nil {
		log = slog.Default()
	}
	return &ConfigService{Name: serviceName, Path: path, Log: log.With("component", serviceName)}
}

// Publish sends every section of cfg as a retained message.
func Publish(conn *bus.Connection, cfg Config) {
	for k, v := range cfg.Sections() {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
}

// publishConfig loads the config for the device in ctx and publishes it.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) (Config, error) {
	device := DeviceFrom(ctx)
	if device == "" {
		return Config{}, errors.New("missing device ID in context")
	}
	cfg, err := Load(device, s.Path)
	if err != nil {
		return cfg, err
	}
	Publish(conn, cfg)
	s.Log.Info("published", "device", device, "file", s.Path)
	return cfg, nil
}

// Start loads and publishes the configuration, returning what was published.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) (Config, error) {
	cfg, err := s.publishConfig(ctx, conn)
	if err != nil {
		s.Log.Error("publish failed", "err", err)
	}
	return cfg, err
}
