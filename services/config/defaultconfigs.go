package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device profile (the value stored in ctx by WithDevice)
// Val: raw JSON overlaid on Default()
// -----------------------------------------------------------------------------

// cfgRover is the vehicle itself: MCP2515 on spidev0.0, dashboard on the
// USB serial adapter.
const cfgRover = `{
  "can": {
    "spi_device": "/dev/spidev0.0",
    "crystal_mhz": 8,
    "bitrate_kbps": 500
  },
  "distance": {
    "speed_scaling": true
  },
  "bridge": {
    "transport": {
      "type": "serial",
      "serial": {"device": "/dev/ttyUSB0", "baud": 115200}
    }
  },
  "heartbeat": {
    "interval_s": 5
  }
}`

// cfgBench runs without hardware: in-memory chip, telemetry on stdout.
const cfgBench = `{
  "can": {
    "verification": true
  },
  "bridge": {
    "transport": {"type": "stdout"}
  },
  "heartbeat": {
    "interval_s": 2
  }
}`

var embeddedConfigs = map[string][]byte{
	"rover": []byte(cfgRover),
	"bench": []byte(cfgBench),
}
