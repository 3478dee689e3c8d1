// Package spidev exposes a Linux spidev character device as a
// tinygo.org/x/drivers SPI bus so chip drivers written against drivers.SPI run
// unchanged on a single-board computer. Chip select is handled by the kernel
// per transaction.
package spidev

import "vehiclebus-go/x/mathx"

// Config selects the device node and link parameters.
type Config struct {
	// Device defaults to /dev/spidev0.0.
	Device string
	// SpeedHz defaults to 1 MHz.
	SpeedHz uint32
	// Mode is the SPI mode 0..3 (CPOL/CPHA).
	Mode uint8
	// BitsPerWord defaults to 8.
	BitsPerWord uint8
}

func (c Config) withDefaults() Config {
	if c.Device == "" {
		c.Device = "/dev/spidev0.0"
	}
	c.SpeedHz = mathx.OrDefault(c.SpeedHz, 1_000_000)
	c.BitsPerWord = mathx.OrDefault(c.BitsPerWord, 8)
	c.Mode = mathx.Clamp(c.Mode, 0, 3)
	return c
}
