// Package mcp2515 provides a minimal driver for the Microchip MCP2515
// stand-alone CAN controller, standard (11-bit) frames on receive buffer 0 and
// transmit buffer 0 only.
//
// The driver talks to the chip exclusively through drivers.SPI, so the same
// code runs against a Linux spidev port or the in-memory RegisterMap:
//
//	d := mcp2515.New(spi)
//	d.Configure(mcp2515.Config{BitrateKbps: 500, Crystal: mcp2515.Crystal8MHz})
//	err := d.Init()
//	err = d.Send(0x200, []byte{1})
//	id, n, err := d.Receive(buf[:]) // ErrNoFrame when nothing is pending
//
// Send never retries: a pending transmit buffer is reported as ErrTxBusy and the
// caller decides what to do.
package mcp2515

import (
	"sync"
	"time"

	"vehiclebus-go/errcode"
	"vehiclebus-go/x/mathx"

	"tinygo.org/x/drivers"
)

// Errors returned by the driver.
var (
	ErrNoFrame       = errcode.NoFrame
	ErrTxBusy        = errcode.TxBusy
	ErrInvalidLength = errcode.InvalidLength
	ErrModeTimeout   = errcode.ModeTimeout
	ErrBitrate       = errcode.InvalidParams
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

// Config controls bit timing and init pacing. All fields are optional.
type Config struct {
	// BitrateKbps defaults to 500.
	BitrateKbps uint16
	// Crystal defaults to 8 MHz.
	Crystal Crystal
	// ResetDelay is waited after the RESET instruction. Default 100 ms;
	// negative means no wait (in-memory register map).
	ResetDelay time.Duration
	// ModeRetries bounds the CANSTAT read-back after requesting normal mode.
	// Default 10.
	ModeRetries int
	// ModePoll is the pause between read-backs. Default 1 ms.
	ModePoll time.Duration
}

// Device wraps an SPI connection to an MCP2515.
type Device struct {
	spi drivers.SPI
	cfg Config

	mu sync.Mutex
	w  [16]byte // reused transaction buffers
	r  [rxTxnLen]byte
}

// New creates a driver for a chip on an already configured SPI link.
// It does not touch the device.
func New(spi drivers.SPI) *Device {
	d := &Device{spi: spi}
	d.Configure(Config{})
	return d
}

// Configure applies optional config; zero fields take defaults.
func (d *Device) Configure(cfg Config) {
	cfg.BitrateKbps = mathx.OrDefault(cfg.BitrateKbps, 500)
	cfg.ModeRetries = mathx.OrDefault(cfg.ModeRetries, 10)
	cfg.ModePoll = mathx.OrDefault(cfg.ModePoll, time.Millisecond)
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = 100 * time.Millisecond
	}
	d.cfg = cfg
}

// Init resets the chip, programs bit timing, opens receive buffer 0 to any
// standard frame, enables the RX0 interrupt flag and enters normal mode. The
// mode change is verified through CANSTAT.
func (d *Device) Init() error {
	t, ok := timing[d.cfg.Crystal][d.cfg.BitrateKbps]
	if !ok {
		return ErrBitrate
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reset(); err != nil {
		return err
	}
	if d.cfg.ResetDelay > 0 {
		time.Sleep(d.cfg.ResetDelay)
	}

	steps := []struct{ reg, val byte }{
		{RegCANCTRL, ModeConfig},
		{RegCNF1, t.c1},
		{RegCNF2, t.c2},
		{RegCNF3, t.c3},
		{RegRXB0CTRL, rxmAny},
		{RegRXM0SIDH, 0x00},
		{RegRXM0SIDL, 0x00},
		{RegRXF0SIDH, 0x00},
		{RegRXF0SIDL, 0x00},
		{RegCANINTE, IntRX0},
		{RegCANINTF, 0x00},
		{RegCANCTRL, ModeNormal},
	}
	for _, s := range steps {
		if err := d.writeReg(s.reg, s.val); err != nil {
			return err
		}
	}

	for i := 0; i < d.cfg.ModeRetries; i++ {
		st, err := d.readReg(RegCANSTAT)
		if err == nil && st&modeMask == ModeNormal {
			return nil
		}
		time.Sleep(d.cfg.ModePoll)
	}
	return ErrModeTimeout
}

// Mode returns the current operating mode from CANSTAT.
func (d *Device) Mode() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.readReg(RegCANSTAT)
	return st & modeMask, err
}

// Send loads transmit buffer 0 and requests transmission. Payloads longer than
// 8 bytes are rejected before any SPI traffic.
func (d *Device) Send(id uint16, data []byte) error {
	if len(data) > MaxDataLen {
		return ErrInvalidLength
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl, err := d.readReg(RegTXB0CTRL)
	if err != nil {
		return err
	}
	if ctrl&txbTXREQ != 0 {
		return ErrTxBusy
	}

	// SIDH SIDL EID8 EID0 DLC D0..Dn in one sequential write.
	w := d.w[:0]
	w = append(w, instWrite, RegTXB0SIDH, sidh(id), sidl(id), 0, 0, byte(len(data)))
	w = append(w, data...)
	if err := d.spi.Tx(w, nil); err != nil {
		return err
	}
	_, err = d.spi.Transfer(instRTSTXB0)
	return err
}

// Receive copies a pending frame from receive buffer 0 into buf (which should
// hold 8 bytes) and clears the RX0 interrupt flag. It returns ErrNoFrame when
// the flag is clear.
func (d *Device) Receive(buf []byte) (id uint16, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	flags, err := d.readReg(RegCANINTF)
	if err != nil {
		return 0, 0, err
	}
	if flags&IntRX0 == 0 {
		return 0, 0, ErrNoFrame
	}

	w, r := d.w[:rxTxnLen], d.r[:rxTxnLen]
	clear(w)
	w[0] = instReadRXB0
	if err := d.spi.Tx(w, r); err != nil {
		return 0, 0, err
	}

	id = unpackID(r[1], r[2])
	n = mathx.Clamp(int(r[5]&dlcMask), 0, MaxDataLen)
	n = copy(buf, r[6:6+n])

	if err := d.writeReg(RegCANINTF, 0x00); err != nil {
		return id, n, err
	}
	return id, n, nil
}

// LastID reads the identifier registers of receive buffer 0, i.e. the
// identifier of the most recently received frame.
func (d *Device) LastID() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.readReg(RegRXB0SIDH)
	if err != nil {
		return 0, err
	}
	l, err := d.readReg(RegRXB0SIDL)
	if err != nil {
		return 0, err
	}
	return unpackID(h, l), nil
}

// ---- register primitives (callers hold mu) ----

func (d *Device) reset() error {
	_, err := d.spi.Transfer(instReset)
	return err
}

func (d *Device) readReg(addr byte) (byte, error) {
	w, r := d.w[:3], d.r[:3]
	w[0], w[1], w[2] = instRead, addr, 0
	if err := d.spi.Tx(w, r); err != nil {
		return 0, err
	}
	return r[2], nil
}

func (d *Device) writeReg(addr, val byte) error {
	w := d.w[:3]
	w[0], w[1], w[2] = instWrite, addr, val
	return d.spi.Tx(w, nil)
}
