//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"vehiclebus-go/errcode"

	"golang.org/x/sys/unix"
)

// ioctl request numbers from <linux/spi/spidev.h>.
const (
	iocWrMode        = 0x40016B01
	iocWrBitsPerWord = 0x40016B03
	iocWrMaxSpeedHz  = 0x40046B04
	iocMessage1      = 0x40206B00 // SPI_IOC_MESSAGE(1)
)

// iocTransfer mirrors struct spi_ioc_transfer (32 bytes).
type iocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Port is an open spidev node. It implements drivers.SPI and io.Closer.
type Port struct {
	mu  sync.Mutex
	fd  int
	cfg Config
}

// Open opens and configures the spidev node.
func Open(cfg Config) (*Port, error) {
	cfg = cfg.withDefaults()
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", cfg.Device, err)
	}
	p := &Port{fd: fd, cfg: cfg}

	mode, bits, speed := cfg.Mode, cfg.BitsPerWord, cfg.SpeedHz
	for _, op := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", iocWrMode, unsafe.Pointer(&mode)},
		{"bits per word", iocWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max speed", iocWrMaxSpeedHz, unsafe.Pointer(&speed)},
	} {
		if err := ioctl(fd, op.req, op.arg); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("spidev: set %s: %w", op.name, err)
		}
	}
	return p, nil
}

// Tx runs one full-duplex transaction. Either buffer may be nil; when both are
// set they must have the same length.
func (p *Port) Tx(w, r []byte) error {
	n := len(w)
	if n == 0 {
		n = len(r)
	}
	if n == 0 {
		return nil
	}
	if w != nil && r != nil && len(w) != len(r) {
		return errcode.InvalidLength
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return errcode.Closed
	}

	tr := iocTransfer{
		length:      uint32(n),
		speedHz:     p.cfg.SpeedHz,
		bitsPerWord: p.cfg.BitsPerWord,
	}
	if len(w) > 0 {
		tr.txBuf = uint64(uintptr(unsafe.Pointer(&w[0])))
	}
	if len(r) > 0 {
		tr.rxBuf = uint64(uintptr(unsafe.Pointer(&r[0])))
	}
	err := ioctl(p.fd, iocMessage1, unsafe.Pointer(&tr))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	return err
}

// Transfer writes one byte and returns the byte clocked in.
func (p *Port) Transfer(b byte) (byte, error) {
	w := [1]byte{b}
	var r [1]byte
	err := p.Tx(w[:], r[:])
	return r[0], err
}

// Close releases the device node. It is safe to call more than once.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
