package mcp2515

import (
	"sync"

	"vehiclebus-go/errcode"
)

// SentFrame is a frame captured by RegisterMap on a request-to-send.
type SentFrame struct {
	ID   uint16
	Data []byte
}

// RegisterMap is an in-memory MCP2515 that implements drivers.SPI. It decodes
// the SPI instruction set against a 256-entry register table so the driver
// runs unchanged without hardware attached. Reception is simulated with Load;
// transmissions are captured and reported by Sent.
//
// Every byte written to an address reads back unchanged from that address.
// Side effects are limited to what the driver depends on: a CANCTRL write
// mirrors the requested mode into CANSTAT, RESET restores power-on values and
// RTS captures TXB0 and leaves TXREQ clear.
type RegisterMap struct {
	mu   sync.Mutex
	regs [256]byte
	sent []SentFrame
}

// NewRegisterMap returns a map holding the documented power-on values.
func NewRegisterMap() *RegisterMap {
	m := &RegisterMap{}
	m.powerOn()
	return m
}

// powerOn leaves the controller in normal mode with an accept-any receive
// buffer and all interrupt flags clear, matching a chip that has already been
// brought up.
func (m *RegisterMap) powerOn() {
	m.regs = [256]byte{}
	m.regs[RegCANCTRL] = ModeNormal
	m.regs[RegCANSTAT] = ModeNormal
	m.regs[RegRXB0CTRL] = rxmAny
	m.regs[RegCANINTF] = 0x00
}

// Read returns the register at addr.
func (m *RegisterMap) Read(addr byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr]
}

// Write stores val at addr with the same side effects as an SPI WRITE.
func (m *RegisterMap) Write(addr, val byte) {
	m.mu.Lock()
	m.write(addr, val)
	m.mu.Unlock()
}

// Load places a standard frame in receive buffer 0 and raises RX0IF, as if it
// had arrived from the bus. A previously loaded, unread frame is overwritten.
func (m *RegisterMap) Load(id uint16, data []byte) {
	if len(data) > MaxDataLen {
		data = data[:MaxDataLen]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[RegRXB0SIDH] = sidh(id & 0x7FF)
	m.regs[RegRXB0SIDL] = sidl(id & 0x7FF)
	m.regs[RegRXB0EID8] = 0
	m.regs[RegRXB0EID0] = 0
	m.regs[RegRXB0DLC] = byte(len(data))
	for i := 0; i < MaxDataLen; i++ {
		var b byte
		if i < len(data) {
			b = data[i]
		}
		m.regs[RegRXB0D0+i] = b
	}
	m.regs[RegCANINTF] |= IntRX0
}

// Pending reports whether a loaded frame has not been read yet.
func (m *RegisterMap) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[RegCANINTF]&IntRX0 != 0
}

// Sent returns a copy of all frames transmitted so far.
func (m *RegisterMap) Sent() []SentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentFrame, len(m.sent))
	copy(out, m.sent)
	return out
}

// Tx implements drivers.SPI by decoding one chip-select-framed instruction.
func (m *RegisterMap) Tx(w, r []byte) error {
	if len(w) == 0 {
		return errcode.InvalidParams
	}
	if r != nil && len(r) != len(w) {
		return errcode.InvalidLength
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r != nil {
		clear(r)
	}
	switch inst := w[0]; {
	case inst == instReset:
		m.powerOn()
	case inst == instRead && len(w) >= 2:
		if r != nil {
			addr := w[1]
			for i := 2; i < len(r); i++ {
				r[i] = m.regs[addr]
				addr++
			}
		}
	case inst == instWrite && len(w) >= 2:
		addr := w[1]
		for _, v := range w[2:] {
			m.write(addr, v)
			addr++
		}
	case inst == instBitModify && len(w) >= 4:
		addr, mask, val := w[1], w[2], w[3]
		m.write(addr, m.regs[addr]&^mask|val&mask)
	case inst == instReadStatus:
		if r != nil && len(r) >= 2 {
			r[1] = m.status()
		}
	case inst&0xF8 == instRTS:
		if inst&0x01 != 0 {
			m.transmitTXB0()
		}
	case inst&0xF9 == instReadRXB0:
		// 0x90 starts at RXB0SIDH, 0x92 at RXB0D0; RXB1 variants read zeros.
		if r != nil && inst&0x04 == 0 {
			addr := byte(RegRXB0SIDH)
			if inst&0x02 != 0 {
				addr = RegRXB0D0
			}
			for i := 1; i < len(r); i++ {
				r[i] = m.regs[addr]
				addr++
			}
		}
	default:
		return errcode.Unsupported
	}
	return nil
}

// Transfer implements drivers.SPI for single-byte instructions.
func (m *RegisterMap) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := m.Tx([]byte{b}, r[:])
	return r[0], err
}

// ---- helpers (callers hold mu) ----

func (m *RegisterMap) write(addr, val byte) {
	m.regs[addr] = val
	if addr == RegCANCTRL {
		m.regs[RegCANSTAT] = m.regs[RegCANSTAT]&^modeMask | val&modeMask
	}
}

// status mirrors the READ STATUS bit layout for the flags we model.
func (m *RegisterMap) status() byte {
	var s byte
	intf := m.regs[RegCANINTF]
	if intf&IntRX0 != 0 {
		s |= 0x01
	}
	if intf&IntRX1 != 0 {
		s |= 0x02
	}
	if m.regs[RegTXB0CTRL]&txbTXREQ != 0 {
		s |= 0x04
	}
	if intf&IntTX0 != 0 {
		s |= 0x08
	}
	return s
}

func (m *RegisterMap) transmitTXB0() {
	n := int(m.regs[RegTXB0DLC] & dlcMask)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	data := make([]byte, n)
	copy(data, m.regs[RegTXB0D0:int(RegTXB0D0)+n])
	m.sent = append(m.sent, SentFrame{
		ID:   unpackID(m.regs[RegTXB0SIDH], m.regs[RegTXB0SIDL]),
		Data: data,
	})
	m.regs[RegTXB0CTRL] &^= txbTXREQ
}
