package mcp2515

// SPI instructions.
const (
	instReset      = 0xC0
	instRead       = 0x03
	instWrite      = 0x02
	instBitModify  = 0x05
	instReadStatus = 0xA0
	instRTS        = 0x80 // OR with TXBn bits (0x01, 0x02, 0x04)
	instRTSTXB0    = 0x81
	instReadRXB0   = 0x90 // READ RX BUFFER starting at RXB0SIDH
)

// Control registers.
const (
	RegBFPCTRL   = 0x0C
	RegTXRTSCTRL = 0x0D
	RegCANSTAT   = 0x0E
	RegCANCTRL   = 0x0F
	RegTEC       = 0x1C
	RegREC       = 0x1D
	RegCNF3      = 0x28
	RegCNF2      = 0x29
	RegCNF1      = 0x2A
	RegCANINTE   = 0x2B
	RegCANINTF   = 0x2C
	RegEFLG      = 0x2D
)

// Acceptance filter 0 and mask 0 (RXB0).
const (
	RegRXF0SIDH = 0x00
	RegRXF0SIDL = 0x01
	RegRXM0SIDH = 0x20
	RegRXM0SIDL = 0x21
)

// Transmit buffer 0.
const (
	RegTXB0CTRL = 0x30
	RegTXB0SIDH = 0x31
	RegTXB0SIDL = 0x32
	RegTXB0EID8 = 0x33
	RegTXB0EID0 = 0x34
	RegTXB0DLC  = 0x35
	RegTXB0D0   = 0x36
)

// Receive buffer 0.
const (
	RegRXB0CTRL = 0x60
	RegRXB0SIDH = 0x61
	RegRXB0SIDL = 0x62
	RegRXB0EID8 = 0x63
	RegRXB0EID0 = 0x64
	RegRXB0DLC  = 0x65
	RegRXB0D0   = 0x66
)

// Operating modes (CANCTRL.REQOP / CANSTAT.OPMOD, bits 7:5).
const (
	ModeNormal     = 0x00
	ModeSleep      = 0x20
	ModeLoopback   = 0x40
	ModeListenOnly = 0x60
	ModeConfig     = 0x80
	modeMask       = 0xE0
)

// ModeName returns a short name for an OPMOD value.
func ModeName(m byte) string {
	switch m & modeMask {
	case ModeNormal:
		return "normal"
	case ModeSleep:
		return "sleep"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfig:
		return "config"
	}
	return "unknown"
}

// CANINTE / CANINTF bits.
const (
	IntRX0  = 0x01
	IntRX1  = 0x02
	IntTX0  = 0x04
	IntTX1  = 0x08
	IntTX2  = 0x10
	IntERR  = 0x20
	IntWAK  = 0x40
	IntMERR = 0x80
)

const (
	txbTXREQ = 0x08 // TXBnCTRL: message pending transmission
	rxmAny   = 0x60 // RXBnCTRL.RXM: receive any message, filters off
	dlcMask  = 0x0F

	// READ RX BUFFER transaction: instruction + SIDH SIDL EID8 EID0 DLC D0..D7.
	rxTxnLen = 13
)

// Crystal is the oscillator feeding the controller.
type Crystal uint8

const (
	Crystal8MHz Crystal = iota
	Crystal16MHz
)

type cnf struct{ c1, c2, c3 byte }

// Bit timing tables (kbps -> CNF1..3) for the two common crystals.
var timing = map[Crystal]map[uint16]cnf{
	Crystal8MHz: {
		1000: {0x00, 0x80, 0x00},
		500:  {0x00, 0x90, 0x02},
		250:  {0x00, 0xB1, 0x05},
		200:  {0x00, 0xB4, 0x06},
		125:  {0x01, 0xB1, 0x05},
		100:  {0x01, 0xB4, 0x06},
		80:   {0x01, 0xBF, 0x07},
		50:   {0x03, 0xB4, 0x06},
		40:   {0x03, 0xBF, 0x07},
		20:   {0x07, 0xBF, 0x07},
	},
	Crystal16MHz: {
		1000: {0x00, 0xD0, 0x82},
		500:  {0x00, 0xF0, 0x86},
		250:  {0x41, 0xF1, 0x85},
		200:  {0x01, 0xFA, 0x87},
		125:  {0x03, 0xF0, 0x86},
		100:  {0x03, 0xFA, 0x87},
		80:   {0x03, 0xFF, 0x87},
		50:   {0x07, 0xFA, 0x87},
		40:   {0x07, 0xFF, 0x87},
		20:   {0x0F, 0xFF, 0x87},
		10:   {0x1F, 0xFF, 0x87},
		5:    {0x3F, 0xFF, 0x87},
	},
}

// Standard identifier packing into SIDH/SIDL.
func sidh(id uint16) byte { return byte(id >> 3) }
func sidl(id uint16) byte { return byte(id&0x07) << 5 }

func unpackID(h, l byte) uint16 { return uint16(h)<<3 | uint16(l>>5) }
