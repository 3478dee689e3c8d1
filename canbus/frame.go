package canbus

import (
	"fmt"
	"strings"
	"time"

	"vehiclebus-go/drivers/mcp2515"
	"vehiclebus-go/errcode"
)

const (
	// MaxID is the largest standard (11-bit) identifier.
	MaxID = 0x7FF
	// MaxDataLen is the classic CAN payload limit.
	MaxDataLen = mcp2515.MaxDataLen
)

// Frame is one standard CAN data frame. It is a value: the queue and every
// consumer get their own copy.
type Frame struct {
	ID   uint16
	Len  uint8
	Data [MaxDataLen]byte
	At   time.Time // arrival, monotonic
}

// NewFrame copies at most MaxDataLen bytes of data and stamps the arrival time.
func NewFrame(id uint16, data []byte) Frame {
	f := Frame{ID: id, At: time.Now()}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

// Payload returns the valid bytes of a copy of the frame.
func (f Frame) Payload() []byte {
	return f.Data[:min(int(f.Len), MaxDataLen)]
}

// Validate checks the identifier and length limits.
func (f Frame) Validate() error {
	if f.ID > MaxID {
		return &errcode.E{C: errcode.InvalidParams, Op: "frame", Msg: fmt.Sprintf("id %#x exceeds 11 bits", f.ID)}
	}
	if f.Len > MaxDataLen {
		return &errcode.E{C: errcode.InvalidLength, Op: "frame", Msg: fmt.Sprintf("length %d", f.Len)}
	}
	return nil
}

// String renders the frame like candump: "100 [2] DE AD".
func (f Frame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03X [%d]", f.ID, f.Len)
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}
