package canctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/errcode"
)

type fakeCtl struct {
	sent     []canbus.Frame
	injected []canbus.Frame
}

func (f *fakeCtl) Send(id uint16, data []byte) error {
	if id == 0x7FF {
		return errcode.TxBusy
	}
	f.sent = append(f.sent, canbus.NewFrame(id, data))
	return nil
}
func (f *fakeCtl) InjectTestFrame(fr canbus.Frame) error {
	f.injected = append(f.injected, fr)
	return nil
}
func (f *fakeCtl) Stats() canbus.Stats       { return canbus.Stats{Received: 3} }
func (f *fakeCtl) Subscribers(id uint16) int { return int(id) }

func TestServe_RequestReply(t *testing.T) {
	b := bus.NewBus(8)
	ctl := &fakeCtl{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, b.NewConnection("canctl"), ctl, slog.New(slog.NewTextHandler(io.Discard, nil)))

	conn := b.NewConnection("console")
	// Serve may not have subscribed yet; poll stats until it answers.
	ready := false
	for i := 0; i < 50 && !ready; i++ {
		cctx, ccancel := context.WithTimeout(ctx, 20*time.Millisecond)
		_, err := Call(cctx, conn, "stats", nil)
		ccancel()
		ready = err == nil
	}
	if !ready {
		t.Fatal("control service not answering")
	}
	call := func(op string, p any) (any, error) {
		cctx, ccancel := context.WithTimeout(ctx, time.Second)
		defer ccancel()
		return Call(cctx, conn, op, p)
	}

	if _, err := call("send", canbus.NewFrame(0x200, []byte{1})); err != nil {
		t.Fatal(err)
	}
	if len(ctl.sent) != 1 || ctl.sent[0].ID != 0x200 {
		t.Fatalf("sent = %v", ctl.sent)
	}
	if _, err := call("send", canbus.NewFrame(0x7FF, nil)); !errors.Is(err, errcode.TxBusy) {
		t.Fatalf("busy send: %v", err)
	}
	if _, err := call("inject", canbus.NewFrame(0x101, []byte{5, 0})); err != nil || len(ctl.injected) != 1 {
		t.Fatalf("inject: %v %v", err, ctl.injected)
	}
	v, err := call("stats", nil)
	if s, ok := v.(canbus.Stats); err != nil || !ok || s.Received != 3 {
		t.Fatalf("stats = %v, %v", v, err)
	}
	v, _ = call("subs", uint16(4))
	if v != 4 {
		t.Fatalf("subs = %v", v)
	}
	if _, err := call("subs", "x"); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("bad payload: %v", err)
	}
	if _, err := call("reboot", nil); errcode.Of(err) != errcode.Unsupported {
		t.Fatalf("unknown op: %v", err)
	}
}
