// Package canctl exposes CAN bus operations as request/reply topics on the
// in-process bus:
//
//	canbus/ctl/send    payload canbus.Frame  -> nil
//	canbus/ctl/inject  payload canbus.Frame  -> nil
//	canbus/ctl/stats   payload nil           -> canbus.Stats
//	canbus/ctl/subs    payload uint16        -> int
//
// Every reply carries a Result.
package canctl

import (
	"context"
	"fmt"
	"log/slog"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/errcode"
)

var topicCtl = bus.T("canbus", "ctl")

// Op returns the request topic for op.
func Op(op string) bus.Topic { return topicCtl.Append(op) }

// Controller is implemented by *canbus.Bus.
type Controller interface {
	Send(id uint16, data []byte) error
	InjectTestFrame(f canbus.Frame) error
	Stats() canbus.Stats
	Subscribers(id uint16) int
}

// Result is the reply payload.
type Result struct {
	Value any
	Err   error
}

// Serve answers control requests until ctx is cancelled.
func Serve(ctx context.Context, conn *bus.Connection, c Controller, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "canctl")
	sub := conn.Subscribe(topicCtl.Append("+"))
	defer conn.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			op, _ := msg.Topic[len(msg.Topic)-1].(string)
			res := handle(c, op, msg.Payload)
			if res.Err != nil {
				log.Debug("request failed", "op", op, "err", res.Err)
			}
			conn.Reply(msg, res, false)
		}
	}
}

func handle(c Controller, op string, p any) Result {
	switch op {
	case "send":
		f, ok := p.(canbus.Frame)
		if !ok {
			return Result{Err: badPayload(op, p)}
		}
		return Result{Err: c.Send(f.ID, f.Payload())}
	case "inject":
		f, ok := p.(canbus.Frame)
		if !ok {
			return Result{Err: badPayload(op, p)}
		}
		return Result{Err: c.InjectTestFrame(f)}
	case "stats":
		return Result{Value: c.Stats()}
	case "subs":
		id, ok := p.(uint16)
		if !ok {
			return Result{Err: badPayload(op, p)}
		}
		return Result{Value: c.Subscribers(id)}
	default:
		return Result{Err: &errcode.E{C: errcode.Unsupported, Op: "canctl", Msg: op}}
	}
}

func badPayload(op string, p any) error {
	return &errcode.E{C: errcode.InvalidPayload, Op: "canctl." + op, Msg: fmt.Sprintf("%T", p)}
}

// Call sends a control request and waits for its Result.
func Call(ctx context.Context, conn *bus.Connection, op string, payload any) (any, error) {
	reply, err := conn.RequestWait(ctx, conn.NewMessage(Op(op), payload, false))
	if err != nil {
		return nil, errcode.Wrap(errcode.Timeout, "canctl."+op, err)
	}
	res, ok := reply.Payload.(Result)
	if !ok {
		return nil, badPayload(op, reply.Payload)
	}
	return res.Value, res.Err
}
