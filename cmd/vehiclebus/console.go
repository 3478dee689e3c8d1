package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"vehiclebus-go/bus"
	"vehiclebus-go/canbus"
	"vehiclebus-go/services/canctl"

	"github.com/google/shlex"
)

const consoleHelp = `commands:
  inject <id> <byte>...   queue a frame as if received (verification mode)
  send <id> <byte>...     transmit a frame
  stats                   bus counters
  subs <id>               live consumers for id
  quit
ids and bytes are hex`

var errQuit = errors.New("quit")

// Console runs operator commands against the control service.
type Console struct {
	conn *bus.Connection
	out  io.Writer
}

// Run reads commands from in until EOF, quit or ctx cancellation.
func (c *Console) Run(ctx context.Context, in io.Reader) {
	sc := bufio.NewScanner(in)
	fmt.Fprint(c.out, "> ")
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := c.Exec(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
		fmt.Fprint(c.out, "> ")
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	switch args[0] {
	case "inject", "send":
		f, err := parseFrame(args[1:])
		if err != nil {
			return err
		}
		if _, err := canctl.Call(ctx, c.conn, args[0], f); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "ok", f)
	case "stats":
		v, err := canctl.Call(ctx, c.conn, "stats", nil)
		if err != nil {
			return err
		}
		s, _ := v.(canbus.Stats)
		fmt.Fprintf(c.out, "received=%d dispatched=%d dropped=%d queued=%d\n",
			s.Received, s.Dispatched, s.Dropped, s.QueueLen)
	case "subs":
		if len(args) != 2 {
			return errors.New("usage: subs <id>")
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		v, err := canctl.Call(ctx, c.conn, "subs", id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%03X: %v\n", id, v)
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return nil
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil || v > canbus.MaxID {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return uint16(v), nil
}

func parseFrame(args []string) (canbus.Frame, error) {
	if len(args) == 0 {
		return canbus.Frame{}, errors.New("missing id")
	}
	id, err := parseID(args[0])
	if err != nil {
		return canbus.Frame{}, err
	}
	if len(args)-1 > canbus.MaxDataLen {
		return canbus.Frame{}, fmt.Errorf("at most %d data bytes", canbus.MaxDataLen)
	}
	data := make([]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := strconv.ParseUint(a, 16, 8)
		if err != nil {
			return canbus.Frame{}, fmt.Errorf("bad byte %q", a)
		}
		data = append(data, byte(v))
	}
	return canbus.NewFrame(id, data), nil
}
