//go:build !linux

package spidev

import "vehiclebus-go/errcode"

// Port is unavailable outside Linux.
type Port struct{}

// Open always fails on this platform.
func Open(cfg Config) (*Port, error) { return nil, errcode.Unsupported }

func (p *Port) Tx(w, r []byte) error           { return errcode.Unsupported }
func (p *Port) Transfer(b byte) (byte, error) { return 0, errcode.Unsupported }
func (p *Port) Close() error                  { return nil }
