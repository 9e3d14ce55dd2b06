// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the bus.Channel interface.
package channel

import (
	"net"

	"github.com/busmesh/bus"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa.
func Direct() (A, B bus.Channel) {
	a2b := make(chan *bus.Frame)
	b2a := make(chan *bus.Frame)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *bus.Frame
	b2a <-chan *bus.Frame
}

// Send implements a method of the [bus.Channel] interface.
func (d direct) Send(f *bus.Frame) (err error) {
	defer safeClose(&err)
	d.a2b <- f
	return nil
}

// Recv implements a method of the [bus.Channel] interface.
func (d direct) Recv() (*bus.Frame, error) {
	f, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return f, nil
}

// Close implements a method of the [bus.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}
