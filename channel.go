// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"bufio"
	"io"
)

// A Channel is a reliable, ordered exchange of frames between two endpoints
// of a connection. The methods of an implementation must be safe for
// concurrent use by one sender and one receiver.
type Channel interface {
	// Send the frame to the remote endpoint.
	Send(*Frame) error

	// Receive the next frame from the remote endpoint, blocking until one
	// is available or the channel closes. A closed channel reports io.EOF.
	Recv() (*Frame, error)

	// Close the channel, causing any pending send or receive to fail.
	Close() error
}

// IO constructs a channel that receives frames from r and sends frames to
// wc. Each frame is written and flushed as a unit. If r and wc are the same
// object, as with a net.Conn, the channel spans a single stream.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives frames on a reader and a writer. Sends
// are framed with the 4-byte length prefix understood by [Frame].
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send writes the binary encoding of f and flushes it to the writer.
func (c IOChannel) Send(f *Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv reads the next frame from the reader. A clean end of stream at a
// frame boundary reports io.EOF.
func (c IOChannel) Recv() (*Frame, error) {
	var f Frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// Close closes the underlying writer of c.
func (c IOChannel) Close() error { return c.c.Close() }
