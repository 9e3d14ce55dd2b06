// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"io"

	"github.com/busmesh/bus"
	"github.com/golang/snappy"
)

// Snappy constructs a channel that receives from r and sends to wc, with
// both directions of the stream compressed in snappy framing format. Both
// endpoints of the connection must agree to use it.
func Snappy(r io.Reader, wc io.WriteCloser) bus.IOChannel {
	return bus.IO(snappy.NewReader(r), snappyWriter{
		w: snappy.NewBufferedWriter(wc),
		c: wc,
	})
}

// snappyWriter flushes the compressor after every write so each frame
// reaches the remote endpoint without waiting for a full snappy block.
type snappyWriter struct {
	w *snappy.Writer
	c io.Closer
}

func (s snappyWriter) Write(data []byte) (int, error) {
	n, err := s.w.Write(data)
	if err == nil {
		err = s.w.Flush()
	}
	return n, err
}

func (s snappyWriter) Close() error {
	werr := s.w.Close()
	cerr := s.c.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
