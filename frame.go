// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/busmesh/bus/wire"
)

// MaxMethodLen is the maximum permitted length in bytes of a method name.
const MaxMethodLen = 1<<16 - 1

// frameHeaderLen is the number of bytes covered by the frame length prefix
// before the payload: one kind byte plus an 8-byte correlation id.
const frameHeaderLen = 9

// Frame is the parsed format of one wire frame: a length-prefixed unit
// carrying either a call request or a call reply, tagged with the
// correlation id that ties the two together.
type Frame struct {
	Kind    FrameKind
	ID      uint64 // correlation id
	Payload []byte
}

// Encode encodes f in binary format.
func (f Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+frameHeaderLen+len(f.Payload)))
	if _, err := f.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var buf [4 + frameHeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(frameHeaderLen+len(f.Payload)))
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[5:], f.ID)
	nw, err := w.Write(buf[:])
	if err == nil && len(f.Payload) != 0 {
		var np int
		np, err = w.Write(f.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [4]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return int64(nr), io.EOF // clean end of stream at a frame boundary
	} else if err != nil {
		return int64(nr), fmt.Errorf("short frame length: %w", err)
	}
	flen := binary.BigEndian.Uint32(hdr[:])
	if flen < frameHeaderLen {
		return int64(nr), fmt.Errorf("invalid frame length %d", flen)
	}
	body := make([]byte, int(flen))
	np, err := io.ReadFull(r, body)
	nr += np
	if err != nil {
		return int64(nr), fmt.Errorf("short frame body: %w", err)
	}
	f.Kind = FrameKind(body[0])
	if f.Kind > FrameReply {
		return int64(nr), fmt.Errorf("invalid frame kind %d", body[0])
	}
	f.ID = binary.BigEndian.Uint64(body[1:9])
	if len(body) > frameHeaderLen {
		f.Payload = body[frameHeaderLen:]
	} else {
		f.Payload = nil
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	var pay string
	switch f.Kind {
	case FrameRequest:
		var req Request
		if err := req.Decode(f.Payload); err == nil {
			pay = req.String()
		}
	case FrameReply:
		var rsp Reply
		if err := rsp.Decode(f.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(f.Payload)
	}
	return fmt.Sprintf("Frame(%v, ID=%d, %s)", f.Kind, f.ID, pay)
}

// FrameKind describes the structure type of a wire frame. The two kind
// values defined here are the only ones valid on the wire.
type FrameKind byte

const (
	FrameRequest FrameKind = 0 // The initial request for a call
	FrameReply   FrameKind = 1 // The final reply from a call
)

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "REQUEST"
	case FrameReply:
		return "REPLY"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Request is the payload format of a request frame: the method name and the
// encoded In container. The container bytes are kept opaque here so that a
// relay can forward them without decoding.
type Request struct {
	Method string
	Params []byte // encoded In container
}

// Encode encodes the request payload in binary format.
func (r Request) Encode() []byte {
	var b wire.Builder
	b.Grow(2 + len(r.Method) + len(r.Params))
	b.String16(r.Method)
	b.Put(r.Params...)
	return b.Bytes()
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	s := wire.NewScanner(data)
	method, err := wire.String16[string](s)
	if err != nil {
		return fmt.Errorf("method name: %w", err)
	}
	r.Method = method
	if s.Len() > 0 {
		r.Params = s.Rest()
	} else {
		r.Params = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Method=%q, Params=%d bytes)", r.Method, len(r.Params))
}

// Reply is the payload format of a reply frame: the status code and the
// encoded Out container. For a non-OK code, the container carries the
// human-readable message under the reserved key "error".
type Reply struct {
	Code   Code
	Params []byte // encoded Out container
}

// Encode encodes the reply payload in binary format.
func (r Reply) Encode() []byte {
	var b wire.Builder
	b.Grow(2 + len(r.Params))
	b.Uint16(uint16(r.Code))
	b.Put(r.Params...)
	return b.Bytes()
}

// Decode decodes data into a reply payload.
func (r *Reply) Decode(data []byte) error {
	s := wire.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("status code: %w", err)
	}
	if Code(code) > maxWireCode {
		return fmt.Errorf("invalid status code %d", code)
	}
	r.Code = Code(code)
	if s.Len() > 0 {
		r.Params = s.Rest()
	} else {
		r.Params = nil
	}
	return nil
}

// String returns a human-friendly rendering of the reply.
func (r Reply) String() string {
	return fmt.Sprintf("Reply(Code=%v, Params=%d bytes)", r.Code, len(r.Params))
}

// errParams encodes an Out container carrying msg under the reserved
// "error" key, for use as the payload of an error reply.
func errParams(msg string) []byte {
	var out Out
	out.Set("error", msg)
	data, err := out.Encode()
	if err != nil {
		panic(fmt.Errorf("encoding error container: %w", err))
	}
	return data
}

// errMessage extracts the reserved "error" key from an encoded Out
// container, or returns "" if none is present.
func errMessage(params []byte) string {
	var out Out
	if out.Decode(params) != nil {
		return ""
	}
	return out.Get("error")
}
