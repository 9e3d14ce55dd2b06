// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ReservedPrefix is the method name prefix reserved for the control methods
// of the bus itself. User methods must not be registered under this prefix.
const ReservedPrefix = "$bus/"

const (
	methodRegister   = ReservedPrefix + "register"
	methodUnregister = ReservedPrefix + "unregister"
	methodKey        = "method" // key carrying a method name in control calls
)

// A Client is one participant on a bus. After a successful Connect, the
// client may register methods for other participants to call, and may
// invoke any method registered on the bus by name, including its own.
//
// The methods of a Client are safe for concurrent use by multiple
// goroutines. A Client is single-use: once shut down it cannot reconnect.
type Client struct {
	conn        *Conn
	callTimeout time.Duration
}

// A ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the maximum time a blocking Call waits for its reply
// before giving up with CodeTimeout. A zero or negative duration means no
// limit, which is the default.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// NewClient constructs a new unconnected client.
func NewClient(opts ...ClientOption) *Client {
	c := new(Client)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the bus server at the given host and port and starts the
// connection service routine. A failure to reach the server reports
// CodeConnectError.
func (c *Client) Connect(host, port string) Status {
	if c.conn != nil {
		return statusOf(CodeConnectError, "client is already connected")
	}
	nc, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return statusOf(CodeConnectError, err.Error())
	}
	c.conn = NewConn().Start(IO(nc, nc))
	return Status{}
}

// Conn returns the underlying connection of c, or nil if the client has not
// connected. It allows access to connection facilities such as LogFrames
// and OnExit.
func (c *Client) Conn() *Conn { return c.conn }

// RegisterMethod registers handler under the given name, locally and with
// the server, making the method callable by every participant on the bus.
// Registration fails with CodeDuplicateMethod if the name is already taken,
// by this client or any other.
func (c *Client) RegisterMethod(name string, handler Handler) Status {
	if c.conn == nil {
		return notConnected()
	}
	if name == "" || len(name) > MaxMethodLen {
		return statusOf(CodeHandlerError, fmt.Sprintf("invalid method name (%d bytes)", len(name)))
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return statusOf(CodeHandlerError, fmt.Sprintf("method name %q is reserved", name))
	}
	if handler == nil {
		return statusOf(CodeHandlerError, "nil handler")
	}

	// Install the handler before announcing the name, so a call routed here
	// immediately after registration cannot miss it. Roll back on failure.
	if err := c.conn.Handle(name, handler); err != nil {
		return errStatus(err)
	}
	var in In
	in.Set(methodKey, name)
	if st := c.call(methodRegister, in, nil); !st.OK() {
		c.conn.Handle(name, nil)
		return st
	}
	return Status{}
}

// UnregisterMethod withdraws the named method from the bus. Calls already
// routed to this client are allowed to finish. It is an error to unregister
// a method this client did not register.
func (c *Client) UnregisterMethod(name string) Status {
	if c.conn == nil {
		return notConnected()
	}
	var in In
	in.Set(methodKey, name)
	if st := c.call(methodUnregister, in, nil); !st.OK() {
		return st
	}
	c.conn.Handle(name, nil)
	return Status{}
}

// Call invokes the named method with the contents of in and blocks until
// the reply arrives. On success the results are decoded into *out (if out
// != nil). If the client was built with WithCallTimeout and no reply
// arrives in time, Call reports CodeTimeout and the late reply, if any, is
// discarded.
func (c *Client) Call(method string, in In, out *Out) Status {
	if c.conn == nil {
		return notConnected()
	}
	return c.call(method, in, out)
}

func (c *Client) call(method string, in In, out *Out) Status {
	ctx := context.Background()
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.conn.Call(ctx, method, in, out)
}

// ACall invokes the named method without blocking. The outcome is delivered
// to r; use r.Wait or r.WaitTimeout to collect it. A non-OK status reports
// that the call could not be issued at all.
func (c *Client) ACall(method string, in In, r *Result) Status {
	if c.conn == nil {
		return notConnected()
	}
	return c.conn.ACall(method, in, r)
}

// Shutdown closes the connection to the server. Calls still pending on the
// client resolve with CodeConnectionLost; methods registered by the client
// vanish from the bus. Shutdown is idempotent and safe on an unconnected
// client.
func (c *Client) Shutdown() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Stop()
}

func notConnected() Status { return statusOf(CodeConnectionClosed, "client is not connected") }
