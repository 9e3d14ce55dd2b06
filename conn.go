// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Handler services one inbound call. It receives the In container sent by
// the caller and fills out with its results. The error reported by a handler
// is returned to the caller as a reply with code CodeHandlerError and the
// text of the error as its message. A handler may return an [*Error] to
// control the code reported to the caller.
//
// Handlers run off the receive loop of their connection, so a handler may
// itself issue calls on the connection it was invoked from (see
// [ContextConn]). The context passed to a handler ends when the connection
// fails or shuts down; a handler that can block must honor it.
type Handler func(ctx context.Context, in In, out *Out) error

// A FrameLogger logs a frame exchanged with the remote endpoint.
type FrameLogger func(f FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%v %v", f.dir(), f.Frame)
}

// routeFunc is the server-side relay hook, consulted for inbound requests
// naming a method with no local handler. Any error it reports is protocol
// fatal for the originating connection.
type routeFunc func(from *Conn, id uint64, req *Request) error

// A Conn is one endpoint of a bus connection. A zero-valued Conn is ready
// for use, but must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the
// connection. Once started, a connection runs until Stop is called, the
// channel closes, or a protocol fatal error occurs. Use Wait to wait for the
// connection to exit and report its status.
//
// Call Handle to add method handlers to the local endpoint. Use Call or
// ACall to invoke a method across the connection. All methods of a Conn are
// safe for concurrent use by multiple goroutines.
type Conn struct {
	in  interface{ Recv() (*Frame, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	mu sync.Mutex

	err     error              // protocol fatal error
	failed  bool               // fail has already run for this session
	ocall   map[uint64]pending // outbound calls pending replies
	nexto   uint64             // next unused outbound correlation id
	icall   map[uint64]func()  // inbound correlation id → cancel func
	methods map[string]Handler // method name → handler
	route   routeFunc          // set by a Server on accepted connections
	flog    FrameLogger
	base    func() context.Context

	onExit func(error)
}

// NewConn constructs a new unstarted connection.
func NewConn() *Conn { return new(Conn) }

// Start starts the connection running on the given channel. The connection
// runs until the channel closes or a protocol fatal error occurs. Start does
// not block; call Wait to wait for the connection to exit and report its
// status.
func (c *Conn) Start(ch Channel) *Conn {
	if c.in != nil {
		panic("connection is already started")
	}

	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.out.ch = ch
	c.err = nil
	c.failed = false
	c.ocall = make(map[uint64]pending)
	c.nexto = 0
	c.icall = make(map[uint64]func())
	if c.base == nil {
		c.base = context.Background
	}

	g.Go(func() error {
		for {
			f, err := c.in.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			busMetrics.frameRecv.Add(1)
			if err := c.dispatchFrame(f); err != nil {
				c.fail(err)
				return nil
			}
		}
	})

	return c
}

// Metrics returns a metrics map for the connection. It is safe for the
// caller to add additional metrics to the map while the connection is
// active. Metrics are shared globally among all connections.
func (c *Conn) Metrics() *expvar.Map { return busMetrics.emap }

// Stop closes the channel and terminates the connection. It blocks until
// the connection has exited and returns its status. Every call still
// pending on the connection resolves with CodeConnectionLost. Stop is
// idempotent.
func (c *Conn) Stop() error { c.closeOut(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the connection was running.
func (c *Conn) waitTasks() bool {
	c.mu.Lock()
	t := c.tasks
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the connection with a
// new channel.
//
// If c is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered the failure.
func (c *Conn) Wait() error {
	if !c.waitTasks() {
		return nil // the connection is not running
	}

	// Clean up connection state so it can be garbage collected.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()
	c.ocall = nil
	c.icall = nil

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Handle registers a handler for the specified method name. It is safe to
// call this while the connection is running. Passing a nil Handler removes
// any handler for the name. Registering a name that already has a handler
// fails with an *Error of code CodeDuplicateMethod.
//
// Handle panics if name is empty or longer than MaxMethodLen.
func (c *Conn) Handle(name string, handler Handler) error {
	if name == "" {
		panic("empty method name")
	} else if len(name) > MaxMethodLen {
		panic(fmt.Sprintf("method name too long (%d bytes)", len(name)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.methods == nil {
		c.methods = make(map[string]Handler)
	}
	if handler == nil {
		delete(c.methods, name)
		return nil
	}
	if _, ok := c.methods[name]; ok {
		return Errorf(CodeDuplicateMethod, "method %q already registered", name)
	}
	c.methods[name] = handler
	return nil
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote endpoint, regardless of kind, including frames
// to be discarded.
//
// Passing a nil callback disables frame logging. The frame logger is
// invoked synchronously with dispatch, prior to sending or routing a frame.
func (c *Conn) LogFrames(log FrameLogger) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flog = log
	return c
}

// OnExit registers a callback to be invoked when the connection terminates.
// The callback is executed synchronously during shutdown, with the same
// error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. This allows request-specific host resources
// to be plumbed into a handler. If it is not set a background context is
// used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// Call invokes the named method across the connection with the contents of
// in, and blocks until ctx ends or the reply is received. On success the
// reply container is decoded into *out (if out != nil). If ctx ends before
// the reply arrives, the pending entry is abandoned so that a late reply is
// discarded, and Call reports CodeTimeout.
//
// Call suspends only the calling goroutine. It must not be invoked from the
// connection's receive loop; method handlers run off that loop and may call
// freely.
func (c *Conn) Call(ctx context.Context, method string, in In, out *Out) Status {
	busMetrics.callOut.Add(1)
	st := c.doCall(ctx, method, in, out)
	if !st.OK() {
		busMetrics.callOutErr.Add(1)
	}
	return st
}

func (c *Conn) doCall(ctx context.Context, method string, in In, out *Out) Status {
	params, err := in.Encode()
	if err != nil {
		return errStatus(err)
	}
	id, pc, err := c.sendReq(method, params)
	if err != nil {
		return errStatus(err)
	}
	busMetrics.callPending.Add(1)
	defer busMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		c.forget(id)
		return statusOf(CodeTimeout, ctx.Err().Error())

	case rsp, ok := <-pc:
		if !ok {
			// Closed without a reply: the connection failed.
			return statusOf(CodeConnectionLost, c.failure())
		}
		return c.decodeReply(rsp, out)
	}
}

// ACall invokes the named method across the connection without blocking.
// The Result is resolved out of band when the reply arrives or the
// connection fails; use its Wait method to collect the outcome. A non-OK
// status reports that the call could not be issued, in which case r is left
// untouched.
func (c *Conn) ACall(method string, in In, r *Result) Status {
	busMetrics.callOut.Add(1)
	params, err := in.Encode()
	if err != nil {
		busMetrics.callOutErr.Add(1)
		return errStatus(err)
	}
	id, pc, err := c.sendReq(method, params)
	if err != nil {
		busMetrics.callOutErr.Add(1)
		return errStatus(err)
	}
	gen := r.reset(c, id)

	c.mu.Lock()
	t := c.tasks
	c.mu.Unlock()
	if t == nil {
		r.resolve(gen, statusOf(CodeConnectionLost, c.failure()), Out{})
		return Status{}
	}

	busMetrics.callPending.Add(1)
	t.Go(func() error {
		defer busMetrics.callPending.Add(-1)
		rsp, ok := <-pc
		if !ok {
			busMetrics.callOutErr.Add(1)
			r.resolve(gen, statusOf(CodeConnectionLost, c.failure()), Out{})
			return nil
		}
		var out Out
		st := c.decodeReply(rsp, &out)
		if !st.OK() {
			busMetrics.callOutErr.Add(1)
		}
		r.resolve(gen, st, out)
		return nil
	})
	return Status{}
}

// decodeReply converts a reply payload into a Status, decoding the Out
// container into *out on success. A malformed container is protocol fatal:
// there is no way to resynchronize with a peer that frames garbage.
func (c *Conn) decodeReply(rsp *Reply, out *Out) Status {
	if rsp.Code != CodeOK {
		return statusOf(rsp.Code, errMessage(rsp.Params))
	}
	if out == nil {
		return Status{}
	}
	if err := out.Decode(rsp.Params); err != nil {
		c.fail(Errorf(CodeCorruptFrame, "invalid reply container: %v", err))
		return statusOf(CodeCorruptFrame, err.Error())
	}
	return Status{}
}

// failure renders the terminal error of c for reporting to callers whose
// pending entries were resolved by a connection failure.
func (c *Conn) failure() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && !treatErrorAsSuccess(c.err) {
		return c.err.Error()
	}
	return "connection lost"
}

// fail terminates all pending calls and updates the failure status.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}
	c.failed = true

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range c.ocall {
		pc.close()
	}
	c.ocall = nil

	// Terminate all incomplete active (inbound) calls.
	for _, stop := range c.icall {
		stop()
	}
	c.icall = nil

	c.err = err
	if c.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		c.onExit(err)
	}
}

// sendReq sends a request frame for the given method and encoded In
// container. It blocks until the send completes, but does not wait for the
// reply. The reply will be delivered on the returned pending channel.
func (c *Conn) sendReq(method string, params []byte) (uint64, pending, error) {
	if len(method) > MaxMethodLen {
		return 0, nil, Errorf(CodeUnsupportedValue, "method name too long (%d bytes)", len(method))
	}

	// Phase 1: Check for fatal errors and acquire state.
	c.mu.Lock()
	if c.in == nil {
		c.mu.Unlock()
		return 0, nil, Errorf(CodeConnectionClosed, "connection not started")
	}
	if err := c.err; err != nil {
		c.mu.Unlock()
		return 0, nil, Errorf(CodeConnectionClosed, "connection closed: %v", err)
	}
	c.nexto++
	id := c.nexto
	pc := make(pending, 1)
	c.ocall[id] = pc
	c.mu.Unlock()

	// Send the request to the remote endpoint. Note we MUST NOT hold the
	// state lock while doing this, as that will block the receiver from
	// dispatching frames.
	err := c.sendOut(&Frame{
		Kind: FrameRequest,
		ID:   id,
		Payload: Request{
			Method: method,
			Params: params,
		}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.releaseIDLocked(id)
		return 0, nil, Errorf(CodeConnectionClosed, "send request: %v", err)
	}
	return id, pc, nil
}

// forget abandons the pending entry for id, if one remains. The entry is
// replaced by a placeholder rather than released: the remote endpoint may
// still be servicing the call under this id, and releasing it here would
// let a subsequent call reuse it and draw a spurious duplicate-id error.
// The id is released when the late reply arrives (and is dropped) or the
// connection ends.
func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.ocall[id]; ok && pc != nil {
		c.ocall[id] = nil
		pc.close()
	}
}

// dispatchRequest routes an inbound request to a local handler, or hands it
// to the relay hook when no handler exists.
func (c *Conn) dispatchRequest(id uint64, req *Request) error {
	busMetrics.callIn.Add(1)

	c.mu.Lock()
	// Report a duplicate correlation id without failing the existing call.
	// The reply is sent directly, not via sendRsp, so the live call's
	// cancel entry in icall is left undisturbed.
	if _, ok := c.icall[id]; ok {
		c.mu.Unlock()
		busMetrics.callInErr.Add(1)
		if err := c.sendOut(&Frame{
			Kind: FrameReply,
			ID:   id,
			Payload: Reply{
				Code:   CodeHandlerError,
				Params: errParams(fmt.Sprintf("duplicate correlation id %d", id)),
			}.Encode(),
		}); err != nil {
			c.closeOut()
		}
		return nil
	}
	handler, ok := c.methods[req.Method]
	route := c.route
	c.mu.Unlock()

	if !ok {
		if route != nil {
			return route(c, id, req)
		}
		busMetrics.callInErr.Add(1)
		c.sendRsp(id, CodeMethodNotFound, errParams(fmt.Sprintf("method %q not registered", req.Method)))
		return nil
	}
	c.dispatchLocal(id, req.Method, req.Params, handler)
	return nil
}

// dispatchLocal starts a goroutine to service the request with handler, so
// a slow handler cannot stall frame delivery for unrelated calls, and sends
// back a reply frame carrying the same correlation id.
func (c *Conn) dispatchLocal(id uint64, method string, params []byte, handler Handler) {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()

	pctx := context.WithValue(base(), connContextKey{}, c)
	pctx = context.WithValue(pctx, methodContextKey{}, method)
	ctx, cancel := context.WithCancel(pctx)

	c.mu.Lock()
	if c.icall == nil {
		// The connection already failed; there is nobody to answer.
		c.mu.Unlock()
		cancel()
		return
	}
	c.icall[id] = cancel
	t := c.tasks
	c.mu.Unlock()
	busMetrics.callActive.Add(1)

	t.Go(func() error {
		defer cancel()
		defer busMetrics.callActive.Add(-1)

		code, payload := runHandler(ctx, handler, params)
		if code != CodeOK {
			busMetrics.callInErr.Add(1)
		}
		c.sendRsp(id, code, payload)
		return nil
	})
}

// runHandler decodes the In container and invokes handler, converting any
// panic or error into an error reply. The returned payload is the encoded
// Out container.
func runHandler(ctx context.Context, handler Handler, params []byte) (Code, []byte) {
	var in In
	if err := in.Decode(params); err != nil {
		return CodeCorruptFrame, errParams(fmt.Sprintf("invalid parameter container: %v", err))
	}

	var out Out
	err := func() (err error) {
		// Ensure a panic out of the handler is turned into a graceful reply.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return handler(ctx, in, &out)
	}()
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code != CodeOK && e.Code <= maxWireCode {
			return e.Code, errParams(e.Message)
		}
		return CodeHandlerError, errParams(err.Error())
	}

	payload, err := out.Encode()
	if err != nil {
		return CodeHandlerError, errParams(fmt.Sprintf("unsupported value in result: %v", err))
	}
	return CodeOK, payload
}

// sendRsp sends a reply frame for the inbound call id. The send is skipped
// once the connection has failed; a send error closes the channel, which
// the receive loop reports as fatal.
func (c *Conn) sendRsp(id uint64, code Code, payload []byte) {
	c.mu.Lock()
	delete(c.icall, id)
	err := c.err
	c.mu.Unlock()

	if err != nil {
		return
	}

	if err := c.sendOut(&Frame{
		Kind:    FrameReply,
		ID:      id,
		Payload: Reply{Code: code, Params: payload}.Encode(),
	}); err != nil {
		c.closeOut()
	}
}

// dispatchFrame routes an inbound frame from the remote endpoint.
// Any error it reports is protocol fatal.
func (c *Conn) dispatchFrame(f *Frame) error {
	c.logFrame(FrameInfo{Frame: f, Sent: false})
	switch f.Kind {
	case FrameRequest:
		var req Request
		if err := req.Decode(f.Payload); err != nil {
			return fmt.Errorf("invalid request frame: %w", err)
		}
		return c.dispatchRequest(f.ID, &req)

	case FrameReply:
		var rsp Reply
		if err := rsp.Decode(f.Payload); err != nil {
			return fmt.Errorf("invalid reply frame: %w", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		pc, ok := c.ocall[f.ID]
		if !ok {
			// A reply for a call that already resolved. The requester has
			// moved on; drop the frame.
			busMetrics.frameDropped.Add(1)
			return nil
		}
		c.releaseIDLocked(f.ID)
		if pc == nil {
			// The call was abandoned by its waiter; the id is free again.
			busMetrics.frameDropped.Add(1)
			return nil
		}
		pc.deliver(&rsp) // does not block

	default:
		return fmt.Errorf("invalid frame kind %d", byte(f.Kind))
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound
// correlation id.
func (c *Conn) releaseIDLocked(id uint64) {
	delete(c.ocall, id)
	if len(c.ocall) == 0 {
		c.nexto = 0
	}
}

func (c *Conn) sendOut(f *Frame) error {
	c.logFrame(FrameInfo{Frame: f, Sent: true})

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return net.ErrClosed
	}
	busMetrics.frameSent.Add(1)
	return c.out.ch.Send(f)
}

// logFrame invokes the frame logger, if one is registered.
func (c *Conn) logFrame(f FrameInfo) {
	c.mu.Lock()
	flog := c.flog
	c.mu.Unlock()
	if flog != nil {
		flog(f)
	}
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

type pending chan *Reply

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Reply) {
	if p != nil {
		p <- r
		close(p)
	}
}

type connContextKey struct{}
type methodContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined. The context passed to a method Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

// ContextMethod returns the method name a Handler was invoked for, or "" if
// ctx does not belong to a handler invocation.
func ContextMethod(ctx context.Context) string {
	if v := ctx.Value(methodContextKey{}); v != nil {
		return v.(string)
	}
	return ""
}
