// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Server accepts bus connections and routes calls among them. It keeps a
// bus-wide index of method names: each registered name maps to the one
// connection providing it, and a request naming a method its own connection
// does not handle is relayed to the provider.
//
// The methods of a Server are safe for concurrent use by multiple
// goroutines.
type Server struct {
	grace time.Duration // how long Shutdown waits for in-flight relays

	mu       sync.Mutex
	lst      net.Listener
	tasks    *taskgroup.Group
	conns    map[*Conn]struct{}
	index    map[string]*Conn   // method name → providing connection
	local    map[string]Handler // methods hosted by the server itself
	draining bool               // Shutdown has begun; no new relays

	relays sync.WaitGroup // in-flight relayed calls

	stop    sync.Once
	stopErr error
}

// A ServerOption configures a Server.
type ServerOption func(*Server)

// WithGracePeriod sets how long Shutdown waits for in-flight relayed calls
// to finish before force-closing the remaining connections. The default is
// 2 seconds.
func WithGracePeriod(d time.Duration) ServerOption {
	return func(s *Server) { s.grace = d }
}

// NewServer constructs a new server that is not yet listening.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		grace: 2 * time.Second,
		conns: make(map[*Conn]struct{}),
		index: make(map[string]*Conn),
		local: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds a TCP listener on the given host and port and starts
// accepting connections. It does not block; call Shutdown to stop the
// server. Port "0" asks the system for an unused port, see Addr.
func (s *Server) Listen(host, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lst != nil {
		return errors.New("server is already listening")
	}
	lst, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.lst = lst
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(func() error { return s.acceptLoop(lst) })
	return nil
}

// Addr returns the address the server is listening on, or nil if the
// server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lst == nil {
		return nil
	}
	return s.lst.Addr()
}

// Handle registers a method hosted by the server itself, callable by every
// participant under the same rules as client-provided methods. Passing a
// nil handler removes the method. Registration fails with
// CodeDuplicateMethod if the name is taken anywhere on the bus.
func (s *Server) Handle(name string, handler Handler) error {
	if name == "" || len(name) > MaxMethodLen {
		return Errorf(CodeHandlerError, "invalid method name (%d bytes)", len(name))
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return Errorf(CodeHandlerError, "method name %q is reserved", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler == nil {
		delete(s.local, name)
		return nil
	}
	if _, ok := s.local[name]; ok {
		return Errorf(CodeDuplicateMethod, "method %q already registered", name)
	}
	if _, ok := s.index[name]; ok {
		return Errorf(CodeDuplicateMethod, "method %q already registered", name)
	}
	s.local[name] = handler
	return nil
}

func (s *Server) acceptLoop(lst net.Listener) error {
	for {
		nc, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		c := NewConn()
		c.route = s.route
		s.bindControl(c)
		c.OnExit(func(error) { s.dropConn(c) })

		s.mu.Lock()
		s.conns[c] = struct{}{}
		tasks := s.tasks
		s.mu.Unlock()

		c.Start(IO(nc, nc))
		tasks.Go(func() error {
			c.Wait() // a misbehaving client is its own problem, not the server's
			return nil
		})
	}
}

// bindControl installs the registration control methods on an accepted
// connection. These run as ordinary local handlers of c, so registration
// shares the call machinery used by everything else.
func (s *Server) bindControl(c *Conn) {
	c.Handle(methodRegister, func(ctx context.Context, in In, out *Out) error {
		return s.register(c, in.Get(methodKey))
	})
	c.Handle(methodUnregister, func(ctx context.Context, in In, out *Out) error {
		return s.unregister(c, in.Get(methodKey))
	})
}

// register claims name for connection c in the bus-wide index.
func (s *Server) register(c *Conn, name string) error {
	if name == "" {
		return Errorf(CodeHandlerError, "empty method name")
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return Errorf(CodeHandlerError, "method name %q is reserved", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[name]; ok {
		return Errorf(CodeDuplicateMethod, "method %q already registered", name)
	}
	if _, ok := s.local[name]; ok {
		return Errorf(CodeDuplicateMethod, "method %q already registered", name)
	}
	s.index[name] = c
	return nil
}

// unregister withdraws name from the index, if c is its provider.
func (s *Server) unregister(c *Conn, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index[name] != c {
		return Errorf(CodeMethodNotFound, "method %q not registered by this connection", name)
	}
	delete(s.index, name)
	return nil
}

// dropConn removes a terminated connection and every index entry it owned.
// Methods provided by the connection become unregistered; calls already
// relayed to it resolve with CodeConnectionLost through their pending
// entries.
func (s *Server) dropConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	for name, owner := range s.index {
		if owner == c {
			delete(s.index, name)
		}
	}
}

// route relays a request from one connection to the provider of its method.
// It runs on the receive loop of the originating connection, so it must not
// block: the wait for the provider's reply happens on a separate goroutine.
//
// Correlation ids are unique only per originating connection, so the relay
// issues its own call on the provider link and restores the original id on
// the reply. The container payload passes through untouched.
func (s *Server) route(from *Conn, id uint64, req *Request) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		busMetrics.callInErr.Add(1)
		from.sendRsp(id, CodeConnectionLost, errParams("server is shutting down"))
		return nil
	}
	handler, hostOK := s.local[req.Method]
	prov, provOK := s.index[req.Method]
	tasks := s.tasks
	if !hostOK && provOK {
		// Counted while s.mu is held: Shutdown sets draining under the same
		// lock before it waits on relays, so the counter cannot rise from
		// zero concurrently with that wait.
		s.relays.Add(1)
	}
	s.mu.Unlock()

	if hostOK {
		from.dispatchLocal(id, req.Method, req.Params, handler)
		return nil
	}
	if !provOK {
		busMetrics.callInErr.Add(1)
		from.sendRsp(id, CodeMethodNotFound, errParams(fmt.Sprintf("method %q not registered", req.Method)))
		return nil
	}

	_, pc, err := prov.sendReq(req.Method, req.Params)
	if err != nil {
		s.relays.Done()
		from.sendRsp(id, CodeConnectionLost, errParams(fmt.Sprintf("provider unavailable: %v", err)))
		return nil
	}

	busMetrics.relayActive.Add(1)
	tasks.Go(func() error {
		defer s.relays.Done()
		defer busMetrics.relayActive.Add(-1)

		rsp, ok := <-pc
		if !ok {
			from.sendRsp(id, CodeConnectionLost, errParams("provider connection lost"))
			return nil
		}
		from.sendRsp(id, rsp.Code, rsp.Params)
		return nil
	})
	return nil
}

// Shutdown stops the listener, waits up to the grace period for in-flight
// relayed calls to finish, then closes the remaining connections and waits
// for their service routines to exit. Shutdown is idempotent; every call
// returns the status of the first.
func (s *Server) Shutdown() error {
	s.stop.Do(func() {
		s.mu.Lock()
		lst := s.lst
		tasks := s.tasks
		s.draining = true
		s.mu.Unlock()
		if lst == nil {
			return // never started listening
		}
		lst.Close()

		// Bounded drain: give relays already in flight a chance to deliver
		// their replies before the links go away.
		done := make(chan struct{})
		go func() { defer close(done); s.relays.Wait() }()
		t := time.NewTimer(s.grace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
		}

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Stop()
		}
		s.stopErr = tasks.Wait()
	})
	return s.stopErr
}
