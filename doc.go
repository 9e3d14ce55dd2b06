// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package bus implements a lightweight RPC message bus.
//
// A bus is a star: one [Server] accepts TCP connections from any number of
// [Client] participants. Any client may register named methods for the rest
// of the bus to call, and any client may invoke a method by name without
// knowing which participant provides it. The server routes each call to the
// provider of its method and relays the reply back to the caller.
//
// # Clients
//
// To join a bus, create a client and connect it to the server:
//
//	c := bus.NewClient()
//	if st := c.Connect("localhost", "4004"); !st.OK() {
//	   log.Fatalf("Connect failed: %v", st)
//	}
//
// To provide a method, register a handler for its name:
//
//	c.RegisterMethod("Sum", func(ctx context.Context, in bus.In, out *bus.Out) error {
//	   out.SetInt("total", sum(in))
//	   return nil
//	})
//
// The name is claimed bus-wide: registering a name any participant already
// holds fails with [CodeDuplicateMethod].
//
// # Calls
//
// A call is an exchange of one request and one reply, correlated by an id
// chosen by the caller's endpoint. Arguments travel in an [In] container
// and results come back in an [Out] container; both are ordered mappings
// from string keys to tagged scalar values.
//
// To invoke a method and wait for its result:
//
//	var in bus.In
//	in.Set("msg", "Hello, BBT")
//	var out bus.Out
//	if st := c.Call("Echo", in, &out); !st.OK() {
//	   log.Fatalf("Call failed: %v", st)
//	}
//
// To invoke a method without blocking, use [Client.ACall] and collect the
// outcome from a [Result]:
//
//	var r bus.Result
//	c.ACall("Echo", in, &r)
//	// ... other work ...
//	if st := r.Wait(); st.OK() {
//	   fmt.Println(r.Get("msg"))
//	}
//
// A handler may itself call across the bus. Use [ContextConn] to obtain the
// connection a handler was invoked on.
//
// # Servers
//
// A server routes calls and owns the bus-wide name index. It can also host
// methods of its own with [Server.Handle], answered without a relay:
//
//	s := bus.NewServer()
//	if err := s.Listen("localhost", "4004"); err != nil {
//	   log.Fatal(err)
//	}
//	defer s.Shutdown()
//
// # Channels
//
// The [Channel] interface carries the framing between two endpoints. [IO]
// adapts any reader/writer stream, and the channel package adds an
// in-memory pair and a compressed variant for use over slow links.
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing the exported
// counters; metrics are shared globally among all connections.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of replies discarded for lack of a pending call
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_pending: gauge of outbound calls currently pending
//   - relays_active: gauge of calls currently being relayed by a server
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package bus
