// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/busmesh/bus"
	"github.com/busmesh/bus/channel"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// localPair is a pair of in-memory connected endpoints for testing.
type localPair struct {
	A, B *bus.Conn
}

func newLocalPair() *localPair {
	a2b, b2a := channel.Direct()
	return &localPair{
		A: bus.NewConn().Start(a2b),
		B: bus.NewConn().Start(b2a),
	}
}

func (p *localPair) stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// echo copies every entry of in to out.
func echo(ctx context.Context, in bus.In, out *bus.Out) error {
	for _, key := range in.Keys() {
		v, _ := in.Lookup(key)
		out.SetValue(key, v)
	}
	return nil
}

func metricValue(m *expvar.Map, name string) int64 {
	return m.Get(name).(*expvar.Int).Value()
}

func TestConnCall(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer func() {
		if err := loc.stop(); err != nil {
			t.Errorf("Stopping pair: %v", err)
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)
		for _, gauge := range []string{"calls_active", "calls_pending", "relays_active"} {
			if v := metricValue(m, gauge); v != 0 {
				t.Errorf("Metric %q = %d, want 0", gauge, v)
			}
		}
	}()

	loc.A.Handle("echo", echo)
	loc.A.Handle("fail", func(ctx context.Context, in bus.In, out *bus.Out) error {
		return errors.New("deliberate failure")
	})
	loc.A.Handle("code", func(ctx context.Context, in bus.In, out *bus.Out) error {
		return bus.Errorf(bus.CodeRateLimited, "slow down")
	})
	loc.A.Handle("panic", func(ctx context.Context, in bus.In, out *bus.Out) error {
		panic("unexpected bees")
	})

	var in bus.In
	in.Set("msg", "Hello, BBT")
	in.SetInt("n", 42)

	tests := []struct {
		method   string
		wantCode bus.Code
		wantText string
	}{
		{"echo", bus.CodeOK, ""},
		{"missing", bus.CodeMethodNotFound, "not registered"},
		{"fail", bus.CodeHandlerError, "deliberate failure"},
		{"code", bus.CodeRateLimited, "slow down"},
		{"panic", bus.CodeHandlerError, "unexpected bees"},
	}
	for _, test := range tests {
		t.Run(test.method, func(t *testing.T) {
			var out bus.Out
			st := loc.B.Call(context.Background(), test.method, in, &out)
			if st.Code() != test.wantCode {
				t.Fatalf("Call %q: got status %v, want code %v", test.method, st, test.wantCode)
			}
			if !strings.Contains(st.Message(), test.wantText) {
				t.Errorf("Call %q: got message %q, want %q", test.method, st.Message(), test.wantText)
			}
			if st.OK() && !out.Equal(in) {
				t.Errorf("Call %q: got %v, want %v", test.method, out, in)
			}
		})
	}
}

func TestConnACall(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	loc.A.Handle("double", func(ctx context.Context, in bus.In, out *bus.Out) error {
		v, ok := in.Lookup("n")
		if !ok {
			return errors.New("missing n")
		}
		out.SetInt("n", 2*v.N)
		return nil
	})

	const numCalls = 16

	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			var in bus.In
			in.SetInt("n", int64(i))

			var r bus.Result
			if st := loc.B.ACall("double", in, &r); !st.OK() {
				return fmt.Errorf("ACall %d: %v", i, st)
			}
			if st := r.Wait(); !st.OK() {
				return fmt.Errorf("Wait %d: %v", i, st)
			}
			if v, ok := r.Lookup("n"); !ok || v.N != 2*int64(i) {
				return fmt.Errorf("result %d: got %v, want %d", i, v, 2*i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Concurrent calls: %v", err)
	}
}

func TestResultReuse(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	loc.A.Handle("echo", echo)

	var r bus.Result
	if st := r.Wait(); st.Code() != bus.CodeConnectionClosed {
		t.Errorf("Wait on unused result: got %v, want CONNECTION_CLOSED", st)
	}
	for _, msg := range []string{"first", "second"} {
		var in bus.In
		in.Set("msg", msg)
		if st := loc.B.ACall("echo", in, &r); !st.OK() {
			t.Fatalf("ACall: unexpected status: %v", st)
		}
		if st := r.Wait(); !st.OK() {
			t.Fatalf("Wait: unexpected status: %v", st)
		}
		if got := r.Get("msg"); got != msg {
			t.Errorf("Result msg: got %q, want %q", got, msg)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	loc.A.Handle("slow", func(ctx context.Context, in bus.In, out *bus.Out) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out bus.Out
	st := loc.B.Call(ctx, "slow", bus.In{}, &out)
	if st.Code() != bus.CodeTimeout {
		t.Errorf("Call: got %v, want TIMEOUT", st)
	}
}

func TestWaitTimeoutDropsLateReply(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	release := make(chan struct{})
	loc.A.Handle("slow", func(ctx context.Context, in bus.In, out *bus.Out) error {
		select {
		case <-release:
			out.Set("msg", "too late")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	dropped := metricValue(loc.B.Metrics(), "frames_dropped")

	var r bus.Result
	if st := loc.B.ACall("slow", bus.In{}, &r); !st.OK() {
		t.Fatalf("ACall: unexpected status: %v", st)
	}
	if st := r.WaitTimeout(30 * time.Millisecond); st.Code() != bus.CodeTimeout {
		t.Fatalf("WaitTimeout: got %v, want TIMEOUT", st)
	}

	// Let the handler finish; its reply must be discarded, not delivered.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for metricValue(loc.B.Metrics(), "frames_dropped") == dropped {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the late reply to be dropped")
		}
		time.Sleep(time.Millisecond)
	}

	if st := r.Wait(); st.Code() != bus.CodeTimeout {
		t.Errorf("Wait after timeout: got %v, want TIMEOUT", st)
	}
	if got := r.Get("msg"); got != "" {
		t.Errorf("Result msg after timeout: got %q, want empty", got)
	}
}

func TestAbandonedCallReuse(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	release := make(chan struct{})
	loc.A.Handle("stall", func(ctx context.Context, in bus.In, out *bus.Out) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	loc.A.Handle("echo", echo)

	dropped := metricValue(loc.B.Metrics(), "frames_dropped")

	// Abandon several calls in a row, reusing the same Result for a fresh
	// call each time while the handler still holds the abandoned id. The
	// fresh call must get its own id and its own outcome: the waiter of an
	// abandoned call must not resolve a reused Result, and the stalled
	// handler must not see a duplicate correlation id.
	const rounds = 3

	var r bus.Result
	for i := range rounds {
		if st := loc.B.ACall("stall", bus.In{}, &r); !st.OK() {
			t.Fatalf("ACall stall %d: unexpected status: %v", i, st)
		}
		if st := r.WaitTimeout(20 * time.Millisecond); st.Code() != bus.CodeTimeout {
			t.Fatalf("WaitTimeout %d: got %v, want TIMEOUT", i, st)
		}

		var in bus.In
		in.Set("msg", fmt.Sprintf("fresh %d", i))
		if st := loc.B.ACall("echo", in, &r); !st.OK() {
			t.Fatalf("ACall echo %d: unexpected status: %v", i, st)
		}
		if st := r.Wait(); !st.OK() {
			t.Fatalf("Wait echo %d: unexpected status: %v", i, st)
		}
		if got, want := r.Get("msg"), fmt.Sprintf("fresh %d", i); got != want {
			t.Errorf("Result msg %d: got %q, want %q", i, got, want)
		}
	}

	// Let the stalled handlers reply; each late reply must be discarded.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for metricValue(loc.B.Metrics(), "frames_dropped") < dropped+rounds {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the late replies to be dropped")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectionLost(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	started := make(chan struct{})
	loc.A.Handle("hang", func(ctx context.Context, in bus.In, out *bus.Out) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	var r bus.Result
	if st := loc.B.ACall("hang", bus.In{}, &r); !st.OK() {
		t.Fatalf("ACall: unexpected status: %v", st)
	}
	<-started

	if err := loc.A.Stop(); err != nil {
		t.Errorf("Stop A: unexpected error: %v", err)
	}
	if st := r.Wait(); st.Code() != bus.CodeConnectionLost {
		t.Errorf("Wait: got %v, want CONNECTION_LOST", st)
	}

	// With the channel gone, new calls must fail locally.
	if st := loc.B.Call(context.Background(), "hang", bus.In{}, nil); st.Code() != bus.CodeConnectionClosed {
		t.Errorf("Call after close: got %v, want CONNECTION_CLOSED", st)
	}
}

func TestHandleRules(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	if err := loc.A.Handle("x", echo); err != nil {
		t.Fatalf("Handle: unexpected error: %v", err)
	}
	var be *bus.Error
	if err := loc.A.Handle("x", echo); !errors.As(err, &be) || be.Code != bus.CodeDuplicateMethod {
		t.Errorf("Handle duplicate: got %v, want DUPLICATE_METHOD", err)
	}

	// Removing the handler frees the name.
	if err := loc.A.Handle("x", nil); err != nil {
		t.Fatalf("Handle remove: unexpected error: %v", err)
	}
	if err := loc.A.Handle("x", echo); err != nil {
		t.Errorf("Handle after remove: unexpected error: %v", err)
	}

	mtest.MustPanic(t, func() { loc.A.Handle("", echo) })
	mtest.MustPanic(t, func() { loc.A.Handle(strings.Repeat("m", bus.MaxMethodLen+5), echo) })
}

func TestContextConn(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	loc.B.Handle("inner", echo)
	loc.A.Handle("outer", func(ctx context.Context, in bus.In, out *bus.Out) error {
		if got := bus.ContextMethod(ctx); got != "outer" {
			return fmt.Errorf("context method: got %q, want outer", got)
		}
		// Call back across the same connection from inside the handler.
		return statusErr(bus.ContextConn(ctx).Call(ctx, "inner", in, out))
	})

	var in bus.In
	in.Set("msg", "round trip")
	var out bus.Out
	if st := loc.B.Call(context.Background(), "outer", in, &out); !st.OK() {
		t.Fatalf("Call: unexpected status: %v", st)
	}
	if got := out.Get("msg"); got != "round trip" {
		t.Errorf("Result msg: got %q, want %q", got, "round trip")
	}

	if got := bus.ContextConn(context.Background()); got != nil {
		t.Errorf("ContextConn of background: got %v, want nil", got)
	}
	if got := bus.ContextMethod(context.Background()); got != "" {
		t.Errorf("ContextMethod of background: got %q, want empty", got)
	}
}

// statusErr converts a non-OK status into an error for handler plumbing.
func statusErr(st bus.Status) error {
	if st.OK() {
		return nil
	}
	return bus.Errorf(st.Code(), "%s", st.Message())
}

func TestLogFrames(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	defer loc.stop()

	loc.A.Handle("echo", echo)

	var wg sync.WaitGroup
	wg.Add(2) // one request sent, one reply received

	var mu sync.Mutex
	var log []string
	loc.B.LogFrames(func(f bus.FrameInfo) {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, fmt.Sprintf("%s %v", map[bool]string{true: "send", false: "recv"}[f.Sent], f.Kind))
		wg.Done()
	})

	if st := loc.B.Call(context.Background(), "echo", bus.In{}, nil); !st.OK() {
		t.Fatalf("Call: unexpected status: %v", st)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"send REQUEST", "recv REPLY"}, log); diff != "" {
		t.Errorf("Frame log (-want, +got):\n%s", diff)
	}
}

func TestStopIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	loc := newLocalPair()
	if err := loc.stop(); err != nil {
		t.Errorf("First stop: unexpected error: %v", err)
	}
	if err := loc.stop(); err != nil {
		t.Errorf("Second stop: unexpected error: %v", err)
	}
	if err := loc.A.Wait(); err != nil {
		t.Errorf("Wait after stop: unexpected error: %v", err)
	}
}
