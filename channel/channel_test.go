// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"context"
	"net"
	"testing"

	"github.com/busmesh/bus"
	"github.com/busmesh/bus/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		f := new(bus.Frame)
		if err := c.Send(f); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != f {
			t.Errorf("Frame: got %v, want %v", got, f)
		}
		return nil
	})
	g.Go(func() error {
		f, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(f); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if f, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", f)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestSnappy(t *testing.T) {
	defer leaktest.Check(t)()

	ac, bc := net.Pipe()
	a := bus.NewConn().Start(channel.Snappy(ac, ac))
	b := bus.NewConn().Start(channel.Snappy(bc, bc))
	defer func() {
		a.Stop()
		b.Stop()
	}()

	a.Handle("reverse", func(ctx context.Context, in bus.In, out *bus.Out) error {
		s := []byte(in.Get("msg"))
		for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
			s[i], s[j] = s[j], s[i]
		}
		out.Set("msg", string(s))
		return nil
	})

	var in bus.In
	in.Set("msg", "compressed call")
	var out bus.Out
	if st := b.Call(context.Background(), "reverse", in, &out); !st.OK() {
		t.Fatalf("Call: %v", st)
	}
	if got, want := out.Get("msg"), "llac desserpmoc"; got != want {
		t.Errorf("Result: got %q, want %q", got, want)
	}
}
