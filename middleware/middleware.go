// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package middleware provides composable wrappers for bus method handlers.
package middleware

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/busmesh/bus"
)

// A Middleware wraps a handler to add behavior around its invocation.
type Middleware func(bus.Handler) bus.Handler

// Chain composes the given middlewares into one. The first middleware in
// the list is outermost, so it observes the call first and its reply last.
func Chain(ms ...Middleware) Middleware {
	return func(h bus.Handler) bus.Handler {
		for i := len(ms) - 1; i >= 0; i-- {
			h = ms[i](h)
		}
		return h
	}
}

// Logging returns a middleware that logs each invocation of the handler to
// lg, including the method name, disposition, and elapsed time. If lg ==
// nil the standard logger is used.
func Logging(lg *log.Logger) Middleware {
	if lg == nil {
		lg = log.Default()
	}
	return func(h bus.Handler) bus.Handler {
		return func(ctx context.Context, in bus.In, out *bus.Out) error {
			start := time.Now()
			err := h(ctx, in, out)
			if err != nil {
				lg.Printf("call %q failed (%v elapsed): %v", bus.ContextMethod(ctx), time.Since(start).Round(time.Microsecond), err)
			} else {
				lg.Printf("call %q ok (%v elapsed)", bus.ContextMethod(ctx), time.Since(start).Round(time.Microsecond))
			}
			return err
		}
	}
}

// Timeout returns a middleware that fails the call if the handler has not
// finished within d. The handler keeps its goroutine until it returns, but
// its context ends when the deadline expires, so a cooperating handler can
// stop early.
func Timeout(d time.Duration) Middleware {
	return func(h bus.Handler) bus.Handler {
		return func(ctx context.Context, in bus.In, out *bus.Out) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- h(tctx, in, out) }()
			select {
			case err := <-done:
				return err
			case <-tctx.Done():
				return bus.Errorf(bus.CodeHandlerError, "handler timed out after %v", d)
			}
		}
	}
}

// RateLimit returns a middleware that refuses calls above r events per
// second with a burst allowance of burst, reporting CodeRateLimited to the
// caller. Calls are refused rather than queued, so a slow consumer sees
// the failure promptly.
func RateLimit(r rate.Limit, burst int) Middleware {
	lim := rate.NewLimiter(r, burst)
	return func(h bus.Handler) bus.Handler {
		return func(ctx context.Context, in bus.In, out *bus.Out) error {
			if !lim.Allow() {
				return bus.Errorf(bus.CodeRateLimited, "rate limit exceeded")
			}
			return h(ctx, in, out)
		}
	}
}
