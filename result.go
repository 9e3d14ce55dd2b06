// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"fmt"
	"sync"
	"time"
)

// A Result carries the outcome of an asynchronous call issued with ACall.
// The zero value is empty and may be passed to ACall; a Result may be
// reused for another call once the previous one has resolved. A Result must
// not be copied after first use.
type Result struct {
	mu       sync.Mutex
	conn     *Conn
	id       uint64
	gen      uint64
	done     chan struct{}
	terminal bool
	st       Status
	out      Out
}

// reset prepares r to receive the outcome of call id on c, and returns the
// generation tag the call's resolver must present.
func (r *Result) reset(c *Conn, id uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.conn, r.id = c, id
	r.done = make(chan struct{})
	r.terminal = false
	r.st, r.out = Status{}, Out{}
	return r.gen
}

// resolve records the outcome of the call tagged gen. Only the first
// resolution of a call takes effect; late arrivals, and resolvers for an
// earlier call whose Result has since been reused, are dropped.
func (r *Result) resolve(gen uint64, st Status, out Out) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal || gen != r.gen {
		return
	}
	r.st, r.out, r.terminal = st, out, true
	close(r.done)
}

// Pending reports whether the call has been issued but not yet resolved.
func (r *Result) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil && !r.terminal
}

// Wait blocks until the call resolves and returns its status. If no call
// has been issued on r, Wait reports CodeConnectionClosed immediately.
func (r *Result) Wait() Status {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return statusOf(CodeConnectionClosed, "no call issued")
	}
	<-done
	return r.status()
}

// WaitTimeout blocks until the call resolves or d elapses. On timeout the
// call is abandoned: a late reply for it is discarded, and the result
// resolves with CodeTimeout.
func (r *Result) WaitTimeout(d time.Duration) Status {
	r.mu.Lock()
	conn, id, gen, done := r.conn, r.id, r.gen, r.done
	r.mu.Unlock()
	if done == nil {
		return statusOf(CodeConnectionClosed, "no call issued")
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		conn.forget(id)
		r.resolve(gen, statusOf(CodeTimeout, fmt.Sprintf("no reply within %v", d)), Out{})
	}
	return r.status()
}

func (r *Result) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

// Out returns the result container of the call. It is empty until the call
// has resolved successfully. The caller must not modify the container while
// another goroutine may be waiting on r.
func (r *Result) Out() Out {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out
}

// Get returns the result value for key rendered as a string, or "" if the
// call has not resolved or the key is absent.
func (r *Result) Get(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Get(key)
}

// Lookup reports whether the resolved result container has key, and returns
// its value if so.
func (r *Result) Lookup(key string) (Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Lookup(key)
}
