// Copyright 2026 The Postern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker implements the host-side service loop: take a ready
// slot, validate and dispatch the request, and hand the reply (or the
// abort marker) back.
//
// The broker is where the error taxonomy is enforced. Recoverable
// failures (unknown operations, policy rejections, host errnos) travel
// back through the normal reply path. Boundary violations never reach a
// driver's side effects: the round is aborted, the slot force-reset, and
// a postmortem dump written for inspection.
package broker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/doorbell"
	"postern.dev/postern/pkg/driver"
	"postern.dev/postern/pkg/frame"
	"postern.dev/postern/pkg/mux"
)

// Options configures a Broker.
type Options struct {
	// Workers is the number of host contexts serving rounds concurrently.
	// Zero means one worker per slot.
	Workers int

	// Dumps receives postmortem records of aborted rounds. Nil disables
	// dumping.
	Dumps *DumpWriter

	// Log overrides the broker's log entry.
	Log *logrus.Entry
}

// A Broker serves proxied requests from a Mux against a driver Table.
type Broker struct {
	m   *mux.Mux
	tbl *driver.Table
	log *logrus.Entry

	workers int
	dumps   *DumpWriter

	counters Counters

	mu         sync.Mutex
	terminated bool
	exitCode   int32
}

// Init must be called on zero-value Brokers before first use.
func (b *Broker) Init(m *mux.Mux, tbl *driver.Table, opts Options) {
	b.m = m
	b.tbl = tbl
	b.workers = opts.Workers
	if b.workers <= 0 {
		b.workers = m.NumSlots()
	}
	b.dumps = opts.Dumps
	b.log = opts.Log
	if b.log == nil {
		b.log = logrus.StandardLogger().WithField("component", "broker")
	}
	b.counters.init()
}

// New is a convenience function that returns an initialized Broker
// allocated on the heap.
func New(m *mux.Mux, tbl *driver.Table, opts Options) *Broker {
	var b Broker
	b.Init(m, tbl, opts)
	return &b
}

// Counters returns the broker's round counters.
func (b *Broker) Counters() *Counters {
	return &b.counters
}

// ExitCode returns the guest's exit status and whether the guest has
// terminated.
func (b *Broker) ExitCode() (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitCode, b.terminated
}

// Serve runs worker loops until the guest terminates via exit/exit_group
// or ctx is canceled. It returns nil on guest termination and the context
// error on cancellation.
func (b *Broker) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, b.m.Shutdown)
	defer stop()
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			return b.serve()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if _, done := b.ExitCode(); !done {
		// Shutdown came from the context, not the guest.
		return ctx.Err()
	}
	return nil
}

func (b *Broker) serve() error {
	for {
		s, err := b.m.TakeReady()
		if err != nil {
			if _, ok := err.(doorbell.ShutdownError); ok {
				return nil
			}
			return err
		}
		if terminate := b.serveRound(s); terminate {
			// Unblock the sibling workers; the guest is gone.
			b.m.Shutdown()
			return nil
		}
	}
}

// serveRound serves one round on a Processing slot and reports whether
// the guest requested termination.
func (b *Broker) serveRound(s *mux.Slot) bool {
	blk := s.Block()
	req, err := frame.DecodeRequest(blk)
	if err != nil {
		b.abort(s, frame.Request{}, err)
		return false
	}
	fn, ok := b.tbl.Lookup(req.Op)
	if !ok {
		b.counters.notSupported(req.Op)
		frame.EncodeNotSupported(blk)
		b.complete(s)
		return false
	}

	var res block.Resolver
	res.Init(blk)
	round := driver.Round{
		Args:   req.Args,
		Res:    &res,
		Policy: b.tbl.Policy(),
	}
	ret, ctrl, err := fn(&round)
	if err != nil {
		if driver.IsFatal(err) {
			b.abort(s, req, err)
			return false
		}
		errno := driver.Errno(err)
		b.counters.errno(req.Op, errno)
		frame.EncodeReply(blk, frame.Reply{Result: -int64(errno)})
		b.complete(s)
		return false
	}

	b.counters.round(req.Op)

	// Record termination before the reply completes: the moment the guest
	// collects the exit reply it may ask for the exit code.
	if ctrl != nil && ctrl.Terminate {
		b.mu.Lock()
		if !b.terminated {
			b.terminated = true
			b.exitCode = ctrl.ExitCode
		}
		b.mu.Unlock()
	}

	frame.EncodeReply(blk, frame.Reply{Result: int64(ret)})
	b.complete(s)

	if ctrl != nil && ctrl.Terminate {
		b.log.WithField("code", ctrl.ExitCode).Info("guest terminated")
		return true
	}
	return false
}

func (b *Broker) complete(s *mux.Slot) {
	if err := b.m.Complete(s); err != nil {
		// The state word moved under us; the slot's round is already
		// void. Reset it so the pool recovers.
		b.log.WithField("slot", s.Index()).Warningf("completing round: %v", err)
		b.m.ForceIdle(s)
	}
}

// abort kills the current round after a boundary violation: the frame or
// an argument failed validation, which may indicate a compromised or
// corrupted guest. No driver side effect has occurred.
func (b *Broker) abort(s *mux.Slot, req frame.Request, cause error) {
	b.counters.abort(req.Op)
	entry := b.log.WithField("slot", s.Index()).WithField("op", req.Op)
	entry.Warningf("aborting round: %v", cause)
	if b.dumps != nil {
		path, err := b.dumps.Write(s, req, cause)
		if err != nil {
			entry.Warningf("writing abort dump: %v", err)
		} else {
			entry.WithField("dump", path).Info("abort dump written")
		}
	}
	if err := b.m.Abort(s); err != nil {
		b.log.WithField("slot", s.Index()).Warningf("aborting round: %v", err)
		b.m.ForceIdle(s)
	}
}
