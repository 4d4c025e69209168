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

// Package guest implements the keep-side caller of the proxying protocol:
// typed wrappers that marshal each proxied operation into a block, hand it
// to the host broker, and unmarshal the reply, plus the small set of calls
// the guest answers locally without a host round.
//
// The host's replies are adversarial input. Every result is validated
// against what the guest staged before any bytes are copied out; a reply
// that claims more than was staged voids the round the same way a forged
// request voids it on the host side.
//
// This package runs inside the keep and therefore does not log; failures
// are returned as errors. Recoverable host failures surface as
// unix.Errno values.
package guest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/frame"
	"postern.dev/postern/pkg/mux"
)

// ErrBadReply indicates a reply that violates the bounds of what the
// guest staged: the host is lying or corrupted, and the round is treated
// as a boundary violation rather than a result.
var ErrBadReply = errors.New("guest: reply violates staged bounds")

// maxErrno bounds the negative result range a reply may legitimately
// carry, matching the kernel's errno convention.
const maxErrno = 4095

// A Handler issues proxied calls over a Mux. Multiple goroutines may use a
// Handler concurrently; each in-flight call holds its own slot.
type Handler struct {
	m *mux.Mux
}

// Init must be called on zero-value Handlers before first use.
func (h *Handler) Init(m *mux.Mux) {
	h.m = m
}

// NewHandler is a convenience function that returns an initialized Handler
// allocated on the heap.
func NewHandler(m *mux.Mux) *Handler {
	var h Handler
	h.Init(m)
	return &h
}

// acquire obtains a free slot, retrying with exponential backoff while the
// pool is exhausted. Pool exhaustion is transient by construction: every
// in-flight round ends.
func (h *Handler) acquire() (*mux.Slot, error) {
	var s *mux.Slot
	op := func() error {
		var err error
		s, err = h.m.Acquire()
		if errors.Is(err, mux.ErrNoFreeSlot) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return s, nil
}

// exchange encodes req on s, runs the round, and decodes the reply. On
// return with nil error the slot is still held in ReplyReady so the caller
// can copy outputs out of the arena; every error path disposes of the
// slot.
func (h *Handler) exchange(s *mux.Slot, req frame.Request) (frame.Reply, error) {
	frame.EncodeRequest(s.Block(), req)
	if err := h.m.Submit(s); err != nil {
		h.m.ForceIdle(s)
		return frame.Reply{}, err
	}
	if err := h.m.Collect(s); err != nil {
		// Collect already reset the slot on an aborted round; on
		// shutdown the slot stays with the in-flight round.
		return frame.Reply{}, err
	}
	rep, err := frame.DecodeReply(s.Block())
	if err != nil {
		h.m.ForceIdle(s)
		return frame.Reply{}, err
	}
	return rep, nil
}

// result validates rep against the staged capacity max. On a recoverable
// errno the slot is released and the errno returned; on a bad reply the
// slot is forcibly reset. On success the slot remains held so outputs can
// be copied out before Release.
func (h *Handler) result(s *mux.Slot, rep frame.Reply, max uint64) (uint64, error) {
	if rep.Result < 0 {
		if rep.Result < -maxErrno {
			h.m.ForceIdle(s)
			return 0, fmt.Errorf("%w: errno result %d", ErrBadReply, rep.Result)
		}
		errno := unix.Errno(-rep.Result)
		if err := h.m.Release(s); err != nil {
			return 0, err
		}
		return 0, errno
	}
	if uint64(rep.Result) > max {
		h.m.ForceIdle(s)
		return 0, fmt.Errorf("%w: result %d exceeds staged capacity %d", ErrBadReply, rep.Result, max)
	}
	return uint64(rep.Result), nil
}

// done is result for calls with no arena outputs: the slot is released on
// every path.
func (h *Handler) done(s *mux.Slot, rep frame.Reply, max uint64) (uint64, error) {
	n, err := h.result(s, rep, max)
	if err != nil {
		return 0, err
	}
	if err := h.m.Release(s); err != nil {
		return 0, err
	}
	return n, nil
}

// args pads a partial argument list to a full slot array.
func args(vs ...uint64) [abi.NumArgs]uint64 {
	if len(vs) > abi.NumArgs {
		panic(fmt.Sprintf("%d arguments (maximum %d)", len(vs), abi.NumArgs))
	}
	var a [abi.NumArgs]uint64
	copy(a[:], vs)
	return a
}

func fdArg(fd int32) uint64 {
	return uint64(uint32(fd))
}

// scalarMax is the result bound for calls returning scalars (descriptors,
// counts) rather than staged byte counts.
const scalarMax = uint64(math.MaxInt32)
