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

// Package mux multiplexes concurrent request/reply rounds over a pool of
// blocks.
//
// Each slot pairs one block with the handoff state stored in that block's
// state word. States form a strict cycle:
//
//	Idle → Reserved → RequestReady → Processing → ReplyReady → Idle
//
// with Aborted as the host's explicit escape hatch out of Processing when a
// round turns out to be a boundary violation. Every transition is a
// compare-and-swap on the shared word; a failed swap means the two sides
// disagree about ownership and is fatal to that slot's round.
//
// Several guest contexts may call Acquire concurrently and several host
// contexts may call TakeReady concurrently; the swaps guarantee each slot
// and each ready request goes to exactly one of them. A single block,
// however, carries at most one round at a time.
package mux

import (
	"errors"

	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/arena"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/doorbell"
)

var (
	// ErrNoFreeSlot indicates that every slot is carrying a round.
	// Recoverable: retry and backoff policy belongs to the caller.
	ErrNoFreeSlot = errors.New("mux: no free slot")

	// ErrProtocolViolation indicates a handoff transition attempted from
	// the wrong state. Fatal to the slot's round.
	ErrProtocolViolation = errors.New("mux: handoff protocol violation")

	// ErrRoundAborted is returned by Collect when the host marked the
	// round aborted. The requester must treat the call as a total
	// failure; no partial result exists.
	ErrRoundAborted = errors.New("mux: round aborted")
)

// A Slot pairs one block with its guest-side staging arena.
type Slot struct {
	blk   *block.Block
	arena arena.Arena
	index int
}

// Block returns the slot's block.
func (s *Slot) Block() *block.Block {
	return s.blk
}

// Arena returns the guest-side staging arena for the slot's block.
func (s *Slot) Arena() *arena.Arena {
	return &s.arena
}

// Index returns the slot's position in the pool.
func (s *Slot) Index() int {
	return s.index
}

// State returns the slot's current handoff state.
func (s *Slot) State() abi.State {
	return s.blk.State()
}

// A Mux owns a pool of slots and the doorbell pair used to hand rounds
// across the boundary. Guest contexts use Acquire/Submit/Collect/Release;
// host contexts use TakeReady/Complete/Abort.
type Mux struct {
	slots []Slot
	bells doorbell.Pair
}

// Init must be called on zero-value Muxes before first use. Both sides of
// a deployment must construct their Mux over the same blocks in the same
// order.
func (m *Mux) Init(blocks []*block.Block, bells doorbell.Pair) error {
	if len(blocks) == 0 {
		return errors.New("mux: no blocks")
	}
	m.slots = make([]Slot, len(blocks))
	for i, b := range blocks {
		m.slots[i].blk = b
		m.slots[i].arena.Init(b)
		m.slots[i].index = i
	}
	m.bells = bells
	return nil
}

// New is a convenience function that returns an initialized Mux allocated
// on the heap.
func New(blocks []*block.Block, bells doorbell.Pair) (*Mux, error) {
	var m Mux
	if err := m.Init(blocks, bells); err != nil {
		return nil, err
	}
	return &m, nil
}

// NumSlots returns the size of the pool.
func (m *Mux) NumSlots() int {
	return len(m.slots)
}

// Slot returns slot i, for introspection.
//
// Preconditions: 0 <= i < m.NumSlots().
func (m *Mux) Slot(i int) *Slot {
	return &m.slots[i]
}

// Shutdown unblocks current and future waiters in Collect and TakeReady on
// this side with doorbell.ShutdownError. It does not wait for them to
// return, and it does not disturb the peer's protocol state.
func (m *Mux) Shutdown() {
	m.bells.Shutdown()
}

// Acquire returns an Idle slot, transitioned to Reserved for the caller,
// with its staging arena reset for a fresh request. It fails with
// ErrNoFreeSlot if every slot is busy.
func (m *Mux) Acquire() (*Slot, error) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.blk.CompareAndSwapState(abi.StateIdle, abi.StateReserved) {
			s.arena.Reset()
			return s, nil
		}
	}
	return nil, ErrNoFreeSlot
}

// Submit hands a fully-encoded request to the host side.
func (m *Mux) Submit(s *Slot) error {
	if !s.blk.CompareAndSwapState(abi.StateReserved, abi.StateRequestReady) {
		return ErrProtocolViolation
	}
	m.bells.ToHost.Ring()
	return nil
}

// Cancel returns an acquired slot to the pool without submitting a
// request, e.g. when staging the request failed recoverably.
func (m *Mux) Cancel(s *Slot) error {
	// Reset before relinquishing ownership: the instant the state word
	// reads Idle, another caller may acquire the slot.
	s.arena.Reset()
	if !s.blk.CompareAndSwapState(abi.StateReserved, abi.StateIdle) {
		return ErrProtocolViolation
	}
	return nil
}

// Collect blocks until the host finishes the round on s. It returns nil
// once the reply is ready to read; the caller decodes it and then calls
// Release. If the host aborted the round, Collect forcibly resets the slot
// to Idle and returns ErrRoundAborted.
func (m *Mux) Collect(s *Slot) error {
	for {
		seq := m.bells.ToGuest.Seq()
		switch st := s.blk.State(); st {
		case abi.StateReplyReady:
			return nil
		case abi.StateAborted:
			m.ForceIdle(s)
			return ErrRoundAborted
		case abi.StateRequestReady, abi.StateProcessing:
			// Round still in flight.
		default:
			return ErrProtocolViolation
		}
		if err := m.bells.ToGuest.Wait(seq); err != nil {
			return err
		}
	}
}

// Release returns a collected slot to the free pool, resetting its staging
// arena.
func (m *Mux) Release(s *Slot) error {
	// Reset before relinquishing ownership, as in Cancel.
	s.arena.Reset()
	if !s.blk.CompareAndSwapState(abi.StateReplyReady, abi.StateIdle) {
		return ErrProtocolViolation
	}
	return nil
}

// ForceIdle forcibly resets a slot after a fatal round: the arena is reset
// and the state word stored to Idle regardless of its current value. The
// round's guarantees are already void when this is called.
func (m *Mux) ForceIdle(s *Slot) {
	s.arena.Reset()
	s.blk.StoreState(abi.StateIdle)
}

// TakeReady blocks until some slot holds a ready request and returns it,
// transitioned to Processing. When multiple host contexts call TakeReady
// concurrently, each ready slot is yielded to exactly one of them.
func (m *Mux) TakeReady() (*Slot, error) {
	for {
		seq := m.bells.ToHost.Seq()
		for i := range m.slots {
			s := &m.slots[i]
			if s.blk.CompareAndSwapState(abi.StateRequestReady, abi.StateProcessing) {
				return s, nil
			}
		}
		if err := m.bells.ToHost.Wait(seq); err != nil {
			return nil, err
		}
	}
}

// Complete hands a fully-encoded reply back to the guest side.
func (m *Mux) Complete(s *Slot) error {
	if !s.blk.CompareAndSwapState(abi.StateProcessing, abi.StateReplyReady) {
		return ErrProtocolViolation
	}
	m.bells.ToGuest.Ring()
	return nil
}

// Abort marks the round on s dead after a boundary violation. The guest
// observes the marker in Collect and resets the slot.
func (m *Mux) Abort(s *Slot) error {
	if !s.blk.CompareAndSwapState(abi.StateProcessing, abi.StateAborted) {
		return ErrProtocolViolation
	}
	m.bells.ToGuest.Ring()
	return nil
}
