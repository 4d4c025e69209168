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

// Package block implements the shared memory block at the heart of the
// proxying boundary: its header geometry, the boundary validator through
// which every cross-boundary offset is resolved, and the shared memory file
// blocks are carved from.
//
// A block is shared with a potentially-adversarial peer. Nothing read from
// a block may be trusted until it has been validated, and no component may
// resolve an (offset, length) pair into block bytes except through this
// package.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"postern.dev/postern/pkg/abi"
)

// ErrOutOfBounds indicates an (offset, length) pair that does not describe
// a valid range of the arena: it extends past capacity, its end overflows,
// or it overlaps a range already claimed this round. A boundary violation
// is always fatal to the current round.
var ErrOutOfBounds = errors.New("block: reference out of bounds")

var endian = binary.LittleEndian

// A Block is one fixed-capacity shared memory region, used for one
// request/reply round at a time. The first abi.HeaderBytes bytes are the
// frame header; the remainder is the arena.
//
// The backing memory is jointly visible to the guest and host sides;
// ownership of the mutable region alternates according to the handoff state
// word. Readers must not assume two reads of the same arena byte return the
// same value: the peer may be mutating it concurrently.
type Block struct {
	// mem is the backing memory. len(mem) is the block capacity. mem is
	// immutable (the slice header, not the bytes).
	mem []byte
}

// Init must be called on zero-value Blocks before first use. mem must be
// word-aligned, at least abi.MinBlockCapacity and at most
// abi.MaxBlockCapacity bytes, and must initially be zero-filled unless it
// holds the state of a previous round.
func (b *Block) Init(mem []byte) error {
	if len(mem) < abi.MinBlockCapacity {
		return fmt.Errorf("block capacity (%d) less than minimum (%d)", len(mem), abi.MinBlockCapacity)
	}
	if len(mem) > abi.MaxBlockCapacity {
		return fmt.Errorf("block capacity (%d) exceeds maximum (%d)", len(mem), abi.MaxBlockCapacity)
	}
	b.mem = mem
	return nil
}

// New is a convenience function that returns a Block backed by fresh
// process-private memory. Cross-process deployments use a BlockFile
// instead.
func New(capacity uint64) (*Block, error) {
	var b Block
	if err := b.Init(make([]byte, capacity)); err != nil {
		return nil, err
	}
	return &b, nil
}

// Capacity returns the total block size in bytes, including the header.
func (b *Block) Capacity() uint64 {
	return uint64(len(b.mem))
}

// ArenaSize returns the size of the arena region in bytes.
func (b *Block) ArenaSize() uint64 {
	return b.Capacity() - abi.HeaderBytes
}

// Version returns the protocol version tag in the header.
func (b *Block) Version() uint32 {
	return endian.Uint32(b.mem[4:8])
}

// SetVersion stores the protocol version tag.
func (b *Block) SetVersion(v uint32) {
	endian.PutUint32(b.mem[4:8], v)
}

// Word returns frame word i. Words are the 8-byte header fields following
// the state and version: word 0 carries the operation number (request) or
// result (reply), words 1..6 carry argument slots (request) or, for word 1,
// the auxiliary value (reply).
//
// Preconditions: 0 <= i < abi.NumWords.
func (b *Block) Word(i int) uint64 {
	if i < 0 || i >= abi.NumWords {
		panic(fmt.Sprintf("frame word index %d out of range", i))
	}
	off := 8 + 8*i
	return endian.Uint64(b.mem[off : off+8])
}

// SetWord stores frame word i.
//
// Preconditions: 0 <= i < abi.NumWords.
func (b *Block) SetWord(i int, v uint64) {
	if i < 0 || i >= abi.NumWords {
		panic(fmt.Sprintf("frame word index %d out of range", i))
	}
	off := 8 + 8*i
	endian.PutUint64(b.mem[off:off+8], v)
}

// CheckArena is the boundary validator: it returns nil if [off, off+length)
// is a valid range of the arena and ErrOutOfBounds otherwise. Offsets are
// arena-relative; the arithmetic is overflow-checked before being
// interpreted as a range.
func (b *Block) CheckArena(off, length uint64) error {
	arenaSize := b.ArenaSize()
	if length > arenaSize || off > arenaSize-length {
		return fmt.Errorf("%w: offset %#x length %#x (arena size %#x)", ErrOutOfBounds, off, length, arenaSize)
	}
	return nil
}

// ArenaSlice returns the arena bytes at [off, off+length), validated by
// CheckArena. It performs no overlap tracking; cross-boundary resolution of
// untrusted offsets must go through a Resolver instead.
func (b *Block) ArenaSlice(off, length uint64) ([]byte, error) {
	if err := b.CheckArena(off, length); err != nil {
		return nil, err
	}
	return b.mem[abi.HeaderBytes+off : abi.HeaderBytes+off+length : abi.HeaderBytes+off+length], nil
}

// ArenaBytes returns the entire arena region. It is intended for read-only
// snapshot and postmortem use.
func (b *Block) ArenaBytes() []byte {
	return b.mem[abi.HeaderBytes:]
}
