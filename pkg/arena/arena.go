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

// Package arena implements the bump allocator used to marshal
// variable-length arguments into a block's free space.
//
// Allocation is monotonic within a round: the arena grows from the start of
// the block's free space and individual allocations are never freed, only
// the whole arena reset between rounds. The high-water mark is state of the
// side doing the marshaling, deliberately not stored in the shared block,
// so the peer cannot corrupt it.
package arena

import (
	"errors"
	"fmt"

	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
)

// ErrArenaExhausted indicates that an allocation would not fit in the
// block's remaining free space. It is returned before any allocator state
// is committed, so the caller may retry with a smaller payload or split
// data across rounds.
var ErrArenaExhausted = errors.New("arena: exhausted")

// An Arena carves allocations from the free space of a single Block.
// Offsets it returns are arena-relative, matching the offsets carried in
// frame argument slots.
//
// An Arena belongs to one side of the boundary and is not safe for
// concurrent use.
type Arena struct {
	b   *block.Block
	hwm uint64
}

// Init must be called on zero-value Arenas before first use.
func (a *Arena) Init(b *block.Block) {
	a.b = b
	a.hwm = 0
}

// Allocate carves size bytes aligned to align from the arena and returns
// the arena-relative offset of the allocation. The advance is validated
// against the block's capacity before any state is committed; on failure
// the arena is unchanged and ErrArenaExhausted is returned.
//
// Preconditions: align is a power of 2.
func (a *Arena) Allocate(size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("allocation alignment %d is not a power of 2", align))
	}
	start := (a.hwm + align - 1) &^ (align - 1)
	if start < a.hwm {
		// Aligning the mark overflowed.
		return 0, fmt.Errorf("%w: aligning offset %#x to %d overflows", ErrArenaExhausted, a.hwm, align)
	}
	if err := a.b.CheckArena(start, size); err != nil {
		return 0, fmt.Errorf("%w: %d bytes at offset %#x", ErrArenaExhausted, size, start)
	}
	a.hwm = start + size
	return start, nil
}

// AllocateBytes allocates word-aligned space for p, copies p into it, and
// returns the arena-relative offset of the copy.
func (a *Arena) AllocateBytes(p []byte) (uint64, error) {
	off, err := a.Allocate(uint64(len(p)), abi.WordAlign)
	if err != nil {
		return 0, err
	}
	dst, err := a.b.ArenaSlice(off, uint64(len(p)))
	if err != nil {
		// Allocate validated the range; a failure here is allocator
		// corruption, not caller error.
		panic(fmt.Sprintf("committed allocation failed validation: %v", err))
	}
	copy(dst, p)
	return off, nil
}

// Bytes returns the arena bytes of an allocation previously returned by
// this Arena. Unlike cross-boundary resolution it performs no overlap
// tracking: the caller is reading its own marshaled data back.
func (a *Arena) Bytes(off, length uint64) ([]byte, error) {
	return a.b.ArenaSlice(off, length)
}

// Reset returns the high-water mark to the start of the arena. It is
// called exactly once per round, by whichever side is about to write a
// fresh frame.
func (a *Arena) Reset() {
	a.hwm = 0
}

// HighWaterMark returns the current allocation mark, for introspection.
func (a *Arena) HighWaterMark() uint64 {
	return a.hwm
}
