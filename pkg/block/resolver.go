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

package block

import (
	"fmt"

	"postern.dev/postern/pkg/abi"
)

// A Resolver resolves untrusted (offset, length) pairs carried in a request
// frame into arena byte slices for exactly one round. Beyond bounds and
// overflow checking it enforces claim-once semantics: no two resolved
// ranges of the same round may overlap, so a forged frame cannot alias one
// buffer as both an input and an output.
//
// A Resolver is used by a single host context and is not safe for
// concurrent use.
type Resolver struct {
	b       *Block
	claimed []claim
}

type claim struct {
	off, end uint64
}

// Init must be called on zero-value Resolvers before first use. The
// Resolver is valid for the round currently held by b and must be discarded
// when the round ends.
func (r *Resolver) Init(b *Block) {
	r.b = b
	r.claimed = r.claimed[:0]
}

// Resolve validates [off, off+length) and returns the corresponding arena
// bytes. A zero length yields an empty slice (still bounds-checking off)
// and claims nothing; operations for which empty data is meaningless use
// ResolveNonEmpty.
func (r *Resolver) Resolve(off, length uint64) ([]byte, error) {
	if off == abi.NoOffset {
		return nil, fmt.Errorf("%w: NoOffset used as a data reference", ErrOutOfBounds)
	}
	s, err := r.b.ArenaSlice(off, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return s, nil
	}
	end := off + length
	for _, c := range r.claimed {
		if off < c.end && c.off < end {
			return nil, fmt.Errorf("%w: range [%#x, %#x) overlaps claimed [%#x, %#x)", ErrOutOfBounds, off, end, c.off, c.end)
		}
	}
	r.claimed = append(r.claimed, claim{off, end})
	return s, nil
}

// ResolveNonEmpty is Resolve for operations that semantically require data:
// a zero length is rejected as a boundary violation rather than producing
// an empty slice.
func (r *Resolver) ResolveNonEmpty(off, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length reference where data is required", ErrOutOfBounds)
	}
	return r.Resolve(off, length)
}

// ResolveVec resolves an arena-resident array of count (offset, length)
// descriptor pairs, then resolves each described segment. Descriptors are
// the protocol's only nested references and nest exactly one level; count
// is bounded by abi.MaxIovecSegments so validation cost stays fixed.
func (r *Resolver) ResolveVec(off, count uint64) ([][]byte, error) {
	if count > abi.MaxIovecSegments {
		return nil, fmt.Errorf("%w: %d vector segments (maximum %d)", ErrOutOfBounds, count, abi.MaxIovecSegments)
	}
	desc, err := r.Resolve(off, count*16)
	if err != nil {
		return nil, err
	}
	segs := make([][]byte, count)
	for i := range segs {
		segOff := endian.Uint64(desc[16*i:])
		segLen := endian.Uint64(desc[16*i+8:])
		s, err := r.Resolve(segOff, segLen)
		if err != nil {
			return nil, err
		}
		segs[i] = s
	}
	return segs, nil
}
