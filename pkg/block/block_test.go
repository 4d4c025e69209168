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
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"postern.dev/postern/pkg/abi"
)

func newTestBlock(t *testing.T, capacity uint64) *Block {
	t.Helper()
	b, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", capacity, err)
	}
	return b
}

func TestGeometry(t *testing.T) {
	b := newTestBlock(t, 4096)
	if got, want := b.Capacity(), uint64(4096); got != want {
		t.Errorf("got capacity %d, want %d", got, want)
	}
	if got, want := b.ArenaSize(), uint64(4096-abi.HeaderBytes); got != want {
		t.Errorf("got arena size %d, want %d", got, want)
	}
}

func TestInitRejectsBadCapacities(t *testing.T) {
	var b Block
	if err := b.Init(make([]byte, abi.MinBlockCapacity-1)); err == nil {
		t.Errorf("Init accepted a sub-minimum capacity")
	}
	if err := b.Init(make([]byte, abi.MinBlockCapacity)); err != nil {
		t.Errorf("Init rejected the minimum capacity: %v", err)
	}
}

func TestCheckArena(t *testing.T) {
	b := newTestBlock(t, 4096)
	arena := b.ArenaSize()
	for _, test := range []struct {
		name        string
		off, length uint64
		ok          bool
	}{
		{"first byte", 0, 1, true},
		{"whole arena", 0, arena, true},
		{"last byte", arena - 1, 1, true},
		{"empty at end", arena, 0, true},
		{"one past end", arena, 1, false},
		{"length past end", 1, arena, false},
		{"huge length", 0, math.MaxUint64, false},
		{"offset plus length overflows", math.MaxUint64 - 8, 16, false},
		{"offset past end, zero length", arena + 1, 0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := b.CheckArena(test.off, test.length)
			if test.ok && err != nil {
				t.Errorf("CheckArena(%#x, %#x) failed: %v", test.off, test.length, err)
			}
			if !test.ok {
				if !errors.Is(err, ErrOutOfBounds) {
					t.Errorf("CheckArena(%#x, %#x): got %v, want ErrOutOfBounds", test.off, test.length, err)
				}
			}
		})
	}
}

func TestArenaSliceAliasesArena(t *testing.T) {
	b := newTestBlock(t, 4096)
	s, err := b.ArenaSlice(8, 4)
	if err != nil {
		t.Fatalf("ArenaSlice failed: %v", err)
	}
	copy(s, "data")
	if got := b.ArenaBytes()[8:12]; !bytes.Equal(got, []byte("data")) {
		t.Errorf("got arena bytes %q, want %q", got, "data")
	}
}

func TestWordRoundTrip(t *testing.T) {
	b := newTestBlock(t, 4096)
	for i := 0; i < abi.NumWords; i++ {
		b.SetWord(i, uint64(i)*0x0101010101010101)
	}
	for i := 0; i < abi.NumWords; i++ {
		if got, want := b.Word(i), uint64(i)*0x0101010101010101; got != want {
			t.Errorf("word %d: got %#x, want %#x", i, got, want)
		}
	}
	// Words must not clobber the state and version fields.
	if got := b.Version(); got != 0 {
		t.Errorf("got version %d after word writes, want 0", got)
	}
}

func TestResolverOverlap(t *testing.T) {
	b := newTestBlock(t, 4096)
	var r Resolver
	r.Init(b)
	if _, err := r.Resolve(0, 16); err != nil {
		t.Fatalf("Resolve(0, 16) failed: %v", err)
	}
	if _, err := r.Resolve(8, 16); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Resolve of overlapping range: got %v, want ErrOutOfBounds", err)
	}
	// Adjacent is not overlapping.
	if _, err := r.Resolve(16, 16); err != nil {
		t.Errorf("Resolve of adjacent range failed: %v", err)
	}
	// A fresh round forgets prior claims.
	r.Init(b)
	if _, err := r.Resolve(8, 16); err != nil {
		t.Errorf("Resolve after reinit failed: %v", err)
	}
}

func TestResolverNoOffset(t *testing.T) {
	b := newTestBlock(t, 4096)
	var r Resolver
	r.Init(b)
	if _, err := r.Resolve(abi.NoOffset, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Resolve(NoOffset, 0): got %v, want ErrOutOfBounds", err)
	}
}

func TestResolverZeroLengthClaimsNothing(t *testing.T) {
	b := newTestBlock(t, 4096)
	var r Resolver
	r.Init(b)
	s, err := r.Resolve(0, 0)
	if err != nil {
		t.Fatalf("Resolve(0, 0) failed: %v", err)
	}
	if len(s) != 0 {
		t.Errorf("got %d bytes from a zero-length resolve", len(s))
	}
	if _, err := r.Resolve(0, 16); err != nil {
		t.Errorf("Resolve after zero-length resolve failed: %v", err)
	}
}

func TestResolveNonEmpty(t *testing.T) {
	b := newTestBlock(t, 4096)
	var r Resolver
	r.Init(b)
	if _, err := r.ResolveNonEmpty(0, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("ResolveNonEmpty(0, 0): got %v, want ErrOutOfBounds", err)
	}
}

// putVec writes a descriptor array of (offset, length) pairs at off.
func putVec(t *testing.T, b *Block, off uint64, descs [][2]uint64) {
	t.Helper()
	s, err := b.ArenaSlice(off, uint64(16*len(descs)))
	if err != nil {
		t.Fatalf("staging descriptor array: %v", err)
	}
	for i, d := range descs {
		binary.LittleEndian.PutUint64(s[16*i:], d[0])
		binary.LittleEndian.PutUint64(s[16*i+8:], d[1])
	}
}

func TestResolveVec(t *testing.T) {
	b := newTestBlock(t, 4096)
	putVec(t, b, 0, [][2]uint64{{64, 10}, {80, 20}})
	var r Resolver
	r.Init(b)
	segs, err := r.ResolveVec(0, 2)
	if err != nil {
		t.Fatalf("ResolveVec failed: %v", err)
	}
	if len(segs) != 2 || len(segs[0]) != 10 || len(segs[1]) != 20 {
		t.Errorf("got segments of lengths %d/%d, want 10/20", len(segs[0]), len(segs[1]))
	}
}

func TestResolveVecRejectsForgeries(t *testing.T) {
	for _, test := range []struct {
		name  string
		descs [][2]uint64
		count uint64
	}{
		{"segment escapes arena", [][2]uint64{{4000, 4096}}, 1},
		{"segments alias", [][2]uint64{{64, 32}, {80, 32}}, 2},
		{"segment aliases descriptor array", [][2]uint64{{0, 16}}, 1},
		{"count over bound", nil, abi.MaxIovecSegments + 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := newTestBlock(t, 4096)
			putVec(t, b, 0, test.descs)
			var r Resolver
			r.Init(b)
			count := test.count
			if count == 0 {
				count = uint64(len(test.descs))
			}
			if _, err := r.ResolveVec(0, count); !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("ResolveVec: got %v, want ErrOutOfBounds", err)
			}
		})
	}
}
