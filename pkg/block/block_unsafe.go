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
	"sync/atomic"
	"unsafe"

	"postern.dev/postern/pkg/abi"
)

// StatePointer returns the handoff state word at offset 0 of the header.
// It is exported for use as a futex word by the transport; all other
// callers use the typed accessors below.
func (b *Block) StatePointer() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[0]))
}

// State returns the current handoff state.
func (b *Block) State() abi.State {
	return abi.State(atomic.LoadUint32(b.StatePointer()))
}

// CompareAndSwapState transitions the handoff state from old to new,
// returning true on success. This is the only legitimate way to advance the
// state machine; the atomic swap doubles as the release barrier separating
// "finished writing" from "signaled ready".
func (b *Block) CompareAndSwapState(old, new abi.State) bool {
	return atomic.CompareAndSwapUint32(b.StatePointer(), uint32(old), uint32(new))
}

// StoreState unconditionally stores a handoff state. It is reserved for
// forcible slot resets after an aborted round.
func (b *Block) StoreState(s abi.State) {
	atomic.StoreUint32(b.StatePointer(), uint32(s))
}
