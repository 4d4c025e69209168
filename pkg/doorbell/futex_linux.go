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

//go:build linux

package doorbell

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A FutexBell is a Bell whose sequence word lives in shared memory,
// allowing the two sides of the boundary to run in separate processes
// mapping the same pages. The word is typically placed in the block file's
// control page.
//
// FUTEX_PRIVATE_FLAG is deliberately not used: the word is shared across
// processes.
type FutexBell struct {
	word *uint32

	// shutdown is local to this side; shutting down one process's waiters
	// must not perturb the peer's protocol state. Accessed atomically.
	shutdown uint32
}

// Init must be called on zero-value FutexBells before first use. word must
// point into memory mapped shared by both sides and must be zero before
// the first round.
func (b *FutexBell) Init(word *uint32) {
	b.word = word
}

// NewFutexBell is a convenience function that returns an initialized
// FutexBell allocated on the heap.
func NewFutexBell(word *uint32) *FutexBell {
	var b FutexBell
	b.Init(word)
	return &b
}

// Ring implements Bell.Ring.
func (b *FutexBell) Ring() {
	atomic.AddUint32(b.word, 1)
	// Wake everyone; waiters re-check their condition, and a bounded wake
	// could be swallowed by a broken or malicious peer FUTEX_WAITing from
	// multiple threads.
	futexWake(b.word, math.MaxInt32)
}

// Wait implements Bell.Wait.
func (b *FutexBell) Wait(seq uint32) error {
	if atomic.LoadUint32(&b.shutdown) != 0 {
		return ShutdownError{}
	}
	if err := futexWait(b.word, seq); err != nil {
		return err
	}
	if atomic.LoadUint32(&b.shutdown) != 0 {
		return ShutdownError{}
	}
	return nil
}

// Seq implements Bell.Seq.
func (b *FutexBell) Seq() uint32 {
	return atomic.LoadUint32(b.word)
}

// Shutdown implements Bell.Shutdown.
func (b *FutexBell) Shutdown() {
	if atomic.SwapUint32(&b.shutdown, 1) != 0 {
		return
	}
	// Bump the sequence so blocked waiters return and observe shutdown.
	// The peer tolerates the spurious ring: it re-checks block state.
	atomic.AddUint32(b.word, 1)
	futexWake(b.word, math.MaxInt32)
}

// Futex operation numbers from uapi/linux/futex.h. x/sys/unix exports the
// futex syscall number but not the operation codes.
const (
	linuxFutexWait = 0
	linuxFutexWake = 1
)

// futexWait blocks while *addr == val. Spurious returns are expected:
// EAGAIN means the value already changed, EINTR means a signal arrived,
// and the caller re-checks its condition in all cases.
func futexWait(addr *uint32, val uint32) error {
	// Re-check the value before entering the syscall; the peer may have
	// rung between the caller's snapshot and now.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), linuxFutexWait, uintptr(val), 0, 0, 0)
	switch e {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("futex wait failed: %w", e)
	}
}

func futexWake(addr *uint32, n int) error {
	if _, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), linuxFutexWake, uintptr(n), 0, 0, 0); e != 0 {
		return fmt.Errorf("futex wake failed: %w", e)
	}
	return nil
}

// NewFutexPair returns a Pair of FutexBells over two adjacent words, as
// laid out in a block file's control page: word 0 rings the host, word 1
// rings the guest.
func NewFutexPair(toHost, toGuest *uint32) Pair {
	return Pair{ToHost: NewFutexBell(toHost), ToGuest: NewFutexBell(toGuest)}
}
