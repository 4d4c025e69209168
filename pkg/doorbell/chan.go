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

package doorbell

import "sync"

// A ChanBell is an in-process Bell built on channels. It serves
// deployments where guest and host share a process: tests, the selfcheck
// command, and embedders that run the keep as goroutines.
type ChanBell struct {
	mu       sync.Mutex
	seq      uint32
	rung     chan struct{}
	shutdown chan struct{}
	down     bool
}

// Init must be called on zero-value ChanBells before first use.
func (b *ChanBell) Init() {
	b.rung = make(chan struct{})
	b.shutdown = make(chan struct{})
}

// NewChanBell is a convenience function that returns an initialized
// ChanBell allocated on the heap.
func NewChanBell() *ChanBell {
	var b ChanBell
	b.Init()
	return &b
}

// NewChanPair returns a Pair of fresh ChanBells.
func NewChanPair() Pair {
	return Pair{ToHost: NewChanBell(), ToGuest: NewChanBell()}
}

// Ring implements Bell.Ring.
func (b *ChanBell) Ring() {
	b.mu.Lock()
	b.seq++
	close(b.rung)
	b.rung = make(chan struct{})
	b.mu.Unlock()
}

// Wait implements Bell.Wait.
func (b *ChanBell) Wait(seq uint32) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ShutdownError{}
	}
	if b.seq != seq {
		b.mu.Unlock()
		return nil
	}
	rung := b.rung
	b.mu.Unlock()
	select {
	case <-rung:
		return nil
	case <-b.shutdown:
		return ShutdownError{}
	}
}

// Seq implements Bell.Seq.
func (b *ChanBell) Seq() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Shutdown implements Bell.Shutdown.
func (b *ChanBell) Shutdown() {
	b.mu.Lock()
	if !b.down {
		b.down = true
		close(b.shutdown)
	}
	b.mu.Unlock()
}
