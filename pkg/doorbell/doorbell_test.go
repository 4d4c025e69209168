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

import (
	"sync"
	"testing"
	"time"
)

func testBells(t *testing.T) map[string]func() Bell {
	t.Helper()
	var words [8]uint32
	i := 0
	return map[string]func() Bell{
		"ChanBell": func() Bell { return NewChanBell() },
		"FutexBell": func() Bell {
			b := NewFutexBell(&words[i])
			i++
			return b
		},
	}
}

func TestRingWakesWaiter(t *testing.T) {
	for name, newBell := range testBells(t) {
		t.Run(name, func(t *testing.T) {
			b := newBell()
			seq := b.Seq()
			var wg sync.WaitGroup
			wg.Add(1)
			errc := make(chan error, 1)
			go func() {
				defer wg.Done()
				errc <- b.Wait(seq)
			}()
			// Give the waiter time to block; a spurious early return is
			// tolerated by the protocol, but the wake must arrive.
			time.Sleep(10 * time.Millisecond)
			b.Ring()
			wg.Wait()
			if err := <-errc; err != nil {
				t.Errorf("Wait failed: %v", err)
			}
			if got := b.Seq(); got == seq {
				t.Errorf("sequence did not advance after Ring")
			}
		})
	}
}

func TestWaitObservesPriorRing(t *testing.T) {
	for name, newBell := range testBells(t) {
		t.Run(name, func(t *testing.T) {
			b := newBell()
			seq := b.Seq()
			b.Ring()
			// The sequence moved, so Wait must return without blocking.
			if err := b.Wait(seq); err != nil {
				t.Errorf("Wait failed: %v", err)
			}
		})
	}
}

func TestShutdownUnblocksWaiter(t *testing.T) {
	for name, newBell := range testBells(t) {
		t.Run(name, func(t *testing.T) {
			b := newBell()
			seq := b.Seq()
			errc := make(chan error, 1)
			go func() {
				errc <- b.Wait(seq)
			}()
			time.Sleep(10 * time.Millisecond)
			b.Shutdown()
			if err := <-errc; err == nil {
				t.Fatalf("Wait returned nil after Shutdown")
			} else if _, ok := err.(ShutdownError); !ok {
				t.Fatalf("Wait returned %v, want ShutdownError", err)
			}
			// Later waits fail immediately.
			if err := b.Wait(b.Seq()); err == nil {
				t.Errorf("Wait after Shutdown returned nil")
			}
		})
	}
}

func TestPairShutdown(t *testing.T) {
	p := NewChanPair()
	done := make(chan error, 2)
	go func() { done <- p.ToHost.Wait(p.ToHost.Seq()) }()
	go func() { done <- p.ToGuest.Wait(p.ToGuest.Seq()) }()
	time.Sleep(10 * time.Millisecond)
	p.Shutdown()
	for i := 0; i < 2; i++ {
		if err := <-done; err == nil {
			t.Errorf("waiter %d returned nil after pair shutdown", i)
		}
	}
}

func TestFutexPairSharesWords(t *testing.T) {
	var words [2]uint32
	a := NewFutexPair(&words[0], &words[1])
	b := NewFutexPair(&words[0], &words[1])
	a.ToHost.Ring()
	if got := b.ToHost.Seq(); got != 1 {
		t.Errorf("peer pair saw sequence %d, want 1", got)
	}
}
