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

package mux

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/doorbell"
	"postern.dev/postern/pkg/frame"
)

func newTestMux(t *testing.T, n int) *Mux {
	t.Helper()
	blocks := make([]*block.Block, n)
	for i := range blocks {
		b, err := block.New(4096)
		if err != nil {
			t.Fatalf("creating block %d: %v", i, err)
		}
		b.SetVersion(abi.Version)
		blocks[i] = b
	}
	m, err := New(blocks, doorbell.NewChanPair())
	if err != nil {
		t.Fatalf("creating mux: %v", err)
	}
	return m
}

func TestRoundCycle(t *testing.T) {
	m := newTestMux(t, 1)
	defer m.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := m.TakeReady()
		if err != nil {
			t.Errorf("TakeReady failed: %v", err)
			return
		}
		req, err := frame.DecodeRequest(s.Block())
		if err != nil {
			t.Errorf("DecodeRequest failed: %v", err)
			return
		}
		frame.EncodeReply(s.Block(), frame.Reply{Result: int64(req.Args[0]) * 2})
		if err := m.Complete(s); err != nil {
			t.Errorf("Complete failed: %v", err)
		}
	}()

	s, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := s.State(); got != abi.StateReserved {
		t.Fatalf("got state %v after Acquire, want Reserved", got)
	}
	frame.EncodeRequest(s.Block(), frame.Request{Op: abi.OpSync, Args: [abi.NumArgs]uint64{21}})
	if err := m.Submit(s); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := m.Collect(s); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	rep, err := frame.DecodeReply(s.Block())
	if err != nil {
		t.Fatalf("DecodeReply failed: %v", err)
	}
	if rep.Result != 42 {
		t.Errorf("got result %d, want 42", rep.Result)
	}
	if err := m.Release(s); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := s.State(); got != abi.StateIdle {
		t.Errorf("got state %v after Release, want Idle", got)
	}
	wg.Wait()
}

func TestAcquireExhaustion(t *testing.T) {
	m := newTestMux(t, 2)
	s1, err := m.Acquire()
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("third Acquire: got %v, want ErrNoFreeSlot", err)
	}
	if err := m.Cancel(s1); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := m.Acquire(); err != nil {
		t.Errorf("Acquire after Cancel failed: %v", err)
	}
}

func TestCollectAborted(t *testing.T) {
	m := newTestMux(t, 1)
	defer m.Shutdown()

	s, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	frame.EncodeRequest(s.Block(), frame.Request{Op: abi.OpWrite})
	if err := m.Submit(s); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	host, err := m.TakeReady()
	if err != nil {
		t.Fatalf("TakeReady failed: %v", err)
	}
	if err := m.Abort(host); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := m.Collect(s); !errors.Is(err, ErrRoundAborted) {
		t.Fatalf("Collect: got %v, want ErrRoundAborted", err)
	}
	// Collect already reset the slot.
	if got := s.State(); got != abi.StateIdle {
		t.Errorf("got state %v after aborted round, want Idle", got)
	}
	if _, err := m.Acquire(); err != nil {
		t.Errorf("Acquire after aborted round failed: %v", err)
	}
}

func TestWrongStateTransitions(t *testing.T) {
	m := newTestMux(t, 1)
	s := m.Slot(0)
	if err := m.Submit(s); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Submit on Idle slot: got %v, want ErrProtocolViolation", err)
	}
	if err := m.Release(s); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Release on Idle slot: got %v, want ErrProtocolViolation", err)
	}
	if err := m.Complete(s); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Complete on Idle slot: got %v, want ErrProtocolViolation", err)
	}
	if err := m.Abort(s); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Abort on Idle slot: got %v, want ErrProtocolViolation", err)
	}
}

func TestCollectWrongState(t *testing.T) {
	m := newTestMux(t, 1)
	// Collect on an Idle slot means the caller lost track of the round.
	if err := m.Collect(m.Slot(0)); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Collect on Idle slot: got %v, want ErrProtocolViolation", err)
	}
}

func TestTakeReadyYieldsEachRequestOnce(t *testing.T) {
	const slots = 8
	const workers = 3
	m := newTestMux(t, slots)

	var served atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := m.TakeReady()
				if err != nil {
					return
				}
				served.Add(1)
				frame.EncodeReply(s.Block(), frame.Reply{})
				if err := m.Complete(s); err != nil {
					t.Errorf("Complete failed: %v", err)
					return
				}
			}
		}()
	}

	acquired := make([]*Slot, slots)
	for i := range acquired {
		s, err := m.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		frame.EncodeRequest(s.Block(), frame.Request{Op: abi.OpSync})
		if err := m.Submit(s); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		acquired[i] = s
	}
	for i, s := range acquired {
		if err := m.Collect(s); err != nil {
			t.Fatalf("Collect %d failed: %v", i, err)
		}
		if err := m.Release(s); err != nil {
			t.Fatalf("Release %d failed: %v", i, err)
		}
	}

	m.Shutdown()
	wg.Wait()
	if got := served.Load(); got != slots {
		t.Errorf("served %d rounds, want %d", got, slots)
	}
}

func TestShutdownUnblocksTakeReady(t *testing.T) {
	m := newTestMux(t, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := m.TakeReady()
		errc <- err
	}()
	m.Shutdown()
	err := <-errc
	var shutdown doorbell.ShutdownError
	if !errors.As(err, &shutdown) {
		t.Errorf("TakeReady: got %v, want ShutdownError", err)
	}
}

// TestReleaseHandoffChurn drives a contended single slot through many
// rounds from competing guests. Releasing must finish resetting the arena
// before the slot becomes acquirable, or the new owner's staging races
// with the old owner's reset.
func TestReleaseHandoffChurn(t *testing.T) {
	const guests = 4
	const rounds = 200
	m := newTestMux(t, 1)

	var host sync.WaitGroup
	host.Add(1)
	go func() {
		defer host.Done()
		for {
			s, err := m.TakeReady()
			if err != nil {
				return
			}
			frame.EncodeReply(s.Block(), frame.Reply{})
			if err := m.Complete(s); err != nil {
				t.Errorf("Complete failed: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < guests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				s, err := m.Acquire()
				if errors.Is(err, ErrNoFreeSlot) {
					r--
					continue
				}
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				off, err := s.Arena().Allocate(64, abi.WordAlign)
				if err != nil {
					t.Errorf("Allocate failed: %v", err)
					return
				}
				if off != 0 {
					t.Errorf("got offset %d on a fresh slot, want 0", off)
					return
				}
				frame.EncodeRequest(s.Block(), frame.Request{Op: abi.OpSync, Args: [abi.NumArgs]uint64{off, 64}})
				if err := m.Submit(s); err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
				if err := m.Collect(s); err != nil {
					t.Errorf("Collect failed: %v", err)
					return
				}
				if err := m.Release(s); err != nil {
					t.Errorf("Release failed: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	m.Shutdown()
	host.Wait()
}
