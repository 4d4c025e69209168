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

package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/doorbell"
	"postern.dev/postern/pkg/driver"
	"postern.dev/postern/pkg/frame"
	"postern.dev/postern/pkg/mux"
)

// newTestBroker serves a 2-slot pool and returns the mux for driving
// rounds by hand from the guest side.
func newTestBroker(t *testing.T, opts Options) (*mux.Mux, *Broker) {
	t.Helper()
	blocks := make([]*block.Block, 2)
	for i := range blocks {
		b, err := block.New(4096)
		if err != nil {
			t.Fatalf("creating block %d: %v", i, err)
		}
		b.SetVersion(abi.Version)
		blocks[i] = b
	}
	m, err := mux.New(blocks, doorbell.NewChanPair())
	if err != nil {
		t.Fatalf("creating mux: %v", err)
	}
	b := New(m, driver.NewTable(driver.DefaultPolicy()), opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("broker: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return m, b
}

// roundTrip submits a raw request and returns the decoded reply.
func roundTrip(t *testing.T, m *mux.Mux, req frame.Request) (frame.Reply, error) {
	t.Helper()
	s, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	frame.EncodeRequest(s.Block(), req)
	if err := m.Submit(s); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := m.Collect(s); err != nil {
		return frame.Reply{}, err
	}
	rep, err := frame.DecodeReply(s.Block())
	if err != nil {
		t.Fatalf("DecodeReply failed: %v", err)
	}
	if err := m.Release(s); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	return rep, nil
}

func TestServeRound(t *testing.T) {
	m, b := newTestBroker(t, Options{})
	rep, err := roundTrip(t, m, frame.Request{Op: abi.OpSync})
	if err != nil {
		t.Fatalf("round failed: %v", err)
	}
	if rep.Result != 0 {
		t.Errorf("got result %d, want 0", rep.Result)
	}
	snap := b.Counters().Snapshot()
	if got := snap.Rounds["sync"]; got != 1 {
		t.Errorf("got %d sync rounds, want 1", got)
	}
}

func TestUnknownOpRepliesNotSupported(t *testing.T) {
	m, b := newTestBroker(t, Options{})
	rep, err := roundTrip(t, m, frame.Request{Op: abi.Op(9999)})
	if err != nil {
		t.Fatalf("round failed: %v", err)
	}
	if rep.Result != -int64(unix.ENOSYS) {
		t.Errorf("got result %d, want -ENOSYS", rep.Result)
	}
	if got := b.Counters().Snapshot().NotSupported; got != 1 {
		t.Errorf("got %d not-supported rounds, want 1", got)
	}
}

func TestErrnoReply(t *testing.T) {
	m, b := newTestBroker(t, Options{})
	// close on a descriptor over the policy ceiling.
	rep, err := roundTrip(t, m, frame.Request{Op: abi.OpClose, Args: [abi.NumArgs]uint64{100000}})
	if err != nil {
		t.Fatalf("round failed: %v", err)
	}
	if rep.Result != -int64(unix.EBADF) {
		t.Errorf("got result %d, want -EBADF", rep.Result)
	}
	snap := b.Counters().Snapshot()
	want := map[string]uint64{"close": 1}
	if diff := cmp.Diff(want, snap.Errnos); diff != "" {
		t.Errorf("errno counters mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryViolationAborts(t *testing.T) {
	m, b := newTestBroker(t, Options{})
	// A write claiming 5000 bytes of a 4032-byte arena.
	_, err := roundTrip(t, m, frame.Request{Op: abi.OpWrite, Args: [abi.NumArgs]uint64{1, 0, 5000}})
	if !errors.Is(err, mux.ErrRoundAborted) {
		t.Fatalf("got %v, want ErrRoundAborted", err)
	}
	if got := b.Counters().Snapshot().Aborts; got != 1 {
		t.Errorf("got %d aborts, want 1", got)
	}
	// The slot recovered; the pool still serves.
	if _, err := roundTrip(t, m, frame.Request{Op: abi.OpSync}); err != nil {
		t.Errorf("round after abort failed: %v", err)
	}
}

func TestBadVersionAborts(t *testing.T) {
	m, _ := newTestBroker(t, Options{})
	s, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	frame.EncodeRequest(s.Block(), frame.Request{Op: abi.OpSync})
	s.Block().SetVersion(abi.Version + 1)
	if err := m.Submit(s); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := m.Collect(s); !errors.Is(err, mux.ErrRoundAborted) {
		t.Errorf("got %v, want ErrRoundAborted", err)
	}
}

func TestAbortWritesDump(t *testing.T) {
	dir := t.TempDir()
	dumps, err := NewDumpWriter(dir)
	if err != nil {
		t.Fatalf("NewDumpWriter failed: %v", err)
	}
	m, _ := newTestBroker(t, Options{Dumps: dumps})

	req := frame.Request{Op: abi.OpWrite, Args: [abi.NumArgs]uint64{1, 0, 5000}}
	if _, err := roundTrip(t, m, req); !errors.Is(err, mux.ErrRoundAborted) {
		t.Fatalf("got %v, want ErrRoundAborted", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dump dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d dump files, want 1", len(entries))
	}
	d, arena, err := ReadDump(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadDump failed: %v", err)
	}
	if abi.Op(d.Op) != abi.OpWrite {
		t.Errorf("got dumped op %v, want write", abi.Op(d.Op))
	}
	if d.Args != req.Args {
		t.Errorf("got dumped args %v, want %v", d.Args, req.Args)
	}
	if d.Reason == "" {
		t.Errorf("dump has no reason")
	}
	if uint64(len(arena)) != d.ArenaSize || len(arena) != 4096-abi.HeaderBytes {
		t.Errorf("got %d arena bytes, want %d", len(arena), 4096-abi.HeaderBytes)
	}
}

func TestExitStopsServing(t *testing.T) {
	blocks := []*block.Block{}
	for i := 0; i < 2; i++ {
		blk, err := block.New(4096)
		if err != nil {
			t.Fatalf("creating block: %v", err)
		}
		blk.SetVersion(abi.Version)
		blocks = append(blocks, blk)
	}
	m, err := mux.New(blocks, doorbell.NewChanPair())
	if err != nil {
		t.Fatalf("creating mux: %v", err)
	}
	b := New(m, driver.NewTable(driver.DefaultPolicy()), Options{})

	served := make(chan error, 1)
	go func() {
		served <- b.Serve(context.Background())
	}()

	rep, err := roundTrip(t, m, frame.Request{Op: abi.OpExitGroup, Args: [abi.NumArgs]uint64{5}})
	if err != nil {
		t.Fatalf("exit round failed: %v", err)
	}
	if rep.Result != 0 {
		t.Errorf("got exit result %d, want 0", rep.Result)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v after guest exit, want nil", err)
	}
	code, done := b.ExitCode()
	if !done || code != 5 {
		t.Errorf("got exit (%d, %t), want (5, true)", code, done)
	}
}
