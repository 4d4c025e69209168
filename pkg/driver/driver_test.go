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

package driver

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
)

// testRound builds a Round over a fresh block. Callers stage arena data
// through the returned block before dispatching.
func testRound(t *testing.T, args ...uint64) (*Round, *block.Block) {
	t.Helper()
	b, err := block.New(4096)
	if err != nil {
		t.Fatalf("creating block: %v", err)
	}
	return roundOver(t, b, args...), b
}

func roundOver(t *testing.T, b *block.Block, args ...uint64) *Round {
	t.Helper()
	if len(args) > abi.NumArgs {
		t.Fatalf("too many args: %d", len(args))
	}
	var res block.Resolver
	res.Init(b)
	policy := DefaultPolicy()
	r := &Round{Res: &res, Policy: &policy}
	copy(r.Args[:], args)
	return r
}

func dispatch(t *testing.T, op abi.Op, r *Round) (uintptr, *Control, error) {
	t.Helper()
	tbl := NewTable(DefaultPolicy())
	fn, ok := tbl.Lookup(op)
	if !ok {
		t.Fatalf("no driver for %v", op)
	}
	return fn(r)
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestWrite(t *testing.T) {
	rfd, wfd := testPipe(t)
	msg := []byte("hello, world!")
	round, b := testRound(t, uint64(wfd), 0, uint64(len(msg)))
	s, err := b.ArenaSlice(0, uint64(len(msg)))
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	copy(s, msg)

	ret, ctrl, err := dispatch(t, abi.OpWrite, round)
	if err != nil {
		t.Fatalf("write driver failed: %v", err)
	}
	if ctrl != nil {
		t.Errorf("write driver returned control %+v", ctrl)
	}
	if ret != uintptr(len(msg)) {
		t.Errorf("got %d bytes written, want %d", ret, len(msg))
	}
	got := make([]byte, len(msg))
	if _, err := unix.Read(rfd, got); err != nil {
		t.Fatalf("reading pipe: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q through the pipe, want %q", got, msg)
	}
}

func TestWriteForgedLength(t *testing.T) {
	// A request claiming 5000 bytes in a 4032-byte arena must die before
	// any host side effect.
	rfd, wfd := testPipe(t)
	round, _ := testRound(t, uint64(wfd), 0, 5000)
	_, _, err := dispatch(t, abi.OpWrite, round)
	if err == nil {
		t.Fatalf("write driver accepted a forged length")
	}
	if !IsFatal(err) {
		t.Errorf("forged length produced a recoverable error: %v", err)
	}
	// Nothing may have reached the pipe.
	unix.SetNonblock(rfd, true)
	var buf [1]byte
	if n, err := unix.Read(rfd, buf[:]); err != unix.EAGAIN {
		t.Errorf("pipe not empty after aborted write: n=%d err=%v", n, err)
	}
}

func TestRead(t *testing.T) {
	rfd, wfd := testPipe(t)
	msg := []byte("proxied read data")
	if _, err := unix.Write(wfd, msg); err != nil {
		t.Fatalf("priming pipe: %v", err)
	}
	round, b := testRound(t, uint64(rfd), 16, uint64(len(msg)))
	ret, _, err := dispatch(t, abi.OpRead, round)
	if err != nil {
		t.Fatalf("read driver failed: %v", err)
	}
	if ret != uintptr(len(msg)) {
		t.Errorf("got %d bytes read, want %d", ret, len(msg))
	}
	got, err := b.ArenaSlice(16, uint64(len(msg)))
	if err != nil {
		t.Fatalf("reading staged output: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q in the arena, want %q", got, msg)
	}
}

func TestWritevForgedVec(t *testing.T) {
	// Two descriptors aliasing the same arena range must be fatal: an
	// aliased buffer could be revalidated as one thing and used as
	// another.
	_, wfd := testPipe(t)
	round, b := testRound(t, uint64(wfd), 0, 2)
	desc, err := b.ArenaSlice(0, 32)
	if err != nil {
		t.Fatalf("staging descriptors: %v", err)
	}
	binary.LittleEndian.PutUint64(desc[0:], 64)
	binary.LittleEndian.PutUint64(desc[8:], 32)
	binary.LittleEndian.PutUint64(desc[16:], 80)
	binary.LittleEndian.PutUint64(desc[24:], 32)
	_, _, err = dispatch(t, abi.OpWritev, round)
	if err == nil || !IsFatal(err) {
		t.Errorf("aliased vector: got %v, want a fatal error", err)
	}
}

func TestPolicyFDCeiling(t *testing.T) {
	round, _ := testRound(t, uint64(100000))
	_, _, err := dispatch(t, abi.OpClose, round)
	if IsFatal(err) {
		t.Fatalf("fd over ceiling produced a fatal error: %v", err)
	}
	if Errno(err) != unix.EBADF {
		t.Errorf("got %v, want EBADF", err)
	}
}

func TestPolicySocketDomain(t *testing.T) {
	round, _ := testRound(t, unix.AF_PACKET, unix.SOCK_RAW, 0)
	_, _, err := dispatch(t, abi.OpSocket, round)
	if IsFatal(err) {
		t.Fatalf("rejected domain produced a fatal error: %v", err)
	}
	if Errno(err) != unix.EAFNOSUPPORT {
		t.Errorf("got %v, want EAFNOSUPPORT", err)
	}
}

func TestClockGettime(t *testing.T) {
	round, b := testRound(t, unix.CLOCK_REALTIME, 0, 16)
	before := time.Now().Unix()
	if _, _, err := dispatch(t, abi.OpClockGettime, round); err != nil {
		t.Fatalf("clock_gettime driver failed: %v", err)
	}
	out, err := b.ArenaSlice(0, 16)
	if err != nil {
		t.Fatalf("reading staged output: %v", err)
	}
	sec := int64(binary.LittleEndian.Uint64(out[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(out[8:16]))
	if sec < before || nsec < 0 || nsec >= int64(time.Second) {
		t.Errorf("implausible timespec %d.%09d", sec, nsec)
	}
}

func TestClockPolicy(t *testing.T) {
	round, _ := testRound(t, unix.CLOCK_PROCESS_CPUTIME_ID, 0, 16)
	_, _, err := dispatch(t, abi.OpClockGettime, round)
	if IsFatal(err) || Errno(err) != unix.EINVAL {
		t.Errorf("disallowed clock: got %v, want EINVAL", err)
	}
}

func TestExitGroupControl(t *testing.T) {
	round, _ := testRound(t, uint64(uint32(7)))
	ret, ctrl, err := dispatch(t, abi.OpExitGroup, round)
	if err != nil {
		t.Fatalf("exit_group driver failed: %v", err)
	}
	if ret != 0 {
		t.Errorf("got result %d, want 0", ret)
	}
	if ctrl == nil || !ctrl.Terminate || ctrl.ExitCode != 7 {
		t.Errorf("got control %+v, want Terminate with code 7", ctrl)
	}
}

func TestDupRoundTrip(t *testing.T) {
	rfd, _ := testPipe(t)
	round, _ := testRound(t, uint64(rfd))
	ret, _, err := dispatch(t, abi.OpDup, round)
	if err != nil {
		t.Fatalf("dup driver failed: %v", err)
	}
	defer unix.Close(int(ret))
	if int(ret) == rfd {
		t.Errorf("dup returned the original descriptor")
	}
}

func TestEventfdEpoll(t *testing.T) {
	round, _ := testRound(t, 0, 0)
	efd, _, err := dispatch(t, abi.OpEventfd2, round)
	if err != nil {
		t.Fatalf("eventfd2 driver failed: %v", err)
	}
	defer unix.Close(int(efd))

	round, _ = testRound(t, 0)
	epfd, _, err := dispatch(t, abi.OpEpollCreate1, round)
	if err != nil {
		t.Fatalf("epoll_create1 driver failed: %v", err)
	}
	defer unix.Close(int(epfd))

	// Register the eventfd: 16-byte wire event at arena offset 0.
	round, b := testRound(t, uint64(epfd), unix.EPOLL_CTL_ADD, uint64(efd), 0)
	ev, err := b.ArenaSlice(0, 16)
	if err != nil {
		t.Fatalf("staging event: %v", err)
	}
	binary.LittleEndian.PutUint32(ev[0:4], unix.EPOLLIN)
	binary.LittleEndian.PutUint64(ev[8:16], 0xfeed)
	if _, _, err := dispatch(t, abi.OpEpollCtl, round); err != nil {
		t.Fatalf("epoll_ctl driver failed: %v", err)
	}

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(int(efd), one[:]); err != nil {
		t.Fatalf("signaling eventfd: %v", err)
	}

	// Wait: output buffer for 4 events at offset 0.
	round, b = testRound(t, uint64(epfd), 0, 4, 1000)
	n, _, err := dispatch(t, abi.OpEpollWait, round)
	if err != nil {
		t.Fatalf("epoll_wait driver failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d events, want 1", n)
	}
	out, err := b.ArenaSlice(0, 16)
	if err != nil {
		t.Fatalf("reading staged events: %v", err)
	}
	if events := binary.LittleEndian.Uint32(out[0:4]); events&unix.EPOLLIN == 0 {
		t.Errorf("got events %#x, want EPOLLIN set", events)
	}
	if data := binary.LittleEndian.Uint64(out[8:16]); data != 0xfeed {
		t.Errorf("got event data %#x, want 0xfeed", data)
	}
}
