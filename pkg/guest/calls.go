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

package guest

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/frame"
)

var endian = binary.LittleEndian

// Read proxies read(2) into p.
func (h *Handler) Read(fd int32, p []byte) (int, error) {
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	off, err := s.Arena().Allocate(uint64(len(p)), abi.WordAlign)
	if err != nil {
		h.m.Cancel(s)
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpRead,
		Args: args(fdArg(fd), off, uint64(len(p))),
	})
	if err != nil {
		return 0, err
	}
	n, err := h.result(s, rep, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	out, err := s.Arena().Bytes(off, n)
	if err != nil {
		h.m.ForceIdle(s)
		return 0, err
	}
	copy(p, out)
	if err := h.m.Release(s); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Write proxies write(2) of p.
func (h *Handler) Write(fd int32, p []byte) (int, error) {
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	off, err := s.Arena().AllocateBytes(p)
	if err != nil {
		h.m.Cancel(s)
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpWrite,
		Args: args(fdArg(fd), off, uint64(len(p))),
	})
	if err != nil {
		return 0, err
	}
	n, err := h.done(s, rep, uint64(len(p)))
	return int(n), err
}

// stageVec allocates a segment buffer per element of segs, copying the
// contents in when copyIn is set, and stages the (offset, length)
// descriptor array referencing them. It returns the descriptor array
// offset and the per-segment offsets.
func stageVec(s segmentStager, segs [][]byte, copyIn bool) (uint64, []uint64, error) {
	offs := make([]uint64, len(segs))
	for i, seg := range segs {
		var (
			off uint64
			err error
		)
		if copyIn {
			off, err = s.AllocateBytes(seg)
		} else {
			off, err = s.Allocate(uint64(len(seg)), abi.WordAlign)
		}
		if err != nil {
			return 0, nil, err
		}
		offs[i] = off
	}
	desc := make([]byte, 16*len(segs))
	for i, seg := range segs {
		endian.PutUint64(desc[16*i:], offs[i])
		endian.PutUint64(desc[16*i+8:], uint64(len(seg)))
	}
	descOff, err := s.AllocateBytes(desc)
	if err != nil {
		return 0, nil, err
	}
	return descOff, offs, nil
}

// segmentStager is the slice of the arena API stageVec needs.
type segmentStager interface {
	Allocate(size, align uint64) (uint64, error)
	AllocateBytes(p []byte) (uint64, error)
}

func vecTotal(segs [][]byte) uint64 {
	var total uint64
	for _, seg := range segs {
		total += uint64(len(seg))
	}
	return total
}

// Readv proxies readv(2) into the given segments.
func (h *Handler) Readv(fd int32, segs [][]byte) (int, error) {
	if len(segs) > abi.MaxIovecSegments {
		return 0, unix.EINVAL
	}
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	descOff, offs, err := stageVec(s.Arena(), segs, false)
	if err != nil {
		h.m.Cancel(s)
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpReadv,
		Args: args(fdArg(fd), descOff, uint64(len(segs))),
	})
	if err != nil {
		return 0, err
	}
	n, err := h.result(s, rep, vecTotal(segs))
	if err != nil {
		return 0, err
	}
	remaining := n
	for i, seg := range segs {
		if remaining == 0 {
			break
		}
		take := uint64(len(seg))
		if take > remaining {
			take = remaining
		}
		out, err := s.Arena().Bytes(offs[i], take)
		if err != nil {
			h.m.ForceIdle(s)
			return 0, err
		}
		copy(seg, out)
		remaining -= take
	}
	if err := h.m.Release(s); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Writev proxies writev(2) of the given segments.
func (h *Handler) Writev(fd int32, segs [][]byte) (int, error) {
	if len(segs) > abi.MaxIovecSegments {
		return 0, unix.EINVAL
	}
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	descOff, _, err := stageVec(s.Arena(), segs, true)
	if err != nil {
		h.m.Cancel(s)
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpWritev,
		Args: args(fdArg(fd), descOff, uint64(len(segs))),
	})
	if err != nil {
		return 0, err
	}
	n, err := h.done(s, rep, vecTotal(segs))
	return int(n), err
}

// Close proxies close(2).
func (h *Handler) Close(fd int32) error {
	_, err := h.scalarCall(abi.OpClose, args(fdArg(fd)))
	return err
}

// Dup proxies dup(2).
func (h *Handler) Dup(fd int32) (int32, error) {
	nfd, err := h.scalarCall(abi.OpDup, args(fdArg(fd)))
	return int32(nfd), err
}

// Dup2 proxies dup2(2).
func (h *Handler) Dup2(oldfd, newfd int32) (int32, error) {
	nfd, err := h.scalarCall(abi.OpDup2, args(fdArg(oldfd), fdArg(newfd)))
	return int32(nfd), err
}

// Dup3 proxies dup3(2).
func (h *Handler) Dup3(oldfd, newfd int32, flags uint32) (int32, error) {
	nfd, err := h.scalarCall(abi.OpDup3, args(fdArg(oldfd), fdArg(newfd), uint64(flags)))
	return int32(nfd), err
}

// Fcntl proxies the scalar forms of fcntl(2).
func (h *Handler) Fcntl(fd int32, cmd uint32, arg int32) (int32, error) {
	v, err := h.scalarCall(abi.OpFcntl, args(fdArg(fd), uint64(cmd), uint64(uint32(arg))))
	return int32(v), err
}

// Sync proxies sync(2).
func (h *Handler) Sync() error {
	_, err := h.scalarCall(abi.OpSync, args())
	return err
}

// ClockGettime proxies clock_gettime(2).
func (h *Handler) ClockGettime(clockID uint32) (sec, nsec int64, err error) {
	s, err := h.acquire()
	if err != nil {
		return 0, 0, err
	}
	off, err := s.Arena().Allocate(16, abi.WordAlign)
	if err != nil {
		h.m.Cancel(s)
		return 0, 0, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpClockGettime,
		Args: args(uint64(clockID), off),
	})
	if err != nil {
		return 0, 0, err
	}
	if _, err := h.result(s, rep, 0); err != nil {
		return 0, 0, err
	}
	out, err := s.Arena().Bytes(off, 16)
	if err != nil {
		h.m.ForceIdle(s)
		return 0, 0, err
	}
	sec = int64(endian.Uint64(out))
	nsec = int64(endian.Uint64(out[8:]))
	if err := h.m.Release(s); err != nil {
		return 0, 0, err
	}
	return sec, nsec, nil
}

// Exit proxies exit(2). On success the broker has acknowledged
// termination; the keep should stop issuing calls.
func (h *Handler) Exit(status int32) error {
	_, err := h.scalarCall(abi.OpExit, args(uint64(uint32(status))))
	return err
}

// ExitGroup proxies exit_group(2).
func (h *Handler) ExitGroup(status int32) error {
	_, err := h.scalarCall(abi.OpExitGroup, args(uint64(uint32(status))))
	return err
}

// scalarCall runs a round whose arguments and result are all inline
// scalars.
func (h *Handler) scalarCall(op abi.Op, a [abi.NumArgs]uint64) (uint64, error) {
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{Op: op, Args: a})
	if err != nil {
		return 0, err
	}
	return h.done(s, rep, scalarMax)
}
