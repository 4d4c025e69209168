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
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/arena"
	"postern.dev/postern/pkg/frame"
)

// sockaddrCap is the capacity staged for sockaddr outputs, matching
// struct sockaddr_storage.
const sockaddrCap = 128

// A sockaddrOut is a staged (addr, addrlen) output pair. The addrlen word
// is in/out: primed with the buffer capacity, overwritten by the host with
// the kernel-reported length.
type sockaddrOut struct {
	addrOff  uint64
	lenOff   uint64
	capacity uint32
}

func stageSockaddrOut(a *arena.Arena, capacity uint32) (sockaddrOut, error) {
	lenOff, err := a.Allocate(4, 4)
	if err != nil {
		return sockaddrOut{}, err
	}
	lenBuf, err := a.Bytes(lenOff, 4)
	if err != nil {
		return sockaddrOut{}, err
	}
	endian.PutUint32(lenBuf, capacity)
	addrOff, err := a.Allocate(uint64(capacity), abi.WordAlign)
	if err != nil {
		return sockaddrOut{}, err
	}
	return sockaddrOut{addrOff: addrOff, lenOff: lenOff, capacity: capacity}, nil
}

// collect copies the host-written address out, clamping the host-reported
// length to the staged capacity. A reported length beyond capacity is the
// kernel's truncation signal, not extra data.
func (o sockaddrOut) collect(a *arena.Arena) ([]byte, error) {
	lenBuf, err := a.Bytes(o.lenOff, 4)
	if err != nil {
		return nil, err
	}
	n := endian.Uint32(lenBuf)
	if n > o.capacity {
		n = o.capacity
	}
	buf, err := a.Bytes(o.addrOff, uint64(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

// Socket proxies socket(2).
func (h *Handler) Socket(domain, typ, protocol uint32) (int32, error) {
	fd, err := h.scalarCall(abi.OpSocket, args(uint64(domain), uint64(typ), uint64(protocol)))
	return int32(fd), err
}

// Connect proxies connect(2). addr is the raw sockaddr bytes.
func (h *Handler) Connect(fd int32, addr []byte) error {
	return h.sockaddrInCall(abi.OpConnect, fd, addr)
}

// Bind proxies bind(2). addr is the raw sockaddr bytes.
func (h *Handler) Bind(fd int32, addr []byte) error {
	return h.sockaddrInCall(abi.OpBind, fd, addr)
}

func (h *Handler) sockaddrInCall(op abi.Op, fd int32, addr []byte) error {
	s, err := h.acquire()
	if err != nil {
		return err
	}
	off, err := s.Arena().AllocateBytes(addr)
	if err != nil {
		h.m.Cancel(s)
		return err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   op,
		Args: args(fdArg(fd), off, uint64(len(addr))),
	})
	if err != nil {
		return err
	}
	_, err = h.done(s, rep, 0)
	return err
}

// Listen proxies listen(2).
func (h *Handler) Listen(fd int32, backlog int32) error {
	_, err := h.scalarCall(abi.OpListen, args(fdArg(fd), uint64(uint32(backlog))))
	return err
}

// Accept proxies accept(2), returning the new descriptor and the peer's
// raw sockaddr bytes.
func (h *Handler) Accept(fd int32) (int32, []byte, error) {
	return h.acceptCall(abi.OpAccept, fd, 0)
}

// Accept4 proxies accept4(2).
func (h *Handler) Accept4(fd int32, flags uint32) (int32, []byte, error) {
	return h.acceptCall(abi.OpAccept4, fd, flags)
}

func (h *Handler) acceptCall(op abi.Op, fd int32, flags uint32) (int32, []byte, error) {
	s, err := h.acquire()
	if err != nil {
		return 0, nil, err
	}
	out, err := stageSockaddrOut(s.Arena(), sockaddrCap)
	if err != nil {
		h.m.Cancel(s)
		return 0, nil, err
	}
	a := args(fdArg(fd), out.addrOff, out.lenOff, uint64(flags))
	if op == abi.OpAccept {
		a = args(fdArg(fd), out.addrOff, out.lenOff)
	}
	rep, err := h.exchange(s, frame.Request{Op: op, Args: a})
	if err != nil {
		return 0, nil, err
	}
	nfd, err := h.result(s, rep, scalarMax)
	if err != nil {
		return 0, nil, err
	}
	addr, err := out.collect(s.Arena())
	if err != nil {
		h.m.ForceIdle(s)
		return 0, nil, err
	}
	if err := h.m.Release(s); err != nil {
		return 0, nil, err
	}
	return int32(nfd), addr, nil
}

// Getsockname proxies getsockname(2), returning the socket's raw sockaddr
// bytes.
func (h *Handler) Getsockname(fd int32) ([]byte, error) {
	s, err := h.acquire()
	if err != nil {
		return nil, err
	}
	out, err := stageSockaddrOut(s.Arena(), sockaddrCap)
	if err != nil {
		h.m.Cancel(s)
		return nil, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpGetsockname,
		Args: args(fdArg(fd), out.addrOff, out.lenOff),
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.result(s, rep, 0); err != nil {
		return nil, err
	}
	addr, err := out.collect(s.Arena())
	if err != nil {
		h.m.ForceIdle(s)
		return nil, err
	}
	if err := h.m.Release(s); err != nil {
		return nil, err
	}
	return addr, nil
}

// Setsockopt proxies setsockopt(2) with a raw option value.
func (h *Handler) Setsockopt(fd int32, level, opt uint32, optval []byte) error {
	s, err := h.acquire()
	if err != nil {
		return err
	}
	off, err := s.Arena().AllocateBytes(optval)
	if err != nil {
		h.m.Cancel(s)
		return err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpSetsockopt,
		Args: args(fdArg(fd), uint64(level), uint64(opt), off, uint64(len(optval))),
	})
	if err != nil {
		return err
	}
	_, err = h.done(s, rep, 0)
	return err
}

// Recvfrom proxies recvfrom(2) into p, returning the byte count and the
// sender's raw sockaddr bytes.
func (h *Handler) Recvfrom(fd int32, p []byte, flags uint32) (int, []byte, error) {
	s, err := h.acquire()
	if err != nil {
		return 0, nil, err
	}
	bufLen := uint64(len(p))
	if bufLen > abi.MaxUDPPacketSize {
		bufLen = abi.MaxUDPPacketSize
	}
	bufOff, err := s.Arena().Allocate(bufLen, abi.WordAlign)
	if err != nil {
		h.m.Cancel(s)
		return 0, nil, err
	}
	out, err := stageSockaddrOut(s.Arena(), sockaddrCap)
	if err != nil {
		h.m.Cancel(s)
		return 0, nil, err
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpRecvfrom,
		Args: args(fdArg(fd), bufOff, bufLen, uint64(flags), out.addrOff, out.lenOff),
	})
	if err != nil {
		return 0, nil, err
	}
	n, err := h.result(s, rep, bufLen)
	if err != nil {
		return 0, nil, err
	}
	data, err := s.Arena().Bytes(bufOff, n)
	if err != nil {
		h.m.ForceIdle(s)
		return 0, nil, err
	}
	copy(p, data)
	src, err := out.collect(s.Arena())
	if err != nil {
		h.m.ForceIdle(s)
		return 0, nil, err
	}
	if err := h.m.Release(s); err != nil {
		return 0, nil, err
	}
	return int(n), src, nil
}
