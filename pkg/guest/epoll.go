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
	"postern.dev/postern/pkg/frame"
)

// An EpollEvent is one ready event in the protocol's wire form.
type EpollEvent struct {
	Events uint32
	Data   uint64
}

const epollEventBytes = 16

// EpollCreate1 proxies epoll_create1(2).
func (h *Handler) EpollCreate1(flags uint32) (int32, error) {
	epfd, err := h.scalarCall(abi.OpEpollCreate1, args(uint64(flags)))
	return int32(epfd), err
}

// EpollCtl proxies epoll_ctl(2).
func (h *Handler) EpollCtl(epfd int32, op uint32, fd int32, ev *EpollEvent) error {
	s, err := h.acquire()
	if err != nil {
		return err
	}
	evArg := abi.NoOffset
	if ev != nil {
		raw := make([]byte, epollEventBytes)
		endian.PutUint32(raw, ev.Events)
		endian.PutUint64(raw[8:], ev.Data)
		off, err := s.Arena().AllocateBytes(raw)
		if err != nil {
			h.m.Cancel(s)
			return err
		}
		evArg = off
	}
	rep, err := h.exchange(s, frame.Request{
		Op:   abi.OpEpollCtl,
		Args: args(fdArg(epfd), uint64(op), fdArg(fd), evArg),
	})
	if err != nil {
		return err
	}
	_, err = h.done(s, rep, 0)
	return err
}

// EpollWait proxies epoll_wait(2), returning up to maxEvents ready
// events.
func (h *Handler) EpollWait(epfd int32, maxEvents, timeoutMS int32) ([]EpollEvent, error) {
	return h.epollWaitCall(abi.OpEpollWait, epfd, maxEvents, timeoutMS, nil)
}

// EpollPwait proxies epoll_pwait(2) with an optional signal mask.
func (h *Handler) EpollPwait(epfd int32, maxEvents, timeoutMS int32, sigmask *uint64) ([]EpollEvent, error) {
	return h.epollWaitCall(abi.OpEpollPwait, epfd, maxEvents, timeoutMS, sigmask)
}

func (h *Handler) epollWaitCall(op abi.Op, epfd int32, maxEvents, timeoutMS int32, sigmask *uint64) ([]EpollEvent, error) {
	s, err := h.acquire()
	if err != nil {
		return nil, err
	}
	if maxEvents < 0 {
		maxEvents = 0
	}
	eventsOff, err := s.Arena().Allocate(uint64(maxEvents)*epollEventBytes, abi.WordAlign)
	if err != nil {
		h.m.Cancel(s)
		return nil, err
	}
	maskArg := abi.NoOffset
	if sigmask != nil {
		raw := make([]byte, 8)
		endian.PutUint64(raw, *sigmask)
		off, err := s.Arena().AllocateBytes(raw)
		if err != nil {
			h.m.Cancel(s)
			return nil, err
		}
		maskArg = off
	}
	a := args(fdArg(epfd), eventsOff, uint64(uint32(maxEvents)), uint64(uint32(timeoutMS)))
	if op == abi.OpEpollPwait {
		a = args(fdArg(epfd), eventsOff, uint64(uint32(maxEvents)), uint64(uint32(timeoutMS)), maskArg)
	}
	rep, err := h.exchange(s, frame.Request{Op: op, Args: a})
	if err != nil {
		return nil, err
	}
	n, err := h.result(s, rep, uint64(uint32(maxEvents)))
	if err != nil {
		return nil, err
	}
	raw, err := s.Arena().Bytes(eventsOff, n*epollEventBytes)
	if err != nil {
		h.m.ForceIdle(s)
		return nil, err
	}
	events := make([]EpollEvent, n)
	for i := range events {
		entry := raw[i*epollEventBytes:]
		events[i].Events = endian.Uint32(entry)
		events[i].Data = endian.Uint64(entry[8:])
	}
	if err := h.m.Release(s); err != nil {
		return nil, err
	}
	return events, nil
}

// Eventfd2 proxies eventfd2(2).
func (h *Handler) Eventfd2(initval, flags uint32) (int32, error) {
	fd, err := h.scalarCall(abi.OpEventfd2, args(uint64(initval), uint64(flags)))
	return int32(fd), err
}
