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
	"golang.org/x/sys/unix"
)

// Epoll events cross the boundary in a fixed 16-byte wire form, not the
// kernel's architecture-dependent struct epoll_event:
//
//	0x00  u32  events
//	0x04  u32  reserved (zero)
//	0x08  u64  data
const epollEventBytes = 16

// maxEpollEvents bounds the host-side event staging buffer. Requests for
// more are clamped, never rejected; epoll_wait already returns early with
// whatever is ready.
const maxEpollEvents = 64

// epollCreate1 implements epoll_create1(2). Arguments: flags.
func epollCreate1(r *Round) (uintptr, *Control, error) {
	flags := r.Arg(0).Uint()
	if flags&^uint32(unix.EPOLL_CLOEXEC) != 0 {
		return 0, nil, unix.EINVAL
	}
	epfd, err := unix.EpollCreate1(int(flags))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(epfd), nil, nil
}

// epollCtl implements epoll_ctl(2). Arguments: epfd, op, fd, event offset
// (or NoOffset for EPOLL_CTL_DEL).
func epollCtl(r *Round) (uintptr, *Control, error) {
	epfd, fd := r.Arg(0).FD(), r.Arg(2).FD()
	op := r.Arg(1).Uint()
	if err := r.Policy.CheckFD(epfd); err != nil {
		return 0, nil, err
	}
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	switch op {
	case unix.EPOLL_CTL_ADD, unix.EPOLL_CTL_MOD, unix.EPOLL_CTL_DEL:
	default:
		return 0, nil, unix.EINVAL
	}
	var ev *unix.EpollEvent
	if !r.Arg(3).IsNoOffset() {
		raw, err := r.Res.ResolveNonEmpty(r.Arg(3).Offset(), epollEventBytes)
		if err != nil {
			return 0, nil, err
		}
		data := endian.Uint64(raw[8:])
		ev = &unix.EpollEvent{
			Events: endian.Uint32(raw),
			Fd:     int32(data),
			Pad:    int32(data >> 32),
		}
	} else if op != unix.EPOLL_CTL_DEL {
		return 0, nil, unix.EFAULT
	}
	if err := unix.EpollCtl(int(epfd), int(op), int(fd), ev); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// epollWait implements epoll_wait(2). Arguments: epfd, events offset,
// maxevents, timeout (milliseconds, -1 for none).
func epollWait(r *Round) (uintptr, *Control, error) {
	return epollWaitCommon(r, nil)
}

// epollPwait implements epoll_pwait(2). Arguments as epoll_wait plus a
// sigmask offset (or NoOffset, making it equivalent to epoll_wait).
func epollPwait(r *Round) (uintptr, *Control, error) {
	var sigmask *uint64
	if !r.Arg(4).IsNoOffset() {
		raw, err := r.Res.ResolveNonEmpty(r.Arg(4).Offset(), 8)
		if err != nil {
			return 0, nil, err
		}
		mask := endian.Uint64(raw)
		sigmask = &mask
	}
	return epollWaitCommon(r, sigmask)
}

func epollWaitCommon(r *Round, sigmask *uint64) (uintptr, *Control, error) {
	epfd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(epfd); err != nil {
		return 0, nil, err
	}
	maxEvents := r.Arg(2).Int()
	if maxEvents <= 0 {
		return 0, nil, unix.EINVAL
	}
	if maxEvents > maxEpollEvents {
		maxEvents = maxEpollEvents
	}
	out, err := r.Res.Resolve(r.Arg(1).Offset(), uint64(maxEvents)*epollEventBytes)
	if err != nil {
		return 0, nil, err
	}
	events := make([]unix.EpollEvent, maxEvents)
	n, errno := sysEpollPwait(epfd, events, r.Arg(3).Int(), sigmask)
	if errno != 0 {
		return 0, nil, errno
	}
	for i := uintptr(0); i < n; i++ {
		ev := &events[i]
		entry := out[i*epollEventBytes:]
		endian.PutUint32(entry, ev.Events)
		endian.PutUint32(entry[4:], 0)
		endian.PutUint64(entry[8:], uint64(uint32(ev.Fd))|uint64(uint32(ev.Pad))<<32)
	}
	return n, nil, nil
}

// eventfd2 implements eventfd2(2). Arguments: initval, flags.
func eventfd2(r *Round) (uintptr, *Control, error) {
	flags := r.Arg(1).Uint()
	if flags&^uint32(unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE) != 0 {
		return 0, nil, unix.EINVAL
	}
	fd, err := unix.Eventfd(uint(r.Arg(0).Uint()), int(flags))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(fd), nil, nil
}
