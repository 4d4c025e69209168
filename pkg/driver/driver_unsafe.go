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
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw syscall shims for the calls x/sys/unix wraps behind Go-level types
// we cannot build from wire bytes (sockaddr parsing) or does not expose at
// all (epoll_pwait). All pointers passed here refer to host-owned staging
// memory, never into a block.

func bufPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func sysConnect(fd int32, addr []byte) unix.Errno {
	_, _, e := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(bufPtr(addr)), uintptr(len(addr)))
	return e
}

func sysBind(fd int32, addr []byte) unix.Errno {
	_, _, e := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(bufPtr(addr)), uintptr(len(addr)))
	return e
}

func sysAccept4(fd int32, addr []byte, addrlen *uint32, flags uint32) (uintptr, unix.Errno) {
	r, _, e := unix.Syscall6(unix.SYS_ACCEPT4, uintptr(fd), uintptr(bufPtr(addr)), uintptr(unsafe.Pointer(addrlen)), uintptr(flags), 0, 0)
	return r, e
}

func sysGetsockname(fd int32, addr []byte, addrlen *uint32) unix.Errno {
	_, _, e := unix.Syscall(unix.SYS_GETSOCKNAME, uintptr(fd), uintptr(bufPtr(addr)), uintptr(unsafe.Pointer(addrlen)))
	return e
}

func sysSetsockopt(fd int32, level, opt uint32, val []byte) unix.Errno {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt), uintptr(bufPtr(val)), uintptr(len(val)), 0)
	return e
}

func sysRecvfrom(fd int32, buf []byte, flags uint32, src []byte, srclen *uint32) (uintptr, unix.Errno) {
	n, _, e := unix.Syscall6(unix.SYS_RECVFROM, uintptr(fd), uintptr(bufPtr(buf)), uintptr(len(buf)), uintptr(flags), uintptr(bufPtr(src)), uintptr(unsafe.Pointer(srclen)))
	return n, e
}

// sysEpollPwait calls epoll_pwait(2), which exists on every supported
// architecture (unlike epoll_wait). A nil sigmask leaves the signal mask
// alone, making the call equivalent to epoll_wait.
func sysEpollPwait(epfd int32, events []unix.EpollEvent, timeout int32, sigmask *uint64) (uintptr, unix.Errno) {
	var maskPtr unsafe.Pointer
	if sigmask != nil {
		maskPtr = unsafe.Pointer(sigmask)
	}
	n, _, e := unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)), uintptr(int(timeout)), uintptr(maskPtr), 8)
	return n, e
}
