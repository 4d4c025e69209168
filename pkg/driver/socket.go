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
	"encoding/binary"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
)

var endian = binary.LittleEndian

// sockaddrStorageLen bounds host-side sockaddr staging, matching struct
// sockaddr_storage.
const sockaddrStorageLen = 128

// sockaddrOutput is the resolved form of an (addr offset, addrlen offset)
// output pair. addrlen is an in/out 4-byte word: the guest stages the
// buffer capacity in it, the kernel's reported length is written back. The
// kernel writes into host staging memory, never into the block, and the
// result is copied out after the call.
type sockaddrOutput struct {
	addr    []byte // resolved arena buffer
	addrlen []byte // resolved arena length word
	staging []byte // host-side buffer handed to the kernel
}

// resolveSockaddrOutput validates and stages an optional sockaddr output
// pair. A NoOffset addr means the guest passed a NULL sockaddr; the
// returned output is nil and the kernel sees NULL.
func resolveSockaddrOutput(res *block.Resolver, addrArg, addrlenArg Arg) (*sockaddrOutput, error) {
	if addrArg.IsNoOffset() {
		return nil, nil
	}
	addrlen, err := res.Resolve(addrlenArg.Offset(), 4)
	if err != nil {
		return nil, err
	}
	capacity := endian.Uint32(addrlen)
	addr, err := res.Resolve(addrArg.Offset(), uint64(capacity))
	if err != nil {
		return nil, err
	}
	stagingLen := capacity
	if stagingLen > sockaddrStorageLen {
		stagingLen = sockaddrStorageLen
	}
	return &sockaddrOutput{
		addr:    addr,
		addrlen: addrlen,
		staging: make([]byte, stagingLen),
	}, nil
}

// commit copies the kernel-reported address back into the arena. reported
// may exceed the staged capacity, indicating truncation; only staged bytes
// are copied, and the reported length is stored for the guest to clamp.
func (o *sockaddrOutput) commit(reported uint32) {
	n := int(reported)
	if n > len(o.staging) {
		n = len(o.staging)
	}
	copy(o.addr, o.staging[:n])
	endian.PutUint32(o.addrlen, reported)
}

// socket implements socket(2). Arguments: domain, type, protocol.
func socket(r *Round) (uintptr, *Control, error) {
	domain := r.Arg(0).Uint()
	if err := r.Policy.CheckSocketDomain(domain); err != nil {
		return 0, nil, err
	}
	fd, err := unix.Socket(int(domain), int(r.Arg(1).Uint()), int(r.Arg(2).Uint()))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(fd), nil, nil
}

// connect implements connect(2). Arguments: fd, addr offset, addrlen. The
// address bytes are copied out of the arena before the call so the kernel
// never parses guest-writable memory.
func connect(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	addr, err := r.Res.ResolveNonEmpty(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	return ret(0, sysConnect(fd, append([]byte(nil), addr...)))
}

// bind implements bind(2). Arguments as connect.
func bind(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	addr, err := r.Res.ResolveNonEmpty(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	return ret(0, sysBind(fd, append([]byte(nil), addr...)))
}

// listen implements listen(2). Arguments: fd, backlog.
func listen(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	if err := unix.Listen(int(fd), int(r.Arg(1).Int())); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// accept implements accept(2). Arguments: fd, addr offset (or NoOffset),
// addrlen offset.
func accept(r *Round) (uintptr, *Control, error) {
	return acceptCommon(r, 0)
}

// accept4 implements accept4(2). Arguments: fd, addr offset (or NoOffset),
// addrlen offset, flags.
func accept4(r *Round) (uintptr, *Control, error) {
	flags := r.Arg(3).Uint()
	if flags&^uint32(unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK) != 0 {
		return 0, nil, unix.EINVAL
	}
	return acceptCommon(r, flags)
}

func acceptCommon(r *Round, flags uint32) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	out, err := resolveSockaddrOutput(r.Res, r.Arg(1), r.Arg(2))
	if err != nil {
		return 0, nil, err
	}
	var (
		staging  []byte
		reported uint32
		lenPtr   *uint32
	)
	if out != nil {
		staging = out.staging
		reported = uint32(len(out.staging))
		lenPtr = &reported
	}
	nfd, errno := sysAccept4(fd, staging, lenPtr, flags)
	if errno != 0 {
		return 0, nil, errno
	}
	if out != nil {
		out.commit(reported)
	}
	return nfd, nil, nil
}

// getsockname implements getsockname(2). Arguments: fd, addr offset,
// addrlen offset. Unlike accept, the address output is mandatory.
func getsockname(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	if r.Arg(1).IsNoOffset() {
		return 0, nil, unix.EFAULT
	}
	out, err := resolveSockaddrOutput(r.Res, r.Arg(1), r.Arg(2))
	if err != nil {
		return 0, nil, err
	}
	reported := uint32(len(out.staging))
	if errno := sysGetsockname(fd, out.staging, &reported); errno != 0 {
		return 0, nil, errno
	}
	out.commit(reported)
	return 0, nil, nil
}

// setsockopt implements setsockopt(2). Arguments: fd, level, optname,
// optval offset, optlen.
func setsockopt(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	level := r.Arg(1).Uint()
	if err := r.Policy.CheckSetsockoptLevel(level); err != nil {
		return 0, nil, err
	}
	optval, err := r.Res.ResolveNonEmpty(r.Arg(3).Offset(), r.Arg(4).Length())
	if err != nil {
		return 0, nil, err
	}
	return ret(0, sysSetsockopt(fd, level, r.Arg(2).Uint(), append([]byte(nil), optval...)))
}

// recvfrom implements recvfrom(2). Arguments: fd, buffer offset, buffer
// length, flags, source addr offset (or NoOffset), source addrlen offset.
// The receive is staged host-side, clamped to the largest possible UDP
// payload, and copied into the arena afterwards.
func recvfrom(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	buf, err := r.Res.Resolve(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	out, err := resolveSockaddrOutput(r.Res, r.Arg(4), r.Arg(5))
	if err != nil {
		return 0, nil, err
	}
	stagingLen := len(buf)
	if stagingLen > abi.MaxUDPPacketSize {
		stagingLen = abi.MaxUDPPacketSize
	}
	staging := make([]byte, stagingLen)
	var (
		src      []byte
		reported uint32
		lenPtr   *uint32
	)
	if out != nil {
		src = out.staging
		reported = uint32(len(out.staging))
		lenPtr = &reported
	}
	n, errno := sysRecvfrom(fd, staging, r.Arg(3).Uint(), src, lenPtr)
	if errno != 0 {
		return 0, nil, errno
	}
	copy(buf, staging[:n])
	if out != nil {
		out.commit(reported)
	}
	return n, nil, nil
}
