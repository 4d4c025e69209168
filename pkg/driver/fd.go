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

// read implements read(2). Arguments: fd, buffer offset, buffer length.
// The kernel writes directly into the resolved arena region.
func read(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	buf, err := r.Res.Resolve(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	n, err := unix.Read(int(fd), buf)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(n), nil, nil
}

// write implements write(2). Arguments: fd, data offset, data length.
func write(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	buf, err := r.Res.Resolve(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	n, err := unix.Write(int(fd), buf)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(n), nil, nil
}

// readv implements readv(2). Arguments: fd, descriptor array offset,
// segment count. The descriptor array holds (offset, length) pairs; each
// segment is resolved independently, so segments can neither escape the
// arena nor alias each other.
func readv(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	segs, err := r.Res.ResolveVec(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	if len(segs) == 0 {
		return 0, nil, nil
	}
	n, err := unix.Readv(int(fd), segs)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(n), nil, nil
}

// writev implements writev(2). Arguments as readv.
func writev(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	segs, err := r.Res.ResolveVec(r.Arg(1).Offset(), r.Arg(2).Length())
	if err != nil {
		return 0, nil, err
	}
	if len(segs) == 0 {
		return 0, nil, nil
	}
	n, err := unix.Writev(int(fd), segs)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(n), nil, nil
}

// closeFD implements close(2).
func closeFD(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	if err := unix.Close(int(fd)); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

// dup implements dup(2).
func dup(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	nfd, err := unix.Dup(int(fd))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(nfd), nil, nil
}

// dup2 implements dup2(2) in terms of dup3(2), which exists on every
// supported architecture. dup3 rejects oldfd == newfd, where dup2 instead
// validates oldfd and returns newfd unchanged.
func dup2(r *Round) (uintptr, *Control, error) {
	oldfd, newfd := r.Arg(0).FD(), r.Arg(1).FD()
	if err := r.Policy.CheckFD(oldfd); err != nil {
		return 0, nil, err
	}
	if err := r.Policy.CheckFD(newfd); err != nil {
		return 0, nil, err
	}
	if oldfd == newfd {
		if _, err := unix.FcntlInt(uintptr(oldfd), unix.F_GETFD, 0); err != nil {
			return 0, nil, err
		}
		return uintptr(newfd), nil, nil
	}
	if err := unix.Dup3(int(oldfd), int(newfd), 0); err != nil {
		return 0, nil, err
	}
	return uintptr(newfd), nil, nil
}

// dup3 implements dup3(2).
func dup3(r *Round) (uintptr, *Control, error) {
	oldfd, newfd := r.Arg(0).FD(), r.Arg(1).FD()
	flags := r.Arg(2).Uint()
	if err := r.Policy.CheckFD(oldfd); err != nil {
		return 0, nil, err
	}
	if err := r.Policy.CheckFD(newfd); err != nil {
		return 0, nil, err
	}
	if flags&^uint32(unix.O_CLOEXEC) != 0 {
		return 0, nil, unix.EINVAL
	}
	if err := unix.Dup3(int(oldfd), int(newfd), int(flags)); err != nil {
		return 0, nil, err
	}
	return uintptr(newfd), nil, nil
}

// fcntl implements the policy-permitted subset of fcntl(2).
func fcntl(r *Round) (uintptr, *Control, error) {
	fd := r.Arg(0).FD()
	cmd := r.Arg(1).Uint()
	if err := r.Policy.CheckFD(fd); err != nil {
		return 0, nil, err
	}
	if err := r.Policy.CheckFcntlCmd(cmd); err != nil {
		return 0, nil, err
	}
	v, err := unix.FcntlInt(uintptr(fd), int(cmd), int(r.Arg(2).Int()))
	if err != nil {
		return 0, nil, err
	}
	return uintptr(v), nil, nil
}

// sync implements sync(2).
func sync(r *Round) (uintptr, *Control, error) {
	unix.Sync()
	return 0, nil, nil
}
