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
	"crypto/rand"
	"runtime"

	"golang.org/x/sys/unix"
)

// Calls answered locally inside the keep, without a host round. The keep
// has no real identity, threads, or signal delivery; these return the
// fixed answers a single-task runtime expects, and nothing here may leak a
// question to the host that the host has no business answering.

// Fixed identity of the single keep task.
const (
	stubUID = 1000
	stubGID = 1000
	stubPID = 1000
	stubTID = 1
)

// Getuid answers getuid(2) locally.
func (h *Handler) Getuid() uint32 { return stubUID }

// Geteuid answers geteuid(2) locally.
func (h *Handler) Geteuid() uint32 { return stubUID }

// Getgid answers getgid(2) locally.
func (h *Handler) Getgid() uint32 { return stubGID }

// Getegid answers getegid(2) locally.
func (h *Handler) Getegid() uint32 { return stubGID }

// Getpid answers getpid(2) locally.
func (h *Handler) Getpid() uint32 { return stubPID }

// Gettid answers gettid(2) locally.
func (h *Handler) Gettid() uint32 { return stubTID }

// SetTidAddress answers set_tid_address(2) locally. The stored address is
// ignored; there is exactly one task and it never clears a child TID.
func (h *Handler) SetTidAddress(addr uint64) uint32 { return stubTID }

// RtSigprocmask answers rt_sigprocmask(2) locally. Signal delivery does
// not cross the boundary; masks are accepted and ignored.
func (h *Handler) RtSigprocmask(how uint32, set, oldset *uint64) error {
	if oldset != nil {
		*oldset = 0
	}
	return nil
}

// Sigaltstack answers sigaltstack(2) locally as a no-op.
func (h *Handler) Sigaltstack() error { return nil }

// A Utsname is the uname(2) result.
type Utsname struct {
	Sysname  string
	Nodename string
	Release  string
	Version  string
	Machine  string
}

// Uname answers uname(2) locally with the fixed identity the keep
// advertises.
func (h *Handler) Uname() Utsname {
	machine := "x86_64"
	if runtime.GOARCH == "arm64" {
		machine = "aarch64"
	}
	return Utsname{
		Sysname:  "Linux",
		Nodename: "localhost.localdomain",
		Release:  "5.6.0",
		Version:  "#1",
		Machine:  machine,
	}
}

// Readlink answers readlink(2) locally. Only the runtime's own binary
// path resolves; the keep has no filesystem.
func (h *Handler) Readlink(path string) (string, error) {
	if path == "/proc/self/exe" {
		return "/init", nil
	}
	return "", unix.ENOENT
}

// Getrandom answers getrandom(2) locally from in-keep entropy; asking the
// host for randomness would hand it the keys.
func (h *Handler) Getrandom(p []byte, flags uint32) (int, error) {
	if flags&^uint32(unix.GRND_NONBLOCK|unix.GRND_RANDOM) != 0 {
		return 0, unix.EINVAL
	}
	if _, err := rand.Read(p); err != nil {
		return 0, unix.EIO
	}
	return len(p), nil
}

// Fstat answers fstat(2) locally for the stdio descriptors, which the
// keep models as pipes to the host console. Other descriptors are not
// stubbed.
func (h *Handler) Fstat(fd int32, stat *unix.Stat_t) error {
	if fd < 0 || fd > 2 {
		return unix.EBADF
	}
	*stat = unix.Stat_t{
		Mode:    unix.S_IFIFO | 0600,
		Nlink:   1,
		Blksize: 4096,
	}
	return nil
}
