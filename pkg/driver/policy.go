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

// Policy bounds what proxied operations may touch on the host. Policy
// violations are expected, recoverable outcomes: they surface as negative
// errnos through the normal reply path, never as fatal aborts, because a
// confused guest asking for too much is not a compromised boundary.
type Policy struct {
	// MaxFD is the highest file descriptor number a request may name.
	MaxFD int32

	// SocketDomains are the address families socket(2) may create.
	SocketDomains map[uint32]bool

	// SetsockoptLevels are the option levels setsockopt(2) may touch.
	SetsockoptLevels map[uint32]bool

	// FcntlCmds are the permitted fcntl(2) commands.
	FcntlCmds map[uint32]bool

	// Clocks are the clock IDs clock_gettime(2) may read.
	Clocks map[uint32]bool
}

// DefaultPolicy returns the policy used when a deployment does not
// configure one: internet and unix sockets, descriptor-table fcntls, the
// portable clocks, and a descriptor ceiling of 1024.
func DefaultPolicy() Policy {
	return Policy{
		MaxFD: 1024,
		SocketDomains: map[uint32]bool{
			unix.AF_INET:  true,
			unix.AF_INET6: true,
			unix.AF_UNIX:  true,
		},
		SetsockoptLevels: map[uint32]bool{
			unix.SOL_SOCKET:   true,
			unix.IPPROTO_TCP:  true,
			unix.IPPROTO_IP:   true,
			unix.IPPROTO_IPV6: true,
		},
		FcntlCmds: map[uint32]bool{
			unix.F_GETFD: true,
			unix.F_SETFD: true,
			unix.F_GETFL: true,
			unix.F_SETFL: true,
		},
		Clocks: map[uint32]bool{
			unix.CLOCK_REALTIME:  true,
			unix.CLOCK_MONOTONIC: true,
			unix.CLOCK_BOOTTIME:  true,
		},
	}
}

// CheckFD validates a file descriptor argument against the ceiling.
func (p *Policy) CheckFD(fd int32) error {
	if fd < 0 || fd > p.MaxFD {
		return unix.EBADF
	}
	return nil
}

// CheckSocketDomain validates the address family of a socket(2) request.
func (p *Policy) CheckSocketDomain(domain uint32) error {
	if !p.SocketDomains[domain] {
		return unix.EAFNOSUPPORT
	}
	return nil
}

// CheckSetsockoptLevel validates the option level of a setsockopt(2)
// request.
func (p *Policy) CheckSetsockoptLevel(level uint32) error {
	if !p.SetsockoptLevels[level] {
		return unix.EPERM
	}
	return nil
}

// CheckFcntlCmd validates an fcntl(2) command.
func (p *Policy) CheckFcntlCmd(cmd uint32) error {
	if !p.FcntlCmds[cmd] {
		return unix.EPERM
	}
	return nil
}

// CheckClock validates a clock ID.
func (p *Policy) CheckClock(clockID uint32) error {
	if !p.Clocks[clockID] {
		return unix.EINVAL
	}
	return nil
}
