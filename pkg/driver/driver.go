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

// Package driver implements the host-side handlers for the proxied
// operation set, and the table that dispatches validated request frames to
// them.
//
// A driver resolves its declared argument slots through the round's
// boundary resolver before performing any side effect, applies
// operation-specific policy, performs the real operation against the
// host's resource tables, and writes output data back into the resolved
// arena regions. Drivers are stateless with respect to the protocol and
// never retain references into a block past the round.
//
// Error convention, mirrored from the host's native one: a driver returns
// a unix.Errno for every expected, recoverable failure (policy rejections
// included), which the broker encodes as a negative result in the reply.
// Any other error is a boundary violation and aborts the round before the
// reply path is reached.
package driver

import (
	"errors"
	"sort"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
)

// A Round gives a driver access to the request being served.
type Round struct {
	// Args are the request's raw argument slots.
	Args [abi.NumArgs]uint64

	// Res resolves arena references for this round.
	Res *block.Resolver

	// Policy bounds what this round may touch.
	Policy *Policy
}

// Arg returns argument slot i in accessor form.
func (r *Round) Arg(i int) Arg {
	return Arg(r.Args[i])
}

// An Arg is one raw argument slot. The accessors document how a driver
// interprets the slot; nothing is tagged on the wire.
type Arg uint64

// FD interprets the argument as a file descriptor.
func (a Arg) FD() int32 {
	return int32(a)
}

// Int interprets the argument as a signed scalar.
func (a Arg) Int() int32 {
	return int32(a)
}

// Uint interprets the argument as an unsigned scalar.
func (a Arg) Uint() uint32 {
	return uint32(a)
}

// Uint64 returns the raw argument.
func (a Arg) Uint64() uint64 {
	return uint64(a)
}

// Offset interprets the argument as an arena offset.
func (a Arg) Offset() uint64 {
	return uint64(a)
}

// Length interprets the argument as a byte count.
func (a Arg) Length() uint64 {
	return uint64(a)
}

// IsNoOffset reports whether the argument is the absent-reference
// sentinel.
func (a Arg) IsNoOffset() bool {
	return uint64(a) == abi.NoOffset
}

// A Control signals protocol-level actions the broker must take after
// encoding the reply, beyond returning it to the guest.
type Control struct {
	// Terminate indicates the guest requested termination (exit or
	// exit_group). The broker stops serving once the reply round
	// completes.
	Terminate bool

	// ExitCode is the guest's exit status when Terminate is set.
	ExitCode int32
}

// Fn executes one proxied operation against a validated request.
type Fn func(r *Round) (uintptr, *Control, error)

// A Table maps operation numbers to drivers. It is populated once at
// construction and immutable thereafter; the operation set is closed and
// security-reviewed, not extensible at runtime.
type Table struct {
	policy Policy
	ops    map[abi.Op]Fn
}

// NewTable returns a Table serving the full supported operation set under
// the given policy.
func NewTable(policy Policy) *Table {
	t := &Table{policy: policy}
	t.ops = map[abi.Op]Fn{
		abi.OpRead:         read,
		abi.OpWrite:        write,
		abi.OpReadv:        readv,
		abi.OpWritev:       writev,
		abi.OpClose:        closeFD,
		abi.OpDup:          dup,
		abi.OpDup2:         dup2,
		abi.OpDup3:         dup3,
		abi.OpFcntl:        fcntl,
		abi.OpSync:         sync,
		abi.OpSocket:       socket,
		abi.OpConnect:      connect,
		abi.OpBind:         bind,
		abi.OpListen:       listen,
		abi.OpAccept:       accept,
		abi.OpAccept4:      accept4,
		abi.OpGetsockname:  getsockname,
		abi.OpSetsockopt:   setsockopt,
		abi.OpRecvfrom:     recvfrom,
		abi.OpEpollCreate1: epollCreate1,
		abi.OpEpollCtl:     epollCtl,
		abi.OpEpollWait:    epollWait,
		abi.OpEpollPwait:   epollPwait,
		abi.OpEventfd2:     eventfd2,
		abi.OpClockGettime: clockGettime,
		abi.OpExit:         exit,
		abi.OpExitGroup:    exitGroup,
	}
	return t
}

// Lookup returns the driver for op. Unknown operation numbers are the
// frame codec's NotSupported path, not the Table's; Lookup only reports
// their absence.
func (t *Table) Lookup(op abi.Op) (Fn, bool) {
	fn, ok := t.ops[op]
	return fn, ok
}

// Policy returns the table's policy.
func (t *Table) Policy() *Policy {
	return &t.policy
}

// Ops returns the supported operation numbers in ascending order.
func (t *Table) Ops() []abi.Op {
	ops := make([]abi.Op, 0, len(t.ops))
	for op := range t.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// IsFatal reports whether a driver error is a boundary violation rather
// than a recoverable errno. Fatal errors abort the round; they never reach
// the reply path.
func IsFatal(err error) bool {
	var errno unix.Errno
	return !errors.As(err, &errno)
}

// Errno extracts the errno from a recoverable driver error.
//
// Preconditions: !IsFatal(err).
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		panic("Errno called on a fatal error")
	}
	return errno
}

// ret adapts a raw syscall result to the driver return convention.
func ret(r uintptr, errno unix.Errno) (uintptr, *Control, error) {
	if errno != 0 {
		return 0, nil, errno
	}
	return r, nil, nil
}
