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

// Package abi defines the shared-block protocol ABI: the block header
// layout, the handoff state machine, the operation number space, and the
// protocol limits. Both sides of the boundary compile against this package
// and nothing else may redefine any of these values.
package abi

import "fmt"

// Version is the protocol version tag carried in every block header. Peers
// with mismatched versions must not exchange rounds.
const Version uint32 = 1

// Block header layout. The header occupies the first HeaderBytes bytes of a
// block; the remainder is the arena. All multi-byte fields are
// little-endian.
//
//	0x00  u32  handoff state (also the futex word)
//	0x04  u32  protocol version
//	0x08  u64  word 0: operation number (request) / result (reply)
//	0x10  u64  word 1: argument slot 0 (request) / auxiliary value (reply)
//	0x18  u64  word 2: argument slot 1
//	0x20  u64  word 3: argument slot 2
//	0x28  u64  word 4: argument slot 3
//	0x30  u64  word 5: argument slot 4
//	0x38  u64  word 6: argument slot 5
const (
	// HeaderBytes is the size of a block header in bytes. Exported to
	// support its use in constant expressions.
	HeaderBytes = 64

	// NumArgs is the number of argument slots in a request frame, matching
	// the Linux syscall calling convention.
	NumArgs = 6

	// NumWords is the number of 8-byte frame words following the state and
	// version fields.
	NumWords = 7
)

// NoOffset is the sentinel encoding of an absent optional arena reference
// (a NULL pointer in the proxied calling convention). It is never a valid
// arena offset.
const NoOffset = ^uint64(0)

// WordAlign is the default allocation alignment, one register word.
const WordAlign = 8

// Protocol limits.
const (
	// MaxUDPPacketSize bounds the staging buffer for datagram receives.
	// Larger buffers are clamped, never rejected.
	MaxUDPPacketSize = 65507

	// MaxIovecSegments bounds the number of (offset, length) descriptor
	// pairs a single vector argument may carry. Descriptors never nest
	// deeper than one level; the bound keeps validation cost linear in a
	// small constant.
	MaxIovecSegments = 16

	// MinBlockCapacity is one header plus a non-empty arena, rounded to
	// the smallest page size in use.
	MinBlockCapacity = 4096

	// MaxBlockCapacity bounds a single block.
	MaxBlockCapacity = 1 << 30

	// DefaultBlockCapacity is the per-block size used when a deployment
	// does not configure one.
	DefaultBlockCapacity = 64 << 10

	// DefaultBlockCount is the number of concurrent rounds supported when
	// a deployment does not configure one.
	DefaultBlockCount = 8
)

// State is the handoff state of a block, stored in the first word of its
// header. Ownership of the block's mutable region alternates between guest
// and host; the state word is the single authority for which side currently
// holds it. Transitions form a strict cycle and are performed by
// compare-and-swap; a failed swap is a protocol violation.
type State uint32

const (
	// StateIdle indicates the block is unowned and may be acquired by a
	// guest context.
	StateIdle State = iota

	// StateReserved indicates a guest context has acquired the block and
	// is writing a request.
	StateReserved

	// StateRequestReady indicates a complete request frame awaits the
	// host.
	StateRequestReady

	// StateProcessing indicates exactly one host context is serving the
	// request.
	StateProcessing

	// StateReplyReady indicates a complete reply frame awaits the guest.
	StateReplyReady

	// StateAborted is the explicit abort marker: the host detected a
	// boundary violation and the round is dead. The guest observes it,
	// surfaces a fatal error, and forcibly resets the slot.
	StateAborted
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReserved:
		return "Reserved"
	case StateRequestReady:
		return "RequestReady"
	case StateProcessing:
		return "Processing"
	case StateReplyReady:
		return "ReplyReady"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Op identifies a proxied operation. The operation space is a closed,
// versioned enumeration; numbers reuse the Linux amd64 syscall numbers the
// guest runtime issues. Anything outside the set below yields a
// NotSupported reply, never undefined behavior.
type Op uint64

// Supported operations.
const (
	OpRead         Op = 0
	OpWrite        Op = 1
	OpClose        Op = 3
	OpReadv        Op = 19
	OpWritev       Op = 20
	OpDup          Op = 32
	OpSocket       Op = 41
	OpConnect      Op = 42
	OpAccept       Op = 43
	OpRecvfrom     Op = 45
	OpBind         Op = 49
	OpListen       Op = 50
	OpGetsockname  Op = 51
	OpSetsockopt   Op = 54
	OpExit         Op = 60
	OpFcntl        Op = 72
	OpSync         Op = 162
	OpClockGettime Op = 228
	OpExitGroup    Op = 231
	OpEpollWait    Op = 232
	OpEpollCtl     Op = 233
	OpEpollPwait   Op = 281
	OpDup2         Op = 33
	OpEventfd2     Op = 290
	OpEpollCreate1 Op = 291
	OpDup3         Op = 292
	OpAccept4      Op = 288
)

var opNames = map[Op]string{
	OpRead:         "read",
	OpWrite:        "write",
	OpClose:        "close",
	OpReadv:        "readv",
	OpWritev:       "writev",
	OpDup:          "dup",
	OpDup2:         "dup2",
	OpDup3:         "dup3",
	OpSocket:       "socket",
	OpConnect:      "connect",
	OpAccept:       "accept",
	OpAccept4:      "accept4",
	OpRecvfrom:     "recvfrom",
	OpBind:         "bind",
	OpListen:       "listen",
	OpGetsockname:  "getsockname",
	OpSetsockopt:   "setsockopt",
	OpExit:         "exit",
	OpFcntl:        "fcntl",
	OpSync:         "sync",
	OpClockGettime: "clock_gettime",
	OpExitGroup:    "exit_group",
	OpEpollWait:    "epoll_wait",
	OpEpollCtl:     "epoll_ctl",
	OpEpollPwait:   "epoll_pwait",
	OpEventfd2:     "eventfd2",
	OpEpollCreate1: "epoll_create1",
}

// String implements fmt.Stringer.String.
func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint64(op))
}
