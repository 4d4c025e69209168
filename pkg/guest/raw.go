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
	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/frame"
)

// refOps are the operations whose slots carry arena references. A raw
// passthrough of these would ship guest virtual addresses across the
// boundary, where they are meaningless at best; such calls must use the
// typed wrappers, which marshal.
var refOps = map[abi.Op]bool{
	abi.OpRead:         true,
	abi.OpWrite:        true,
	abi.OpReadv:        true,
	abi.OpWritev:       true,
	abi.OpConnect:      true,
	abi.OpBind:         true,
	abi.OpAccept:       true,
	abi.OpAccept4:      true,
	abi.OpGetsockname:  true,
	abi.OpSetsockopt:   true,
	abi.OpRecvfrom:     true,
	abi.OpEpollCtl:     true,
	abi.OpEpollWait:    true,
	abi.OpEpollPwait:   true,
	abi.OpClockGettime: true,
}

// Syscall proxies an all-scalar call by raw operation number. Operations
// whose arguments carry references are rejected with EFAULT before
// anything crosses the boundary; unknown numbers are passed through and
// come back as the host's NotSupported reply (ENOSYS), which is the
// guest runtime's cue to stub or fail the call.
func (h *Handler) Syscall(num uint64, a [abi.NumArgs]uint64) (uint64, error) {
	op := abi.Op(num)
	if refOps[op] {
		return 0, unix.EFAULT
	}
	s, err := h.acquire()
	if err != nil {
		return 0, err
	}
	rep, err := h.exchange(s, frame.Request{Op: op, Args: a})
	if err != nil {
		return 0, err
	}
	return h.done(s, rep, scalarMax)
}
