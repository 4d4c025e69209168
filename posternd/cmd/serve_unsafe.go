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

package cmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/memutil"
)

// mapControl maps the control page described by d.
func mapControl(d block.Descriptor) ([]byte, error) {
	return memutil.MapSlice(0, uintptr(d.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(d.FD), uintptr(d.Offset))
}

func unmapControl(b []byte) error {
	return memutil.UnmapSlice(b)
}

// controlWords returns the two doorbell words at the head of the control
// page: word 0 rings the host, word 1 rings the guest.
func controlWords(b []byte) (toHost, toGuest *uint32) {
	return (*uint32)(unsafe.Pointer(&b[0])), (*uint32)(unsafe.Pointer(&b[4]))
}
