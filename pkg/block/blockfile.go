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

package block

import (
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/memutil"
)

var (
	pageSize = os.Getpagesize()
	pageMask = pageSize - 1
)

func init() {
	if bits.OnesCount(uint(pageSize)) != 1 {
		// This is depended on by roundUpToPage().
		panic(fmt.Sprintf("system page size (%d) is not a power of 2", pageSize))
	}
	if pageSize < abi.HeaderBytes {
		// This is required since Descriptor lengths are page-aligned and a
		// block must hold at least its header.
		panic(fmt.Sprintf("system page size (%d) is less than block header size (%d)", pageSize, abi.HeaderBytes))
	}
}

// A Descriptor represents a range of pages in a shared memory file that
// backs one block. FDs may differ between the two sides if they are in
// different processes, but must represent the same file.
type Descriptor struct {
	// FD is the file descriptor representing the shared memory file.
	FD int

	// Offset is the offset into the shared memory file at which the block
	// begins.
	Offset int64

	// Length is the block capacity in bytes.
	Length int
}

func roundUpToPage(x int) int {
	return (x + pageMask) &^ pageMask
}

// A File owns a shared memory file and carves block regions from it. The
// host side creates the File; the guest side receives its FD over whatever
// channel established the keep and maps the same descriptors.
type File struct {
	fd        int
	nextAlloc int64
	fileSize  int64
}

// Init must be called on zero-value Files before first use. If it succeeds,
// Destroy() must be called once the File is no longer in use.
func (f *File) Init(name string) error {
	fd, err := memutil.CreateMemFD(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return fmt.Errorf("failed to create memfd: %w", err)
	}
	// Apply F_SEAL_SHRINK to prevent either party from causing SIGBUS in
	// the other by truncating the file, and F_SEAL_SEAL to prevent either
	// party from applying F_SEAL_GROW or F_SEAL_WRITE.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to apply memfd seals: %w", err)
	}
	f.fd = fd
	return nil
}

// NewFile is a convenience function that returns an initialized File
// allocated on the heap.
func NewFile(name string) (*File, error) {
	var f File
	if err := f.Init(name); err != nil {
		return nil, err
	}
	return &f, nil
}

// Destroy releases resources owned by f. This invalidates file descriptors
// previously returned by f.FD() and f.Allocate().
func (f *File) Destroy() {
	unix.Close(f.fd)
}

// FD returns the file descriptor of the shared memory file backing f.
func (f *File) FD() int {
	return f.fd
}

// Allocate carves a new block region of the given capacity from the file
// and returns a Descriptor representing it.
//
// Preconditions: abi.MinBlockCapacity <= capacity <= abi.MaxBlockCapacity.
func (f *File) Allocate(capacity int) (Descriptor, error) {
	if capacity < abi.MinBlockCapacity || capacity > abi.MaxBlockCapacity {
		return Descriptor{}, fmt.Errorf("invalid block capacity: %d", capacity)
	}
	// Page-align capacity to ensure that f.nextAlloc remains page-aligned.
	capacity = roundUpToPage(capacity)
	end := f.nextAlloc + int64(capacity) // overflow checked by ensureFileSize
	if err := f.ensureFileSize(end); err != nil {
		return Descriptor{}, err
	}
	start := f.nextAlloc
	f.nextAlloc = end
	return Descriptor{
		FD:     f.fd,
		Offset: start,
		Length: capacity,
	}, nil
}

func (f *File) ensureFileSize(min int64) error {
	if min <= 0 {
		return fmt.Errorf("file size would overflow")
	}
	if f.fileSize >= min {
		return nil
	}
	newSize := 2 * f.fileSize
	if newSize == 0 {
		newSize = int64(pageSize)
	}
	for newSize < min {
		newNewSize := newSize * 2
		if newNewSize <= 0 {
			return fmt.Errorf("file size would overflow")
		}
		newSize = newNewSize
	}
	if err := unix.Ftruncate(f.fd, newSize); err != nil {
		return fmt.Errorf("ftruncate failed: %w", err)
	}
	f.fileSize = newSize
	return nil
}

// Map maps the block described by d into the calling process and returns a
// Block over the mapping. Unmap must be called once the Block is no longer
// in use.
func Map(d Descriptor) (*Block, error) {
	mem, err := memutil.MapSlice(0, uintptr(d.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(d.FD), uintptr(d.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to mmap block: %w", err)
	}
	var b Block
	if err := b.Init(mem); err != nil {
		memutil.UnmapSlice(mem)
		return nil, err
	}
	return &b, nil
}

// Unmap unmaps a Block returned by Map.
func Unmap(b *Block) error {
	return memutil.UnmapSlice(b.mem)
}
