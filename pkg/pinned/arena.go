// Copyright (c) 2023 Paweł Gaczyński
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

// Package pinned allocates page-aligned memory that stays resident, suitable
// for registration as fixed kernel buffers.
package pinned

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

var ErrInvalidSize = errors.New("invalid arena size")

// Arena is an anonymous private mapping populated on creation and, when the
// memlock limit allows it, locked into RAM.
type Arena struct {
	Buf  []byte
	Size int

	locked    bool
	closeOnce sync.Once
	closeErr  error
}

func PageSize() int {
	return pageSize
}

// AdjustSize rounds size up to a whole number of pages.
func AdjustSize(size int) int {
	return (size + pageSize - 1) / pageSize * pageSize
}

func New(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	size = AdjustSize(size)

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}

	arena := &Arena{
		Buf:    buf,
		Size:   size,
		locked: unix.Mlock(buf) == nil,
	}
	runtime.SetFinalizer(arena, func(a *Arena) {
		_ = a.Free()
	})

	return arena, nil
}

// Locked reports whether mlock succeeded. An unlocked arena is still
// populated but may be swapped out under memory pressure.
func (a *Arena) Locked() bool {
	return a.locked
}

func (a *Arena) Addr() uintptr {
	return uintptr(unsafe.Pointer(&a.Buf[0]))
}

// Slice returns length bytes starting at offset.
func (a *Arena) Slice(offset, length int) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > a.Size {
		return nil, fmt.Errorf("%w: [%d, %d) outside arena of %d bytes", ErrInvalidSize, offset, offset+length, a.Size)
	}

	return a.Buf[offset : offset+length : offset+length], nil
}

func (a *Arena) Zeroes() {
	for j := 0; j < a.Size; j++ {
		a.Buf[j] = 0
	}
}

// Free releases the mapping. Further calls return the first result.
func (a *Arena) Free() error {
	a.closeOnce.Do(func() {
		runtime.SetFinalizer(a, nil)

		if a.locked {
			_ = unix.Munlock(a.Buf)
		}

		if err := unix.Munmap(a.Buf); err != nil {
			a.closeErr = os.NewSyscallError("munmap", err)
		}
		a.Buf = nil
	})

	return a.closeErr
}

// Resident reports whether every page overlapping [addr, addr+length) is
// mapped and present in memory.
func Resident(addr uintptr, length int) (bool, error) {
	if length <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidSize, length)
	}

	start := addr &^ uintptr(pageSize-1)
	end := addr + uintptr(length)
	if end < addr {
		return false, fmt.Errorf("%w: range wraps the address space", ErrInvalidSize)
	}

	pages := (end - start + uintptr(pageSize) - 1) / uintptr(pageSize)
	vec := make([]byte, pages)

	_, _, errno := unix.Syscall(unix.SYS_MINCORE, start, end-start, uintptr(unsafe.Pointer(&vec[0])))
	switch {
	case errno == unix.ENOMEM:
		return false, nil
	case errno != 0:
		return false, os.NewSyscallError("mincore", errno)
	}

	for _, v := range vec {
		if v&1 == 0 {
			return false, nil
		}
	}

	return true, nil
}
