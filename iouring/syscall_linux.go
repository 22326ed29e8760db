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

package iouring

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type systemKernel struct{}

// System returns the Kernel backed by the io_uring system calls.
func System() Kernel {
	return systemKernel{}
}

func (systemKernel) Setup(entries uint32, p *Params) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, os.NewSyscallError("io_uring_setup", errno)
	}

	unix.CloseOnExec(int(fd))

	return int(fd), nil
}

func (systemKernel) Map(fd int, p *Params) (*Mapping, error) {
	sqSize, cqSize, sqesSize := RegionSizes(p)

	sqRing, err := unix.Mmap(fd, int64(OffSQRing), sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, os.NewSyscallError("mmap sq ring", err)
	}

	cqRing := sqRing
	if p.Features&FeatSingleMMap == 0 {
		cqRing, err = unix.Mmap(fd, int64(OffCQRing), cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			_ = unix.Munmap(sqRing)

			return nil, os.NewSyscallError("mmap cq ring", err)
		}
	}

	sqes, err := unix.Mmap(fd, int64(OffSQEs), sqesSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unmapRegions(sqRing, cqRing, nil)

		return nil, os.NewSyscallError("mmap sqes", err)
	}

	mapping, err := NewMapping(sqRing, cqRing, sqes, p)
	if err != nil {
		unmapRegions(sqRing, cqRing, sqes)

		return nil, err
	}

	return mapping, nil
}

func (systemKernel) Unmap(m *Mapping) error {
	sqRing, cqRing, sqes := m.Regions()

	return unmapRegions(sqRing, cqRing, sqes)
}

func unmapRegions(sqRing, cqRing, sqes []byte) error {
	var firstErr error

	if len(sqes) > 0 {
		if err := unix.Munmap(sqes); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(cqRing) > 0 && (len(sqRing) == 0 || &cqRing[0] != &sqRing[0]) {
		if err := unix.Munmap(cqRing); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(sqRing) > 0 {
		if err := unix.Munmap(sqRing); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return os.NewSyscallError("munmap", firstErr)
	}

	return nil
}

func (systemKernel) Enter(
	fd int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr,
) (uint, error) {
	consumed, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		argSize,
	)
	if errno != 0 {
		return 0, os.NewSyscallError("io_uring_enter", errno)
	}

	return uint(consumed), nil
}

func (systemKernel) Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, error) {
	result, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(fd),
		uintptr(opcode),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return 0, os.NewSyscallError("io_uring_register", errno)
	}

	return uint(result), nil
}

func (systemKernel) Close(fd int) error {
	return unix.Close(fd)
}
