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

package fern

import (
	"errors"
	"runtime"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
	"github.com/pawelgaczynski/fern/pkg/pinned"
	"golang.org/x/sys/unix"
)

// BufferHandle names a registered buffer. The zero value names none.
type BufferHandle struct {
	slot       uint32
	generation uint32
}

func (h BufferHandle) Valid() bool {
	return h.generation != 0
}

// Index returns the slot in the kernel's buffer table.
func (h BufferHandle) Index() uint32 {
	return h.slot
}

// DescriptorHandle names a registered descriptor. The zero value names none.
type DescriptorHandle struct {
	slot       uint32
	generation uint32
}

func (h DescriptorHandle) Valid() bool {
	return h.generation != 0
}

func (h DescriptorHandle) Index() uint32 {
	return h.slot
}

type bufferUpdate struct {
	update iouring.RsrcUpdate2
	iov    iouring.Iovec
}

type descriptorUpdate struct {
	update iouring.FilesUpdate
	fd     int32
}

// RegisterBuffer registers buf for fixed reads and writes. buf must stay
// alive and in place until UnregisterBuffer; memory from pinned.New is
// suitable.
func (r *Ring) RegisterBuffer(buf []byte) (BufferHandle, error) {
	return r.RegisterBufferAt(addressOf(buf), len(buf))
}

func (r *Ring) RegisterBufferAt(addr uintptr, length int) (BufferHandle, error) {
	if err := r.use(registrable); err != nil {
		return BufferHandle{}, err
	}
	defer r.done()

	switch {
	case length <= 0 || addr == 0:
		return BufferHandle{}, fernErrors.ErrorInvalidRange(addr, length, "empty range")
	case length > iouring.MaxBufferLength:
		return BufferHandle{}, fernErrors.ErrorInvalidRange(addr, length, "longer than 1GiB")
	}

	resident, err := pinned.Resident(addr, length)
	if err != nil {
		return BufferHandle{}, fernErrors.ErrorInvalidRange(addr, length, err.Error())
	}

	if !resident {
		return BufferHandle{}, fernErrors.ErrorInvalidRange(addr, length, "not resident")
	}

	slot, err := r.buffers.claim()
	if err != nil {
		return BufferHandle{}, err
	}

	if err = r.updateBuffer(slot, addr, length); err != nil {
		r.buffers.unclaim(slot)

		if errors.Is(err, unix.EFAULT) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOMEM) {
			return BufferHandle{}, fernErrors.ErrorInvalidRange(addr, length, err.Error())
		}

		return BufferHandle{}, fernErrors.ErrorRegistry("register buffer", err)
	}

	r.regions[slot] = bufferRegion{addr: addr, length: length}
	generation := r.buffers.activate(slot)

	r.logDebug().Uint32("slot", slot).Int("length", length).Msg("Buffer registered")

	return BufferHandle{slot: slot, generation: generation}, nil
}

// UnregisterBuffer fails with ErrBufferInUse while an outstanding operation
// references the buffer.
func (r *Ring) UnregisterBuffer(handle BufferHandle) error {
	if err := r.use(reapable); err != nil {
		return err
	}
	defer r.done()

	if !handle.Valid() {
		return fernErrors.ErrorInvalidHandle("buffer", handle.slot)
	}

	if err := r.buffers.retire(handle.slot, handle.generation); err != nil {
		return err
	}

	if err := r.updateBuffer(handle.slot, 0, 0); err != nil {
		r.buffers.restore(handle.slot)

		return fernErrors.ErrorRegistry("unregister buffer", err)
	}

	r.regions[handle.slot] = bufferRegion{}
	r.buffers.recycle(handle.slot)

	r.logDebug().Uint32("slot", handle.slot).Msg("Buffer unregistered")

	return nil
}

func (r *Ring) updateBuffer(slot uint32, addr uintptr, length int) error {
	u := &bufferUpdate{iov: iouring.Iovec{Base: uint64(addr), Len: uint64(length)}}
	u.update = iouring.RsrcUpdate2{
		Offset: slot,
		Data:   uint64(uintptr(unsafe.Pointer(&u.iov))),
		Nr:     1,
	}

	_, err := r.kernel.Register(r.fd, iouring.RegisterBuffersUpdate,
		unsafe.Pointer(&u.update), uint32(unsafe.Sizeof(u.update)))
	runtime.KeepAlive(u)

	return err
}

// RegisterDescriptor installs fd in the ring's descriptor table. The caller
// keeps ownership of fd and must keep it open until UnregisterDescriptor.
func (r *Ring) RegisterDescriptor(fd int) (DescriptorHandle, error) {
	if err := r.use(registrable); err != nil {
		return DescriptorHandle{}, err
	}
	defer r.done()

	if fd < 0 {
		return DescriptorHandle{}, fernErrors.ErrorRegistry("register descriptor", unix.EBADF)
	}

	slot, err := r.descriptors.claim()
	if err != nil {
		return DescriptorHandle{}, err
	}

	if err = r.updateDescriptor(slot, int32(fd)); err != nil {
		r.descriptors.unclaim(slot)

		return DescriptorHandle{}, fernErrors.ErrorRegistry("register descriptor", err)
	}

	generation := r.descriptors.activate(slot)

	r.logDebug().Uint32("slot", slot).Int("fd", fd).Msg("Descriptor registered")

	return DescriptorHandle{slot: slot, generation: generation}, nil
}

// UnregisterDescriptor fails with ErrDescriptorInUse while an outstanding
// operation references the descriptor.
func (r *Ring) UnregisterDescriptor(handle DescriptorHandle) error {
	if err := r.use(reapable); err != nil {
		return err
	}
	defer r.done()

	if !handle.Valid() {
		return fernErrors.ErrorInvalidHandle("descriptor", handle.slot)
	}

	if err := r.descriptors.retire(handle.slot, handle.generation); err != nil {
		return err
	}

	if err := r.updateDescriptor(handle.slot, iouring.ClearedFile); err != nil {
		r.descriptors.restore(handle.slot)

		return fernErrors.ErrorRegistry("unregister descriptor", err)
	}

	r.descriptors.recycle(handle.slot)

	r.logDebug().Uint32("slot", handle.slot).Msg("Descriptor unregistered")

	return nil
}

func (r *Ring) updateDescriptor(slot uint32, fd int32) error {
	u := &descriptorUpdate{fd: fd}
	u.update = iouring.FilesUpdate{Offset: slot, Fds: uint64(uintptr(unsafe.Pointer(&u.fd)))}

	_, err := r.kernel.Register(r.fd, iouring.RegisterFilesUpdate, unsafe.Pointer(&u.update), 1)
	runtime.KeepAlive(u)

	return err
}

// acquire takes the registry references op needs. A fixed operation without
// an address covers its whole registered buffer.
func (r *Ring) acquire(op *Operation) (references, error) {
	var refs references

	if op.Buffer.Valid() {
		slot := op.Buffer.slot
		if err := r.buffers.acquire(slot, op.Buffer.generation); err != nil {
			return refs, err
		}
		refs.buffer = slotRef{slot: slot, held: true}

		region := r.regions[slot]
		if op.Addr == 0 {
			op.Addr = region.addr
			if op.Len == 0 {
				op.Len = uint32(region.length)
			}
		}

		if op.Addr < region.addr || op.Addr+uintptr(op.Len) > region.addr+uintptr(region.length) {
			r.releaseReferences(refs)

			return references{}, fernErrors.ErrorInvalidRange(op.Addr, int(op.Len), "outside the registered buffer")
		}
	}

	if op.File.Valid() {
		slot := op.File.slot
		if err := r.descriptors.acquire(slot, op.File.generation); err != nil {
			r.releaseReferences(refs)

			return references{}, err
		}
		refs.file = slotRef{slot: slot, held: true}
	}

	return refs, nil
}

func (r *Ring) releaseReferences(refs references) {
	if refs.buffer.held {
		r.buffers.release(refs.buffer.slot)
	}

	if refs.file.held {
		r.descriptors.release(refs.file.slot)
	}
}
