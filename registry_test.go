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

package fern_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pawelgaczynski/fern"
	"github.com/pawelgaczynski/fern/iouring"
	"github.com/pawelgaczynski/fern/pkg/pinned"
	. "github.com/stretchr/testify/require"
)

func newArena(t *testing.T, size int) *pinned.Arena {
	t.Helper()

	arena, err := pinned.New(size)
	NoError(t, err)
	t.Cleanup(func() {
		_ = arena.Free()
	})

	return arena
}

func TestRegisterThenUnregisterBuffer(t *testing.T) {
	ring, kernel := newTestRing(t, 4, fern.WithRegisteredBuffers(4))
	arena := newArena(t, pinned.PageSize())

	handle, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)
	True(t, handle.Valid())
	Equal(t, uint32(0), handle.Index())

	iov, ok := kernel.Buffer(ring.Fd(), handle.Index())
	True(t, ok)
	Equal(t, uint64(arena.Addr()), iov.Base)
	Equal(t, uint64(arena.Size), iov.Len)

	NoError(t, ring.UnregisterBuffer(handle))

	iov, ok = kernel.Buffer(ring.Fd(), handle.Index())
	True(t, ok)
	Equal(t, iouring.Iovec{}, iov)

	ErrorIs(t, ring.UnregisterBuffer(handle), fern.ErrInvalidHandle)
	ErrorIs(t, ring.UnregisterBuffer(fern.BufferHandle{}), fern.ErrInvalidHandle)
}

func TestUnregisterBufferInUse(t *testing.T) {
	ring, kernel := newTestRing(t, 4, fern.WithRegisteredBuffers(2))
	kernel.Hold(ring.Fd(), true)
	arena := newArena(t, 2*pinned.PageSize())

	handle, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)

	chunk, err := arena.Slice(pinned.PageSize(), 512)
	NoError(t, err)

	NoError(t, ring.Submit(fern.ReadFixed(3, handle, chunk, 0), 1))
	_, err = ring.Flush()
	NoError(t, err)

	err = ring.UnregisterBuffer(handle)
	ErrorIs(t, err, fern.ErrBufferInUse)
	Contains(t, err.Error(), "references: 1")

	True(t, kernel.Complete(ring.Fd(), 1, 512))
	record := drain(t, ring, 1)[0]
	Equal(t, int32(512), record.Result)

	NoError(t, ring.UnregisterBuffer(handle))
	ErrorIs(t, ring.Submit(fern.ReadFixed(3, handle, chunk, 0), 2), fern.ErrInvalidHandle)
	Zero(t, ring.Outstanding())
}

func TestFixedOperationCoversWholeBuffer(t *testing.T) {
	ring, _ := newTestRing(t, 4, fern.WithRegisteredBuffers(1))
	arena := newArena(t, pinned.PageSize())

	handle, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)

	NoError(t, ring.Submit(fern.WriteFixed(3, handle, nil, 0), 1))
	_, err = ring.Flush()
	NoError(t, err)
	Equal(t, int32(arena.Size), drain(t, ring, 1)[0].Result)
}

func TestFixedOperationOutsideBuffer(t *testing.T) {
	ring, _ := newTestRing(t, 4, fern.WithRegisteredBuffers(1))
	arena := newArena(t, pinned.PageSize())
	other := newArena(t, pinned.PageSize())

	handle, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)

	ErrorIs(t, ring.Submit(fern.ReadFixed(3, handle, other.Buf[:64], 0), 1), fern.ErrInvalidRange)
	Zero(t, ring.Outstanding())
	NoError(t, ring.UnregisterBuffer(handle))
}

func TestRegisterBufferValidation(t *testing.T) {
	ring, _ := newTestRing(t, 4, fern.WithRegisteredBuffers(1))

	_, err := ring.RegisterBuffer(nil)
	ErrorIs(t, err, fern.ErrInvalidRange)

	arena := newArena(t, pinned.PageSize())
	_, err = ring.RegisterBufferAt(arena.Addr(), iouring.MaxBufferLength+1)
	ErrorIs(t, err, fern.ErrInvalidRange)

	released, err := pinned.New(pinned.PageSize())
	NoError(t, err)
	addr := released.Addr()
	NoError(t, released.Free())

	_, err = ring.RegisterBufferAt(addr, pinned.PageSize())
	ErrorIs(t, err, fern.ErrInvalidRange)

	_, err = ring.RegisterBuffer(arena.Buf)
	NoError(t, err)

	_, err = ring.RegisterBuffer(newArena(t, pinned.PageSize()).Buf)
	ErrorIs(t, err, fern.ErrRegistryFull)
}

func TestRegistryWithoutTables(t *testing.T) {
	ring, _ := newTestRing(t, 4)

	_, err := ring.RegisterBuffer(newArena(t, pinned.PageSize()).Buf)
	ErrorIs(t, err, fern.ErrRegistryFull)

	_, err = ring.RegisterDescriptor(1)
	ErrorIs(t, err, fern.ErrRegistryFull)
}

func TestBufferSlotReuseInvalidatesOldHandle(t *testing.T) {
	ring, _ := newTestRing(t, 4, fern.WithRegisteredBuffers(1))
	arena := newArena(t, pinned.PageSize())

	first, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)
	NoError(t, ring.UnregisterBuffer(first))

	second, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)
	Equal(t, first.Index(), second.Index())
	NotEqual(t, first, second)

	ErrorIs(t, ring.Submit(fern.ReadFixed(3, first, nil, 0), 1), fern.ErrInvalidHandle)
	ErrorIs(t, ring.UnregisterBuffer(first), fern.ErrInvalidHandle)
	NoError(t, ring.UnregisterBuffer(second))
}

func TestDescriptorLifecycle(t *testing.T) {
	ring, kernel := newTestRing(t, 4, fern.WithRegisteredDescriptors(8))
	kernel.Hold(ring.Fd(), true)

	file, err := os.Create(filepath.Join(t.TempDir(), "data"))
	NoError(t, err)
	defer file.Close()

	handle, err := ring.RegisterDescriptor(int(file.Fd()))
	NoError(t, err)
	True(t, handle.Valid())

	installed, ok := kernel.Descriptor(ring.Fd(), handle.Index())
	True(t, ok)
	Equal(t, int32(file.Fd()), installed)

	buf := make([]byte, 16)
	NoError(t, ring.Submit(fern.Write(-1, buf, 0).WithDescriptor(handle), 1))
	_, err = ring.Flush()
	NoError(t, err)

	ErrorIs(t, ring.UnregisterDescriptor(handle), fern.ErrDescriptorInUse)
	ErrorIs(t, ring.Submit(fern.Close(-1).WithDescriptor(handle), 2), fern.ErrInvalidOperation)

	True(t, kernel.Complete(ring.Fd(), 1, 16))
	drain(t, ring, 1)

	NoError(t, ring.UnregisterDescriptor(handle))
	installed, _ = kernel.Descriptor(ring.Fd(), handle.Index())
	Equal(t, iouring.ClearedFile, installed)

	ErrorIs(t, ring.UnregisterDescriptor(handle), fern.ErrInvalidHandle)
	_, err = ring.RegisterDescriptor(-1)
	Error(t, err)
}

func TestFixedOperationPinsBufferAndDescriptor(t *testing.T) {
	ring, kernel := newTestRing(t, 4, fern.WithRegisteredDescriptors(4), fern.WithRegisteredBuffers(1))
	kernel.Hold(ring.Fd(), true)
	arena := newArena(t, pinned.PageSize())

	buffer, err := ring.RegisterBuffer(arena.Buf)
	NoError(t, err)
	descriptor, err := ring.RegisterDescriptor(0)
	NoError(t, err)

	NoError(t, ring.Submit(fern.ReadFixed(-1, buffer, arena.Buf[128:256], 0).WithDescriptor(descriptor), 1))
	_, err = ring.Flush()
	NoError(t, err)
	Equal(t, []uint64{1}, kernel.Held(ring.Fd()))

	ErrorIs(t, ring.UnregisterBuffer(buffer), fern.ErrBufferInUse)
	ErrorIs(t, ring.UnregisterDescriptor(descriptor), fern.ErrDescriptorInUse)

	True(t, kernel.Complete(ring.Fd(), 1, 128))
	drain(t, ring, 1)

	NoError(t, ring.UnregisterBuffer(buffer))
	NoError(t, ring.UnregisterDescriptor(descriptor))
}
