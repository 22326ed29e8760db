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
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
)

// allowedFlags are the per-operation flags a caller may set. FixedFile is
// derived from the descriptor handle; a skipped success would leave the token
// outstanding forever.
const allowedFlags = iouring.SqeIODrain | iouring.SqeIOLink | iouring.SqeIOHardlink | iouring.SqeAsync

// Operation describes one request. Memory referenced by Addr must stay
// reachable and unmoved until the operation completes; use heap or pinned
// memory, never a goroutine stack.
type Operation struct {
	Opcode  iouring.Opcode
	Flags   iouring.SQEFlags
	Fd      int
	File    DescriptorHandle
	Addr    uintptr
	Len     uint32
	Buffer  BufferHandle
	Offset  uint64
	OpFlags uint32
	IoPrio  uint16
}

func Nop() Operation {
	return Operation{Opcode: iouring.OpNop, Fd: -1}
}

func Read(fd int, buf []byte, offset uint64) Operation {
	return Operation{Opcode: iouring.OpRead, Fd: fd, Addr: addressOf(buf), Len: uint32(len(buf)), Offset: offset}
}

func Write(fd int, buf []byte, offset uint64) Operation {
	return Operation{Opcode: iouring.OpWrite, Fd: fd, Addr: addressOf(buf), Len: uint32(len(buf)), Offset: offset}
}

// ReadFixed reads into buf, which must lie inside the buffer registered as buffer.
func ReadFixed(fd int, buffer BufferHandle, buf []byte, offset uint64) Operation {
	return Operation{
		Opcode: iouring.OpReadFixed,
		Fd:     fd,
		Buffer: buffer,
		Addr:   addressOf(buf),
		Len:    uint32(len(buf)),
		Offset: offset,
	}
}

func WriteFixed(fd int, buffer BufferHandle, buf []byte, offset uint64) Operation {
	return Operation{
		Opcode: iouring.OpWriteFixed,
		Fd:     fd,
		Buffer: buffer,
		Addr:   addressOf(buf),
		Len:    uint32(len(buf)),
		Offset: offset,
	}
}

func Fsync(fd int, datasync bool) Operation {
	op := Operation{Opcode: iouring.OpFsync, Fd: fd}
	if datasync {
		op.OpFlags = iouring.FsyncDatasync
	}

	return op
}

// Cancel asks the kernel to cancel the operation submitted with token. The
// cancelled operation still completes, usually with ECANCELED.
func Cancel(token uint64) Operation {
	return Operation{Opcode: iouring.OpAsyncCancel, Fd: -1, Addr: uintptr(token)}
}

func Close(fd int) Operation {
	return Operation{Opcode: iouring.OpClose, Fd: fd}
}

func (op Operation) WithFlags(flags iouring.SQEFlags) Operation {
	op.Flags |= flags

	return op
}

// WithDescriptor makes the operation target a registered descriptor instead of Fd.
func (op Operation) WithDescriptor(file DescriptorHandle) Operation {
	op.File = file

	return op
}

func (op Operation) WithIoPrio(prio uint16) Operation {
	op.IoPrio = prio

	return op
}

func (op Operation) WithOpFlags(flags uint32) Operation {
	op.OpFlags |= flags

	return op
}

func (op Operation) fixed() bool {
	return op.Opcode == iouring.OpReadFixed || op.Opcode == iouring.OpWriteFixed
}

func (op *Operation) validate() error {
	switch {
	case op.Opcode >= iouring.OpLast:
		return fernErrors.ErrorInvalidOperation(fmt.Sprintf("unknown opcode %d", uint8(op.Opcode)))
	case op.Flags&^allowedFlags != 0:
		return fernErrors.ErrorInvalidOperation(fmt.Sprintf("unsupported flags %#x", uint8(op.Flags&^allowedFlags)))
	case op.fixed() && !op.Buffer.Valid():
		return fernErrors.ErrorInvalidOperation(op.Opcode.String() + " requires a registered buffer")
	case !op.fixed() && op.Buffer.Valid():
		return fernErrors.ErrorInvalidOperation(op.Opcode.String() + " cannot use a registered buffer")
	case op.Opcode == iouring.OpClose && op.File.Valid():
		return fernErrors.ErrorInvalidOperation("registered descriptors are closed by UnregisterDescriptor")
	}

	return nil
}

// encode fills the entry span of one submission slot.
func (op *Operation) encode(entry []iouring.SubmissionQueueEntry, token uint64, refs references) {
	sqe := &entry[0]
	sqe.PrepareRW(op.Opcode, op.Fd, op.Addr, op.Len, op.Offset)
	sqe.Flags = op.Flags
	sqe.IoPrio = op.IoPrio
	sqe.OpcodeFlags = op.OpFlags
	sqe.UserData = token

	if refs.buffer.held {
		sqe.BufIndex = uint16(refs.buffer.slot)
	}

	if refs.file.held {
		sqe.SetTargetFixedFile(refs.file.slot)
	}

	for i := 1; i < len(entry); i++ {
		entry[i] = iouring.SubmissionQueueEntry{}
	}
}

func addressOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&buf[0]))
}
