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

// PrepareRW resets the entry and fills the fields shared by most operations.
func (entry *SubmissionQueueEntry) PrepareRW(opcode Opcode, fd int, addr uintptr, length uint32, offset uint64) {
	*entry = SubmissionQueueEntry{
		OpCode: opcode,
		Fd:     int32(fd),
		Off:    offset,
		Addr:   uint64(addr),
		Len:    length,
	}
}

func (entry *SubmissionQueueEntry) PrepareNop() {
	entry.PrepareRW(OpNop, -1, 0, 0, 0)
}

func (entry *SubmissionQueueEntry) PrepareReadv(fd int, iovecs uintptr, nrVecs uint32, offset uint64) {
	entry.PrepareRW(OpReadv, fd, iovecs, nrVecs, offset)
}

func (entry *SubmissionQueueEntry) PrepareWritev(fd int, iovecs uintptr, nrVecs uint32, offset uint64) {
	entry.PrepareRW(OpWritev, fd, iovecs, nrVecs, offset)
}

func (entry *SubmissionQueueEntry) PrepareRead(fd int, buf uintptr, nbytes uint32, offset uint64) {
	entry.PrepareRW(OpRead, fd, buf, nbytes, offset)
}

func (entry *SubmissionQueueEntry) PrepareWrite(fd int, buf uintptr, nbytes uint32, offset uint64) {
	entry.PrepareRW(OpWrite, fd, buf, nbytes, offset)
}

// PrepareReadFixed reads into the registered buffer at index. buf must lie inside it.
func (entry *SubmissionQueueEntry) PrepareReadFixed(fd int, buf uintptr, nbytes uint32, offset uint64, index uint16) {
	entry.PrepareRW(OpReadFixed, fd, buf, nbytes, offset)
	entry.BufIndex = index
}

func (entry *SubmissionQueueEntry) PrepareWriteFixed(fd int, buf uintptr, nbytes uint32, offset uint64, index uint16) {
	entry.PrepareRW(OpWriteFixed, fd, buf, nbytes, offset)
	entry.BufIndex = index
}

func (entry *SubmissionQueueEntry) PrepareFsync(fd int, fsyncFlags uint32) {
	entry.PrepareRW(OpFsync, fd, 0, 0, 0)
	entry.OpcodeFlags = fsyncFlags
}

// PrepareCancel targets the in-flight entry whose UserData equals userData.
func (entry *SubmissionQueueEntry) PrepareCancel(userData uint64, flags uint32) {
	entry.PrepareRW(OpAsyncCancel, -1, uintptr(userData), 0, 0)
	entry.OpcodeFlags = flags
}

func (entry *SubmissionQueueEntry) PrepareClose(fd int) {
	entry.PrepareRW(OpClose, fd, 0, 0, 0)
}

// SetTargetFixedFile makes the entry operate on registered file index.
func (entry *SubmissionQueueEntry) SetTargetFixedFile(index uint32) {
	entry.Fd = int32(index)
	entry.Flags |= SqeFixedFile
}
