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

const (
	RegisterBuffers uint32 = iota
	UnregisterBuffers

	RegisterFiles
	UnregisterFiles

	RegisterEventFD
	UnregisterEventFD

	RegisterFilesUpdate
	RegisterEventFDAsync
	RegisterProbe

	RegisterPersonality
	UnregisterPersonality

	RegisterRestrictions
	RegisterEnableRings

	RegisterFiles2
	RegisterFilesUpdate2
	RegisterBuffers2
	RegisterBuffersUpdate

	RegisterIOWQAff
	UnregisterIOWQAff

	RegisterIOWQMaxWorkers

	RegisterRingFDs
	UnregisterRingFDs

	RegisterPbufRing
	UnregisterPbufRing

	RegisterSyncCancel

	RegisterFileAllocRange

	RegisterLast
)

type (
	FilesUpdate struct {
		Offset uint32
		Resv   uint32
		Fds    uint64
	}

	RsrcRegister struct {
		Nr    uint32
		Flags uint32
		Resv2 uint64
		Data  uint64
		Tags  uint64
	}

	RsrcUpdate2 struct {
		Offset uint32
		Resv   uint32
		Data   uint64
		Tags   uint64
		Nr     uint32
		Resv2  uint32
	}
)

const (
	RsrcRegisterSparse uint32 = 1 << iota
)

const RegisterFilesSkip int32 = -2

// ClearedFile marks an empty slot in a registered descriptor table.
const ClearedFile int32 = -1

// Iovec mirrors struct iovec with the base kept as an integer address.
type Iovec struct {
	Base uint64
	Len  uint64
}
