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
	SetupIOPoll uint32 = 1 << iota
	SetupSQPoll
	SetupSQAff
	SetupCQSize
	SetupClamp
	SetupAttachWQ
	SetupRDisabled
	SetupSubmitAll
	SetupCoopTaskrun
	SetupTaskrunFlag
	SetupSQE128
	SetupCQE32
	SetupSingleIssuer
	SetupDeferTaskrun
)

const (
	FeatSingleMMap uint32 = 1 << iota
	FeatNoDrop
	FeatSubmitStable
	FeatRWCurPos
	FeatCurPersonality
	FeatFastPoll
	FeatPoll32Bits
	FeatSQPollNonfixed
	FeatExtArg
	FeatNativeWorkers
	FeatRsrcTags
	FeatCQESkip
	FeatLinkedFile
)

// Kernel limits on ring sizes.
const (
	MaxEntries   uint32 = 32768
	MaxCQEntries        = 2 * MaxEntries
)

// Kernel limits on registration tables.
const (
	MaxRegisteredBuffers uint32 = 1 << 14
	MaxRegisteredFiles   uint32 = 1 << 20
	MaxBufferLength             = 1 << 30
)

type SQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type CQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Params mirrors struct io_uring_params. The kernel fills the offsets, the
// negotiated entry counts and the feature mask on setup.
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32

	SQOff SQRingOffsets
	CQOff CQRingOffsets
}

// EntryShift returns log2 of the number of base-size slots one submission entry occupies.
func (p *Params) EntryShift() uint32 {
	if p.Flags&SetupSQE128 != 0 {
		return 1
	}

	return 0
}

// EventShift returns log2 of the number of base-size slots one completion event occupies.
func (p *Params) EventShift() uint32 {
	if p.Flags&SetupCQE32 != 0 {
		return 1
	}

	return 0
}

// RoundUpPowerOfTwo returns the smallest power of two >= n. Zero stays zero.
func RoundUpPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 0
	}

	x := n - 1
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16

	return x + 1
}
