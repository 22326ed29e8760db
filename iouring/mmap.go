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
	"errors"
	"fmt"
	"unsafe"
)

// Offsets of the three regions within the ring file descriptor.
const (
	OffSQRing uint64 = 0
	OffCQRing uint64 = 0x8000000
	OffSQEs   uint64 = 0x10000000
)

var errShortRegion = errors.New("region shorter than the ring layout")

type SubmissionRing struct {
	Head        *uint32
	Tail        *uint32
	RingMask    *uint32
	RingEntries *uint32
	Flags       *uint32
	Dropped     *uint32
	Array       []uint32
}

type CompletionRing struct {
	Head        *uint32
	Tail        *uint32
	RingMask    *uint32
	RingEntries *uint32
	Overflow    *uint32
	Flags       *uint32
}

// Mapping is a view of the memory shared with the kernel for one ring.
// SQEs and CQEs hold base-size slots; with SQE128 or CQE32 each logical
// entry spans two of them.
type Mapping struct {
	SQ   SubmissionRing
	CQ   CompletionRing
	SQEs []SubmissionQueueEntry
	CQEs []CompletionQueueEvent

	sqRing []byte
	cqRing []byte
	sqes   []byte
}

// RegionSizes returns the byte length of the SQ ring, CQ ring and SQE regions
// described by p. With FeatSingleMMap both rings share the larger size.
func RegionSizes(p *Params) (sqRing, cqRing, sqes int) {
	sqRing = int(p.SQOff.Array) + int(p.SQEntries)*int(unsafe.Sizeof(uint32(0)))
	cqeSize := int(unsafe.Sizeof(CompletionQueueEvent{})) << p.EventShift()
	cqRing = int(p.CQOff.CQEs) + int(p.CQEntries)*cqeSize

	if p.Features&FeatSingleMMap > 0 {
		if cqRing > sqRing {
			sqRing = cqRing
		}
		cqRing = sqRing
	}

	sqes = int(p.SQEntries) * (int(unsafe.Sizeof(SubmissionQueueEntry{})) << p.EntryShift())

	return sqRing, cqRing, sqes
}

// NewMapping resolves the ring pointers inside the given regions using the
// offsets in p. cqRing may alias sqRing.
func NewMapping(sqRing, cqRing, sqes []byte, p *Params) (*Mapping, error) {
	sqSize, cqSize, sqesSize := RegionSizes(p)
	if len(sqRing) < sqSize || len(cqRing) < cqSize || len(sqes) < sqesSize {
		return nil, fmt.Errorf("%w: sq %d/%d, cq %d/%d, sqes %d/%d",
			errShortRegion, len(sqRing), sqSize, len(cqRing), cqSize, len(sqes), sqesSize)
	}

	sqBase := unsafe.Pointer(&sqRing[0])
	cqBase := unsafe.Pointer(&cqRing[0])

	mapping := &Mapping{
		SQ: SubmissionRing{
			Head:        (*uint32)(unsafe.Add(sqBase, p.SQOff.Head)),
			Tail:        (*uint32)(unsafe.Add(sqBase, p.SQOff.Tail)),
			RingMask:    (*uint32)(unsafe.Add(sqBase, p.SQOff.RingMask)),
			RingEntries: (*uint32)(unsafe.Add(sqBase, p.SQOff.RingEntries)),
			Flags:       (*uint32)(unsafe.Add(sqBase, p.SQOff.Flags)),
			Dropped:     (*uint32)(unsafe.Add(sqBase, p.SQOff.Dropped)),
			Array:       unsafe.Slice((*uint32)(unsafe.Add(sqBase, p.SQOff.Array)), p.SQEntries),
		},
		CQ: CompletionRing{
			Head:        (*uint32)(unsafe.Add(cqBase, p.CQOff.Head)),
			Tail:        (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail)),
			RingMask:    (*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask)),
			RingEntries: (*uint32)(unsafe.Add(cqBase, p.CQOff.RingEntries)),
			Overflow:    (*uint32)(unsafe.Add(cqBase, p.CQOff.Overflow)),
		},
		SQEs: unsafe.Slice((*SubmissionQueueEntry)(unsafe.Pointer(&sqes[0])), p.SQEntries<<p.EntryShift()),
		CQEs: unsafe.Slice(
			(*CompletionQueueEvent)(unsafe.Add(cqBase, p.CQOff.CQEs)), p.CQEntries<<p.EventShift()),
		sqRing: sqRing,
		cqRing: cqRing,
		sqes:   sqes,
	}

	// Kernels without the CQ flags word leave its offset at zero.
	if p.CQOff.Flags != 0 {
		mapping.CQ.Flags = (*uint32)(unsafe.Add(cqBase, p.CQOff.Flags))
	} else {
		mapping.CQ.Flags = new(uint32)
	}

	return mapping, nil
}

// Regions returns the backing memory. cqRing is nil when it aliases sqRing.
func (m *Mapping) Regions() (sqRing, cqRing, sqes []byte) {
	cqRing = m.cqRing
	if len(cqRing) > 0 && len(m.sqRing) > 0 && &cqRing[0] == &m.sqRing[0] {
		cqRing = nil
	}

	return m.sqRing, cqRing, m.sqes
}
