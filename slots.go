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
	"sync/atomic"

	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
	"github.com/pawelgaczynski/fern/pkg/stack"
)

// A slot word packs the generation (high 32 bits), the active and retiring
// bits and the reference count. Acquire and retire both CAS the whole word,
// so an operation can never take a reference to a slot being unregistered.
const (
	refsMask        uint64 = 1<<30 - 1
	activeBit       uint64 = 1 << 30
	retiringBit     uint64 = 1 << 31
	generationShift        = 32
)

type slotWord interface {
	Load() uint64
	Store(val uint64)
	CompareAndSwap(old, new uint64) bool
	Add(delta uint64) uint64
}

func generationOf(word uint64) uint32 {
	return uint32(word >> generationShift)
}

type slotTable struct {
	kind  string
	words []slotWord
	free  *stack.Stack[uint32]
	inUse func(slot, refs uint32) error
}

func newSlotTable(kind string, size uint32, inUse func(slot, refs uint32) error) *slotTable {
	words := make([]slotWord, size)
	for i := range words {
		words[i] = new(atomic.Uint64)
	}

	return newSlotTableWith(kind, words, inUse)
}

func newSlotTableWith(kind string, words []slotWord, inUse func(slot, refs uint32) error) *slotTable {
	table := &slotTable{
		kind:  kind,
		words: words,
		free:  stack.NewLockFreeStack[uint32](),
		inUse: inUse,
	}

	for slot := len(words) - 1; slot >= 0; slot-- {
		table.free.Push(uint32(slot))
	}

	return table
}

func (t *slotTable) size() uint32 {
	return uint32(len(t.words))
}

// claim takes a free slot for exclusive setup by the caller.
func (t *slotTable) claim() (uint32, error) {
	slot, ok := t.free.Pop()
	if !ok {
		return 0, fernErrors.ErrorRegistryFull(t.kind, t.size())
	}

	return slot, nil
}

func (t *slotTable) unclaim(slot uint32) {
	t.free.Push(slot)
}

// activate publishes a claimed slot under a fresh generation.
func (t *slotTable) activate(slot uint32) uint32 {
	word := t.words[slot]

	generation := generationOf(word.Load()) + 1
	if generation == 0 {
		generation = 1
	}

	word.Store(uint64(generation)<<generationShift | activeBit)

	return generation
}

func (t *slotTable) acquire(slot, generation uint32) error {
	if slot >= t.size() {
		return fernErrors.ErrorInvalidHandle(t.kind, slot)
	}

	word := t.words[slot]

	for {
		current := word.Load()

		if generationOf(current) != generation || current&activeBit == 0 || current&retiringBit != 0 {
			return fernErrors.ErrorInvalidHandle(t.kind, slot)
		}

		if current&refsMask == refsMask {
			return fernErrors.ErrorInvalidOperation("reference count overflow")
		}

		if word.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

func (t *slotTable) release(slot uint32) {
	t.words[slot].Add(^uint64(0))
}

// retire moves an unreferenced active slot to retiring. No new reference
// can be taken until restore or recycle.
func (t *slotTable) retire(slot, generation uint32) error {
	if slot >= t.size() {
		return fernErrors.ErrorInvalidHandle(t.kind, slot)
	}

	word := t.words[slot]

	for {
		current := word.Load()

		if generationOf(current) != generation || current&activeBit == 0 || current&retiringBit != 0 {
			return fernErrors.ErrorInvalidHandle(t.kind, slot)
		}

		if refs := uint32(current & refsMask); refs > 0 {
			return t.inUse(slot, refs)
		}

		if word.CompareAndSwap(current, current|retiringBit) {
			return nil
		}
	}
}

func (t *slotTable) restore(slot uint32) {
	word := t.words[slot]
	word.Store(word.Load() &^ retiringBit)
}

// recycle deactivates a retired slot and returns it to the free list.
func (t *slotTable) recycle(slot uint32) {
	word := t.words[slot]
	word.Store(uint64(generationOf(word.Load())) << generationShift)
	t.free.Push(slot)
}

func (t *slotTable) refs(slot uint32) uint32 {
	return uint32(t.words[slot].Load() & refsMask)
}

type slotRef struct {
	slot uint32
	held bool
}

// references are the registry slots an outstanding operation pins.
type references struct {
	buffer slotRef
	file   slotRef
}
