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

// Package ring implements the index discipline of a single-producer view of
// a shared ring buffer. Many goroutines may reserve and fill slots
// concurrently; slots become visible to the other side strictly in
// reservation order.
package ring

import (
	"errors"
	"math"
	"runtime"
	"sync/atomic"
)

var (
	ErrEntriesSliceTooLong = errors.New("entries slice is longer than the ring index space")
	ErrLengthNotPowerOfTwo = errors.New("entries length is not a power of two")
	ErrInvalidMask         = errors.New("mask does not match the number of entries")
	ErrCommitOutOfOrder    = errors.New("commit would skip an earlier reservation")
)

// Cell is an atomically accessed ring index.
type Cell interface {
	Load() uint32
	Store(val uint32)
	CompareAndSwap(old, new uint32) bool
}

// Shared is a Cell over an index living in memory shared with the kernel.
type Shared struct {
	ptr *uint32
}

func NewShared(ptr *uint32) Shared {
	return Shared{ptr: ptr}
}

func (s Shared) Load() uint32 {
	return atomic.LoadUint32(s.ptr)
}

func (s Shared) Store(val uint32) {
	atomic.StoreUint32(s.ptr, val)
}

func (s Shared) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(s.ptr, old, new)
}

// Reserved is a claimed slot. Index is the free-running ring index.
type Reserved[T any] struct {
	index uint32
	entry *T
}

func (r Reserved[T]) Index() uint32 {
	return r.index
}

func (r Reserved[T]) Entry() *T {
	return r.entry
}

type options struct {
	shift    uint32
	yield    func()
	reserved Cell
}

type Option func(*options)

// WithStride makes every logical entry span 1<<shift elements of the slice.
func WithStride(shift uint32) Option {
	return func(o *options) {
		o.shift = shift
	}
}

// WithYield sets the function called while waiting for earlier reservations.
func WithYield(yield func()) Option {
	return func(o *options) {
		o.yield = yield
	}
}

// WithReservedCell supplies the cell holding the reservation index. It must
// start equal to the side's own index.
func WithReservedCell(cell Cell) Option {
	return func(o *options) {
		o.reserved = cell
	}
}

type view[T any] struct {
	entries []T
	mask    uint32
	shift   uint32
	yield   func()
}

func newView[T any](entries []T, mask uint32, own Cell, opts []Option) (view[T], Cell, error) {
	o := options{yield: runtime.Gosched}
	for _, opt := range opts {
		opt(&o)
	}

	if uint64(len(entries)) > math.MaxUint32 {
		return view[T]{}, nil, ErrEntriesSliceTooLong
	}

	size := uint32(len(entries)) >> o.shift
	if size == 0 || size&(size-1) != 0 || size<<o.shift != uint32(len(entries)) {
		return view[T]{}, nil, ErrLengthNotPowerOfTwo
	}

	if mask != size-1 {
		return view[T]{}, nil, ErrInvalidMask
	}

	reserved := o.reserved
	if reserved == nil {
		cell := new(atomic.Uint32)
		cell.Store(own.Load())
		reserved = cell
	}

	return view[T]{entries: entries, mask: mask, shift: o.shift, yield: o.yield}, reserved, nil
}

func (v *view[T]) Size() uint32 {
	return v.mask + 1
}

func (v *view[T]) slot(index uint32) Reserved[T] {
	return Reserved[T]{index: index, entry: &v.entries[(index&v.mask)<<v.shift]}
}

// Span returns every element backing the logical entry at index.
func (v *view[T]) Span(index uint32) []T {
	start := (index & v.mask) << v.shift

	return v.entries[start : start+1<<v.shift]
}
