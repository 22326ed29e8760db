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

package sync

import (
	"math/bits"
	"sync"
)

// Pool is a typed sync.Pool. Get returns the zero value when the pool is empty.
type Pool[T any] interface {
	Get() T
	Put(T)
}

type pool[T any] struct {
	internalPool sync.Pool
}

func getZero[T any]() T {
	var result T

	return result
}

func (p *pool[T]) Get() T {
	val, ok := p.internalPool.Get().(T)
	if !ok {
		return getZero[T]()
	}

	return val
}

func (p *pool[T]) Put(value T) {
	p.internalPool.Put(value)
}

func NewPool[T any]() Pool[T] {
	return &pool[T]{
		internalPool: sync.Pool{},
	}
}

// Classes pools values by capacity in power-of-two classes between a
// minimum and a maximum capacity. A value taken from the class for size
// always has at least size capacity.
type Classes[T any] struct {
	pools    []Pool[T]
	min, max int
	minShift int
}

func NewClasses[T any](minCapacity, maxCapacity int) *Classes[T] {
	minShift := bits.Len(uint(minCapacity - 1))
	maxShift := bits.Len(uint(maxCapacity)) - 1

	classes := &Classes[T]{
		min:      1 << minShift,
		max:      1 << maxShift,
		minShift: minShift,
	}
	for i := minShift; i <= maxShift; i++ {
		classes.pools = append(classes.pools, NewPool[T]())
	}

	return classes
}

// Class returns the capacity of the smallest class holding size. ok is
// false when size is not positive or above the largest class.
func (c *Classes[T]) Class(size int) (capacity int, ok bool) {
	if size <= 0 || size > c.max {
		return 0, false
	}

	if size <= c.min {
		return c.min, true
	}

	return 1 << bits.Len(uint(size-1)), true
}

// Get returns a pooled value of at least size capacity, or the zero value.
func (c *Classes[T]) Get(size int) T {
	capacity, ok := c.Class(size)
	if !ok {
		return getZero[T]()
	}

	return c.pools[bits.Len(uint(capacity))-1-c.minShift].Get()
}

// Put files value under the largest class not exceeding capacity. Values
// smaller than the smallest class are dropped.
func (c *Classes[T]) Put(capacity int, value T) {
	if capacity < c.min {
		return
	}

	if capacity > c.max {
		capacity = c.max
	}

	c.pools[bits.Len(uint(capacity))-1-c.minShift].Put(value)
}
