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

package stack

import (
	"sync/atomic"
	"unsafe"
)

type node[T any] struct {
	value T
	next  unsafe.Pointer
}

// Stack is a lock-free Treiber stack. Nodes are never reused, so a popped
// pointer cannot reappear on top while another Pop is in flight.
type Stack[T any] struct {
	top unsafe.Pointer
	len int64
}

func NewLockFreeStack[T any]() *Stack[T] {
	return &Stack[T]{}
}

// Pop removes the top value. ok is false when the stack is empty.
func (s *Stack[T]) Pop() (value T, ok bool) {
	for {
		top := atomic.LoadPointer(&s.top)
		if top == nil {
			return value, false
		}

		item := (*node[T])(top)
		next := atomic.LoadPointer(&item.next)

		if atomic.CompareAndSwapPointer(&s.top, top, next) {
			atomic.AddInt64(&s.len, -1)

			return item.value, true
		}
	}
}

func (s *Stack[T]) Push(v T) {
	item := &node[T]{value: v}

	for {
		top := atomic.LoadPointer(&s.top)
		item.next = top

		if atomic.CompareAndSwapPointer(&s.top, top, unsafe.Pointer(item)) {
			atomic.AddInt64(&s.len, 1)

			return
		}
	}
}

// Len is a snapshot and may be stale under concurrent use.
func (s *Stack[T]) Len() int {
	return int(atomic.LoadInt64(&s.len))
}
