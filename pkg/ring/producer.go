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

package ring

// Producer fills slots between the counterpart's head and its own tail.
type Producer[T any] struct {
	view[T]

	head     Cell
	tail     Cell
	reserved Cell
}

// NewProducer builds the producing side of a ring. head is advanced by the
// consumer, tail is published by the producer.
func NewProducer[T any](entries []T, head, tail Cell, mask uint32, opts ...Option) (*Producer[T], error) {
	v, reserved, err := newView(entries, mask, tail, opts)
	if err != nil {
		return nil, err
	}

	return &Producer[T]{view: v, head: head, tail: tail, reserved: reserved}, nil
}

// Ready returns the number of published entries the consumer has not taken.
func (p *Producer[T]) Ready() uint32 {
	return p.tail.Load() - p.head.Load()
}

// SpaceLeft returns the number of slots that can still be reserved.
func (p *Producer[T]) SpaceLeft() uint32 {
	head := p.head.Load()

	used := p.reserved.Load() - head
	if used >= p.Size() {
		return 0
	}

	return p.Size() - used
}

// Reserve claims the next free slot. It fails when the ring is full.
func (p *Producer[T]) Reserve() (Reserved[T], bool) {
	for {
		head := p.head.Load()
		claim := p.reserved.Load()

		if claim-head >= p.Size() {
			return Reserved[T]{}, false
		}

		if p.reserved.CompareAndSwap(claim, claim+1) {
			return p.slot(claim), true
		}
	}
}

// Commit publishes r if every earlier reservation has been published.
func (p *Producer[T]) Commit(r Reserved[T]) error {
	if p.tail.Load() != r.index {
		return ErrCommitOutOfOrder
	}

	p.tail.Store(r.index + 1)

	return nil
}

// Publish waits for earlier reservations and then commits r.
func (p *Producer[T]) Publish(r Reserved[T]) {
	for p.Commit(r) != nil {
		p.yield()
	}
}
