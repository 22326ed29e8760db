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

// Consumer takes entries between its own head and the counterpart's tail.
type Consumer[T any] struct {
	view[T]

	head     Cell
	tail     Cell
	reserved Cell
}

// NewConsumer builds the consuming side of a ring. tail is advanced by the
// producer, head is released by the consumer.
func NewConsumer[T any](entries []T, head, tail Cell, mask uint32, opts ...Option) (*Consumer[T], error) {
	v, reserved, err := newView(entries, mask, head, opts)
	if err != nil {
		return nil, err
	}

	return &Consumer[T]{view: v, head: head, tail: tail, reserved: reserved}, nil
}

// Ready returns the number of entries not yet reserved by any consumer.
func (c *Consumer[T]) Ready() uint32 {
	return c.tail.Load() - c.reserved.Load()
}

func (c *Consumer[T]) Reserve() (Reserved[T], bool) {
	first, n := c.ReserveN(1)
	if n == 0 {
		return Reserved[T]{}, false
	}

	return c.slot(first), true
}

// ReserveN claims up to max consecutive entries and returns the first index
// and the count claimed.
func (c *Consumer[T]) ReserveN(max uint32) (uint32, uint32) {
	if max == 0 {
		return 0, 0
	}

	for {
		claim := c.reserved.Load()
		tail := c.tail.Load()

		available := tail - claim
		if available == 0 {
			return 0, 0
		}

		n := available
		if n > max {
			n = max
		}

		if c.reserved.CompareAndSwap(claim, claim+n) {
			return claim, n
		}
	}
}

// Commit releases r if every earlier reservation has been released.
func (c *Consumer[T]) Commit(r Reserved[T]) error {
	return c.commitN(r.index, 1)
}

func (c *Consumer[T]) commitN(first, n uint32) error {
	if c.head.Load() != first {
		return ErrCommitOutOfOrder
	}

	c.head.Store(first + n)

	return nil
}

// Release waits for earlier reservations and then releases r to the producer.
func (c *Consumer[T]) Release(r Reserved[T]) {
	c.ReleaseN(r.index, 1)
}

func (c *Consumer[T]) ReleaseN(first, n uint32) {
	for c.commitN(first, n) != nil {
		c.yield()
	}
}
