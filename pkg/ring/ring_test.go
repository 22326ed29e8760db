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

package ring_test

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pawelgaczynski/fern/pkg/ring"
	. "github.com/stretchr/testify/require"
)

func cells(head, tail uint32) (*atomic.Uint32, *atomic.Uint32) {
	h, t := new(atomic.Uint32), new(atomic.Uint32)
	h.Store(head)
	t.Store(tail)

	return h, t
}

func TestNewValidatesLayout(t *testing.T) {
	head, tail := cells(0, 0)

	_, err := ring.NewProducer(make([]uint64, 3), head, tail, 2)
	ErrorIs(t, err, ring.ErrLengthNotPowerOfTwo)

	_, err = ring.NewProducer(make([]uint64, 0), head, tail, 0)
	ErrorIs(t, err, ring.ErrLengthNotPowerOfTwo)

	_, err = ring.NewConsumer(make([]uint64, 8), head, tail, 3)
	ErrorIs(t, err, ring.ErrInvalidMask)

	_, err = ring.NewProducer(make([]uint64, 8), head, tail, 7, ring.WithStride(1))
	ErrorIs(t, err, ring.ErrInvalidMask)

	producer, err := ring.NewProducer(make([]uint64, 8), head, tail, 3, ring.WithStride(1))
	NoError(t, err)
	Equal(t, uint32(4), producer.Size())
}

func TestNewRejectsOversizedSlice(t *testing.T) {
	if math.MaxInt == math.MaxInt32 {
		t.Skip("index space cannot be exceeded on 32-bit platforms")
	}

	length := uint64(math.MaxUint32) + 1
	head, tail := cells(0, 0)

	_, err := ring.NewProducer(make([]struct{}, length), head, tail, math.MaxUint32)
	ErrorIs(t, err, ring.ErrEntriesSliceTooLong)
}

func TestProducerReservesUntilFull(t *testing.T) {
	head, tail := cells(0, 0)
	producer, err := ring.NewProducer(make([]uint64, 4), head, tail, 3)
	NoError(t, err)
	Equal(t, uint32(4), producer.SpaceLeft())

	reserved := make([]ring.Reserved[uint64], 0, 4)
	for i := 0; i < 4; i++ {
		slot, ok := producer.Reserve()
		True(t, ok)
		Equal(t, uint32(i), slot.Index())
		reserved = append(reserved, slot)
	}

	_, ok := producer.Reserve()
	False(t, ok)
	Equal(t, uint32(0), producer.SpaceLeft())
	Equal(t, uint32(0), tail.Load(), "reservation must not publish")

	for _, slot := range reserved {
		producer.Publish(slot)
	}
	Equal(t, uint32(4), tail.Load())
	Equal(t, uint32(4), producer.Ready())

	head.Store(1)
	Equal(t, uint32(1), producer.SpaceLeft())

	slot, ok := producer.Reserve()
	True(t, ok)
	Equal(t, uint32(4), slot.Index())
	Same(t, reserved[0].Entry(), slot.Entry())
}

func TestProducerCommitOutOfOrder(t *testing.T) {
	head, tail := cells(0, 0)
	producer, err := ring.NewProducer(make([]uint64, 4), head, tail, 3)
	NoError(t, err)

	first, ok := producer.Reserve()
	True(t, ok)
	second, ok := producer.Reserve()
	True(t, ok)

	ErrorIs(t, producer.Commit(second), ring.ErrCommitOutOfOrder)
	Equal(t, uint32(0), tail.Load())

	NoError(t, producer.Commit(first))
	NoError(t, producer.Commit(second))
	Equal(t, uint32(2), tail.Load())
}

func TestProducerWrapsIndexSpace(t *testing.T) {
	start := uint32(math.MaxUint32 - 1)
	head, tail := cells(start, start)
	entries := make([]uint64, 4)
	producer, err := ring.NewProducer(entries, head, tail, 3)
	NoError(t, err)

	for i := uint32(0); i < 4; i++ {
		slot, ok := producer.Reserve()
		True(t, ok)
		*slot.Entry() = uint64(i + 1)
		producer.Publish(slot)
	}

	_, ok := producer.Reserve()
	False(t, ok)
	Equal(t, uint32(2), tail.Load())
	Equal(t, uint32(4), producer.Ready())
	Equal(t, []uint64{3, 4, 1, 2}, entries)
}

func TestProducerStride(t *testing.T) {
	head, tail := cells(0, 0)
	entries := make([]uint64, 8)
	producer, err := ring.NewProducer(entries, head, tail, 3, ring.WithStride(1))
	NoError(t, err)

	_, ok := producer.Reserve()
	True(t, ok)
	slot, ok := producer.Reserve()
	True(t, ok)

	span := producer.Span(slot.Index())
	Len(t, span, 2)
	span[0], span[1] = 7, 8
	Equal(t, []uint64{0, 0, 7, 8, 0, 0, 0, 0}, entries)
	Same(t, &entries[2], slot.Entry())
}

func TestConsumerReserveN(t *testing.T) {
	head, tail := cells(0, 3)
	entries := []uint64{10, 20, 30, 40}
	consumer, err := ring.NewConsumer(entries, head, tail, 3)
	NoError(t, err)
	Equal(t, uint32(3), consumer.Ready())

	first, n := consumer.ReserveN(2)
	Equal(t, uint32(0), first)
	Equal(t, uint32(2), n)

	slot, ok := consumer.Reserve()
	True(t, ok)
	Equal(t, uint64(30), *slot.Entry())

	_, ok = consumer.Reserve()
	False(t, ok)

	ErrorIs(t, consumer.Commit(slot), ring.ErrCommitOutOfOrder)
	Equal(t, uint32(0), head.Load())

	consumer.ReleaseN(first, n)
	consumer.Release(slot)
	Equal(t, uint32(3), head.Load())

	_, n = consumer.ReserveN(0)
	Equal(t, uint32(0), n)
}

func TestProducerConsumerConcurrent(t *testing.T) {
	const (
		producers = 4
		perWorker = 2000
	)

	head, tail := cells(0, 0)
	entries := make([]uint64, 8)
	producer, err := ring.NewProducer(entries, head, tail, 7)
	NoError(t, err)
	consumer, err := ring.NewConsumer(entries, head, tail, 7)
	NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				for {
					slot, ok := producer.Reserve()
					if ok {
						*slot.Entry() = uint64(p*perWorker + i)
						producer.Publish(slot)

						break
					}
				}
			}
		}(p)
	}

	seen := make(map[uint64]bool, producers*perWorker)
	for len(seen) < producers*perWorker {
		slot, ok := consumer.Reserve()
		if !ok {
			continue
		}

		value := *slot.Entry()
		False(t, seen[value], "value %d consumed twice", value)
		seen[value] = true
		consumer.Release(slot)
	}

	wg.Wait()
	Equal(t, tail.Load(), head.Load())
}
