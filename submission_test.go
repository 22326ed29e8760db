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

package fern_test

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pawelgaczynski/fern"
	"github.com/pawelgaczynski/fern/internal/simkernel"
	"github.com/pawelgaczynski/fern/iouring"
	. "github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSubmitValidation(t *testing.T) {
	ring, _ := newTestRing(t, 4)

	ErrorIs(t, ring.Submit(fern.Nop(), fern.ReservedToken), fern.ErrReservedToken)
	ErrorIs(t, ring.Submit(fern.Operation{Opcode: iouring.OpLast}, 1), fern.ErrInvalidOperation)
	ErrorIs(t, ring.Submit(fern.Nop().WithFlags(iouring.SqeFixedFile), 1), fern.ErrInvalidOperation)
	ErrorIs(t, ring.Submit(fern.Nop().WithFlags(iouring.SqeCQESkipSuccess), 1), fern.ErrInvalidOperation)
	ErrorIs(t, ring.Submit(fern.ReadFixed(0, fern.BufferHandle{}, nil, 0), 1), fern.ErrInvalidOperation)

	Zero(t, ring.Outstanding())
	Equal(t, uint32(4), ring.SQSpaceLeft())

	NoError(t, ring.Submit(fern.Nop().WithFlags(iouring.SqeIOLink|iouring.SqeAsync).WithIoPrio(1), 1))
	Equal(t, 1, ring.Outstanding())
}

func TestSubmitRejectsDuplicateToken(t *testing.T) {
	ring, kernel := newTestRing(t, 4)
	kernel.Hold(ring.Fd(), true)

	NoError(t, ring.Submit(fern.Nop(), 5))
	ErrorIs(t, ring.Submit(fern.Nop(), 5), fern.ErrDuplicateToken)
	Equal(t, uint32(1), ring.SQReady())

	_, err := ring.Flush()
	NoError(t, err)
	True(t, kernel.Complete(ring.Fd(), 5, 0))
	Equal(t, uint64(5), drain(t, ring, 1)[0].Token)

	NoError(t, ring.Submit(fern.Nop(), 5))
}

func TestQueueFullBoundary(t *testing.T) {
	ring, kernel := newTestRing(t, 8)
	kernel.Hold(ring.Fd(), true)

	for token := uint64(1); token <= 8; token++ {
		NoError(t, ring.Submit(fern.Nop(), token))
	}

	Zero(t, ring.SQSpaceLeft())
	ErrorIs(t, ring.Submit(fern.Nop(), 9), fern.ErrQueueFull)
	Equal(t, 8, ring.Outstanding())
	Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, ring.OutstandingTokens())

	// A flush the kernel refuses on every attempt leaves the head in place.
	kernel.Busy(ring.Fd(), 5)
	_, err := ring.Flush()
	ErrorIs(t, err, fern.ErrBacklog)
	Equal(t, uint32(8), ring.SQReady())
	Zero(t, ring.SQSpaceLeft())
	ErrorIs(t, ring.Submit(fern.Nop(), 9), fern.ErrQueueFull)
	Equal(t, 8, ring.Outstanding())

	submitted, err := ring.Flush()
	NoError(t, err)
	Equal(t, uint(8), submitted)
	Equal(t, uint32(8), ring.SQSpaceLeft())

	True(t, kernel.Complete(ring.Fd(), 3, 0))
	record, ok := ring.Poll()
	True(t, ok)
	Equal(t, uint64(3), record.Token)

	NoError(t, ring.Submit(fern.Nop(), 9))
	Equal(t, []uint64{1, 2, 4, 5, 6, 7, 8, 9}, ring.OutstandingTokens())
}

func TestFlushBacklog(t *testing.T) {
	ring, kernel := newTestRing(t, 4)

	NoError(t, ring.Submit(fern.Nop(), 1))

	kernel.Busy(ring.Fd(), 100)
	_, err := ring.Flush()
	ErrorIs(t, err, fern.ErrBacklog)

	kernel.Busy(ring.Fd(), 1)
	submitted, err := ring.Flush()
	NoError(t, err)
	Equal(t, uint(1), submitted)
	Equal(t, uint64(1), drain(t, ring, 1)[0].Token)
}

func TestFlushRetriesInterruptedCalls(t *testing.T) {
	ring, kernel := newTestRing(t, 4)

	NoError(t, ring.Submit(fern.Nop(), 1))
	kernel.Fail(ring.Fd(), unix.EINTR)

	submitted, err := ring.Flush()
	NoError(t, err)
	Equal(t, uint(1), submitted)
}

func TestKernelFaultPoisonsRing(t *testing.T) {
	ring, kernel := newTestRing(t, 4)

	NoError(t, ring.Submit(fern.Nop(), 1))
	kernel.Fail(ring.Fd(), unix.EINVAL)

	_, err := ring.Flush()
	ErrorIs(t, err, fern.ErrRing)
	ErrorIs(t, err, unix.EINVAL)

	ErrorIs(t, ring.Submit(fern.Nop(), 2), fern.ErrRingPoisoned)
	_, err = ring.Flush()
	ErrorIs(t, err, fern.ErrRingPoisoned)
}

func TestSubmitTokenRoundTrip(t *testing.T) {
	ring, _ := newTestRing(t, 4)
	buf := make([]byte, 32)

	NoError(t, ring.Submit(fern.Read(3, buf, 0), 0xdeadbeef))
	_, err := ring.Flush()
	NoError(t, err)

	record := drain(t, ring, 1)[0]
	Equal(t, uint64(0xdeadbeef), record.Token)
	Equal(t, int32(32), record.Result)
	NoError(t, record.Err())
	Zero(t, ring.Outstanding())
}

func TestSubmitEncodesOperation(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []iouring.SubmissionQueueEntry
	)

	kernel := simkernel.New(simkernel.WithHandler(func(sqe iouring.SubmissionQueueEntry) (int32, bool) {
		mu.Lock()
		seen = append(seen, sqe)
		mu.Unlock()

		return 0, false
	}))
	ring, _ := newTestRingWith(t, kernel, 4)

	NoError(t, ring.Submit(fern.Fsync(9, true).WithFlags(iouring.SqeIODrain), 1))
	NoError(t, ring.Submit(fern.Write(4, make([]byte, 8), 4096).WithOpFlags(2), 2))
	NoError(t, ring.Submit(fern.Close(5), 3))
	_, err := ring.Flush()
	NoError(t, err)
	drain(t, ring, 3)

	mu.Lock()
	defer mu.Unlock()
	Len(t, seen, 3)

	Equal(t, iouring.OpFsync, seen[0].OpCode)
	Equal(t, int32(9), seen[0].Fd)
	Equal(t, iouring.FsyncDatasync, seen[0].OpcodeFlags)
	Equal(t, iouring.SqeIODrain, seen[0].Flags)
	Equal(t, uint64(1), seen[0].UserData)

	Equal(t, iouring.OpWrite, seen[1].OpCode)
	Equal(t, uint32(8), seen[1].Len)
	Equal(t, uint64(4096), seen[1].Off)
	Equal(t, uint32(2), seen[1].OpcodeFlags)
	NotZero(t, seen[1].Addr)

	Equal(t, iouring.OpClose, seen[2].OpCode)
	Equal(t, int32(5), seen[2].Fd)
}

func TestCancel(t *testing.T) {
	ring, kernel := newTestRing(t, 4)
	kernel.Hold(ring.Fd(), true)

	NoError(t, ring.Submit(fern.Nop(), 1))
	_, err := ring.Flush()
	NoError(t, err)

	NoError(t, ring.Submit(fern.Cancel(1), 2))
	NoError(t, ring.Submit(fern.Cancel(42), 3))
	_, err = ring.Flush()
	NoError(t, err)

	results := make(map[uint64]error)
	for _, record := range drain(t, ring, 3) {
		results[record.Token] = record.Err()
	}

	ErrorIs(t, results[1], syscall.ECANCELED)
	NoError(t, results[2])
	ErrorIs(t, results[3], syscall.ENOENT)
	Zero(t, ring.Outstanding())
}

func TestKernelPolledSubmission(t *testing.T) {
	ring, kernel := newTestRing(t, 4,
		fern.WithMode(fern.ModeKernelPolledSubmission), fern.WithSQThreadIdle(time.Millisecond))
	Equal(t, iouring.SetupSQPoll, ring.Flags())

	NoError(t, ring.Submit(fern.Nop(), 1))
	Equal(t, uint64(1), drain(t, ring, 1)[0].Token)

	Eventually(t, func() bool {
		_, err := ring.Flush()
		NoError(t, err)

		return kernel.Stats(ring.Fd()).Wakeups > 0
	}, time.Second, 5*time.Millisecond)

	NoError(t, ring.Submit(fern.Nop(), 2))
	_, err := ring.Flush()
	NoError(t, err)
	Equal(t, uint64(2), drain(t, ring, 1)[0].Token)
}

// Every accepted token completes exactly once while submitters and
// reapers run concurrently against a small ring.
func TestConcurrentSubmitExactlyOnce(t *testing.T) {
	const (
		submitters = 4
		perWorker  = 500
		total      = submitters * perWorker
	)

	ring, _ := newTestRing(t, 8)

	var (
		mu       sync.Mutex
		seen     = make(map[uint64]int, total)
		reaped   int
		wg       sync.WaitGroup
		reapers  sync.WaitGroup
		finished = make(chan struct{})
	)

	for w := 0; w < submitters; w++ {
		w := w

		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				token := uint64(w*perWorker + i)
				for {
					err := ring.Submit(fern.Nop(), token)
					if err == nil {
						break
					}

					if !errors.Is(err, fern.ErrQueueFull) {
						panic(err)
					}

					if _, err = ring.Flush(); err != nil && !errors.Is(err, fern.ErrBacklog) {
						panic(err)
					}
				}
			}
		}()
	}

	for r := 0; r < 2; r++ {
		reapers.Add(1)
		go func() {
			defer reapers.Done()

			batch := make([]fern.CompletionRecord, 4)
			for {
				select {
				case <-finished:
					return
				default:
				}

				n := ring.PollBatch(batch)
				if n == 0 {
					_, _ = ring.Flush()

					continue
				}

				mu.Lock()
				for _, record := range batch[:n] {
					seen[record.Token]++
				}
				reaped += n
				done := reaped == total
				mu.Unlock()

				if done {
					close(finished)

					return
				}
			}
		}()
	}

	wg.Wait()
	reapers.Wait()

	Len(t, seen, total)
	for token, count := range seen {
		Equal(t, 1, count, "token %d", token)
	}
	Zero(t, ring.Outstanding())
	Empty(t, ring.OutstandingTokens())
}
