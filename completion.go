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
	"context"
	"errors"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	"golang.org/x/sys/unix"
)

// waitSlice bounds each kernel wait of WaitContext and of unbounded waits so
// cancellation and teardown are noticed.
const waitSlice = 20 * time.Millisecond

// CompletionRecord is a completion copied out of the completion queue.
type CompletionRecord struct {
	Token  uint64
	Result int32
	Flags  uint32
	// Extra holds the second half of a large completion entry.
	Extra [2]uint64
}

// Err returns the errno carried by a negative result.
func (c CompletionRecord) Err() error {
	if c.Result >= 0 {
		return nil
	}

	return syscall.Errno(-c.Result)
}

// More reports a multishot completion; the operation stays outstanding.
func (c CompletionRecord) More() bool {
	return c.Flags&iouring.CQEFMore != 0
}

func newRecord(span []iouring.CompletionQueueEvent) CompletionRecord {
	record := CompletionRecord{
		Token:  span[0].UserData,
		Result: span[0].Res,
		Flags:  span[0].Flags,
	}

	if len(span) > 1 {
		record.Extra[0] = span[1].UserData
		record.Extra[1] = uint64(uint32(span[1].Res)) | uint64(span[1].Flags)<<32
	}

	return record
}

// Poll takes one completion without blocking.
func (r *Ring) Poll() (CompletionRecord, bool) {
	if r.use(reapable) != nil {
		return CompletionRecord{}, false
	}
	defer r.done()

	return r.poll()
}

func (r *Ring) poll() (CompletionRecord, bool) {
	if record, ok := r.reap(); ok || !r.flushOverflow() {
		return record, ok
	}

	return r.reap()
}

func (r *Ring) reap() (CompletionRecord, bool) {
	for {
		reserved, ok := r.cq.Reserve()
		if !ok {
			return CompletionRecord{}, false
		}

		record := newRecord(r.cq.Span(reserved.Index()))
		r.cq.Release(reserved)

		if record.Token == ReservedToken {
			continue
		}

		r.complete(record)

		return record, true
	}
}

// PollBatch fills dst with up to len(dst) completions without blocking and
// returns how many it took.
func (r *Ring) PollBatch(dst []CompletionRecord) int {
	if len(dst) == 0 || r.use(reapable) != nil {
		return 0
	}
	defer r.done()

	n := r.reapBatch(dst)
	if n == 0 && r.flushOverflow() {
		n = r.reapBatch(dst)
	}

	return n
}

func (r *Ring) reapBatch(dst []CompletionRecord) int {
	limit := uint32(len(dst))
	if limit > r.cq.Size() {
		limit = r.cq.Size()
	}

	first, n := r.cq.ReserveN(limit)
	if n == 0 {
		return 0
	}

	taken := 0
	for i := uint32(0); i < n; i++ {
		record := newRecord(r.cq.Span(first + i))
		if record.Token == ReservedToken {
			continue
		}

		dst[taken] = record
		taken++
	}
	r.cq.ReleaseN(first, n)

	for i := 0; i < taken; i++ {
		r.complete(dst[i])
	}

	return taken
}

// flushOverflow asks the kernel to move overflowed completions into the
// queue. It reports whether it tried.
func (r *Ring) flushOverflow() bool {
	if !r.overflowed() {
		return false
	}

	_, _ = r.enter(0, 0, iouring.EnterGetEvents, nil, 0)

	return true
}

// complete retires the token of a final completion and drops the registry
// references its operation held.
func (r *Ring) complete(record CompletionRecord) {
	if record.More() {
		return
	}

	refs, ok := r.inflight.remove(record.Token)
	if !ok {
		r.logWarn().Uint64("token", record.Token).Int32("result", record.Result).
			Msg("Completion for unknown token")

		return
	}

	r.releaseReferences(refs)
}

// Wait returns the next completion, blocking up to timeout. NoTimeout
// blocks until one arrives. ErrTimedOut is returned only after timeout
// has fully elapsed.
func (r *Ring) Wait(timeout time.Duration) (CompletionRecord, error) {
	if timeout < 0 {
		return r.wait(time.Time{})
	}

	if timeout > 0 && r.features&iouring.FeatExtArg == 0 {
		return CompletionRecord{}, ErrNotSupported
	}

	return r.wait(time.Now().Add(timeout))
}

// WaitContext is Wait that also returns when ctx is done.
func (r *Ring) WaitContext(ctx context.Context, timeout time.Duration) (CompletionRecord, error) {
	if r.features&iouring.FeatExtArg == 0 {
		return CompletionRecord{}, ErrNotSupported
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return CompletionRecord{}, err
		}

		slice := time.Now().Add(waitSlice)
		if !deadline.IsZero() && deadline.Before(slice) {
			slice = deadline
		}

		record, err := r.wait(slice)
		if !errors.Is(err, ErrTimedOut) || (!deadline.IsZero() && !time.Now().Before(deadline)) {
			return record, err
		}
	}
}

// wait polls and sleeps in the kernel until a completion or the deadline.
// A zero deadline waits forever.
func (r *Ring) wait(deadline time.Time) (CompletionRecord, error) {
	for {
		if err := r.use(reapable); err != nil {
			return CompletionRecord{}, err
		}

		record, ok := r.poll()
		r.done()

		if ok {
			return record, nil
		}

		timeout := time.Duration(-1)
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return CompletionRecord{}, ErrTimedOut
			}
		}

		err := r.waitEvents(timeout)

		switch {
		case err == nil, errors.Is(err, errTimerExpired), errors.Is(err, errInterrupted):
		case errors.Is(err, errBusy):
			time.Sleep(busyBackoff)
		default:
			return CompletionRecord{}, err
		}
	}
}

type waitArgs struct {
	arg iouring.GetEventsArg
	ts  unix.Timespec
}

// waitEvents blocks in the kernel until at least one completion is queued
// or timeout elapses. A negative timeout waits forever, in slices of
// waitSlice when the kernel accepts extended arguments so that teardown is
// noticed without a wakeup.
func (r *Ring) waitEvents(timeout time.Duration) error {
	r.waiters.Add(1)
	defer r.waiters.Add(-1)

	if state := r.state.Load(); state&(stateClosing|stateClosed) != 0 {
		return ErrRingClosed
	}

	if timeout < 0 && r.features&iouring.FeatExtArg != 0 {
		timeout = waitSlice
	}

	if timeout < 0 {
		_, err := r.enter(0, 1, iouring.EnterGetEvents, nil, 0)

		return err
	}

	args := &waitArgs{ts: unix.NsecToTimespec(timeout.Nanoseconds())}
	args.arg.SigMaskSz = iouring.SigSetSize
	args.arg.Ts = uint64(uintptr(unsafe.Pointer(&args.ts)))

	_, err := r.enter(0, 1, iouring.EnterGetEvents|iouring.EnterExtArg,
		unsafe.Pointer(&args.arg), unsafe.Sizeof(args.arg))
	runtime.KeepAlive(args)

	return err
}

// Outstanding returns the number of submitted operations not yet completed.
func (r *Ring) Outstanding() int {
	return r.inflight.len()
}

// OutstandingTokens returns the tokens of submitted operations not yet
// completed, in ascending order.
func (r *Ring) OutstandingTokens() []uint64 {
	return r.inflight.list()
}
