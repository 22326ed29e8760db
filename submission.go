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
	"errors"
	"sync/atomic"
	"time"

	"github.com/pawelgaczynski/fern/iouring"
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
)

const (
	busyRetries = 4
	busyBackoff = 50 * time.Microsecond
)

// Submit places op in the submission queue under token. The operation is
// not visible to the kernel until Flush, unless the ring polls submissions
// on its own. A full queue fails with ErrQueueFull and changes nothing.
func (r *Ring) Submit(op Operation, token uint64) error {
	if token == ReservedToken {
		return ErrReservedToken
	}

	if err := op.validate(); err != nil {
		return err
	}

	if err := r.use(submittable); err != nil {
		return err
	}
	defer r.done()

	refs, err := r.acquire(&op)
	if err != nil {
		return err
	}

	if !r.inflight.add(token, refs) {
		r.releaseReferences(refs)

		return fernErrors.ErrorDuplicateToken(token)
	}

	reserved, ok := r.sq.Reserve()
	if !ok {
		r.inflight.remove(token)
		r.releaseReferences(refs)

		return ErrQueueFull
	}

	op.encode(r.sq.Span(reserved.Index()), token, refs)
	r.sq.Publish(reserved)

	return nil
}

// Flush hands the queued submissions to the kernel and returns how many it
// accepted. With a kernel polled submission queue it only wakes the poller
// when it went idle. ErrBacklog means the kernel refused new work until
// completions are reaped.
func (r *Ring) Flush() (uint, error) {
	if err := r.use(submittable); err != nil {
		return 0, err
	}
	defer r.done()

	return r.submit()
}

func (r *Ring) submit() (uint, error) {
	pending := r.sq.Ready()

	if r.mode&ModeKernelPolledSubmission != 0 {
		if atomic.LoadUint32(r.mapping.SQ.Flags)&iouring.SQNeedWakeup != 0 {
			if _, err := r.enter(0, 0, iouring.EnterSQWakeup, nil, 0); err != nil {
				return 0, err
			}
		}

		return uint(pending), nil
	}

	var flags uint32
	if r.mode&ModeKernelPolledCompletion != 0 || r.overflowed() {
		flags |= iouring.EnterGetEvents
	}

	if pending == 0 && flags == 0 {
		return 0, nil
	}

	for attempt := 0; ; attempt++ {
		submitted, err := r.enter(pending, 0, flags, nil, 0)
		if !errors.Is(err, errBusy) {
			return submitted, err
		}

		if attempt == busyRetries {
			r.logWarn().Uint32("pending", pending).Msg("Kernel backlog")

			return submitted, ErrBacklog
		}

		time.Sleep(busyBackoff << attempt)
	}
}

// SQReady returns the number of queued submissions the kernel has not consumed.
func (r *Ring) SQReady() uint32 {
	if r.use(reapable) != nil {
		return 0
	}
	defer r.done()

	return r.sq.Ready()
}

func (r *Ring) SQSpaceLeft() uint32 {
	if r.use(reapable) != nil {
		return 0
	}
	defer r.done()

	return r.sq.SpaceLeft()
}

func (r *Ring) overflowed() bool {
	return atomic.LoadUint32(r.mapping.SQ.Flags)&iouring.SQCQOverflow != 0
}
