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

package simkernel

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	"golang.org/x/sys/unix"
)

const pollerTick = 50 * time.Microsecond

type simRing struct {
	mu       sync.Mutex
	params   iouring.Params
	mapping  *iouring.Mapping
	handler  Handler
	held     map[uint64]iouring.SubmissionQueueEntry
	overflow []iouring.CompletionQueueEvent
	buffers  []iouring.Iovec
	files    []int32
	disabled bool
	holdAll  bool
	fail     unix.Errno
	busy     int
	stats    Stats

	notify   chan struct{}
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// region allocates size bytes aligned for the 64-bit ring fields.
func region(size int) []byte {
	words := make([]uint64, (size+7)/8)

	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func newSimRing(p *iouring.Params, handler Handler) (*simRing, error) {
	sqSize, cqSize, sqesSize := iouring.RegionSizes(p)

	mapping, err := iouring.NewMapping(region(sqSize), region(cqSize), region(sqesSize), p)
	if err != nil {
		return nil, err
	}

	*mapping.SQ.RingMask = p.SQEntries - 1
	*mapping.SQ.RingEntries = p.SQEntries
	*mapping.CQ.RingMask = p.CQEntries - 1
	*mapping.CQ.RingEntries = p.CQEntries

	return &simRing{
		params:   *p,
		mapping:  mapping,
		handler:  handler,
		held:     make(map[uint64]iouring.SubmissionQueueEntry),
		disabled: p.Flags&iouring.SetupRDisabled != 0,
		notify:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (r *simRing) sqPoll() bool {
	return r.params.Flags&iouring.SetupSQPoll != 0
}

func (r *simRing) start() {
	if !r.sqPoll() {
		return
	}

	r.wg.Add(1)
	go r.poller()
}

func (r *simRing) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// poller consumes submissions until it has been idle for SQThreadIdle,
// then sets the wakeup flag and sleeps until Enter wakes it.
func (r *simRing) poller() {
	defer r.wg.Done()

	idle := time.Duration(r.params.SQThreadIdle) * time.Millisecond
	if idle == 0 {
		idle = time.Second
	}

	ticker := time.NewTicker(pollerTick)
	defer ticker.Stop()

	last := time.Now()

	for {
		if r.consumeLocked() > 0 {
			last = time.Now()
		} else if time.Since(last) >= idle {
			setFlag(r.mapping.SQ.Flags, iouring.SQNeedWakeup)

			if r.consumeLocked() == 0 {
				select {
				case <-r.wake:
				case <-r.done:
					return
				}
			}

			clearFlag(r.mapping.SQ.Flags, iouring.SQNeedWakeup)
			last = time.Now()

			continue
		}

		select {
		case <-ticker.C:
		case <-r.done:
			return
		}
	}
}

func (r *simRing) consumeLocked() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.consume(^uint32(0))
}

func (r *simRing) enter(toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (uint, unix.Errno) {
	r.mu.Lock()
	r.stats.Enters++

	switch {
	case r.disabled:
		r.mu.Unlock()

		return 0, unix.EBADFD
	case r.fail != 0:
		err := r.fail
		r.fail = 0
		r.mu.Unlock()

		return 0, err
	case r.busy > 0:
		r.busy--
		r.mu.Unlock()

		return 0, unix.EBUSY
	}

	submitted := toSubmit
	if r.sqPoll() {
		if flags&iouring.EnterSQWakeup != 0 {
			clearFlag(r.mapping.SQ.Flags, iouring.SQNeedWakeup)
			r.stats.Wakeups++

			select {
			case r.wake <- struct{}{}:
			default:
			}
		}
	} else {
		submitted = r.consume(toSubmit)
	}

	if flags&iouring.EnterGetEvents == 0 {
		r.mu.Unlock()

		return uint(submitted), 0
	}

	r.flushOverflow()

	if minComplete == 0 {
		r.mu.Unlock()

		return uint(submitted), 0
	}

	timeout := time.Duration(-1)
	if flags&iouring.EnterExtArg != 0 {
		if arg == nil || argSize != unsafe.Sizeof(iouring.GetEventsArg{}) {
			r.mu.Unlock()

			return 0, unix.EINVAL
		}

		eventsArg := (*iouring.GetEventsArg)(arg)
		if eventsArg.Ts != 0 {
			ts := (*unix.Timespec)(pointerAt(&eventsArg.Ts))
			timeout = time.Duration(ts.Nano())
		}
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if r.ready() >= minComplete {
			r.mu.Unlock()

			return uint(submitted), 0
		}

		notify := r.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-expired:
			return uint(submitted), unix.ETIME
		case <-r.done:
			return uint(submitted), unix.ENXIO
		}

		r.mu.Lock()
		r.flushOverflow()
	}
}

// consume executes up to limit queued submissions.
func (r *simRing) consume(limit uint32) uint32 {
	sq := r.mapping.SQ
	mask := r.params.SQEntries - 1
	shift := r.params.EntryShift()

	head := atomic.LoadUint32(sq.Head)
	n := atomic.LoadUint32(sq.Tail) - head
	if n > limit {
		n = limit
	}

	for i := uint32(0); i < n; i++ {
		index := sq.Array[(head+i)&mask]
		if index >= r.params.SQEntries {
			atomic.AddUint32(sq.Dropped, 1)
			atomic.StoreUint32(sq.Head, head+i+1)

			continue
		}

		sqe := r.mapping.SQEs[index<<shift]
		atomic.StoreUint32(sq.Head, head+i+1)

		r.execute(sqe)
	}

	r.stats.Submitted += int(n)

	return n
}

func (r *simRing) execute(sqe iouring.SubmissionQueueEntry) {
	res, hold := r.result(sqe)
	if hold {
		r.held[sqe.UserData] = sqe

		return
	}

	r.post(iouring.CompletionQueueEvent{UserData: sqe.UserData, Res: res})
}

func (r *simRing) result(sqe iouring.SubmissionQueueEntry) (int32, bool) {
	if sqe.OpCode >= iouring.OpLast {
		return -int32(unix.EINVAL), false
	}

	if sqe.Flags&iouring.SqeFixedFile != 0 {
		slot := uint32(sqe.Fd)
		if int(slot) >= len(r.files) || r.files[slot] == iouring.ClearedFile {
			return -int32(unix.EBADF), false
		}
	}

	switch sqe.OpCode {
	case iouring.OpAsyncCancel:
		target := sqe.Addr
		if _, ok := r.held[target]; !ok {
			return -int32(unix.ENOENT), false
		}

		delete(r.held, target)
		r.post(iouring.CompletionQueueEvent{UserData: target, Res: -int32(unix.ECANCELED)})

		return 0, false
	case iouring.OpReadFixed, iouring.OpWriteFixed:
		if int(sqe.BufIndex) >= len(r.buffers) {
			return -int32(unix.EFAULT), false
		}

		iov := r.buffers[sqe.BufIndex]
		if iov.Len == 0 || sqe.Addr < iov.Base || sqe.Addr+uint64(sqe.Len) > iov.Base+iov.Len {
			return -int32(unix.EFAULT), false
		}
	}

	if r.holdAll {
		return 0, true
	}

	if r.handler != nil {
		return r.handler(sqe)
	}

	switch sqe.OpCode {
	case iouring.OpRead, iouring.OpWrite, iouring.OpReadFixed, iouring.OpWriteFixed:
		return int32(sqe.Len), false
	default:
		return 0, false
	}
}

// post appends a completion, spilling to the overflow list when the
// completion queue is full.
func (r *simRing) post(cqe iouring.CompletionQueueEvent) {
	if len(r.overflow) > 0 || r.ready() >= r.params.CQEntries {
		r.overflow = append(r.overflow, cqe)
		r.stats.Overflown++
		setFlag(r.mapping.SQ.Flags, iouring.SQCQOverflow)

		return
	}

	r.write(cqe)
}

func (r *simRing) write(cqe iouring.CompletionQueueEvent) {
	tail := atomic.LoadUint32(r.mapping.CQ.Tail)
	shift := r.params.EventShift()
	start := (tail & (r.params.CQEntries - 1)) << shift
	span := r.mapping.CQEs[start : start+1<<shift]

	span[0] = cqe
	for i := 1; i < len(span); i++ {
		span[i] = iouring.CompletionQueueEvent{}
	}

	atomic.StoreUint32(r.mapping.CQ.Tail, tail+1)

	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *simRing) flushOverflow() {
	for len(r.overflow) > 0 && r.ready() < r.params.CQEntries {
		r.write(r.overflow[0])
		r.overflow = r.overflow[1:]
	}

	if len(r.overflow) == 0 {
		r.overflow = nil
		clearFlag(r.mapping.SQ.Flags, iouring.SQCQOverflow)
	}
}

func (r *simRing) ready() uint32 {
	return atomic.LoadUint32(r.mapping.CQ.Tail) - atomic.LoadUint32(r.mapping.CQ.Head)
}

func (r *simRing) register(opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, unix.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch opcode {
	case iouring.RegisterProbe:
		probe := (*iouring.Probe)(arg)
		*probe = iouring.Probe{}

		for _, op := range iouring.Opcodes() {
			if uint32(op) < nrArgs {
				probe.MarkSupported(op)
			}
		}

		return 0, 0
	case iouring.RegisterEnableRings:
		if !r.disabled {
			return 0, unix.EBADFD
		}
		r.disabled = false

		return 0, 0
	case iouring.RegisterBuffers2:
		nr, err := sparseTable(arg, nrArgs, iouring.MaxRegisteredBuffers, r.buffers != nil)
		if err != 0 {
			return 0, err
		}
		r.buffers = make([]iouring.Iovec, nr)

		return 0, 0
	case iouring.RegisterFiles2:
		nr, err := sparseTable(arg, nrArgs, iouring.MaxRegisteredFiles, r.files != nil)
		if err != 0 {
			return 0, err
		}

		r.files = make([]int32, nr)
		for i := range r.files {
			r.files[i] = iouring.ClearedFile
		}

		return 0, 0
	case iouring.RegisterBuffersUpdate:
		return r.updateBuffers(arg, nrArgs)
	case iouring.RegisterFilesUpdate:
		return r.updateFiles(arg, nrArgs)
	case iouring.UnregisterBuffers:
		if r.buffers == nil {
			return 0, unix.ENXIO
		}
		r.buffers = nil

		return 0, 0
	case iouring.UnregisterFiles:
		if r.files == nil {
			return 0, unix.ENXIO
		}
		r.files = nil

		return 0, 0
	default:
		return 0, unix.EINVAL
	}
}

func sparseTable(arg unsafe.Pointer, nrArgs, limit uint32, registered bool) (uint32, unix.Errno) {
	if registered {
		return 0, unix.EBUSY
	}

	if arg == nil || nrArgs != uint32(unsafe.Sizeof(iouring.RsrcRegister{})) {
		return 0, unix.EINVAL
	}

	reg := (*iouring.RsrcRegister)(arg)
	if reg.Flags&iouring.RsrcRegisterSparse == 0 || reg.Nr == 0 || reg.Nr > limit {
		return 0, unix.EINVAL
	}

	return reg.Nr, 0
}

func (r *simRing) updateBuffers(arg unsafe.Pointer, nrArgs uint32) (uint, unix.Errno) {
	if r.buffers == nil {
		return 0, unix.ENXIO
	}

	if arg == nil || nrArgs != uint32(unsafe.Sizeof(iouring.RsrcUpdate2{})) {
		return 0, unix.EINVAL
	}

	update := (*iouring.RsrcUpdate2)(arg)
	if uint64(update.Offset)+uint64(update.Nr) > uint64(len(r.buffers)) {
		return 0, unix.EINVAL
	}

	iovecs := unsafe.Slice((*iouring.Iovec)(pointerAt(&update.Data)), update.Nr)
	for _, iov := range iovecs {
		if iov.Len > iouring.MaxBufferLength || (iov.Base == 0) != (iov.Len == 0) {
			return 0, unix.EFAULT
		}
	}

	copy(r.buffers[update.Offset:], iovecs)

	return uint(update.Nr), 0
}

func (r *simRing) updateFiles(arg unsafe.Pointer, nrArgs uint32) (uint, unix.Errno) {
	if r.files == nil {
		return 0, unix.ENXIO
	}

	if arg == nil {
		return 0, unix.EINVAL
	}

	update := (*iouring.FilesUpdate)(arg)
	if uint64(update.Offset)+uint64(nrArgs) > uint64(len(r.files)) {
		return 0, unix.EINVAL
	}

	fds := unsafe.Slice((*int32)(pointerAt(&update.Fds)), nrArgs)
	for _, fd := range fds {
		if fd < iouring.ClearedFile && fd != iouring.RegisterFilesSkip {
			return 0, unix.EBADF
		}
	}

	for i, fd := range fds {
		if fd != iouring.RegisterFilesSkip {
			r.files[update.Offset+uint32(i)] = fd
		}
	}

	return uint(nrArgs), 0
}

func setFlag(flags *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(flags)
		if old&bit != 0 || atomic.CompareAndSwapUint32(flags, old, old|bit) {
			return
		}
	}
}

func clearFlag(flags *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(flags)
		if old&bit == 0 || atomic.CompareAndSwapUint32(flags, old, old&^bit) {
			return
		}
	}
}
