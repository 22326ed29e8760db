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

// Package simkernel is an in-process stand-in for the io_uring system calls.
// Rings live in Go memory; submissions are consumed on Enter (or by a poller
// goroutine for kernel polled submission) and completed immediately unless
// held.
package simkernel

import (
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	"golang.org/x/sys/unix"
)

const firstFd = 1000

const defaultFeatures = iouring.FeatNoDrop | iouring.FeatSubmitStable | iouring.FeatExtArg | iouring.FeatRsrcTags

// Offsets of the simulated ring layout.
const (
	offHead     = 0
	offTail     = 64
	offMask     = 128
	offEntries  = 132
	offSQFlags  = 136
	offDropped  = 140
	offOverflow = 136
	offCQFlags  = 140
	offArray    = 192
)

// Handler decides the result of a submission that passed validation. hold
// keeps the operation in flight until Complete or cancellation.
type Handler func(sqe iouring.SubmissionQueueEntry) (res int32, hold bool)

type Option func(*Kernel)

// WithFeatures replaces the feature mask reported by Setup.
func WithFeatures(features uint32) Option {
	return func(k *Kernel) {
		k.features = features
	}
}

func WithHandler(handler Handler) Option {
	return func(k *Kernel) {
		k.handler = handler
	}
}

// Stats counts the calls a ring received.
type Stats struct {
	Enters    int
	Submitted int
	Wakeups   int
	Overflown int
}

// Kernel implements iouring.Kernel.
type Kernel struct {
	mu       sync.Mutex
	nextFd   int
	rings    map[int]*simRing
	features uint32
	handler  Handler
}

var _ iouring.Kernel = (*Kernel)(nil)

func New(opts ...Option) *Kernel {
	k := &Kernel{
		nextFd:   firstFd,
		rings:    make(map[int]*simRing),
		features: defaultFeatures,
	}
	for _, opt := range opts {
		opt(k)
	}

	return k
}

func errno(call string, err unix.Errno) error {
	return os.NewSyscallError(call, err)
}

func (k *Kernel) ring(fd int) (*simRing, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	r, ok := k.rings[fd]

	return r, ok
}

func (k *Kernel) Setup(entries uint32, p *iouring.Params) (int, error) {
	if err := validate(entries, p); err != 0 {
		return -1, errno("io_uring_setup", err)
	}

	if entries > iouring.MaxEntries {
		entries = iouring.MaxEntries
	}

	p.SQEntries = iouring.RoundUpPowerOfTwo(entries)
	if p.Flags&iouring.SetupCQSize != 0 {
		if p.CQEntries > iouring.MaxCQEntries {
			p.CQEntries = iouring.MaxCQEntries
		}
		p.CQEntries = iouring.RoundUpPowerOfTwo(p.CQEntries)
	} else {
		p.CQEntries = 2 * p.SQEntries
	}

	p.Features = k.features &^ iouring.FeatSingleMMap
	p.SQOff = iouring.SQRingOffsets{
		Head:        offHead,
		Tail:        offTail,
		RingMask:    offMask,
		RingEntries: offEntries,
		Flags:       offSQFlags,
		Dropped:     offDropped,
		Array:       offArray,
	}
	p.CQOff = iouring.CQRingOffsets{
		Head:        offHead,
		Tail:        offTail,
		RingMask:    offMask,
		RingEntries: offEntries,
		Overflow:    offOverflow,
		Flags:       offCQFlags,
		CQEs:        offArray,
	}

	r, err := newSimRing(p, k.handler)
	if err != nil {
		return -1, err
	}

	k.mu.Lock()
	fd := k.nextFd
	k.nextFd++
	k.rings[fd] = r
	k.mu.Unlock()

	r.start()

	return fd, nil
}

func validate(entries uint32, p *iouring.Params) unix.Errno {
	switch {
	case entries == 0:
		return unix.EINVAL
	case entries > iouring.MaxEntries && p.Flags&iouring.SetupClamp == 0:
		return unix.EINVAL
	case p.Flags&iouring.SetupSQAff != 0 && p.Flags&iouring.SetupSQPoll == 0:
		return unix.EINVAL
	case p.Flags&iouring.SetupDeferTaskrun != 0 && p.Flags&iouring.SetupSingleIssuer == 0:
		return unix.EINVAL
	case p.Flags&iouring.SetupCQSize != 0 && (p.CQEntries == 0 ||
		(p.CQEntries > iouring.MaxCQEntries && p.Flags&iouring.SetupClamp == 0) ||
		p.CQEntries < iouring.RoundUpPowerOfTwo(entries)):
		return unix.EINVAL
	}

	return 0
}

func (k *Kernel) Map(fd int, p *iouring.Params) (*iouring.Mapping, error) {
	r, ok := k.ring(fd)
	if !ok {
		return nil, errno("mmap", unix.EBADF)
	}

	return r.mapping, nil
}

func (k *Kernel) Unmap(m *iouring.Mapping) error {
	return nil
}

func (k *Kernel) Close(fd int) error {
	k.mu.Lock()
	r, ok := k.rings[fd]
	delete(k.rings, fd)
	k.mu.Unlock()

	if !ok {
		return errno("close", unix.EBADF)
	}

	r.stop()

	return nil
}

func (k *Kernel) Enter(fd int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (uint, error) {
	r, ok := k.ring(fd)
	if !ok {
		return 0, errno("io_uring_enter", unix.EBADF)
	}

	n, err := r.enter(toSubmit, minComplete, flags, arg, argSize)
	if err != 0 {
		return n, errno("io_uring_enter", err)
	}

	return n, nil
}

func (k *Kernel) Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, error) {
	r, ok := k.ring(fd)
	if !ok {
		return 0, errno("io_uring_register", unix.EBADF)
	}

	n, err := r.register(opcode, arg, nrArgs)
	if err != 0 {
		return n, errno("io_uring_register", err)
	}

	return n, nil
}

// Open reports whether fd names a live ring.
func (k *Kernel) Open(fd int) bool {
	_, ok := k.ring(fd)

	return ok
}

// Hold keeps every subsequent operation of ring fd in flight until it is
// completed explicitly.
func (k *Kernel) Hold(fd int, hold bool) {
	if r, ok := k.ring(fd); ok {
		r.mu.Lock()
		r.holdAll = hold
		r.mu.Unlock()
	}
}

// Complete posts the final completion of a held operation.
func (k *Kernel) Complete(fd int, token uint64, res int32) bool {
	return k.post(fd, token, res, 0)
}

// CompleteMore posts a multishot completion; the operation stays held.
func (k *Kernel) CompleteMore(fd int, token uint64, res int32) bool {
	return k.post(fd, token, res, iouring.CQEFMore)
}

func (k *Kernel) post(fd int, token uint64, res int32, flags uint32) bool {
	r, ok := k.ring(fd)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.held[token]; !held {
		return false
	}

	if flags&iouring.CQEFMore == 0 {
		delete(r.held, token)
	}

	r.post(iouring.CompletionQueueEvent{UserData: token, Res: res, Flags: flags})

	return true
}

// CompleteAll posts a final completion with res for every held operation
// and returns how many there were.
func (k *Kernel) CompleteAll(fd int, res int32) int {
	tokens := k.Held(fd)
	for _, token := range tokens {
		k.Complete(fd, token, res)
	}

	return len(tokens)
}

// Held returns the tokens of held operations in ascending order.
func (k *Kernel) Held(fd int) []uint64 {
	r, ok := k.ring(fd)
	if !ok {
		return nil
	}

	r.mu.Lock()
	tokens := make([]uint64, 0, len(r.held))
	for token := range r.held {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	return tokens
}

// Fail makes the next Enter on ring fd fail with err.
func (k *Kernel) Fail(fd int, err unix.Errno) {
	if r, ok := k.ring(fd); ok {
		r.mu.Lock()
		r.fail = err
		r.mu.Unlock()
	}
}

// Busy makes the next n Enter calls on ring fd fail with EBUSY.
func (k *Kernel) Busy(fd int, n int) {
	if r, ok := k.ring(fd); ok {
		r.mu.Lock()
		r.busy = n
		r.mu.Unlock()
	}
}

func (k *Kernel) Stats(fd int) Stats {
	r, ok := k.ring(fd)
	if !ok {
		return Stats{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stats
}

// Buffer returns the iovec installed at slot of ring fd.
func (k *Kernel) Buffer(fd int, slot uint32) (iouring.Iovec, bool) {
	r, ok := k.ring(fd)
	if !ok {
		return iouring.Iovec{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if int(slot) >= len(r.buffers) {
		return iouring.Iovec{}, false
	}

	return r.buffers[slot], true
}

// Descriptor returns the descriptor installed at slot of ring fd.
func (k *Kernel) Descriptor(fd int, slot uint32) (int32, bool) {
	r, ok := k.ring(fd)
	if !ok {
		return iouring.ClearedFile, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if int(slot) >= len(r.files) {
		return iouring.ClearedFile, false
	}

	return r.files[slot], true
}

// pointerAt reads an address stored in a 64-bit ABI field as a pointer.
func pointerAt(field *uint64) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(field))
}
