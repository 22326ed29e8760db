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
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/fern/iouring"
	"github.com/pawelgaczynski/fern/logger"
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
	"github.com/pawelgaczynski/fern/pkg/ring"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	stateOpen uint32 = 1 << iota
	stateDisabled
	statePoisoned
	// stateDraining rejects new submissions while teardown counts outstanding operations.
	stateDraining
	stateClosing
	stateClosed
)

// wakeTimeout bounds how long teardown waits for blocked waiters to leave.
const wakeTimeout = 5 * waitSlice

const (
	submittable = stateOpen
	registrable = stateOpen | stateDisabled
	reapable    = stateOpen | stateDisabled | statePoisoned | stateDraining
)

var (
	errTimerExpired = errors.New("timer expired")
	errInterrupted  = errors.New("interrupted")
	errBusy         = errors.New("kernel busy")
)

type bufferRegion struct {
	addr   uintptr
	length int
}

// Ring is an io_uring instance. All methods are safe for concurrent use.
type Ring struct {
	fd       int
	kernel   iouring.Kernel
	mapping  *iouring.Mapping
	params   iouring.Params
	mode     Mode
	features uint32

	sq *ring.Producer[iouring.SubmissionQueueEntry]
	cq *ring.Consumer[iouring.CompletionQueueEvent]

	buffers     *slotTable
	regions     []bufferRegion
	descriptors *slotTable
	inflight    *outstanding

	state atomic.Uint32
	// faulted is set by the first kernel fault, including one that lands
	// while teardown holds the ring in the draining state.
	faulted   atomic.Bool
	users     atomic.Int32
	waiters   atomic.Int32
	lifecycle sync.Mutex

	logger zerolog.Logger
}

// Create sets up a ring with capacity submission slots, rounded up to a
// power of two, and maps its queues.
func Create(capacity uint32, opts ...Option) (*Ring, error) {
	config := NewConfig(opts...)

	entries, err := config.entries(capacity)
	if err != nil {
		return nil, err
	}

	params, err := config.params(entries)
	if err != nil {
		return nil, err
	}

	ringLogger := logger.NewLogger("ring", config.loggerLevel, config.prettyLogger)
	if config.logger != nil {
		ringLogger = *config.logger
	}

	fd, err := config.kernel.Setup(entries, params)
	if err != nil {
		return nil, fernErrors.ErrorSetup("io_uring_setup", err)
	}

	r := &Ring{
		fd:       fd,
		kernel:   config.kernel,
		params:   *params,
		mode:     config.mode,
		features: params.Features,
		inflight: newOutstanding(),
		logger:   ringLogger,
	}

	r.mapping, err = config.kernel.Map(fd, params)
	if err != nil {
		_ = config.kernel.Close(fd)

		return nil, fernErrors.ErrorMapping(err)
	}

	if err = r.initQueues(); err != nil {
		r.release()

		return nil, fernErrors.ErrorMapping(err)
	}

	r.buffers = newSlotTable("buffer", config.registeredBuffers, func(slot, refs uint32) error {
		return fernErrors.ErrorBufferInUse(slot, refs)
	})
	r.regions = make([]bufferRegion, config.registeredBuffers)
	r.descriptors = newSlotTable("descriptor", config.registeredDescriptors, func(slot, refs uint32) error {
		return fernErrors.ErrorDescriptorInUse(slot, refs)
	})

	if err = r.registerTables(); err != nil {
		r.release()

		return nil, err
	}

	if params.Flags&iouring.SetupRDisabled != 0 {
		r.state.Store(stateDisabled)
	} else {
		r.state.Store(stateOpen)
	}

	r.logDebug().
		Uint32("sq entries", params.SQEntries).
		Uint32("cq entries", params.CQEntries).
		Str("mode", r.mode.String()).
		Msg("Ring created")

	return r, nil
}

func (r *Ring) initQueues() error {
	sq := r.mapping.SQ
	for i := range sq.Array {
		sq.Array[i] = uint32(i)
	}

	var err error

	r.sq, err = ring.NewProducer(r.mapping.SQEs, ring.NewShared(sq.Head), ring.NewShared(sq.Tail),
		*sq.RingMask, ring.WithStride(r.params.EntryShift()))
	if err != nil {
		return err
	}

	cq := r.mapping.CQ
	r.cq, err = ring.NewConsumer(r.mapping.CQEs, ring.NewShared(cq.Head), ring.NewShared(cq.Tail),
		*cq.RingMask, ring.WithStride(r.params.EventShift()))

	return err
}

func (r *Ring) registerTables() error {
	if size := r.buffers.size(); size > 0 {
		reg := &iouring.RsrcRegister{Nr: size, Flags: iouring.RsrcRegisterSparse}
		if _, err := r.kernel.Register(r.fd, iouring.RegisterBuffers2,
			unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg))); err != nil {
			return fernErrors.ErrorSetup("register buffers", err)
		}
	}

	if size := r.descriptors.size(); size > 0 {
		reg := &iouring.RsrcRegister{Nr: size, Flags: iouring.RsrcRegisterSparse}
		if _, err := r.kernel.Register(r.fd, iouring.RegisterFiles2,
			unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg))); err != nil {
			return fernErrors.ErrorSetup("register descriptors", err)
		}
	}

	return nil
}

// release unmaps the queues and closes the ring descriptor.
func (r *Ring) release() error {
	var errs []error

	if r.mapping != nil {
		if err := r.kernel.Unmap(r.mapping); err != nil {
			errs = append(errs, fernErrors.ErrorMapping(err))
		}
		r.mapping = nil
	}

	if err := r.kernel.Close(r.fd); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Enable starts a ring created with WithDisabled.
func (r *Ring) Enable() error {
	if err := r.use(registrable); err != nil {
		return err
	}
	defer r.done()

	if r.state.Load() == stateOpen {
		return nil
	}

	if _, err := r.kernel.Register(r.fd, iouring.RegisterEnableRings, nil, 0); err != nil {
		return fernErrors.ErrorSetup("enable rings", err)
	}

	r.state.CompareAndSwap(stateDisabled, stateOpen)
	r.logDebug().Msg("Ring enabled")

	return nil
}

// Probe asks the kernel which opcodes it supports.
func (r *Ring) Probe() (*iouring.Probe, error) {
	if err := r.use(reapable); err != nil {
		return nil, err
	}
	defer r.done()

	probe := &iouring.Probe{}
	if _, err := r.kernel.Register(r.fd, iouring.RegisterProbe,
		unsafe.Pointer(probe), uint32(iouring.ProbeCapacity)); err != nil {
		return nil, fernErrors.ErrorRegistry("probe", err)
	}

	return probe, nil
}

// Teardown releases the ring. It fails with ErrOperationsPending while
// submitted operations have not completed, unless the ring is poisoned, in
// which case the operations are abandoned and the error reports them. A
// kernel fault raised by a call still in progress when Teardown starts
// poisons the ring and is reported together with the pending operations,
// leaving the ring poisoned so the remaining completions can be reaped.
func (r *Ring) Teardown() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	var previous uint32
	for {
		previous = r.state.Load()
		if previous&(stateDraining|stateClosing|stateClosed) != 0 {
			return ErrRingClosed
		}

		if r.state.CompareAndSwap(previous, stateDraining) {
			break
		}
	}

	r.drainUsers()

	var abandoned error
	if pending := r.inflight.len(); pending > 0 {
		if previous != statePoisoned {
			if r.reopen(previous) {
				return errors.Join(fernErrors.ErrorOperationsPending(pending), ErrRingPoisoned)
			}

			return fernErrors.ErrorOperationsPending(pending)
		}

		abandoned = errors.Join(fernErrors.ErrorOperationsPending(pending), ErrRingPoisoned)
		r.logWarn().Int("operations", pending).Msg("Abandoning operations of a poisoned ring")
	}

	r.state.Store(stateClosing)
	r.drainUsers()

	errs := []error{abandoned, r.wakeWaiters()}

	if r.buffers.size() > 0 {
		if _, err := r.kernel.Register(r.fd, iouring.UnregisterBuffers, nil, 0); err != nil {
			errs = append(errs, fernErrors.ErrorRegistry("unregister buffers", err))
		}
	}

	if r.descriptors.size() > 0 {
		if _, err := r.kernel.Register(r.fd, iouring.UnregisterFiles, nil, 0); err != nil {
			errs = append(errs, fernErrors.ErrorRegistry("unregister descriptors", err))
		}
	}

	errs = append(errs, r.release())
	r.state.Store(stateClosed)
	r.logDebug().Msg("Ring closed")

	return errors.Join(errs...)
}

func (r *Ring) drainUsers() {
	for r.users.Load() > 0 {
		runtime.Gosched()
	}
}

// reopen returns a draining ring to its previous state and reports whether
// a kernel fault seen meanwhile left it poisoned instead.
func (r *Ring) reopen(previous uint32) bool {
	r.state.Store(previous)

	if r.faulted.Load() {
		r.state.CompareAndSwap(previous, statePoisoned)

		return true
	}

	return false
}

// wakeWaiters posts a reserved no-op so that goroutines blocked in Wait
// return and observe the closing state. Waiters using extended arguments
// leave on their own within a wait slice. Waiters still blocked after
// wakeTimeout are reported.
func (r *Ring) wakeWaiters() error {
	if r.waiters.Load() == 0 {
		return nil
	}

	if reserved, ok := r.sq.Reserve(); ok {
		nop := Nop()
		nop.encode(r.sq.Span(reserved.Index()), ReservedToken, references{})
		r.sq.Publish(reserved)

		if _, err := r.submit(); err != nil {
			r.logError(err).Msg("Waking waiters failed")
		}
	} else {
		r.logWarn().Msg("Submission queue full, waiters not woken")
	}

	deadline := time.Now().Add(wakeTimeout)
	for waiters := r.waiters.Load(); waiters > 0; waiters = r.waiters.Load() {
		if time.Now().After(deadline) {
			r.logWarn().Int32("waiters", waiters).Msg("Releasing ring with blocked waiters")

			return fernErrors.ErrorWaitersBlocked(waiters)
		}

		runtime.Gosched()
	}

	return nil
}

// use admits a caller while the ring is in one of the allowed states. Every
// successful use must be paired with done. Callers not admitted while
// teardown drains wait for its outcome.
func (r *Ring) use(allowed uint32) error {
	for {
		r.users.Add(1)

		state := r.state.Load()
		if state&allowed != 0 {
			return nil
		}

		r.users.Add(-1)

		if state != stateDraining {
			return stateError(state)
		}

		runtime.Gosched()
	}
}

func (r *Ring) done() {
	r.users.Add(-1)
}

func stateError(state uint32) error {
	switch state {
	case stateDisabled:
		return ErrRingDisabled
	case statePoisoned:
		return ErrRingPoisoned
	default:
		return ErrRingClosed
	}
}

// enter calls io_uring_enter. Interrupted non-blocking calls are retried.
// Errors other than timeouts, interrupts and backlog poison the ring.
func (r *Ring) enter(toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (uint, error) {
	for {
		n, err := r.kernel.Enter(r.fd, toSubmit, minComplete, flags, arg, argSize)

		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			if minComplete == 0 {
				continue
			}

			return n, errInterrupted
		case errors.Is(err, unix.ETIME):
			return n, errTimerExpired
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EBUSY):
			return n, errBusy
		}

		r.poison(err)

		return n, fernErrors.ErrorRing("io_uring_enter", err)
	}
}

func (r *Ring) poison(err error) {
	if !r.faulted.CompareAndSwap(false, true) {
		return
	}

	r.logError(err).Msg("Ring poisoned")

	for {
		state := r.state.Load()
		if state&(stateOpen|stateDisabled) == 0 {
			return
		}

		if r.state.CompareAndSwap(state, statePoisoned) {
			return
		}
	}
}

func (r *Ring) Fd() int {
	return r.fd
}

func (r *Ring) SQEntries() uint32 {
	return r.params.SQEntries
}

func (r *Ring) CQEntries() uint32 {
	return r.params.CQEntries
}

// Features returns the iouring.Feat* bits negotiated with the kernel.
func (r *Ring) Features() uint32 {
	return r.features
}

// Flags returns the iouring.Setup* bits the ring was created with.
func (r *Ring) Flags() uint32 {
	return r.params.Flags
}

func (r *Ring) Mode() Mode {
	return r.mode
}

func (r *Ring) logDebug() *zerolog.Event {
	return r.logger.Debug().Int("ring fd", r.fd)
}

func (r *Ring) logWarn() *zerolog.Event {
	return r.logger.Warn().Int("ring fd", r.fd)
}

func (r *Ring) logError(err error) *zerolog.Event {
	return r.logger.Error().Int("ring fd", r.fd).Err(err)
}
