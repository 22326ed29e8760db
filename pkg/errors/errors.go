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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSetup occurs when the kernel rejects the requested ring capacity or mode.
	ErrSetup = errors.New("ring setup failed")
	// ErrCapacity occurs when the requested capacity is zero or exceeds the kernel maximum.
	ErrCapacity = errors.New("invalid ring capacity")
	// ErrMapping occurs when the shared ring memory could not be mapped.
	ErrMapping = errors.New("ring memory mapping failed")
	// ErrRegistryFull occurs when every slot of a registration table is taken.
	ErrRegistryFull = errors.New("registry is full")
	// ErrInvalidRange occurs when a buffer is empty, too large or not resident in memory.
	ErrInvalidRange = errors.New("invalid buffer range")
	// ErrBufferInUse occurs when unregistering a buffer referenced by an outstanding operation.
	ErrBufferInUse = errors.New("buffer in use")
	// ErrDescriptorInUse occurs when unregistering a descriptor referenced by an outstanding operation.
	ErrDescriptorInUse = errors.New("descriptor in use")
	// ErrInvalidHandle occurs when a handle does not name a live registration.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrQueueFull is the back-pressure signal: the submission queue has no free slot.
	ErrQueueFull = errors.New("submission queue is full")
	// ErrRing occurs when the kernel reports a fault while entering the ring.
	ErrRing = errors.New("ring fault")
	// ErrRingPoisoned occurs when using a ring after a kernel fault.
	ErrRingPoisoned = errors.New("ring poisoned")
	// ErrRingClosed occurs when using a ring that has been torn down.
	ErrRingClosed = errors.New("ring closed")
	// ErrRingDisabled occurs when submitting to a ring created disabled and not yet enabled.
	ErrRingDisabled = errors.New("ring disabled")
	// ErrBacklog indicates that the kernel kept refusing new submissions because of a backlog.
	ErrBacklog = errors.New("kernel backlog")
	// ErrTimedOut is returned by a bounded wait that elapsed without a completion.
	ErrTimedOut = errors.New("timed out")
	// ErrOperationsPending occurs when tearing down a ring with outstanding operations.
	ErrOperationsPending = errors.New("operations pending")
	// ErrInvalidOperation occurs when an operation descriptor fails validation.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrDuplicateToken occurs when a correlation token is already in flight.
	ErrDuplicateToken = errors.New("duplicate correlation token")
	// ErrReservedToken occurs when a caller uses a token value reserved by the engine.
	ErrReservedToken = errors.New("reserved correlation token")
	// ErrWaitersBlocked occurs when teardown could not wake goroutines blocked in Wait.
	ErrWaitersBlocked = errors.New("waiters still blocked")
	// ErrNotSupported occurs when not supported feature is used.
	ErrNotSupported = errors.New("not supported")
)

func ErrorSetup(op string, err error) error {
	return fmt.Errorf("%w, %s: %w", ErrSetup, op, err)
}

func ErrorCapacity(requested, limit uint32) error {
	return fmt.Errorf("%w, requested: %d, limit: %d", ErrCapacity, requested, limit)
}

func ErrorMapping(err error) error {
	return fmt.Errorf("%w: %w", ErrMapping, err)
}

func ErrorRing(op string, err error) error {
	return fmt.Errorf("%w, %s: %w", ErrRing, op, err)
}

func ErrorRegistry(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func ErrorRegistryFull(kind string, size uint32) error {
	return fmt.Errorf("%w, %s slots: %d", ErrRegistryFull, kind, size)
}

func ErrorInvalidRange(addr uintptr, length int, reason string) error {
	return fmt.Errorf("%w, addr: %#x, length: %d, %s", ErrInvalidRange, addr, length, reason)
}

func ErrorInvalidHandle(kind string, slot uint32) error {
	return fmt.Errorf("%w, %s slot: %d", ErrInvalidHandle, kind, slot)
}

func ErrorBufferInUse(slot uint32, refs uint32) error {
	return fmt.Errorf("%w, slot: %d, references: %d", ErrBufferInUse, slot, refs)
}

func ErrorDescriptorInUse(slot uint32, refs uint32) error {
	return fmt.Errorf("%w, slot: %d, references: %d", ErrDescriptorInUse, slot, refs)
}

func ErrorOperationsPending(count int) error {
	return fmt.Errorf("%w, outstanding: %d", ErrOperationsPending, count)
}

func ErrorWaitersBlocked(count int32) error {
	return fmt.Errorf("%w, waiters: %d", ErrWaitersBlocked, count)
}

func ErrorInvalidOperation(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, reason)
}

func ErrorDuplicateToken(token uint64) error {
	return fmt.Errorf("%w, token: %d", ErrDuplicateToken, token)
}
