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
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
)

var (
	ErrSetup             = fernErrors.ErrSetup
	ErrCapacity          = fernErrors.ErrCapacity
	ErrMapping           = fernErrors.ErrMapping
	ErrRegistryFull      = fernErrors.ErrRegistryFull
	ErrInvalidRange      = fernErrors.ErrInvalidRange
	ErrBufferInUse       = fernErrors.ErrBufferInUse
	ErrDescriptorInUse   = fernErrors.ErrDescriptorInUse
	ErrInvalidHandle     = fernErrors.ErrInvalidHandle
	ErrQueueFull         = fernErrors.ErrQueueFull
	ErrRing              = fernErrors.ErrRing
	ErrRingPoisoned      = fernErrors.ErrRingPoisoned
	ErrRingClosed        = fernErrors.ErrRingClosed
	ErrRingDisabled      = fernErrors.ErrRingDisabled
	ErrBacklog           = fernErrors.ErrBacklog
	ErrTimedOut          = fernErrors.ErrTimedOut
	ErrOperationsPending = fernErrors.ErrOperationsPending
	ErrInvalidOperation  = fernErrors.ErrInvalidOperation
	ErrDuplicateToken    = fernErrors.ErrDuplicateToken
	ErrReservedToken     = fernErrors.ErrReservedToken
	ErrWaitersBlocked    = fernErrors.ErrWaitersBlocked
	ErrNotSupported      = fernErrors.ErrNotSupported
)
