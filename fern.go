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

// Package fern is an asynchronous I/O engine over the Linux io_uring
// interface. A Ring pairs a submission queue and a completion queue shared
// with the kernel; any number of goroutines may submit and reap
// concurrently without locking.
package fern

import (
	"strings"
	"time"

	"github.com/pawelgaczynski/fern/iouring"
)

// Mode selects which queue, if any, the kernel polls on its own.
type Mode uint32

const (
	ModeNone Mode = 0
	// ModeKernelPolledSubmission starts a kernel thread that consumes the
	// submission queue, so Flush rarely enters the kernel.
	ModeKernelPolledSubmission Mode = 1 << 0
	// ModeKernelPolledCompletion busy-polls devices for completions. Only
	// valid for files opened with O_DIRECT on pollable devices.
	ModeKernelPolledCompletion Mode = 1 << 1

	modeMask = ModeKernelPolledSubmission | ModeKernelPolledCompletion
)

func (m Mode) String() string {
	if m == ModeNone {
		return "none"
	}

	var names []string
	if m&ModeKernelPolledSubmission != 0 {
		names = append(names, "sqpoll")
	}
	if m&ModeKernelPolledCompletion != 0 {
		names = append(names, "iopoll")
	}
	if m&^modeMask != 0 {
		names = append(names, "unknown")
	}

	return strings.Join(names, "|")
}

// ParseMode accepts "none", "sqpoll", "iopoll" or a "|"-joined combination.
func ParseMode(name string) (Mode, bool) {
	var mode Mode

	for _, part := range strings.Split(name, "|") {
		switch strings.TrimSpace(part) {
		case "none", "":
		case "sqpoll":
			mode |= ModeKernelPolledSubmission
		case "iopoll":
			mode |= ModeKernelPolledCompletion
		default:
			return ModeNone, false
		}
	}

	return mode, true
}

func (m Mode) setupFlags() uint32 {
	var flags uint32
	if m&ModeKernelPolledSubmission != 0 {
		flags |= iouring.SetupSQPoll
	}
	if m&ModeKernelPolledCompletion != 0 {
		flags |= iouring.SetupIOPoll
	}

	return flags
}

// NoTimeout makes Wait block until a completion arrives.
const NoTimeout time.Duration = -1

// ReservedToken may not be used as a correlation token.
const ReservedToken = ^uint64(0)
