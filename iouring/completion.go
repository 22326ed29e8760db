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

package iouring

import "strings"

const (
	CQEFBuffer uint32 = 1 << iota
	CQEFMore
	CQEFSockNonempty
	CQEFNotif
)

const CQEBufferShift uint32 = 16

const CQEventFdDisabled uint32 = 1 << 0

// CompletionQueueEvent mirrors struct io_uring_cqe.
type CompletionQueueEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func FlagsString(flags uint32) string {
	flagsStrings := make([]string, 0)
	if flags&CQEFBuffer > 0 {
		flagsStrings = append(flagsStrings, "CQEFBuffer")
	}
	if flags&CQEFMore > 0 {
		flagsStrings = append(flagsStrings, "CQEFMore")
	}
	if flags&CQEFSockNonempty > 0 {
		flagsStrings = append(flagsStrings, "CQEFSockNonempty")
	}
	if flags&CQEFNotif > 0 {
		flagsStrings = append(flagsStrings, "CQEFNotif")
	}

	return strings.Join(flagsStrings, " | ")
}
