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

const (
	EnterGetEvents uint32 = 1 << iota
	EnterSQWakeup
	EnterSQWait
	EnterExtArg
	EnterRegisteredRing
)

const (
	nSig      = 65
	szDivider = 8

	// SigSetSize is the signal mask size the kernel expects alongside a sigmask.
	SigSetSize = nSig / szDivider
)

// GetEventsArg mirrors struct io_uring_getevents_arg, passed with EnterExtArg.
type GetEventsArg struct {
	SigMask   uint64
	SigMaskSz uint32
	// nolint: structcheck //
	pad uint32
	Ts  uint64
}
