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

import "unsafe"

// Kernel is the system interface a ring is built on. System returns the real
// implementation; tests substitute a simulated one.
type Kernel interface {
	// Setup creates a ring for entries submission slots, filling p.
	Setup(entries uint32, p *Params) (int, error)
	// Map maps the shared regions of the ring fd described by p.
	Map(fd int, p *Params) (*Mapping, error)
	Unmap(m *Mapping) error
	// Enter submits toSubmit entries and optionally waits for minComplete
	// completions. arg and argSize carry EnterExtArg payloads.
	Enter(fd int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (uint, error)
	Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) (uint, error)
	Close(fd int) error
}
