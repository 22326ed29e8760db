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

import "fmt"

const (
	probeOpsSize = int(OpLast + 1)
)

const opSupported uint16 = 1 << 0

type (
	Probe struct {
		LastOp Opcode
		OpsLen uint8
		Res    uint16
		Res2   [3]uint32
		Ops    [probeOpsSize]ProbeOp
	}
	ProbeOp struct {
		Op    Opcode
		Res   uint8
		Flags uint16
		Res2  uint32
	}
)

// ProbeCapacity is the number of ProbeOp slots passed along with RegisterProbe.
const ProbeCapacity = probeOpsSize

func (p *Probe) IsSupported(op Opcode) bool {
	for i := uint8(0); i < p.OpsLen && int(i) < probeOpsSize; i++ {
		if p.Ops[i].Op != op {
			continue
		}

		return p.Ops[i].Flags&opSupported > 0
	}

	return false
}

// MarkSupported records op as supported. Used by kernels answering RegisterProbe.
func (p *Probe) MarkSupported(op Opcode) {
	if int(op) >= probeOpsSize {
		return
	}

	p.Ops[op] = ProbeOp{Op: op, Flags: opSupported}
	if uint8(op)+1 > p.OpsLen {
		p.OpsLen = uint8(op) + 1
	}

	if op > p.LastOp {
		p.LastOp = op
	}
}

// Report renders one line per known opcode stating whether the kernel supports it.
func (p *Probe) Report() string {
	var result string

	for _, opCode := range Opcodes() {
		var status string
		if !p.IsSupported(opCode) {
			status = " NOT"
		}
		result += fmt.Sprintf("%s is%s supported\n", opCode, status)
	}

	return result
}
