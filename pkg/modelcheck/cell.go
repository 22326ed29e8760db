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

package modelcheck

// Uint32 is a model counterpart of atomic.Uint32.
type Uint32 struct {
	model *Model
	value uint32
}

func (m *Model) NewUint32(value uint32) *Uint32 {
	return &Uint32{model: m, value: value}
}

// Uint32s returns n cells initialised to zero.
func (m *Model) Uint32s(n int) []Uint32 {
	cells := make([]Uint32, n)
	for i := range cells {
		cells[i].model = m
	}

	return cells
}

func (c *Uint32) Load() uint32 {
	c.model.step()

	return c.value
}

func (c *Uint32) Store(value uint32) {
	c.model.step()
	c.value = value
	c.model.wrote()
}

func (c *Uint32) CompareAndSwap(old, new uint32) bool {
	c.model.step()

	if c.value != old {
		return false
	}

	c.value = new
	c.model.wrote()

	return true
}

func (c *Uint32) Add(delta uint32) uint32 {
	c.model.step()
	c.value += delta
	c.model.wrote()

	return c.value
}

// Uint64 is a model counterpart of atomic.Uint64.
type Uint64 struct {
	model *Model
	value uint64
}

func (m *Model) NewUint64(value uint64) *Uint64 {
	return &Uint64{model: m, value: value}
}

func (c *Uint64) Load() uint64 {
	c.model.step()

	return c.value
}

func (c *Uint64) Store(value uint64) {
	c.model.step()
	c.value = value
	c.model.wrote()
}

func (c *Uint64) CompareAndSwap(old, new uint64) bool {
	c.model.step()

	if c.value != old {
		return false
	}

	c.value = new
	c.model.wrote()

	return true
}

func (c *Uint64) Add(delta uint64) uint64 {
	c.model.step()
	c.value += delta
	c.model.wrote()

	return c.value
}
