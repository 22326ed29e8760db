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
	"testing"

	"github.com/pawelgaczynski/fern/pkg/modelcheck"
	. "github.com/stretchr/testify/require"
)

func inUse(slot, refs uint32) error {
	return ErrBufferInUse
}

func TestSlotTableLifecycle(t *testing.T) {
	table := newSlotTable("buffer", 2, inUse)

	slot, err := table.claim()
	NoError(t, err)
	Equal(t, uint32(0), slot)

	generation := table.activate(slot)
	Equal(t, uint32(1), generation)

	NoError(t, table.acquire(slot, generation))
	NoError(t, table.acquire(slot, generation))
	Equal(t, uint32(2), table.refs(slot))
	ErrorIs(t, table.acquire(slot, generation+1), ErrInvalidHandle)
	ErrorIs(t, table.retire(slot, generation), ErrBufferInUse)

	table.release(slot)
	table.release(slot)
	NoError(t, table.retire(slot, generation))
	ErrorIs(t, table.acquire(slot, generation), ErrInvalidHandle)
	ErrorIs(t, table.retire(slot, generation), ErrInvalidHandle)

	table.restore(slot)
	NoError(t, table.acquire(slot, generation))
	table.release(slot)

	NoError(t, table.retire(slot, generation))
	table.recycle(slot)
	ErrorIs(t, table.acquire(slot, generation), ErrInvalidHandle)

	second, err := table.claim()
	NoError(t, err)
	Equal(t, slot, second)
	Equal(t, generation+1, table.activate(second))

	_, err = table.claim()
	NoError(t, err)
	_, err = table.claim()
	ErrorIs(t, err, ErrRegistryFull)

	ErrorIs(t, table.acquire(5, 1), ErrInvalidHandle)
}

func TestModelAcquireRacesRetire(t *testing.T) {
	report, err := modelcheck.Explore(func(m *modelcheck.Model) {
		table := newSlotTableWith("buffer", []slotWord{m.NewUint64(0)}, inUse)
		slot, _ := table.claim()
		generation := table.activate(slot)

		var acquired, retired bool

		m.Go(func() {
			acquired = table.acquire(slot, generation) == nil
		})
		m.Go(func() {
			retired = table.retire(slot, generation) == nil
		})

		m.Finally(func() {
			True(t, acquired || retired)
			False(t, acquired && retired)

			if acquired {
				Equal(t, uint32(1), table.refs(slot))
			}
		})
	})
	NoError(t, err)
	Greater(t, report.Executions, 1)
}

func TestModelReleaseThenRetire(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {
		table := newSlotTableWith("buffer", []slotWord{m.NewUint64(0)}, inUse)
		slot, _ := table.claim()
		generation := table.activate(slot)
		NoError(t, table.acquire(slot, generation))

		var retired bool

		m.Go(func() {
			table.release(slot)
		})
		m.Go(func() {
			for table.retire(slot, generation) != nil {
				m.Spin()
			}
			retired = true
		})

		m.Finally(func() {
			True(t, retired)
			Zero(t, table.refs(slot))
		})
	})
	NoError(t, err)
}
