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

package modelcheck_test

import (
	"errors"
	"testing"

	"github.com/pawelgaczynski/fern/pkg/modelcheck"
	. "github.com/stretchr/testify/require"
)

func TestExploreFindsLostUpdate(t *testing.T) {
	var lost, kept int

	report, err := modelcheck.Explore(func(m *modelcheck.Model) {
		counter := m.NewUint32(0)
		increment := func() {
			value := counter.Load()
			counter.Store(value + 1)
		}

		m.Go(increment)
		m.Go(increment)
		m.Finally(func() {
			if counter.Load() == 2 {
				kept++
			} else {
				lost++
			}
		})
	})
	NoError(t, err)
	Equal(t, 20, report.Executions)
	Equal(t, report.Executions, lost+kept)
	Greater(t, lost, 0)
	Greater(t, kept, 0)
}

func TestExploreCompareAndSwapIncrement(t *testing.T) {
	report, err := modelcheck.Explore(func(m *modelcheck.Model) {
		counter := m.NewUint32(0)
		increment := func() {
			for {
				value := counter.Load()
				if counter.CompareAndSwap(value, value+1) {
					return
				}
			}
		}

		m.Go(increment)
		m.Go(increment)
		m.Go(increment)
		m.Finally(func() {
			Equal(t, uint32(3), counter.Load())
		})
	}, modelcheck.WithPreemptionBound(2))
	NoError(t, err)
	Greater(t, report.Executions, 1)
}

func TestExploreSpinHandoff(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {
		flag := m.NewUint32(0)
		data := m.NewUint64(0)
		var observed uint64

		m.Go(func() {
			data.Store(7)
			flag.Store(1)
		})
		m.Go(func() {
			for flag.Load() == 0 {
				m.Spin()
			}
			observed = data.Load()
		})
		m.Finally(func() {
			Equal(t, uint64(7), observed)
		})
	})
	NoError(t, err)
}

func TestExploreDetectsDeadlock(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {
		flag := m.NewUint32(0)

		m.Go(func() {
			for flag.Load() == 0 {
				m.Spin()
			}
		})
	})
	True(t, errors.Is(err, modelcheck.ErrDeadlock))

	var failure *modelcheck.Failure
	True(t, errors.As(err, &failure))
	Equal(t, 1, failure.Execution)
	NotEmpty(t, failure.Schedule)
}

func TestExploreReportsPanics(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {
		cell := m.NewUint32(0)

		m.Go(func() {
			cell.Store(1)
		})
		m.Go(func() {
			if cell.Load() == 1 {
				panic("observed write")
			}
		})
	})
	True(t, errors.Is(err, modelcheck.ErrThreadPanicked))
	Contains(t, err.Error(), "observed write")
}

func TestExplorePreemptionBound(t *testing.T) {
	report, err := modelcheck.Explore(func(m *modelcheck.Model) {
		cell := m.NewUint32(0)
		work := func() {
			cell.Add(1)
			cell.Add(1)
		}

		m.Go(work)
		m.Go(work)
	}, modelcheck.WithPreemptionBound(0))
	NoError(t, err)
	Equal(t, 2, report.Executions)
}

func TestExploreStepBound(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {
		cell := m.NewUint32(0)

		m.Go(func() {
			for {
				cell.Add(1)
			}
		})
	}, modelcheck.WithMaxSteps(50))
	True(t, errors.Is(err, modelcheck.ErrStepBound))
}

func TestExploreExecutionBound(t *testing.T) {
	report, err := modelcheck.Explore(func(m *modelcheck.Model) {
		cell := m.NewUint32(0)
		m.Go(func() { cell.Add(1) })
		m.Go(func() { cell.Add(1) })
	}, modelcheck.WithMaxExecutions(1))
	True(t, errors.Is(err, modelcheck.ErrExecutionBound))
	Equal(t, 1, report.Executions)
}

func TestExploreWithoutThreads(t *testing.T) {
	_, err := modelcheck.Explore(func(m *modelcheck.Model) {})
	True(t, errors.Is(err, modelcheck.ErrNoThreads))
}
