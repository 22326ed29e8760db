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

// Package modelcheck exhaustively explores the interleavings of a small
// concurrent scenario. Every operation on a model cell is a scheduling
// point; the explorer re-runs the scenario once per distinct schedule,
// backtracking depth-first over the choices made at those points.
package modelcheck

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	ErrDeadlock       = errors.New("every live thread is spinning")
	ErrStepBound      = errors.New("execution exceeded the step bound")
	ErrThreadPanicked = errors.New("thread panicked")
	ErrNondeterminism = errors.New("scenario is not deterministic")
	ErrExecutionBound = errors.New("exploration exceeded the execution bound")
	ErrNoThreads      = errors.New("scenario started no threads")
)

const (
	defaultMaxSteps      = 10_000
	defaultMaxExecutions = 1_000_000
	unbounded            = -1
)

// Failure describes the execution that violated the model.
type Failure struct {
	Err       error
	Execution int
	// Schedule lists the thread index run at each scheduling point.
	Schedule []int
	Detail   string
}

func (f *Failure) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s in execution %d, schedule %v", f.Err, f.Execution, f.Schedule)
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}

	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type Report struct {
	Executions int
}

type config struct {
	maxSteps      int
	maxExecutions int
	preemptions   int
}

type Option func(*config)

// WithMaxSteps bounds the scheduling points of a single execution.
func WithMaxSteps(steps int) Option {
	return func(c *config) {
		c.maxSteps = steps
	}
}

func WithMaxExecutions(executions int) Option {
	return func(c *config) {
		c.maxExecutions = executions
	}
}

// WithPreemptionBound limits how often an execution may switch away from a
// thread that could have kept running.
func WithPreemptionBound(preemptions int) Option {
	return func(c *config) {
		c.preemptions = preemptions
	}
}

// Explore runs scenario under every schedule. scenario is invoked afresh for
// each execution and must create its cells and threads through the Model.
func Explore(scenario func(*Model), opts ...Option) (Report, error) {
	cfg := config{
		maxSteps:      defaultMaxSteps,
		maxExecutions: defaultMaxExecutions,
		preemptions:   unbounded,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		report Report
		prefix []int
	)

	for {
		report.Executions++

		model := newModel(prefix, cfg)

		if err := model.run(scenario); err != nil {
			var failure *Failure
			if errors.As(err, &failure) {
				failure.Execution = report.Executions
			}

			return report, err
		}

		next, ok := nextPrefix(model.trace)
		if !ok {
			return report, nil
		}

		if report.Executions >= cfg.maxExecutions {
			return report, fmt.Errorf("%w: %d", ErrExecutionBound, cfg.maxExecutions)
		}

		prefix = next
	}
}

type choice struct {
	picked  int
	options int
}

func nextPrefix(trace []choice) ([]int, bool) {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].picked+1 >= trace[i].options {
			continue
		}

		prefix := make([]int, i+1)
		for j := 0; j < i; j++ {
			prefix[j] = trace[j].picked
		}
		prefix[i] = trace[i].picked + 1

		return prefix, true
	}

	return nil, false
}

func stackOf(value any) string {
	return fmt.Sprintf("%v\n%s", value, debug.Stack())
}
