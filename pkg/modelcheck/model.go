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

type eventKind int

const (
	eventYield eventKind = iota
	eventDone
	eventPanic
)

type event struct {
	kind   eventKind
	thread *thread
	detail string
}

type thread struct {
	index  int
	fn     func()
	wake   chan struct{}
	done   bool
	parked bool
	// epoch is the write count the thread last resumed from Spin at.
	epoch uint64
}

func (t *thread) runnable() bool {
	return !t.done && !t.parked
}

type abortSignal struct{}

// Model is one execution of a scenario. Threads run one at a time; the
// explorer decides which one proceeds at every cell operation.
type Model struct {
	cfg    config
	prefix []int

	trace    []choice
	schedule []int

	threads []*thread
	finals  []func()

	current   *thread
	last      *thread
	preempted int
	writes    uint64
	running   bool

	events chan event
	abort  chan struct{}
}

func newModel(prefix []int, cfg config) *Model {
	return &Model{
		cfg:    cfg,
		prefix: prefix,
		events: make(chan event),
		abort:  make(chan struct{}),
	}
}

// Go adds a thread to the execution. It may only be called while the
// scenario is being built.
func (m *Model) Go(fn func()) {
	if m.running {
		panic("modelcheck: Go called from a running thread")
	}

	m.threads = append(m.threads, &thread{
		index: len(m.threads),
		fn:    fn,
		wake:  make(chan struct{}),
	})
}

// Finally registers a check that runs on the exploring goroutine once every
// thread has finished.
func (m *Model) Finally(fn func()) {
	m.finals = append(m.finals, fn)
}

// Spin parks the calling thread until some other thread writes a cell. A
// write that landed since the previous Spin returns at once instead.
func (m *Model) Spin() {
	if !m.running {
		return
	}

	t := m.current
	if t.epoch == m.writes {
		t.parked = true
	}

	m.yield()
	t.epoch = m.writes
}

func (m *Model) run(scenario func(*Model)) error {
	scenario(m)

	if len(m.threads) == 0 {
		return &Failure{Err: ErrNoThreads}
	}

	m.running = true
	for _, t := range m.threads {
		go m.start(t)
	}

	err := m.loop()
	m.running = false

	if err != nil {
		close(m.abort)

		return err
	}

	for _, fn := range m.finals {
		fn()
	}

	return nil
}

func (m *Model) start(t *thread) {
	select {
	case <-t.wake:
	case <-m.abort:
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				return
			}

			m.events <- event{kind: eventPanic, thread: t, detail: stackOf(r)}

			return
		}

		m.events <- event{kind: eventDone, thread: t}
	}()

	t.fn()
}

func (m *Model) loop() error {
	for {
		runnable := m.runnable()
		if len(runnable) == 0 {
			if m.finished() {
				return nil
			}

			return m.fail(ErrDeadlock, "")
		}

		if len(m.schedule) >= m.cfg.maxSteps {
			return m.fail(ErrStepBound, "")
		}

		pick := 0
		if depth := len(m.trace); depth < len(m.prefix) {
			pick = m.prefix[depth]
			if pick >= len(runnable) {
				return m.fail(ErrNondeterminism, "")
			}
		}

		m.trace = append(m.trace, choice{picked: pick, options: len(runnable)})

		next := runnable[pick]
		if m.last != nil && next != m.last && m.last.runnable() {
			m.preempted++
		}

		m.last = next
		m.current = next
		m.schedule = append(m.schedule, next.index)

		next.wake <- struct{}{}

		ev := <-m.events
		switch ev.kind {
		case eventYield:
		case eventDone:
			ev.thread.done = true
		case eventPanic:
			return m.fail(ErrThreadPanicked, ev.detail)
		}
	}
}

func (m *Model) runnable() []*thread {
	if m.cfg.preemptions != unbounded && m.preempted >= m.cfg.preemptions &&
		m.last != nil && m.last.runnable() {
		return []*thread{m.last}
	}

	runnable := make([]*thread, 0, len(m.threads))
	for _, t := range m.threads {
		if t.runnable() {
			runnable = append(runnable, t)
		}
	}

	return runnable
}

func (m *Model) finished() bool {
	for _, t := range m.threads {
		if !t.done {
			return false
		}
	}

	return true
}

func (m *Model) fail(err error, detail string) error {
	return &Failure{
		Err:      err,
		Schedule: append([]int(nil), m.schedule...),
		Detail:   detail,
	}
}

func (m *Model) yield() {
	t := m.current
	m.events <- event{kind: eventYield, thread: t}

	select {
	case <-t.wake:
	case <-m.abort:
		panic(abortSignal{})
	}
}

// step is the scheduling point taken before every cell operation.
func (m *Model) step() {
	if m.running {
		m.yield()
	}
}

// wrote wakes every thread parked in Spin.
func (m *Model) wrote() {
	if !m.running {
		return
	}

	m.writes++

	for _, t := range m.threads {
		if t != m.current {
			t.parked = false
		}
	}
}
