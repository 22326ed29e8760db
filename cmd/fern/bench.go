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

package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/dustin/go-humanize"
	"github.com/pawelgaczynski/fern"
	"github.com/pawelgaczynski/fern/internal/simkernel"
	"github.com/pawelgaczynski/fern/logger"
	"github.com/pawelgaczynski/fern/pkg/pinned"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	workloadNop   = "nop"
	workloadWrite = "write"

	maxBlocks   = 64
	reapTimeout = 100 * time.Millisecond
)

type bench struct {
	cfg    *cmdConfig
	ring   *fern.Ring
	kernel *simkernel.Kernel
	logger zerolog.Logger

	file   *os.File
	arena  *pinned.Arena
	blocks int
	buffer fern.BufferHandle
	target fern.DescriptorHandle

	tokens    atomic.Uint64
	completed atomic.Int64
	failed    atomic.Int64
	stopped   atomic.Bool

	errOnce sync.Once
	err     error
}

func newBench(cfg *cmdConfig) (*bench, error) {
	mode, ok := fern.ParseMode(cfg.Mode)
	if !ok {
		return nil, errors.Errorf("unknown mode %q", cfg.Mode)
	}

	level := logger.ParseLevel(cfg.LoggerLevel)
	b := &bench{
		cfg:    cfg,
		logger: logger.NewLogger("bench", level, cfg.PrettyLogger),
	}

	opts := []fern.Option{
		fern.WithMode(mode),
		fern.WithLoggerLevel(level),
		fern.WithPrettyLogger(cfg.PrettyLogger),
	}
	if cfg.Simulate {
		b.kernel = simkernel.New()
		opts = append(opts, fern.WithKernel(b.kernel))
	}

	if cfg.Workload == workloadWrite {
		opts = append(opts, fern.WithRegisteredBuffers(1), fern.WithRegisteredDescriptors(1))
	}

	ring, err := fern.Create(uint32(cfg.Capacity), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create ring")
	}

	b.ring = ring

	if cfg.Workload == workloadWrite {
		if err = b.prepareWrites(); err != nil {
			_ = b.close()

			return nil, err
		}
	}

	return b, nil
}

// prepareWrites registers a pinned arena of distinct blocks and a scratch
// file the blocks are written to.
func (b *bench) prepareWrites() error {
	b.blocks = b.cfg.Capacity
	if b.blocks > maxBlocks {
		b.blocks = maxBlocks
	}

	if b.blocks > b.cfg.Ops {
		b.blocks = b.cfg.Ops
	}

	arena, err := pinned.Get(b.blocks * b.cfg.BlockSize)
	if err != nil {
		return errors.Wrap(err, "allocate arena")
	}

	b.arena = arena
	for i := range arena.Buf {
		arena.Buf[i] = byte(i*31 + i/b.cfg.BlockSize)
	}

	if b.buffer, err = b.ring.RegisterBuffer(arena.Buf); err != nil {
		return errors.Wrap(err, "register arena")
	}

	if b.file, err = os.CreateTemp("", "fern-bench-*"); err != nil {
		return errors.Wrap(err, "create scratch file")
	}

	if b.target, err = b.ring.RegisterDescriptor(int(b.file.Fd())); err != nil {
		return errors.Wrap(err, "register scratch file")
	}

	return nil
}

func (b *bench) operation(n int) (fern.Operation, error) {
	if b.cfg.Workload == workloadNop {
		return fern.Nop(), nil
	}

	block := n % b.blocks
	buf, err := b.arena.Slice(block*b.cfg.BlockSize, b.cfg.BlockSize)
	if err != nil {
		return fern.Operation{}, err
	}

	offset := uint64(block * b.cfg.BlockSize)

	return fern.WriteFixed(-1, b.buffer, buf, offset).WithDescriptor(b.target), nil
}

func (b *bench) fail(err error) {
	b.errOnce.Do(func() {
		b.err = err
		b.stopped.Store(true)
		b.logger.Error().Err(err).Msg("Benchmark aborted")
	})
}

func (b *bench) submit(op fern.Operation) error {
	token := b.tokens.Add(1)

	for !b.stopped.Load() {
		err := b.ring.Submit(op, token)
		if !errors.Is(err, fern.ErrQueueFull) {
			return err
		}

		if _, err = b.ring.Flush(); err != nil && !errors.Is(err, fern.ErrBacklog) {
			return err
		}

		runtime.Gosched()
	}

	return nil
}

func (b *bench) submitter(first, count int) func() {
	return func() {
		for n := first; n < first+count && !b.stopped.Load(); n++ {
			op, err := b.operation(n)
			if err != nil {
				b.fail(err)

				return
			}

			if err = b.submit(op); err != nil {
				b.fail(errors.Wrapf(err, "submit operation %d", n))

				return
			}
		}

		if _, err := b.ring.Flush(); err != nil && !errors.Is(err, fern.ErrBacklog) {
			b.fail(errors.Wrap(err, "flush"))
		}
	}
}

func (b *bench) reaper() {
	total := int64(b.cfg.Ops)
	polling := false

	for b.completed.Load() < total && !b.stopped.Load() {
		var (
			record fern.CompletionRecord
			err    error
		)

		if polling {
			var ok bool
			if record, ok = b.ring.Poll(); !ok {
				_, _ = b.ring.Flush()
				runtime.Gosched()

				continue
			}
		} else {
			record, err = b.ring.Wait(reapTimeout)
		}

		switch {
		case errors.Is(err, fern.ErrNotSupported):
			polling = true

			continue
		case errors.Is(err, fern.ErrTimedOut):
			if _, err = b.ring.Flush(); err != nil && !errors.Is(err, fern.ErrBacklog) {
				b.fail(errors.Wrap(err, "flush"))
			}

			continue
		case err != nil:
			b.fail(errors.Wrap(err, "wait"))

			return
		}

		if err = record.Err(); err != nil {
			b.failed.Add(1)
			b.logger.Debug().Uint64("token", record.Token).Err(err).Msg("Operation failed")
		}

		b.completed.Add(1)
	}
}

func (b *bench) run() (time.Duration, error) {
	submitters := pond.New(b.cfg.Submitters, b.cfg.Submitters)
	reapers := pond.New(b.cfg.Reapers, b.cfg.Reapers)

	start := time.Now()

	for i := 0; i < b.cfg.Reapers; i++ {
		reapers.Submit(b.reaper)
	}

	share := b.cfg.Ops / b.cfg.Submitters
	for i := 0; i < b.cfg.Submitters; i++ {
		count := share
		if i == b.cfg.Submitters-1 {
			count = b.cfg.Ops - share*i
		}

		submitters.Submit(b.submitter(share*i, count))
	}

	submitters.StopAndWait()
	reapers.StopAndWait()

	return time.Since(start), b.err
}

// verify reads the scratch file back and compares it with the arena.
func (b *bench) verify() error {
	if b.file == nil || b.cfg.Simulate {
		return nil
	}

	size := b.blocks * b.cfg.BlockSize
	scratch := mcache.Malloc(size)
	defer mcache.Free(scratch)

	if _, err := b.file.ReadAt(scratch, 0); err != nil {
		return errors.Wrap(err, "read back scratch file")
	}

	if xxhash3.Hash(scratch) != xxhash3.Hash(b.arena.Buf[:size]) {
		return errors.New("scratch file content does not match written blocks")
	}

	return nil
}

func (b *bench) report(elapsed time.Duration) {
	ops := b.completed.Load()
	rate := float64(ops) / elapsed.Seconds()

	fmt.Printf("Completed %s operations in %s (%s failed)\n",
		humanize.Comma(ops), elapsed.Round(time.Millisecond), humanize.Comma(b.failed.Load()))
	fmt.Printf("Throughput: %s ops/s\n", humanize.Commaf(float64(int64(rate))))

	if b.cfg.Workload == workloadWrite {
		fmt.Printf("Bandwidth: %s/s\n", humanize.IBytes(uint64(rate*float64(b.cfg.BlockSize))))
	}

	if b.kernel != nil {
		stats := b.kernel.Stats(b.ring.Fd())
		fmt.Printf("Kernel entries: %s, wakeups: %s, overflown: %s\n",
			humanize.Comma(int64(stats.Enters)), humanize.Comma(int64(stats.Wakeups)),
			humanize.Comma(int64(stats.Overflown)))
	}
}

func (b *bench) close() error {
	var errs []error

	if b.target.Valid() {
		errs = append(errs, b.ring.UnregisterDescriptor(b.target))
	}

	if b.buffer.Valid() {
		errs = append(errs, b.ring.UnregisterBuffer(b.buffer))
	}

	errs = append(errs, b.ring.Teardown())

	if b.arena != nil {
		pinned.Put(b.arena)
	}

	if b.file != nil {
		errs = append(errs, b.file.Close(), os.Remove(b.file.Name()))
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func runBench(cfg *cmdConfig) error {
	b, err := newBench(cfg)
	if err != nil {
		return err
	}

	elapsed, runErr := b.run()
	if runErr == nil {
		b.report(elapsed)
		runErr = b.verify()
	}

	if err = b.close(); runErr == nil {
		runErr = err
	}

	return runErr
}
