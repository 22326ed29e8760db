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
	"errors"
	"fmt"
	"time"

	"github.com/pawelgaczynski/fern/iouring"
	fernErrors "github.com/pawelgaczynski/fern/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	defaultSQThreadIdle = time.Second
	noCPU               = -1
	noWorkQueue         = -1
)

var (
	errUnknownMode     = errors.New("unknown mode bits")
	errAffinityNoPoll  = errors.New("sq thread cpu requires kernel polled submission")
	errDeferNoIssuer   = errors.New("deferred taskrun requires single issuer")
	errTaskrunWithPoll = errors.New("taskrun modes cannot be combined with kernel polled submission")
	errCQSmallerThanSQ = errors.New("completion queue smaller than submission queue")
	errNegativeCPU     = errors.New("negative cpu")
)

type ConfigOption[T any] func(*T)

type Option ConfigOption[Config]

type Config struct {
	mode                  Mode
	cqEntries             uint32
	sqThreadIdle          time.Duration
	sqThreadCPU           int
	attachWQ              int
	disabled              bool
	submitAll             bool
	cooperativeTaskrun    bool
	singleIssuer          bool
	deferredTaskrun       bool
	largeEntries          bool
	clamp                 bool
	registeredBuffers     uint32
	registeredDescriptors uint32
	kernel                iouring.Kernel
	logger                *zerolog.Logger
	loggerLevel           zerolog.Level
	prettyLogger          bool
}

func WithMode(mode Mode) Option {
	return func(c *Config) {
		c.mode = mode
	}
}

// WithSQThreadIdle sets how long the submission polling thread spins
// before it sleeps and requires a wakeup.
func WithSQThreadIdle(idle time.Duration) Option {
	return func(c *Config) {
		c.sqThreadIdle = idle
	}
}

func WithSQThreadCPU(cpu int) Option {
	return func(c *Config) {
		c.sqThreadCPU = cpu
	}
}

// WithCQSize requests a completion queue of at least entries slots instead
// of twice the submission queue.
func WithCQSize(entries uint32) Option {
	return func(c *Config) {
		c.cqEntries = entries
	}
}

// WithAttachWorkQueue shares the async worker pool of the ring behind fd.
func WithAttachWorkQueue(fd int) Option {
	return func(c *Config) {
		c.attachWQ = fd
	}
}

// WithDisabled creates the ring disabled; it accepts no submissions until Enable.
func WithDisabled() Option {
	return func(c *Config) {
		c.disabled = true
	}
}

func WithSubmitAll() Option {
	return func(c *Config) {
		c.submitAll = true
	}
}

func WithCooperativeTaskrun() Option {
	return func(c *Config) {
		c.cooperativeTaskrun = true
	}
}

func WithSingleIssuer() Option {
	return func(c *Config) {
		c.singleIssuer = true
	}
}

func WithDeferredTaskrun() Option {
	return func(c *Config) {
		c.deferredTaskrun = true
	}
}

// WithLargeEntries doubles both entry sizes (128-byte submissions, 32-byte completions).
func WithLargeEntries() Option {
	return func(c *Config) {
		c.largeEntries = true
	}
}

// WithClamp limits oversized capacities to the kernel maximum instead of failing.
func WithClamp() Option {
	return func(c *Config) {
		c.clamp = true
	}
}

func WithRegisteredBuffers(slots uint32) Option {
	return func(c *Config) {
		c.registeredBuffers = slots
	}
}

func WithRegisteredDescriptors(slots uint32) Option {
	return func(c *Config) {
		c.registeredDescriptors = slots
	}
}

func WithKernel(kernel iouring.Kernel) Option {
	return func(c *Config) {
		c.kernel = kernel
	}
}

// WithLogger replaces the ring logger. Level and pretty options are ignored.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.logger = &logger
	}
}

func WithLoggerLevel(loggerLevel zerolog.Level) Option {
	return func(c *Config) {
		c.loggerLevel = loggerLevel
	}
}

func WithPrettyLogger(prettyLogger bool) Option {
	return func(c *Config) {
		c.prettyLogger = prettyLogger
	}
}

func NewConfig(opts ...Option) Config {
	config := Config{
		mode:         ModeNone,
		sqThreadIdle: defaultSQThreadIdle,
		sqThreadCPU:  noCPU,
		attachWQ:     noWorkQueue,
		kernel:       iouring.System(),
		loggerLevel:  zerolog.ErrorLevel,
		prettyLogger: false,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return config
}

// entries validates the requested capacity and rounds it to a power of two.
func (c Config) entries(capacity uint32) (uint32, error) {
	if capacity == 0 {
		return 0, fernErrors.ErrorCapacity(capacity, iouring.MaxEntries)
	}

	if capacity > iouring.MaxEntries {
		if !c.clamp {
			return 0, fernErrors.ErrorCapacity(capacity, iouring.MaxEntries)
		}

		capacity = iouring.MaxEntries
	}

	return iouring.RoundUpPowerOfTwo(capacity), nil
}

func (c Config) params(entries uint32) (*iouring.Params, error) {
	if c.mode&^modeMask != 0 {
		return nil, fernErrors.ErrorSetup("mode", fmt.Errorf("%w: %#x", errUnknownMode, uint32(c.mode&^modeMask)))
	}

	sqPoll := c.mode&ModeKernelPolledSubmission != 0

	switch {
	case c.sqThreadCPU != noCPU && !sqPoll:
		return nil, fernErrors.ErrorSetup("sq thread cpu", errAffinityNoPoll)
	case c.deferredTaskrun && !c.singleIssuer:
		return nil, fernErrors.ErrorSetup("deferred taskrun", errDeferNoIssuer)
	case sqPoll && (c.cooperativeTaskrun || c.deferredTaskrun):
		return nil, fernErrors.ErrorSetup("taskrun", errTaskrunWithPoll)
	case c.sqThreadCPU < noCPU:
		return nil, fernErrors.ErrorSetup("sq thread cpu", fmt.Errorf("%w: %d", errNegativeCPU, c.sqThreadCPU))
	}

	if c.registeredBuffers > iouring.MaxRegisteredBuffers {
		return nil, fernErrors.ErrorCapacity(c.registeredBuffers, iouring.MaxRegisteredBuffers)
	}

	if c.registeredDescriptors > iouring.MaxRegisteredFiles {
		return nil, fernErrors.ErrorCapacity(c.registeredDescriptors, iouring.MaxRegisteredFiles)
	}

	params := &iouring.Params{Flags: c.mode.setupFlags()}

	if sqPoll {
		params.SQThreadIdle = uint32(c.sqThreadIdle.Milliseconds())
	}

	if c.sqThreadCPU != noCPU {
		params.Flags |= iouring.SetupSQAff
		params.SQThreadCPU = uint32(c.sqThreadCPU)
	}

	if c.cqEntries > 0 {
		cqEntries := c.cqEntries
		if cqEntries > iouring.MaxCQEntries {
			if !c.clamp {
				return nil, fernErrors.ErrorCapacity(cqEntries, iouring.MaxCQEntries)
			}
			cqEntries = iouring.MaxCQEntries
		}

		cqEntries = iouring.RoundUpPowerOfTwo(cqEntries)
		if cqEntries < entries {
			return nil, fernErrors.ErrorSetup("cq size", fmt.Errorf("%w: %d < %d", errCQSmallerThanSQ, cqEntries, entries))
		}

		params.Flags |= iouring.SetupCQSize
		params.CQEntries = cqEntries
	}

	if c.attachWQ != noWorkQueue {
		params.Flags |= iouring.SetupAttachWQ
		params.WQFd = uint32(c.attachWQ)
	}

	if c.clamp {
		params.Flags |= iouring.SetupClamp
	}

	if c.disabled {
		params.Flags |= iouring.SetupRDisabled
	}

	if c.submitAll {
		params.Flags |= iouring.SetupSubmitAll
	}

	if c.cooperativeTaskrun {
		params.Flags |= iouring.SetupCoopTaskrun | iouring.SetupTaskrunFlag
	}

	if c.singleIssuer {
		params.Flags |= iouring.SetupSingleIssuer
	}

	if c.deferredTaskrun {
		params.Flags |= iouring.SetupDeferTaskrun
	}

	if c.largeEntries {
		params.Flags |= iouring.SetupSQE128 | iouring.SetupCQE32
	}

	return params, nil
}
