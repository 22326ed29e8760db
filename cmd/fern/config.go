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
	"os"
	"runtime"
	"slices"

	"github.com/pawelgaczynski/fern/logger"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultCapacity  = 256
	defaultOps       = 1 << 20
	defaultBlockSize = 4096
)

type cmdConfig struct {
	Capacity     int    `yaml:"capacity"`
	Submitters   int    `yaml:"submitters"`
	Reapers      int    `yaml:"reapers"`
	Ops          int    `yaml:"ops"`
	Mode         string `yaml:"mode"`
	Workload     string `yaml:"workload"`
	BlockSize    int    `yaml:"block-size"`
	Simulate     bool   `yaml:"simulate"`
	LoggerLevel  string `yaml:"logger-level"`
	PrettyLogger bool   `yaml:"pretty-logger"`

	file string
}

var config = &cmdConfig{}

var benchFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "config",
		Usage:       "YAML file with bench settings. Flags given explicitly take precedence",
		EnvVars:     []string{"FERN_CONFIG"},
		Destination: &config.file,
	},
	&cli.IntFlag{
		Name:        "capacity",
		Value:       defaultCapacity,
		Usage:       "submission queue capacity",
		EnvVars:     []string{"FERN_CAPACITY"},
		Destination: &config.Capacity,
	},
	&cli.IntFlag{
		Name:        "submitters",
		Value:       runtime.NumCPU(),
		Usage:       "number of submitting goroutines",
		EnvVars:     []string{"FERN_SUBMITTERS"},
		Destination: &config.Submitters,
	},
	&cli.IntFlag{
		Name:        "reapers",
		Value:       1,
		Usage:       "number of reaping goroutines",
		EnvVars:     []string{"FERN_REAPERS"},
		Destination: &config.Reapers,
	},
	&cli.IntFlag{
		Name:        "ops",
		Value:       defaultOps,
		Usage:       "total number of operations",
		EnvVars:     []string{"FERN_OPS"},
		Destination: &config.Ops,
	},
	&cli.StringFlag{
		Name:        "mode",
		Value:       "none",
		Usage:       "ring mode: none, sqpoll or iopoll",
		EnvVars:     []string{"FERN_MODE"},
		Destination: &config.Mode,
	},
	&cli.StringFlag{
		Name:        "workload",
		Value:       workloadNop,
		Usage:       "operations to run: nop or write",
		EnvVars:     []string{"FERN_WORKLOAD"},
		Destination: &config.Workload,
	},
	&cli.IntFlag{
		Name:        "blockSize",
		Value:       defaultBlockSize,
		Usage:       "size of a single write",
		EnvVars:     []string{"FERN_BLOCK_SIZE"},
		Destination: &config.BlockSize,
	},
	&cli.BoolFlag{
		Name:        "simulate",
		Value:       false,
		Usage:       "run against the in-process simulated kernel",
		EnvVars:     []string{"FERN_SIMULATE"},
		Destination: &config.Simulate,
	},
	&cli.StringFlag{
		Name:        "loggerLevel",
		Value:       "error",
		Usage:       "logger level",
		EnvVars:     []string{"FERN_LOGGER_LEVEL"},
		Destination: &config.LoggerLevel,
		Action: func(ctx *cli.Context, v string) error {
			if !slices.Contains(logger.Levels, v) {
				return errors.Errorf("possible values for logger level are %v", logger.Levels)
			}

			return nil
		},
	},
	&cli.BoolFlag{
		Name:        "prettyLogger",
		Value:       false,
		Usage:       "print prettier logs. Warning: it can slow down the benchmark",
		EnvVars:     []string{"FERN_PRETTY_LOGGER"},
		Destination: &config.PrettyLogger,
	},
}

// merge overlays the YAML file onto every setting not given on the command
// line or in the environment.
func (c *cmdConfig) merge(ctx *cli.Context) error {
	if c.file == "" {
		return nil
	}

	data, err := os.ReadFile(c.file)
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	fromFile := *c
	if err = yaml.Unmarshal(data, &fromFile); err != nil {
		return errors.Wrapf(err, "parse config %s", c.file)
	}

	overlay := map[string]func(){
		"capacity":     func() { c.Capacity = fromFile.Capacity },
		"submitters":   func() { c.Submitters = fromFile.Submitters },
		"reapers":      func() { c.Reapers = fromFile.Reapers },
		"ops":          func() { c.Ops = fromFile.Ops },
		"mode":         func() { c.Mode = fromFile.Mode },
		"workload":     func() { c.Workload = fromFile.Workload },
		"blockSize":    func() { c.BlockSize = fromFile.BlockSize },
		"simulate":     func() { c.Simulate = fromFile.Simulate },
		"loggerLevel":  func() { c.LoggerLevel = fromFile.LoggerLevel },
		"prettyLogger": func() { c.PrettyLogger = fromFile.PrettyLogger },
	}
	for name, apply := range overlay {
		if !ctx.IsSet(name) {
			apply()
		}
	}

	return nil
}

func (c *cmdConfig) validate() error {
	switch {
	case c.Capacity <= 0:
		return errors.Errorf("capacity must be positive, got %d", c.Capacity)
	case c.Submitters <= 0 || c.Reapers <= 0:
		return errors.New("at least one submitter and one reaper are required")
	case c.Ops <= 0:
		return errors.Errorf("ops must be positive, got %d", c.Ops)
	case c.Workload != workloadNop && c.Workload != workloadWrite:
		return errors.Errorf("unknown workload %q", c.Workload)
	case c.Workload == workloadWrite && c.BlockSize <= 0:
		return errors.Errorf("block size must be positive, got %d", c.BlockSize)
	case !slices.Contains(logger.Levels, c.LoggerLevel):
		return errors.Errorf("possible values for logger level are %v", logger.Levels)
	}

	return nil
}
