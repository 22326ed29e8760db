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

	"github.com/pawelgaczynski/fern"
	"github.com/pawelgaczynski/fern/iouring"
	"github.com/pkg/errors"
)

const probeCapacity = 4

func runProbe() error {
	version, err := iouring.KernelVersion()
	if err != nil {
		return errors.Wrap(err, "kernel version")
	}

	fmt.Printf("Kernel: %s\n", version)

	ring, err := fern.Create(probeCapacity)
	if err != nil {
		return errors.Wrap(err, "create ring")
	}
	defer ring.Teardown()

	fmt.Printf("Features: %#x\n", ring.Features())

	probe, err := ring.Probe()
	if err != nil {
		return errors.Wrap(err, "probe")
	}

	fmt.Print(probe.Report())

	return nil
}
