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

package iouring_test

import (
	"testing"

	"github.com/pawelgaczynski/fern/iouring"
	. "github.com/stretchr/testify/require"
)

func TestRoundUpPowerOfTwo(t *testing.T) {
	for input, expected := range map[uint32]uint32{
		0:     0,
		1:     1,
		2:     2,
		3:     4,
		5:     8,
		1000:  1024,
		4096:  4096,
		32767: 32768,
	} {
		Equal(t, expected, iouring.RoundUpPowerOfTwo(input), "input %d", input)
	}
}

func TestParamsShifts(t *testing.T) {
	params := &iouring.Params{}
	Equal(t, uint32(0), params.EntryShift())
	Equal(t, uint32(0), params.EventShift())

	params.Flags = iouring.SetupSQE128 | iouring.SetupCQE32
	Equal(t, uint32(1), params.EntryShift())
	Equal(t, uint32(1), params.EventShift())
}

func TestParseVersion(t *testing.T) {
	version, err := iouring.ParseVersion("6.1.0-13-amd64")
	NoError(t, err)
	Equal(t, iouring.Version{Major: 6, Minor: 1, Patch: 0, Flavor: "-13-amd64"}, version)
	True(t, version.AtLeast(5, 13))
	False(t, version.AtLeast(6, 2))

	version, err = iouring.ParseVersion("5.19-rc1")
	NoError(t, err)
	Equal(t, 5, version.Major)
	Equal(t, 19, version.Minor)
	Equal(t, "-rc1", version.Flavor)

	_, err = iouring.ParseVersion("linux")
	Error(t, err)
}

func TestKernelVersion(t *testing.T) {
	version, err := iouring.KernelVersion()
	NoError(t, err)
	Greater(t, version.Major, 0)
}
