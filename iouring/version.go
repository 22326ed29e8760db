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

package iouring

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type Version struct {
	Major  int
	Minor  int
	Patch  int
	Flavor string
}

func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return sign(v.Major - o.Major)
	case v.Minor != o.Minor:
		return sign(v.Minor - o.Minor)
	default:
		return sign(v.Patch - o.Patch)
	}
}

func (v Version) AtLeast(major, minor int) bool {
	return v.Compare(Version{Major: major, Minor: minor}) >= 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Flavor)
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

var (
	kernelVersion     Version
	kernelVersionErr  error
	kernelVersionOnce sync.Once
)

// KernelVersion reports the running kernel release, parsed once.
func KernelVersion() (Version, error) {
	kernelVersionOnce.Do(func() {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			kernelVersionErr = err

			return
		}

		release := uts.Release[:]
		if i := bytes.IndexByte(release, 0); i >= 0 {
			release = release[:i]
		}

		kernelVersion, kernelVersionErr = ParseVersion(string(release))
	})

	return kernelVersion, kernelVersionErr
}

// ParseVersion parses a release string such as "6.1.0-13-amd64".
func ParseVersion(release string) (Version, error) {
	var (
		version Version
		partial string
	)

	parsed, _ := fmt.Sscanf(release, "%d.%d%s", &version.Major, &version.Minor, &partial)
	if parsed < 2 {
		return Version{}, fmt.Errorf("cannot parse kernel version: %q", release)
	}

	parsed, _ = fmt.Sscanf(partial, ".%d%s", &version.Patch, &version.Flavor)
	if parsed < 1 {
		version.Flavor = partial
	}

	return version, nil
}
