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

package sync_test

import (
	"testing"

	"github.com/pawelgaczynski/fern/pkg/pool/sync"
	. "github.com/stretchr/testify/require"
)

func TestPoolEmpty(t *testing.T) {
	pool := sync.NewPool[*int]()
	Nil(t, pool.Get())

	value := 7
	pool.Put(&value)
	if got := pool.Get(); got != nil {
		Same(t, &value, got)
	}
}

func TestClasses(t *testing.T) {
	classes := sync.NewClasses[[]byte](4096, 1<<20)

	for _, tc := range []struct {
		size     int
		capacity int
		ok       bool
	}{
		{size: 0, ok: false},
		{size: 1, capacity: 4096, ok: true},
		{size: 4096, capacity: 4096, ok: true},
		{size: 4097, capacity: 8192, ok: true},
		{size: 3 * 4096, capacity: 4 * 4096, ok: true},
		{size: 1 << 20, capacity: 1 << 20, ok: true},
		{size: 1<<20 + 1, ok: false},
	} {
		capacity, ok := classes.Class(tc.size)
		Equal(t, tc.ok, ok, "size %d", tc.size)
		Equal(t, tc.capacity, capacity, "size %d", tc.size)
	}
}

func TestClassesNeverUndersize(t *testing.T) {
	classes := sync.NewClasses[[]byte](4096, 1<<20)

	classes.Put(2048, make([]byte, 2048))
	classes.Put(3*4096, make([]byte, 3*4096))
	classes.Put(1<<21, make([]byte, 1<<21))

	for _, size := range []int{1, 4096, 2 * 4096, 3 * 4096, 1 << 20} {
		if buf := classes.Get(size); buf != nil {
			GreaterOrEqual(t, len(buf), size)
		}
	}

	Nil(t, classes.Get(1<<21))
}
