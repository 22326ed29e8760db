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

package pinned

import (
	"github.com/pawelgaczynski/fern/pkg/pool/sync"
)

const (
	maxPooledSize = 64 * 1024 * 1024
)

var builtinPool = NewPool()

// Get returns an arena of at least size bytes from the built-in pool.
func Get(size int) (*Arena, error) {
	return builtinPool.Get(size)
}

// Put zeroes the arena and returns it to the built-in pool.
func Put(arena *Arena) {
	arena.Zeroes()
	builtinPool.Put(arena)
}

// Pool keeps arenas in power-of-two size classes.
type Pool struct {
	classes *sync.Classes[*Arena]
}

func NewPool() *Pool {
	return &Pool{classes: sync.NewClasses[*Arena](pageSize, maxPooledSize)}
}

func (p *Pool) Get(size int) (*Arena, error) {
	size = AdjustSize(size)

	capacity, ok := p.classes.Class(size)
	if !ok {
		return New(size)
	}

	if arena := p.classes.Get(size); arena != nil {
		return arena, nil
	}

	return New(capacity)
}

func (p *Pool) Put(arena *Arena) {
	if arena == nil || arena.Buf == nil {
		return
	}

	p.classes.Put(arena.Size, arena)
}
