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
	"sync/atomic"

	"github.com/bytedance/gopkg/collection/skipmap"
)

// outstanding tracks tokens submitted but not yet completed, with the
// registry references each one pins.
type outstanding struct {
	tokens *skipmap.Uint64Map
	count  atomic.Int64
}

func newOutstanding() *outstanding {
	return &outstanding{tokens: skipmap.NewUint64()}
}

// add records token. It fails if the token is already in flight.
func (o *outstanding) add(token uint64, refs references) bool {
	if _, loaded := o.tokens.LoadOrStore(token, refs); loaded {
		return false
	}

	o.count.Add(1)

	return true
}

func (o *outstanding) remove(token uint64) (references, bool) {
	value, ok := o.tokens.LoadAndDelete(token)
	if !ok {
		return references{}, false
	}

	o.count.Add(-1)

	refs, _ := value.(references)

	return refs, true
}

func (o *outstanding) len() int {
	return int(o.count.Load())
}

// list returns the outstanding tokens in ascending order.
func (o *outstanding) list() []uint64 {
	tokens := make([]uint64, 0, o.len())
	o.tokens.Range(func(token uint64, _ interface{}) bool {
		tokens = append(tokens, token)

		return true
	})

	return tokens
}
