// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package picker

import (
	"net/http"
	"sync"

	"github.com/bufbuild/proxypool/descriptor"
)

// NewRoundRobin returns a Factory creating pickers that walk the pool in
// insertion order, skipping ineligible entries and wrapping around. The
// cursor survives snapshot rebuilds, so one pool instance has one cursor.
func NewRoundRobin() Factory {
	return func(prev Picker, cands Candidates) Picker {
		picker := &roundRobin{cands: cands}
		if prevRR, ok := prev.(*roundRobin); ok {
			prevRR.mu.Lock()
			picker.next = prevRR.next
			prevRR.mu.Unlock()
		}
		return picker
	}
}

type roundRobin struct {
	cands Candidates

	mu sync.Mutex
	// next is the insertion-order position to try first. +checklocks:mu
	next int
}

func (r *roundRobin) Pick(_ *http.Request) (descriptor.Descriptor, error) {
	numCands := r.cands.Len()
	if numCands == 0 {
		return descriptor.Descriptor{}, ErrNoneEligible
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Candidates are sorted by position, so the pick is the first entry at
	// or past the cursor, or the first entry overall when wrapping.
	choice := 0
	for i := 0; i < numCands; i++ {
		if r.cands.Position(i) >= r.next {
			choice = i
			break
		}
	}
	r.next = r.cands.Position(choice) + 1
	return r.cands.Get(choice), nil
}
