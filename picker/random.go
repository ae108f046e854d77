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
	"math/rand"
	"net/http"
	"sync"

	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/internal"
)

// NewRandom returns a Factory creating pickers that choose uniformly at
// random among the eligible candidates. If rnd is nil, a self-seeded
// generator is used; supplying a fixed-seed generator makes selection
// reproducible.
func NewRandom(rnd *rand.Rand) Factory {
	if rnd == nil {
		rnd = internal.NewRand()
	}
	// *rand.Rand is not safe for concurrent use, and the generator is
	// shared by every picker the factory creates.
	mu := new(sync.Mutex)
	return func(_ Picker, cands Candidates) Picker {
		return &random{mu: mu, rnd: rnd, cands: cands}
	}
}

type random struct {
	mu    *sync.Mutex
	rnd   *rand.Rand
	cands Candidates
}

func (r *random) Pick(_ *http.Request) (descriptor.Descriptor, error) {
	numCands := r.cands.Len()
	if numCands == 0 {
		return descriptor.Descriptor{}, ErrNoneEligible
	}
	r.mu.Lock()
	choice := r.rnd.Intn(numCands)
	r.mu.Unlock()
	return r.cands.Get(choice), nil
}
