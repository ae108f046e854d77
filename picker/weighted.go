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

// NewWeightedByHealth returns a Factory creating pickers that sample
// candidates proportionally to 1/(1+consecutiveFailures), so proxies with a
// cleaner recent record receive more traffic. Sampling walks the candidates
// in insertion order, which makes the outcome fully determined by the
// snapshot and the generator's seed. If rnd is nil, a self-seeded generator
// is used.
func NewWeightedByHealth(rnd *rand.Rand) Factory {
	if rnd == nil {
		rnd = internal.NewRand()
	}
	mu := new(sync.Mutex)
	return func(_ Picker, cands Candidates) Picker {
		picker := &weighted{mu: mu, rnd: rnd, cands: cands, weights: make([]float64, cands.Len())}
		for i := range picker.weights {
			picker.weights[i] = 1 / float64(1+cands.Failures(i))
			picker.total += picker.weights[i]
		}
		return picker
	}
}

type weighted struct {
	mu      *sync.Mutex
	rnd     *rand.Rand
	cands   Candidates
	weights []float64
	total   float64
}

func (w *weighted) Pick(_ *http.Request) (descriptor.Descriptor, error) {
	numCands := w.cands.Len()
	if numCands == 0 {
		return descriptor.Descriptor{}, ErrNoneEligible
	}
	w.mu.Lock()
	sample := w.rnd.Float64() * w.total
	w.mu.Unlock()
	for i, weight := range w.weights {
		sample -= weight
		if sample < 0 {
			return w.cands.Get(i), nil
		}
	}
	// Floating-point slack can leave sample barely non-negative; the last
	// candidate absorbs it.
	return w.cands.Get(numCands - 1), nil
}
