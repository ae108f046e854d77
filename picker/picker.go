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
	"errors"
	"net/http"

	"github.com/bufbuild/proxypool/descriptor"
)

// ErrNoneEligible is returned by a picker when the candidate set is empty,
// meaning every proxy in the pool is currently in cooldown (or the pool
// itself is empty).
var ErrNoneEligible = errors.New("no eligible proxies")

// Candidates is the eligibility snapshot a picker selects from. Entries
// appear in pool insertion order and contain only proxies not currently in
// cooldown.
type Candidates interface {
	// Len returns the number of eligible candidates.
	Len() int
	// Get returns the i-th eligible candidate.
	Get(i int) descriptor.Descriptor
	// Position returns the i-th candidate's position in the pool's full
	// insertion order. Round-robin uses this to keep a stable cursor over
	// the whole pool even while some entries are ineligible.
	Position(i int) int
	// Failures returns the i-th candidate's current consecutive failure
	// count, for health-weighted selection.
	Failures(i int) int
}

// Picker selects the proxy for one request attempt.
type Picker interface {
	Pick(req *http.Request) (descriptor.Descriptor, error)
}

// Factory creates a picker for a candidate snapshot. When the snapshot
// changes, the dispatcher calls the factory again, passing the previous
// picker so that policy-internal state (such as the round-robin cursor or
// a seeded random generator) carries over.
type Factory func(prev Picker, cands Candidates) Picker

// ErrorPicker returns a picker that always fails with the given error.
func ErrorPicker(err error) Picker {
	return pickerFunc(func(*http.Request) (descriptor.Descriptor, error) {
		return descriptor.Descriptor{}, err
	})
}

type pickerFunc func(*http.Request) (descriptor.Descriptor, error)

func (f pickerFunc) Pick(req *http.Request) (descriptor.Descriptor, error) {
	return f(req)
}
