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

package picker_test

import (
	"fmt"
	"testing"

	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/picker"
	"github.com/stretchr/testify/require"
)

// fakeCandidates is a hand-rolled snapshot for picker tests. Positions
// default to 0..n-1 unless set explicitly.
type fakeCandidates struct {
	descs     []descriptor.Descriptor
	positions []int
	failures  []int
}

func newFakeCandidates(t *testing.T, n int) *fakeCandidates {
	t.Helper()
	cands := &fakeCandidates{}
	for i := 0; i < n; i++ {
		desc, err := descriptor.New(descriptor.SchemeHTTP, fmt.Sprintf("proxy-%d", i), 8080)
		require.NoError(t, err)
		cands.descs = append(cands.descs, desc)
		cands.positions = append(cands.positions, i)
		cands.failures = append(cands.failures, 0)
	}
	return cands
}

func (f *fakeCandidates) Len() int { return len(f.descs) }

func (f *fakeCandidates) Get(i int) descriptor.Descriptor { return f.descs[i] }

func (f *fakeCandidates) Position(i int) int { return f.positions[i] }

func (f *fakeCandidates) Failures(i int) int { return f.failures[i] }

func TestErrorPicker(t *testing.T) {
	t.Parallel()
	wantErr := fmt.Errorf("boom")
	_, err := picker.ErrorPicker(wantErr).Pick(nil)
	require.Equal(t, wantErr, err)
}
