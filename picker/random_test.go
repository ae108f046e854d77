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
	"math/rand"
	"testing"

	"github.com/bufbuild/proxypool/picker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomReproducibleUnderFixedSeed(t *testing.T) {
	t.Parallel()
	cands := newFakeCandidates(t, 5)

	sequence := func(seed int64) []string {
		pick := picker.NewRandom(rand.New(rand.NewSource(seed)))(nil, cands) //nolint:gosec // fixed seed for reproducibility
		var hosts []string
		for i := 0; i < 20; i++ {
			desc, err := pick.Pick(nil)
			require.NoError(t, err)
			hosts = append(hosts, desc.Host())
		}
		return hosts
	}

	assert.Equal(t, sequence(42), sequence(42))
}

func TestRandomCoversAllCandidates(t *testing.T) {
	t.Parallel()
	cands := newFakeCandidates(t, 3)
	pick := picker.NewRandom(rand.New(rand.NewSource(1)))(nil, cands) //nolint:gosec // fixed seed for reproducibility

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		desc, err := pick.Pick(nil)
		require.NoError(t, err)
		seen[desc.Host()]++
	}
	assert.Len(t, seen, 3, "every candidate should be selected eventually")
}

func TestRandomEmpty(t *testing.T) {
	t.Parallel()
	pick := picker.NewRandom(nil)(nil, &fakeCandidates{})
	_, err := pick.Pick(nil)
	require.ErrorIs(t, err, picker.ErrNoneEligible)
}
