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
	"testing"

	"github.com/bufbuild/proxypool/picker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinVisitsInInsertionOrder(t *testing.T) {
	t.Parallel()
	cands := newFakeCandidates(t, 4)
	pick := picker.NewRoundRobin()(nil, cands)

	// Two full laps: each candidate exactly once per lap, in order.
	for lap := 0; lap < 2; lap++ {
		for i := 0; i < 4; i++ {
			desc, err := pick.Pick(nil)
			require.NoError(t, err)
			assert.Equal(t, cands.descs[i].Key(), desc.Key(), "lap %d, pick %d", lap, i)
		}
	}
}

func TestRoundRobinSkipsIneligible(t *testing.T) {
	t.Parallel()
	// Pool of five, of which positions 1 and 3 are in cooldown and thus
	// absent from the snapshot.
	full := newFakeCandidates(t, 5)
	cands := &fakeCandidates{}
	for _, i := range []int{0, 2, 4} {
		cands.descs = append(cands.descs, full.descs[i])
		cands.positions = append(cands.positions, i)
		cands.failures = append(cands.failures, 0)
	}

	pick := picker.NewRoundRobin()(nil, cands)
	var keys []string
	for i := 0; i < 6; i++ {
		desc, err := pick.Pick(nil)
		require.NoError(t, err)
		keys = append(keys, desc.Host())
	}
	assert.Equal(t, []string{"proxy-0", "proxy-2", "proxy-4", "proxy-0", "proxy-2", "proxy-4"}, keys)
}

func TestRoundRobinCursorSurvivesRebuild(t *testing.T) {
	t.Parallel()
	cands := newFakeCandidates(t, 3)
	factory := picker.NewRoundRobin()

	pick := factory(nil, cands)
	desc, err := pick.Pick(nil)
	require.NoError(t, err)
	assert.Equal(t, "proxy-0", desc.Host())

	// Rebuild, as the dispatcher does when the eligible set changes. The
	// cursor carries over instead of restarting at the front.
	pick = factory(pick, cands)
	desc, err = pick.Pick(nil)
	require.NoError(t, err)
	assert.Equal(t, "proxy-1", desc.Host())
}

func TestRoundRobinEmpty(t *testing.T) {
	t.Parallel()
	pick := picker.NewRoundRobin()(nil, &fakeCandidates{})
	_, err := pick.Pick(nil)
	require.ErrorIs(t, err, picker.ErrNoneEligible)
}
