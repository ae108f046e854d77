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

package proxypool_test

import (
	"fmt"
	"testing"

	proxypool "github.com/bufbuild/proxypool"
	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDescriptors(t *testing.T, n int) []descriptor.Descriptor {
	t.Helper()
	descs := make([]descriptor.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		desc, err := descriptor.New(descriptor.SchemeHTTP, fmt.Sprintf("proxy-%d", i), 3128)
		require.NoError(t, err)
		descs = append(descs, desc)
	}
	return descs
}

func TestPoolAddDuplicate(t *testing.T) {
	t.Parallel()
	descs := makeDescriptors(t, 1)
	pool, err := proxypool.NewPool(descs)
	require.NoError(t, err)

	require.ErrorIs(t, pool.Add(descs[0]), proxypool.ErrDuplicateProxy)

	// Same endpoint with credentials is a different identity.
	withCreds, err := descriptor.New(
		descriptor.SchemeHTTP, "proxy-0", 3128,
		descriptor.WithCredentials("alice", "s3cret"),
	)
	require.NoError(t, err)
	require.NoError(t, pool.Add(withCreds))
	assert.Equal(t, 2, pool.Len())
}

func TestPoolRemove(t *testing.T) {
	t.Parallel()
	descs := makeDescriptors(t, 3)
	pool, err := proxypool.NewPool(descs)
	require.NoError(t, err)

	// Quarantine proxy-1, then remove it: removal forgets health state,
	// so re-adding starts from a clean slate.
	pool.Health().RecordFailure(descs[1].Key(), true)
	require.NoError(t, pool.Remove(descs[1]))
	require.ErrorIs(t, pool.Remove(descs[1]), proxypool.ErrNotFound)
	assert.Equal(t, 2, pool.Len())

	require.NoError(t, pool.Add(descs[1]))
	eligible := pool.EligibleSnapshot()
	assert.Len(t, eligible, 3)
}

func TestPoolEligibleSnapshotOrderAndCooldown(t *testing.T) {
	t.Parallel()
	descs := makeDescriptors(t, 4)
	tracker := health.NewTracker(health.WithFailureThreshold(1))
	pool, err := proxypool.NewPool(descs, proxypool.WithHealthTracker(tracker))
	require.NoError(t, err)

	tracker.RecordFailure(descs[1].Key(), false)
	tracker.RecordFailure(descs[3].Key(), false)

	eligible := pool.EligibleSnapshot()
	require.Len(t, eligible, 2)
	assert.Equal(t, "proxy-0", eligible[0].Host())
	assert.Equal(t, "proxy-2", eligible[1].Host())

	// All in cooldown: empty snapshot, not an error.
	tracker.RecordFailure(descs[0].Key(), false)
	tracker.RecordFailure(descs[2].Key(), false)
	assert.Empty(t, pool.EligibleSnapshot())
}

func TestNewPoolRejectsDuplicates(t *testing.T) {
	t.Parallel()
	descs := makeDescriptors(t, 2)
	_, err := proxypool.NewPool([]descriptor.Descriptor{descs[0], descs[1], descs[0]})
	require.ErrorIs(t, err, proxypool.ErrDuplicateProxy)
}
