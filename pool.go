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

package proxypool

import (
	"fmt"
	"sync"

	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/health"
	"github.com/bufbuild/proxypool/picker"
)

// Pool is an ordered set of proxy descriptors plus their health state.
// Insertion order is significant: it defines the round-robin visiting order
// and the deterministic tie-break for weighted selection. A pool holds no
// two descriptors with the same identity.
//
// All methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex
	// +checklocks:mu
	descs []descriptor.Descriptor

	tracker *health.Tracker
}

// PoolOption customizes a pool created by [NewPool].
type PoolOption func(*Pool)

// WithHealthTracker supplies the health tracker the pool consults for
// eligibility. If not used, a tracker with default threshold and backoff is
// created.
func WithHealthTracker(tracker *health.Tracker) PoolOption {
	return func(p *Pool) {
		p.tracker = tracker
	}
}

// NewPool creates a pool holding the given descriptors, in order. It fails
// with [ErrDuplicateProxy] if two descriptors share an identity.
func NewPool(descs []descriptor.Descriptor, opts ...PoolOption) (*Pool, error) {
	pool := &Pool{}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.tracker == nil {
		pool.tracker = health.NewTracker()
	}
	for _, desc := range descs {
		if err := pool.Add(desc); err != nil {
			return nil, fmt.Errorf("%s: %w", desc, err)
		}
	}
	return pool, nil
}

// Add appends a descriptor to the pool. It fails with [ErrDuplicateProxy]
// if an identical descriptor is already present.
func (p *Pool) Add(desc descriptor.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.descs {
		if existing.Equal(desc) {
			return ErrDuplicateProxy
		}
	}
	p.descs = append(p.descs, desc)
	return nil
}

// Remove deletes a descriptor from the pool and forgets its health state.
// It fails with [ErrNotFound] if the descriptor is absent.
func (p *Pool) Remove(desc descriptor.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.descs {
		if existing.Equal(desc) {
			p.descs = append(p.descs[:i], p.descs[i+1:]...)
			p.tracker.Forget(desc.Key())
			return nil
		}
	}
	return ErrNotFound
}

// Len returns the number of descriptors in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.descs)
}

// Descriptors returns a copy of the pool's descriptors in insertion order.
func (p *Pool) Descriptors() []descriptor.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	descs := make([]descriptor.Descriptor, len(p.descs))
	copy(descs, p.descs)
	return descs
}

// Health returns the pool's health tracker.
func (p *Pool) Health() *health.Tracker {
	return p.tracker
}

// EligibleSnapshot returns the descriptors currently eligible for
// selection, in insertion order. An empty result is not an error; the
// caller decides whether to wait or fail.
func (p *Pool) EligibleSnapshot() []descriptor.Descriptor {
	snapshot := p.snapshot()
	descs := make([]descriptor.Descriptor, 0, snapshot.Len())
	for i := 0; i < snapshot.Len(); i++ {
		descs = append(descs, snapshot.Get(i))
	}
	return descs
}

// snapshot builds the picker view of the pool: eligible descriptors in
// insertion order, with their full-order positions and failure counts.
func (p *Pool) snapshot() *poolSnapshot {
	descs := p.Descriptors()
	snapshot := &poolSnapshot{}
	for pos, desc := range descs {
		key := desc.Key()
		if !p.tracker.IsEligible(key) {
			continue
		}
		snapshot.descs = append(snapshot.descs, desc)
		snapshot.positions = append(snapshot.positions, pos)
		snapshot.failures = append(snapshot.failures, p.tracker.Failures(key))
	}
	return snapshot
}

type poolSnapshot struct {
	descs     []descriptor.Descriptor
	positions []int
	failures  []int
}

var _ picker.Candidates = (*poolSnapshot)(nil)

func (s *poolSnapshot) Len() int {
	return len(s.descs)
}

func (s *poolSnapshot) Get(i int) descriptor.Descriptor {
	return s.descs[i]
}

func (s *poolSnapshot) Position(i int) int {
	return s.positions[i]
}

func (s *poolSnapshot) Failures(i int) int {
	return s.failures[i]
}

// without filters out candidates whose key is in exclude. Used to steer
// retries toward proxies not yet tried for the current request.
func (s *poolSnapshot) without(exclude map[string]struct{}) *poolSnapshot {
	if len(exclude) == 0 {
		return s
	}
	filtered := &poolSnapshot{}
	for i, desc := range s.descs {
		if _, ok := exclude[desc.Key()]; ok {
			continue
		}
		filtered.descs = append(filtered.descs, desc)
		filtered.positions = append(filtered.positions, s.positions[i])
		filtered.failures = append(filtered.failures, s.failures[i])
	}
	return filtered
}
