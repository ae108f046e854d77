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

package health

import (
	"sync"
	"time"

	"github.com/bufbuild/proxypool/internal"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures after
	// which a proxy enters cooldown.
	DefaultFailureThreshold = 3
	// DefaultBackoffBase is the cooldown applied after the threshold is
	// first crossed. Each further consecutive failure doubles it.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffCap bounds the cooldown regardless of failure count.
	DefaultBackoffCap = 300 * time.Second
)

// Record is a snapshot of the tracked state for one proxy.
type Record struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
	CooldownUntil       time.Time
}

// Option customizes a Tracker created by [NewTracker].
type Option func(*Tracker)

// WithFailureThreshold sets how many consecutive failures put a proxy into
// cooldown. Values below one are ignored.
func WithFailureThreshold(threshold int) Option {
	return func(t *Tracker) {
		if threshold >= 1 {
			t.threshold = threshold
		}
	}
}

// WithBackoff sets the base and cap of the exponential cooldown. The
// cooldown after k consecutive failures is min(cap, base*2^(k-1)).
func WithBackoff(base, cap time.Duration) Option {
	return func(t *Tracker) {
		if base > 0 {
			t.backoffBase = base
		}
		if cap > 0 {
			t.backoffCap = cap
		}
	}
}

// Tracker records per-proxy attempt outcomes and decides eligibility.
// Records are created lazily on first reference and live until [Tracker.Forget]
// is called for their key. All methods are safe for concurrent use; updates
// are O(1) under a single mutex.
type Tracker struct {
	mu sync.Mutex
	// +checklocks:mu
	records map[string]*Record

	threshold   int
	backoffBase time.Duration
	backoffCap  time.Duration
	clock       internal.Clock
}

// NewTracker creates a tracker with the default threshold and backoff,
// adjusted by the given options.
func NewTracker(opts ...Option) *Tracker {
	tracker := &Tracker{
		records:     map[string]*Record{},
		threshold:   DefaultFailureThreshold,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		clock:       internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker
}

// RecordSuccess resets the consecutive failure count for key, clears any
// cooldown, and stamps the success time.
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record := t.recordLocked(key)
	record.ConsecutiveFailures = 0
	record.CooldownUntil = time.Time{}
	record.LastSuccess = t.clock.Now()
}

// RecordFailure increments the consecutive failure count for key. The proxy
// enters cooldown once the count reaches the threshold, or immediately when
// cooldownNow is set (used for authentication rejections, which will not
// heal by themselves). The cooldown grows exponentially with the failure
// count, up to the configured cap.
func (t *Tracker) RecordFailure(key string, cooldownNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	record := t.recordLocked(key)
	record.ConsecutiveFailures++
	record.LastFailure = now
	if cooldownNow || record.ConsecutiveFailures >= t.threshold {
		record.CooldownUntil = now.Add(t.backoff(record.ConsecutiveFailures))
	}
}

// IsEligible reports whether the proxy identified by key may be selected.
// Unknown keys are eligible.
func (t *Tracker) IsEligible(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[key]
	if !ok {
		return true
	}
	return !record.CooldownUntil.After(t.clock.Now())
}

// Failures returns the current consecutive failure count for key.
func (t *Tracker) Failures(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[key]
	if !ok {
		return 0
	}
	return record.ConsecutiveFailures
}

// Record returns a snapshot of the state tracked for key.
func (t *Tracker) Record(key string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Forget drops all state for key. Called when a descriptor is removed from
// its pool.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
}

// +checklocks:t.mu
func (t *Tracker) recordLocked(key string) *Record {
	record, ok := t.records[key]
	if !ok {
		record = &Record{}
		t.records[key] = record
	}
	return record
}

func (t *Tracker) backoff(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	// Beyond 62 doublings the shift would overflow; the cap applies long
	// before that for any sane configuration.
	if shift > 62 {
		return t.backoffCap
	}
	backoff := t.backoffBase << shift
	if backoff <= 0 || backoff > t.backoffCap {
		return t.backoffCap
	}
	return backoff
}
