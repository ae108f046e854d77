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
	"context"
	"net/http"
	"time"

	"github.com/bufbuild/proxypool/descriptor"
	"golang.org/x/sync/errgroup"
)

const defaultProbeConcurrency = 8

// ProbeResult is the outcome of probing one proxy.
type ProbeResult struct {
	// Proxy is the descriptor that was probed.
	Proxy descriptor.Descriptor
	// Err is nil when the probe succeeded; otherwise an [*AttemptError].
	Err error
	// Elapsed is how long the probe took.
	Elapsed time.Duration
}

// ProbeAll issues one GET for targetURL through every descriptor in the
// pool, including those currently in cooldown, with at most concurrency
// probes in flight at once (a default bound applies when concurrency is
// not positive). Outcomes are recorded into the pool's health tracker, so
// probing a fresh pool warms its health state before real traffic, and
// probing a degraded pool lets recovered proxies rejoin early.
//
// Results are returned in pool insertion order. The returned error is only
// non-nil when ctx ended before all probes completed.
func (d *Dispatcher) ProbeAll(ctx context.Context, targetURL string, concurrency int) ([]ProbeResult, error) {
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	descs := d.pool.Descriptors()
	results := make([]ProbeResult, len(descs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, desc := range descs {
		i, desc := i, desc
		group.Go(func() error {
			start := d.clock.Now()
			attemptErr := d.probe(groupCtx, targetURL, desc)
			results[i] = ProbeResult{Proxy: desc, Elapsed: d.clock.Since(start)}
			if attemptErr == nil {
				d.pool.tracker.RecordSuccess(desc.Key())
				return nil
			}
			results[i].Err = attemptErr
			if attemptErr.Kind != ErrorKindUpstream {
				// Only proxy-attributable failures count against health.
				d.pool.tracker.RecordFailure(desc.Key(), attemptErr.Kind == ErrorKindAuth)
			}
			d.logger.Debug().
				Stringer("proxy", desc).
				Stringer("kind", attemptErr.Kind).
				Err(attemptErr.Err).
				Msg("probe failed")
			// Probe failures are per-proxy results, not group failures.
			return nil
		})
	}
	_ = group.Wait()
	return results, ctx.Err()
}

func (d *Dispatcher) probe(ctx context.Context, targetURL string, desc descriptor.Descriptor) *AttemptError {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return &AttemptError{Kind: ErrorKindUnknown, Proxy: desc, Err: err}
	}
	resp, attemptErr := d.attempt(ctx, req, desc)
	if attemptErr != nil {
		return attemptErr
	}
	drainBody(resp.Body)
	return nil
}
