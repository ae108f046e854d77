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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/proxypool/descriptor"
	"github.com/bufbuild/proxypool/internal"
	"github.com/bufbuild/proxypool/picker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DispatcherOption is an option used to customize the behavior of a
// dispatcher.
type DispatcherOption interface {
	apply(*dispatcherOptions)
}

// WithPicker configures the rotation policy used to select a proxy for
// each attempt. If not used, round-robin selection is the default.
func WithPicker(factory picker.Factory) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.newPicker = factory
	})
}

// WithMaxAttempts bounds how many proxies a single dispatch will try
// before giving up with a [RetriesExhaustedError]. If not used, up to 3
// attempts are made.
func WithMaxAttempts(attempts int) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.maxAttempts = attempts
	})
}

// WithPerAttemptTimeout bounds each attempt, from sending the first
// request byte through consuming the response body. When the timeout fires
// mid-attempt the in-flight call is cancelled, classified as
// [ErrorKindTimeout], and the dispatcher moves on to another proxy. If not
// used, a default of 30 seconds applies.
func WithPerAttemptTimeout(timeout time.Duration) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.perAttemptTimeout = timeout
	})
}

// WithRetryableKinds replaces the set of failure classifications that may
// be retried against a different proxy. If not used, connect, auth, TLS,
// and timeout failures are retryable. [ErrorKindUpstream] is never
// retryable regardless of this option: the target produced the failure, so
// a different proxy would not help.
func WithRetryableKinds(kinds ...ErrorKind) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.retryableKinds = kinds
	})
}

// WithLogger attaches a logger. Selection and attempt outcomes are logged
// at debug level with credentials redacted. If not used, logging is
// disabled.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.logger = &logger
	})
}

// WithDialer configures the dispatcher to use the given function to
// establish network connections to proxies. If not used, a default
// [net.Dialer] with a 30-second dial timeout and 30-second keep-alive is
// used. For SOCKS5 descriptors this dials the proxy itself; the tunnel to
// the target is negotiated on top of it.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig supplies base TLS configuration applied to every
// descriptor's transport, for trust material shared across the pool. A
// descriptor's own trust anchor or explicit verification opt-out still
// overrides the relevant fields. The given timeout bounds the TLS
// handshake; if zero, a default of 10 seconds is used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.tlsClientConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

type dispatcherOptionFunc func(*dispatcherOptions)

func (f dispatcherOptionFunc) apply(opts *dispatcherOptions) {
	f(opts)
}

type dispatcherOptions struct {
	newPicker           picker.Factory
	maxAttempts         int
	perAttemptTimeout   time.Duration
	retryableKinds      []ErrorKind
	logger              *zerolog.Logger
	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig     *tls.Config
	tlsHandshakeTimeout time.Duration
}

func (opts *dispatcherOptions) applyDefaults() {
	if opts.newPicker == nil {
		opts.newPicker = picker.NewRoundRobin()
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	if opts.perAttemptTimeout == 0 {
		opts.perAttemptTimeout = 30 * time.Second
	}
	if opts.retryableKinds == nil {
		opts.retryableKinds = []ErrorKind{
			ErrorKindConnect, ErrorKindAuth, ErrorKindTLS, ErrorKindTimeout,
		}
	}
	if opts.logger == nil {
		nop := zerolog.Nop()
		opts.logger = &nop
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
}

// Dispatcher routes outbound requests through a pool of egress proxies:
// it selects a proxy per attempt, performs the attempt through that
// proxy's transport, updates the proxy's health from the outcome, and
// fails over to a different proxy when the failure is proxy-attributable.
//
// A dispatcher is safe for concurrent use. Its lock covers only selection
// and bookkeeping; network attempts never hold it, so one slow proxy does
// not serialize unrelated requests.
type Dispatcher struct {
	pool       *Pool
	transports *transportCache
	// roundTripperFor is the transport cache lookup; replaced in tests.
	roundTripperFor func(descriptor.Descriptor) (http.RoundTripper, error)

	newPicker         picker.Factory
	maxAttempts       int
	perAttemptTimeout time.Duration
	retryable         map[ErrorKind]struct{}
	logger            zerolog.Logger
	clock             internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	latestPicker picker.Picker
}

// NewDispatcher returns a dispatcher over the given pool, customized by
// the given options.
func NewDispatcher(pool *Pool, options ...DispatcherOption) *Dispatcher {
	var opts dispatcherOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	dispatcher := &Dispatcher{
		pool:              pool,
		transports:        newTransportCache(&opts),
		newPicker:         opts.newPicker,
		maxAttempts:       opts.maxAttempts,
		perAttemptTimeout: opts.perAttemptTimeout,
		retryable:         map[ErrorKind]struct{}{},
		logger:            *opts.logger,
		clock:             internal.NewRealClock(),
	}
	for _, kind := range opts.retryableKinds {
		dispatcher.retryable[kind] = struct{}{}
	}
	dispatcher.roundTripperFor = dispatcher.transports.get
	return dispatcher
}

// Pool returns the pool the dispatcher routes through.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Close releases pooled connections held by the dispatcher's transports.
// In-flight requests are not interrupted.
func (d *Dispatcher) Close() {
	d.transports.closeIdle()
}

// Execute performs an HTTP request through the pool. It is a convenience
// wrapper around [Dispatcher.Do] for callers assembling requests from
// parts, such as inbound request handlers.
func (d *Dispatcher) Execute(
	ctx context.Context,
	method string,
	targetURL string,
	headers http.Header,
	body io.Reader,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		req.Header[name] = append([]string(nil), values...)
	}
	return d.Do(req)
}

// Do performs req through the pool, retrying proxy-attributable failures
// against different proxies up to the attempt bound. On success the
// response is returned verbatim; closing its body releases the attempt's
// resources. On failure the terminal error is one of [ErrPoolExhausted],
// an [*AttemptError] (non-retryable or upstream failure), or a
// [*RetriesExhaustedError].
//
// The dispatcher assumes the request is safe to repeat, as with idempotent
// HTTP methods; gating non-idempotent requests is the caller's
// responsibility. A request body is buffered in memory if it is not
// already replayable via GetBody.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := d.logger.With().
		Str("dispatch_id", uuid.NewString()).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Logger()
	if err := bufferBody(req); err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}

	start := d.clock.Now()
	tried := map[string]struct{}{}
	var lastErr *AttemptError
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := d.selectProxy(req, tried)
		if err != nil {
			logger.Debug().Int("attempt", attempt).Msg("no eligible proxy")
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		tried[desc.Key()] = struct{}{}

		resp, attemptErr := d.attempt(ctx, req, desc)
		if attemptErr == nil {
			d.pool.tracker.RecordSuccess(desc.Key())
			logger.Debug().
				Stringer("proxy", desc).
				Int("attempt", attempt).
				Int("status", resp.StatusCode).
				Dur("elapsed", d.clock.Since(start)).
				Msg("dispatch succeeded")
			return resp, nil
		}
		logger.Debug().
			Stringer("proxy", desc).
			Int("attempt", attempt).
			Stringer("kind", attemptErr.Kind).
			Err(attemptErr.Err).
			Msg("attempt failed")
		if attemptErr.Kind == ErrorKindUpstream {
			// The target, not the proxy, failed: surface without touching
			// the proxy's health and without retrying.
			return nil, attemptErr
		}
		if err := ctx.Err(); err != nil {
			// The caller gave up mid-attempt; that says nothing about the
			// proxy's health.
			return nil, err
		}
		d.pool.tracker.RecordFailure(desc.Key(), attemptErr.Kind == ErrorKindAuth)
		if _, ok := d.retryable[attemptErr.Kind]; !ok {
			return nil, attemptErr
		}
		lastErr = attemptErr
	}
	return nil, &RetriesExhaustedError{Attempts: d.maxAttempts, Last: lastErr}
}

// selectProxy picks the proxy for the next attempt. When proxies beyond
// the already-tried ones are eligible, selection is restricted to them so
// that retries fan out across the pool.
func (d *Dispatcher) selectProxy(req *http.Request, tried map[string]struct{}) (descriptor.Descriptor, error) {
	snapshot := d.pool.snapshot()
	if untried := snapshot.without(tried); untried.Len() > 0 {
		snapshot = untried
	}
	d.mu.Lock()
	// The picker is rebuilt per selection so that eligibility and weights
	// stay fresh; policy state such as the round-robin cursor carries over
	// through the factory's prev argument.
	d.latestPicker = d.newPicker(d.latestPicker, snapshot)
	pick := d.latestPicker
	d.mu.Unlock()
	return pick.Pick(req)
}

// attempt performs one try through one proxy. It never mutates health
// state; that is the dispatch loop's job, based on the classification
// returned here.
func (d *Dispatcher) attempt(
	ctx context.Context,
	req *http.Request,
	desc descriptor.Descriptor,
) (*http.Response, *AttemptError) {
	transport, err := d.roundTripperFor(desc)
	if err != nil {
		return nil, &AttemptError{Kind: ErrorKindConnect, Proxy: desc, Err: err}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.perAttemptTimeout)
	attemptReq := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			cancel()
			return nil, &AttemptError{Kind: ErrorKindUnknown, Proxy: desc, Err: bodyErr}
		}
		attemptReq.Body = body
	}
	resp, err := transport.RoundTrip(attemptReq)
	if err != nil {
		cancel()
		return nil, &AttemptError{Kind: classifyError(err), Proxy: desc, Err: err}
	}
	if kind, failed := classifyResponse(resp); failed {
		statusCode := resp.StatusCode
		drainBody(resp.Body)
		cancel()
		return nil, &AttemptError{Kind: kind, Proxy: desc, StatusCode: statusCode}
	}
	// The attempt context must outlive this function: cancelling it now
	// would sever the response body mid-stream. It is released when the
	// caller closes the body.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// bufferBody makes the request body replayable across attempts. Requests
// built with http.NewRequest from common reader types already are.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	closeErr := req.Body.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// drainBody consumes a bounded amount of a response body before closing
// it, so the underlying connection can be reused.
func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
