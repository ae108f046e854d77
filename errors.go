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
	"errors"
	"fmt"

	"github.com/bufbuild/proxypool/descriptor"
)

var (
	// ErrDuplicateProxy is returned by [Pool.Add] when an identical
	// descriptor (same scheme, host, port, and credentials) is already in
	// the pool.
	ErrDuplicateProxy = errors.New("proxy already in pool")
	// ErrNotFound is returned by [Pool.Remove] when the descriptor is not
	// in the pool.
	ErrNotFound = errors.New("proxy not in pool")
	// ErrPoolExhausted is returned by [Dispatcher.Do] when no proxy is
	// eligible for selection: the pool is empty or every entry is in
	// cooldown. It is surfaced immediately and never retried, since
	// retrying cannot repopulate the pool.
	ErrPoolExhausted = errors.New("no eligible proxies in pool")
)

// ErrorKind classifies why a single request attempt failed.
type ErrorKind int

const (
	// ErrorKindUnknown covers failures that fit no other classification.
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindConnect means the proxy itself could not be reached.
	ErrorKindConnect
	// ErrorKindAuth means the proxy rejected the configured credentials.
	ErrorKindAuth
	// ErrorKindTLS means certificate verification failed against the
	// descriptor's configured trust.
	ErrorKindTLS
	// ErrorKindTimeout means the attempt exceeded its per-attempt deadline.
	ErrorKindTimeout
	// ErrorKindUpstream means the target server, not the proxy, produced
	// the failure. Upstream failures are never retried against a different
	// proxy and never count against proxy health.
	ErrorKindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConnect:
		return "connect failure"
	case ErrorKindAuth:
		return "auth failure"
	case ErrorKindTLS:
		return "tls failure"
	case ErrorKindTimeout:
		return "upstream timeout"
	case ErrorKindUpstream:
		return "upstream error"
	case ErrorKindUnknown:
		return "unknown failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// AttemptError describes the failure of one request attempt through one
// proxy. Its message redacts the proxy's credentials.
type AttemptError struct {
	// Kind is the failure classification.
	Kind ErrorKind
	// Proxy is the descriptor the attempt went through.
	Proxy descriptor.Descriptor
	// StatusCode is set when the failure was derived from an HTTP status
	// (407 from the proxy, 5xx from the target); zero otherwise.
	StatusCode int
	// Err is the underlying error, if any.
	Err error
}

func (e *AttemptError) Error() string {
	msg := fmt.Sprintf("proxy %s: %s", e.Proxy, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is returned by [Dispatcher.Do] when the attempt
// bound is reached without a success. It carries the classification of the
// final attempt.
type RetriesExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Last is the error from the final attempt.
	Last *AttemptError
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}
