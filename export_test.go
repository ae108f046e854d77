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
	"net/http"

	"github.com/bufbuild/proxypool/descriptor"
)

// SetRoundTripperFor replaces the dispatcher's transport lookup so tests
// can stub the network.
func (d *Dispatcher) SetRoundTripperFor(lookup func(descriptor.Descriptor) (http.RoundTripper, error)) {
	d.roundTripperFor = lookup
}

// ClassifyError exposes attempt-error classification for tests.
func ClassifyError(err error) ErrorKind {
	return classifyError(err)
}

// TransportFor exposes the transport cache for tests.
func (d *Dispatcher) TransportFor(desc descriptor.Descriptor) (http.RoundTripper, error) {
	return d.transports.get(desc)
}
