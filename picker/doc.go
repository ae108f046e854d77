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

// Package picker provides functionality for picking the egress proxy used
// by a single request attempt. This is used by a proxypool.Dispatcher to
// rotate outbound traffic across the pool.
//
// This package defines the core interface, [Picker], which selects one
// descriptor from a snapshot of eligible candidates, and [Factory], which
// creates pickers as snapshots change while carrying policy-internal state
// (a cursor, a seeded generator) between them.
//
// Three policies are provided: [NewRoundRobin] walks the pool in insertion
// order, [NewRandom] picks uniformly, and [NewWeightedByHealth] biases
// selection toward proxies with fewer recent failures. Custom [Picker]
// implementations could use request properties, for example to pin a target
// host to a stable egress address.
package picker
