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

// Package health tracks per-proxy failure statistics and cooldown windows.
// A proxy that fails repeatedly, or is rejected for bad credentials, is
// excluded from selection until its cooldown expires. Cooldowns grow
// exponentially with the consecutive failure count and a single success
// clears all accumulated state.
package health
