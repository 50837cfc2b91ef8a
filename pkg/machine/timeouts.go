// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package machine

import "time"

// Timeouts bounds the waits of a machine implementation.
type Timeouts struct {
	// Boot bounds address discovery and SSH readiness after a start.
	Boot     time.Duration
	Shutdown time.Duration
	Unit     time.Duration
	Console  time.Duration
	// Poll is the interval between domain state and unit state polls.
	Poll time.Duration
}

// DefaultTimeouts returns timeouts suited to a nested-virtualization runner.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Boot:     10 * time.Minute,
		Shutdown: 5 * time.Minute,
		Unit:     10 * time.Minute,
		Console:  10 * time.Minute,
		Poll:     2 * time.Second,
	}
}
