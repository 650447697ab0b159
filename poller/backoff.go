// Copyright 2025 OpsRelay
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

package poller

import "time"

// backoff tracks explicit retry state for the poll loop: the current
// delay and the last successful round trip. Delays double per failure up
// to the cap; a success resets to the base.
type backoff struct {
	base        time.Duration
	max         time.Duration
	current     time.Duration
	lastSuccess time.Time
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// next returns the delay to apply for the latest failure and advances
// the state.
func (b *backoff) next() time.Duration {
	d := b.current
	if d == 0 {
		d = b.base
	}
	b.current = d * 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// reset records a successful round trip and returns to the base delay
func (b *backoff) reset(now time.Time) {
	b.current = 0
	b.lastSuccess = now
}
