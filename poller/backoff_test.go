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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	bo := newBackoff(time.Second, 5*time.Second)

	assert.Equal(t, time.Second, bo.next())
	assert.Equal(t, 2*time.Second, bo.next())
	assert.Equal(t, 4*time.Second, bo.next())
	assert.Equal(t, 5*time.Second, bo.next())
	assert.Equal(t, 5*time.Second, bo.next())
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	bo := newBackoff(time.Second, time.Minute)
	bo.next()
	bo.next()

	now := time.Now()
	bo.reset(now)

	assert.Equal(t, time.Second, bo.next())
	assert.Equal(t, now, bo.lastSuccess)
}
