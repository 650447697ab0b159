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

package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsrelay/sources/base"
)

func testCred() *base.Credential {
	return &base.Credential{Name: "redis-main", Type: "redis", URL: "redis://localhost:6379/0"}
}

func TestManagerMetadata(t *testing.T) {
	m := New()
	assert.Equal(t, "redis", m.Type())
	require.Len(t, m.Operations(), 3)
	assert.True(t, m.Declares("get"))
	assert.True(t, m.Declares("scan"))
	assert.True(t, m.Declares("info"))
	assert.False(t, m.Declares("set"))
}

func TestInvokeRequiresCredential(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "get", map[string]interface{}{"key": "k"}, nil)
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))
}

func TestInvokeRejectsInvalidURL(t *testing.T) {
	m := New()
	cred := &base.Credential{Name: "bad", Type: "redis", URL: "://not-a-url"}
	_, err := m.Invoke(context.Background(), "get", map[string]interface{}{"key": "k"}, cred)
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))
}

func TestGetRequiresKey(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "get", map[string]interface{}{}, testCred())
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))
}

func TestScanRequiresPattern(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "scan", map[string]interface{}{}, testCred())
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))
}

func TestInvokeUnsupportedOperation(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "flushall", nil, testCred())
	require.Error(t, err)
	assert.Equal(t, base.KindUnsupportedOperation, base.KindOf(err))
}

func TestClientIsCachedPerCredential(t *testing.T) {
	m := New()
	cred := testCred()

	first, err := m.client(cred)
	require.NoError(t, err)
	second, err := m.client(cred)
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, m.Close())
	assert.Empty(t, m.clients)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want base.ErrorKind
	}{
		{"deadline exceeded", context.DeadlineExceeded, base.KindTimeout},
		{"cancelled", context.Canceled, base.KindTimeout},
		{"auth required", errors.New("NOAUTH Authentication required."), base.KindUpstreamRejected},
		{"wrong password", errors.New("WRONGPASS invalid username-password pair"), base.KindUpstreamRejected},
		{"command error", errors.New("ERR unknown command 'FOO'"), base.KindUpstreamRejected},
		{"connection refused", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), base.KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify("get", tt.err).Kind)
		})
	}
}

func TestParseInfo(t *testing.T) {
	raw := "# Server\r\nredis_version:7.2.4\r\nuptime_in_seconds:1024\r\n\r\n# Memory\r\nused_memory:4096\r\n"
	info := parseInfo(raw)
	assert.Equal(t, "7.2.4", info["redis_version"])
	assert.Equal(t, "1024", info["uptime_in_seconds"])
	assert.Equal(t, "4096", info["used_memory"])
	assert.NotContains(t, info, "# Server")
}
