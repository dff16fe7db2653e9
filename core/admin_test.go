// Copyright (c) 2022 The rcproxy Authors
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

package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdminClient(e *Engine) (*adminClient, Token) {
	tok := e.registry.mint()
	ac := &adminClient{token: tok, fd: -1}
	e.adminClients[tok] = ac
	e.registry.add(tok, Subscriber{Kind: SubscriberAdminClient})
	return ac, tok
}

func TestHandleAdminCommandPing(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "PING")

	assert.Equal(t, "+PONG\r\n", string(ac.outbound))
}

func TestHandleAdminCommandPingLowercase(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "ping")

	assert.Equal(t, "+PONG\r\n", string(ac.outbound))
}

func TestHandleAdminCommandInfoReportsPoolState(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)
	pool := newPool(e.registry.mint(), "test", e)
	e.pools[pool.token] = pool

	e.handleAdminCommand(tok, "INFO")

	assert.Contains(t, string(ac.outbound), "pools=1")
}

func TestHandleAdminCommandUnknownVerb(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "FROBNICATE")

	assert.Equal(t, "+Unknown command\r\n", string(ac.outbound))
}

func TestHandleAdminCommandLoadConfigMissingArg(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "LOADCONFIG")

	assert.Equal(t, "-ERR missing filepath argument\r\n", string(ac.outbound))
}

func TestHandleAdminCommandLoadConfigStagesFile(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	path := writeTestConfig(t, `
[admin]
listen = "127.0.0.1:7890"

[pools.cache]
listen = "127.0.0.1:7000"
timeout = 100

[[pools.cache.servers]]
host = "127.0.0.1"
port = 6379
`)

	e.handleAdminCommand(tok, "LOADCONFIG "+path)

	require.Contains(t, string(ac.outbound), "+"+path)
	require.NotNil(t, e.staged)
	assert.Equal(t, "127.0.0.1:7890", e.staged.Admin.Listen)
}

func TestHandleAdminCommandLoadConfigBadPath(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "LOADCONFIG /no/such/file.toml")

	assert.Contains(t, string(ac.outbound), "-ERR")
	assert.Nil(t, e.staged)
}

func TestHandleAdminCommandStagedConfigEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "STAGEDCONFIG")

	assert.Equal(t, "+No config staged.\r\n", string(ac.outbound))
}

func TestHandleAdminCommandConfigInfoReflectsLiveConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "CONFIGINFO")

	assert.Contains(t, string(ac.outbound), "127.0.0.1:0")
}

func TestHandleAdminCommandShutdownStopsEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "SHUTDOWN")

	assert.True(t, e.stopped)
	assert.Empty(t, ac.outbound, "SHUTDOWN has no reply")
}

func TestHandleAdminCommandSwitchConfigNoStagedConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	ac, tok := newTestAdminClient(e)

	e.handleAdminCommand(tok, "SWITCHCONFIG")

	assert.Contains(t, string(ac.outbound), errNoStagedConfig.Error())
}

func TestRemoveAdminClientUnknownIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.NotPanics(t, func() {
		e.removeAdminClient(Token(999))
	})
}

func TestRemoveAdminClientClearsBookkeeping(t *testing.T) {
	e, _ := newTestEngine(t)
	_, tok := newTestAdminClient(e)

	e.removeAdminClient(tok)

	_, stillThere := e.adminClients[tok]
	assert.False(t, stillThere)
	_, stillRegistered := e.registry.get(tok)
	assert.False(t, stillRegistered)
}

// writeTestConfig writes raw TOML to a temp file and returns its path, for
// tests that exercise config.Load through the admin LOADCONFIG verb.
func writeTestConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rcproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}
