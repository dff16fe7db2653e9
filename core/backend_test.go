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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcproxy/config"
)

func newTestEngine(t *testing.T) (*Engine, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	e, err := NewEngine(&config.Config{
		Admin: config.AdminConfig{Listen: "127.0.0.1:0"},
		Pools: map[string]config.PoolConfig{},
	}, clock)
	require.NoError(t, err)
	return e, clock
}

func newTestBackend(e *Engine, cfg BackendConfig) *SingleBackend {
	tok := e.registry.mint()
	pool := newPool(e.registry.mint(), "test", e)
	e.pools[pool.token] = pool
	b := newSingleBackend(tok, e, pool, cfg)
	e.servers[tok] = b
	return b
}

func TestSingleBackendStateTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	b := newTestBackend(e, BackendConfig{Timeout: time.Second})

	assert.False(t, b.IsAvailable())
	b.changeState(StatusConnecting)
	assert.Equal(t, StatusConnecting, b.status)
	b.changeState(StatusConnected)
	assert.True(t, b.IsAvailable())
	b.changeState(StatusDisconnected)
	assert.False(t, b.IsAvailable())
}

func TestSingleBackendInvalidTransitionPanics(t *testing.T) {
	e, _ := newTestEngine(t)
	b := newTestBackend(e, BackendConfig{Timeout: time.Second})

	assert.Panics(t, func() {
		b.changeState(StatusConnected) // DISCONNECTED -> CONNECTED is not a legal edge
	})
}

func TestSingleBackendHandleTimeoutCrossesFailureLimit(t *testing.T) {
	e, clock := newTestEngine(t)
	b := newTestBackend(e, BackendConfig{Timeout: time.Second, FailureLimit: 2})
	b.status = StatusConnected

	deadline := clock.Now().Add(time.Second)
	b.queue = append(b.queue, pendingRequest{client: Token(42), deadline: deadline})

	assert.False(t, b.HandleTimeout(clock.Now()), "deadline hasn't passed yet")
	clock.Advance(2 * time.Second)

	b.queue = append(b.queue, pendingRequest{client: Token(42), deadline: deadline})
	assert.False(t, b.HandleTimeout(clock.Now()), "first timeout: failureCount 1 <= limit 2")
	b.queue = append(b.queue, pendingRequest{client: Token(42), deadline: deadline})
	assert.False(t, b.HandleTimeout(clock.Now()), "second timeout: failureCount 2 <= limit 2")
	b.queue = append(b.queue, pendingRequest{client: Token(42), deadline: deadline})
	assert.True(t, b.HandleTimeout(clock.Now()), "third timeout: failureCount 3 > limit 2")
}

func TestSingleBackendNextTimeoutEmptyQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	b := newTestBackend(e, BackendConfig{Timeout: time.Second})
	_, ok := b.NextTimeout()
	assert.False(t, ok)
}

func TestSingleBackendMarkDownAnswersQueuedClients(t *testing.T) {
	e, _ := newTestEngine(t)
	b := newTestBackend(e, BackendConfig{Timeout: time.Second})
	b.status = StatusConnected
	b.fd = -1

	client := e.registry.mint()
	e.registry.add(client, Subscriber{Kind: SubscriberPoolClient, PoolToken: b.pool.token})
	b.pool.clients[client] = &clientConn{token: client, fd: -1}

	b.queue = append(b.queue, pendingRequest{client: client, deadline: time.Time{}})
	b.MarkDown()

	assert.Equal(t, StatusDisconnected, b.status)
	assert.Nil(t, b.queue)
	c := b.pool.clients[client]
	assert.Contains(t, string(c.outbound), "unavailable backend")
}

func TestItoa(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "42", itoa(42))
	assert.Equal(t, "-7", itoa(-7))
	assert.Equal(t, "123456789", itoa(123456789))
}
