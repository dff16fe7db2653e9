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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T) (*Engine, *ClusterBackend) {
	t.Helper()
	e, _ := newTestEngine(t)
	pool := newPool(e.registry.mint(), "cluster-pool", e)
	e.pools[pool.token] = pool
	cb := newClusterBackend(e.registry.mint(), e, pool, BackendConfig{Timeout: time.Second})
	e.clusters[cb.token] = cb
	return e, cb
}

// a minimal two-range CLUSTER SLOTS reply: slots 0-8191 on host A, 8192-16383 on host B.
const clusterSlotsReply = "*2\r\n" +
	"*3\r\n:0\r\n:8191\r\n*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n" +
	"*3\r\n:8192\r\n:16383\r\n*2\r\n$9\r\n127.0.0.1\r\n:7001\r\n"

func TestApplySlotsMapAssignsRangesAndDiscoversHosts(t *testing.T) {
	_, cb := newTestCluster(t)

	value, consumed, err := DecodeValue([]byte(clusterSlotsReply))
	require.NoError(t, err)
	assert.Equal(t, len(clusterSlotsReply), consumed)

	ok := cb.applySlotsMap(value)
	assert.True(t, ok)

	_, known := cb.hostnames.Get("127.0.0.1:7000")
	assert.True(t, known)
	_, known = cb.hostnames.Get("127.0.0.1:7001")
	assert.True(t, known)

	tokA, _ := cb.hostnames.Get("127.0.0.1:7000")
	tokB, _ := cb.hostnames.Get("127.0.0.1:7001")
	assert.Equal(t, tokA, cb.slots[0])
	assert.Equal(t, tokA, cb.slots[8191])
	assert.Equal(t, tokB, cb.slots[8192])
	assert.Equal(t, tokB, cb.slots[16383])
}

func TestApplySlotsMapRejectsMalformedValue(t *testing.T) {
	_, cb := newTestCluster(t)
	ok := cb.applySlotsMap("not a slots map")
	assert.False(t, ok)
}

func TestClusterStateTransitions(t *testing.T) {
	_, cb := newTestCluster(t)
	assert.Equal(t, ClusterDisconnected, cb.status)

	cb.changeState(ClusterConnecting)
	cb.changeState(ClusterLoading)
	cb.changeState(ClusterReady)
	assert.True(t, cb.IsAvailable())

	// A mid-flight refresh (Ready -> Loading) is idempotent, not a fault.
	cb.changeState(ClusterLoading)
	assert.Equal(t, ClusterLoading, cb.status)
}

func TestClusterInvalidTransitionPanics(t *testing.T) {
	_, cb := newTestCluster(t)
	assert.Panics(t, func() {
		cb.changeState(ClusterReady) // DISCONNECTED -> READY skips two steps
	})
}

// TestClusterMemberTimeoutIsDrainedByEngine exercises the engine-level
// wiring for cluster traffic: a routed request's deadline lives on the
// member's own queue, and Engine.processTimeouts must walk cluster.members
// the same way it walks plain single-server pool backends, or an expired
// head entry would never be popped and nextPollTimeout would stay wedged
// at 0 forever.
func TestClusterMemberTimeoutIsDrainedByEngine(t *testing.T) {
	e, clock := newTestEngine(t)
	pool := newPool(e.registry.mint(), "cluster-pool", e)
	e.pools[pool.token] = pool

	cb := newClusterBackend(e.registry.mint(), e, pool, BackendConfig{Timeout: time.Second, FailureLimit: 1})
	e.clusters[cb.token] = cb
	pool.backends = []backendEntry{{cluster: cb}}

	member := newTestBackendInPool(e, pool)
	member.status = StatusConnected
	member.cfg.FailureLimit = 1
	member.failureCount = 1 // one timeout already counted; this tick's must cross the limit
	cb.members[member.token] = member
	for i := range cb.slots {
		cb.slots[i] = member.token
	}

	client := e.registry.mint()
	pool.clients[client] = &clientConn{token: client, fd: -1}
	frame := &Frame{Argv: [][]byte{[]byte("GET"), []byte("somekey")}, Raw: []byte("*2\r\n$3\r\nGET\r\n$7\r\nsomekey\r\n")}
	cb.Route(client, frame)

	assert.Equal(t, 1000, e.nextPollTimeout())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, e.nextPollTimeout())

	e.processTimeouts()

	assert.Contains(t, string(pool.clients[client].outbound), "timed out")
	assert.Equal(t, StatusDisconnected, member.status)

	_, stillPending := member.NextTimeout()
	assert.False(t, stillPending, "the expired queue entry must be popped, not left to wedge the poller at 0 forever")
}

func TestClusterRouteUnassignedSlotRepliesUnavailable(t *testing.T) {
	_, cb := newTestCluster(t)
	client := cb.engine.registry.mint()
	cb.pool.clients[client] = &clientConn{token: client, fd: -1}

	frame := &Frame{Argv: [][]byte{[]byte("GET"), []byte("somekey")}, Raw: []byte("*2\r\n$3\r\nGET\r\n$7\r\nsomekey\r\n")}
	cb.Route(client, frame)

	c := cb.pool.clients[client]
	assert.Contains(t, string(c.outbound), "unavailable backend")
}
