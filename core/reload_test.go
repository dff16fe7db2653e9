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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcproxy/config"
)

func TestSwitchConfigNoStagedConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.switchConfig()
	assert.Equal(t, errNoStagedConfig, err)
}

func TestSwitchConfigUnchangedConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	e.staged = e.cfg
	err := e.switchConfig()
	assert.Equal(t, errConfigUnchanged, err)
}

func TestSwitchConfigAddsAndRemovesPools(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start())
	require.NoError(t, e.startPool("old-pool", config.PoolConfig{
		Listen:    "127.0.0.1:0",
		TimeoutMS: 100,
		Servers: []config.ServerConfig{
			{Host: "127.0.0.1", Port: 16394},
		},
	}))

	e.staged = &config.Config{
		Admin: e.cfg.Admin,
		Pools: map[string]config.PoolConfig{
			"new-pool": {
				Listen:    "127.0.0.1:0",
				TimeoutMS: 100,
				Servers: []config.ServerConfig{
					{Host: "127.0.0.1", Port: 16390},
				},
			},
		},
	}

	require.NoError(t, e.switchConfig())

	_, hasNewPool := poolByName(e, "new-pool")
	assert.True(t, hasNewPool)
	_, hasOldPool := poolByName(e, "old-pool")
	assert.False(t, hasOldPool, "a pool absent from the staged config is removed")
	assert.Nil(t, e.staged, "staged is cleared once promoted to live")
	assert.Equal(t, 1, len(e.pools))
}

func TestSwitchConfigKeepsMatchingPool(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start())

	poolCfg := config.PoolConfig{
		Listen:    "127.0.0.1:0",
		TimeoutMS: 100,
		Servers: []config.ServerConfig{
			{Host: "127.0.0.1", Port: 16391},
		},
	}
	require.NoError(t, e.startPool("stable", poolCfg))
	pool, ok := poolByName(e, "stable")
	require.True(t, ok)
	originalBackend := pool.backends[0].single

	e.cfg.Pools = map[string]config.PoolConfig{"stable": poolCfg}
	// The staged config adds a second pool so it differs from the live one;
	// an identical config would be rejected with errConfigUnchanged.
	e.staged = &config.Config{
		Admin: e.cfg.Admin,
		Pools: map[string]config.PoolConfig{
			"stable": poolCfg,
			"extra": {
				Listen:    "127.0.0.1:0",
				TimeoutMS: 100,
				Servers: []config.ServerConfig{
					{Host: "127.0.0.1", Port: 16393},
				},
			},
		},
	}

	require.NoError(t, e.switchConfig())

	pool, ok = poolByName(e, "stable")
	require.True(t, ok)
	assert.Same(t, originalBackend, pool.backends[0].single, "matching pool must not be torn down and rebuilt")
}

func TestPoolMatchesConfigDetectsServerChange(t *testing.T) {
	e, _ := newTestEngine(t)
	pool := newPool(e.registry.mint(), "test", e)
	same := config.PoolConfig{
		Listen: "127.0.0.1:6000",
		Servers: []config.ServerConfig{
			{Host: "127.0.0.1", Port: 6379},
		},
	}
	pool.cfg = same
	assert.True(t, e.poolMatchesConfig(pool, same))

	changed := config.PoolConfig{
		Listen: "127.0.0.1:6000",
		Servers: []config.ServerConfig{
			{Host: "127.0.0.1", Port: 6380},
		},
	}
	assert.False(t, e.poolMatchesConfig(pool, changed))
}

func TestPoolMatchesConfigDetectsListenChange(t *testing.T) {
	e, _ := newTestEngine(t)
	pool := newPool(e.registry.mint(), "test", e)
	pool.cfg = config.PoolConfig{Listen: "127.0.0.1:6000"}

	assert.False(t, e.poolMatchesConfig(pool, config.PoolConfig{Listen: "127.0.0.1:7000"}))
}

func TestPoolMatchesConfigDetectsTimeoutChange(t *testing.T) {
	e, _ := newTestEngine(t)
	pool := newPool(e.registry.mint(), "test", e)
	pool.cfg = config.PoolConfig{Listen: "127.0.0.1:6000", TimeoutMS: 100}

	assert.True(t, e.poolMatchesConfig(pool, config.PoolConfig{Listen: "127.0.0.1:6000", TimeoutMS: 100}))
	assert.False(t, e.poolMatchesConfig(pool, config.PoolConfig{Listen: "127.0.0.1:6000", TimeoutMS: 200}),
		"a timeout-only change must still force a replace")
}

func TestPoolMatchesConfigClusterSeedHosts(t *testing.T) {
	e, _ := newTestEngine(t)
	pool := newPool(e.registry.mint(), "test", e)
	pool.cfg = config.PoolConfig{
		Listen: "127.0.0.1:6000", UseCluster: true, ClusterHosts: []string{"127.0.0.1:7000"},
	}

	assert.True(t, e.poolMatchesConfig(pool, config.PoolConfig{
		Listen: "127.0.0.1:6000", UseCluster: true, ClusterHosts: []string{"127.0.0.1:7000"},
	}))
	assert.False(t, e.poolMatchesConfig(pool, config.PoolConfig{
		Listen: "127.0.0.1:6000", UseCluster: true, ClusterHosts: []string{"127.0.0.1:7001"},
	}))
}

func TestRemovePoolUnknownTokenIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.NotPanics(t, func() {
		e.removePool(Token(999))
	})
}

func TestRemovePoolTearsDownBookkeeping(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start())

	poolCfg := config.PoolConfig{
		Listen:    "127.0.0.1:0",
		TimeoutMS: 100,
		Servers: []config.ServerConfig{
			{Host: "127.0.0.1", Port: 16392},
		},
	}
	require.NoError(t, e.startPool("gone", poolCfg))
	pool, ok := poolByName(e, "gone")
	require.True(t, ok)

	e.removePool(pool.token)

	_, stillThere := e.pools[pool.token]
	assert.False(t, stillThere)
	assert.NotContains(t, e.poolOrder, pool.token)
}

func poolByName(e *Engine, name string) (*Pool, bool) {
	for _, pool := range e.pools {
		if pool.name == name {
			return pool, true
		}
	}
	return nil, false
}
