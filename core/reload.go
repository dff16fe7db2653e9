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
	"reflect"

	"golang.org/x/sys/unix"

	"rcproxy/config"
	"rcproxy/internal/logging"
)

// switchConfig promotes the staged config (set by a prior LOADCONFIG) to
// live, a two-phase reload so a bad config file is caught by LOADCONFIG's
// own parse/validate step before anything about the running proxy changes.
// Pools absent from the new config are torn down; pools whose PoolConfig
// is unchanged are left running untouched; everything else is (re)started.
func (e *Engine) switchConfig() error {
	if e.staged == nil {
		return errNoStagedConfig
	}
	if reflect.DeepEqual(e.staged, e.cfg) {
		return errConfigUnchanged
	}
	next := e.staged
	e.staged = nil

	if next.Admin.Listen != e.cfg.Admin.Listen {
		e.restartAdminListener(next.Admin)
	}

	kept := make(map[string]bool, len(next.Pools))
	for tok, pool := range e.pools {
		name := pool.name
		newCfg, stillExists := next.Pools[name]
		if stillExists && e.poolMatchesConfig(pool, newCfg) {
			kept[name] = true
			continue
		}
		e.removePool(tok)
	}

	for name, pc := range next.Pools {
		if kept[name] {
			continue
		}
		if err := e.startPool(name, pc); err != nil {
			logging.Errorf("switchconfig: failed to start pool %q: %v", name, err)
			return err
		}
	}

	e.cfg = next
	return nil
}

// poolMatchesConfig reports whether pool's running configuration is
// identical to pc, i.e. whether it can be left running untouched rather
// than torn down and rebuilt. Pool identity is full pool-config equality:
// any difference at all, including fields that don't change which
// backends exist (timeout, failure_limit, retry_timeout, weight), forces
// a replace, the same reflect.DeepEqual comparison switchConfig already
// uses for the top-level config.
func (e *Engine) poolMatchesConfig(pool *Pool, pc config.PoolConfig) bool {
	return reflect.DeepEqual(pool.cfg, pc)
}

// removePool tears down a pool no longer present in the reloaded config:
// its listener, every accepted client, and every backend connection.
func (e *Engine) removePool(tok Token) {
	pool, ok := e.pools[tok]
	if !ok {
		return
	}
	if pool.listenFD >= 0 {
		e.poll.remove(pool.listenFD)
		unix.Close(pool.listenFD)
	}
	e.registry.remove(tok)
	for clientTok := range pool.clients {
		pool.removeClient(clientTok)
	}
	for _, entry := range pool.backends {
		if entry.single != nil {
			entry.single.MarkDown()
			delete(e.servers, entry.single.token)
			delete(e.clusterOf, entry.single.token)
		}
		if entry.cluster != nil {
			for memberTok, member := range entry.cluster.members {
				member.MarkDown()
				delete(e.servers, memberTok)
				delete(e.clusterOf, memberTok)
			}
			delete(e.clusters, entry.cluster.token)
			e.clusterPools.Del(pool.name)
		}
	}
	delete(e.pools, tok)
	for i, t := range e.poolOrder {
		if t == tok {
			e.poolOrder = append(e.poolOrder[:i], e.poolOrder[i+1:]...)
			break
		}
	}
}

func (e *Engine) restartAdminListener(ac config.AdminConfig) {
	if e.adminListenFD >= 0 {
		e.poll.remove(e.adminListenFD)
		unix.Close(e.adminListenFD)
	}
	fd, err := listenNonblocking(ac.Listen)
	if err != nil {
		logging.Errorf("switchconfig: failed to bind new admin listener %s: %v", ac.Listen, err)
		return
	}
	e.adminListenFD = fd
	if err := e.poll.add(fd, adminListenerToken, interestRead); err != nil {
		logging.Errorf("switchconfig: failed to register new admin listener: %v", err)
	}
}
