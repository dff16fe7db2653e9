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

// ClusterSnapshots reports every cluster-backed pool's member nodes, safe
// to call from a goroutine other than the engine's own: both clusterPools
// and each ClusterBackend's nodeInfo are lock-free hashmaps the engine
// goroutine only ever replaces wholesale, never mutates in place.
func (e *Engine) ClusterSnapshots() map[string][]ClusterNodeInfo {
	out := make(map[string][]ClusterNodeInfo)
	for kv := range e.clusterPools.Iter() {
		name, _ := kv.Key.(string)
		cb, ok := kv.Value.(*ClusterBackend)
		if !ok {
			continue
		}
		out[name] = cb.Snapshot()
	}
	return out
}
