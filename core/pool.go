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
	"golang.org/x/sys/unix"

	"rcproxy/config"
	"rcproxy/internal/logging"
)

// clientConn is one accepted client connection: a raw fd plus whatever is
// still waiting to be flushed out to it.
type clientConn struct {
	token    Token
	fd       int
	inbound  []byte
	outbound []byte
}

// backendEntry is either a SingleBackend or a ClusterBackend, dispatched
// on cluster being non-nil. Go has no sum types; this mirrors the Rust
// original's BackendEnum as a struct with one populated variant.
type backendEntry struct {
	single  *SingleBackend
	cluster *ClusterBackend
}

func (e backendEntry) isAvailable() bool {
	if e.cluster != nil {
		return e.cluster.IsAvailable()
	}
	return e.single.IsAvailable()
}

// Pool owns one configured backend pool: its listener, its accepted
// clients, and its backend(s). SingleBackend/ClusterBackend hold a
// non-owning *Pool back-reference to reach writeToClient and their
// sibling backends without threading the whole engine through every call.
type Pool struct {
	token      Token
	name       string
	engine     *Engine
	listenFD   int
	listenAddr string
	cfg        config.PoolConfig

	clients  map[Token]*clientConn
	backends []backendEntry

	// ring expands backends into a selection sequence proportional to
	// each server's configured weight (a server of weight 3 occupies
	// three slots), built lazily from backends on first use and walked
	// by ringCursor so repeated selection is stable and ties fall back
	// to insertion order.
	ring       []int
	ringCursor int
}

func newPool(token Token, name string, engine *Engine) *Pool {
	return &Pool{
		token:    token,
		name:     name,
		engine:   engine,
		listenFD: -1,
		clients:  make(map[Token]*clientConn),
	}
}

// writeToClient appends data to a client's outbound buffer and schedules
// a deferred flush; called back from a backend once it has paired a
// response to the client that requested it.
func (p *Pool) writeToClient(tok Token, data []byte) {
	c, ok := p.clients[tok]
	if !ok {
		logging.Debugfunc(func() string { return "write to client: no longer connected" })
		return
	}
	c.outbound = append(c.outbound, data...)
	p.engine.deferWrite(tok)
}

func (p *Pool) removeClient(tok Token) {
	c, ok := p.clients[tok]
	if !ok {
		return
	}
	if c.fd >= 0 {
		p.engine.poll.remove(c.fd)
		unix.Close(c.fd)
	}
	delete(p.clients, tok)
	p.engine.registry.remove(tok)
}

// buildRing expands backends into ring, each backend's index repeated
// once per configured weight (a non-positive or unset weight counts as
// 1), in backend order - the configured ring the spec's weighted
// selection walks, with ties on otherwise-equal weight falling back to
// insertion order because that's the order they were appended in.
func (p *Pool) buildRing() {
	p.ring = p.ring[:0]
	for i, b := range p.backends {
		weight := 1
		if b.single != nil && b.single.cfg.Weight > 0 {
			weight = b.single.cfg.Weight
		}
		for w := 0; w < weight; w++ {
			p.ring = append(p.ring, i)
		}
	}
}

// pickBackend chooses the backend a new request should route to: a
// weight-proportional, stable selection over the configured ring for
// single-server/replica pools, or the cluster's slot lookup.
func (p *Pool) pickBackend(argv [][]byte) *backendEntry {
	if len(p.backends) == 0 {
		return nil
	}
	if p.backends[0].cluster != nil {
		return &p.backends[0]
	}
	if p.ring == nil {
		p.buildRing()
	}
	n := len(p.ring)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := p.ring[(p.ringCursor+i)%n]
		if p.backends[idx].isAvailable() {
			p.ringCursor = (p.ringCursor + i + 1) % n
			return &p.backends[idx]
		}
	}
	return nil
}

// forward routes one client frame to the appropriate backend, replying
// immediately with an unavailable-backend error if none can accept it.
func (p *Pool) forward(client Token, frame *Frame) {
	entry := p.pickBackend(frame.Argv)
	if entry == nil {
		p.writeToClient(client, EncodeError("ERR unavailable backend"))
		return
	}
	if entry.cluster != nil {
		entry.cluster.Route(client, frame)
		return
	}
	if !entry.single.Write(client, frame.Raw) {
		p.writeToClient(client, EncodeError("ERR unavailable backend"))
	}
}
