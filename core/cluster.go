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
	"fmt"

	"github.com/cornelk/hashmap"

	"rcproxy/internal/hashkit"
	"rcproxy/internal/logging"
)

// ClusterStatus is the cluster backend's bootstrap/refresh lifecycle,
// layering a LOADING phase (the CLUSTER SLOTS round trip) on top of the
// single-backend state machine.
type ClusterStatus int

const (
	ClusterDisconnected ClusterStatus = iota
	ClusterConnecting
	ClusterLoading
	ClusterReady
)

func (s ClusterStatus) String() string {
	switch s {
	case ClusterDisconnected:
		return "DISCONNECTED"
	case ClusterConnecting:
		return "CONNECTING"
	case ClusterLoading:
		return "LOADING"
	case ClusterReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

const slotCount = 16384

// ClusterBackend fans a pool's traffic out over however many member
// backends the slot map currently names, routing each request by
// CRC16/XMODEM slot. nodeInfo is a cornelk/hashmap.HashMap rather than a
// plain map because the admin HTTP surface's GET /cluster/nodes handler
// reads it (via Snapshot) from the gin HTTP goroutine while the event loop
// rewrites it on every slot-map refresh from its own goroutine; hostnames
// uses the same hashmap type and is read only by the event loop.
type ClusterBackend struct {
	token  Token
	engine *Engine
	pool   *Pool
	cfg    BackendConfig

	hostnames *hashmap.HashMap // host string -> Token of its SingleBackend
	nodeInfo  *hashmap.HashMap // host string -> *ClusterNodeInfo, refreshed wholesale on every slot-map apply
	members   map[Token]*SingleBackend
	slots     [slotCount]Token // slot -> owning member's token; zero value is NullToken (unassigned)
	seedHosts []string         // cluster_hosts this backend was bootstrapped with

	status                 ClusterStatus
	waitingForSlotsMapResp bool
}

func newClusterBackend(token Token, engine *Engine, pool *Pool, cfg BackendConfig) *ClusterBackend {
	return &ClusterBackend{
		token:     token,
		engine:    engine,
		pool:      pool,
		cfg:       cfg,
		hostnames: &hashmap.HashMap{},
		nodeInfo:  &hashmap.HashMap{},
		members:   make(map[Token]*SingleBackend),
		status:    ClusterDisconnected,
	}
}

func (c *ClusterBackend) IsAvailable() bool {
	return c.status == ClusterReady
}

// Connect dials every seed host in cluster_hosts and transitions to
// CONNECTING; the slot-map bootstrap fires off onMemberConnected once
// the first member finishes connecting.
func (c *ClusterBackend) Connect(seedHosts []string) error {
	c.seedHosts = seedHosts
	for _, host := range seedHosts {
		if err := c.addMember(host); err != nil {
			return err
		}
	}
	c.changeState(ClusterConnecting)
	return nil
}

func (c *ClusterBackend) addMember(host string) error {
	if _, ok := c.hostnames.Get(host); ok {
		return nil
	}
	tok := c.engine.registry.mint()
	memberCfg := c.cfg
	memberCfg.Host = host
	backend := newSingleBackend(tok, c.engine, c.pool, memberCfg)
	backend.onNullResponse = c.onMemberResponse
	c.members[tok] = backend
	c.hostnames.Insert(host, tok)
	c.engine.registry.bindToPool(tok, c.pool.token)
	c.engine.servers[tok] = backend
	c.engine.clusterOf[tok] = c
	return backend.Connect()
}

// Route sends a request to the slot owner for its routing key. Timeout
// tracking for the request lives entirely on member's own queue (Write
// enqueues it there with its own deadline); the cluster level does not
// keep a second queue for the same request.
func (c *ClusterBackend) Route(client Token, frame *Frame) {
	key := ExtractRoutingKey(frame.Argv)
	slot := hashkit.Slot(string(key))
	owner := c.slots[slot]
	member, ok := c.members[owner]
	if !ok || !member.IsAvailable() {
		c.pool.writeToClient(client, EncodeError("ERR unavailable backend"))
		return
	}
	member.Write(client, frame.Raw)
}

// onMemberConnected is called once a member backend finishes its own
// CONNECTING->CONNECTED transition; the cluster issues its CLUSTER SLOTS
// probe against the first member that becomes available.
func (c *ClusterBackend) onMemberConnected(member *SingleBackend) {
	if c.status != ClusterConnecting {
		return
	}
	if c.issueSlotsProbe(member) {
		c.waitingForSlotsMapResp = true
		c.changeState(ClusterLoading)
	}
}

func (c *ClusterBackend) issueSlotsProbe(member *SingleBackend) bool {
	if !member.IsAvailable() {
		return false
	}
	probe := []byte("*2\r\n$7\r\nCLUSTER\r\n$5\r\nSLOTS\r\n")
	member.enqueueInternal(probe)
	return true
}

// onMemberResponse is fed every reply a member backend pairs off its
// queue with a NullToken client, i.e. a response to a probe the cluster
// itself issued rather than a routed client request.
func (c *ClusterBackend) onMemberResponse(raw []byte) {
	value, _, err := DecodeValue(raw)
	if err != nil {
		logging.Errorf("cluster %d: failed to parse slotsmap response: %v", c.token, err)
		c.handleSlotsMapFailure()
		return
	}
	if !c.applySlotsMap(value) {
		c.handleSlotsMapFailure()
		return
	}
	c.waitingForSlotsMapResp = false

	switch c.status {
	case ClusterLoading:
		c.changeState(ClusterReady)
	case ClusterConnecting:
		c.changeState(ClusterReady)
	}
}

func (c *ClusterBackend) handleSlotsMapFailure() {
	if c.status != ClusterLoading {
		return
	}
	for host := range c.hostnames.Iter() {
		tok, _ := host.Value.(Token)
		member, ok := c.members[tok]
		if !ok || !member.IsAvailable() {
			continue
		}
		if c.issueSlotsProbe(member) {
			c.changeState(ClusterLoading)
			return
		}
	}
	c.changeState(ClusterConnecting)
}

// applySlotsMap decodes a CLUSTER SLOTS reply value
// (`[[start,end,[ip,port,...]],...]`), assigns each slot range to its
// owning host, dialing any host discovered for the first time, and
// reports whether the value was shaped like a slots map at all.
func (c *ClusterBackend) applySlotsMap(value interface{}) bool {
	rows, ok := value.([]interface{})
	if !ok {
		return false
	}
	for _, row := range rows {
		cols, ok := row.([]interface{})
		if !ok || len(cols) < 3 {
			return false
		}
		start, ok1 := cols[0].(int64)
		end, ok2 := cols[1].(int64)
		if !ok1 || !ok2 {
			return false
		}
		addrCols, ok := cols[2].([]interface{})
		if !ok || len(addrCols) < 2 {
			return false
		}
		ip, ok1 := addrCols[0].([]byte)
		port, ok2 := addrCols[1].(int64)
		if !ok1 || !ok2 {
			return false
		}
		host := fmt.Sprintf("%s:%d", string(ip), port)

		tok, known := c.hostnames.Get(host)
		if !known {
			if err := c.addMember(host); err != nil {
				logging.Errorf("cluster %d: failed to connect newly discovered host %s: %v", c.token, host, err)
				continue
			}
			tok, _ = c.hostnames.Get(host)
		}
		memberToken, _ := tok.(Token)
		for slot := start; slot <= end && slot < slotCount; slot++ {
			c.slots[slot] = memberToken
		}
	}
	c.refreshNodeInfo()
	return true
}

// ClusterNodeInfo is a point-in-time summary of one cluster member, the
// shape exposed to the admin HTTP surface.
type ClusterNodeInfo struct {
	Host      string
	SlotCount int
	Status    string
}

// refreshNodeInfo recomputes per-host slot counts and publishes them into
// nodeInfo wholesale; each entry is a fresh value, not a mutation of a
// shared one, so a concurrent reader via Snapshot never observes a
// half-updated node.
func (c *ClusterBackend) refreshNodeInfo() {
	counts := make(map[Token]int, len(c.members))
	for _, tok := range c.slots {
		if tok != NullToken {
			counts[tok]++
		}
	}
	for kv := range c.hostnames.Iter() {
		host, _ := kv.Key.(string)
		tok, _ := kv.Value.(Token)
		member, ok := c.members[tok]
		status := "UNKNOWN"
		if ok {
			status = member.status.String()
		}
		c.nodeInfo.Insert(host, &ClusterNodeInfo{Host: host, SlotCount: counts[tok], Status: status})
	}
}

// Snapshot returns every known member's last-published status, safe to
// call from a goroutine other than the engine's own (the admin HTTP
// server), since nodeInfo is a lock-free hashmap refreshed wholesale.
func (c *ClusterBackend) Snapshot() []ClusterNodeInfo {
	out := make([]ClusterNodeInfo, 0, c.nodeInfo.Len())
	for kv := range c.nodeInfo.Iter() {
		if info, ok := kv.Value.(*ClusterNodeInfo); ok {
			out = append(out, *info)
		}
	}
	return out
}

func (c *ClusterBackend) changeState(target ClusterStatus) {
	if c.status == target {
		return
	}
	switch {
	case c.status == ClusterDisconnected && target == ClusterConnecting:
	case c.status == ClusterConnecting && target == ClusterLoading:
	case c.status == ClusterLoading && target == ClusterReady:
	case c.status == ClusterLoading && target == ClusterConnecting:
		// No member left to retry the slots probe against; wait for the
		// next member to connect.
	case c.status == ClusterReady && target == ClusterLoading:
		// Idempotent: a slot-map refresh mid-flight doesn't need to be
		// tracked as a fresh transition.
		c.status = target
		return
	case target == ClusterDisconnected:
	default:
		logging.Errorf("cluster %d: invalid state transition %s -> %s", c.token, c.status, target)
		panic(ErrInvalidStateTransition)
	}
	c.status = target
}
