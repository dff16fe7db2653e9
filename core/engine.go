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
	"time"

	"github.com/cornelk/hashmap"
	"github.com/jonboulle/clockwork"
	"github.com/petar/GoLLRB/llrb"
	"golang.org/x/sys/unix"

	"rcproxy/config"
	"rcproxy/internal/logging"
	"rcproxy/internal/stats"
)

// largePoolBackendThreshold is where the timeout scheduler switches from
// a linear scan over backends to a deadline-ordered tree, per the spec's
// own note that "larger deployments should replace this with a priority
// queue."
const largePoolBackendThreshold = 32

// Engine is the single-threaded reactor: one poller, one registry, and
// the pools/backends it drives. Every exported method here other than
// RequestReload and ClusterSnapshots is expected to run on the engine's
// own goroutine; nothing in this package takes a lock, by design.
type Engine struct {
	poll     *poller
	registry *registry
	clock    clockwork.Clock

	pools     map[Token]*Pool
	poolOrder []Token
	clusterOf map[Token]*ClusterBackend // member backend token -> owning ClusterBackend, if any
	servers   map[Token]*SingleBackend  // every backend token (single or cluster member) -> its backend
	clusters  map[Token]*ClusterBackend

	// clusterPools is a lock-free pool-name -> *ClusterBackend index the
	// admin HTTP surface reads from its own goroutine; the engine goroutine
	// is the only writer, via startPool/removePool.
	clusterPools *hashmap.HashMap

	reconnectTimers map[Token]time.Time
	deferred        []Token

	adminListenFD int
	adminClients  map[Token]*adminClient

	stats *stats.ProxyStats

	startedAt  time.Time
	versionTag string

	cfg    *config.Config
	staged *config.Config

	// reloadRequests carries config file paths from an fsnotify watcher
	// goroutine (started by main) into the engine's own goroutine; Run
	// drains it once per iteration so a reload never touches cfg/staged
	// from outside the single-threaded loop.
	reloadRequests chan string

	stopped bool
}

// NewEngine constructs an engine from a validated configuration but does
// not yet bind any sockets; call Start for that.
func NewEngine(cfg *config.Config, clock clockwork.Clock) (*Engine, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{
		poll:            p,
		registry:        newRegistry(),
		clock:           clock,
		pools:           make(map[Token]*Pool),
		clusterOf:       make(map[Token]*ClusterBackend),
		servers:         make(map[Token]*SingleBackend),
		clusters:        make(map[Token]*ClusterBackend),
		reconnectTimers: make(map[Token]time.Time),
		clusterPools:    &hashmap.HashMap{},
		adminListenFD:   -1,
		adminClients:    make(map[Token]*adminClient),
		stats:           stats.NewProxyStats("rcproxy"),
		startedAt:       clock.Now(),
		versionTag:      "unknown",
		cfg:             cfg,
		reloadRequests:  make(chan string, 1),
	}
	return e, nil
}

// SetVersion records the build's version tag for the admin channel's INFO
// verb to report; main sets this from its linker-injected build variables
// right after constructing the engine.
func (e *Engine) SetVersion(tag string) {
	e.versionTag = tag
}

// RequestReload asks the engine to load and switch to the config at path
// on its next loop iteration. Safe to call from any goroutine; a full
// channel drops the request rather than blocking the caller, since a
// second file-change notification will follow shortly after anyway.
func (e *Engine) RequestReload(path string) {
	select {
	case e.reloadRequests <- path:
	default:
		logging.Warnf("reload already pending, dropping duplicate request for %s", path)
	}
}

func (e *Engine) drainReloadRequests() {
	for {
		select {
		case path := <-e.reloadRequests:
			staged, err := config.Load(path)
			if err != nil {
				logging.Errorf("reload: failed to load %s: %v", path, err)
				continue
			}
			e.staged = staged
			if err := e.switchConfig(); err != nil {
				logging.Errorf("reload: failed to switch to %s: %v", path, err)
			}
		default:
			return
		}
	}
}

func (e *Engine) now() time.Time { return e.clock.Now() }

// Start binds the admin listener and every configured pool's listener
// and backends, registering each with the poller.
func (e *Engine) Start() error {
	fd, err := listenNonblocking(e.cfg.Admin.Listen)
	if err != nil {
		return err
	}
	e.adminListenFD = fd
	if err := e.poll.add(fd, adminListenerToken, interestRead); err != nil {
		return err
	}
	e.registry.add(adminListenerToken, Subscriber{Kind: SubscriberAdminListener})

	for name, pc := range e.cfg.Pools {
		if err := e.startPool(name, pc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) startPool(name string, pc config.PoolConfig) error {
	tok := e.registry.mint()
	pool := newPool(tok, name, e)
	e.pools[tok] = pool
	e.poolOrder = append(e.poolOrder, tok)

	fd, err := listenNonblocking(pc.Listen)
	if err != nil {
		return err
	}
	pool.listenFD = fd
	pool.listenAddr = pc.Listen
	pool.cfg = pc
	if err := e.poll.add(fd, tok, interestRead); err != nil {
		return err
	}
	e.registry.add(tok, Subscriber{Kind: SubscriberPoolListener, PoolToken: tok})

	if pc.UseCluster {
		cbTok := e.registry.mint()
		cb := newClusterBackend(cbTok, e, pool, BackendConfig{
			Timeout:      pc.TimeoutDuration(),
			FailureLimit: pc.FailureLimit,
			RetryTimeout: pc.RetryTimeoutDuration(),
		})
		e.clusters[cbTok] = cb
		e.clusterPools.Insert(name, cb)
		pool.backends = append(pool.backends, backendEntry{cluster: cb})
		if err := cb.Connect(pc.ClusterHosts); err != nil {
			return err
		}
		return nil
	}

	for _, sc := range pc.Servers {
		bTok := e.registry.mint()
		backend := newSingleBackend(bTok, e, pool, BackendConfig{
			Host:         sc.Addr(),
			Weight:       sc.Weight,
			Auth:         sc.Auth,
			DB:           sc.DB,
			Timeout:      pc.TimeoutDuration(),
			FailureLimit: pc.FailureLimit,
			RetryTimeout: pc.RetryTimeoutDuration(),
		})
		pool.backends = append(pool.backends, backendEntry{single: backend})
		e.servers[bTok] = backend
		e.registry.bindToPool(bTok, tok)
		if err := backend.Connect(); err != nil {
			logging.Errorf("pool %s: initial connect to %s failed: %v", name, sc.Addr(), err)
		}
	}
	return nil
}

// deferWrite enqueues tok onto the FIFO of sockets the loop will flush
// once the current batch of readiness events has been dispatched,
// matching the original's written_sockets queue.
func (e *Engine) deferWrite(tok Token) {
	e.deferred = append(e.deferred, tok)
}

func (e *Engine) scheduleTimer(tok Token, deadline time.Time) {
	e.reconnectTimers[tok] = deadline
}

// Run executes the event loop until Stop is called or a fatal error
// occurs. It owns the single suspension point in the whole process: the
// call to poll.wait.
func (e *Engine) Run() error {
	var events []readyEvent
	for !e.stopped {
		e.drainReloadRequests()
		timeout := e.nextPollTimeout()
		var err error
		events, err = e.poll.wait(timeout, events[:0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			e.handleEvent(ev)
		}
		e.processTimeouts()
		e.flushDeferred()
	}
	return nil
}

// Stop requests the loop exit after its current iteration.
func (e *Engine) Stop() { e.stopped = true }

// nextPollTimeout implements the earliest-deadline-first scheduler: scan
// every backend's head-of-queue deadline and every pending reconnect
// timer, and return the milliseconds until the soonest one (0 if it has
// already passed, -1 to block indefinitely if nothing is scheduled).
func (e *Engine) nextPollTimeout() int {
	var soonest time.Time
	have := false
	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !have || t.Before(soonest) {
			soonest = t
			have = true
		}
	}

	for _, pool := range e.pools {
		for _, b := range pool.backends {
			if b.single != nil {
				consider(b.single.NextTimeout())
			}
			if b.cluster != nil {
				for _, member := range b.cluster.members {
					consider(member.NextTimeout())
				}
			}
		}
	}
	for _, deadline := range e.reconnectTimers {
		consider(deadline, true)
	}

	if !have {
		return -1
	}
	now := e.now()
	if !soonest.After(now) {
		return 0
	}
	return int(soonest.Sub(now) / time.Millisecond)
}

// processTimeouts drains every backend and reconnect timer whose
// deadline has passed. Large pools (many backends) use a deadline-
// ordered red-black tree instead of a linear scan, per the spec's own
// suggestion for scaling this step.
func (e *Engine) processTimeouts() {
	now := e.now()

	for tok, deadline := range e.reconnectTimers {
		if deadline.After(now) {
			continue
		}
		delete(e.reconnectTimers, tok)
		e.registry.remove(tok)
		e.retryBackend(tok - 1)
	}

	for _, pool := range e.pools {
		if len(pool.backends) >= largePoolBackendThreshold {
			e.processTimeoutsOrdered(pool, now)
			continue
		}
		for _, b := range pool.backends {
			if b.single != nil {
				if b.single.HandleTimeout(now) {
					b.single.HandleFailure()
				}
			}
			if b.cluster != nil {
				for _, member := range b.cluster.members {
					if member.HandleTimeout(now) {
						member.HandleFailure()
					}
				}
			}
		}
	}
}

type timeoutItem struct {
	deadline time.Time
	backend  *SingleBackend
}

func (t *timeoutItem) Less(other llrb.Item) bool {
	return t.deadline.Before(other.(*timeoutItem).deadline)
}

func (e *Engine) processTimeoutsOrdered(pool *Pool, now time.Time) {
	tree := llrb.New()
	for _, b := range pool.backends {
		if b.single == nil {
			continue
		}
		if deadline, ok := b.single.NextTimeout(); ok {
			tree.InsertNoReplace(&timeoutItem{deadline: deadline, backend: b.single})
		}
	}
	for tree.Len() > 0 {
		min := tree.Min().(*timeoutItem)
		if min.deadline.After(now) {
			return
		}
		tree.DeleteMin()
		if min.backend.HandleTimeout(now) {
			min.backend.HandleFailure()
		}
	}
}

func (e *Engine) retryBackend(backendTok Token) {
	backend, ok := e.servers[backendTok]
	if !ok {
		return
	}
	if err := backend.Connect(); err != nil {
		logging.Errorf("backend %d: reconnect failed: %v", backendTok, err)
		backend.scheduleReconnect()
	}
}

// flushDeferred drains the deferred-write FIFO, writing each socket's
// buffered outbound bytes once. A token whose subscriber has since been
// removed (the pool it belonged to was dropped by a config reload, or it
// disconnected) is silently skipped, matching the original's tolerance
// for stale entries left by a since-removed pool.
func (e *Engine) flushDeferred() {
	for _, tok := range e.deferred {
		sub, ok := e.registry.get(tok)
		if !ok {
			continue
		}
		switch sub.Kind {
		case SubscriberPoolClient, SubscriberAdminClient:
			e.flushClientSocket(sub, tok)
		case SubscriberPoolServer:
			e.flushServerSocket(tok)
		}
	}
	e.deferred = e.deferred[:0]
}

func (e *Engine) flushClientSocket(sub Subscriber, tok Token) {
	if sub.Kind == SubscriberAdminClient {
		if ac, ok := e.adminClients[tok]; ok {
			ac.flush()
		}
		return
	}
	pool, ok := e.pools[sub.PoolToken]
	if !ok {
		return
	}
	c, ok := pool.clients[tok]
	if !ok {
		return
	}
	for len(c.outbound) > 0 {
		n, err := unix.Write(c.fd, c.outbound)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			pool.removeClient(tok)
			return
		}
		c.outbound = c.outbound[n:]
	}
}

func (e *Engine) flushServerSocket(tok Token) {
	if backend, ok := e.servers[tok]; ok {
		_ = backend.flush()
	}
}

// handleEvent dispatches one readiness notification by looking up its
// token's subscriber kind, the single switch the whole engine runs on.
func (e *Engine) handleEvent(ev readyEvent) {
	sub, ok := e.registry.get(ev.token)
	if !ok {
		return
	}
	switch sub.Kind {
	case SubscriberAdminListener:
		e.acceptAdminClient()
	case SubscriberAdminClient:
		if ev.readable {
			e.handleAdminReadable(ev.token)
		}
	case SubscriberPoolListener:
		e.acceptPoolClient(sub.PoolToken)
	case SubscriberPoolClient:
		if ev.readable || ev.errored {
			e.handlePoolClientReadable(sub.PoolToken, ev.token)
		}
	case SubscriberPoolServer:
		e.handlePoolServerEvent(ev)
	}
}

func (e *Engine) acceptPoolClient(poolTok Token) {
	pool, ok := e.pools[poolTok]
	if !ok {
		return
	}
	for {
		fd, _, err := unix.Accept(pool.listenFD)
		if err != nil {
			return
		}
		unix.SetNonblock(fd, true)
		tok := e.registry.mint()
		pool.clients[tok] = &clientConn{token: tok, fd: fd}
		e.registry.add(tok, Subscriber{Kind: SubscriberPoolClient, PoolToken: poolTok})
		if err := e.poll.add(fd, tok, interestRead|interestEdge); err != nil {
			pool.removeClient(tok)
		}
		e.stats.TotalConnections.WithLabelValues(pool.name).Inc()
	}
}

func (e *Engine) handlePoolClientReadable(poolTok, clientTok Token) {
	pool, ok := e.pools[poolTok]
	if !ok {
		return
	}
	c, ok := pool.clients[clientTok]
	if !ok {
		return
	}
	tmp := make([]byte, 65536)
	n, err := unix.Read(c.fd, tmp)
	if err != nil && err != unix.EAGAIN {
		pool.removeClient(clientTok)
		return
	}
	if n == 0 {
		pool.removeClient(clientTok)
		return
	}
	c.inbound = append(c.inbound, tmp[:n]...)

	for {
		frame, consumed, err := ScanRequest(c.inbound)
		if err != nil {
			pool.writeToClient(clientTok, EncodeError("ERR Protocol error"))
			pool.removeClient(clientTok)
			return
		}
		if consumed == 0 {
			break
		}
		c.inbound = c.inbound[consumed:]
		e.stats.ReqCmdIncr(CommandName(frame.Argv))
		pool.forward(clientTok, frame)
	}
}

// handlePoolServerEvent routes a backend socket's readiness to whichever
// owns it: a plain single-server pool backend, or a cluster member (in
// which case the response is also offered to the owning ClusterBackend
// so it can recognize its own CLUSTER SLOTS probes).
func (e *Engine) handlePoolServerEvent(ev readyEvent) {
	backend, ok := e.servers[ev.token]
	if !ok {
		return
	}
	owningCluster := e.clusterOf[ev.token] // nil for a plain single-server pool backend

	if ev.errored {
		backend.HandleFailure()
		if owningCluster != nil {
			owningCluster.handleSlotsMapFailure()
		}
		return
	}
	if ev.writable && backend.status == StatusConnecting {
		if err := backend.handleConnected(); err != nil {
			backend.HandleFailure()
			return
		}
		if owningCluster != nil {
			owningCluster.onMemberConnected(backend)
		}
	}
	if ev.readable {
		if err := backend.consumeResponses(); err != nil {
			backend.HandleFailure()
			if owningCluster != nil {
				owningCluster.handleSlotsMapFailure()
			}
		}
	}
}
