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

	"golang.org/x/sys/unix"

	"rcproxy/internal/logging"
)

// BackendStatus is a single backend connection's lifecycle state.
type BackendStatus int

const (
	StatusDisconnected BackendStatus = iota
	StatusConnecting
	StatusConnected
)

func (s BackendStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// pendingRequest is one in-flight request awaiting a backend response,
// FIFO-ordered per backend so responses can be paired to clients purely
// by queue position.
type pendingRequest struct {
	client   Token
	deadline time.Time
}

// BackendConfig is the static, per-backend configuration a pool hands to
// SingleBackend/ClusterBackend at construction time.
type BackendConfig struct {
	Host         string
	Weight       int
	Auth         string
	DB           int
	Timeout      time.Duration
	FailureLimit int
	RetryTimeout time.Duration
}

// SingleBackend owns one upstream TCP connection: its state machine,
// in-flight request queue and outbound write buffer. It holds a
// non-owning back-reference to its parent pool and the engine so it can
// enqueue client writes and register/deregister itself with the poller,
// mirroring the Rust original's raw pointer back-reference (here, a plain
// Go pointer — still non-owning, just GC-safe).
type SingleBackend struct {
	token  Token
	engine *Engine
	pool   *Pool
	cfg    BackendConfig

	status       BackendStatus
	fd           int
	failureCount int
	queue        []pendingRequest
	outbound     []byte
	readBuf      []byte

	// onNullResponse, when set, is handed the raw reply to any request
	// that was enqueued under NullToken instead of the reply being
	// silently discarded - used by a cluster member to see its own
	// CLUSTER SLOTS probe replies.
	onNullResponse func(raw []byte)
}

func newSingleBackend(token Token, engine *Engine, pool *Pool, cfg BackendConfig) *SingleBackend {
	return &SingleBackend{
		token:  token,
		engine: engine,
		pool:   pool,
		cfg:    cfg,
		status: StatusDisconnected,
		fd:     -1,
	}
}

// IsAvailable reports whether the backend can currently accept writes.
func (b *SingleBackend) IsAvailable() bool {
	return b.status == StatusConnected
}

// Connect issues a non-blocking connect and registers the backend's fd
// for readable|writable edge-triggered readiness, moving to CONNECTING.
func (b *SingleBackend) Connect() error {
	if b.status == StatusConnected {
		return nil
	}
	fd, err := dialNonblocking(b.cfg.Host)
	if err != nil {
		return err
	}
	b.fd = fd
	b.changeState(StatusConnecting)
	if err := b.engine.poll.add(fd, b.token, interestRead|interestWrite|interestEdge); err != nil {
		unix.Close(fd)
		b.fd = -1
		return err
	}
	b.engine.registry.add(b.token, Subscriber{Kind: SubscriberPoolServer, PoolToken: b.pool.token})
	return nil
}

// handleConnected runs once, the moment the fd first reports writable
// after connect(); it verifies the connect succeeded and replays any
// configured AUTH/SELECT before the backend is usable for client traffic.
func (b *SingleBackend) handleConnected() error {
	ok, err := connectSucceeded(b.fd)
	if err != nil || !ok {
		return err
	}
	b.changeState(StatusConnected)
	if b.cfg.Auth != "" {
		b.enqueueInternal(EncodeCommand([]byte("AUTH"), []byte(b.cfg.Auth)))
	}
	if b.cfg.DB != 0 {
		b.enqueueInternal(EncodeCommand([]byte("SELECT"), []byte(itoa(b.cfg.DB))))
	}
	return nil
}

// enqueueInternal writes a frame the proxy itself generated (AUTH/SELECT
// replay, CLUSTER SLOTS probes) using NullToken so the response is
// consumed without a client write-back.
func (b *SingleBackend) enqueueInternal(frame []byte) {
	b.writeFrame(NullToken, frame)
}

// Write enqueues frame for delivery to the backend on behalf of client,
// returning false if the backend cannot currently accept writes.
func (b *SingleBackend) Write(client Token, frame []byte) bool {
	if b.status != StatusConnected {
		return false
	}
	b.writeFrame(client, frame)
	return true
}

func (b *SingleBackend) writeFrame(client Token, frame []byte) {
	b.outbound = append(b.outbound, frame...)
	b.engine.deferWrite(b.token)
	deadline := b.engine.now().Add(b.cfg.Timeout)
	b.queue = append(b.queue, pendingRequest{client: client, deadline: deadline})
}

// flush drains the outbound buffer to the backend socket, tolerating
// EAGAIN as "try again once the fd reports writable."
func (b *SingleBackend) flush() error {
	for len(b.outbound) > 0 {
		n, err := unix.Write(b.fd, b.outbound)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		b.outbound = b.outbound[n:]
	}
	return nil
}

// consumeResponses reads whatever is available from the backend socket
// and pairs complete replies to the head of the in-flight queue, in
// order, carrying any partial trailing frame over in readBuf until the
// next readable event completes it.
func (b *SingleBackend) consumeResponses() error {
	tmp := make([]byte, 65536)
	n, err := unix.Read(b.fd, tmp)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	if n == 0 {
		return unix.ECONNRESET // peer closed
	}
	b.readBuf = append(b.readBuf, tmp[:n]...)

	for len(b.queue) > 0 {
		raw, consumed, err := ScanReply(b.readBuf)
		if err != nil {
			return err
		}
		if consumed == 0 {
			break
		}
		req := b.queue[0]
		b.queue = b.queue[1:]
		b.readBuf = b.readBuf[consumed:]
		if req.client != NullToken {
			b.pool.writeToClient(req.client, raw)
		} else if b.onNullResponse != nil {
			b.onNullResponse(raw)
		}
	}
	return nil
}

// NextTimeout returns the deadline of the oldest in-flight request, if any.
func (b *SingleBackend) NextTimeout() (time.Time, bool) {
	if len(b.queue) == 0 {
		return time.Time{}, false
	}
	return b.queue[0].deadline, true
}

// HandleTimeout is called once now has reached or passed the head
// deadline. It writes a timeout error to that client, bumps the failure
// count, and reports whether the backend has now crossed failure_limit
// and should be marked down.
func (b *SingleBackend) HandleTimeout(now time.Time) bool {
	if b.status == StatusDisconnected || len(b.queue) == 0 {
		return false
	}
	head := b.queue[0]
	if now.Before(head.deadline) {
		return false
	}
	b.queue = b.queue[1:]
	if head.client != NullToken {
		b.pool.writeToClient(head.client, EncodeError("ERR rcproxy timed out"))
	}
	if b.cfg.FailureLimit <= 0 {
		return false
	}
	b.failureCount++
	return b.failureCount > b.cfg.FailureLimit
}

// MarkDown transitions to DISCONNECTED, answers every still-queued
// request with an unavailable-backend error, and tears down the socket.
func (b *SingleBackend) MarkDown() {
	if b.status == StatusConnected {
		b.engine.registry.remove(reconnectToken(b.token))
	}
	b.changeState(StatusDisconnected)
	for _, req := range b.queue {
		if req.client != NullToken {
			b.pool.writeToClient(req.client, EncodeError("ERR unavailable backend"))
		}
	}
	b.queue = nil
	if b.fd >= 0 {
		b.engine.poll.remove(b.fd)
		unix.Close(b.fd)
		b.fd = -1
	}
	b.engine.registry.remove(b.token)
}

// HandleFailure marks the backend down and schedules a reconnect attempt
// after retry_timeout.
func (b *SingleBackend) HandleFailure() {
	b.MarkDown()
	b.scheduleReconnect()
}

func (b *SingleBackend) scheduleReconnect() {
	tok := reconnectToken(b.token)
	b.engine.registry.add(tok, Subscriber{Kind: SubscriberReconnectTimer, PoolToken: b.token})
	b.engine.scheduleTimer(tok, b.engine.now().Add(b.cfg.RetryTimeout))
}

// changeState enforces the same transition table as the original
// backend's state machine; an unreachable transition indicates a bug in
// the caller, not a runtime condition to recover from.
func (b *SingleBackend) changeState(target BackendStatus) {
	if b.status == target {
		return
	}
	switch {
	case b.status == StatusDisconnected && target == StatusConnecting:
	case b.status == StatusConnecting && target == StatusConnected:
	case b.status == StatusConnecting && target == StatusDisconnected:
	case b.status == StatusConnected && target == StatusDisconnected:
	default:
		logging.Errorf("backend %d: invalid state transition %s -> %s", b.token, b.status, target)
		panic(ErrInvalidStateTransition)
	}
	logging.Debugfunc(func() string {
		return "backend state change"
	})
	b.status = target
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
