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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// readyEvent is one readiness notification translated out of an
// epoll_wait batch: which token's fd became ready, and in which ways.
type readyEvent struct {
	token    Token
	readable bool
	writable bool
	errored  bool
}

// poller wraps a single epoll instance. It is not safe for concurrent use;
// the engine only ever calls it from the single event-loop goroutine.
type poller struct {
	fd      int
	fdToken map[int]Token
	events  []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &poller{
		fd:      epfd,
		fdToken: make(map[int]Token),
		events:  make([]unix.EpollEvent, 256),
	}, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

// interest bits, mirroring the teacher's edge-triggered registration style.
const (
	interestRead  = unix.EPOLLIN
	interestWrite = unix.EPOLLOUT
	interestEdge  = unix.EPOLLET
)

func (p *poller) add(fd int, tok Token, events uint32) error {
	p.fdToken[fd] = tok
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	delete(p.fdToken, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for at most timeoutMillis (-1 means forever) and appends
// readiness events to dst, returning the extended slice.
func (p *poller) wait(timeoutMillis int, dst []readyEvent) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		tok, ok := p.fdToken[int(ev.Fd)]
		if !ok {
			continue // raced with a remove(); ignore stale notification
		}
		dst = append(dst, readyEvent{
			token:    tok,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			errored:  ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return dst, nil
}
