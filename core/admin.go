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
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"rcproxy/config"
	"rcproxy/internal/logging"
)

// adminClient is one connection to the admin channel: a line-oriented
// command socket, not RESP, matching the original's plain-text admin
// protocol (PING/INFO/LOADCONFIG/SHUTDOWN/STAGEDCONFIG/CONFIGINFO/SWITCHCONFIG).
type adminClient struct {
	token    Token
	fd       int
	inbound  []byte
	outbound []byte
}

func (e *Engine) acceptAdminClient() {
	for {
		fd, _, err := unix.Accept(e.adminListenFD)
		if err != nil {
			return
		}
		unix.SetNonblock(fd, true)
		tok := e.registry.mint()
		e.adminClients[tok] = &adminClient{token: tok, fd: fd}
		e.registry.add(tok, Subscriber{Kind: SubscriberAdminClient})
		if err := e.poll.add(fd, tok, interestRead|interestEdge); err != nil {
			e.removeAdminClient(tok)
		}
	}
}

func (e *Engine) removeAdminClient(tok Token) {
	ac, ok := e.adminClients[tok]
	if !ok {
		return
	}
	if ac.fd >= 0 {
		e.poll.remove(ac.fd)
		unix.Close(ac.fd)
	}
	delete(e.adminClients, tok)
	e.registry.remove(tok)
}

func (ac *adminClient) flush() {
	for len(ac.outbound) > 0 {
		n, err := unix.Write(ac.fd, ac.outbound)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			return
		}
		ac.outbound = ac.outbound[n:]
	}
}

func (e *Engine) writeToAdmin(tok Token, msg string) {
	ac, ok := e.adminClients[tok]
	if !ok {
		logging.Debugfunc(func() string { return "write to admin: no longer connected" })
		return
	}
	ac.outbound = append(ac.outbound, []byte(msg)...)
	e.deferWrite(tok)
}

// handleAdminReadable reads whatever is available from an admin client,
// dispatching one line-oriented command per completed line. Unlike the
// pool channels, the admin protocol is not RESP-framed: one command is one
// newline-terminated line, the verb optionally followed by a space and
// its argument on the same line.
func (e *Engine) handleAdminReadable(tok Token) {
	ac, ok := e.adminClients[tok]
	if !ok {
		return
	}
	tmp := make([]byte, 4096)
	n, err := unix.Read(ac.fd, tmp)
	if err != nil && err != unix.EAGAIN {
		e.removeAdminClient(tok)
		return
	}
	if n == 0 {
		e.removeAdminClient(tok)
		return
	}
	ac.inbound = append(ac.inbound, tmp[:n]...)

	for {
		idx := bytes.IndexByte(ac.inbound, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(ac.inbound[:idx]), "\r")
		ac.inbound = ac.inbound[idx+1:]
		e.handleAdminCommand(tok, line)
	}
}

// handleAdminCommand dispatches one parsed admin verb, mirroring the
// original's match over the first line of the command.
func (e *Engine) handleAdminCommand(tok Token, line string) {
	fields := strings.SplitN(line, " ", 2)
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "PING":
		e.writeToAdmin(tok, "+PONG\r\n")
	case "INFO":
		e.writeToAdmin(tok, "+"+e.info()+"\r\n")
	case "LOADCONFIG":
		if len(fields) < 2 || fields[1] == "" {
			e.writeToAdmin(tok, "-ERR missing filepath argument\r\n")
			return
		}
		path := fields[1]
		staged, err := config.Load(path)
		if err != nil {
			e.writeToAdmin(tok, fmt.Sprintf("-ERR %v\r\n", err))
			return
		}
		e.staged = staged
		e.writeToAdmin(tok, "+"+path+"\r\n")
	case "SHUTDOWN":
		e.Stop()
	case "STAGEDCONFIG":
		if e.staged == nil {
			e.writeToAdmin(tok, "+No config staged.\r\n")
			return
		}
		raw, err := config.Marshal(e.staged)
		if err != nil {
			e.writeToAdmin(tok, fmt.Sprintf("-ERR %v\r\n", err))
			return
		}
		e.writeToAdmin(tok, "+"+string(raw)+"\r\n")
	case "CONFIGINFO":
		raw, err := config.Marshal(e.cfg)
		if err != nil {
			e.writeToAdmin(tok, fmt.Sprintf("-ERR %v\r\n", err))
			return
		}
		e.writeToAdmin(tok, "+"+string(raw)+"\r\n")
	case "SWITCHCONFIG":
		if err := e.switchConfig(); err != nil {
			e.writeToAdmin(tok, fmt.Sprintf("-%v\r\n", err))
			return
		}
		e.writeToAdmin(tok, "+OK\r\n")
	default:
		logging.Debugf("admin: unknown command %q", verb)
		e.writeToAdmin(tok, "+Unknown command\r\n")
	}
}

// info renders a one-line operational summary; unlike the original's
// stubbed "DERP" reply, this reports proxy identity, uptime, pool count,
// client count and backend readiness so an operator polling PING/INFO
// learns something from it.
func (e *Engine) info() string {
	var totalClients, totalBackends, readyBackends int
	for _, pool := range e.pools {
		totalClients += len(pool.clients)
		for _, b := range pool.backends {
			totalBackends++
			if b.isAvailable() {
				readyBackends++
			}
		}
	}
	uptime := e.now().Sub(e.startedAt)
	return fmt.Sprintf("rcproxy version=%s uptime=%s pools=%d clients=%d backends=%d/%d ready",
		e.versionTag, uptime, len(e.pools), totalClients, readyBackends, totalBackends)
}
