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
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// dialNonblocking opens a non-blocking TCP socket and issues a connect(2)
// that is expected to return EINPROGRESS; the caller registers the
// resulting fd for writable readiness to learn when the connect
// completes. This is the raw-fd equivalent of the teacher's eventloop
// registering sockets directly with the poller rather than going through
// net.Dial's blocking-until-connected behavior.
func dialNonblocking(addr string) (fd int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid backend address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid backend port %q", addr)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return -1, errors.Wrapf(err, "resolving backend host %q", host)
	}
	var ip net.IP
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil && len(ips) > 0 {
		ip = ips[0]
	}
	if ip == nil {
		return -1, errors.Errorf("no usable address for backend host %q", host)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = port

	if err := unix.Connect(fd, &sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s", addr)
	}
	return fd, nil
}

// listenNonblocking binds and listens on addr (host:port, host may be
// empty for all interfaces), returning a non-blocking listening fd.
func listenNonblocking(addr string) (fd int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid listen address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid listen port %q", addr)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	if host != "" && !strings.EqualFold(host, "0.0.0.0") {
		if ip := net.ParseIP(host); ip != nil {
			copy(sa.Addr[:], ip.To4())
		}
	}

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %s", addr)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen %s", addr)
	}
	return fd, nil
}

// connectSucceeded checks SO_ERROR after a non-blocking connect()'s fd
// becomes writable, the standard way to learn whether the connection
// actually succeeded or failed asynchronously.
func connectSucceeded(fd int) (bool, error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, err
	}
	if errno != 0 {
		return false, unix.Errno(errno)
	}
	return true, nil
}
