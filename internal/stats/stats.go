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

// Package stats holds the proxy's Prometheus metrics.
package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyStats mirrors the teacher's ProxyStats shape: one struct of
// registered vectors, built once per process and handed to the engine.
type ProxyStats struct {
	TotalConnections *prometheus.CounterVec
	CurrConnections  *prometheus.GaugeVec
	TotalRequests    *prometheus.CounterVec
	ReqCmd           *prometheus.CounterVec
	BackendEjects    *prometheus.CounterVec
	BackendErrors    *prometheus.CounterVec
	ForwardErrors    *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
}

// NewProxyStats builds and registers every metric under namespace.
func NewProxyStats(namespace string) *ProxyStats {
	s := &ProxyStats{
		TotalConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connections_total",
			Help:      "Total client connections accepted, by pool.",
		}, []string{"pool"}),
		CurrConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections_current",
			Help:      "Currently open client connections, by pool.",
		}, []string{"pool"}),
		TotalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests forwarded, by pool.",
		}, []string{"pool"}),
		ReqCmd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_by_command_total",
			Help:      "Total requests forwarded, bucketed by command category.",
		}, []string{"category"}),
		BackendEjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_ejects_total",
			Help:      "Total times a backend was marked down after crossing its failure limit.",
		}, []string{"pool"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total backend connection errors observed.",
		}, []string{"pool"}),
		ForwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total requests that could not be forwarded to any backend.",
		}, []string{"pool"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Total requests that exceeded a backend's configured timeout.",
		}, []string{"pool"}),
	}
	prometheus.MustRegister(
		s.TotalConnections, s.CurrConnections, s.TotalRequests,
		s.ReqCmd, s.BackendEjects, s.BackendErrors, s.ForwardErrors, s.Timeouts,
	)
	return s
}

// commandCategories buckets individual Redis commands the way the
// teacher's ReqCmdIncr does, so a dashboard doesn't need one series per
// command.
var commandCategories = map[string]string{
	"GET": "string", "SET": "string", "MGET": "string", "MSET": "string", "APPEND": "string", "STRLEN": "string",
	"SETBIT": "bitmap", "GETBIT": "bitmap", "BITCOUNT": "bitmap", "BITOP": "bitmap",
	"INCR": "incr_decr", "DECR": "incr_decr", "INCRBY": "incr_decr", "DECRBY": "incr_decr", "INCRBYFLOAT": "incr_decr",
	"HGET": "hashes", "HSET": "hashes", "HMGET": "hashes", "HMSET": "hashes", "HDEL": "hashes", "HGETALL": "hashes",
	"LPUSH": "lists", "RPUSH": "lists", "LPOP": "lists", "RPOP": "lists", "LRANGE": "lists", "LLEN": "lists",
	"SADD": "sets", "SREM": "sets", "SMEMBERS": "sets", "SISMEMBER": "sets", "SCARD": "sets",
	"ZADD": "sortedsets", "ZREM": "sortedsets", "ZRANGE": "sortedsets", "ZSCORE": "sortedsets", "ZCARD": "sortedsets",
}

// ReqCmdIncr categorizes cmd and bumps the matching counter.
func (s *ProxyStats) ReqCmdIncr(cmd string) {
	category, ok := commandCategories[strings.ToUpper(cmd)]
	if !ok {
		category = "other"
	}
	s.ReqCmd.WithLabelValues(category).Inc()
}
