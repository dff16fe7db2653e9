// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package web exposes the proxy's read-only HTTP admin surface: pprof,
// Prometheus metrics, version info and a snapshot of cluster routing
// state. It never reaches into the engine's own goroutine; everything it
// reads is published through lock-free structures the engine only ever
// replaces wholesale.
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rcproxy/core"
)

// Init registers every admin HTTP route against ginSrv. engine is read
// only through its exported snapshot accessors, never mutated here.
func Init(ginSrv *gin.Engine, engine *core.Engine) {
	pprof.Register(ginSrv)
	ginSrv.GET("/cluster/nodes", handleClusterNodes(engine))
	ginSrv.GET("/version", handleVersion)
	ginSrv.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
