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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"rcproxy/config"
	"rcproxy/core"
	"rcproxy/internal/logging"
	"rcproxy/web"
)

var (
	configPath = flag.String("c", "rcproxy.toml", "Config file path")
	logPath    = flag.String("log-path", "logs", "Log directory")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error (when not given, RCPROXY_LOG_LEVEL is used if set)")
	webAddr    = flag.String("web", "", "Admin HTTP listen address, e.g. :6969 (disabled if empty)")
	version    = flag.Bool("v", false, "Show version")
	help       = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
___________________________________________  ___  __
___  __ \_  ____/__  __ \__  __ \_  __ \_  |/ / \/ /
__  /_/ /  /    __  /_/ /_  /_/ /  / / /_    /__  /
_  _, _// /___  _  ____/_  _, _// /_/ /_    | _  /
/_/ |_| \____/  /_/     /_/ |_| \____/ /_/|_| /_/

`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func main() {
	parseCli()

	level := *logLevel
	levelFlagSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			levelFlagSet = true
		}
	})
	if env := os.Getenv("RCPROXY_LOG_LEVEL"); env != "" && !levelFlagSet {
		level = env
	}

	if err := logging.InitializeLogger(
		logging.WithPath(*logPath),
		logging.WithExpireDay(7),
		logging.WithLogLevel(level),
	); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %s\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Errorf("failed to load config from %s: %v", *configPath, err)
		os.Exit(1)
	}

	fmt.Print(banner)
	fmt.Printf("rcproxy version: %s\n", Tag)
	fmt.Printf("rcproxy started with admin: %s, pid: %d\n", cfg.Admin.Listen, syscall.Getpid())
	logging.Infof("rcproxy started with admin %s, pid %d, version %s", cfg.Admin.Listen, syscall.Getpid(), Tag)

	web.Version.Tag = Tag
	web.Version.CommitSHA = CommitSHA
	web.Version.BuildTime = BuildTime

	engine, err := core.NewEngine(cfg, clockwork.NewRealClock())
	if err != nil {
		logging.Errorf("failed to construct engine: %v", err)
		os.Exit(1)
	}
	engine.SetVersion(Tag)
	if err := engine.Start(); err != nil {
		logging.Errorf("failed to start engine: %v", err)
		os.Exit(1)
	}

	watchConfigFile(*configPath, engine)

	if *webAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		ginSrv := gin.New()
		web.Init(ginSrv, engine)
		httpSrv := &http.Server{Handler: ginSrv, Addr: *webAddr}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Errorf("admin http server exited: %v", err)
			}
		}()
	}

	if err := engine.Run(); err != nil {
		logging.Errorf("rcproxy run failed: %v", err)
	}

	logging.Infof("rcproxy shutdown, pid: %d", syscall.Getpid())
}

// watchConfigFile starts an fsnotify watch on the config file itself and
// asks the engine to reload whenever it's rewritten, the hot-reload
// path alongside the admin channel's explicit LOADCONFIG/SWITCHCONFIG.
func watchConfigFile(path string, engine *core.Engine) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warnf("config file watch disabled: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		logging.Warnf("config file watch disabled for %s: %v", path, err)
		watcher.Close()
		return
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logging.Infof("config file %s changed, requesting reload", path)
					engine.RequestReload(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("config file watch error: %v", err)
			}
		}
	}()
}
