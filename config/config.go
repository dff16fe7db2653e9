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

// Package config loads and validates the proxy's TOML configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the top-level shape of a proxy configuration file: one admin
// listener and any number of named backend pools.
type Config struct {
	Admin AdminConfig           `toml:"admin"`
	Pools map[string]PoolConfig `toml:"pools"`
}

type AdminConfig struct {
	Listen string `toml:"listen"`
}

// PoolConfig describes one backend pool. Servers and ClusterHosts are
// mutually exclusive: UseCluster selects which one the pool honors.
type PoolConfig struct {
	Listen       string         `toml:"listen"`
	TimeoutMS    int            `toml:"timeout"`
	FailureLimit int            `toml:"failure_limit"`
	RetryMS      int            `toml:"retry_timeout"`
	Servers      []ServerConfig `toml:"servers"`
	UseCluster   bool           `toml:"use_cluster"`
	ClusterHosts []string       `toml:"cluster_hosts"`
}

func (p PoolConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

func (p PoolConfig) RetryTimeoutDuration() time.Duration {
	return time.Duration(p.RetryMS) * time.Millisecond
}

type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Weight int    `toml:"weight"`
	Auth   string `toml:"auth"`
	DB     int    `toml:"db"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads and validates a configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config from %s", path)
	}
	return Parse(raw)
}

// Parse validates and decodes raw TOML bytes, the shared path between
// Load and the admin channel's LOADCONFIG verb.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// Marshal renders cfg back to TOML, used by the admin channel's
// CONFIGINFO/STAGEDCONFIG verbs.
func Marshal(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// Validate checks structural invariants a hand-edited config commonly
// gets wrong: an admin listener, at least one pool, and each pool naming
// exactly one backend source.
func (c *Config) Validate() error {
	if c.Admin.Listen == "" {
		return errors.New("admin.listen is required")
	}
	if len(c.Pools) == 0 {
		return errors.New("at least one pool must be configured")
	}
	for name, p := range c.Pools {
		if err := p.validate(); err != nil {
			return errors.Wrapf(err, "pool %q", name)
		}
	}
	return nil
}

func (p PoolConfig) validate() error {
	if p.Listen == "" {
		return errors.New("listen is required")
	}
	if p.TimeoutMS <= 0 {
		return errors.New("timeout must be positive")
	}
	if p.UseCluster {
		if len(p.ClusterHosts) == 0 {
			return errors.New("use_cluster requires at least one cluster_hosts entry")
		}
		if len(p.Servers) != 0 {
			return errors.New("use_cluster pools may not also set servers")
		}
		return nil
	}
	if len(p.Servers) == 0 {
		return errors.New("requires at least one server, or use_cluster with cluster_hosts")
	}
	return nil
}
