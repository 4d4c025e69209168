// Copyright 2026 The Postern Authors.
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

// Package config holds the posternd deployment configuration, loaded
// from a TOML file over built-in defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/driver"
)

// Config is the top-level posternd configuration.
type Config struct {
	Blocks BlocksConfig `toml:"blocks"`
	Broker BrokerConfig `toml:"broker"`
	Debug  DebugConfig  `toml:"debug"`
	Log    LogConfig    `toml:"log"`
	Policy PolicyConfig `toml:"policy"`
}

// BlocksConfig sizes the shared-block pool.
type BlocksConfig struct {
	// Count is the number of blocks, one concurrent round each.
	Count int `toml:"count"`

	// Size is the total size of each block in bytes, header included.
	Size uint64 `toml:"size"`
}

// BrokerConfig configures the host-side service loop.
type BrokerConfig struct {
	// Workers is the number of rounds served concurrently. Zero means one
	// worker per block.
	Workers int `toml:"workers"`

	// LockFile guards against two brokers serving the same deployment.
	LockFile string `toml:"lock_file"`
}

// DebugConfig configures the inspection surface.
type DebugConfig struct {
	// Socket is the unix socket path of the debug HTTP server. Empty
	// disables the server.
	Socket string `toml:"socket"`

	// DumpDir receives postmortem dumps of aborted rounds. Empty disables
	// dumping.
	DumpDir string `toml:"dump_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// PolicyConfig narrows or widens the built-in request policy.
type PolicyConfig struct {
	// MaxFD overrides the descriptor ceiling. Zero keeps the default.
	MaxFD int32 `toml:"max_fd"`

	// SocketDomains replaces the permitted socket address families.
	// Recognized names: unix, inet, inet6, netlink. Empty keeps the
	// default set.
	SocketDomains []string `toml:"socket_domains"`

	// Clocks replaces the permitted clock_gettime clocks. Recognized
	// names: realtime, monotonic, monotonic-raw, boottime. Empty keeps
	// the default set.
	Clocks []string `toml:"clocks"`
}

// Default returns the built-in configuration: eight 64 KiB blocks,
// default policy, info-level text logs, no debug surface.
func Default() Config {
	return Config{
		Blocks: BlocksConfig{
			Count: 8,
			Size:  64 * 1024,
		},
		Broker: BrokerConfig{
			LockFile: "/run/posternd.lock",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for values the broker cannot run
// with.
func (c *Config) Validate() error {
	if c.Blocks.Count < 1 {
		return fmt.Errorf("blocks.count must be at least 1, got %d", c.Blocks.Count)
	}
	if c.Blocks.Size <= abi.HeaderBytes {
		return fmt.Errorf("blocks.size must exceed the %d-byte header, got %d", abi.HeaderBytes, c.Blocks.Size)
	}
	if c.Blocks.Size%abi.WordAlign != 0 {
		return fmt.Errorf("blocks.size must be a multiple of %d, got %d", abi.WordAlign, c.Blocks.Size)
	}
	if c.Broker.Workers < 0 {
		return fmt.Errorf("broker.workers must not be negative, got %d", c.Broker.Workers)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	if _, err := c.DriverPolicy(); err != nil {
		return err
	}
	return nil
}

var socketDomainNames = map[string]uint32{
	"unix":    unix.AF_UNIX,
	"inet":    unix.AF_INET,
	"inet6":   unix.AF_INET6,
	"netlink": unix.AF_NETLINK,
}

var clockNames = map[string]uint32{
	"realtime":      unix.CLOCK_REALTIME,
	"monotonic":     unix.CLOCK_MONOTONIC,
	"monotonic-raw": unix.CLOCK_MONOTONIC_RAW,
	"boottime":      unix.CLOCK_BOOTTIME,
}

// DriverPolicy materializes the request policy: the built-in default with
// this configuration's overrides applied.
func (c *Config) DriverPolicy() (driver.Policy, error) {
	p := driver.DefaultPolicy()
	if c.Policy.MaxFD != 0 {
		if c.Policy.MaxFD < 0 {
			return driver.Policy{}, fmt.Errorf("policy.max_fd must not be negative, got %d", c.Policy.MaxFD)
		}
		p.MaxFD = c.Policy.MaxFD
	}
	if len(c.Policy.SocketDomains) > 0 {
		domains := make(map[uint32]bool, len(c.Policy.SocketDomains))
		for _, name := range c.Policy.SocketDomains {
			af, ok := socketDomainNames[name]
			if !ok {
				return driver.Policy{}, fmt.Errorf("policy.socket_domains: unknown domain %q", name)
			}
			domains[af] = true
		}
		p.SocketDomains = domains
	}
	if len(c.Policy.Clocks) > 0 {
		clocks := make(map[uint32]bool, len(c.Policy.Clocks))
		for _, name := range c.Policy.Clocks {
			id, ok := clockNames[name]
			if !ok {
				return driver.Policy{}, fmt.Errorf("policy.clocks: unknown clock %q", name)
			}
			clocks[id] = true
		}
		p.Clocks = clocks
	}
	return p, nil
}

// LogLevel returns the parsed logrus level. Validate must have accepted
// the configuration first.
func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		panic("config: LogLevel called on unvalidated config: " + err.Error())
	}
	return lvl
}

// ArenaSize returns the per-block arena size implied by Blocks.Size.
func (c *Config) ArenaSize() uint64 {
	return c.Blocks.Size - abi.HeaderBytes
}
