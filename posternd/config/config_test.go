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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posternd.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	got, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[blocks]
count = 2
size = 8192

[broker]
workers = 3
lock_file = "/tmp/postern.lock"

[debug]
socket = "/tmp/postern.sock"
dump_dir = "/tmp/postern-dumps"

[log]
level = "debug"
format = "json"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Blocks.Count != 2 || c.Blocks.Size != 8192 {
		t.Errorf("got blocks %+v, want count 2 size 8192", c.Blocks)
	}
	if c.Broker.Workers != 3 || c.Broker.LockFile != "/tmp/postern.lock" {
		t.Errorf("got broker %+v", c.Broker)
	}
	if c.Debug.Socket != "/tmp/postern.sock" || c.Debug.DumpDir != "/tmp/postern-dumps" {
		t.Errorf("got debug %+v", c.Debug)
	}
	if c.LogLevel() != logrus.DebugLevel {
		t.Errorf("got level %v, want debug", c.LogLevel())
	}
	if got, want := c.ArenaSize(), uint64(8192-64); got != want {
		t.Errorf("got arena size %d, want %d", got, want)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[blocks]
cuont = 2
`)
	if _, err := Load(path); err == nil {
		t.Errorf("Load accepted a misspelled key")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero blocks":      func(c *Config) { c.Blocks.Count = 0 },
		"header-only size": func(c *Config) { c.Blocks.Size = 64 },
		"unaligned size":   func(c *Config) { c.Blocks.Size = 8191 },
		"negative workers": func(c *Config) { c.Broker.Workers = -1 },
		"bad log level":    func(c *Config) { c.Log.Level = "chatty" },
		"bad log format":   func(c *Config) { c.Log.Format = "xml" },
		"bad domain":       func(c *Config) { c.Policy.SocketDomains = []string{"x25"} },
		"bad clock":        func(c *Config) { c.Policy.Clocks = []string{"sundial"} },
		"negative max_fd":  func(c *Config) { c.Policy.MaxFD = -5 },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate accepted %s", name)
			}
		})
	}
}

func TestDriverPolicyOverrides(t *testing.T) {
	c := Default()
	c.Policy.MaxFD = 64
	c.Policy.SocketDomains = []string{"unix"}
	c.Policy.Clocks = []string{"monotonic"}
	p, err := c.DriverPolicy()
	if err != nil {
		t.Fatalf("DriverPolicy failed: %v", err)
	}
	if p.MaxFD != 64 {
		t.Errorf("got MaxFD %d, want 64", p.MaxFD)
	}
	wantDomains := map[uint32]bool{unix.AF_UNIX: true}
	if diff := cmp.Diff(wantDomains, p.SocketDomains); diff != "" {
		t.Errorf("domains mismatch (-want +got):\n%s", diff)
	}
	wantClocks := map[uint32]bool{unix.CLOCK_MONOTONIC: true}
	if diff := cmp.Diff(wantClocks, p.Clocks); diff != "" {
		t.Errorf("clocks mismatch (-want +got):\n%s", diff)
	}
	// Unconfigured sets keep their defaults.
	if !p.FcntlCmds[unix.F_GETFD] {
		t.Errorf("fcntl defaults were dropped")
	}
}
