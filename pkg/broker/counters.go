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

package broker

import (
	"sync"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
)

// Counters tracks round outcomes per operation. All methods are safe for
// concurrent use by the broker's workers.
type Counters struct {
	mu          sync.Mutex
	rounds      map[abi.Op]uint64
	errnos      map[abi.Op]uint64
	aborts      uint64
	unsupported uint64
}

func (c *Counters) init() {
	c.rounds = make(map[abi.Op]uint64)
	c.errnos = make(map[abi.Op]uint64)
}

func (c *Counters) round(op abi.Op) {
	c.mu.Lock()
	c.rounds[op]++
	c.mu.Unlock()
}

func (c *Counters) errno(op abi.Op, errno unix.Errno) {
	c.mu.Lock()
	c.rounds[op]++
	c.errnos[op]++
	c.mu.Unlock()
}

func (c *Counters) abort(op abi.Op) {
	c.mu.Lock()
	c.aborts++
	c.mu.Unlock()
}

func (c *Counters) notSupported(op abi.Op) {
	c.mu.Lock()
	c.unsupported++
	c.mu.Unlock()
}

// A CountersSnapshot is a point-in-time copy of the counters, keyed by
// operation name for presentation.
type CountersSnapshot struct {
	// Rounds counts completed reply rounds per operation, successes and
	// errno replies both.
	Rounds map[string]uint64 `json:"rounds"`

	// Errnos counts the subset of Rounds that replied with a negative
	// errno.
	Errnos map[string]uint64 `json:"errnos"`

	// Aborts counts rounds killed by boundary violations.
	Aborts uint64 `json:"aborts"`

	// NotSupported counts unknown-operation replies.
	NotSupported uint64 `json:"not_supported"`
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := CountersSnapshot{
		Rounds:       make(map[string]uint64, len(c.rounds)),
		Errnos:       make(map[string]uint64, len(c.errnos)),
		Aborts:       c.aborts,
		NotSupported: c.unsupported,
	}
	for op, n := range c.rounds {
		snap.Rounds[op.String()] = n
	}
	for op, n := range c.errnos {
		snap.Errnos[op.String()] = n
	}
	return snap
}
