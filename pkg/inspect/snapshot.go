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

// Package inspect exposes read-only views of broker state for debugging:
// block header snapshots and round counters, served over a unix-socket
// HTTP server.
//
// Everything here observes and nothing mutates: a snapshot must never
// advance allocator or handoff state, no matter who asks.
package inspect

import (
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/mux"
)

// A BlockSnapshot is a point-in-time copy of one slot's block header.
type BlockSnapshot struct {
	Slot     int    `json:"slot"`
	State    string `json:"state"`
	StateRaw uint32 `json:"state_raw"`
	Version  uint32 `json:"version"`

	// Words are the raw frame words; their interpretation depends on the
	// round's direction at snapshot time.
	Words [abi.NumWords]uint64 `json:"words"`

	Capacity uint64 `json:"capacity"`

	// ArenaHighWater is this side's staging mark for the slot.
	ArenaHighWater uint64 `json:"arena_high_water"`
}

// SnapshotSlot copies the header of one slot. The block may be carrying a
// live round; the snapshot is a consistent read of each field, not of the
// header as a whole.
func SnapshotSlot(s *mux.Slot) BlockSnapshot {
	blk := s.Block()
	st := blk.State()
	snap := BlockSnapshot{
		Slot:           s.Index(),
		State:          st.String(),
		StateRaw:       uint32(st),
		Version:        blk.Version(),
		Capacity:       blk.Capacity(),
		ArenaHighWater: s.Arena().HighWaterMark(),
	}
	for i := range snap.Words {
		snap.Words[i] = blk.Word(i)
	}
	return snap
}

// SnapshotMux copies the headers of every slot in m.
func SnapshotMux(m *mux.Mux) []BlockSnapshot {
	snaps := make([]BlockSnapshot, m.NumSlots())
	for i := range snaps {
		snaps[i] = SnapshotSlot(m.Slot(i))
	}
	return snaps
}
