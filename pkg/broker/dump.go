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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/frame"
	"postern.dev/postern/pkg/mux"
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): the same aborted round always produces identical dump
// bytes, which makes dumps diffable across reproductions.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR,
// ignoring unknown fields for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("broker: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("broker: CBOR decoder initialization failed: " + err.Error())
	}
}

// A Dump is the postmortem record of an aborted round: the frame as the
// host decoded it, and the raw arena bytes at the moment of the abort.
type Dump struct {
	Time    time.Time           `cbor:"time"`
	Slot    int                 `cbor:"slot"`
	State   uint32              `cbor:"state"`
	Version uint32              `cbor:"version"`
	Op      uint64              `cbor:"op"`
	Args    [abi.NumArgs]uint64 `cbor:"args"`
	Reason  string              `cbor:"reason"`

	// ArenaSize is the uncompressed arena length; Arena holds the
	// zstd-compressed arena bytes.
	ArenaSize uint64 `cbor:"arena_size"`
	Arena     []byte `cbor:"arena"`
}

// A DumpWriter writes abort dumps into a directory, one file per aborted
// round.
type DumpWriter struct {
	dir string
	enc *zstd.Encoder

	mu  sync.Mutex
	seq uint64
}

// NewDumpWriter returns a DumpWriter rooted at dir, creating it if
// needed.
func NewDumpWriter(dir string) (*DumpWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd: %w", err)
	}
	return &DumpWriter{dir: dir, enc: enc}, nil
}

// Write records the aborted round on s and returns the dump file path.
// It reads the block's header and arena but never mutates them; the guest
// still owns the forcible reset.
func (w *DumpWriter) Write(s *mux.Slot, req frame.Request, cause error) (string, error) {
	blk := s.Block()
	arena := blk.ArenaBytes()
	d := Dump{
		Time:      time.Now().UTC(),
		Slot:      s.Index(),
		State:     uint32(blk.State()),
		Version:   blk.Version(),
		Op:        uint64(req.Op),
		Args:      req.Args,
		Reason:    cause.Error(),
		ArenaSize: uint64(len(arena)),
		Arena:     w.enc.EncodeAll(arena, nil),
	}
	raw, err := encMode.Marshal(&d)
	if err != nil {
		return "", fmt.Errorf("encoding dump: %w", err)
	}

	w.mu.Lock()
	w.seq++
	name := fmt.Sprintf("round-%s-%04d.dump", d.Time.Format("20060102T150405"), w.seq)
	w.mu.Unlock()

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("writing dump: %w", err)
	}
	return path, nil
}

// ReadDump decodes a dump file and returns the record together with the
// decompressed arena bytes.
func ReadDump(path string) (*Dump, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var d Dump
	if err := decMode.Unmarshal(raw, &d); err != nil {
		return nil, nil, fmt.Errorf("decoding dump %q: %w", path, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()
	arena, err := dec.DecodeAll(d.Arena, make([]byte, 0, d.ArenaSize))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing arena of %q: %w", path, err)
	}
	return &d, arena, nil
}
