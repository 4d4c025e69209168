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

// Package frame encodes and decodes the fixed-size request and reply
// frames at the front of a block.
//
// The codec validates frame shape only, never operation semantics: whether
// an argument slot holds an inline scalar or an arena (offset, length) pair
// is fixed per operation by the driver's signature, and resolving arena
// references is the drivers' job. The reply overlays the request words, so
// a frame is written once per round and read-only until overwritten by the
// reply.
package frame

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
)

// ErrBadVersion indicates a frame whose protocol version tag does not
// match this implementation. Version skew means the two sides disagree
// about the wire layout, so it is fatal to the round.
var ErrBadVersion = errors.New("frame: protocol version mismatch")

// A Request is the decoded form of a request frame. Argument slots
// referencing arena data are left as unresolved (offset, length) pairs;
// resolving them to bytes happens only inside a driver, through the
// boundary validator.
type Request struct {
	// Op selects the driver.
	Op abi.Op

	// Args are the raw argument slots, in the proxied calling convention's
	// order.
	Args [abi.NumArgs]uint64
}

// A Reply is the decoded form of a reply frame.
type Reply struct {
	// Result is the primary result: non-negative on success, a negative
	// errno on a recoverable failure.
	Result int64

	// Aux carries a secondary value when the operation defines one.
	Aux uint64
}

// EncodeRequest writes req into b's header, stamping the protocol version.
func EncodeRequest(b *block.Block, req Request) {
	b.SetVersion(abi.Version)
	b.SetWord(0, uint64(req.Op))
	for i, arg := range req.Args {
		b.SetWord(1+i, arg)
	}
}

// DecodeRequest reads b's header back into structured form. No payload
// bytes are copied or resolved.
func DecodeRequest(b *block.Block) (Request, error) {
	if v := b.Version(); v != abi.Version {
		return Request{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, v, abi.Version)
	}
	var req Request
	req.Op = abi.Op(b.Word(0))
	for i := range req.Args {
		req.Args[i] = b.Word(1 + i)
	}
	return req, nil
}

// EncodeReply writes rep into b's header, overwriting the request words.
func EncodeReply(b *block.Block, rep Reply) {
	b.SetVersion(abi.Version)
	b.SetWord(0, uint64(rep.Result))
	b.SetWord(1, rep.Aux)
}

// EncodeNotSupported writes the reply for an operation number with no
// matching driver: a plain ENOSYS result delivered through the normal
// reply path, so the guest can react to an unimplemented operation the
// same way it would to any other errno.
func EncodeNotSupported(b *block.Block) {
	EncodeReply(b, Reply{Result: -int64(unix.ENOSYS)})
}

// DecodeReply reads a reply frame back into structured form.
func DecodeReply(b *block.Block) (Reply, error) {
	if v := b.Version(); v != abi.Version {
		return Reply{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, v, abi.Version)
	}
	return Reply{
		Result: int64(b.Word(0)),
		Aux:    b.Word(1),
	}, nil
}
