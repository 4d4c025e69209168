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

// Package doorbell provides the transport handoff primitive: a notify/wait
// pair that tells the other side of the boundary that block state has
// changed.
//
// A Bell is a monotonic sequence counter. Ringing increments it and wakes
// waiters; waiting blocks only while the counter still holds the value the
// caller last observed. This shape makes the lost-wakeup race impossible
// for callers that re-check their condition between observing the sequence
// and waiting on it:
//
//	for {
//		seq := bell.Seq()
//		if conditionMet() {
//			break
//		}
//		if err := bell.Wait(seq); err != nil {
//			return err
//		}
//	}
//
// The bell carries no payload and makes no exactly-once delivery promise of
// its own; the block handoff state words are the single authority for who
// owns what. In deployments with a real keep the bell is replaced by the
// platform's hypercall or interrupt doorbell, which must provide the same
// wake-after-ring guarantee.
package doorbell

// A Bell is one direction of the handoff transport.
//
// All methods may be called concurrently.
type Bell interface {
	// Ring increments the sequence and wakes all current waiters.
	Ring()

	// Wait blocks while the sequence equals seq. It may also return
	// spuriously; callers must re-check their condition. After Shutdown,
	// Wait returns ShutdownError.
	Wait(seq uint32) error

	// Seq returns the current sequence.
	Seq() uint32

	// Shutdown unblocks current and future waiters with ShutdownError.
	// Successive calls have no effect.
	Shutdown()
}

// A Pair is the two directions of a transport: requests travel guest to
// host, replies host to guest.
type Pair struct {
	// ToHost is rung by the guest when a request becomes ready.
	ToHost Bell

	// ToGuest is rung by the host when a reply (or abort) becomes ready.
	ToGuest Bell
}

// Shutdown shuts down both directions.
func (p Pair) Shutdown() {
	p.ToHost.Shutdown()
	p.ToGuest.Shutdown()
}

// ShutdownError is returned by Bell.Wait after Bell.Shutdown has been
// called.
type ShutdownError struct{}

// Error implements error.Error.
func (ShutdownError) Error() string {
	return "doorbell shutdown"
}
