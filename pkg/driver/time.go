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

package driver

import (
	"golang.org/x/sys/unix"
)

// timespecBytes is the wire size of a timespec output: i64 seconds
// followed by i64 nanoseconds.
const timespecBytes = 16

// clockGettime implements clock_gettime(2). Arguments: clock ID, timespec
// output offset.
func clockGettime(r *Round) (uintptr, *Control, error) {
	clockID := r.Arg(0).Uint()
	if err := r.Policy.CheckClock(clockID); err != nil {
		return 0, nil, err
	}
	out, err := r.Res.ResolveNonEmpty(r.Arg(1).Offset(), timespecBytes)
	if err != nil {
		return 0, nil, err
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(clockID), &ts); err != nil {
		return 0, nil, err
	}
	endian.PutUint64(out, uint64(ts.Sec))
	endian.PutUint64(out[8:], uint64(ts.Nsec))
	return 0, nil, nil
}
