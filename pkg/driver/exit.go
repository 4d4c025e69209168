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

// exit and exitGroup do not execute the exit in the broker; the guest's
// termination is a protocol event, not a host process event. The reply
// completes normally and the control result tells the broker to wind the
// service loop down.

// exit implements exit(2). Arguments: status.
func exit(r *Round) (uintptr, *Control, error) {
	return 0, &Control{Terminate: true, ExitCode: r.Arg(0).Int()}, nil
}

// exitGroup implements exit_group(2). Arguments: status.
func exitGroup(r *Round) (uintptr, *Control, error) {
	return 0, &Control{Terminate: true, ExitCode: r.Arg(0).Int()}, nil
}
