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

// Package cmd implements the posternd subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// Fatalf prints an error to stderr and returns ExitFailure. Callers
// return its result so deferred cleanup still runs.
func Fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "posternd: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Environment variables describing the shared deployment to a spawned
// guest process. The block file is inherited on a fixed descriptor; the
// control page occupies the head of the file and blocks follow at
// page-aligned offsets.
const (
	GuestFDEnv     = "POSTERN_BLOCK_FD"
	GuestCountEnv  = "POSTERN_BLOCK_COUNT"
	GuestSizeEnv   = "POSTERN_BLOCK_SIZE"
	GuestOffsetEnv = "POSTERN_BLOCK_OFFSET"

	// GuestFD is the descriptor number the block file is inherited on.
	GuestFD = 3
)
