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

// Package cli is the main entrypoint for posternd.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"postern.dev/postern/posternd/cmd"
	"postern.dev/postern/posternd/config"
)

// version is stamped at build time via
// -ldflags "-X postern.dev/postern/posternd/cli.version=...".
var version = "dev"

var (
	configPath  = flag.String("config", "", "path to the posternd TOML configuration file")
	showVersion = flag.Bool("version", false, "show version and exit")
)

// Main is the main entrypoint. It returns the process exit code.
func Main() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(cmd.Serve), "")
	subcommands.Register(new(cmd.Inspect), "")
	subcommands.Register(new(cmd.Selfcheck), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "posternd version %s\n", version)
		return 0
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "posternd: %v\n", err)
		return 1
	}

	logrus.SetLevel(conf.LogLevel())
	switch conf.Log.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return int(subcommands.Execute(context.Background(), &conf))
}
