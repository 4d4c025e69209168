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

package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/broker"
	"postern.dev/postern/posternd/config"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	socket   string
	endpoint string
	dump     string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "query a running broker's debug socket or pretty-print an abort dump"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags]

Without --dump, inspect queries the debug socket of a running broker and
prints the response. With --dump, inspect decodes the given abort dump
file instead; no broker is needed.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.socket, "socket", "", "debug socket path (default from config)")
	f.StringVar(&i.endpoint, "endpoint", "counters", "endpoint to query: blocks, counters, metrics, healthz")
	f.StringVar(&i.dump, "dump", "", "abort dump file to pretty-print")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if i.dump != "" {
		return i.printDump()
	}
	conf := args[0].(*config.Config)
	socket := i.socket
	if socket == "" {
		socket = conf.Debug.Socket
	}
	if socket == "" {
		return Fatalf("no debug socket: pass --socket or set debug.socket in the config")
	}
	return i.query(ctx, socket)
}

// query fetches one endpoint from the debug server and copies the body
// to stdout. The dial is retried briefly so inspect can be run right
// after serve starts.
func (i *Inspect) query(ctx context.Context, socket string) subcommands.ExitStatus {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var conn net.Conn
				bo := backoff.NewExponentialBackOff()
				bo.InitialInterval = 50 * time.Millisecond
				bo.MaxElapsedTime = 5 * time.Second
				err := backoff.Retry(func() error {
					var err error
					conn, err = (&net.Dialer{}).DialContext(ctx, "unix", socket)
					return err
				}, backoff.WithContext(bo, ctx))
				return conn, err
			},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://postern/"+i.endpoint, nil)
	if err != nil {
		return Fatalf("%v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Fatalf("querying %q: %v", socket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fatalf("querying %q: %s", socket, resp.Status)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return Fatalf("reading response: %v", err)
	}
	return subcommands.ExitSuccess
}

func (i *Inspect) printDump() subcommands.ExitStatus {
	d, arena, err := broker.ReadDump(i.dump)
	if err != nil {
		return Fatalf("%v", err)
	}
	fmt.Printf("time:    %s\n", d.Time.Format(time.RFC3339Nano))
	fmt.Printf("slot:    %d\n", d.Slot)
	fmt.Printf("state:   %s\n", abi.State(d.State))
	fmt.Printf("version: %d\n", d.Version)
	fmt.Printf("op:      %s\n", abi.Op(d.Op))
	for j, a := range d.Args {
		fmt.Printf("arg%d:    %#x\n", j, a)
	}
	fmt.Printf("reason:  %s\n", d.Reason)
	fmt.Printf("arena:   %d bytes\n", len(arena))
	fmt.Print(hex.Dump(arena))
	return subcommands.ExitSuccess
}
