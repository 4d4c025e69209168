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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"postern.dev/postern/pkg/abi"
	"postern.dev/postern/pkg/block"
	"postern.dev/postern/pkg/broker"
	"postern.dev/postern/pkg/doorbell"
	"postern.dev/postern/pkg/driver"
	"postern.dev/postern/pkg/inspect"
	"postern.dev/postern/pkg/mux"
	"postern.dev/postern/posternd/config"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	// guest is the command to spawn with the block file inherited.
	guest string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "create a shared-block deployment and serve proxied requests"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags]

Serve creates the shared block file, serves proxied requests against it,
and exits when the guest terminates via exit/exit_group or on SIGINT or
SIGTERM.

With --guest, the given command is spawned with the block file inherited
on descriptor ` + fmt.Sprint(GuestFD) + `. The deployment geometry is passed in the
environment: ` + GuestCountEnv + `, ` + GuestSizeEnv + ` (page-rounded block
capacity), and ` + GuestOffsetEnv + ` (offset of block 0; the control page
holding the two doorbell words occupies the head of the file).

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.guest, "guest", "", "command to spawn with the block file inherited")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	log := logrus.StandardLogger().WithField("component", "serve")

	lock := flock.New(conf.Broker.LockFile)
	held, err := lock.TryLock()
	if err != nil {
		return Fatalf("locking %q: %v", conf.Broker.LockFile, err)
	}
	if !held {
		return Fatalf("another broker holds %q", conf.Broker.LockFile)
	}
	defer lock.Unlock()

	d, err := newDeployment(conf)
	if err != nil {
		return Fatalf("%v", err)
	}
	defer d.destroy()

	policy, err := conf.DriverPolicy()
	if err != nil {
		return Fatalf("%v", err)
	}
	opts := broker.Options{Workers: conf.Broker.Workers}
	if conf.Debug.DumpDir != "" {
		opts.Dumps, err = broker.NewDumpWriter(conf.Debug.DumpDir)
		if err != nil {
			return Fatalf("%v", err)
		}
	}
	b := broker.New(d.m, driver.NewTable(policy), opts)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return b.Serve(ctx)
	})
	if conf.Debug.Socket != "" {
		srv := inspect.NewServer(d.m, b, nil)
		g.Go(func() error {
			return srv.Serve(ctx, conf.Debug.Socket)
		})
	}
	if s.guest != "" {
		if err := s.spawnGuest(ctx, g, d, cancel, log); err != nil {
			cancel()
			g.Wait()
			return Fatalf("%v", err)
		}
	}

	log.WithField("blocks", d.m.NumSlots()).Info("serving")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return Fatalf("serving: %v", err)
	}
	if code, done := b.ExitCode(); done {
		log.WithField("code", code).Info("guest exited")
		if code != 0 {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// spawnGuest launches the guest command with the block file on GuestFD
// and the deployment geometry in its environment.
func (s *Serve) spawnGuest(ctx context.Context, g *errgroup.Group, d *deployment, cancel context.CancelFunc, log *logrus.Entry) error {
	parts := strings.Fields(s.guest)
	if len(parts) == 0 {
		return errors.New("empty guest command")
	}
	child := exec.Command(parts[0], parts[1:]...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{os.NewFile(uintptr(d.file.FD()), "postern-blocks")}
	child.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", GuestFDEnv, GuestFD),
		fmt.Sprintf("%s=%d", GuestCountEnv, len(d.blocks)),
		fmt.Sprintf("%s=%d", GuestSizeEnv, d.blockLen),
		fmt.Sprintf("%s=%d", GuestOffsetEnv, d.blockBase),
	)
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawning guest: %w", err)
	}
	log.WithField("pid", child.Process.Pid).Info("guest spawned")
	killer := context.AfterFunc(ctx, func() {
		child.Process.Kill()
	})
	g.Go(func() error {
		defer killer()
		defer cancel()
		if err := child.Wait(); err != nil && ctx.Err() == nil {
			log.Warningf("guest process: %v", err)
		}
		return nil
	})
	return nil
}

// A deployment is the serve command's shared state: the block file, the
// control page carrying the doorbell words, and the mapped block pool.
type deployment struct {
	file    *block.File
	control []byte
	blocks  []*block.Block

	// blockBase and blockLen describe the file geometry for spawned
	// guests: block i begins at blockBase + i*blockLen.
	blockBase int64
	blockLen  int

	m *mux.Mux
}

func newDeployment(conf *config.Config) (*deployment, error) {
	f, err := block.NewFile("postern-blocks")
	if err != nil {
		return nil, err
	}
	d := &deployment{file: f}

	// The control page is carved first so it sits at the head of the
	// file, where the guest expects it.
	ctrl, err := f.Allocate(os.Getpagesize())
	if err != nil {
		d.destroy()
		return nil, fmt.Errorf("allocating control page: %w", err)
	}
	d.control, err = mapControl(ctrl)
	if err != nil {
		d.destroy()
		return nil, fmt.Errorf("mapping control page: %w", err)
	}
	d.blockBase = ctrl.Offset + int64(ctrl.Length)

	for i := 0; i < conf.Blocks.Count; i++ {
		desc, err := f.Allocate(int(conf.Blocks.Size))
		if err != nil {
			d.destroy()
			return nil, fmt.Errorf("allocating block %d: %w", i, err)
		}
		d.blockLen = desc.Length
		blk, err := block.Map(desc)
		if err != nil {
			d.destroy()
			return nil, fmt.Errorf("mapping block %d: %w", i, err)
		}
		blk.SetVersion(abi.Version)
		d.blocks = append(d.blocks, blk)
	}

	toHost, toGuest := controlWords(d.control)
	d.m, err = mux.New(d.blocks, doorbell.NewFutexPair(toHost, toGuest))
	if err != nil {
		d.destroy()
		return nil, err
	}
	return d, nil
}

func (d *deployment) destroy() {
	for _, blk := range d.blocks {
		block.Unmap(blk)
	}
	if d.control != nil {
		unmapControl(d.control)
	}
	d.file.Destroy()
}
