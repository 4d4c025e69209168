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

package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"postern.dev/postern/pkg/broker"
	"postern.dev/postern/pkg/mux"
)

// A Server serves debug state over a unix socket:
//
//	GET /blocks   block header snapshots, JSON
//	GET /counters round counters, JSON
//	GET /metrics  round counters, Prometheus text format
//	GET /healthz  liveness probe
type Server struct {
	m   *mux.Mux
	b   *broker.Broker
	log *logrus.Entry

	srv http.Server
}

// Init must be called on zero-value Servers before first use. log may be
// nil.
func (s *Server) Init(m *mux.Mux, b *broker.Broker, log *logrus.Entry) {
	s.m = m
	s.b = b
	s.log = log
	if s.log == nil {
		s.log = logrus.StandardLogger().WithField("component", "inspect")
	}
	h := http.NewServeMux()
	h.HandleFunc("/blocks", s.handleBlocks)
	h.HandleFunc("/counters", s.handleCounters)
	h.HandleFunc("/metrics", s.handleMetrics)
	h.HandleFunc("/healthz", s.handleHealthz)
	s.srv.Handler = h
	s.srv.ReadTimeout = 10 * time.Second
	s.srv.WriteTimeout = 10 * time.Second
}

// NewServer is a convenience function that returns an initialized Server
// allocated on the heap.
func NewServer(m *mux.Mux, b *broker.Broker, log *logrus.Entry) *Server {
	var s Server
	s.Init(m, b, log)
	return &s
}

// Serve listens on the unix socket at path and serves until ctx is
// canceled. A stale socket file left behind by a dead process is removed
// before binding; a live listener at the path causes an error.
func (s *Server) Serve(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		// Probe before removing: only steal the path from the dead.
		if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
			c.Close()
			return fmt.Errorf("debug socket %q is in use", path)
		}
		os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on debug socket: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		s.srv.Close()
	})
	defer stop()
	defer os.Remove(path)

	s.log.WithField("socket", path).Info("debug server listening")
	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, SnapshotMux(s.m))
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.b.Counters().Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := WriteMetrics(w, s.b.Counters().Snapshot(), SnapshotMux(s.m)); err != nil {
		s.log.Warningf("writing metrics: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Warningf("writing debug response: %v", err)
	}
}
