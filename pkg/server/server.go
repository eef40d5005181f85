// Copyright (C) 2024 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/osrg/govrf/internal/pkg/table"
)

// mgmtOp serializes every mutation and query onto the Serve goroutine: the
// tables never see concurrent access.
type mgmtOp struct {
	errCh     chan error
	timestamp time.Time
	f         func() error
}

// Server owns the route leaking engine and is its only writer. All exported
// methods are safe for concurrent use; each one runs its body on the Serve
// goroutine and waits for the result.
type Server struct {
	logger   *slog.Logger
	manager  *table.Manager
	mgmtCh   chan *mgmtOp
	watchers map[uuid.UUID]*Watcher

	eventCount uint64
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger:   logger,
		manager:  table.NewManager(logger),
		mgmtCh:   make(chan *mgmtOp),
		watchers: make(map[uuid.UUID]*Watcher),
	}
}

func (s *Server) handleMGMTOp(op *mgmtOp) {
	defer func() { op.errCh <- op.f() }()
	if d := time.Since(op.timestamp); d > time.Second {
		s.logger.Warn("management operation was delayed",
			slog.String("Topic", "Server"),
			slog.Duration("Duration", d))
	}
}

func (s *Server) mgmtOperation(f func() error) (err error) {
	ch := make(chan error)
	defer func() { err = <-ch }()
	s.mgmtCh <- &mgmtOp{
		f:         f,
		errCh:     ch,
		timestamp: time.Now(),
	}
	return
}

// Serve runs the event dispatcher until ctx is cancelled. Exactly one Serve
// must be running for the exported methods to make progress.
func (s *Server) Serve(ctx context.Context) {
	s.logger.Info("serving",
		slog.String("Topic", "Server"))
	for {
		select {
		case <-ctx.Done():
			for _, w := range s.watchers {
				w.ch.Close()
			}
			s.watchers = make(map[uuid.UUID]*Watcher)
			s.logger.Info("stopped",
				slog.String("Topic", "Server"))
			return
		case op := <-s.mgmtCh:
			s.handleMGMTOp(op)
			s.notifyWatchers()
		}
	}
}

// notifyWatchers fans the RIB changes of the last operation out to every
// registered watcher. Runs on the Serve goroutine.
func (s *Server) notifyWatchers() {
	evs := s.manager.DrainEvents()
	if len(evs) == 0 {
		return
	}
	s.eventCount += uint64(len(evs))
	for _, ev := range evs {
		for _, w := range s.watchers {
			w.ch.Push(ev)
		}
	}
}

func parseRD(rd string) (bgp.RouteDistinguisherInterface, error) {
	if rd == "" {
		return nil, nil
	}
	v, err := bgp.ParseRouteDistinguisher(rd)
	if err != nil {
		return nil, fmt.Errorf("invalid rd %q: %w", rd, err)
	}
	return v, nil
}

func parseRTs(rts []string) ([]bgp.ExtendedCommunityInterface, error) {
	out := make([]bgp.ExtendedCommunityInterface, 0, len(rts))
	for _, rt := range rts {
		v, err := bgp.ParseRouteTarget(rt)
		if err != nil {
			return nil, fmt.Errorf("invalid route target %q: %w", rt, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// AddVrf registers a VRF. RD and route targets are optional at creation
// time and may be supplied later.
func (s *Server) AddVrf(name string, id uint32, rd string, importRt, exportRt []string) error {
	rdV, err := parseRD(rd)
	if err != nil {
		return err
	}
	imp, err := parseRTs(importRt)
	if err != nil {
		return err
	}
	exp, err := parseRTs(exportRt)
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		if err := s.manager.AddVrf(name, id); err != nil {
			return err
		}
		if len(imp) > 0 {
			if err := s.manager.AddVrfRt(name, table.RT_IMPORT, imp); err != nil {
				return err
			}
		}
		if len(exp) > 0 {
			if err := s.manager.AddVrfRt(name, table.RT_EXPORT, exp); err != nil {
				return err
			}
		}
		if rdV != nil {
			return s.manager.SetVrfRD(name, rdV)
		}
		return nil
	})
}

func (s *Server) DeleteVrf(name string) error {
	return s.mgmtOperation(func() error {
		return s.manager.DeleteVrf(name)
	})
}

func (s *Server) SetVrfRD(name, rd string) error {
	rdV, err := parseRD(rd)
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		return s.manager.SetVrfRD(name, rdV)
	})
}

func (s *Server) AddVrfRT(name string, dir table.RtDirection, rts []string) error {
	v, err := parseRTs(rts)
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		return s.manager.AddVrfRt(name, dir, v)
	})
}

func (s *Server) DeleteVrfRT(name string, dir table.RtDirection, rts []string) error {
	v, err := parseRTs(rts)
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		return s.manager.DeleteVrfRt(name, dir, v)
	})
}

func (s *Server) AddInterface(vrf, name string, up bool) error {
	return s.mgmtOperation(func() error {
		return s.manager.AddInterface(vrf, name, up)
	})
}

func (s *Server) DeleteInterface(name string) error {
	return s.mgmtOperation(func() error {
		return s.manager.DeleteInterface(name)
	})
}

func (s *Server) SetInterfaceState(name string, up bool) error {
	return s.mgmtOperation(func() error {
		return s.manager.SetInterfaceState(name, up)
	})
}

// PathArguments names a route the way operators write one: strings in,
// parsed and validated before the dispatcher ever sees them.
type PathArguments struct {
	Vrf       string
	Prefix    string
	Protocol  string
	Interface string
	Gateway   string
	Metric    uint32
}

func (a *PathArguments) toPath() (*table.Path, error) {
	prefix, err := netip.ParsePrefix(a.Prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix %q: %w", a.Prefix, err)
	}
	protocol, err := table.ParseProtocol(a.Protocol)
	if err != nil {
		return nil, err
	}
	nh := table.Nexthop{Interface: a.Interface}
	if a.Gateway != "" {
		gw, err := netip.ParseAddr(a.Gateway)
		if err != nil {
			return nil, fmt.Errorf("invalid gateway %q: %w", a.Gateway, err)
		}
		nh.Gateway = gw
	}
	p := table.NewPath(a.Vrf, prefix.Masked(), protocol, nh, false)
	p.SetMetric(a.Metric)
	return p, nil
}

func (s *Server) AddPath(args *PathArguments) error {
	p, err := args.toPath()
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		return s.manager.AddPath(args.Vrf, p)
	})
}

func (s *Server) DeletePath(vrf, prefix, protocol string) error {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fmt.Errorf("invalid prefix %q: %w", prefix, err)
	}
	proto, err := table.ParseProtocol(protocol)
	if err != nil {
		return err
	}
	return s.mgmtOperation(func() error {
		return s.manager.DeletePath(vrf, pfx.Masked(), proto)
	})
}

func (s *Server) GetRib(vrf string) (rib map[string][]*table.RouteJSON, err error) {
	err2 := s.mgmtOperation(func() error {
		rib, err = s.manager.GetRib(vrf)
		return err
	})
	if err == nil {
		err = err2
	}
	return rib, err
}

func (s *Server) GetAllRibs() (ribs map[string]map[string][]*table.RouteJSON) {
	_ = s.mgmtOperation(func() error {
		ribs = s.manager.GetAllRibs()
		return nil
	})
	return ribs
}

func (s *Server) GetVpnTable() (t map[string][]*table.VpnRouteJSON) {
	_ = s.mgmtOperation(func() error {
		t = s.manager.GetVpnTable()
		return nil
	})
	return t
}

func (s *Server) ListVrfs() (vrfs []*table.VrfJSON) {
	_ = s.mgmtOperation(func() error {
		vrfs = s.manager.ListVrfs()
		return nil
	})
	return vrfs
}

func (s *Server) ListInterfaces() (ifs []*table.InterfaceJSON) {
	_ = s.mgmtOperation(func() error {
		ifs = s.manager.ListInterfaces()
		return nil
	})
	return ifs
}
