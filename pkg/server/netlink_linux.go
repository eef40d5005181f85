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

//go:build linux

package server

import (
	"context"
	"log/slog"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// WatchLinks mirrors kernel link state into the engine: an admin up/down of
// a registered interface becomes a SetInterfaceState call. Links the engine
// does not know about are ignored. Blocks until ctx is cancelled.
func (s *Server) WatchLinks(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	opts := netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			s.logger.Error("link subscription error",
				slog.String("Topic", "Netlink"),
				slog.String("Error", err.Error()))
		},
	}
	if err := netlink.LinkSubscribeWithOptions(updates, done, opts); err != nil {
		return err
	}
	s.logger.Info("watching kernel link state",
		slog.String("Topic", "Netlink"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			name := update.Link.Attrs().Name
			up := update.IfInfomsg.Flags&unix.IFF_UP != 0
			if err := s.SetInterfaceState(name, up); err != nil {
				// unregistered links are expected and not worth logging
				continue
			}
			s.logger.Info("kernel link state change applied",
				slog.String("Topic", "Netlink"),
				slog.String("Key", name),
				slog.Bool("Up", up))
		}
	}
}
