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

//go:build !linux

package server

import (
	"context"
	"log/slog"
)

// WatchLinks is a no-op where the kernel offers no netlink socket; interface
// state is then driven purely by the API.
func (s *Server) WatchLinks(ctx context.Context) error {
	s.logger.Warn("kernel link watching is only supported on linux",
		slog.String("Topic", "Netlink"))
	<-ctx.Done()
	return nil
}
