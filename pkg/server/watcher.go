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
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/osrg/govrf/internal/pkg/channels"
	"github.com/osrg/govrf/internal/pkg/table"
)

// Watcher is one subscription to RIB changes. Events are buffered without
// bound between the dispatcher and the consumer, so a slow consumer never
// stalls route processing.
type Watcher struct {
	id  uuid.UUID
	ch  *channels.InfiniteChannel
	out chan *table.RibEvent
}

// Event returns the channel the subscription delivers on. It is closed when
// the watcher is stopped or the server shuts down.
func (w *Watcher) Event() <-chan *table.RibEvent {
	return w.out
}

func (w *Watcher) loop() {
	for ev := range w.ch.Out() {
		w.out <- ev.(*table.RibEvent)
	}
	close(w.out)
}

// Watch registers a new RIB change subscription.
func (s *Server) Watch() (*Watcher, error) {
	w := &Watcher{
		id:  uuid.New(),
		ch:  channels.NewInfiniteChannel(),
		out: make(chan *table.RibEvent),
	}
	err := s.mgmtOperation(func() error {
		s.watchers[w.id] = w
		s.logger.Debug("watcher added",
			slog.String("Topic", "Server"),
			slog.String("Key", w.id.String()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	go w.loop()
	return w, nil
}

// StopWatch tears the subscription down; its Event channel is closed once
// buffered events have been delivered.
func (s *Server) StopWatch(w *Watcher) error {
	return s.mgmtOperation(func() error {
		if _, ok := s.watchers[w.id]; !ok {
			return fmt.Errorf("watcher %s not found", w.id)
		}
		delete(s.watchers, w.id)
		w.ch.Close()
		s.logger.Debug("watcher removed",
			slog.String("Topic", "Server"),
			slog.String("Key", w.id.String()))
		return nil
	})
}
