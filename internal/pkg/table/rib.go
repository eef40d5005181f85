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

package table

import (
	"log/slog"
	"net"
	"net/netip"
	"sort"

	"github.com/k-sone/critbitgo"
	"github.com/segmentio/fasthash/fnv1a"
)

// used internally, should not be aliased
type addrPrefixKey uint64

func prefixKey(p netip.Prefix) addrPrefixKey {
	h := fnv1a.Init64
	h = fnv1a.AddBytes64(h, p.Addr().AsSlice())
	h = fnv1a.AddBytes64(h, []byte{uint8(p.Bits())})
	return addrPrefixKey(h)
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

type Destinations map[addrPrefixKey][]*Destination

func (d Destinations) Get(prefix netip.Prefix) *Destination {
	for _, dest := range d[prefixKey(prefix)] {
		if dest.prefix == prefix {
			return dest
		}
	}
	return nil
}

func (d Destinations) InsertUpdate(dest *Destination) (collision bool) {
	key := prefixKey(dest.prefix)
	list, ok := d[key]
	if !ok {
		d[key] = []*Destination{dest}
		return false
	}
	for i, v := range list {
		if v.prefix == dest.prefix {
			d[key][i] = dest
			return false
		}
	}
	d[key] = append(list, dest)
	return true
}

func (d Destinations) Remove(prefix netip.Prefix) {
	key := prefixKey(prefix)
	for i, v := range d[key] {
		if v.prefix == prefix {
			d[key] = append(d[key][:i], d[key][i+1:]...)
			if len(d[key]) == 0 {
				delete(d, key)
			}
			return
		}
	}
}

// Table is one VRF's local RIB. It is only ever mutated from the event
// dispatcher's execution context; readers get copies.
type Table struct {
	name         string
	destinations Destinations
	trie         *critbitgo.Net
	logger       *slog.Logger
}

func NewTable(logger *slog.Logger, name string, dsts ...*Destination) *Table {
	t := &Table{
		name:         name,
		destinations: make(Destinations),
		trie:         critbitgo.NewNet(),
		logger:       logger,
	}
	for _, dst := range dsts {
		t.setDestination(dst)
	}
	return t
}

func (t *Table) GetName() string {
	return t.name
}

func (t *Table) setDestination(dst *Destination) {
	if collision := t.destinations.InsertUpdate(dst); collision {
		t.logger.Warn("insert collision detected",
			slog.String("Topic", "Table"),
			slog.String("Key", t.name),
			slog.String("Prefix", dst.prefix.String()))
	}
	_ = t.trie.Add(prefixToIPNet(dst.prefix), dst)
}

func (t *Table) deleteDest(dest *Destination) {
	t.destinations.Remove(dest.prefix)
	_, _, _ = t.trie.Delete(prefixToIPNet(dest.prefix))
}

func (t *Table) getOrCreateDest(prefix netip.Prefix) *Destination {
	dest := t.destinations.Get(prefix)
	if dest == nil {
		t.logger.Debug("create Destination",
			slog.String("Topic", "Table"),
			slog.String("Key", t.name),
			slog.String("Prefix", prefix.String()))
		dest = NewDestination(prefix)
		t.setDestination(dest)
	}
	return dest
}

// Update merges newPath into the RIB and returns the selection change.
func (t *Table) Update(newPath *Path) *Update {
	dst := t.getOrCreateDest(newPath.GetPrefix())
	u := dst.Calculate(t.logger, newPath)
	if len(dst.knownPathList) == 0 {
		t.deleteDest(dst)
	}
	return u
}

func (t *Table) GetDestination(prefix netip.Prefix) *Destination {
	return t.destinations.Get(prefix)
}

// GetDestinations returns all destinations ordered by prefix, so that dumps
// and walks are reproducible.
func (t *Table) GetDestinations() []*Destination {
	d := make([]*Destination, 0, len(t.destinations))
	for _, dests := range t.destinations {
		d = append(d, dests...)
	}
	sort.Slice(d, func(i, j int) bool {
		return d[i].prefix.String() < d[j].prefix.String()
	})
	return d
}

// LongestMatch returns the most specific destination covering addr, used to
// resolve gatewayed statics against the originating VRF's table.
func (t *Table) LongestMatch(addr netip.Addr) *Destination {
	_, v, err := t.trie.MatchIP(net.IP(addr.AsSlice()))
	if err != nil || v == nil {
		return nil
	}
	return v.(*Destination)
}

func (t *Table) Bests() []*Path {
	paths := make([]*Path, 0, len(t.destinations))
	for _, dst := range t.GetDestinations() {
		if path := dst.GetBestPath(); path != nil {
			paths = append(paths, path)
		}
	}
	return paths
}

func (t *Table) Info() *TableInfo {
	numP := 0
	for _, dests := range t.destinations {
		for _, d := range dests {
			numP += len(d.knownPathList)
		}
	}
	return &TableInfo{
		NumDestination: len(t.destinations),
		NumPath:        numP,
	}
}

type TableInfo struct {
	NumDestination int
	NumPath        int
}
