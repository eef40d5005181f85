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
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// vpnKey identifies one VPN table entry. The RD is carried as its canonical
// string form so the key stays comparable and usable as a set element.
type vpnKey struct {
	rd     string
	prefix netip.Prefix
}

func (k vpnKey) String() string {
	return fmt.Sprintf("%s:%s", k.rd, k.prefix)
}

func newVpnKey(p *Path) vpnKey {
	return vpnKey{rd: p.rdString(), prefix: p.GetPrefix()}
}

// VpnTable is the shared intermediate table every VRF exports into, keyed by
// (RD, prefix). Each entry corresponds to exactly one still-existing export
// from some active VRF; withdrawal of the source removes it immediately.
// Alongside the entries it tracks which VRFs currently hold a derived copy,
// so that retraction never needs a scan over all VRFs.
type VpnTable struct {
	destinations map[vpnKey]*Destination
	importers    map[vpnKey]mapset.Set[string]
	logger       *slog.Logger
}

func NewVpnTable(logger *slog.Logger) *VpnTable {
	return &VpnTable{
		destinations: make(map[vpnKey]*Destination),
		importers:    make(map[vpnKey]mapset.Set[string]),
		logger:       logger,
	}
}

// Update merges a tagged path into the table. The path must carry an RD.
func (t *VpnTable) Update(newPath *Path) *Update {
	key := newVpnKey(newPath)
	dst, ok := t.destinations[key]
	if !ok {
		t.logger.Debug("create VPN destination",
			slog.String("Topic", "Vpn"),
			slog.String("Key", key.String()))
		dst = NewDestination(newPath.GetPrefix())
		t.destinations[key] = dst
	}
	u := dst.Calculate(t.logger, newPath)
	if len(dst.knownPathList) == 0 {
		delete(t.destinations, key)
	}
	return u
}

func (t *VpnTable) Get(key vpnKey) *Destination {
	return t.destinations[key]
}

// Best returns the preferred entry at key even when its nexthop is
// unresolved: unreachable VPN entries still exist, they are just not
// installable.
func (t *VpnTable) Best(key vpnKey) *Path {
	dst, ok := t.destinations[key]
	if !ok || len(dst.knownPathList) == 0 {
		return nil
	}
	return dst.knownPathList[0]
}

func (t *VpnTable) Keys() []vpnKey {
	keys := make([]vpnKey, 0, len(t.destinations))
	for key := range t.destinations {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (t *VpnTable) Importers(key vpnKey) mapset.Set[string] {
	if s, ok := t.importers[key]; ok {
		return s
	}
	return mapset.NewThreadUnsafeSet[string]()
}

func (t *VpnTable) SetImporters(key vpnKey, vrfs mapset.Set[string]) {
	if vrfs.IsEmpty() {
		delete(t.importers, key)
		return
	}
	t.importers[key] = vrfs
}

// DropImporter forgets one VRF from every importer record, used when that
// VRF is deleted and its RIB disappears wholesale.
func (t *VpnTable) DropImporter(name string) {
	for key, s := range t.importers {
		s.Remove(name)
		if s.IsEmpty() {
			delete(t.importers, key)
		}
	}
}

func (t *VpnTable) Info() *TableInfo {
	numP := 0
	for _, d := range t.destinations {
		numP += len(d.knownPathList)
	}
	return &TableInfo{
		NumDestination: len(t.destinations),
		NumPath:        numP,
	}
}
