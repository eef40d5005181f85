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
	"sort"
	"time"
)

// NexthopJSON mirrors the fields frr renders per nexthop, so that existing
// tooling comparing route dumps keeps working.
type NexthopJSON struct {
	Ip            string `json:"ip,omitempty"`
	InterfaceName string `json:"interfaceName,omitempty"`
	Vrf           string `json:"vrf,omitempty"`
	Active        bool   `json:"active"`
	Fib           bool   `json:"fib"`
}

// RouteJSON is one candidate path in a RIB dump.
type RouteJSON struct {
	Prefix       string         `json:"prefix"`
	Protocol     string         `json:"protocol"`
	Selected     bool           `json:"selected,omitempty"`
	Distance     uint8          `json:"distance"`
	Metric       uint32         `json:"metric"`
	Uptime       float64        `json:"uptime"`
	Nexthops     []*NexthopJSON `json:"nexthops"`
	OriginVrf    string         `json:"originVrf,omitempty"`
	RouteTargets []string       `json:"routeTargets,omitempty"`
}

// VpnRouteJSON is one VPN table entry: a RouteJSON plus its RD and the VRFs
// currently holding a derived copy.
type VpnRouteJSON struct {
	RouteJSON
	Rd        string   `json:"rd"`
	Importers []string `json:"importedBy,omitempty"`
}

// VrfJSON summarizes one VRF's configuration and table size.
type VrfJSON struct {
	Name       string   `json:"name"`
	Id         uint32   `json:"id"`
	Rd         string   `json:"rd,omitempty"`
	ImportRt   []string `json:"importRt,omitempty"`
	ExportRt   []string `json:"exportRt,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
	NumRoutes  int      `json:"numRoutes"`
}

// InterfaceJSON is one link's registration state.
type InterfaceJSON struct {
	Name string `json:"name"`
	Vrf  string `json:"vrf"`
	Up   bool   `json:"up"`
}

func routeJSON(p *Path, selected bool) *RouteJSON {
	nh := p.GetNexthop()
	nhj := &NexthopJSON{
		InterfaceName: nh.Interface,
		Vrf:           nh.VRF,
		Active:        !p.IsNexthopInvalid,
		Fib:           selected,
	}
	if nh.Gateway.IsValid() {
		nhj.Ip = nh.Gateway.String()
	}
	r := &RouteJSON{
		Prefix:   p.GetPrefix().String(),
		Protocol: p.GetProtocol().String(),
		Selected: selected,
		Distance: p.GetDistance(),
		Metric:   p.GetMetric(),
		Uptime:   time.Since(p.GetTimestamp()).Seconds(),
		Nexthops: []*NexthopJSON{nhj},
	}
	if !p.IsLocal() {
		r.OriginVrf = p.GetOriginVrf()
		rts := p.GetRouteTargets()
		r.RouteTargets = make([]string, 0, len(rts))
		for _, rt := range rts {
			r.RouteTargets = append(r.RouteTargets, rt.String())
		}
	}
	return r
}

// GetRib renders one VRF's RIB keyed by prefix, every known path included,
// the selected one flagged. The result shares nothing with live tables.
func (m *Manager) GetRib(vrfName string) (map[string][]*RouteJSON, error) {
	v, ok := m.vrfs[vrfName]
	if !ok {
		return nil, fmt.Errorf("vrf %s not found", vrfName)
	}
	return ribJSON(v), nil
}

func ribJSON(v *Vrf) map[string][]*RouteJSON {
	out := make(map[string][]*RouteJSON)
	for _, dest := range v.Rib.GetDestinations() {
		best := dest.GetBestPath()
		routes := make([]*RouteJSON, 0, len(dest.GetAllKnownPathList()))
		for _, p := range dest.GetAllKnownPathList() {
			routes = append(routes, routeJSON(p, p == best))
		}
		out[dest.GetPrefix().String()] = routes
	}
	return out
}

// GetAllRibs renders every VRF's RIB, keyed by VRF name. A VRF's entry in
// this dump is identical to what GetRib for that VRF alone returns.
func (m *Manager) GetAllRibs() map[string]map[string][]*RouteJSON {
	out := make(map[string]map[string][]*RouteJSON, len(m.vrfs))
	for name, v := range m.vrfs {
		out[name] = ribJSON(v)
	}
	return out
}

// GetVpnTable renders the shared table grouped by RD, prefixes sorted.
func (m *Manager) GetVpnTable() map[string][]*VpnRouteJSON {
	out := make(map[string][]*VpnRouteJSON)
	for _, key := range m.vpn.Keys() {
		dest := m.vpn.Get(key)
		if dest == nil {
			continue
		}
		importers := m.vpn.Importers(key).ToSlice()
		sort.Strings(importers)
		for i, p := range dest.GetAllKnownPathList() {
			r := &VpnRouteJSON{
				RouteJSON: *routeJSON(p, i == 0 && !p.IsNexthopInvalid),
				Rd:        key.rd,
			}
			r.OriginVrf = p.GetOriginVrf()
			if i == 0 {
				r.Importers = importers
			}
			rts := p.GetRouteTargets()
			r.RouteTargets = make([]string, 0, len(rts))
			for _, rt := range rts {
				r.RouteTargets = append(r.RouteTargets, rt.String())
			}
			out[key.rd] = append(out[key.rd], r)
		}
	}
	return out
}

// ListVrfs returns the registry sorted by name.
func (m *Manager) ListVrfs() []*VrfJSON {
	out := make([]*VrfJSON, 0, len(m.vrfs))
	for _, v := range m.vrfs {
		ifs := v.Interfaces.ToSlice()
		sort.Strings(ifs)
		out = append(out, &VrfJSON{
			Name:       v.Name,
			Id:         v.Id,
			Rd:         v.RdString(),
			ImportRt:   v.ImportRt.Strings(),
			ExportRt:   v.ExportRt.Strings(),
			Interfaces: ifs,
			NumRoutes:  v.Rib.Info().NumDestination,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListInterfaces returns every registered link sorted by name.
func (m *Manager) ListInterfaces() []*InterfaceJSON {
	out := make([]*InterfaceJSON, 0, len(m.interfaces))
	for _, iface := range m.interfaces {
		out = append(out, &InterfaceJSON{Name: iface.Name, Vrf: iface.VRF, Up: iface.Up})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VpnInfo exposes the shared table's size for metrics collection.
func (m *Manager) VpnInfo() *TableInfo {
	return m.vpn.Info()
}

// VrfInfo exposes one VRF's table size for metrics collection, nil when the
// VRF does not exist.
func (m *Manager) VrfInfo(name string) *TableInfo {
	v, ok := m.vrfs[name]
	if !ok {
		return nil
	}
	return v.Rib.Info()
}
