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
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

type RtDirection uint8

const (
	RT_IMPORT RtDirection = iota
	RT_EXPORT
)

func (d RtDirection) String() string {
	if d == RT_IMPORT {
		return "import"
	}
	return "export"
}

// Interface is one link the engine knows about. Reachability of every path
// resolving through it follows its admin state.
type Interface struct {
	Name string
	VRF  string
	Up   bool
}

// RibEvent describes one observable change to some VRF's RIB: Best is the
// new selected path for the prefix, nil when the prefix lost its selection
// or disappeared.
type RibEvent struct {
	Vrf    string
	Prefix netip.Prefix
	Best   *Path
}

// Manager owns the VRF registry, the shared VPN table and the dependency
// index. It must only ever be driven from a single execution context; the
// server's event dispatcher provides that discipline.
type Manager struct {
	logger     *slog.Logger
	vrfs       map[string]*Vrf
	interfaces map[string]*Interface
	vpn        *VpnTable
	index      *DependencyIndex
	pending    []*RibEvent
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger,
		vrfs:       make(map[string]*Vrf),
		interfaces: make(map[string]*Interface),
		vpn:        NewVpnTable(logger),
		index:      NewDependencyIndex(),
	}
}

// DrainEvents returns the RIB changes accumulated since the last drain.
func (m *Manager) DrainEvents() []*RibEvent {
	evs := m.pending
	m.pending = nil
	return evs
}

func (m *Manager) emit(vrf string, u *Update) {
	ob, nb := u.OldBest(), u.Best()
	if ob == nb {
		return
	}
	if ob != nil && nb != nil && ob.HasSameAttributes(nb) {
		return
	}
	var prefix netip.Prefix
	if nb != nil {
		prefix = nb.GetPrefix()
	} else if ob != nil {
		prefix = ob.GetPrefix()
	} else if len(u.OldKnownPathList) != 0 {
		prefix = u.OldKnownPathList[0].GetPrefix()
	} else if len(u.KnownPathList) != 0 {
		prefix = u.KnownPathList[0].GetPrefix()
	} else {
		return
	}
	m.pending = append(m.pending, &RibEvent{Vrf: vrf, Prefix: prefix, Best: nb})
}

func (m *Manager) GetVrf(name string) *Vrf {
	return m.vrfs[name]
}

func (m *Manager) AddVrf(name string, id uint32) error {
	if _, ok := m.vrfs[name]; ok {
		return fmt.Errorf("vrf %s already exists", name)
	}
	m.logger.Info("add vrf",
		slog.String("Topic", "Vrf"),
		slog.String("Key", name),
		slog.Uint64("Id", uint64(id)))
	m.vrfs[name] = NewVrf(m.logger, name, id)
	return nil
}

// DeleteVrf withdraws every route the VRF exported, discards everything it
// imported, releases its interfaces and only then drops it from the
// registry, so no derived entry can outlive its origin.
func (m *Manager) DeleteVrf(name string) error {
	v, ok := m.vrfs[name]
	if !ok {
		return fmt.Errorf("vrf %s not found", name)
	}
	v.State = VRF_STATE_SHUTTING_DOWN

	for _, p := range m.vrfLocalPaths(v) {
		m.withdrawExport(v, p)
	}
	for _, ifName := range v.Interfaces.ToSlice() {
		delete(m.interfaces, ifName)
		m.index.RemoveInterface(ifName)
	}
	m.index.DropDeferred(name)
	m.vpn.DropImporter(name)

	// the whole RIB goes away with the VRF; watchers still deserve a
	// withdraw per selected prefix
	for _, dest := range v.Rib.GetDestinations() {
		if dest.GetBestPath() != nil {
			m.pending = append(m.pending, &RibEvent{Vrf: name, Prefix: dest.GetPrefix()})
		}
	}

	m.logger.Info("delete vrf",
		slog.String("Topic", "Vrf"),
		slog.String("Key", name),
		slog.String("Rd", v.RdString()),
		slog.Any("ImportRt", v.ImportRt.Strings()),
		slog.Any("ExportRt", v.ExportRt.Strings()))
	delete(m.vrfs, name)
	for key := range v.ImportRt {
		if isLastTargetUser(m.vrfs, key) {
			m.logger.Debug("route target lost its last importer",
				slog.String("Topic", "Vrf"),
				slog.String("Key", v.ImportRt[key].String()))
		}
	}
	v.State = VRF_STATE_DELETED
	m.index.RebuildImporters(m.vrfs)
	return nil
}

// SetVrfRD assigns or replaces a VRF's route distinguisher. Replacing an RD
// under live exports withdraws them and re-exports under the new one; the
// two operations the rest of the engine already knows how to undo and redo.
func (m *Manager) SetVrfRD(name string, rd bgp.RouteDistinguisherInterface) error {
	v, ok := m.vrfs[name]
	if !ok {
		return fmt.Errorf("vrf %s not found", name)
	}
	if rd != nil {
		for _, other := range m.vrfs {
			if other != v && other.Rd != nil && other.Rd.String() == rd.String() {
				return fmt.Errorf("rd %s is already used by vrf %s", rd, other.Name)
			}
		}
	}
	if v.Rd != nil && rd != nil && v.Rd.String() == rd.String() {
		return nil
	}
	m.logger.Info("set vrf rd",
		slog.String("Topic", "Vrf"),
		slog.String("Key", name),
		slog.String("Rd", fmt.Sprint(rd)))
	if v.Rd != nil {
		m.withdrawVrfExports(v)
	}
	v.Rd = rd
	if v.CanExport() {
		m.exportVrfLocals(v)
	}
	return nil
}

func (m *Manager) AddVrfRt(name string, dir RtDirection, rts []bgp.ExtendedCommunityInterface) error {
	v, ok := m.vrfs[name]
	if !ok {
		return fmt.Errorf("vrf %s not found", name)
	}
	added, err := newRouteTargetMap(rts)
	if err != nil {
		return err
	}
	m.logger.Info("add vrf rt",
		slog.String("Topic", "Vrf"),
		slog.String("Key", name),
		slog.String("Direction", dir.String()),
		slog.Any("Rt", added.Strings()))
	if dir == RT_IMPORT {
		for key, rt := range added {
			v.ImportRt[key] = rt
		}
		m.index.RebuildImporters(m.vrfs)
		m.reevaluateImports(v)
		return nil
	}
	for key, rt := range added {
		v.ExportRt[key] = rt
	}
	m.retagExports(v)
	return nil
}

func (m *Manager) DeleteVrfRt(name string, dir RtDirection, rts []bgp.ExtendedCommunityInterface) error {
	v, ok := m.vrfs[name]
	if !ok {
		return fmt.Errorf("vrf %s not found", name)
	}
	removed, err := newRouteTargetMap(rts)
	if err != nil {
		return err
	}
	m.logger.Info("delete vrf rt",
		slog.String("Topic", "Vrf"),
		slog.String("Key", name),
		slog.String("Direction", dir.String()),
		slog.Any("Rt", removed.Strings()))
	if dir == RT_IMPORT {
		for key := range removed {
			delete(v.ImportRt, key)
		}
		m.index.RebuildImporters(m.vrfs)
		m.reevaluateImports(v)
		return nil
	}
	for key := range removed {
		delete(v.ExportRt, key)
	}
	m.retagExports(v)
	return nil
}

func (m *Manager) AddInterface(vrfName, ifName string, up bool) error {
	v, ok := m.vrfs[vrfName]
	if !ok {
		return fmt.Errorf("vrf %s not found", vrfName)
	}
	if _, ok := m.interfaces[ifName]; ok {
		return fmt.Errorf("interface %s already exists", ifName)
	}
	m.logger.Info("add interface",
		slog.String("Topic", "Interface"),
		slog.String("Key", ifName),
		slog.String("Vrf", vrfName),
		slog.Bool("Up", up))
	m.interfaces[ifName] = &Interface{Name: ifName, VRF: vrfName, Up: up}
	v.Interfaces.Add(ifName)
	return nil
}

// DeleteInterface permanently invalidates everything resolving through the
// interface: connected and bound static routes are withdrawn, which in turn
// retracts their VPN entries from every importer.
func (m *Manager) DeleteInterface(ifName string) error {
	iface, ok := m.interfaces[ifName]
	if !ok {
		return fmt.Errorf("interface %s not found", ifName)
	}
	m.logger.Info("delete interface",
		slog.String("Topic", "Interface"),
		slog.String("Key", ifName))
	v := m.vrfs[iface.VRF]
	if v != nil {
		for _, p := range m.vrfLocalPaths(v) {
			if p.GetNexthop().Interface != ifName {
				continue
			}
			m.emit(v.Name, v.Rib.Update(p.Clone(true)))
			m.withdrawExport(v, p)
		}
		v.Interfaces.Remove(ifName)
	}
	delete(m.interfaces, ifName)
	for _, key := range m.index.RemoveInterface(ifName).ToSlice() {
		dest := m.vpn.Get(key)
		if dest == nil {
			continue
		}
		for _, p := range dest.GetAllKnownPathList() {
			m.revalidate(p)
		}
		m.recomputeImporters(key)
	}
	if v != nil {
		m.refreshGatewayStatics(v)
	}
	return nil
}

// revalidate recomputes a VPN entry's reachability from current interface
// state, covering both direct and gateway-resolved nexthops.
func (m *Manager) revalidate(p *Path) {
	ifName := m.resolvedInterface(p)
	if ifName == "" {
		p.IsNexthopInvalid = true
		return
	}
	iface := m.interfaces[ifName]
	p.IsNexthopInvalid = iface == nil || !iface.Up
}

// SetInterfaceState flips the admin state and re-evaluates exactly the
// paths resolving through the interface; nothing is created or destroyed,
// entries only change their active flag.
func (m *Manager) SetInterfaceState(ifName string, up bool) error {
	iface, ok := m.interfaces[ifName]
	if !ok {
		return fmt.Errorf("interface %s not found", ifName)
	}
	if iface.Up == up {
		return nil
	}
	m.logger.Info("interface state change",
		slog.String("Topic", "Interface"),
		slog.String("Key", ifName),
		slog.Bool("Up", up))
	iface.Up = up

	if v := m.vrfs[iface.VRF]; v != nil {
		for _, dest := range v.Rib.GetDestinations() {
			for _, p := range slices.Clone(dest.GetAllKnownPathList()) {
				if !p.IsLocal() || p.GetNexthop().Interface != ifName || p.IsNexthopInvalid == !up {
					continue
				}
				np := p.Clone(false)
				np.IsNexthopInvalid = !up
				m.emit(v.Name, v.Rib.Update(np))
			}
		}
		m.refreshGatewayStatics(v)
	}

	for _, key := range m.index.Dependents(ifName).ToSlice() {
		dest := m.vpn.Get(key)
		if dest == nil {
			// entry withdrawn since resolution; drop the stale record
			m.index.UntrackNexthop(ifName, key)
			continue
		}
		for _, p := range dest.GetAllKnownPathList() {
			m.revalidate(p)
		}
		m.recomputeImporters(key)
	}
	if up {
		if v := m.vrfs[iface.VRF]; v != nil {
			m.retryDeferred(v)
		}
	}
	return nil
}

// refreshGatewayStatics recomputes reachability of the VRF's gatewayed
// statics. They resolve recursively, so any covering-route or link change
// can flip them even though they name no interface. A flip is propagated to
// the matching VPN entry and its importers.
func (m *Manager) refreshGatewayStatics(v *Vrf) {
	for _, dest := range v.Rib.GetDestinations() {
		for _, p := range slices.Clone(dest.GetAllKnownPathList()) {
			nh := p.GetNexthop()
			if !p.IsLocal() || nh.Interface != "" || !nh.Gateway.IsValid() {
				continue
			}
			invalid := !m.gatewayReachable(v, nh.Gateway)
			if p.IsNexthopInvalid == invalid {
				continue
			}
			np := p.Clone(false)
			np.IsNexthopInvalid = invalid
			m.emit(v.Name, v.Rib.Update(np))
			if !v.CanExport() {
				continue
			}
			key := vpnKey{rd: v.Rd.String(), prefix: np.GetPrefix()}
			if vdest := m.vpn.Get(key); vdest != nil {
				for _, vp := range vdest.GetAllKnownPathList() {
					m.revalidate(vp)
				}
				m.recomputeImporters(key)
			}
		}
	}
}

// AddPath originates a route in a VRF. Connected paths must name an
// interface bound to the same VRF; static paths may carry a gateway
// instead, resolved against the VRF's own table.
func (m *Manager) AddPath(vrfName string, p *Path) error {
	v, ok := m.vrfs[vrfName]
	if !ok || v.State != VRF_STATE_ACTIVE {
		return fmt.Errorf("vrf %s not found", vrfName)
	}
	if p.GetOriginVrf() != vrfName {
		return fmt.Errorf("path origin %s does not match vrf %s", p.GetOriginVrf(), vrfName)
	}
	nh := p.GetNexthop()
	switch {
	case nh.Interface != "":
		iface := m.interfaces[nh.Interface]
		if iface == nil || iface.VRF != vrfName {
			return fmt.Errorf("interface %s is not bound to vrf %s", nh.Interface, vrfName)
		}
		p.IsNexthopInvalid = !iface.Up
	case nh.Gateway.IsValid():
		p.IsNexthopInvalid = !m.gatewayReachable(v, nh.Gateway)
	default:
		return fmt.Errorf("path %s needs an interface or a gateway", p.GetPrefix())
	}
	m.emit(vrfName, v.Rib.Update(p))
	m.export(v, p)
	// the new route may cover gateways that were unresolvable until now
	m.refreshGatewayStatics(v)
	m.retryDeferred(v)
	return nil
}

func (m *Manager) DeletePath(vrfName string, prefix netip.Prefix, protocol Protocol) error {
	v, ok := m.vrfs[vrfName]
	if !ok {
		return fmt.Errorf("vrf %s not found", vrfName)
	}
	dest := v.Rib.GetDestination(prefix)
	if dest == nil {
		return fmt.Errorf("path %s not found in vrf %s", prefix, vrfName)
	}
	var found *Path
	for _, p := range dest.GetAllKnownPathList() {
		if p.IsLocal() && p.GetProtocol() == protocol {
			found = p
			break
		}
	}
	if found == nil {
		return fmt.Errorf("path %s not found in vrf %s", prefix, vrfName)
	}
	m.emit(vrfName, v.Rib.Update(found.Clone(true)))
	m.withdrawExport(v, found)
	// a covering route may just have gone away
	m.refreshGatewayStatics(v)
	return nil
}

// export publishes a local path into the VPN table. A VRF without an RD
// cannot export yet; the path is simply held locally until SetVrfRD flushes
// it. That is a deferred state, not an error.
func (m *Manager) export(v *Vrf, p *Path) {
	if !v.CanExport() {
		m.logger.Debug("export deferred, vrf has no rd",
			slog.String("Topic", "Vrf"),
			slog.String("Key", v.Name),
			slog.String("Prefix", p.GetPrefix().String()))
		return
	}
	vp := p.ToVpn(v)
	key := newVpnKey(vp)
	m.resolve(key, vp)
	m.vpn.Update(vp)
	m.recomputeImporters(key)
}

func (m *Manager) withdrawExport(v *Vrf, p *Path) {
	if v.Rd == nil {
		return
	}
	vp := p.ToVpn(v)
	key := newVpnKey(vp)
	if ifName := m.resolvedInterface(vp); ifName != "" {
		m.index.UntrackNexthop(ifName, key)
	}
	m.vpn.Update(vp.Clone(true))
	if dest := m.vpn.Get(key); dest != nil {
		// other candidates remain; keep their resolutions indexed
		for _, rest := range dest.GetAllKnownPathList() {
			if ifName := m.resolvedInterface(rest); ifName != "" {
				m.index.TrackNexthop(ifName, key)
			}
		}
	}
	m.recomputeImporters(key)
}

func (m *Manager) vrfLocalPaths(v *Vrf) []*Path {
	paths := make([]*Path, 0, 16)
	for _, dest := range v.Rib.GetDestinations() {
		for _, p := range dest.GetAllKnownPathList() {
			if p.IsLocal() {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func (m *Manager) withdrawVrfExports(v *Vrf) {
	for _, p := range m.vrfLocalPaths(v) {
		m.withdrawExport(v, p)
	}
}

func (m *Manager) exportVrfLocals(v *Vrf) {
	for _, p := range m.vrfLocalPaths(v) {
		m.export(v, p)
	}
}

// retagExports republishes every local path of v so its VPN entries carry
// the current export RT set, then lets recomputeImporters sort out who
// gains or loses the routes.
func (m *Manager) retagExports(v *Vrf) {
	if !v.CanExport() {
		return
	}
	m.exportVrfLocals(v)
}

// reevaluateImports walks the VPN table once on behalf of a single VRF
// whose import policy changed: entries it currently holds or now matches
// are recomputed, everything else is left untouched.
func (m *Manager) reevaluateImports(v *Vrf) {
	for _, key := range m.vpn.Keys() {
		if m.vpn.Importers(key).Contains(v.Name) {
			m.recomputeImporters(key)
			continue
		}
		if best := m.vpn.Best(key); best != nil && v.ImportMatches(best.GetRouteTargets()) {
			m.recomputeImporters(key)
		}
	}
}

// recomputeImporters is the single re-entry point for anything that can
// change which VRFs hold a derived copy of the entry at key. It is
// idempotent: with unchanged inputs it changes nothing observable.
func (m *Manager) recomputeImporters(key vpnKey) {
	best := m.vpn.Best(key)
	cur := m.vpn.Importers(key).Clone()

	// an unresolvable entry still exists in the VPN table but is not
	// installable anywhere; its derived copies are retracted until the
	// nexthop comes back
	want := mapset.NewThreadUnsafeSet[string]()
	if best != nil && !best.IsNexthopInvalid {
		want = m.index.ImportersOf(best.GetRouteTargets())
		want.Remove(best.GetOriginVrf())
	}

	for _, name := range want.ToSlice() {
		v := m.vrfs[name]
		if v == nil || v.State != VRF_STATE_ACTIVE {
			want.Remove(name)
			continue
		}
		dp := best.ToLocal()
		if existing := m.findDerived(v, key); existing != nil && existing.HasSameAttributes(dp) {
			continue
		}
		m.emit(name, v.Rib.Update(dp))
	}

	for _, name := range cur.Difference(want).ToSlice() {
		v := m.vrfs[name]
		if v == nil {
			continue
		}
		if existing := m.findDerived(v, key); existing != nil {
			m.emit(name, v.Rib.Update(existing.Clone(true)))
		}
	}

	m.vpn.SetImporters(key, want)
}

func (m *Manager) findDerived(v *Vrf, key vpnKey) *Path {
	dest := v.Rib.GetDestination(key.prefix)
	if dest == nil {
		return nil
	}
	for _, p := range dest.GetAllKnownPathList() {
		if !p.IsLocal() && p.rdString() == key.rd {
			return p
		}
	}
	return nil
}

// resolvedInterface returns the interface a VPN entry forwards through,
// always within the originating VRF. Connected and interface statics name
// it directly; gatewayed statics are resolved by longest match against the
// origin's own table.
func (m *Manager) resolvedInterface(p *Path) string {
	nh := p.GetNexthop()
	if nh.Interface != "" {
		return nh.Interface
	}
	if !nh.Gateway.IsValid() {
		return ""
	}
	v := m.vrfs[p.GetOriginVrf()]
	if v == nil {
		return ""
	}
	if dest := v.Rib.LongestMatch(nh.Gateway); dest != nil {
		if best := dest.GetBestPath(); best != nil {
			return best.GetNexthop().Interface
		}
	}
	return ""
}

func (m *Manager) gatewayReachable(v *Vrf, gw netip.Addr) bool {
	dest := v.Rib.LongestMatch(gw)
	if dest == nil {
		return false
	}
	return dest.GetBestPath() != nil
}

// resolve decides reachability of a fresh VPN entry and records the
// interface dependency so a later link event can find it in O(dependents).
// Entries that do not resolve yet are deferred under their origin VRF and
// retried whenever its topology changes.
func (m *Manager) resolve(key vpnKey, vp *Path) {
	ifName := m.resolvedInterface(vp)
	if ifName == "" {
		vp.IsNexthopInvalid = true
		m.index.DeferResolution(vp.GetOriginVrf(), key)
		return
	}
	iface := m.interfaces[ifName]
	if iface == nil {
		vp.IsNexthopInvalid = true
		m.index.DeferResolution(vp.GetOriginVrf(), key)
		return
	}
	vp.IsNexthopInvalid = !iface.Up
	m.index.TrackNexthop(ifName, key)
}

// retryDeferred re-attempts nexthop resolution for VPN entries the VRF
// exported before their nexthop was resolvable. Entries that still fail go
// back on the deferred list.
func (m *Manager) retryDeferred(v *Vrf) {
	for _, key := range m.index.TakeDeferred(v.Name).ToSlice() {
		dest := m.vpn.Get(key)
		if dest == nil {
			continue
		}
		resolved := false
		for _, p := range dest.GetAllKnownPathList() {
			ifName := m.resolvedInterface(p)
			if ifName == "" {
				p.IsNexthopInvalid = true
				continue
			}
			iface := m.interfaces[ifName]
			p.IsNexthopInvalid = iface == nil || !iface.Up
			m.index.TrackNexthop(ifName, key)
			resolved = true
		}
		if !resolved {
			m.index.DeferResolution(v.Name, key)
			continue
		}
		m.recomputeImporters(key)
	}
}
