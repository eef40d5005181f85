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
	"testing"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTestVrf(t *testing.T, m *Manager, name string, id uint32, rd, rt, ifName string, up bool) {
	t.Helper()
	require.NoError(t, m.AddVrf(name, id))
	require.NoError(t, m.AddVrfRt(name, RT_IMPORT, []bgp.ExtendedCommunityInterface{mustRT(t, rt)}))
	require.NoError(t, m.AddVrfRt(name, RT_EXPORT, []bgp.ExtendedCommunityInterface{mustRT(t, rt)}))
	rdV, err := bgp.ParseRouteDistinguisher(rd)
	require.NoError(t, err)
	require.NoError(t, m.SetVrfRD(name, rdV))
	require.NoError(t, m.AddInterface(name, ifName, up))
}

// newLeakFixture builds two VRFs exchanging routes through a shared route
// target, the shape of a local route leaking setup between two tenants.
func newLeakFixture(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testLogger())
	addTestVrf(t, m, "donna", 1, "10:1", "52:100", "DONNA", true)
	addTestVrf(t, m, "eva", 2, "10:2", "52:100", "EVA", true)

	require.NoError(t, m.AddPath("donna", connectedPath(t, "donna", "10.101.0.0/24", "DONNA")))
	require.NoError(t, m.AddPath("donna", staticPath(t, "donna", "172.16.101.0/24", "DONNA")))
	require.NoError(t, m.AddPath("eva", connectedPath(t, "eva", "10.102.0.0/24", "EVA")))
	return m
}

func requireLeaked(t *testing.T, m *Manager, vrf, prefix, originVrf, originIf string) {
	t.Helper()
	rib, err := m.GetRib(vrf)
	require.NoError(t, err)
	routes, ok := rib[prefix]
	require.True(t, ok, "%s missing from %s", prefix, vrf)
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, "bgp", r.Protocol)
	assert.True(t, r.Selected)
	assert.Equal(t, originVrf, r.OriginVrf)
	require.Len(t, r.Nexthops, 1)
	assert.Equal(t, originIf, r.Nexthops[0].InterfaceName)
	assert.Equal(t, originVrf, r.Nexthops[0].Vrf)
	assert.True(t, r.Nexthops[0].Active)
	assert.True(t, r.Nexthops[0].Fib)
}

func requireAbsent(t *testing.T, m *Manager, vrf, prefix string) {
	t.Helper()
	rib, err := m.GetRib(vrf)
	require.NoError(t, err)
	_, ok := rib[prefix]
	assert.False(t, ok, "%s unexpectedly present in %s", prefix, vrf)
}

func TestLeakBetweenVrfs(t *testing.T) {
	m := newLeakFixture(t)

	requireLeaked(t, m, "eva", "10.101.0.0/24", "donna", "DONNA")
	requireLeaked(t, m, "eva", "172.16.101.0/24", "donna", "DONNA")
	requireLeaked(t, m, "donna", "10.102.0.0/24", "eva", "EVA")
}

func TestNoSelfImport(t *testing.T) {
	m := newLeakFixture(t)

	rib, err := m.GetRib("donna")
	require.NoError(t, err)
	routes := rib["10.101.0.0/24"]
	require.Len(t, routes, 1)
	assert.Equal(t, "connected", routes[0].Protocol)
}

func TestInterfaceDownWithdrawsLeakedRoutes(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.SetInterfaceState("EVA", false))
	requireAbsent(t, m, "donna", "10.102.0.0/24")

	// the origin keeps the route but deselects it
	rib, err := m.GetRib("eva")
	require.NoError(t, err)
	routes := rib["10.102.0.0/24"]
	require.Len(t, routes, 1)
	assert.False(t, routes[0].Selected)
	assert.False(t, routes[0].Nexthops[0].Active)

	require.NoError(t, m.SetInterfaceState("EVA", true))
	requireLeaked(t, m, "donna", "10.102.0.0/24", "eva", "EVA")
}

func TestInterfaceStateChangeIsIdempotent(t *testing.T) {
	m := newLeakFixture(t)
	m.DrainEvents()

	require.NoError(t, m.SetInterfaceState("EVA", true))
	assert.Empty(t, m.DrainEvents())

	require.NoError(t, m.SetInterfaceState("EVA", false))
	assert.NotEmpty(t, m.DrainEvents())
	require.NoError(t, m.SetInterfaceState("EVA", false))
	assert.Empty(t, m.DrainEvents())
}

func TestDeletePathWithdrawsLeakedCopies(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.DeletePath("donna", mustPrefix(t, "172.16.101.0/24"), PROTO_STATIC))
	requireAbsent(t, m, "eva", "172.16.101.0/24")
	requireAbsent(t, m, "donna", "172.16.101.0/24")

	// re-announce restores the leak
	require.NoError(t, m.AddPath("donna", staticPath(t, "donna", "172.16.101.0/24", "DONNA")))
	requireLeaked(t, m, "eva", "172.16.101.0/24", "donna", "DONNA")
}

func TestReannounceSamePathEmitsNothing(t *testing.T) {
	m := newLeakFixture(t)
	m.DrainEvents()

	require.NoError(t, m.AddPath("donna", connectedPath(t, "donna", "10.101.0.0/24", "DONNA")))
	assert.Empty(t, m.DrainEvents())
}

func TestHotAddVrf(t *testing.T) {
	m := newLeakFixture(t)

	// new tenant comes up with its interface still shut down
	addTestVrf(t, m, "zita", 3, "10:3", "52:100", "ZITA", false)

	// existing routes are imported right away
	requireLeaked(t, m, "zita", "10.101.0.0/24", "donna", "DONNA")
	requireLeaked(t, m, "zita", "10.102.0.0/24", "eva", "EVA")

	// its own route stays unexported while the interface is down
	require.NoError(t, m.AddPath("zita", connectedPath(t, "zita", "10.103.0.0/24", "ZITA")))
	requireAbsent(t, m, "donna", "10.103.0.0/24")
	requireAbsent(t, m, "eva", "10.103.0.0/24")

	require.NoError(t, m.SetInterfaceState("ZITA", true))
	requireLeaked(t, m, "donna", "10.103.0.0/24", "zita", "ZITA")
	requireLeaked(t, m, "eva", "10.103.0.0/24", "zita", "ZITA")
}

func TestDeleteVrfRetractsEverything(t *testing.T) {
	m := newLeakFixture(t)
	addTestVrf(t, m, "zita", 3, "10:3", "52:100", "ZITA", true)
	require.NoError(t, m.AddPath("zita", connectedPath(t, "zita", "10.103.0.0/24", "ZITA")))
	requireLeaked(t, m, "donna", "10.103.0.0/24", "zita", "ZITA")

	require.NoError(t, m.DeleteVrf("zita"))

	requireAbsent(t, m, "donna", "10.103.0.0/24")
	requireAbsent(t, m, "eva", "10.103.0.0/24")
	_, err := m.GetRib("zita")
	assert.Error(t, err)
	assert.Error(t, m.DeleteVrf("zita"))

	// remaining tenants still exchange routes
	requireLeaked(t, m, "donna", "10.102.0.0/24", "eva", "EVA")
}

func TestSetVrfRDReplacement(t *testing.T) {
	m := newLeakFixture(t)

	rd, err := bgp.ParseRouteDistinguisher("10:9")
	require.NoError(t, err)
	require.NoError(t, m.SetVrfRD("donna", rd))

	requireLeaked(t, m, "eva", "10.101.0.0/24", "donna", "DONNA")

	vpn := m.GetVpnTable()
	assert.NotContains(t, vpn, "10:1")
	assert.Contains(t, vpn, "10:9")
}

func TestSetVrfRDDuplicateRejected(t *testing.T) {
	m := newLeakFixture(t)

	rd, err := bgp.ParseRouteDistinguisher("10:2")
	require.NoError(t, err)
	assert.Error(t, m.SetVrfRD("donna", rd))
}

func TestExportDeferredUntilRD(t *testing.T) {
	m := NewManager(testLogger())
	addTestVrf(t, m, "eva", 2, "10:2", "52:100", "EVA", true)

	require.NoError(t, m.AddVrf("donna", 1))
	require.NoError(t, m.AddVrfRt("donna", RT_IMPORT, []bgp.ExtendedCommunityInterface{mustRT(t, "52:100")}))
	require.NoError(t, m.AddVrfRt("donna", RT_EXPORT, []bgp.ExtendedCommunityInterface{mustRT(t, "52:100")}))
	require.NoError(t, m.AddInterface("donna", "DONNA", true))
	require.NoError(t, m.AddPath("donna", connectedPath(t, "donna", "10.101.0.0/24", "DONNA")))

	requireAbsent(t, m, "eva", "10.101.0.0/24")

	rd, err := bgp.ParseRouteDistinguisher("10:1")
	require.NoError(t, err)
	require.NoError(t, m.SetVrfRD("donna", rd))
	requireLeaked(t, m, "eva", "10.101.0.0/24", "donna", "DONNA")
}

func TestDeleteImportRtStopsLeaking(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.DeleteVrfRt("eva", RT_IMPORT, []bgp.ExtendedCommunityInterface{mustRT(t, "52:100")}))
	requireAbsent(t, m, "eva", "10.101.0.0/24")
	requireAbsent(t, m, "eva", "172.16.101.0/24")

	// export policy is untouched, the other direction keeps flowing
	requireLeaked(t, m, "donna", "10.102.0.0/24", "eva", "EVA")

	require.NoError(t, m.AddVrfRt("eva", RT_IMPORT, []bgp.ExtendedCommunityInterface{mustRT(t, "52:100")}))
	requireLeaked(t, m, "eva", "10.101.0.0/24", "donna", "DONNA")
}

func TestDeleteExportRtWithdraws(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.DeleteVrfRt("donna", RT_EXPORT, []bgp.ExtendedCommunityInterface{mustRT(t, "52:100")}))
	requireAbsent(t, m, "eva", "10.101.0.0/24")
	requireAbsent(t, m, "eva", "172.16.101.0/24")
	requireLeaked(t, m, "donna", "10.102.0.0/24", "eva", "EVA")
}

func TestGatewayStaticResolvesThroughOrigin(t *testing.T) {
	m := newLeakFixture(t)

	p := NewPath("donna", mustPrefix(t, "192.168.5.0/24"), PROTO_STATIC,
		Nexthop{Gateway: mustPrefix(t, "10.101.0.1/32").Addr()}, false)
	require.NoError(t, m.AddPath("donna", p))

	rib, err := m.GetRib("eva")
	require.NoError(t, err)
	routes := rib["192.168.5.0/24"]
	require.Len(t, routes, 1)
	assert.True(t, routes[0].Selected)
	assert.Equal(t, "10.101.0.1", routes[0].Nexthops[0].Ip)

	// losing the covering connected route invalidates the static recursively
	require.NoError(t, m.SetInterfaceState("DONNA", false))
	requireAbsent(t, m, "eva", "192.168.5.0/24")

	require.NoError(t, m.SetInterfaceState("DONNA", true))
	rib, err = m.GetRib("eva")
	require.NoError(t, err)
	require.Len(t, rib["192.168.5.0/24"], 1)
	assert.True(t, rib["192.168.5.0/24"][0].Selected)
}

func TestGatewayStaticAddedWhileLinkDown(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.SetInterfaceState("DONNA", false))
	p := NewPath("donna", mustPrefix(t, "192.168.5.0/24"), PROTO_STATIC,
		Nexthop{Gateway: mustPrefix(t, "10.101.0.1/32").Addr()}, false)
	require.NoError(t, m.AddPath("donna", p))

	// unresolvable: held in the origin, installed nowhere
	requireAbsent(t, m, "eva", "192.168.5.0/24")
	rib, err := m.GetRib("donna")
	require.NoError(t, err)
	require.Len(t, rib["192.168.5.0/24"], 1)
	assert.False(t, rib["192.168.5.0/24"][0].Selected)

	// link up resolves the entry and installs it in the importer
	require.NoError(t, m.SetInterfaceState("DONNA", true))
	rib, err = m.GetRib("donna")
	require.NoError(t, err)
	require.Len(t, rib["192.168.5.0/24"], 1)
	assert.True(t, rib["192.168.5.0/24"][0].Selected)

	rib, err = m.GetRib("eva")
	require.NoError(t, err)
	require.Len(t, rib["192.168.5.0/24"], 1)
	assert.True(t, rib["192.168.5.0/24"][0].Selected)
	assert.Equal(t, "10.101.0.1", rib["192.168.5.0/24"][0].Nexthops[0].Ip)

	// once resolved it follows the link like any other entry
	require.NoError(t, m.SetInterfaceState("DONNA", false))
	requireAbsent(t, m, "eva", "192.168.5.0/24")
}

func TestGatewayStaticWaitsForCoveringRoute(t *testing.T) {
	m := NewManager(testLogger())
	addTestVrf(t, m, "donna", 1, "10:1", "52:100", "DONNA", true)
	addTestVrf(t, m, "eva", 2, "10:2", "52:100", "EVA", true)

	// the static arrives before anything covers its gateway
	p := NewPath("donna", mustPrefix(t, "192.168.5.0/24"), PROTO_STATIC,
		Nexthop{Gateway: mustPrefix(t, "10.101.0.1/32").Addr()}, false)
	require.NoError(t, m.AddPath("donna", p))
	requireAbsent(t, m, "eva", "192.168.5.0/24")

	require.NoError(t, m.AddPath("donna", connectedPath(t, "donna", "10.101.0.0/24", "DONNA")))

	requireLeaked(t, m, "eva", "10.101.0.0/24", "donna", "DONNA")
	rib, err := m.GetRib("eva")
	require.NoError(t, err)
	require.Len(t, rib["192.168.5.0/24"], 1)
	assert.True(t, rib["192.168.5.0/24"][0].Selected)

	// removing the covering route invalidates the static recursively
	require.NoError(t, m.DeletePath("donna", mustPrefix(t, "10.101.0.0/24"), PROTO_CONNECTED))
	requireAbsent(t, m, "eva", "192.168.5.0/24")
}

func TestAddPathValidation(t *testing.T) {
	m := newLeakFixture(t)

	// interface bound to another VRF
	assert.Error(t, m.AddPath("donna", connectedPath(t, "donna", "10.1.0.0/24", "EVA")))
	// unknown interface
	assert.Error(t, m.AddPath("donna", connectedPath(t, "donna", "10.1.0.0/24", "NOPE")))
	// origin mismatch
	assert.Error(t, m.AddPath("donna", connectedPath(t, "eva", "10.1.0.0/24", "DONNA")))
	// neither interface nor gateway
	assert.Error(t, m.AddPath("donna", NewPath("donna", mustPrefix(t, "10.1.0.0/24"), PROTO_STATIC, Nexthop{}, false)))
	// unknown vrf
	assert.Error(t, m.AddPath("nope", connectedPath(t, "nope", "10.1.0.0/24", "DONNA")))
}

func TestDeleteInterfaceWithdrawsBoundRoutes(t *testing.T) {
	m := newLeakFixture(t)

	require.NoError(t, m.DeleteInterface("DONNA"))

	requireAbsent(t, m, "donna", "10.101.0.0/24")
	requireAbsent(t, m, "donna", "172.16.101.0/24")
	requireAbsent(t, m, "eva", "10.101.0.0/24")
	requireAbsent(t, m, "eva", "172.16.101.0/24")

	ifs := m.ListInterfaces()
	require.Len(t, ifs, 1)
	assert.Equal(t, "EVA", ifs[0].Name)
}

func TestDumpConsistency(t *testing.T) {
	m := newLeakFixture(t)

	all := m.GetAllRibs()
	for _, name := range []string{"donna", "eva"} {
		single, err := m.GetRib(name)
		require.NoError(t, err)
		require.Len(t, all[name], len(single))
		for prefix, routes := range single {
			allRoutes, ok := all[name][prefix]
			require.True(t, ok)
			require.Len(t, allRoutes, len(routes))
			for i := range routes {
				assert.Equal(t, routes[i].Protocol, allRoutes[i].Protocol)
				assert.Equal(t, routes[i].Selected, allRoutes[i].Selected)
				assert.Equal(t, routes[i].Nexthops, allRoutes[i].Nexthops)
			}
		}
	}
}

func TestGetVpnTable(t *testing.T) {
	m := newLeakFixture(t)

	vpn := m.GetVpnTable()
	require.Contains(t, vpn, "10:1")
	require.Contains(t, vpn, "10:2")
	assert.Len(t, vpn["10:1"], 2)
	assert.Len(t, vpn["10:2"], 1)

	e := vpn["10:2"][0]
	assert.Equal(t, "10.102.0.0/24", e.Prefix)
	assert.Equal(t, "eva", e.OriginVrf)
	assert.Equal(t, []string{"donna"}, e.Importers)
	assert.Equal(t, []string{"52:100"}, e.RouteTargets)
}

func TestListVrfs(t *testing.T) {
	m := newLeakFixture(t)

	vrfs := m.ListVrfs()
	require.Len(t, vrfs, 2)
	assert.Equal(t, "donna", vrfs[0].Name)
	assert.Equal(t, "eva", vrfs[1].Name)
	assert.Equal(t, "10:1", vrfs[0].Rd)
	assert.Equal(t, []string{"52:100"}, vrfs[0].ImportRt)
	assert.Equal(t, []string{"DONNA"}, vrfs[0].Interfaces)
	// two local routes plus one leaked
	assert.Equal(t, 3, vrfs[0].NumRoutes)
}

func TestDuplicateVrfAndInterface(t *testing.T) {
	m := newLeakFixture(t)

	assert.Error(t, m.AddVrf("donna", 9))
	assert.Error(t, m.AddInterface("donna", "EVA", true))
	assert.Error(t, m.AddInterface("nope", "X0", true))
}
