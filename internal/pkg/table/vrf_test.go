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

func mustRT(t *testing.T, s string) bgp.ExtendedCommunityInterface {
	t.Helper()
	rt, err := bgp.ParseRouteTarget(s)
	require.NoError(t, err)
	return rt
}

func TestExtCommRouteTargetKey(t *testing.T) {
	k1, err := extCommRouteTargetKey(mustRT(t, "65000:100"))
	require.NoError(t, err)
	k2, err := extCommRouteTargetKey(mustRT(t, "65000:100"))
	require.NoError(t, err)
	k3, err := extCommRouteTargetKey(mustRT(t, "65000:101"))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	_, err = extCommRouteTargetKey(nil)
	assert.ErrorIs(t, err, ErrNilCommunity)
}

func TestRouteTargetMapDeterministicOrder(t *testing.T) {
	m, err := newRouteTargetMap([]bgp.ExtendedCommunityInterface{
		mustRT(t, "65000:300"),
		mustRT(t, "65000:100"),
		mustRT(t, "65000:200"),
	})
	require.NoError(t, err)

	first := m.Strings()
	for range 10 {
		assert.Equal(t, first, m.Strings())
	}
	assert.Len(t, m.ToSlice(), 3)
}

func TestVrfCanExport(t *testing.T) {
	v := NewVrf(testLogger(), "donna", 1)
	assert.False(t, v.CanExport())

	rd, err := bgp.ParseRouteDistinguisher("10:1")
	require.NoError(t, err)
	v.Rd = rd
	assert.True(t, v.CanExport())

	v.State = VRF_STATE_SHUTTING_DOWN
	assert.False(t, v.CanExport())
}

func TestVrfImportMatches(t *testing.T) {
	v := NewVrf(testLogger(), "donna", 1)
	m, err := newRouteTargetMap([]bgp.ExtendedCommunityInterface{mustRT(t, "52:100")})
	require.NoError(t, err)
	v.ImportRt = m

	assert.True(t, v.ImportMatches([]bgp.ExtendedCommunityInterface{
		mustRT(t, "52:999"),
		mustRT(t, "52:100"),
	}))
	assert.False(t, v.ImportMatches([]bgp.ExtendedCommunityInterface{mustRT(t, "52:999")}))
	assert.False(t, v.ImportMatches(nil))
}

func TestIsLastTargetUser(t *testing.T) {
	donna := NewVrf(testLogger(), "donna", 1)
	eva := NewVrf(testLogger(), "eva", 2)
	m, err := newRouteTargetMap([]bgp.ExtendedCommunityInterface{mustRT(t, "52:100")})
	require.NoError(t, err)
	eva.ImportRt = m

	key, err := extCommRouteTargetKey(mustRT(t, "52:100"))
	require.NoError(t, err)

	vrfs := map[string]*Vrf{"donna": donna, "eva": eva}
	assert.False(t, isLastTargetUser(vrfs, key))
	delete(vrfs, "eva")
	assert.True(t, isLastTargetUser(vrfs, key))
}
