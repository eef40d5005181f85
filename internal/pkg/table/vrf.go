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
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

var (
	ErrInvalidRouteTarget error = errors.New("ExtendedCommunity is not RouteTarget")
	ErrNilCommunity       error = errors.New("RouteTarget could not be nil")
)

func extCommRouteTargetKey(routeTarget bgp.ExtendedCommunityInterface) (uint64, error) {
	if routeTarget == nil {
		return 0, ErrNilCommunity
	}
	switch rt := routeTarget.(type) {
	case *bgp.TwoOctetAsSpecificExtended, *bgp.IPv4AddressSpecificExtended, *bgp.FourOctetAsSpecificExtended:
		bytes, err := rt.Serialize()
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(bytes[:]), nil
	default:
		return 0, ErrInvalidRouteTarget
	}
}

type routeTargetMap map[uint64]bgp.ExtendedCommunityInterface

func (rtm routeTargetMap) ToSlice() []bgp.ExtendedCommunityInterface {
	keys := make([]uint64, 0, len(rtm))
	for key := range rtm {
		keys = append(keys, key)
	}
	// deterministic order so that tagged paths hash and render stably
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	s := make([]bgp.ExtendedCommunityInterface, 0, len(rtm))
	for _, key := range keys {
		s = append(s, rtm[key])
	}
	return s
}

func (rtm routeTargetMap) Strings() []string {
	s := make([]string, 0, len(rtm))
	for _, rt := range rtm.ToSlice() {
		s = append(s, rt.String())
	}
	return s
}

func (rtm routeTargetMap) Clone() routeTargetMap {
	rts := make(routeTargetMap, len(rtm))
	for key, rt := range rtm {
		rts[key] = rt
	}
	return rts
}

func newRouteTargetMap(s []bgp.ExtendedCommunityInterface) (routeTargetMap, error) {
	m := make(routeTargetMap, len(s))
	for _, rt := range s {
		key, err := extCommRouteTargetKey(rt)
		if err != nil {
			return nil, err
		}
		m[key] = rt
	}
	return m, nil
}

type VrfState uint8

const (
	VRF_STATE_ACTIVE VrfState = iota
	VRF_STATE_SHUTTING_DOWN
	VRF_STATE_DELETED
)

func (s VrfState) String() string {
	switch s {
	case VRF_STATE_ACTIVE:
		return "active"
	case VRF_STATE_SHUTTING_DOWN:
		return "shutting-down"
	}
	return "deleted"
}

// Vrf is one routing instance: its RD, import/export route target sets, the
// interfaces bound to it and its local RIB. A Vrf without an RD can import
// but never export; its locally originated paths stay deferred until an RD
// is configured.
type Vrf struct {
	Name       string
	Id         uint32
	Rd         bgp.RouteDistinguisherInterface
	ImportRt   routeTargetMap
	ExportRt   routeTargetMap
	Interfaces mapset.Set[string]
	State      VrfState
	Rib        *Table
}

func NewVrf(logger *slog.Logger, name string, id uint32) *Vrf {
	return &Vrf{
		Name:       name,
		Id:         id,
		ImportRt:   make(routeTargetMap),
		ExportRt:   make(routeTargetMap),
		Interfaces: mapset.NewThreadUnsafeSet[string](),
		State:      VRF_STATE_ACTIVE,
		Rib:        NewTable(logger, name),
	}
}

// CanExport reports whether the VRF may publish paths into the VPN table.
func (v *Vrf) CanExport() bool {
	return v.Rd != nil && v.State == VRF_STATE_ACTIVE
}

func (v *Vrf) RdString() string {
	if v.Rd == nil {
		return ""
	}
	return v.Rd.String()
}

// ImportMatches reports whether any of rts is in the VRF's import set.
func (v *Vrf) ImportMatches(rts []bgp.ExtendedCommunityInterface) bool {
	for _, rt := range rts {
		key, err := extCommRouteTargetKey(rt)
		if err != nil {
			continue
		}
		if _, ok := v.ImportRt[key]; ok {
			return true
		}
	}
	return false
}

func isLastTargetUser(vrfs map[string]*Vrf, target uint64) bool {
	for _, vrf := range vrfs {
		if _, ok := vrf.ImportRt[target]; ok {
			return false
		}
	}
	return true
}
