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
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// DependencyIndex holds the two reverse mappings that make recomputation
// incremental: route target -> VRFs importing it, and interface -> VPN
// entries whose resolved nexthop traverses it. The first is rebuilt on any
// RT policy change; the second is maintained by nexthop resolution.
type DependencyIndex struct {
	rtImporters  map[uint64]mapset.Set[string]
	ifDependents map[string]mapset.Set[vpnKey]
	// entries whose nexthop resolution failed at export time, keyed by
	// origin VRF; no interface to hang them off yet
	deferred map[string]mapset.Set[vpnKey]
}

func NewDependencyIndex() *DependencyIndex {
	return &DependencyIndex{
		rtImporters:  make(map[uint64]mapset.Set[string]),
		ifDependents: make(map[string]mapset.Set[vpnKey]),
		deferred:     make(map[string]mapset.Set[vpnKey]),
	}
}

// RebuildImporters recomputes the RT reverse index from scratch. RT policy
// edits are rare compared to route churn, so a full rebuild keeps the code
// obviously correct.
func (i *DependencyIndex) RebuildImporters(vrfs map[string]*Vrf) {
	i.rtImporters = make(map[uint64]mapset.Set[string])
	for name, vrf := range vrfs {
		if vrf.State != VRF_STATE_ACTIVE {
			continue
		}
		for key := range vrf.ImportRt {
			s, ok := i.rtImporters[key]
			if !ok {
				s = mapset.NewThreadUnsafeSet[string]()
				i.rtImporters[key] = s
			}
			s.Add(name)
		}
	}
}

// ImportersOf returns the VRFs whose import RT set intersects rts. Matching
// is exact on the serialized community; no wildcarding.
func (i *DependencyIndex) ImportersOf(rts []bgp.ExtendedCommunityInterface) mapset.Set[string] {
	matched := mapset.NewThreadUnsafeSet[string]()
	for _, rt := range rts {
		key, err := extCommRouteTargetKey(rt)
		if err != nil {
			continue
		}
		if s, ok := i.rtImporters[key]; ok {
			matched = matched.Union(s)
		}
	}
	return matched
}

// TrackNexthop records that the VPN entry at key resolves through ifName.
func (i *DependencyIndex) TrackNexthop(ifName string, key vpnKey) {
	s, ok := i.ifDependents[ifName]
	if !ok {
		s = mapset.NewThreadUnsafeSet[vpnKey]()
		i.ifDependents[ifName] = s
	}
	s.Add(key)
}

func (i *DependencyIndex) UntrackNexthop(ifName string, key vpnKey) {
	if s, ok := i.ifDependents[ifName]; ok {
		s.Remove(key)
		if s.IsEmpty() {
			delete(i.ifDependents, ifName)
		}
	}
}

// Dependents returns the VPN entries whose nexthop traverses ifName. The
// returned set is a snapshot; callers may mutate the index while ranging.
func (i *DependencyIndex) Dependents(ifName string) mapset.Set[vpnKey] {
	if s, ok := i.ifDependents[ifName]; ok {
		return s.Clone()
	}
	return mapset.NewThreadUnsafeSet[vpnKey]()
}

// DeferResolution records a VPN entry whose nexthop could not be resolved,
// so a later topology change in its origin VRF can retry it.
func (i *DependencyIndex) DeferResolution(vrfName string, key vpnKey) {
	s, ok := i.deferred[vrfName]
	if !ok {
		s = mapset.NewThreadUnsafeSet[vpnKey]()
		i.deferred[vrfName] = s
	}
	s.Add(key)
}

// TakeDeferred removes and returns the VRF's unresolved entries; entries
// that still fail must be re-deferred by the caller.
func (i *DependencyIndex) TakeDeferred(vrfName string) mapset.Set[vpnKey] {
	s, ok := i.deferred[vrfName]
	if !ok {
		return mapset.NewThreadUnsafeSet[vpnKey]()
	}
	delete(i.deferred, vrfName)
	return s
}

func (i *DependencyIndex) DropDeferred(vrfName string) {
	delete(i.deferred, vrfName)
}

// RemoveInterface drops the interface from the index entirely and returns
// the entries that used to depend on it.
func (i *DependencyIndex) RemoveInterface(ifName string) mapset.Set[vpnKey] {
	s, ok := i.ifDependents[ifName]
	if !ok {
		return mapset.NewThreadUnsafeSet[vpnKey]()
	}
	delete(i.ifDependents, ifName)
	return s
}
