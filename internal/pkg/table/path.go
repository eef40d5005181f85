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
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/segmentio/fasthash/fnv1a"
)

type Protocol uint8

const (
	PROTO_UNKNOWN Protocol = iota
	PROTO_CONNECTED
	PROTO_STATIC
	PROTO_BGP
)

func (p Protocol) String() string {
	switch p {
	case PROTO_CONNECTED:
		return "connected"
	case PROTO_STATIC:
		return "static"
	case PROTO_BGP:
		return "bgp"
	}
	return "unknown"
}

func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "connected":
		return PROTO_CONNECTED, nil
	case "static":
		return PROTO_STATIC, nil
	case "bgp":
		return PROTO_BGP, nil
	}
	return PROTO_UNKNOWN, fmt.Errorf("unknown protocol: %s", s)
}

// Administrative distances assigned at origination time. Leaked copies are
// re-tagged with DISTANCE_LEAKED on import regardless of the origin's value.
const (
	DISTANCE_CONNECTED uint8 = 0
	DISTANCE_STATIC    uint8 = 1
	DISTANCE_BGP       uint8 = 20
	DISTANCE_LEAKED    uint8 = 20
)

func (p Protocol) DefaultDistance() uint8 {
	switch p {
	case PROTO_CONNECTED:
		return DISTANCE_CONNECTED
	case PROTO_STATIC:
		return DISTANCE_STATIC
	}
	return DISTANCE_BGP
}

// Nexthop describes where traffic for a prefix leaves the node. For a leaked
// path the interface and VRF always belong to the originating VRF, never the
// importing one.
type Nexthop struct {
	Interface string
	VRF       string
	Gateway   netip.Addr
}

func (n Nexthop) String() string {
	if n.Gateway.IsValid() {
		return fmt.Sprintf("%s (via %s, vrf %s)", n.Gateway, n.Interface, n.VRF)
	}
	return fmt.Sprintf("directly connected (%s, vrf %s)", n.Interface, n.VRF)
}

// Path is a single routed prefix with its attributes. A Path is owned by
// whichever table currently holds it; cross-table references go through
// (RD, prefix) keys, never through shared pointers.
type Path struct {
	prefix   netip.Prefix
	vrf      string
	protocol Protocol
	distance uint8
	metric   uint32
	nexthop  Nexthop
	rd       bgp.RouteDistinguisherInterface
	rts      []bgp.ExtendedCommunityInterface
	leaked   bool

	IsWithdraw       bool
	IsNexthopInvalid bool

	timestamp time.Time
}

func NewPath(vrf string, prefix netip.Prefix, protocol Protocol, nexthop Nexthop, isWithdraw bool) *Path {
	if nexthop.VRF == "" {
		nexthop.VRF = vrf
	}
	return &Path{
		prefix:     prefix,
		vrf:        vrf,
		protocol:   protocol,
		distance:   protocol.DefaultDistance(),
		nexthop:    nexthop,
		IsWithdraw: isWithdraw,
		timestamp:  time.Now(),
	}
}

func (p *Path) GetPrefix() netip.Prefix {
	return p.prefix
}

// GetOriginVrf returns the name of the VRF the path was originated in. For a
// derived (leaked) path this is still the exporting VRF, not the importer.
func (p *Path) GetOriginVrf() string {
	return p.vrf
}

func (p *Path) GetProtocol() Protocol {
	return p.protocol
}

func (p *Path) GetDistance() uint8 {
	return p.distance
}

func (p *Path) SetDistance(d uint8) {
	p.distance = d
}

func (p *Path) GetMetric() uint32 {
	return p.metric
}

func (p *Path) SetMetric(m uint32) {
	p.metric = m
}

func (p *Path) GetNexthop() Nexthop {
	return p.nexthop
}

func (p *Path) SetNexthop(nh Nexthop) {
	p.nexthop = nh
}

func (p *Path) GetRD() bgp.RouteDistinguisherInterface {
	return p.rd
}

func (p *Path) GetRouteTargets() []bgp.ExtendedCommunityInterface {
	return p.rts
}

func (p *Path) SetRouteTargets(rts []bgp.ExtendedCommunityInterface) {
	p.rts = rts
}

// IsLocal reports whether the path was originated in the VRF whose table
// holds it, as opposed to being a derived copy installed by the import
// policy engine.
func (p *Path) IsLocal() bool {
	return !p.leaked
}

func (p *Path) GetTimestamp() time.Time {
	return p.timestamp
}

func (p *Path) Clone(isWithdraw bool) *Path {
	return &Path{
		prefix:           p.prefix,
		vrf:              p.vrf,
		protocol:         p.protocol,
		distance:         p.distance,
		metric:           p.metric,
		nexthop:          p.nexthop,
		rd:               p.rd,
		rts:              slices.Clone(p.rts),
		leaked:           p.leaked,
		IsWithdraw:       isWithdraw,
		IsNexthopInvalid: p.IsNexthopInvalid,
		timestamp:        p.timestamp,
	}
}

// ToVpn returns the VPN table rendition of a local path: tagged with the
// exporting VRF's RD and export route targets. The caller must have checked
// that the VRF has an RD.
func (p *Path) ToVpn(v *Vrf) *Path {
	vp := p.Clone(p.IsWithdraw)
	vp.rd = v.Rd
	vp.rts = v.ExportRt.ToSlice()
	return vp
}

// ToLocal returns the derived copy installed into an importing VRF's RIB.
// The copy keeps the origin VRF, nexthop and RD+RT bookkeeping of the VPN
// entry but shows up as a bgp-learned route with the leaked distance.
func (p *Path) ToLocal() *Path {
	lp := p.Clone(p.IsWithdraw)
	lp.leaked = true
	lp.protocol = PROTO_BGP
	lp.distance = DISTANCE_LEAKED
	return lp
}

// EqualByOrigin reports whether two paths describe the same route from the
// same origin: this is the identity used for implicit and explicit
// withdrawal matching within one table.
func (p *Path) EqualByOrigin(other *Path) bool {
	if p == nil || other == nil {
		return false
	}
	return p.prefix == other.prefix &&
		p.vrf == other.vrf &&
		p.protocol == other.protocol &&
		p.leaked == other.leaked
}

func (p *Path) rdString() string {
	if p.rd == nil {
		return ""
	}
	return p.rd.String()
}

// attrsHash folds every attribute that observers can see into one value, so
// that replace-without-change can be detected cheaply.
func (p *Path) attrsHash() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddString64(h, p.rdString())
	h = fnv1a.AddBytes64(h, []byte{byte(p.protocol), p.distance})
	h = fnv1a.AddString64(h, p.nexthop.Interface)
	h = fnv1a.AddString64(h, p.nexthop.VRF)
	if p.nexthop.Gateway.IsValid() {
		h = fnv1a.AddString64(h, p.nexthop.Gateway.String())
	}
	h = fnv1a.AddUint64(h, uint64(p.metric))
	for _, rt := range p.rts {
		if key, err := extCommRouteTargetKey(rt); err == nil {
			h = fnv1a.AddUint64(h, key)
		}
	}
	return h
}

// HasSameAttributes reports whether replacing p with other would be
// invisible to anything reading the table.
func (p *Path) HasSameAttributes(other *Path) bool {
	return p.attrsHash() == other.attrsHash() &&
		p.IsNexthopInvalid == other.IsNexthopInvalid
}

func (p *Path) String() string {
	state := ""
	if p.IsWithdraw {
		state = ", withdraw"
	} else if p.IsNexthopInvalid {
		state = ", inactive"
	}
	origin := "local"
	if p.leaked {
		origin = "leaked"
	}
	return fmt.Sprintf("{%s vrf: %s, %s/%s [%d/%d] nexthop: %s%s}",
		p.prefix, p.vrf, p.protocol, origin, p.distance, p.metric, p.nexthop, state)
}

func (p *Path) MarshalJSON() ([]byte, error) {
	rts := make([]string, 0, len(p.rts))
	for _, rt := range p.rts {
		rts = append(rts, rt.String())
	}
	return json.Marshal(struct {
		Prefix    string   `json:"prefix"`
		Vrf       string   `json:"vrf"`
		Protocol  string   `json:"protocol"`
		Distance  uint8    `json:"distance"`
		Metric    uint32   `json:"metric"`
		Rd        string   `json:"rd,omitempty"`
		Rts       []string `json:"routeTargets,omitempty"`
		Leaked    bool     `json:"leaked,omitempty"`
		Inactive  bool     `json:"inactive,omitempty"`
		Interface string   `json:"interfaceName"`
		NhVrf     string   `json:"nexthopVrf"`
		Age       float64  `json:"age"`
	}{
		Prefix:    p.prefix.String(),
		Vrf:       p.vrf,
		Protocol:  p.protocol.String(),
		Distance:  p.distance,
		Metric:    p.metric,
		Rd:        p.rdString(),
		Rts:       rts,
		Leaked:    p.leaked,
		Inactive:  p.IsNexthopInvalid,
		Interface: p.nexthop.Interface,
		NhVrf:     p.nexthop.VRF,
		Age:       time.Since(p.timestamp).Seconds(),
	})
}
