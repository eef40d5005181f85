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
	"github.com/prometheus/client_golang/prometheus"
)

type vrfMetricsCollector struct {
	server *Server
}

var _ prometheus.Collector = &vrfMetricsCollector{}

var (
	vrfDestinationsDesc = prometheus.NewDesc(
		"govrf_vrf_destinations",
		"Number of destinations in a VRF's local RIB",
		[]string{"vrf"}, nil,
	)
	vrfPathsDesc = prometheus.NewDesc(
		"govrf_vrf_paths",
		"Number of candidate paths in a VRF's local RIB",
		[]string{"vrf"}, nil,
	)
	vpnDestinationsDesc = prometheus.NewDesc("govrf_vpn_destinations", "Number of entries in the shared VPN table", nil, nil)
	vpnPathsDesc        = prometheus.NewDesc("govrf_vpn_paths", "Number of candidate paths in the shared VPN table", nil, nil)
	ribEventsTotalDesc  = prometheus.NewDesc("govrf_rib_events_total", "Number of RIB change events dispatched to watchers", nil, nil)
	watchersDesc        = prometheus.NewDesc("govrf_watchers", "Number of registered RIB watchers", nil, nil)
)

// NewVrfMetricsCollector returns a collector reading table sizes through the
// event dispatcher, so a scrape observes a consistent snapshot.
func NewVrfMetricsCollector(s *Server) prometheus.Collector {
	return &vrfMetricsCollector{server: s}
}

func (m *vrfMetricsCollector) Describe(out chan<- *prometheus.Desc) {
	out <- vrfDestinationsDesc
	out <- vrfPathsDesc
	out <- vpnDestinationsDesc
	out <- vpnPathsDesc
	out <- ribEventsTotalDesc
	out <- watchersDesc
}

func (m *vrfMetricsCollector) Collect(out chan<- prometheus.Metric) {
	s := m.server
	_ = s.mgmtOperation(func() error {
		for _, v := range s.manager.ListVrfs() {
			info := s.manager.VrfInfo(v.Name)
			if info == nil {
				continue
			}
			out <- prometheus.MustNewConstMetric(vrfDestinationsDesc, prometheus.GaugeValue, float64(info.NumDestination), v.Name)
			out <- prometheus.MustNewConstMetric(vrfPathsDesc, prometheus.GaugeValue, float64(info.NumPath), v.Name)
		}
		vpn := s.manager.VpnInfo()
		out <- prometheus.MustNewConstMetric(vpnDestinationsDesc, prometheus.GaugeValue, float64(vpn.NumDestination))
		out <- prometheus.MustNewConstMetric(vpnPathsDesc, prometheus.GaugeValue, float64(vpn.NumPath))
		out <- prometheus.MustNewConstMetric(ribEventsTotalDesc, prometheus.CounterValue, float64(s.eventCount))
		out <- prometheus.MustNewConstMetric(watchersDesc, prometheus.GaugeValue, float64(len(s.watchers)))
		return nil
	})
}
