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

package config

import (
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/osrg/govrf/internal/pkg/table"
	"github.com/osrg/govrf/pkg/server"
)

// InitialConfig applies a freshly read config to an empty server. Errors are
// collected per item rather than aborting the whole load: one bad network
// must not keep the remaining VRFs from coming up.
func InitialConfig(logger *slog.Logger, s *server.Server, c *Config) error {
	var result *multierror.Error
	for _, vc := range c.Vrfs {
		if err := applyVrf(s, &vc); err != nil {
			logger.Error("failed to apply vrf",
				slog.String("Topic", "config"),
				slog.String("Key", vc.Name),
				slog.Any("Error", err))
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func applyVrf(s *server.Server, vc *VrfConfig) error {
	var result *multierror.Error
	if err := s.AddVrf(vc.Name, vc.Id, vc.Rd, vc.ImportRt, vc.ExportRt); err != nil {
		return err
	}
	for _, ic := range vc.Interfaces {
		if err := s.AddInterface(vc.Name, ic.Name, !ic.Shutdown); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, nc := range vc.Networks {
		if err := addNetwork(s, vc.Name, &nc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func addNetwork(s *server.Server, vrf string, nc *NetworkConfig) error {
	protocol := nc.Protocol
	if protocol == "" {
		protocol = "static"
	}
	return s.AddPath(&server.PathArguments{
		Vrf:       vrf,
		Prefix:    nc.Prefix,
		Protocol:  protocol,
		Interface: nc.Interface,
		Gateway:   nc.Gateway,
		Metric:    nc.Metric,
	})
}

func vrfIndex(name string, vrfs []VrfConfig) int {
	for i, vc := range vrfs {
		if vc.Name == name {
			return i
		}
	}
	return -1
}

// UpdateConfig diffs the running config against a newly read one and applies
// the delta. VRFs and their contents may come and go at runtime; only what
// actually changed is touched.
func UpdateConfig(logger *slog.Logger, s *server.Server, cur, newC *Config) (*Config, error) {
	if cur == nil {
		return newC, InitialConfig(logger, s, newC)
	}
	var result *multierror.Error

	for _, vc := range cur.Vrfs {
		if vrfIndex(vc.Name, newC.Vrfs) < 0 {
			logger.Info("delete vrf",
				slog.String("Topic", "config"),
				slog.String("Key", vc.Name))
			if err := s.DeleteVrf(vc.Name); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for _, vc := range newC.Vrfs {
		idx := vrfIndex(vc.Name, cur.Vrfs)
		if idx < 0 {
			logger.Info("add vrf",
				slog.String("Topic", "config"),
				slog.String("Key", vc.Name))
			if err := applyVrf(s, &vc); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		if err := updateVrf(logger, s, &cur.Vrfs[idx], &vc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return newC, result.ErrorOrNil()
}

func updateVrf(logger *slog.Logger, s *server.Server, cur, newC *VrfConfig) error {
	var result *multierror.Error

	if cur.Rd != newC.Rd {
		logger.Info("update vrf rd",
			slog.String("Topic", "config"),
			slog.String("Key", newC.Name),
			slog.String("Rd", newC.Rd))
		if err := s.SetVrfRD(newC.Name, newC.Rd); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for dir, pair := range map[table.RtDirection][2][]string{
		table.RT_IMPORT: {cur.ImportRt, newC.ImportRt},
		table.RT_EXPORT: {cur.ExportRt, newC.ExportRt},
	} {
		added, deleted := diffStrings(pair[0], pair[1])
		if len(deleted) > 0 {
			if err := s.DeleteVrfRT(newC.Name, dir, deleted); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if len(added) > 0 {
			if err := s.AddVrfRT(newC.Name, dir, added); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	result = multierror.Append(result, updateInterfaces(s, cur, newC).Errors...)
	result = multierror.Append(result, updateNetworks(s, cur, newC).Errors...)
	return result.ErrorOrNil()
}

func updateInterfaces(s *server.Server, cur, newC *VrfConfig) *multierror.Error {
	result := &multierror.Error{}
	curIfs := make(map[string]InterfaceConfig, len(cur.Interfaces))
	for _, ic := range cur.Interfaces {
		curIfs[ic.Name] = ic
	}
	newIfs := make(map[string]InterfaceConfig, len(newC.Interfaces))
	for _, ic := range newC.Interfaces {
		newIfs[ic.Name] = ic
	}
	for name := range curIfs {
		if _, ok := newIfs[name]; !ok {
			if err := s.DeleteInterface(name); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for name, ic := range newIfs {
		old, ok := curIfs[name]
		if !ok {
			if err := s.AddInterface(newC.Name, name, !ic.Shutdown); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		if old.Shutdown != ic.Shutdown {
			if err := s.SetInterfaceState(name, !ic.Shutdown); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result
}

func updateNetworks(s *server.Server, cur, newC *VrfConfig) *multierror.Error {
	result := &multierror.Error{}
	type netKey struct{ prefix, protocol string }
	key := func(nc NetworkConfig) netKey {
		protocol := nc.Protocol
		if protocol == "" {
			protocol = "static"
		}
		return netKey{prefix: nc.Prefix, protocol: protocol}
	}
	curNets := make(map[netKey]NetworkConfig, len(cur.Networks))
	for _, nc := range cur.Networks {
		curNets[key(nc)] = nc
	}
	newNets := make(map[netKey]NetworkConfig, len(newC.Networks))
	for _, nc := range newC.Networks {
		newNets[key(nc)] = nc
	}
	for k := range curNets {
		if _, ok := newNets[k]; !ok {
			if err := s.DeletePath(newC.Name, k.prefix, k.protocol); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for k, nc := range newNets {
		old, ok := curNets[k]
		if ok && old == nc {
			continue
		}
		// re-announcing replaces the old version implicitly
		if err := addNetwork(s, newC.Name, &nc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func diffStrings(cur, newS []string) (added, deleted []string) {
	curSet := make(map[string]struct{}, len(cur))
	for _, s := range cur {
		curSet[s] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newS))
	for _, s := range newS {
		newSet[s] = struct{}{}
	}
	for _, s := range newS {
		if _, ok := curSet[s]; !ok {
			added = append(added, s)
		}
	}
	for _, s := range cur {
		if _, ok := newSet[s]; !ok {
			deleted = append(deleted, s)
		}
	}
	return added, deleted
}
