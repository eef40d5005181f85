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
	"fmt"

	"github.com/spf13/viper"
)

// InterfaceConfig binds one link to the enclosing VRF. Links default to up;
// shutdown is the explicit state.
type InterfaceConfig struct {
	Name     string `mapstructure:"name"`
	Shutdown bool   `mapstructure:"shutdown"`
}

// NetworkConfig is one route originated inside the enclosing VRF.
type NetworkConfig struct {
	Prefix    string `mapstructure:"prefix"`
	Protocol  string `mapstructure:"protocol"`
	Interface string `mapstructure:"interface"`
	Gateway   string `mapstructure:"gateway"`
	Metric    uint32 `mapstructure:"metric"`
}

type VrfConfig struct {
	Name       string            `mapstructure:"name"`
	Id         uint32            `mapstructure:"id"`
	Rd         string            `mapstructure:"rd"`
	ImportRt   []string          `mapstructure:"import-rt"`
	ExportRt   []string          `mapstructure:"export-rt"`
	Interfaces []InterfaceConfig `mapstructure:"interfaces"`
	Networks   []NetworkConfig   `mapstructure:"networks"`
}

type Config struct {
	Vrfs []VrfConfig `mapstructure:"vrfs"`
}

// ReadConfigFile parses a config file into a Config which can be applied
// with InitialConfig and UpdateConfig.
func ReadConfigFile(configFile, configType string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType(configType)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validate(c *Config) error {
	seen := make(map[string]struct{}, len(c.Vrfs))
	ifs := make(map[string]string)
	for _, vc := range c.Vrfs {
		if vc.Name == "" {
			return fmt.Errorf("vrf with empty name")
		}
		if _, ok := seen[vc.Name]; ok {
			return fmt.Errorf("duplicate vrf %s", vc.Name)
		}
		seen[vc.Name] = struct{}{}
		for _, ic := range vc.Interfaces {
			if owner, ok := ifs[ic.Name]; ok {
				return fmt.Errorf("interface %s bound to both %s and %s", ic.Name, owner, vc.Name)
			}
			ifs[ic.Name] = vc.Name
		}
		for _, nc := range vc.Networks {
			if nc.Interface == "" && nc.Gateway == "" {
				return fmt.Errorf("network %s in vrf %s needs an interface or a gateway", nc.Prefix, vc.Name)
			}
		}
	}
	return nil
}
