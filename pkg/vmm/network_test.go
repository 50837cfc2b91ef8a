/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build unit

package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func TestGenerateNetworkXML(t *testing.T) {
	xmlStr, err := generateNetworkXML(NetworkConfig{Name: "installsuite", Subnet: "192.168.150.1/24"})
	require.NoError(t, err)

	var network libvirtxml.Network
	require.NoError(t, network.Unmarshal(xmlStr))

	assert.Equal(t, "installsuite", network.Name)
	require.NotNil(t, network.Forward)
	assert.Equal(t, "nat", network.Forward.Mode)
	require.Len(t, network.IPs, 1)
	assert.Equal(t, "192.168.150.1", network.IPs[0].Address)
	assert.Equal(t, "255.255.255.0", network.IPs[0].Netmask)
	require.NotNil(t, network.IPs[0].DHCP)
	require.Len(t, network.IPs[0].DHCP.Ranges, 1)
	assert.Equal(t, "192.168.150.2", network.IPs[0].DHCP.Ranges[0].Start)
	assert.Equal(t, "192.168.150.254", network.IPs[0].DHCP.Ranges[0].End)
}

func TestGenerateNetworkXML_SmallSubnet(t *testing.T) {
	xmlStr, err := generateNetworkXML(NetworkConfig{Name: "tiny", Subnet: "10.0.0.1/29"})
	require.NoError(t, err)

	var network libvirtxml.Network
	require.NoError(t, network.Unmarshal(xmlStr))
	assert.Equal(t, "255.255.255.248", network.IPs[0].Netmask)
	assert.Equal(t, "10.0.0.2", network.IPs[0].DHCP.Ranges[0].Start)
	assert.Equal(t, "10.0.0.6", network.IPs[0].DHCP.Ranges[0].End)
}

func TestGenerateNetworkXML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  NetworkConfig
		want error
	}{
		{"no name", NetworkConfig{Subnet: "192.168.150.1/24"}, errNetworkNameRequired},
		{"not a cidr", NetworkConfig{Name: "n", Subnet: "192.168.150.1"}, errInvalidSubnet},
		{"ipv6", NetworkConfig{Name: "n", Subnet: "fd00::1/64"}, errInvalidSubnet},
		{"too small", NetworkConfig{Name: "n", Subnet: "10.0.0.1/30"}, errInvalidSubnet},
		{"gateway is broadcast", NetworkConfig{Name: "n", Subnet: "10.0.0.7/29"}, errInvalidSubnet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := generateNetworkXML(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNetworkMethods_NotInitialized(t *testing.T) {
	v := &VMM{}
	assert.ErrorIs(t, v.EnsureNetwork(NetworkConfig{Name: "n", Subnet: "10.0.0.1/24"}), errLibvirtNotInitialized)
	assert.ErrorIs(t, v.RemoveNetwork("n"), errLibvirtNotInitialized)
}
