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

package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	errNetworkNameRequired = errors.New("network name is required")
	errInvalidSubnet       = errors.New("subnet must be an IPv4 CIDR with room for a DHCP range")
	errDefineNetwork       = errors.New("failed to define libvirt network")
	errStartNetwork        = errors.New("failed to start libvirt network")
	errLookupNetwork       = errors.New("failed to look up libvirt network")
	errRemoveNetwork       = errors.New("failed to remove libvirt network")
	errMarshalNetworkXML   = errors.New("failed to marshal network XML")
)

// NetworkConfig describes a NAT network handing out addresses by DHCP, which
// DomainIP reads back from the leases.
type NetworkConfig struct {
	Name string
	// Subnet is the gateway address in CIDR notation, e.g. "192.168.150.1/24".
	Subnet string
}

// generateNetworkXML renders cfg. The DHCP range spans the subnet after the
// gateway, broadcast excluded.
func generateNetworkXML(cfg NetworkConfig) (string, error) {
	if cfg.Name == "" {
		return "", errNetworkNameRequired
	}

	gateway, ipnet, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("subnet=%s", cfg.Subnet), errInvalidSubnet)
	}
	gw4 := gateway.To4()
	ones, bits := ipnet.Mask.Size()
	if gw4 == nil || bits != 32 || ones > 29 {
		return "", errors.Join(fmt.Errorf("subnet=%s", cfg.Subnet), errInvalidSubnet)
	}

	network := ipnet.IP.To4()
	broadcast := make(net.IP, 4)
	for i := range broadcast {
		broadcast[i] = network[i] | ^ipnet.Mask[i]
	}

	start := nextIP(gw4)
	end := prevIP(broadcast)
	if !ipnet.Contains(start) || bytesCompare(start, end) > 0 {
		return "", errors.Join(fmt.Errorf("subnet=%s", cfg.Subnet), errInvalidSubnet)
	}

	doc := &libvirtxml.Network{
		Name:    cfg.Name,
		Forward: &libvirtxml.NetworkForward{Mode: "nat"},
		Bridge:  &libvirtxml.NetworkBridge{STP: "on"},
		IPs: []libvirtxml.NetworkIP{{
			Address: gw4.String(),
			Netmask: net.IP(ipnet.Mask).String(),
			DHCP: &libvirtxml.NetworkDHCP{
				Ranges: []libvirtxml.NetworkDHCPRange{{
					Start: start.String(),
					End:   end.String(),
				}},
			},
		}},
	}

	out, err := doc.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalNetworkXML)
	}
	return out, nil
}

func nextIP(ip net.IP) net.IP {
	out := append(net.IP(nil), ip...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func prevIP(ip net.IP) net.IP {
	out := append(net.IP(nil), ip...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

func bytesCompare(a, b net.IP) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// EnsureNetwork defines and starts the network of cfg unless a network of
// that name exists, in which case it is only started.
func (v *VMM) EnsureNetwork(cfg NetworkConfig) error {
	if v.conn == nil {
		return errLibvirtNotInitialized
	}

	network, err := v.conn.LookupNetworkByName(cfg.Name)
	if err != nil {
		if !isNoNetwork(err) {
			return errors.Join(err, fmt.Errorf("network=%s", cfg.Name), errLookupNetwork)
		}

		networkXML, err := generateNetworkXML(cfg)
		if err != nil {
			return err
		}
		network, err = v.conn.NetworkDefineXML(networkXML)
		if err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", cfg.Name), errDefineNetwork)
		}
		slog.Info("defined network", "network", cfg.Name, "subnet", cfg.Subnet)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", cfg.Name), errLookupNetwork)
	}
	if active {
		return nil
	}
	if err := network.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", cfg.Name), errStartNetwork)
	}
	slog.Info("started network", "network", cfg.Name)
	return nil
}

// RemoveNetwork stops and undefines a network. A missing network is not an error.
func (v *VMM) RemoveNetwork(name string) error {
	if v.conn == nil {
		return errLibvirtNotInitialized
	}

	network, err := v.conn.LookupNetworkByName(name)
	if err != nil {
		if isNoNetwork(err) {
			return nil
		}
		return errors.Join(err, fmt.Errorf("network=%s", name), errLookupNetwork)
	}
	defer func() { _ = network.Free() }()

	if active, err := network.IsActive(); err == nil && active {
		if err := network.Destroy(); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name), errRemoveNetwork)
		}
	}
	if err := network.Undefine(); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), errRemoveNetwork)
	}
	return nil
}

func isNoNetwork(err error) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_NETWORK
}
