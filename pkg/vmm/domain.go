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
	"crypto/rand"
	"errors"
	"fmt"

	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

// generateDomainXML creates libvirt domain XML from VMConfig
// Returns XML string ready for libvirt.DomainDefineXML()
func generateDomainXML(cfg VMConfig) (string, error) {
	cfg = cfg.withDefaults()

	macAddress := cfg.MACAddress
	if macAddress == "" {
		var err error
		macAddress, err = generateRandomMAC()
		if err != nil {
			return "", fmt.Errorf("generate MAC address: %w", err)
		}
	}

	// The installer ISO boots first; once it is gone the disk does.
	bootDevices := []libvirtxml.DomainBootDevice{{Dev: "hd"}}
	if cfg.InstallerISOPath != "" {
		bootDevices = []libvirtxml.DomainBootDevice{{Dev: "cdrom"}, {Dev: "hd"}}
	}

	osSpec := &libvirtxml.DomainOS{
		Type: &libvirtxml.DomainOSType{
			Arch:    "x86_64",
			Machine: "q35",
			Type:    "hvm",
		},
		BootDevices: bootDevices,
	}
	if cfg.FirmwarePath != "" {
		osSpec.Loader = &libvirtxml.DomainLoader{
			Path:     cfg.FirmwarePath,
			Readonly: "yes",
			Type:     "pflash",
		}
	}

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: cfg.DiskPath},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "vda",
				Bus: "virtio",
			},
		},
	}
	cdroms := []struct{ path, dev string }{
		{cfg.InstallerISOPath, "sda"},
		{cfg.SeedISOPath, "sdb"},
	}
	for _, cd := range cdroms {
		if cd.path == "" {
			continue
		}
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: cd.path},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: cd.dev,
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: osSpec,
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		// Hibernation and crash checks power the domain off and boot it
		// again, so it must stay defined.
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: disks,
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: cfg.Network,
						},
					},
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: macAddress,
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr.To(uint(0)),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To(uint(0)),
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	xmlStr, err := domain.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalDomainXML)
	}

	return xmlStr, nil
}

// generateRandomMAC generates a random MAC address with libvirt's prefix (52:54:00)
func generateRandomMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}
