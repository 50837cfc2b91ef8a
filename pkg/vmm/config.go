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

// VMConfig describes one libvirt domain. Several domains may share DiskPath
// over time: the installer domain writes the disk and the post-install domain
// boots from it.
type VMConfig struct {
	Name string

	// DiskPath is the target disk, attached as /dev/vda.
	DiskPath string
	// InstallerISOPath is an optional live ISO booted before the disk.
	InstallerISOPath string
	// SeedISOPath is an optional cloud-init NoCloud seed.
	SeedISOPath string
	// FirmwarePath is an optional UEFI firmware image. BIOS boot when empty.
	FirmwarePath string

	MemoryMB   uint
	VCPUs      uint
	Network    string
	MACAddress string
}

// NewVMConfig returns a VMConfig with default resources.
func NewVMConfig(name, diskPath string) VMConfig {
	return VMConfig{
		Name:     name,
		DiskPath: diskPath,
		MemoryMB: defaultMemoryMB,
		VCPUs:    defaultVCPUs,
		Network:  defaultNetwork,
	}
}

func (c VMConfig) withDefaults() VMConfig {
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.VCPUs == 0 {
		c.VCPUs = defaultVCPUs
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	return c
}
