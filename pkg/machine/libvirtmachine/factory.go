// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package libvirtmachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
	"github.com/alexandremahdhaoui/installsuite/pkg/vmm"
)

var errUnknownProfile = errors.New("unknown machine profile")

// LibvirtFactory creates Libvirt machines from a base domain configuration.
// Base.Name is ignored.
type LibvirtFactory struct {
	Domains Domains
	Dial    Dialer
	Base    vmm.VMConfig
	Options []Option
	// DomainPrefix is prepended to machine names, keeping the domains of
	// concurrent runs and scenarios apart.
	DomainPrefix string
}

var _ machine.Factory = &LibvirtFactory{}

// NewMachine implements Factory. Installed machines boot the target disk
// without the installer image. The seed stays attached so the installed
// system can pick up the SSH key too.
func (f *LibvirtFactory) NewMachine(_ context.Context, name string, profile machine.Profile) (machine.Machine, error) {
	cfg := f.Base
	cfg.Name = f.DomainPrefix + name

	switch profile {
	case machine.ProfileInstaller:
	case machine.ProfileInstalled:
		cfg.InstallerISOPath = ""
	default:
		return nil, errors.Join(fmt.Errorf("profile=%s", profile), errUnknownProfile)
	}

	return NewLibvirt(f.Domains, f.Dial, cfg, f.Options...)
}
