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

package suite

import (
	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
)

// Plan returns the phases checking scenario s, in execution order.
func Plan(s *scenario.Scenario) []Phase {
	opts := s.Install.Options()
	secret := s.UnlockSecret()

	phases := []Phase{Readiness()}
	for _, c := range s.Checks.Categories() {
		phases = append(phases, NegativePath(c))
	}
	if !s.Checks.SkipConfirmation {
		phases = append(phases, ConfirmationDecline(opts.Device()))
	}

	phases = append(phases, Install(opts, s.Secrets.Passphrase))
	if opts.SwapEnabled() {
		phases = append(phases, DisableSwap())
	}
	phases = append(phases,
		InstallShutdown(),
		BootInstalled(BootAfterInstallName, secret),
		BootMounted(),
		RootPermissions(),
		MountVerification(opts),
	)

	if opts.SwapEnabled() {
		phases = append(phases, SwapVerification())
		if opts.EffectiveFilesystem() == installargs.FilesystemBtrfs {
			phases = append(phases, SwapMountVerification(opts))
		}
	}
	if opts.HostnameSet() {
		phases = append(phases, HostnameVerification(opts.Hostname))
	}
	if opts.Hibernation {
		phases = append(phases, HibernationVerification(secret))
	}

	return append(phases, FinalShutdown())
}

// PhaseNames returns the names of phases, in order.
func PhaseNames(phases []Phase) []string {
	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.Name)
	}
	return names
}
