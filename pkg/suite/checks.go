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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
)

const (
	// UnlockPrompt is printed on the console while the installed system waits
	// for the disk passphrase.
	UnlockPrompt = "Starting password query on"

	// HibernationMarker is written to RAM before hibernating.
	HibernationMarker = "not persisted to disk"

	markerDir  = "/run/test"
	markerFile = markerDir + "/suspended"

	swapfileDuringInstall = "/mnt/swap/swapfile"
	swapfileInstalled     = "/swap/swapfile"
	swapSize              = "8G"
	rootMode              = "700"
)

var btrfsSubvolumes = []string{"/nix", "/persistent", "/snapshots", "/var/log"}

// assertContains fails when the output of cmd lacks want.
func assertContains(cmd, out, want string) error {
	if !strings.Contains(out, want) {
		return errors.Join(fmt.Errorf("cmd=%q want=%q got=%q", cmd, want, out), ErrAssertion)
	}
	return nil
}

func succeedContains(ctx context.Context, m machine.Machine, cmd string, want ...string) error {
	out, err := m.Succeed(ctx, cmd)
	if err != nil {
		return err
	}
	for _, w := range want {
		if err := assertContains(cmd, out, w); err != nil {
			return err
		}
	}
	return nil
}

func succeedAll(ctx context.Context, m machine.Machine, cmds ...string) error {
	for _, cmd := range cmds {
		if _, err := m.Succeed(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Unlock starts m and answers the disk unlock prompt with secret.
func Unlock(ctx context.Context, m machine.Machine, secret string) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	if err := m.WaitForConsoleText(ctx, UnlockPrompt); err != nil {
		return err
	}
	return m.SendConsole(ctx, secret+"\n")
}

// startAndUnlock starts m, then unlocks it when secret is set.
func startAndUnlock(ctx context.Context, m machine.Machine, secret string) error {
	if secret == "" {
		return m.Start(ctx)
	}
	return Unlock(ctx, m, secret)
}

// Readiness waits until the installer answers commands and udev has settled.
func Readiness() Phase {
	return Phase{
		Name: "Wait for the installer to be ready",
		Run: func(ctx context.Context, s *State) error {
			return succeedAll(ctx, s.Machine(), "echo hello", "udevadm settle")
		},
	}
}

// NegativePath checks that every known-invalid invocation of category c is refused.
func NegativePath(c installargs.Category) Phase {
	return Phase{
		Name: c.Description(),
		Run: func(ctx context.Context, s *State) error {
			for _, tc := range installargs.InvalidCases(c) {
				if _, err := s.Machine().Fail(ctx, installargs.Invocation(tc.Args)); err != nil {
					return errors.Join(err, fmt.Errorf("category=%s args=%q", c, tc.Args))
				}
			}
			return nil
		},
	}
}

// ConfirmationDecline checks that answering "no" aborts cleanly.
func ConfirmationDecline(device string) Phase {
	return Phase{
		Name: "Check that declining confirmation works",
		Run: func(ctx context.Context, s *State) error {
			_, err := s.Machine().Succeed(ctx, "echo no | "+installargs.Invocation(device))
			return err
		},
	}
}

// InstallCommand returns the unattended installer command for opts. Encrypted
// installs read the passphrase twice after the confirmation.
func InstallCommand(opts installargs.Options, passphrase string) string {
	input := []string{"yes"}
	if opts.Encrypt && !opts.Fido {
		input = append(input, passphrase, passphrase)
	}
	return installargs.Piped(opts.Args(), input...)
}

// Install runs the installer to completion.
func Install(opts installargs.Options, passphrase string) Phase {
	return Phase{
		Name: "Check that the installation script runs to completion",
		Run: func(ctx context.Context, s *State) error {
			_, err := s.Machine().Succeed(ctx, InstallCommand(opts, passphrase))
			return err
		},
	}
}

// DisableSwap deactivates the swapfile the installer enabled under /mnt.
func DisableSwap() Phase {
	return Phase{
		Name: "Disable swap",
		Run: func(ctx context.Context, s *State) error {
			_, err := s.Machine().Succeed(ctx, "swapoff "+swapfileDuringInstall)
			return err
		},
	}
}

// InstallShutdown flushes the installed system to disk and powers off.
func InstallShutdown() Phase {
	return Phase{
		Name: "Shutdown system after installation",
		Run: func(ctx context.Context, s *State) error {
			m := s.Machine()
			if err := succeedAll(ctx, m, "umount -R /mnt", "sync"); err != nil {
				return err
			}
			return m.Shutdown(ctx)
		},
	}
}

// BootInstalled replaces the installer with a machine booting the installed
// disk, unlocking it when secret is set.
func BootInstalled(name, secret string) Phase {
	return Phase{
		Name: "Boot the installed system",
		Run: func(ctx context.Context, s *State) error {
			if err := s.Boot(ctx, name, machine.ProfileInstalled); err != nil {
				return err
			}
			return startAndUnlock(ctx, s.Machine(), secret)
		},
	}
}

// BootMounted checks that local filesystems, /boot included, are mounted.
func BootMounted() Phase {
	return Phase{
		Name: "Assert that /boot get mounted",
		Run: func(ctx context.Context, s *State) error {
			m := s.Machine()
			if err := m.WaitForUnit(ctx, "local-fs.target"); err != nil {
				return err
			}
			_, err := m.Succeed(ctx, "test -e /boot/grub")
			return err
		},
	}
}

// RootPermissions checks that /root is private to root.
func RootPermissions() Phase {
	return Phase{
		Name: "Check whether /root has correct permissions",
		Run: func(ctx context.Context, s *State) error {
			return succeedContains(ctx, s.Machine(), "stat -c '%a' /root", rootMode)
		},
	}
}

// partition returns the n-th partition of a disk device.
func partition(device string, n int) string {
	return fmt.Sprintf("%s%d", device, n)
}

// rootDevice returns the block device the btrfs subvolumes are mounted from.
func rootDevice(opts installargs.Options) string {
	if opts.Encrypt {
		return "/dev/mapper/" + opts.EffectiveHostname()
	}
	return partition(opts.Device(), 2)
}

// ExpectedMounts returns the lines `mount` must print on the installed system.
func ExpectedMounts(opts installargs.Options) []string {
	lines := []string{partition(opts.Device(), 1) + " on /boot type vfat"}

	if opts.EffectiveFilesystem() == installargs.FilesystemZFS {
		host := opts.EffectiveHostname()
		return append(lines,
			host+"/nix on /nix type zfs",
			host+"/persistent on /persistent type zfs",
			host+"/log on /var/log type zfs",
		)
	}

	dev := rootDevice(opts)
	for _, mnt := range btrfsSubvolumes {
		lines = append(lines, fmt.Sprintf("%s on %s type btrfs", dev, mnt))
	}
	return lines
}

// MountVerification checks the mount table against the install options.
func MountVerification(opts installargs.Options) Phase {
	return Phase{
		Name: "Check whether drive is mounted correctly",
		Run: func(ctx context.Context, s *State) error {
			return succeedContains(ctx, s.Machine(), "mount", ExpectedMounts(opts)...)
		},
	}
}

// SwapVerification checks that the swapfile is active.
func SwapVerification() Phase {
	return Phase{
		Name: "Assert swap device got activated",
		Run: func(ctx context.Context, s *State) error {
			m := s.Machine()
			if err := m.WaitForUnit(ctx, "swap.target"); err != nil {
				return err
			}
			_, err := m.Succeed(ctx, "cat /proc/swaps | grep -q "+swapfileInstalled)
			return err
		},
	}
}

// SwapMountVerification checks the swap subvolume and the swapfile size.
func SwapMountVerification(opts installargs.Options) Phase {
	return Phase{
		Name: "Check that swap subvolume is mounted correctly",
		Run: func(ctx context.Context, s *State) error {
			m := s.Machine()
			if err := succeedContains(ctx, m, "mount", rootDevice(opts)+" on /swap type btrfs"); err != nil {
				return err
			}
			return succeedContains(ctx, m, "swapon --show | awk 'NR==2 {print $3}'", swapSize)
		},
	}
}

// HostnameVerification checks the hostname of the installed system.
func HostnameVerification(hostname string) Phase {
	return Phase{
		Name: "Check that hostname is set correctly",
		Run: func(ctx context.Context, s *State) error {
			return succeedContains(ctx, s.Machine(), "hostname", hostname)
		},
	}
}

// HibernationVerification checks that a marker kept only in RAM survives
// hibernation and resume, and is gone after a crash and a cold boot.
func HibernationVerification(secret string) Phase {
	grepMarker := fmt.Sprintf("grep '%s' %s", HibernationMarker, markerFile)

	return Phase{
		Name: "Check that hibernation works correctly",
		Run: func(ctx context.Context, s *State) error {
			m := s.Machine()

			if err := succeedAll(ctx, m,
				"mkdir "+markerDir,
				"mount -t ramfs -o size=1m ramfs "+markerDir,
				fmt.Sprintf("echo %s > %s", HibernationMarker, markerFile),
			); err != nil {
				return err
			}

			if _, err := m.Execute(ctx, "systemctl hibernate >&2 &", false); err != nil {
				return err
			}
			if err := m.WaitForShutdown(ctx); err != nil {
				return err
			}

			if err := startAndUnlock(ctx, m, secret); err != nil {
				return err
			}
			if _, err := m.Succeed(ctx, grepMarker); err != nil {
				return errors.Join(errors.New("marker lost across hibernation"), err)
			}

			if err := m.Crash(ctx); err != nil {
				return err
			}
			if err := startAndUnlock(ctx, m, secret); err != nil {
				return err
			}
			if err := m.WaitForUnit(ctx, "default.target"); err != nil {
				return err
			}
			if _, err := m.Fail(ctx, grepMarker); err != nil {
				return errors.Join(errors.New("marker restored after a cold boot"), err)
			}
			return nil
		},
	}
}

// FinalShutdown powers the installed system off.
func FinalShutdown() Phase {
	return Phase{
		Name: "Shutdown the installed system",
		Run: func(ctx context.Context, s *State) error {
			return s.Machine().Shutdown(ctx)
		},
	}
}
