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

package machinefake

import (
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
	"github.com/google/shlex"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUmountBusy  = 32
	exitNotFound    = 127
	markerPath      = "/run/test/suspended"
	mntSwapfile     = "/mnt/swap/swapfile"
	swapSizeColumn  = "8G"
	installerPrefix = installargs.Command
)

var btrfsSubvolumes = []string{"/nix", "/persistent", "/snapshots", "/var/log"}

func ok(out string) machine.Result {
	return machine.Result{Output: out, ExitCode: exitOK}
}

func exit(code int, out string) machine.Result {
	return machine.Result{Output: out, ExitCode: code}
}

// handle emulates cmd. Callers hold m.mu.
func (m *Machine) handle(cmd string) machine.Result {
	m.f.mu.Lock()
	defer m.f.mu.Unlock()

	if stdin, args, isInstaller, err := splitInstaller(cmd); isInstaller {
		if err != nil {
			return exit(exitUsage, fmt.Sprintf("sh: syntax error: %v\n", err))
		}
		if m.profile != machine.ProfileInstaller {
			return exit(exitNotFound, "sh: nixos-install-script: command not found\n")
		}
		return m.install(stdin, args)
	}

	switch cmd {
	case "echo hello":
		return ok("hello\n")
	case "udevadm settle":
		return ok("")
	case "sync":
		m.f.disk.dirty = false
		return ok("")
	case "hostname":
		return ok(m.hostname() + "\n")
	case "mount":
		return ok(m.mountTable())
	}

	if m.profile == machine.ProfileInstaller {
		return m.handleInstaller(cmd)
	}
	return m.handleInstalled(cmd)
}

func (m *Machine) handleInstaller(cmd string) machine.Result {
	d := &m.f.disk
	switch cmd {
	case "swapoff " + mntSwapfile:
		if !d.swapActive {
			return exit(exitFailure, "swapoff: "+mntSwapfile+": swapoff failed: Invalid argument\n")
		}
		d.swapActive = false
		return ok("")
	case "umount -R /mnt":
		if !d.mntMounted {
			return exit(exitFailure, "umount: /mnt: not mounted.\n")
		}
		if d.swapActive {
			return exit(exitUmountBusy, "umount: /mnt/swap: target is busy.\n")
		}
		d.mntMounted = false
		return ok("")
	}
	return exit(exitNotFound, "sh: command not found\n")
}

func (m *Machine) handleInstalled(cmd string) machine.Result {
	opts := m.f.disk.installed
	switch {
	case cmd == "test -e /boot/grub":
		return ok("")
	case cmd == "stat -c '%a' /root":
		return ok(m.f.rootMode + "\n")
	case cmd == "cat /proc/swaps | grep -q /swap/swapfile":
		if opts.SwapEnabled() {
			return ok("")
		}
		return exit(exitFailure, "")
	case cmd == "swapon --show | awk 'NR==2 {print $3}'":
		if opts.SwapEnabled() {
			return ok(swapSizeColumn + "\n")
		}
		return ok("")
	case cmd == "mkdir /run/test":
		if m.mem.runTestDir {
			return exit(exitFailure, "mkdir: cannot create directory '/run/test': File exists\n")
		}
		m.mem.runTestDir = true
		return ok("")
	case cmd == "mount -t ramfs -o size=1m ramfs /run/test":
		if !m.mem.runTestDir {
			return exit(exitFailure, "mount: /run/test: mount point does not exist.\n")
		}
		m.mem.ramfs = true
		return ok("")
	case strings.HasPrefix(cmd, "echo ") && strings.HasSuffix(cmd, " > "+markerPath):
		if !m.mem.runTestDir {
			return exit(exitFailure, "sh: "+markerPath+": No such file or directory\n")
		}
		m.mem.marker = strings.TrimSuffix(strings.TrimPrefix(cmd, "echo "), " > "+markerPath) + "\n"
		return ok("")
	case strings.HasPrefix(cmd, "grep ") && strings.HasSuffix(cmd, " "+markerPath):
		fields, err := shlex.Split(cmd)
		if err != nil || len(fields) != 3 {
			return exit(exitUsage, "grep: usage\n")
		}
		if m.mem.marker == "" {
			return exit(exitUsage, "grep: "+markerPath+": No such file or directory\n")
		}
		if !strings.Contains(m.mem.marker, fields[1]) {
			return exit(exitFailure, "")
		}
		return ok(m.mem.marker)
	case cmd == "systemctl hibernate >&2 &":
		if opts.Hibernation {
			img := m.mem
			m.f.disk.image = &img
			m.poweroff = true
			m.print("PM: hibernation: hibernation entry")
		}
		return ok("")
	}
	return exit(exitNotFound, "sh: command not found\n")
}

func (m *Machine) hostname() string {
	if m.profile == machine.ProfileInstaller || m.f.disk.installed == nil {
		return "nixos"
	}
	return m.f.disk.installed.EffectiveHostname()
}

func (m *Machine) mountTable() string {
	var b strings.Builder
	b.WriteString("proc on /proc type proc (rw,nosuid,nodev,noexec,relatime)\n")

	opts := m.f.disk.installed
	if m.profile == machine.ProfileInstaller {
		b.WriteString("tmpfs on / type tmpfs (rw,relatime,mode=755)\n")
		if m.f.disk.mntMounted {
			b.WriteString("/dev/vda2 on /mnt type btrfs (rw,relatime)\n")
		}
		return b.String()
	}

	b.WriteString("tmpfs on / type tmpfs (rw,relatime,mode=755)\n")
	b.WriteString("/dev/vda1 on /boot type vfat (rw,relatime)\n")

	host := opts.EffectiveHostname()
	if opts.EffectiveFilesystem() == installargs.FilesystemZFS {
		fmt.Fprintf(&b, "%s/nix on /nix type zfs (rw,relatime,xattr,posixacl)\n", host)
		fmt.Fprintf(&b, "%s/persistent on /persistent type zfs (rw,relatime,xattr,posixacl)\n", host)
		fmt.Fprintf(&b, "%s/log on /var/log type zfs (rw,relatime,xattr,posixacl)\n", host)
	} else {
		dev := "/dev/vda2"
		if opts.Encrypt {
			dev = "/dev/mapper/" + host
		}
		mounts := btrfsSubvolumes
		if opts.SwapEnabled() {
			mounts = append(append([]string(nil), mounts...), "/swap")
		}
		for _, mnt := range mounts {
			fmt.Fprintf(&b, "%s on %s type btrfs (rw,relatime,space_cache=v2,subvol=%s)\n", dev, mnt, mnt)
		}
	}

	if m.mem.ramfs {
		b.WriteString("ramfs on /run/test type ramfs (rw,relatime,size=1m)\n")
	}
	return b.String()
}

// install emulates the installer: refuse invalid arguments, honour the
// confirmation answer, then write the disk.
func (m *Machine) install(stdin []string, args string) machine.Result {
	opts, err := installargs.Parse(args)
	if err == nil {
		err = opts.CheckDevice(m.f.devices)
	}
	if err != nil {
		if m.f.acceptedArgs[args] {
			return ok("")
		}
		return exit(exitUsage, fmt.Sprintf("error: %s\n", err))
	}

	if len(stdin) == 0 {
		return exit(exitFailure, "Proceed? [y/N] error: no answer on stdin\n")
	}
	if answer := stdin[0]; answer != "yes" && answer != "y" {
		return ok("Proceed? [y/N] Aborted.\n")
	}

	passphrase := ""
	if opts.Encrypt && !opts.Fido {
		if len(stdin) < 3 || stdin[1] == "" || stdin[1] != stdin[2] {
			return exit(exitFailure, "error: passphrases do not match\n")
		}
		passphrase = stdin[1]
	}

	d := &m.f.disk
	installed := opts
	d.installed = &installed
	d.passphrase = passphrase
	d.dirty = true
	d.mntMounted = true
	d.swapActive = opts.SwapEnabled()
	d.image = nil
	return ok("Installation finished.\n")
}

// splitInstaller recognises "[<feeder> |] nixos-install-script <args>" and
// returns the lines fed on stdin.
func splitInstaller(cmd string) ([]string, string, bool, error) {
	var feeder, invocation string
	if i := strings.LastIndex(cmd, " | "+installerPrefix); i >= 0 {
		feeder, invocation = cmd[:i], cmd[i+len(" | "):]
	} else {
		invocation = cmd
	}
	if invocation != installerPrefix && !strings.HasPrefix(invocation, installerPrefix+" ") {
		return nil, "", false, nil
	}
	args := strings.TrimPrefix(strings.TrimPrefix(invocation, installerPrefix), " ")

	fields, err := shlex.Split(feeder)
	if err != nil {
		return nil, args, true, err
	}
	switch {
	case len(fields) == 0:
		return nil, args, true, nil
	case fields[0] == "echo":
		return []string{strings.Join(fields[1:], " ")}, args, true, nil
	case fields[0] == "printf" && len(fields) > 1 && fields[1] == `%s\n`:
		return fields[2:], args, true, nil
	}
	return nil, args, true, nil
}
