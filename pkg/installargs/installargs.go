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

// Package installargs models the argument surface of the installation script
// driven by the acceptance suite. It is used to render valid invocations and
// to document which invocations the installer must refuse.
package installargs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/pkg/execcontext"
)

// Command is the name of the installer executable inside the live environment.
const Command = "nixos-install-script"

// MaxHostnameLength is the longest accepted hostname (a single DNS label).
const MaxHostnameLength = 63

// DefaultHostname is the hostname of an installed system when none is given.
const DefaultHostname = "nixos"

// Filesystem is a root filesystem supported by the installer in the tested flows.
type Filesystem string

const (
	FilesystemBtrfs Filesystem = "btrfs"
	FilesystemZFS   Filesystem = "zfs"
)

var (
	ErrNoDevice            = errors.New("exactly one target device is required")
	ErrTooManyDevices      = errors.New("only one target device is supported")
	ErrInvalidDevice       = errors.New("target device must be a /dev path")
	ErrDeviceNotFound      = errors.New("target device does not exist")
	ErrMissingValue        = errors.New("flag requires a value")
	ErrInvalidHostname     = errors.New("invalid hostname")
	ErrInvalidFilesystem   = errors.New("unsupported filesystem")
	ErrFidoWithoutEncrypt  = errors.New("--fido requires --encrypt")
	ErrHibernationWithZFS  = errors.New("--hibernation is not supported with --filesystem=zfs")
	ErrUnknownFlag         = errors.New("unknown flag")
	ErrUnexpectedFlagValue = errors.New("flag does not take a value")
)

var hostnameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// Options is a parsed installer invocation.
type Options struct {
	Devices     []string
	Hostname    string
	Filesystem  Filesystem
	Encrypt     bool
	Fido        bool
	Swap        bool
	Hibernation bool

	// hostnameSet distinguishes "--hostname=" from an absent flag.
	hostnameSet bool
}

// WithHostname returns a copy of o with the hostname flag set.
func (o Options) WithHostname(hostname string) Options {
	o.Hostname = hostname
	o.hostnameSet = true
	return o
}

// HostnameSet reports whether the hostname flag was given.
func (o Options) HostnameSet() bool {
	return o.hostnameSet || o.Hostname != ""
}

// EffectiveHostname returns the hostname the installed system will carry.
func (o Options) EffectiveHostname() string {
	if o.Hostname == "" {
		return DefaultHostname
	}
	return o.Hostname
}

// Device returns the single target device, or "" when none was given.
func (o Options) Device() string {
	if len(o.Devices) == 0 {
		return ""
	}
	return o.Devices[0]
}

// SwapEnabled reports whether the installed system gets a swapfile.
// Hibernation needs somewhere to write the image, so it implies swap.
func (o Options) SwapEnabled() bool {
	return o.Swap || o.Hibernation
}

// EffectiveFilesystem returns the filesystem the installer will create.
func (o Options) EffectiveFilesystem() Filesystem {
	if o.Filesystem == "" {
		return FilesystemBtrfs
	}
	return o.Filesystem
}

// Parse parses a whitespace separated argument string the way the installer does
// and validates the result.
func Parse(args string) (Options, error) {
	return ParseArgs(strings.Fields(args))
}

// ParseArgs parses an argument vector and validates the result.
func ParseArgs(args []string) (Options, error) {
	var o Options
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			o.Devices = append(o.Devices, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch name {
		case "hostname":
			if !hasValue {
				return Options{}, fmt.Errorf("--hostname: %w", ErrMissingValue)
			}
			o = o.WithHostname(value)
		case "filesystem":
			if !hasValue {
				return Options{}, fmt.Errorf("--filesystem: %w", ErrMissingValue)
			}
			o.Filesystem = Filesystem(value)
			if o.Filesystem == "" {
				return Options{}, fmt.Errorf("--filesystem: %w", ErrMissingValue)
			}
		case "encrypt", "fido", "swap", "hibernation":
			if hasValue {
				return Options{}, fmt.Errorf("--%s: %w", name, ErrUnexpectedFlagValue)
			}
			switch name {
			case "encrypt":
				o.Encrypt = true
			case "fido":
				o.Fido = true
			case "swap":
				o.Swap = true
			case "hibernation":
				o.Hibernation = true
			}
		default:
			return Options{}, fmt.Errorf("--%s: %w", name, ErrUnknownFlag)
		}
	}

	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks o against the installer contract.
func (o Options) Validate() error {
	switch {
	case len(o.Devices) == 0:
		return ErrNoDevice
	case len(o.Devices) > 1:
		return errors.Join(fmt.Errorf("devices=%s", strings.Join(o.Devices, ",")), ErrTooManyDevices)
	case !strings.HasPrefix(o.Devices[0], "/dev/"):
		return errors.Join(fmt.Errorf("device=%s", o.Devices[0]), ErrInvalidDevice)
	}

	if o.HostnameSet() {
		if err := ValidateHostname(o.Hostname); err != nil {
			return err
		}
	}

	switch o.EffectiveFilesystem() {
	case FilesystemBtrfs, FilesystemZFS:
	default:
		return errors.Join(fmt.Errorf("filesystem=%s", o.Filesystem), ErrInvalidFilesystem)
	}

	if o.Fido && !o.Encrypt {
		return ErrFidoWithoutEncrypt
	}

	if o.Hibernation && o.EffectiveFilesystem() == FilesystemZFS {
		return ErrHibernationWithZFS
	}

	return nil
}

// CheckDevice verifies the target device is one of the block devices present
// on the machine.
func (o Options) CheckDevice(available []string) error {
	dev := o.Device()
	for _, a := range available {
		if a == dev {
			return nil
		}
	}
	return errors.Join(fmt.Errorf("device=%s", dev), ErrDeviceNotFound)
}

// ValidateHostname checks a hostname: 1 to 63 alphanumeric or hyphen characters,
// not starting with a hyphen.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return errors.Join(errors.New("hostname is empty"), ErrInvalidHostname)
	}
	if len(hostname) > MaxHostnameLength {
		return errors.Join(
			fmt.Errorf("hostname has %d characters, limit is %d", len(hostname), MaxHostnameLength),
			ErrInvalidHostname,
		)
	}
	if !hostnameRegexp.MatchString(hostname) {
		return errors.Join(fmt.Errorf("hostname=%q", hostname), ErrInvalidHostname)
	}
	return nil
}

// Args renders o as the argument string passed to the installer. Flags come
// first, the device last.
func (o Options) Args() string {
	var parts []string
	if o.HostnameSet() {
		parts = append(parts, "--hostname="+o.Hostname)
	}
	if o.Filesystem != "" {
		parts = append(parts, "--filesystem="+string(o.Filesystem))
	}
	if o.Encrypt {
		parts = append(parts, "--encrypt")
	}
	if o.Fido {
		parts = append(parts, "--fido")
	}
	if o.Swap {
		parts = append(parts, "--swap")
	}
	if o.Hibernation {
		parts = append(parts, "--hibernation")
	}
	parts = append(parts, o.Devices...)
	return strings.Join(parts, " ")
}

// CommandLine returns the full installer command for o.
func (o Options) CommandLine() string {
	return Invocation(o.Args())
}

// Invocation returns the installer command for a raw argument string.
func Invocation(args string) string {
	if args == "" {
		return Command
	}
	return Command + " " + args
}

// Piped returns the installer command for args with input fed to its stdin,
// one line per element.
func Piped(args string, input ...string) string {
	quoted := make([]string, 0, len(input))
	for _, line := range input {
		quoted = append(quoted, execcontext.Quote(line))
	}
	return "printf '%s\\n' " + strings.Join(quoted, " ") + " | " + Invocation(args)
}
