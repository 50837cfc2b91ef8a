package scenario

import (
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
)

const (
	// DefaultDevice is the target disk of the test machine.
	DefaultDevice = "/dev/vda"
	// DefaultPassphrase unlocks encrypted installs when the scenario sets none.
	DefaultPassphrase = "supersecretpassword"
)

// Scenario is one installation configuration and the checks run against it,
// loaded from YAML.
type Scenario struct {
	// Name is the human-readable scenario name
	Name string `yaml:"name"`

	// Description explains what this scenario covers
	Description string `yaml:"description"`

	// Tags are labels for categorizing and filtering scenarios
	Tags []string `yaml:"tags,omitempty"`

	// Machine configures the virtual machine the installer runs in
	Machine MachineSpec `yaml:"machine,omitempty"`

	// Install holds the installer options under test
	Install InstallSpec `yaml:"install"`

	// Checks selects the optional checks
	Checks ChecksSpec `yaml:"checks,omitempty"`

	// Secrets holds the answers typed at the disk unlock prompt
	Secrets SecretsSpec `yaml:"secrets,omitempty"`

	// Timeouts overrides the machine wait bounds
	Timeouts TimeoutSpec `yaml:"timeouts,omitempty"`

	// ExpectedOutcome documents the expected test outcome (for documentation)
	ExpectedOutcome *ExpectedOutcome `yaml:"expectedOutcome,omitempty"`
}

// MachineSpec defines the virtual hardware.
type MachineSpec struct {
	// Memory is the memory allocation in MB
	Memory uint `yaml:"memory,omitempty"`

	// VCPUs is the number of virtual CPUs
	VCPUs uint `yaml:"vcpus,omitempty"`

	// DiskSize is the target disk size (format: "10G", "20G", etc.)
	DiskSize string `yaml:"diskSize,omitempty"`

	// InstallerISO overrides the installer live image of the configuration
	InstallerISO string `yaml:"installerISO,omitempty"`

	// Firmware is an optional UEFI firmware image
	Firmware string `yaml:"firmware,omitempty"`

	// MACAddress is the MAC address of the network interface (auto-generated if not specified)
	MACAddress string `yaml:"macAddress,omitempty"`
}

// InstallSpec mirrors the installer flags.
type InstallSpec struct {
	Device      string `yaml:"device,omitempty"`
	Hostname    string `yaml:"hostname,omitempty"`
	Filesystem  string `yaml:"filesystem,omitempty"`
	Encrypt     bool   `yaml:"encrypt,omitempty"`
	Fido        bool   `yaml:"fido,omitempty"`
	Swap        bool   `yaml:"swap,omitempty"`
	Hibernation bool   `yaml:"hibernation,omitempty"`
}

// Options returns the installer options of the spec.
func (s InstallSpec) Options() installargs.Options {
	o := installargs.Options{
		Filesystem:  installargs.Filesystem(s.Filesystem),
		Encrypt:     s.Encrypt,
		Fido:        s.Fido,
		Swap:        s.Swap,
		Hibernation: s.Hibernation,
	}
	if s.Device != "" {
		o.Devices = []string{s.Device}
	}
	if s.Hostname != "" {
		o = o.WithHostname(s.Hostname)
	}
	return o
}

// ChecksSpec selects the checks run besides installation and verification.
type ChecksSpec struct {
	// Validation lists the invalid-argument categories to check. All when empty.
	Validation []string `yaml:"validation,omitempty"`

	// SkipValidation disables the invalid-argument checks
	SkipValidation bool `yaml:"skipValidation,omitempty"`

	// SkipConfirmation disables the confirmation decline check
	SkipConfirmation bool `yaml:"skipConfirmation,omitempty"`
}

// Categories returns the invalid-argument categories to check.
func (c ChecksSpec) Categories() []installargs.Category {
	if c.SkipValidation {
		return nil
	}
	if len(c.Validation) == 0 {
		return installargs.Categories()
	}
	out := make([]installargs.Category, 0, len(c.Validation))
	for _, v := range c.Validation {
		out = append(out, installargs.Category(v))
	}
	return out
}

// SecretsSpec holds unlock secrets.
type SecretsSpec struct {
	// Passphrase is the LUKS passphrase given to the installer and typed at boot
	Passphrase string `yaml:"passphrase,omitempty"`

	// RecoveryKey is typed at the unlock prompt of FIDO installs
	RecoveryKey string `yaml:"recoveryKey,omitempty"`
}

// TimeoutSpec defines timeout configurations.
type TimeoutSpec struct {
	// Boot is the max wait for the guest to become reachable after a start
	Boot DurationString `yaml:"boot,omitempty"`

	// Shutdown is the max wait for the guest to power off
	Shutdown DurationString `yaml:"shutdown,omitempty"`

	// Unit is the max wait for a systemd unit to become active
	Unit DurationString `yaml:"unit,omitempty"`

	// Console is the max wait for console text
	Console DurationString `yaml:"console,omitempty"`

	// Poll is the poll interval for domain and unit state
	Poll DurationString `yaml:"poll,omitempty"`
}

// Apply overrides the fields of t set in the spec. The spec must be valid.
func (s TimeoutSpec) Apply(t machine.Timeouts) machine.Timeouts {
	set := func(dst *time.Duration, d DurationString) {
		if v, err := d.Duration(); err == nil && v > 0 {
			*dst = v
		}
	}
	set(&t.Boot, s.Boot)
	set(&t.Shutdown, s.Shutdown)
	set(&t.Unit, s.Unit)
	set(&t.Console, s.Console)
	set(&t.Poll, s.Poll)
	return t
}

// DurationString is a wrapper for time.Duration that supports YAML unmarshaling.
type DurationString string

// Duration parses the DurationString into a time.Duration.
func (d DurationString) Duration() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(string(d))
}

// ExpectedOutcome documents the expected test outcome.
type ExpectedOutcome struct {
	// Status is the expected status (passed, failed, etc.)
	Status string `yaml:"status,omitempty"`

	// Description describes the expected outcome
	Description string `yaml:"description,omitempty"`
}

// SetDefaults fills the fields a scenario may omit.
func (s *Scenario) SetDefaults() {
	if s.Install.Device == "" {
		s.Install.Device = DefaultDevice
	}
	if s.Install.Encrypt && !s.Install.Fido && s.Secrets.Passphrase == "" {
		s.Secrets.Passphrase = DefaultPassphrase
	}
}

// UnlockSecret returns what is typed at the disk unlock prompt, or "" when
// the installed disk is not encrypted.
func (s *Scenario) UnlockSecret() string {
	switch {
	case s.Install.Fido:
		return s.Secrets.RecoveryKey
	case s.Install.Encrypt:
		return s.Secrets.Passphrase
	}
	return ""
}
