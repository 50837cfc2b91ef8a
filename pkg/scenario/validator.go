package scenario

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
)

var diskSizeRegexp = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

// ValidationError represents a validation error with detailed context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates a Scenario and returns detailed validation errors.
func Validate(scenario *Scenario) error {
	var errs ValidationErrors

	if scenario.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required"})
	}
	if scenario.Description == "" {
		errs = append(errs, ValidationError{Field: "description", Message: "description is required"})
	}

	errs = append(errs, validateMachine(scenario.Machine)...)
	errs = append(errs, validateInstall(scenario.Install)...)
	errs = append(errs, validateChecks(scenario.Checks)...)
	errs = append(errs, validateSecrets(scenario.Install, scenario.Secrets)...)
	errs = append(errs, validateTimeouts(scenario.Timeouts)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMachine(m MachineSpec) ValidationErrors {
	var errs ValidationErrors

	if m.MACAddress != "" {
		if _, err := net.ParseMAC(m.MACAddress); err != nil {
			errs = append(errs, ValidationError{
				Field:   "machine.macAddress",
				Message: fmt.Sprintf("invalid MAC address format: %v", err),
			})
		}
	}

	if m.DiskSize != "" && !diskSizeRegexp.MatchString(m.DiskSize) {
		errs = append(errs, ValidationError{
			Field:   "machine.diskSize",
			Message: fmt.Sprintf("invalid disk size '%s', expected e.g. 20G", m.DiskSize),
		})
	}

	if m.Memory != 0 && m.Memory < 1024 {
		errs = append(errs, ValidationError{
			Field:   "machine.memory",
			Message: fmt.Sprintf("memory must be at least 1024 MB, got %d", m.Memory),
		})
	}

	return errs
}

// validateInstall checks the install options with the same rules the
// installer applies, so a scenario cannot expect an install to succeed that
// the installer must refuse.
func validateInstall(spec InstallSpec) ValidationErrors {
	var errs ValidationErrors

	if spec.Filesystem != "" {
		switch installargs.Filesystem(spec.Filesystem) {
		case installargs.FilesystemBtrfs, installargs.FilesystemZFS:
		default:
			errs = append(errs, ValidationError{
				Field:   "install.filesystem",
				Message: fmt.Sprintf("invalid filesystem '%s', must be one of: btrfs, zfs", spec.Filesystem),
			})
		}
	}

	if err := spec.Options().Validate(); err != nil && len(errs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "install",
			Message: err.Error(),
		})
	}

	return errs
}

func validateChecks(checks ChecksSpec) ValidationErrors {
	var errs ValidationErrors

	known := make(map[installargs.Category]bool)
	for _, c := range installargs.Categories() {
		known[c] = true
	}

	for i, v := range checks.Validation {
		if !known[installargs.Category(v)] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("checks.validation[%d]", i),
				Message: fmt.Sprintf("unknown category '%s', must be one of: disk, hostname, filesystem, fido, hibernation", v),
			})
		}
	}

	return errs
}

func validateSecrets(install InstallSpec, secrets SecretsSpec) ValidationErrors {
	var errs ValidationErrors

	if install.Fido && secrets.RecoveryKey == "" {
		errs = append(errs, ValidationError{
			Field:   "secrets.recoveryKey",
			Message: "recoveryKey is required when install.fido is set",
		})
	}
	if install.Encrypt && !install.Fido && secrets.Passphrase == "" {
		errs = append(errs, ValidationError{
			Field:   "secrets.passphrase",
			Message: "passphrase is required when install.encrypt is set",
		})
	}
	if strings.ContainsAny(secrets.Passphrase+secrets.RecoveryKey, "\n\r") {
		errs = append(errs, ValidationError{
			Field:   "secrets",
			Message: "secrets must be a single line",
		})
	}

	return errs
}

// validateTimeouts validates timeout specifications.
func validateTimeouts(timeouts TimeoutSpec) ValidationErrors {
	var errs ValidationErrors

	validateTimeout := func(field string, duration DurationString) {
		if duration == "" {
			return
		}
		d, err := duration.Duration()
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   "timeouts." + field,
				Message: fmt.Sprintf("invalid duration format: %v", err),
			})
		case d <= 0:
			errs = append(errs, ValidationError{
				Field:   "timeouts." + field,
				Message: "duration must be positive",
			})
		}
	}

	validateTimeout("boot", timeouts.Boot)
	validateTimeout("shutdown", timeouts.Shutdown)
	validateTimeout("unit", timeouts.Unit)
	validateTimeout("console", timeouts.Console)
	validateTimeout("poll", timeouts.Poll)

	return errs
}
