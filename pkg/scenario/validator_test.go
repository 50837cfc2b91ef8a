//go:build unit

package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validScenario() *Scenario {
	s := &Scenario{
		Name:        "valid",
		Description: "valid scenario",
		Install:     InstallSpec{Hostname: "valid"},
	}
	s.SetDefaults()
	return s
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validScenario()))
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Scenario)
		field  string
	}{
		{name: "missing name", mutate: func(s *Scenario) { s.Name = "" }, field: "name"},
		{name: "missing description", mutate: func(s *Scenario) { s.Description = "" }, field: "description"},
		{name: "bad mac", mutate: func(s *Scenario) { s.Machine.MACAddress = "nope" }, field: "machine.macAddress"},
		{name: "bad disk size", mutate: func(s *Scenario) { s.Machine.DiskSize = "twenty" }, field: "machine.diskSize"},
		{name: "too little memory", mutate: func(s *Scenario) { s.Machine.Memory = 512 }, field: "machine.memory"},
		{name: "ext4", mutate: func(s *Scenario) { s.Install.Filesystem = "ext4" }, field: "install.filesystem"},
		{name: "bad hostname", mutate: func(s *Scenario) { s.Install.Hostname = "inc0r^ct" }, field: "install"},
		{name: "fido without encrypt", mutate: func(s *Scenario) { s.Install.Fido = true; s.Secrets.RecoveryKey = "k" }, field: "install"},
		{name: "hibernation on zfs", mutate: func(s *Scenario) {
			s.Install.Filesystem = "zfs"
			s.Install.Hibernation = true
		}, field: "install"},
		{name: "device outside /dev", mutate: func(s *Scenario) { s.Install.Device = "vda" }, field: "install"},
		{name: "fido without recovery key", mutate: func(s *Scenario) {
			s.Install.Encrypt = true
			s.Install.Fido = true
		}, field: "secrets.recoveryKey"},
		{name: "encrypt without passphrase", mutate: func(s *Scenario) { s.Install.Encrypt = true }, field: "secrets.passphrase"},
		{name: "multiline secret", mutate: func(s *Scenario) {
			s.Install.Encrypt = true
			s.Secrets.Passphrase = "a\nb"
		}, field: "secrets"},
		{name: "unknown category", mutate: func(s *Scenario) { s.Checks.Validation = []string{"swap"} }, field: "checks.validation[0]"},
		{name: "bad duration", mutate: func(s *Scenario) { s.Timeouts.Boot = "soon" }, field: "timeouts.boot"},
		{name: "zero duration", mutate: func(s *Scenario) { s.Timeouts.Poll = "0s" }, field: "timeouts.poll"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validScenario()
			tt.mutate(s)

			err := Validate(s)
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)

			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())

	errs := ValidationErrors{
		{Field: "name", Message: "name is required"},
		{Message: "something else"},
	}
	assert.Equal(t,
		"validation error in field 'name': name is required; validation error: something else",
		errs.Error(),
	)
}

func TestChecksSpec_Categories(t *testing.T) {
	assert.Nil(t, ChecksSpec{SkipValidation: true, Validation: []string{"disk"}}.Categories())
	assert.Len(t, ChecksSpec{}.Categories(), 5)
	assert.Equal(t, "fido", string(ChecksSpec{Validation: []string{"fido"}}.Categories()[0]))
}
