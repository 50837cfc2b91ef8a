//go:build unit

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

package suite_test

import (
	"context"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/installsuite/internal/util/fakes/machinefake"
	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
	"github.com/alexandremahdhaoui/installsuite/pkg/reporting"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
	"github.com/alexandremahdhaoui/installsuite/pkg/suite"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockObserver is a mock for suite.Observer
type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) ObservePhase(phase string, status reporting.Status, d time.Duration) {
	m.Called(phase, status, d)
}

func newScenario(install scenario.InstallSpec, secrets scenario.SecretsSpec) *scenario.Scenario {
	s := &scenario.Scenario{
		Name:        "test",
		Description: "test scenario",
		Install:     install,
		Secrets:     secrets,
	}
	s.SetDefaults()
	return s
}

func run(t *testing.T, f *machinefake.Factory, s *scenario.Scenario, opts ...suite.RunnerOption) (*reporting.Result, error) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, scenario.Validate(s))
	state, err := suite.NewState(ctx, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close(ctx) })

	return suite.NewRunner(testr.New(t), opts...).
		Run(ctx, state, reporting.ScenarioInfo{Name: s.Name}, suite.Plan(s))
}

func assertAllPassed(t *testing.T, result *reporting.Result, err error) {
	t.Helper()
	require.NoError(t, err)
	assert.Equal(t, reporting.StatusPassed, result.Status)
	assert.Zero(t, result.Summary.Failed)
	assert.Zero(t, result.Summary.Skipped)
}

func TestRun_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		install scenario.InstallSpec
		secrets scenario.SecretsSpec
	}{
		{name: "default btrfs", install: scenario.InstallSpec{}},
		{name: "btrfs with hostname", install: scenario.InstallSpec{Hostname: "installsuite", Filesystem: "btrfs"}},
		{name: "btrfs with swap", install: scenario.InstallSpec{Hostname: "swapped", Swap: true}},
		{name: "zfs", install: scenario.InstallSpec{Hostname: "zfshost", Filesystem: "zfs"}},
		{name: "zfs with swap", install: scenario.InstallSpec{Hostname: "zfsswap", Filesystem: "zfs", Swap: true}},
		{name: "encrypted", install: scenario.InstallSpec{Hostname: "crypted", Encrypt: true}},
		{name: "hibernation", install: scenario.InstallSpec{Hostname: "sleeper", Hibernation: true}},
		{
			name:    "encrypted hibernation",
			install: scenario.InstallSpec{Hostname: "cryptsleeper", Encrypt: true, Hibernation: true},
			secrets: scenario.SecretsSpec{Passphrase: "correct horse"},
		},
		{
			name:    "fido",
			install: scenario.InstallSpec{Hostname: "fidohost", Encrypt: true, Fido: true},
			secrets: scenario.SecretsSpec{RecoveryKey: "recovery"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := machinefake.New(t, machinefake.WithRecoveryKey("recovery"))
			s := newScenario(tt.install, tt.secrets)

			result, err := run(t, f, s)
			assertAllPassed(t, result, err)

			installed, ok := f.Installed()
			require.True(t, ok)
			assert.Equal(t, s.Install.Options().Args(), installed.Args())

			machines := f.Machines()
			require.Len(t, machines, 2)
			assert.Equal(t, suite.InstallerMachineName, machines[0].Name())
			assert.Equal(t, suite.BootAfterInstallName, machines[1].Name())
			assert.Equal(t, machine.ProfileInstalled, machines[1].Profile())
			assert.False(t, machines[1].Running())
		})
	}
}

func TestRun_NegativePathsUseEveryInvalidCase(t *testing.T) {
	f := machinefake.New(t)
	_, err := run(t, f, newScenario(scenario.InstallSpec{}, scenario.SecretsSpec{}))
	require.NoError(t, err)

	installer := f.Machines()[0]
	cmds := installer.Commands()
	for _, c := range installargs.AllInvalidCases() {
		assert.Contains(t, cmds, installargs.Invocation(c.Args))
	}
	assert.Equal(t, []string{"echo hello", "udevadm settle"}, cmds[:2])
	assert.Contains(t, cmds, "echo no | nixos-install-script /dev/vda")
	assert.Contains(t, cmds, "printf '%s\\n' yes | nixos-install-script /dev/vda")
}

func TestRun_EncryptedUnlockTypesPassphrase(t *testing.T) {
	f := machinefake.New(t)
	s := newScenario(scenario.InstallSpec{Hostname: "crypted", Encrypt: true, Hibernation: true}, scenario.SecretsSpec{})

	result, err := run(t, f, s)
	assertAllPassed(t, result, err)

	booted := f.Machines()[1]
	// First boot, resume from hibernation, cold boot after the crash.
	assert.Equal(t, []string{
		scenario.DefaultPassphrase + "\n",
		scenario.DefaultPassphrase + "\n",
		scenario.DefaultPassphrase + "\n",
	}, booted.Typed())

	boots, crashes, _ := booted.Counters()
	assert.Equal(t, 3, boots)
	assert.Equal(t, 1, crashes)
}

func TestRun_PassphraseNeedingShellQuotes(t *testing.T) {
	for _, passphrase := range []string{"it's", `say "hi" | $HOME \ #`} {
		t.Run(passphrase, func(t *testing.T) {
			f := machinefake.New(t)
			s := newScenario(scenario.InstallSpec{Hostname: "quoted", Encrypt: true}, scenario.SecretsSpec{Passphrase: passphrase})

			result, err := run(t, f, s)
			assertAllPassed(t, result, err)
			assert.Equal(t, []string{passphrase + "\n"}, f.Machines()[1].Typed())
		})
	}
}

func TestRun_FailFast(t *testing.T) {
	tests := []struct {
		name      string
		opts      []machinefake.Option
		install   scenario.InstallSpec
		failed    string
		wantErrIs error
	}{
		{
			name:      "installer accepts an invalid hostname",
			opts:      []machinefake.Option{machinefake.WithAcceptedArgs("--hostname=inc0r^ct /dev/vda")},
			failed:    installargs.CategoryHostname.Description(),
			wantErrIs: machine.ErrUnexpectedSuccess,
		},
		{
			name:      "world readable /root",
			opts:      []machinefake.Option{machinefake.WithRootMode("755")},
			failed:    "Check whether /root has correct permissions",
			wantErrIs: suite.ErrAssertion,
		},
		{
			name:      "local filesystems fail to mount",
			opts:      []machinefake.Option{machinefake.WithFailedUnits("local-fs.target")},
			failed:    "Assert that /boot get mounted",
			wantErrIs: machine.ErrUnitFailed,
		},
		{
			name:      "resume loses RAM",
			opts:      []machinefake.Option{machinefake.WithBrokenResume()},
			install:   scenario.InstallSpec{Hibernation: true},
			failed:    "Check that hibernation works correctly",
			wantErrIs: machine.ErrCommandFailed,
		},
		{
			name:      "cold boot restores a stale image",
			opts:      []machinefake.Option{machinefake.WithStaleImage()},
			install:   scenario.InstallSpec{Hibernation: true},
			failed:    "Check that hibernation works correctly",
			wantErrIs: machine.ErrUnexpectedSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := machinefake.New(t, tt.opts...)
			s := newScenario(tt.install, scenario.SecretsSpec{})
			obs := &MockObserver{}
			obs.On("ObservePhase", mock.Anything, mock.Anything, mock.Anything).Return()

			result, err := run(t, f, s, suite.WithObserver(obs))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErrIs)

			var phaseErr *suite.PhaseError
			require.ErrorAs(t, err, &phaseErr)
			assert.Equal(t, tt.failed, phaseErr.Phase)

			assert.Equal(t, reporting.StatusFailed, result.Status)
			require.Len(t, result.Failures(), 1)
			assert.Equal(t, tt.failed, result.Failures()[0].Name)
			assert.Len(t, result.Phases, len(suite.Plan(s)))

			seenFailure := false
			for _, p := range result.Phases {
				if seenFailure {
					assert.Equal(t, reporting.StatusSkipped, p.Status, p.Name)
				}
				if p.Status == reporting.StatusFailed {
					seenFailure = true
				}
			}

			obs.AssertNumberOfCalls(t, "ObservePhase", len(result.Phases))
			obs.AssertCalled(t, "ObservePhase", tt.failed, reporting.StatusFailed, mock.Anything)
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	f := machinefake.New(t)
	s := newScenario(scenario.InstallSpec{}, scenario.SecretsSpec{})

	state, err := suite.NewState(context.Background(), f)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := suite.NewRunner(logr.Discard()).Run(ctx, state, reporting.ScenarioInfo{Name: s.Name}, suite.Plan(s))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, reporting.StatusFailed, result.Phases[0].Status)
	assert.Empty(t, f.Machines()[0].Commands())
}

func TestRun_DeclineInstallsNothing(t *testing.T) {
	f := machinefake.New(t)
	state, err := suite.NewState(context.Background(), f)
	require.NoError(t, err)

	phases := []suite.Phase{suite.Readiness(), suite.ConfirmationDecline("/dev/vda")}
	result, err := suite.NewRunner(logr.Discard()).Run(context.Background(), state, reporting.ScenarioInfo{Name: "decline"}, phases)
	assertAllPassed(t, result, err)

	_, installed := f.Installed()
	assert.False(t, installed)
}

func TestRun_WrongSecretLeavesDiskLocked(t *testing.T) {
	f := machinefake.New(t)
	s := newScenario(scenario.InstallSpec{Encrypt: true}, scenario.SecretsSpec{Passphrase: "right"})
	phases := suite.Plan(s)

	// Install with the right passphrase, boot with the wrong one.
	for i, p := range phases {
		if p.Name == "Boot the installed system" {
			phases[i] = suite.BootInstalled(suite.BootAfterInstallName, "wrong")
		}
	}

	state, err := suite.NewState(context.Background(), f)
	require.NoError(t, err)
	_, err = suite.NewRunner(logr.Discard()).Run(context.Background(), state, reporting.ScenarioInfo{Name: s.Name}, phases)

	var phaseErr *suite.PhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, "Assert that /boot get mounted", phaseErr.Phase)
	assert.ErrorIs(t, err, machine.ErrTimeout)
}

func TestRun_Clock(t *testing.T) {
	f := machinefake.New(t)
	state, err := suite.NewState(context.Background(), f)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	result, err := suite.NewRunner(logr.Discard(), suite.WithClock(clock)).
		Run(context.Background(), state, reporting.ScenarioInfo{Name: "clock"}, []suite.Phase{suite.Readiness()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Phases[0].Duration)
	assert.Equal(t, 3.0, result.Duration)
}
