//go:build unit

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/installsuite/internal/util/ssh"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSeedStore struct {
	mock.Mock
}

func (m *MockSeedStore) CreateSeedISO(ctx context.Context, vmName, userData string) (string, error) {
	args := m.Called(ctx, vmName, userData)
	return args.String(0), args.Error(1)
}

func (m *MockSeedStore) RemoveSeedISO(vmName string) error {
	return m.Called(vmName).Error(0)
}

func newTestEnvironment(t *testing.T, seeds seedStore) (*environment, *scenario.Scenario) {
	t.Helper()

	iso := filepath.Join(t.TempDir(), "installer.iso")
	require.NoError(t, os.WriteFile(iso, nil, 0o644))

	keys, err := ssh.GenerateKeyPair("test")
	require.NoError(t, err)

	config := defaultConfig()
	config.WorkDir = t.TempDir()

	env := &environment{
		config: config,
		seeds:  seeds,
		keys:   keys,
		log:    testr.New(t),
		createDisk: func(_ context.Context, path, _ string) error {
			return os.WriteFile(path, nil, 0o644)
		},
		runID: "1a2b3c4d",
	}
	s := &scenario.Scenario{Name: "btrfs", Machine: scenario.MachineSpec{InstallerISO: iso}}
	return env, s
}

func TestPrepare(t *testing.T) {
	seeds := &MockSeedStore{}
	env, s := newTestEnvironment(t, seeds)
	seeds.On("CreateSeedISO", mock.Anything, "btrfs", mock.MatchedBy(func(userData string) bool {
		return strings.HasPrefix(userData, "#cloud-config") && strings.Contains(userData, "ssh-ed25519")
	})).Return("/work/btrfs-seed.iso", nil).Once()

	p, err := env.prepare(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, "installsuite-btrfs-1a2b3c4d-", p.factory.DomainPrefix)
	assert.Equal(t, "/work/btrfs-seed.iso", p.factory.Base.SeedISOPath)
	assert.Equal(t, filepath.Join(env.config.WorkDir, "btrfs", "disk.qcow2"), p.factory.Base.DiskPath)
	assert.FileExists(t, filepath.Join(env.config.WorkDir, "btrfs", "console.log"))

	seeds.On("RemoveSeedISO", "btrfs").Return(nil).Once()
	require.NoError(t, p.cleanup(context.Background()))
	seeds.AssertExpectations(t)
}

func TestPrepare_RemovesSeedWhenConsoleLogFails(t *testing.T) {
	seeds := &MockSeedStore{}
	env, s := newTestEnvironment(t, seeds)
	seeds.On("CreateSeedISO", mock.Anything, "btrfs", mock.Anything).Return("/work/btrfs-seed.iso", nil).Once()
	seeds.On("RemoveSeedISO", "btrfs").Return(nil).Once()

	// a directory in place of the log makes creating it fail.
	require.NoError(t, os.MkdirAll(filepath.Join(env.config.WorkDir, "btrfs", "console.log"), 0o755))

	p, err := env.prepare(context.Background(), s)
	assert.ErrorIs(t, err, errConsoleLog)
	assert.Nil(t, p)
	seeds.AssertExpectations(t)
}

func TestPrepare_NothingToUndoWhenDiskFails(t *testing.T) {
	seeds := &MockSeedStore{}
	env, s := newTestEnvironment(t, seeds)
	env.createDisk = func(context.Context, string, string) error { return errors.New("qemu-img: boom") }

	_, err := env.prepare(context.Background(), s)
	assert.ErrorContains(t, err, "qemu-img: boom")
	seeds.AssertNotCalled(t, "CreateSeedISO", mock.Anything, mock.Anything, mock.Anything)
	seeds.AssertNotCalled(t, "RemoveSeedISO", mock.Anything)
}

func TestDomainPrefix(t *testing.T) {
	tests := []struct {
		scenario string
		want     string
	}{
		{scenario: "btrfs", want: "installsuite-btrfs-run1-"},
		{scenario: "encrypted hibernation", want: "installsuite-encrypted-hibernation-run1-"},
		{scenario: "zfs/swap", want: "installsuite-zfs-swap-run1-"},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			assert.Equal(t, tt.want, domainPrefix("run1", tt.scenario))
		})
	}
}
