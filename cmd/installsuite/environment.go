package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/internal/util/ssh"
	"github.com/alexandremahdhaoui/installsuite/pkg/cloudinit"
	"github.com/alexandremahdhaoui/installsuite/pkg/execcontext"
	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine/libvirtmachine"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
	"github.com/alexandremahdhaoui/installsuite/pkg/vmm"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const keyComment = "installsuite"

var (
	errCreateWorkDir = errors.New("failed to create scenario work directory")
	errRenderSeed    = errors.New("failed to render cloud-init user-data")
	errConsoleLog    = errors.New("failed to create console log")
)

// environment holds what every scenario of a run shares: the libvirt
// connection and the SSH key pair.
// seedStore builds and removes the cloud-init seed of a scenario. *vmm.VMM
// implements it.
type seedStore interface {
	CreateSeedISO(ctx context.Context, vmName, userData string) (string, error)
	RemoveSeedISO(vmName string) error
}

type environment struct {
	config *Config
	vmm    *vmm.VMM
	seeds  seedStore
	keys   ssh.KeyPair
	log    logr.Logger
	// createDisk is vmm.CreateDisk.
	createDisk func(ctx context.Context, path, size string) error
	// runID tells apart the domains of concurrent runs on one libvirt.
	runID string
}

func newEnvironment(config *Config, log logr.Logger) (*environment, error) {
	keys, err := loadOrGenerateKeys(config.SSH.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", config.WorkDir), errCreateWorkDir)
	}

	v, err := vmm.NewVMM(vmm.WithURI(config.Libvirt.URI), vmm.WithBaseDir(config.WorkDir))
	if err != nil {
		return nil, err
	}

	if config.Libvirt.Subnet != "" {
		netCfg := vmm.NetworkConfig{Name: config.Libvirt.Network, Subnet: config.Libvirt.Subnet}
		if err := v.EnsureNetwork(netCfg); err != nil {
			_ = v.Close()
			return nil, err
		}
		log.V(1).Info("network ready", "network", netCfg.Name, "subnet", netCfg.Subnet)
	}

	runID := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return &environment{
		config:     config,
		vmm:        v,
		seeds:      v,
		keys:       keys,
		log:        log,
		createDisk: vmm.CreateDisk,
		runID:      runID,
	}, nil
}

func loadOrGenerateKeys(privateKeyPath string) (ssh.KeyPair, error) {
	if privateKeyPath != "" {
		return ssh.LoadKeyPair(privateKeyPath)
	}
	return ssh.GenerateKeyPair(keyComment)
}

// Close releases the libvirt connection.
func (e *environment) Close() error {
	return e.vmm.Close()
}

// prepared is the per-scenario state built by prepare.
type prepared struct {
	factory *libvirtmachine.LibvirtFactory
	cleanup func(ctx context.Context) error
}

// prepare creates the target disk and the cloud-init seed of s and returns a
// machine factory booting them.
func (e *environment) prepare(ctx context.Context, s *scenario.Scenario) (*prepared, error) {
	iso, err := e.config.installerISO(s)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(e.config.WorkDir, s.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", dir), errCreateWorkDir)
	}

	// undo releases what prepare created so far, last first.
	var undo []func() error
	rollback := func() error {
		var errs []error
		for i := len(undo) - 1; i >= 0; i-- {
			errs = append(errs, undo[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*prepared, error) {
		if rbErr := rollback(); rbErr != nil {
			e.log.Error(rbErr, "rolling back scenario preparation", "scenario", s.Name)
		}
		return nil, err
	}

	diskPath := filepath.Join(dir, "disk.qcow2")
	if err := e.createDisk(ctx, diskPath, s.Machine.DiskSize); err != nil {
		return fail(err)
	}

	userData, err := cloudinit.NewInstallerUserData(
		installargs.DefaultHostname,
		cloudinit.NewUserWithAuthorizedKeys(e.config.SSH.User, []string{e.keys.AuthorizedKey}),
	).Render()
	if err != nil {
		return fail(errors.Join(err, errRenderSeed))
	}

	seedPath, err := e.seeds.CreateSeedISO(ctx, s.Name, userData)
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() error { return e.seeds.RemoveSeedISO(s.Name) })

	consoleLog, err := os.Create(filepath.Join(dir, "console.log"))
	if err != nil {
		return fail(errors.Join(err, errConsoleLog))
	}
	undo = append(undo, func() error { return closeQuietly(consoleLog) })

	base := vmm.NewVMConfig("", diskPath)
	base.InstallerISOPath = iso
	base.SeedISOPath = seedPath
	base.FirmwarePath = e.config.firmware(s)
	base.Network = e.config.Libvirt.Network
	base.MACAddress = s.Machine.MACAddress
	if s.Machine.Memory != 0 {
		base.MemoryMB = s.Machine.Memory
	}
	if s.Machine.VCPUs != 0 {
		base.VCPUs = s.Machine.VCPUs
	}

	opts := []libvirtmachine.Option{
		libvirtmachine.WithTimeouts(s.Timeouts.Apply(machine.DefaultTimeouts())),
		libvirtmachine.WithConsoleLog(consoleLog),
	}
	if e.config.SSH.User != "root" {
		opts = append(opts, libvirtmachine.WithExecContext(execcontext.Sudo()))
	}

	prefix := domainPrefix(e.runID, s.Name)
	e.log.V(1).Info("prepared scenario", "scenario", s.Name, "domainPrefix", prefix,
		"disk", diskPath, "seed", seedPath, "iso", iso)

	return &prepared{
		factory: &libvirtmachine.LibvirtFactory{
			Domains:      e.vmm,
			Dial:         libvirtmachine.SSHDialer(e.config.SSH.User, e.keys.PrivateKey, strconv.Itoa(e.config.SSH.Port)),
			Base:         base,
			Options:      opts,
			DomainPrefix: prefix,
		},
		cleanup: func(context.Context) error { return rollback() },
	}, nil
}

// domainPrefix returns "installsuite-<scenario>-<runID>-" with the scenario
// name reduced to characters safe in a domain name.
func domainPrefix(runID, scenarioName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, scenarioName)
	return fmt.Sprintf("%s-%s-%s-", Name, name, runID)
}

func closeQuietly(c io.Closer) error {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
