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

package libvirtmachine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/installsuite/internal/util/ssh"
	"github.com/alexandremahdhaoui/installsuite/pkg/execcontext"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
	"github.com/alexandremahdhaoui/installsuite/pkg/vmm"
	"golang.org/x/sync/errgroup"
)

var (
	errDefineMachine = errors.New("unable to define machine")
	errStartMachine  = errors.New("unable to start machine")
	errConnect       = errors.New("unable to connect to machine")
	errInvalidRegex  = errors.New("invalid console pattern")
)

// Domains is the subset of the libvirt domain manager a Libvirt machine uses.
// *vmm.VMM implements it.
type Domains interface {
	DomainExists(name string) bool
	DefineDomain(cfg vmm.VMConfig) error
	StartDomain(name string) error
	ShutdownDomain(name string) error
	DestroyDomain(name string) error
	UndefineDomain(name string) error
	State(name string) (vmm.DomainState, error)
	WaitForState(ctx context.Context, name string, want vmm.DomainState, poll time.Duration) error
	DomainIP(ctx context.Context, name string) (string, error)
	OpenConsole(name string) (io.ReadWriteCloser, error)
}

// CommandRunner runs commands on a guest. *ssh.Client implements it.
type CommandRunner interface {
	ssh.Runner
	AwaitServer(ctx context.Context, timeout time.Duration) error
}

// Dialer returns a CommandRunner for the guest reachable at host.
type Dialer func(host string) CommandRunner

// SSHDialer returns a Dialer creating SSH clients with the given credentials.
func SSHDialer(user string, privateKey []byte, port string) Dialer {
	return func(host string) CommandRunner {
		return &ssh.Client{
			Host:       host,
			User:       user,
			PrivateKey: privateKey,
			Port:       port,
		}
	}
}

// Option configures a Libvirt machine.
type Option func(*Libvirt)

// WithTimeouts overrides the default timeouts.
func WithTimeouts(t machine.Timeouts) Option {
	return func(m *Libvirt) { m.timeouts = t }
}

// WithExecContext sets the context commands run in, e.g. execcontext.Sudo()
// when the SSH user is not root.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(m *Libvirt) { m.execCtx = execCtx }
}

// WithConsoleLog copies the serial console output to w.
func WithConsoleLog(w io.Writer) Option {
	return func(m *Libvirt) { m.consoleLog = w }
}

// Libvirt is a Machine backed by a libvirt domain. Commands run over SSH,
// console text comes from the domain serial console.
type Libvirt struct {
	domains  Domains
	dial     Dialer
	cfg      vmm.VMConfig
	timeouts machine.Timeouts
	execCtx  execcontext.Context

	consoleLog io.Writer
	console    *machine.ConsoleBuffer

	mu      sync.Mutex
	running bool
	runner  CommandRunner
	conn    io.ReadWriteCloser
	pump    *errgroup.Group

	background sync.WaitGroup
}

var _ machine.Machine = &Libvirt{}

// NewLibvirt defines the domain described by cfg unless it already exists.
func NewLibvirt(domains Domains, dial Dialer, cfg vmm.VMConfig, opts ...Option) (*Libvirt, error) {
	m := &Libvirt{
		domains:  domains,
		dial:     dial,
		cfg:      cfg,
		timeouts: machine.DefaultTimeouts(),
		execCtx:  execcontext.Empty(),
		console:  machine.NewConsoleBuffer(),
	}
	for _, opt := range opts {
		opt(m)
	}

	// A leftover domain of the same name still points at its old disk and
	// media. Defining replaces its configuration, which a running domain only
	// picks up once powered off.
	if domains.DomainExists(cfg.Name) {
		slog.Warn("replacing leftover domain", "vmName", cfg.Name)
		state, err := domains.State(cfg.Name)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineMachine)
		}
		if state != vmm.DomainStateShutoff {
			if err := domains.DestroyDomain(cfg.Name); err != nil {
				return nil, errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineMachine)
			}
		}
	}

	if err := domains.DefineDomain(cfg); err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineMachine)
	}
	return m, nil
}

// Name implements Machine.
func (m *Libvirt) Name() string {
	return m.cfg.Name
}

// Console returns the console output captured so far.
func (m *Libvirt) Console() string {
	return m.console.String()
}

// Start implements Machine.
func (m *Libvirt) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(ctx)
}

func (m *Libvirt) start(_ context.Context) error {
	if m.running {
		return nil
	}

	slog.Info("starting machine", "vmName", m.cfg.Name)
	if err := m.domains.StartDomain(m.cfg.Name); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", m.cfg.Name), errStartMachine)
	}

	conn, err := m.domains.OpenConsole(m.cfg.Name)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", m.cfg.Name), errStartMachine)
	}

	var sink io.Writer = m.console
	if m.consoleLog != nil {
		sink = io.MultiWriter(m.console, m.consoleLog)
	}

	m.pump = new(errgroup.Group)
	m.pump.Go(func() error {
		_, err := io.Copy(sink, conn)
		return err
	})

	m.conn = conn
	m.runner = nil
	m.running = true
	return nil
}

// stopped releases the console once the domain is off.
func (m *Libvirt) stopped() {
	if m.conn != nil {
		_ = m.conn.Close()
	}
	if m.pump != nil {
		if err := m.pump.Wait(); err != nil {
			slog.Debug("console stream closed", "vmName", m.cfg.Name, "err", err.Error())
		}
	}
	m.conn = nil
	m.pump = nil
	m.runner = nil
	m.running = false
}

// Shutdown implements Machine.
func (m *Libvirt) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	slog.Info("shutting down machine", "vmName", m.cfg.Name)
	if err := m.domains.ShutdownDomain(m.cfg.Name); err != nil {
		return err
	}
	return m.waitForShutoff(ctx)
}

// Crash implements Machine.
func (m *Libvirt) Crash(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("crashing machine", "vmName", m.cfg.Name)
	if err := m.domains.DestroyDomain(m.cfg.Name); err != nil {
		return err
	}
	m.stopped()
	return nil
}

// WaitForShutdown implements Machine.
func (m *Libvirt) WaitForShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("waiting for machine to shut down", "vmName", m.cfg.Name)
	return m.waitForShutoff(ctx)
}

func (m *Libvirt) waitForShutoff(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Shutdown)
	defer cancel()

	if err := m.domains.WaitForState(ctx, m.cfg.Name, vmm.DomainStateShutoff, m.timeouts.Poll); err != nil {
		return errors.Join(err, machine.ErrTimeout)
	}
	m.stopped()
	return nil
}

// connect starts the machine if needed and returns a runner once SSH is up.
func (m *Libvirt) connect(ctx context.Context) (CommandRunner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.start(ctx); err != nil {
		return nil, err
	}
	if m.runner != nil {
		return m.runner, nil
	}

	ipCtx, cancel := context.WithTimeout(ctx, m.timeouts.Boot)
	defer cancel()

	ip, err := m.domains.DomainIP(ipCtx, m.cfg.Name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", m.cfg.Name), errConnect)
	}

	runner := m.dial(ip)
	if err := runner.AwaitServer(ctx, m.timeouts.Boot); err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s ip=%s", m.cfg.Name, ip), errConnect)
	}

	m.runner = runner
	return runner, nil
}

func (m *Libvirt) run(ctx context.Context, cmd string) (machine.Result, error) {
	runner, err := m.connect(ctx)
	if err != nil {
		return machine.Result{}, err
	}

	slog.Debug("running command", "vmName", m.cfg.Name, "cmd", cmd)
	res, err := runner.Run(ctx, m.execCtx, cmd)
	if err != nil {
		return machine.Result{}, err
	}
	return machine.Result{Output: res.Stdout + res.Stderr, ExitCode: res.ExitCode}, nil
}

// Succeed implements Machine.
func (m *Libvirt) Succeed(ctx context.Context, cmd string) (string, error) {
	res, err := m.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output, errors.Join(
			fmt.Errorf("vmName=%s cmd=%q exitCode=%d output=%q", m.cfg.Name, cmd, res.ExitCode, res.Output),
			machine.ErrCommandFailed,
		)
	}
	return res.Output, nil
}

// Fail implements Machine.
func (m *Libvirt) Fail(ctx context.Context, cmd string) (string, error) {
	res, err := m.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Output, errors.Join(
			fmt.Errorf("vmName=%s cmd=%q output=%q", m.cfg.Name, cmd, res.Output),
			machine.ErrUnexpectedSuccess,
		)
	}
	return res.Output, nil
}

// Execute implements Machine. An unchecked command keeps running in the
// background until it exits or the guest goes away.
func (m *Libvirt) Execute(ctx context.Context, cmd string, checkReturn bool) (machine.Result, error) {
	if checkReturn {
		return m.run(ctx, cmd)
	}

	runner, err := m.connect(ctx)
	if err != nil {
		return machine.Result{}, err
	}

	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Shutdown)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer cancel()

		res, err := runner.Run(bgCtx, m.execCtx, cmd)
		if err != nil {
			slog.Debug("unchecked command ended", "vmName", m.cfg.Name, "cmd", cmd, "err", err.Error())
			return
		}
		slog.Debug("unchecked command ended", "vmName", m.cfg.Name, "cmd", cmd, "exitCode", res.ExitCode)
	}()
	return machine.Result{}, nil
}

// WaitForUnit implements Machine.
func (m *Libvirt) WaitForUnit(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Unit)
	defer cancel()

	slog.Info("waiting for unit", "vmName", m.cfg.Name, "unit", unit)
	tick := time.NewTicker(m.timeouts.Poll)
	defer tick.Stop()

	cmd := "systemctl show --property=ActiveState --value " + execcontext.Quote(unit)
	for {
		out, err := m.Succeed(ctx, cmd)
		if err == nil {
			switch state := strings.TrimSpace(out); state {
			case "active":
				return nil
			case "failed":
				return errors.Join(fmt.Errorf("vmName=%s unit=%s", m.cfg.Name, unit), machine.ErrUnitFailed)
			default:
				slog.Debug("unit not active yet", "vmName", m.cfg.Name, "unit", unit, "state", state)
			}
		} else if ctx.Err() == nil {
			slog.Debug("unable to query unit", "vmName", m.cfg.Name, "unit", unit, "err", err.Error())
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("vmName=%s unit=%s", m.cfg.Name, unit), machine.ErrTimeout)
		case <-tick.C:
		}
	}
}

// WaitForConsoleText implements Machine.
func (m *Libvirt) WaitForConsoleText(ctx context.Context, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Join(err, errInvalidRegex)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Console)
	defer cancel()

	slog.Info("waiting for console text", "vmName", m.cfg.Name, "pattern", pattern)
	_, err = m.console.WaitFor(ctx, re)
	return err
}

// SendConsole implements Machine.
func (m *Libvirt) SendConsole(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.conn == nil {
		return errors.Join(fmt.Errorf("vmName=%s", m.cfg.Name), machine.ErrNotRunning)
	}
	_, err := io.WriteString(m.conn, text)
	return err
}

// Close implements Machine. The domain is destroyed and undefined.
func (m *Libvirt) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.domains.UndefineDomain(m.cfg.Name)
	m.stopped()
	m.background.Wait()
	return err
}
