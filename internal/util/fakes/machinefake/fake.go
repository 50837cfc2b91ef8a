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

// Package machinefake provides an in-memory machine.Factory whose machines
// emulate the installer live environment and the installed system well enough
// to drive the acceptance suite without a hypervisor.
package machinefake

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/installargs"
	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
)

// ErrNoBootableDisk is returned when an installed machine starts from a
// disk the installer never completed.
var ErrNoBootableDisk = errors.New("no bootable disk")

const (
	// PasswordPrompt is printed on the console while an encrypted disk waits
	// for its passphrase.
	PasswordPrompt = "Starting password query on /dev/ttyS0"

	defaultRecoveryKey = "fake-recovery-key"
)

// memory is the guest state lost on power-off and kept by hibernation.
type memory struct {
	runTestDir bool
	ramfs      bool
	marker     string
}

// disk is the target disk shared by every machine of a Factory.
type disk struct {
	installed  *installargs.Options
	passphrase string
	// dirty is set while installer writes are not synced.
	dirty      bool
	mntMounted bool
	swapActive bool
	image      *memory
}

// Option configures the emulated guest.
type Option func(*Factory)

// WithDevices sets the block devices present in the live environment.
func WithDevices(devices ...string) Option {
	return func(f *Factory) { f.devices = devices }
}

// WithRootMode sets the mode `stat -c '%a' /root` prints on the installed system.
func WithRootMode(mode string) Option {
	return func(f *Factory) { f.rootMode = mode }
}

// WithRecoveryKey sets the FIDO recovery key that unlocks the disk.
func WithRecoveryKey(key string) Option {
	return func(f *Factory) { f.recoveryKey = key }
}

// WithAcceptedArgs makes the installer exit 0 on argument strings it should refuse.
func WithAcceptedArgs(args ...string) Option {
	return func(f *Factory) {
		for _, a := range args {
			f.acceptedArgs[a] = true
		}
	}
}

// WithBrokenResume makes resume from hibernation behave like a cold boot.
func WithBrokenResume() Option {
	return func(f *Factory) { f.brokenResume = true }
}

// WithStaleImage keeps the hibernation image after a resume, so every
// following boot restores it again.
func WithStaleImage() Option {
	return func(f *Factory) { f.staleImage = true }
}

// WithFailedUnits reports units as failed on the installed system.
func WithFailedUnits(units ...string) Option {
	return func(f *Factory) {
		for _, u := range units {
			f.failedUnits[u] = true
		}
	}
}

// WithWaitTimeout bounds console and unit waits that can never complete.
func WithWaitTimeout(d time.Duration) Option {
	return func(f *Factory) { f.waitTimeout = d }
}

// Factory creates fake machines sharing one emulated target disk.
type Factory struct {
	t *testing.T

	devices      []string
	rootMode     string
	recoveryKey  string
	acceptedArgs map[string]bool
	brokenResume bool
	staleImage   bool
	failedUnits  map[string]bool
	waitTimeout  time.Duration

	mu       sync.Mutex
	disk     disk
	machines []*Machine
}

var _ machine.Factory = &Factory{}

// New returns a Factory with a single /dev/vda disk.
func New(t *testing.T, opts ...Option) *Factory {
	f := &Factory{
		t:            t,
		devices:      []string{"/dev/vda"},
		rootMode:     "700",
		recoveryKey:  defaultRecoveryKey,
		acceptedArgs: map[string]bool{},
		failedUnits:  map[string]bool{},
		waitTimeout:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewMachine implements machine.Factory.
func (f *Factory) NewMachine(_ context.Context, name string, profile machine.Profile) (machine.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := &Machine{
		f:       f,
		name:    name,
		profile: profile,
		console: machine.NewConsoleBuffer(),
	}
	f.machines = append(f.machines, m)
	return m, nil
}

// Machines returns every machine created so far, in creation order.
func (f *Factory) Machines() []*Machine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Machine(nil), f.machines...)
}

// Installed returns the options of the completed installation, if any.
func (f *Factory) Installed() (installargs.Options, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disk.installed == nil {
		return installargs.Options{}, false
	}
	return *f.disk.installed, true
}

// RecoveryKey returns the FIDO recovery key of the emulated disk.
func (f *Factory) RecoveryKey() string {
	return f.recoveryKey
}

func (f *Factory) logf(format string, args ...any) {
	if f.t != nil {
		f.t.Helper()
		f.t.Logf(format, args...)
	}
}

// Machine is a fake machine.Machine. All state lives in memory.
type Machine struct {
	f       *Factory
	name    string
	profile machine.Profile
	console *machine.ConsoleBuffer

	mu        sync.Mutex
	running   bool
	locked    bool
	poweroff  bool
	mem       memory
	commands  []string
	typed     []string
	boots     int
	crashes   int
	shutdowns int
}

var _ machine.Machine = &Machine{}

// Name implements machine.Machine.
func (m *Machine) Name() string {
	return m.name
}

// Profile returns how the machine boots.
func (m *Machine) Profile() machine.Profile {
	return m.profile
}

// Commands returns every command run on the machine, in order.
func (m *Machine) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Typed returns every text sent to the console, in order.
func (m *Machine) Typed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.typed...)
}

// Counters returns how often the machine booted, crashed and shut down.
func (m *Machine) Counters() (boots, crashes, shutdowns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boots, m.crashes, m.shutdowns
}

// Running reports whether the machine is powered on.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Console returns the console output so far.
func (m *Machine) Console() string {
	return m.console.String()
}

// Start implements machine.Machine.
func (m *Machine) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start()
}

func (m *Machine) start() error {
	if m.running {
		return nil
	}

	m.f.mu.Lock()
	defer m.f.mu.Unlock()

	m.mem = memory{}
	m.poweroff = false

	if m.profile == machine.ProfileInstaller {
		m.running = true
		m.boots++
		m.print("<<< Welcome to the NixOS installer >>>")
		return nil
	}

	opts := m.f.disk.installed
	if opts == nil {
		return errors.Join(fmt.Errorf("vmName=%s", m.name), ErrNoBootableDisk)
	}

	m.running = true
	m.boots++
	if opts.Encrypt {
		m.locked = true
		m.print(PasswordPrompt + "...")
		return nil
	}
	m.finishBoot()
	return nil
}

// finishBoot restores the hibernation image, if any. Callers hold m.f.mu.
func (m *Machine) finishBoot() {
	if img := m.f.disk.image; img != nil {
		if !m.f.brokenResume {
			m.mem = *img
			m.print("PM: Image successfully loaded")
		}
		if !m.f.staleImage {
			m.f.disk.image = nil
		}
	}
	m.print("Reached target Multi-User System.")
}

func (m *Machine) print(line string) {
	_, _ = m.console.Write([]byte(line + "\n"))
}

func (m *Machine) powerOff() {
	m.running = false
	m.locked = false
	m.poweroff = false
	m.mem = memory{}
}

// Shutdown implements machine.Machine.
func (m *Machine) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.shutdowns++
	m.loseUnsyncedInstall()
	m.powerOff()
	return nil
}

// Crash implements machine.Machine.
func (m *Machine) Crash(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.crashes++
	m.loseUnsyncedInstall()
	m.powerOff()
	return nil
}

// loseUnsyncedInstall drops an installation whose writes never reached the disk.
func (m *Machine) loseUnsyncedInstall() {
	m.f.mu.Lock()
	defer m.f.mu.Unlock()

	if m.profile == machine.ProfileInstaller && m.f.disk.dirty {
		m.f.logf("machine %s powered off with unsynced installer writes", m.name)
		m.f.disk.installed = nil
		m.f.disk.dirty = false
	}
}

// WaitForShutdown implements machine.Machine.
func (m *Machine) WaitForShutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	if !m.poweroff {
		return errors.Join(fmt.Errorf("vmName=%s", m.name), machine.ErrTimeout)
	}
	m.powerOff()
	return nil
}

// ready starts the machine if needed and fails while the guest is unreachable.
func (m *Machine) ready() error {
	if err := m.start(); err != nil {
		return err
	}
	if m.locked {
		return errors.Join(fmt.Errorf("vmName=%s waiting for disk unlock", m.name), machine.ErrTimeout)
	}
	if m.poweroff {
		return fmt.Errorf("vmName=%s: connection refused", m.name)
	}
	return nil
}

func (m *Machine) exec(cmd string) (machine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(); err != nil {
		return machine.Result{}, err
	}
	m.commands = append(m.commands, cmd)
	res := m.handle(cmd)
	m.f.logf("%s$ %s => exit %d", m.name, cmd, res.ExitCode)
	return res, nil
}

// Succeed implements machine.Machine.
func (m *Machine) Succeed(_ context.Context, cmd string) (string, error) {
	res, err := m.exec(cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output, errors.Join(
			fmt.Errorf("vmName=%s cmd=%q exitCode=%d output=%q", m.name, cmd, res.ExitCode, res.Output),
			machine.ErrCommandFailed,
		)
	}
	return res.Output, nil
}

// Fail implements machine.Machine.
func (m *Machine) Fail(_ context.Context, cmd string) (string, error) {
	res, err := m.exec(cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Output, errors.Join(
			fmt.Errorf("vmName=%s cmd=%q output=%q", m.name, cmd, res.Output),
			machine.ErrUnexpectedSuccess,
		)
	}
	return res.Output, nil
}

// Execute implements machine.Machine.
func (m *Machine) Execute(_ context.Context, cmd string, checkReturn bool) (machine.Result, error) {
	res, err := m.exec(cmd)
	if err != nil || !checkReturn {
		return machine.Result{}, err
	}
	return res, nil
}

// WaitForUnit implements machine.Machine.
func (m *Machine) WaitForUnit(_ context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(); err != nil {
		return err
	}
	if m.f.failedUnits[unit] {
		return errors.Join(fmt.Errorf("vmName=%s unit=%s", m.name, unit), machine.ErrUnitFailed)
	}

	m.f.mu.Lock()
	active := m.unitActive(unit)
	m.f.mu.Unlock()

	if !active {
		time.Sleep(m.f.waitTimeout)
		return errors.Join(fmt.Errorf("vmName=%s unit=%s", m.name, unit), machine.ErrTimeout)
	}
	return nil
}

func (m *Machine) unitActive(unit string) bool {
	switch unit {
	case "default.target", "multi-user.target", "local-fs.target", "sshd.service":
		return true
	case "swap.target":
		return m.profile == machine.ProfileInstalled && m.f.disk.installed.SwapEnabled()
	}
	return false
}

// WaitForConsoleText implements machine.Machine.
func (m *Machine) WaitForConsoleText(ctx context.Context, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.f.waitTimeout)
	defer cancel()

	_, err = m.console.WaitFor(ctx, re)
	return err
}

// SendConsole implements machine.Machine.
func (m *Machine) SendConsole(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return errors.Join(fmt.Errorf("vmName=%s", m.name), machine.ErrNotRunning)
	}
	m.typed = append(m.typed, text)
	if !m.locked {
		return nil
	}

	m.f.mu.Lock()
	defer m.f.mu.Unlock()

	accepted := text == m.f.disk.passphrase+"\n"
	if m.f.disk.installed.Fido {
		accepted = text == m.f.recoveryKey+"\n"
	}
	if !accepted {
		m.print("Sorry, try again.")
		return nil
	}

	m.locked = false
	m.finishBoot()
	return nil
}

// Close implements machine.Machine.
func (m *Machine) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.powerOff()
	return nil
}
