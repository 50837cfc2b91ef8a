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

// Package suite drives an installer through the acceptance checks: refused
// invocations, a declined confirmation, the installation itself, and the
// verification of the installed system across reboots and hibernation.
package suite

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/installsuite/pkg/machine"
)

const (
	// InstallerMachineName names the machine booting the installer.
	InstallerMachineName = "machine"
	// BootAfterInstallName names the machine booting the installed disk.
	BootAfterInstallName = "boot-after-install"
)

// ErrAssertion is returned when a command's output lacks an expected value.
var ErrAssertion = errors.New("assertion failed")

// Phase is one named step of a run.
type Phase struct {
	Name string
	Run  func(ctx context.Context, s *State) error
}

// PhaseError names the phase a run stopped at.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %q failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// State carries the current machine between phases. Exactly one machine is
// current at a time.
type State struct {
	factory machine.Factory
	current machine.Machine
}

// NewState creates the installer machine and makes it current.
func NewState(ctx context.Context, factory machine.Factory) (*State, error) {
	s := &State{factory: factory}
	if err := s.Boot(ctx, InstallerMachineName, machine.ProfileInstaller); err != nil {
		return nil, err
	}
	return s, nil
}

// Machine returns the current machine.
func (s *State) Machine() machine.Machine {
	return s.current
}

// Boot releases the current machine and makes a new one current. The new
// machine is not started.
func (s *State) Boot(ctx context.Context, name string, profile machine.Profile) error {
	if err := s.Close(ctx); err != nil {
		return err
	}

	m, err := s.factory.NewMachine(ctx, name, profile)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s profile=%s", name, profile))
	}
	s.current = m
	return nil
}

// Close releases the current machine.
func (s *State) Close(ctx context.Context) error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close(ctx)
	s.current = nil
	return err
}
