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

// Package machine defines the handle the acceptance suite drives a virtual
// machine through. The libvirt-backed implementation lives in libvirtmachine.
package machine

import (
	"context"
	"errors"
)

var (
	// ErrCommandFailed is returned by Succeed when the command exits non-zero.
	ErrCommandFailed = errors.New("command failed")
	// ErrUnexpectedSuccess is returned by Fail when the command exits zero.
	ErrUnexpectedSuccess = errors.New("command succeeded unexpectedly")
	// ErrUnitFailed is returned by WaitForUnit when the unit enters the failed state.
	ErrUnitFailed = errors.New("unit failed")
	// ErrNotRunning is returned by console operations on a stopped machine.
	ErrNotRunning = errors.New("machine is not running")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
)

// Result is the outcome of a command run on the machine.
type Result struct {
	Output   string
	ExitCode int
}

// Machine is one virtual machine instance under test. Commands are shell
// command lines run as root inside the guest.
//
// Commands issued while the machine is stopped start it first.
type Machine interface {
	// Name returns the instance name.
	Name() string

	// Start boots the machine. Starting a running machine is a no-op.
	Start(ctx context.Context) error
	// Shutdown asks the guest to power off and waits until it has.
	Shutdown(ctx context.Context) error
	// Crash powers the machine off without notifying the guest.
	Crash(ctx context.Context) error
	// WaitForShutdown waits until the guest has powered itself off.
	WaitForShutdown(ctx context.Context) error

	// Succeed runs cmd and returns its output. A non-zero exit is an error.
	Succeed(ctx context.Context, cmd string) (string, error)
	// Fail runs cmd and returns its output. A zero exit is an error.
	Fail(ctx context.Context, cmd string) (string, error)
	// Execute runs cmd. When checkReturn is false the command is launched
	// and not awaited: the returned Result is empty.
	Execute(ctx context.Context, cmd string, checkReturn bool) (Result, error)

	// WaitForUnit waits until a systemd unit is active.
	WaitForUnit(ctx context.Context, unit string) error
	// WaitForConsoleText waits until the serial console prints text matching
	// the regular expression pattern. Output matched once is not matched again.
	WaitForConsoleText(ctx context.Context, pattern string) error
	// SendConsole types text on the serial console.
	SendConsole(ctx context.Context, text string) error

	// Close powers the machine off and releases it. The disk is kept.
	Close(ctx context.Context) error
}

// Profile selects how a new machine boots.
type Profile string

const (
	// ProfileInstaller boots the installer live image with the target disk attached.
	ProfileInstaller Profile = "installer"
	// ProfileInstalled boots the target disk only.
	ProfileInstalled Profile = "installed"
)

// Factory creates named machines sharing one target disk.
type Factory interface {
	NewMachine(ctx context.Context, name string, profile Profile) (Machine, error)
}
