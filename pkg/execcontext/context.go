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

// Package execcontext describes how a shell command is wrapped before it is
// sent to a remote machine: which environment it sees and which command (e.g.
// sudo) it runs under.
package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context that leaves commands untouched.
func Empty() Context {
	return New(nil, nil)
}

// Sudo returns a Context running commands as root through passwordless sudo.
func Sudo() Context {
	return New(nil, []string{"sudo", "-n"})
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// FormatShell wraps a shell command line so that it runs under ctx.
// The command itself is passed verbatim to `sh -c`, so pipes, redirections and
// `$N` references keep their meaning on the remote side.
func FormatShell(ctx Context, cmd string) string {
	envs := ctx.Envs()
	prepend := ctx.PrependCmd()
	if len(envs) == 0 && len(prepend) == 0 {
		return cmd
	}

	var parts []string
	for _, s := range prepend {
		parts = append(parts, Quote(s))
	}

	if len(envs) > 0 {
		parts = append(parts, "env")
		for _, k := range slices.Sorted(maps.Keys(envs)) {
			parts = append(parts, Quote(fmt.Sprintf("%s=%s", k, envs[k])))
		}
	}

	parts = append(parts, "sh", "-c", Quote(cmd))
	return strings.Join(parts, " ")
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}
