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

// Package cloudinit renders the NoCloud user-data handed to the installer live
// system so the suite can reach it over SSH.
package cloudinit

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser returns a passwordless-sudo user authorized by the given public key files.
func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("failed to read public key %s: %w", path, err)
		}
		authorizedKeys = append(authorizedKeys, strings.TrimSpace(string(b)))
	}
	return NewUserWithAuthorizedKeys(name, authorizedKeys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	u := User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/sh",
		SSHAuthorizedKeys: authorizedKeys,
	}
	if name == "root" {
		u.Sudo = ""
	}
	return u
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname    string      `json:"hostname,omitempty"`
	Users       []User      `json:"users"`
	DisableRoot *bool       `json:"disable_root,omitempty"`
	WriteFiles  []WriteFile `json:"write_files,omitempty"`
	RunCommands []string    `json:"runcmd,omitempty"`
}

// NewInstallerUserData returns the user-data of an installer live system:
// the SSH user, and sshd started so the suite can connect before anything else.
func NewInstallerUserData(hostname string, user User) UserData {
	ud := UserData{
		Hostname:    hostname,
		Users:       []User{user},
		RunCommands: []string{"systemctl start sshd"},
	}
	if user.Name == "root" {
		disableRoot := false
		ud.DisableRoot = &disableRoot
	}
	return ud
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %v", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}
