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

// Package vmm manages the libvirt domains an installation run boots: the
// installer live system and every later boot of the installed disk.
package vmm

import (
	"errors"
	"sync"

	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errMarshalDomainXML      = errors.New("failed to marshal domain XML")
	errDefineDomain          = errors.New("failed to define domain")
	errStartDomain           = errors.New("failed to start domain")
	errShutdownDomain        = errors.New("failed to request domain shutdown")
	errDestroyDomain         = errors.New("failed to destroy domain")
	errUndefineDomain        = errors.New("failed to undefine domain")
	errGetDomainState        = errors.New("failed to get domain state")
	errGetDomainXML          = errors.New("failed to get domain XML")
	errCreateStream          = errors.New("failed to create new stream")
	errOpenConsole           = errors.New("failed to open console")
	errCreateDisk            = errors.New("failed to create VM disk")
	errCreateCloudInitDir    = errors.New("failed to create cloud-init config directory")
	errWriteUserData         = errors.New("failed to write user-data file")
	errWriteMetaData         = errors.New("failed to write meta-data file")
	errCreateCloudInitISO    = errors.New("failed to create cloud-init ISO with xorriso")

	// ErrDomainNotFound is returned for operations on a domain that was never defined.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrTimeoutWaitingIP is returned when no DHCP lease shows up in time.
	ErrTimeoutWaitingIP = errors.New("timed out waiting for domain IP address")
	// ErrTimeoutWaitingState is returned when a domain does not reach a state in time.
	ErrTimeoutWaitingState = errors.New("timed out waiting for domain state")
)

const (
	DefaultURI      = "qemu:///system"
	defaultMemoryMB = 2048
	defaultVCPUs    = 2
	defaultNetwork  = "default"
	defaultDiskSize = "20G"
)

// VMM manages libvirt virtual machines.
type VMM struct {
	uri     string
	conn    *libvirt.Connect
	baseDir string // directory for seed ISOs; defaults to os.TempDir()

	mu      sync.Mutex
	domains map[string]*libvirt.Domain
}

// VMMOption is a function that modifies VMM configuration
type VMMOption func(*VMM)

// WithBaseDir returns an option that sets the base directory for VM temporary files
func WithBaseDir(baseDir string) VMMOption {
	return func(v *VMM) {
		v.baseDir = baseDir
	}
}

// WithURI sets the libvirt connection URI. Defaults to qemu:///system.
func WithURI(uri string) VMMOption {
	return func(v *VMM) {
		if uri != "" {
			v.uri = uri
		}
	}
}

// NewVMM creates a new VMM instance and connects to libvirt.
func NewVMM(opts ...VMMOption) (*VMM, error) {
	v := &VMM{
		uri:     DefaultURI,
		domains: make(map[string]*libvirt.Domain),
	}
	for _, opt := range opts {
		opt(v)
	}

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, errors.Join(err, errConnectLibvirt)
	}
	v.conn = conn
	return v, nil
}

// Close frees cached domain handles and closes the libvirt connection.
func (v *VMM) Close() error {
	v.mu.Lock()
	for name, dom := range v.domains {
		_ = dom.Free()
		delete(v.domains, name)
	}
	v.mu.Unlock()

	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}
