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

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libvirt.org/go/libvirt"
)

// DomainState is the coarse power state of a domain.
type DomainState string

const (
	DomainStateRunning  DomainState = "running"
	DomainStateShutoff  DomainState = "shutoff"
	DomainStateShutdown DomainState = "shutting-down"
	DomainStatePaused   DomainState = "paused"
	DomainStateCrashed  DomainState = "crashed"
	DomainStateUnknown  DomainState = "unknown"
)

func toDomainState(s libvirt.DomainState) DomainState {
	switch s {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return DomainStateRunning
	case libvirt.DOMAIN_SHUTOFF:
		return DomainStateShutoff
	case libvirt.DOMAIN_SHUTDOWN:
		return DomainStateShutdown
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return DomainStatePaused
	case libvirt.DOMAIN_CRASHED:
		return DomainStateCrashed
	default:
		return DomainStateUnknown
	}
}

// DefineDomain defines (but does not start) a domain. Redefining an existing
// name replaces its configuration.
func (v *VMM) DefineDomain(cfg VMConfig) error {
	if v.conn == nil {
		return errLibvirtNotInitialized
	}

	domXML, err := generateDomainXML(cfg)
	if err != nil {
		return err
	}

	dom, err := v.conn.DomainDefineXML(domXML)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineDomain)
	}

	v.mu.Lock()
	if old, ok := v.domains[cfg.Name]; ok {
		_ = old.Free()
	}
	v.domains[cfg.Name] = dom
	v.mu.Unlock()

	slog.Info("defined domain", "vmName", cfg.Name, "disk", cfg.DiskPath, "iso", cfg.InstallerISOPath)
	return nil
}

// getDomain returns a domain handle, checking memory first then querying libvirt.
func (v *VMM) getDomain(name string) (*libvirt.Domain, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if dom, ok := v.domains[name]; ok && dom != nil {
		return dom, nil
	}
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
	}
	v.domains[name] = dom
	return dom, nil
}

// DomainExists reports whether libvirt knows a domain by that name.
func (v *VMM) DomainExists(name string) bool {
	_, err := v.getDomain(name)
	return err == nil
}

// StartDomain powers on a defined domain.
func (v *VMM) StartDomain(name string) error {
	dom, err := v.getDomain(name)
	if err != nil {
		return err
	}
	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errStartDomain)
	}
	slog.Info("started domain", "vmName", name)
	return nil
}

// ShutdownDomain asks the guest to power off through ACPI. It does not wait.
func (v *VMM) ShutdownDomain(name string) error {
	dom, err := v.getDomain(name)
	if err != nil {
		return err
	}
	if err := dom.Shutdown(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errShutdownDomain)
	}
	return nil
}

// DestroyDomain powers a domain off immediately, like pulling the plug.
// Destroying a domain that is already off is a no-op.
func (v *VMM) DestroyDomain(name string) error {
	state, err := v.State(name)
	if err != nil {
		return err
	}
	if state == DomainStateShutoff {
		return nil
	}

	dom, err := v.getDomain(name)
	if err != nil {
		return err
	}
	if err := dom.Destroy(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errDestroyDomain)
	}
	slog.Info("destroyed domain", "vmName", name)
	return nil
}

// UndefineDomain powers off and removes a domain definition. The disk is left
// in place; it belongs to the run, not to the domain.
func (v *VMM) UndefineDomain(name string) error {
	if !v.DomainExists(name) {
		slog.Info("domain not found in libvirt, skipping undefine", "vmName", name)
		return nil
	}
	if err := v.DestroyDomain(name); err != nil {
		return err
	}

	dom, err := v.getDomain(name)
	if err != nil {
		return err
	}
	if err := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_NVRAM); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errUndefineDomain)
	}

	v.mu.Lock()
	_ = dom.Free()
	delete(v.domains, name)
	v.mu.Unlock()
	return nil
}

// State returns the power state of a domain.
func (v *VMM) State(name string) (DomainState, error) {
	dom, err := v.getDomain(name)
	if err != nil {
		return DomainStateUnknown, err
	}
	state, _, err := dom.GetState()
	if err != nil {
		return DomainStateUnknown, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	return toDomainState(state), nil
}

// WaitForState polls until the domain reaches want or ctx is done.
func (v *VMM) WaitForState(ctx context.Context, name string, want DomainState, poll time.Duration) error {
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		got, err := v.State(name)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("vmName=%s want=%s got=%s", name, want, got), ErrTimeoutWaitingState)
		case <-tick.C:
		}
	}
}

// DomainIP polls DHCP leases for the domain's IPv4 address with backoff until
// ctx is done.
func (v *VMM) DomainIP(ctx context.Context, name string) (string, error) {
	dom, err := v.getDomain(name)
	if err != nil {
		return "", err
	}

	backoff := 1 * time.Second
	maxBackoff := 10 * time.Second

	for {
		ifaces, err := dom.ListAllInterfaceAddresses(
			libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE,
		)
		if err == nil {
			for _, iface := range ifaces {
				for _, addr := range iface.Addrs {
					if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
						return strings.Split(addr.Addr, "/")[0], nil
					}
				}
			}
		} else {
			slog.Debug("error listing interface addresses", "vmName", name, "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), fmt.Errorf("vmName=%s", name), ErrTimeoutWaitingIP)
		case <-time.After(backoff):
		}

		backoff = min(time.Duration(float64(backoff)*1.5), maxBackoff)
	}
}

// DomainXML returns the live XML of a domain, for debugging.
func (v *VMM) DomainXML(name string) (string, error) {
	dom, err := v.getDomain(name)
	if err != nil {
		return "", err
	}
	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainXML)
	}
	return xml, nil
}
