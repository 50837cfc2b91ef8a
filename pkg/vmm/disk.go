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
	"os"
	"os/exec"
	"path/filepath"
)

// CreateDisk creates an empty qcow2 image. size uses qemu-img notation ("20G").
func CreateDisk(ctx context.Context, path, size string) error {
	if size == "" {
		size = defaultDiskSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Join(err, errCreateDisk)
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", path, size)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateDisk)
	}
	return nil
}

// SeedISOPath returns where CreateSeedISO writes the seed of a domain.
func (v *VMM) SeedISOPath(vmName string) string {
	return filepath.Join(v.tempDir(), fmt.Sprintf("%s-cloud-init.iso", vmName))
}

// RemoveSeedISO deletes the seed of a domain, if any.
func (v *VMM) RemoveSeedISO(vmName string) error {
	if err := os.Remove(v.SeedISOPath(vmName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (v *VMM) tempDir() string {
	if v.baseDir != "" {
		return v.baseDir
	}
	return os.TempDir()
}

// CreateSeedISO writes a cloud-init NoCloud seed ISO carrying userData.
func (v *VMM) CreateSeedISO(ctx context.Context, vmName, userData string) (string, error) {
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", vmName, vmName)
	isoPath := v.SeedISOPath(vmName)

	cloudInitDir := filepath.Join(v.tempDir(), fmt.Sprintf("%s-cloud-init-config", vmName))
	if err := os.MkdirAll(cloudInitDir, 0o755); err != nil {
		return "", errors.Join(err, errCreateCloudInitDir)
	}
	defer os.RemoveAll(cloudInitDir)

	userFile := filepath.Join(cloudInitDir, "user-data")
	if err := os.WriteFile(userFile, []byte(userData), 0o644); err != nil {
		return "", errors.Join(err, errWriteUserData)
	}

	metaFile := filepath.Join(cloudInitDir, "meta-data")
	if err := os.WriteFile(metaFile, []byte(metaData), 0o644); err != nil {
		return "", errors.Join(err, errWriteMetaData)
	}

	xorrisoCmd := exec.CommandContext(
		ctx,
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		cloudInitDir,
	)
	if output, err := xorrisoCmd.CombinedOutput(); err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), errCreateCloudInitISO)
	}
	return isoPath, nil
}
