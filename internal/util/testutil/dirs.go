package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// libvirtGroups are the groups the qemu process may run as, depending on the
// distribution.
var libvirtGroups = []string{"libvirt", "libvirt-qemu", "kvm", "qemu"}

// PrepareLibvirtDir creates parentDir/name readable by the qemu process.
// t.TempDir() is 0700, so every ancestor up to /tmp is opened to 0755 and the
// libvirt groups get a default ACL on the new directory.
func PrepareLibvirtDir(t *testing.T, parentDir, name string) string {
	t.Helper()

	dir := filepath.Join(parentDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create libvirt directory %q: %v", dir, err)
	}

	for cur := parentDir; ; cur = filepath.Dir(cur) {
		if err := os.Chmod(cur, 0o755); err != nil {
			t.Logf("chmod %q: %v", cur, err)
		}
		if cur == "/tmp" || cur == filepath.Dir(cur) {
			break
		}
	}

	for _, group := range detectLibvirtGroups(t) {
		for _, args := range [][]string{
			{"setfacl", "-m", fmt.Sprintf("g:%s:rwx", group), dir},
			{"setfacl", "-d", "-m", fmt.Sprintf("g:%s:rwx", group), dir},
		} {
			if out, err := exec.Command("sudo", args...).CombinedOutput(); err != nil {
				t.Logf("%s: %v: %s", strings.Join(args, " "), err, out)
			}
		}
	}

	return dir
}

// detectLibvirtGroups returns the group set in /etc/libvirt/qemu.conf plus the
// well-known libvirt groups present on the host.
func detectLibvirtGroups(t *testing.T) []string {
	t.Helper()

	seen := make(map[string]bool)
	var groups []string
	add := func(g string) {
		if g != "" && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}

	if data, err := os.ReadFile("/etc/libvirt/qemu.conf"); err == nil {
		add(qemuConfGroup(data))
	}
	for _, g := range libvirtGroups {
		if exec.Command("getent", "group", g).Run() == nil {
			add(g)
		}
	}

	if len(groups) == 0 {
		t.Logf("no libvirt group found, relying on directory modes")
	}
	return groups
}

// qemuConfGroup returns the value of the uncommented `group = "..."` line.
func qemuConfGroup(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "group" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

// RequireEnv returns the value of key, or skips the test when it is unset.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()

	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s is not set", key)
	}
	return v
}
