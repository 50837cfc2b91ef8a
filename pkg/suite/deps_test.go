//go:build unit

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

package suite_test

import (
	"go/build"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/alexandremahdhaoui/installsuite"

// moduleImports walks the non-test imports of the module-local package in
// dir and returns every package reached, local or not.
func moduleImports(t *testing.T, root, dir string) map[string]bool {
	t.Helper()

	seen := map[string]bool{}
	var walk func(dir string)
	walk = func(dir string) {
		pkg, err := build.Default.ImportDir(dir, 0)
		require.NoError(t, err)
		for _, imp := range pkg.Imports {
			if seen[imp] {
				continue
			}
			seen[imp] = true
			if rel, ok := strings.CutPrefix(imp, modulePath+"/"); ok {
				walk(filepath.Join(root, filepath.FromSlash(rel)))
			}
		}
	}
	walk(dir)
	return seen
}

// The suite and its in-memory machine run on hosts without libvirt
// headers, so neither may pull in the libvirt bindings.
func TestSuiteBuildsWithoutLibvirt(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", ".."))
	require.NoError(t, err)

	for _, dir := range []string{
		filepath.Join(root, "pkg", "suite"),
		filepath.Join(root, "pkg", "machine"),
		filepath.Join(root, "internal", "util", "fakes", "machinefake"),
	} {
		t.Run(filepath.Base(dir), func(t *testing.T) {
			for imp := range moduleImports(t, root, dir) {
				assert.False(t, strings.HasPrefix(imp, "libvirt.org/"), "imports %s", imp)
				assert.NotEqual(t, modulePath+"/pkg/vmm", imp)
				assert.NotEqual(t, modulePath+"/pkg/machine/libvirtmachine", imp)
			}
		})
	}
}
