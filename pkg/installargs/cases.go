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

package installargs

import "strings"

// Category groups invalid invocations by the argument they exercise.
type Category string

const (
	CategoryDisk        Category = "disk"
	CategoryHostname    Category = "hostname"
	CategoryFilesystem  Category = "filesystem"
	CategoryFido        Category = "fido"
	CategoryHibernation Category = "hibernation"
)

// Case is an argument string the installer must refuse.
type Case struct {
	Category Category
	Args     string
}

// Categories returns every category in the order the suite checks them.
func Categories() []Category {
	return []Category{
		CategoryDisk,
		CategoryHostname,
		CategoryFilesystem,
		CategoryFido,
		CategoryHibernation,
	}
}

// Description is the subtest label used when checking the category.
func (c Category) Description() string {
	switch c {
	case CategoryHibernation:
		return "Check that incorrect filesystem parameter fails with hibernation"
	default:
		return "Check that incorrect " + string(c) + " parameter fails"
	}
}

// InvalidCases returns the known-invalid argument strings of a category.
// /dev/sda is refused because the test machine only has /dev/vda.
func InvalidCases(c Category) []Case {
	var args []string
	switch c {
	case CategoryDisk:
		args = []string{
			"",
			"/dev/sda",
			"/dev/sda /dev/vda",
		}
	case CategoryHostname:
		args = []string{
			"--hostname",
			"--hostname= /dev/vda",
			"--hostname=- /dev/vda",
			"--hostname=inc0r^ct /dev/vda",
			"--hostname=" + strings.Repeat("1", 64) + " /dev/vda",
			"--hostname=" + strings.Repeat("1", 68) + " /dev/vda",
		}
	case CategoryFilesystem:
		args = []string{
			"--filesystem",
			"--filesystem= /dev/vda",
			"--filesystem=ext4 /dev/vda",
		}
	case CategoryFido:
		args = []string{
			"--fido /dev/vda",
		}
	case CategoryHibernation:
		args = []string{
			"--hibernation --filesystem=zfs /dev/vda",
		}
	}

	out := make([]Case, 0, len(args))
	for _, a := range args {
		out = append(out, Case{Category: c, Args: a})
	}
	return out
}

// AllInvalidCases returns the invalid cases of every category.
func AllInvalidCases() []Case {
	var out []Case
	for _, c := range Categories() {
		out = append(out, InvalidCases(c)...)
	}
	return out
}
