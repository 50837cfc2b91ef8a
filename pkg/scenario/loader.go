package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrScenarioNotFound = errors.New("scenario file does not exist")

	errReadScenario  = errors.New("failed to read scenario file")
	errParseScenario = errors.New("failed to parse scenario YAML")
	errListScenarios = errors.New("failed to list scenario files")
)

// Loader reads scenario files. Relative paths are looked up in its base
// directory first, then as given.
type Loader struct {
	basePath string
}

// NewLoader returns a Loader rooted at basePath, or at the working directory
// when basePath is empty.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{basePath: basePath}
}

// Load reads the scenario at path, applies defaults and validates it.
func (l *Loader) Load(path string) (*Scenario, error) {
	resolved, err := l.resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", resolved), errReadScenario)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("path=%s", resolved), err)
	}
	return s, nil
}

// Parse decodes, defaults and validates a scenario document. Unknown fields
// are rejected.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Join(err, errParseScenario)
	}

	s.SetDefaults()
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadMultiple loads every path. It returns the scenarios that loaded and one
// error per path that did not.
func (l *Loader) LoadMultiple(paths []string) ([]*Scenario, []error) {
	scenarios := make([]*Scenario, 0, len(paths))
	var errs []error

	for _, path := range paths {
		s, err := l.Load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load %s: %w", path, err))
			continue
		}
		scenarios = append(scenarios, s)
	}

	return scenarios, errs
}

// List returns the YAML files of the base directory, sorted.
func (l *Loader) List() ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(l.basePath, pattern))
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("dir=%s", l.basePath), errListScenarios)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) resolvePath(path string) (string, error) {
	candidates := []string{path}
	if !filepath.IsAbs(path) {
		candidates = []string{filepath.Join(l.basePath, path), path}
	}

	for _, c := range candidates {
		_, err := os.Stat(c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", errors.Join(err, fmt.Errorf("path=%s", c), errReadScenario)
		}
	}
	return "", errors.Join(fmt.Errorf("path=%s", path), ErrScenarioNotFound)
}

// DefaultScenarioPath returns the default directory of scenario files,
// relative to the project root.
func DefaultScenarioPath() string {
	return "test/scenarios"
}
