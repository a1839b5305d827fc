// Package config loads scenario files. A scenario is a YAML document that
// describes one simulation: banks, markets, network density, policy, seed,
// and the cascade and limit parameters.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atmx/contagion-engine/internal/simulation"
)

var (
	// ErrEmptyScenario is returned for a file with no document.
	ErrEmptyScenario = errors.New("config: scenario is empty")

	// ErrInvalidName is returned for a scenario name that is not a plain
	// file stem.
	ErrInvalidName = errors.New("config: invalid scenario name")

	// ErrScenarioNotFound is returned when a named scenario does not exist.
	ErrScenarioNotFound = errors.New("config: scenario not found")
)

// Extension of scenario files.
const Extension = ".yaml"

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Scenario is the on-disk shape (YAML). The simulation fields are inlined so
// a file reads as a flat document.
type Scenario struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	simulation.Config `yaml:",inline"`
}

// Overrides replace scenario fields from the command line. Zero values
// leave the scenario untouched.
type Overrides struct {
	Seed   int64
	Steps  int
	Policy string
}

// Load reads, defaults and validates a scenario file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Parse decodes a scenario. Unknown keys are rejected so a typo does not
// silently fall back to a default.
func Parse(raw []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyScenario
		}
		return nil, err
	}
	s.Config = s.Config.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the simulation parameters.
func (s *Scenario) Validate() error {
	if s == nil {
		return ErrEmptyScenario
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("scenario invalid: %w", err)
	}
	return nil
}

// Apply overlays non-zero overrides and re-validates.
func (s *Scenario) Apply(o Overrides) error {
	if o.Seed != 0 {
		s.Seed = o.Seed
	}
	if o.Steps != 0 {
		s.Steps = o.Steps
	}
	if o.Policy != "" {
		s.Policy = o.Policy
	}
	return s.Validate()
}

// Simulation returns the config to start a session with.
func (s *Scenario) Simulation() simulation.Config {
	return s.Config
}

// Path resolves a scenario name inside dir.
func Path(dir, name string) (string, error) {
	if !nameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name+Extension), nil
}

// LoadNamed loads dir/<name>.yaml.
func LoadNamed(dir, name string) (*Scenario, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScenarioNotFound, name)
	}
	return Load(path)
}

// List returns the scenario names in dir, sorted. A missing dir has no
// scenarios.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}
