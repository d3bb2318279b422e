// Package config loads and validates the declarative per-application
// configuration the Keeper reads from disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxvault/vault/internal/state"
)

// ApplicationConfig is the Keeper-side declaration of one application:
// its agent addresses (or empty, meaning "discover" via the node
// directory), polling cadence, signing identities, and its components.
type ApplicationConfig struct {
	AppName   string `yaml:"app_name"`
	Port      int    `yaml:"port"`
	PollEvery string `yaml:"poll_interval"`

	// Addresses lists explicit agent addresses; empty means "discover" via
	// the fabric node-directory HTTP endpoint.
	Addresses []string `yaml:"addresses,omitempty"`

	// SigningIdentities are the addresses the Agent accepts during mode-3
	// signature authentication.
	SigningIdentities []string `yaml:"signing_identities,omitempty"`

	Components map[string]*ComponentConfig `yaml:"components"`

	// CommonFiles is merged into every component's directive list before
	// state managers are built.
	CommonFiles []DirectiveSpec `yaml:"common_files,omitempty"`

	// Groups maps a shared-group name to the directive list its members
	// inherit.
	Groups map[string][]DirectiveSpec `yaml:"groups,omitempty"`

	// PollInterval is PollEvery parsed; populated by Validate.
	PollInterval time.Duration `yaml:"-"`
}

// ComponentConfig is one application component: a staging directory on
// the Keeper's disk, an absolute working directory on the agent, and the
// directives declaring what should exist there.
type ComponentConfig struct {
	Name          string          `yaml:"-"`
	LocalWorkDir  string          `yaml:"local_workdir"`
	RemoteWorkDir string          `yaml:"remote_workdir"`
	Directives    []DirectiveSpec `yaml:"directives,omitempty"`
	Groups        []string        `yaml:"groups,omitempty"`
}

// DirectiveSpec is the YAML source for one state.Directive: an object
// name, its local source path (relative to the component's staging
// directory), an optional remote subdirectory (relative to the
// component's remote working directory), and a sync strategy.
type DirectiveSpec struct {
	Name         string `yaml:"name"`
	Local        string `yaml:"local"`
	RemoteSubdir string `yaml:"remote_subdir,omitempty"`
	Strategy     string `yaml:"strategy"`
}

// Load reads and validates one application's config.yaml from path.
func Load(path string) (*ApplicationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(MalformedYaml, fmt.Errorf("read %s: %w", path, err))
	}

	var cfg ApplicationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, newError(MalformedYaml, fmt.Errorf("parse %s: %w", path, err))
	}

	for name, comp := range cfg.Components {
		comp.Name = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the startup-fatal configuration invariants and populates
// PollInterval. Called automatically by Load; exported so tests and
// programmatically-constructed configs can validate without a file.
func (a *ApplicationConfig) Validate() error {
	if a.AppName == "" {
		return newError(MalformedYaml, fmt.Errorf("app_name is required"))
	}

	interval := 60 * time.Second
	if a.PollEvery != "" {
		d, err := time.ParseDuration(a.PollEvery)
		if err != nil {
			return newError(MalformedYaml, fmt.Errorf("poll_interval %q: %w", a.PollEvery, err))
		}
		interval = d
	}
	a.PollInterval = interval

	for name, comp := range a.Components {
		if comp.Name == "" {
			comp.Name = name
		}
		if !filepath.IsAbs(comp.RemoteWorkDir) {
			return newError(NonAbsoluteRemoteWorkdir, fmt.Errorf("component %q: remote_workdir %q must be absolute", name, comp.RemoteWorkDir))
		}
		for _, d := range comp.Directives {
			if filepath.IsAbs(d.Local) {
				return newError(AbsoluteLocalPath, fmt.Errorf("component %q: directive %q local path %q must not be absolute", name, d.Name, d.Local))
			}
			if _, err := strategyFromString(d.Strategy); err != nil {
				return newError(MalformedYaml, fmt.Errorf("component %q: directive %q: %w", name, d.Name, err))
			}
		}
	}
	for _, d := range a.CommonFiles {
		if filepath.IsAbs(d.Local) {
			return newError(AbsoluteLocalPath, fmt.Errorf("common_files: directive %q local path %q must not be absolute", d.Name, d.Local))
		}
	}

	return nil
}

func strategyFromString(s string) (state.Strategy, error) {
	switch s {
	case "STRICT":
		return state.STRICT, nil
	case "ALLOW_ADDS":
		return state.ALLOW_ADDS, nil
	case "ENSURE_CREATED":
		return state.ENSURE_CREATED, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}
