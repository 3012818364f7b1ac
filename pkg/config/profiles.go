package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ameliahq/amelia/pkg/agent"
	"github.com/ameliahq/amelia/pkg/models"
)

// Role keys every profile must bind a driver for.
var requiredRoles = []string{agent.RoleArchitect, agent.RoleDeveloper, agent.RoleReviewer}

// DriverConfig describes how to invoke one coding-agent CLI.
type DriverConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// profilesFile is the YAML document shape.
type profilesFile struct {
	Drivers  map[string]DriverConfig   `yaml:"drivers"`
	Profiles map[string]models.Profile `yaml:"profiles"`
}

// Registry resolves profile names to resolved profiles and agent
// rosters. It implements orchestrator.RosterProvider.
type Registry struct {
	profiles map[string]*models.Profile
	drivers  map[string]agent.Driver
}

// LoadProfiles reads the registry from a YAML file. An empty path
// yields a registry with only the built-in default profile.
func LoadProfiles(path string) (*Registry, error) {
	r := &Registry{
		profiles: map[string]*models.Profile{},
		drivers:  map[string]agent.Driver{},
	}

	if path == "" {
		r.profiles["default"] = builtinDefaultProfile()
		r.drivers["claude"] = agent.NewExecDriver("claude")
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profiles file %s defines no profiles", path)
	}

	for name, dc := range file.Drivers {
		if dc.Command == "" {
			return nil, fmt.Errorf("driver %q: command is required", name)
		}
		r.drivers[name] = agent.NewExecDriver(dc.Command, dc.Args...)
	}

	for name, p := range file.Profiles {
		profile := p
		profile.Name = name
		if err := r.validateProfile(&profile); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		r.profiles[name] = &profile
	}
	return r, nil
}

func (r *Registry) validateProfile(p *models.Profile) error {
	for _, role := range requiredRoles {
		binding, ok := p.Agents[role]
		if !ok {
			return fmt.Errorf("missing agent binding for role %q", role)
		}
		if _, ok := r.drivers[binding.Driver]; !ok {
			return fmt.Errorf("role %q references unknown driver %q", role, binding.Driver)
		}
	}
	return nil
}

// Get returns a profile by name.
func (r *Registry) Get(name string) (*models.Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// Names returns all profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roster builds the agent roster for a profile. Implements
// orchestrator.RosterProvider.
func (r *Registry) Roster(profileID string) (*agent.Roster, *models.Profile, error) {
	p, err := r.Get(profileID)
	if err != nil {
		return nil, nil, err
	}
	roster := &agent.Roster{
		Architect: &agent.DriverArchitect{
			Driver: r.drivers[p.Agents[agent.RoleArchitect].Driver],
			Model:  p.Agents[agent.RoleArchitect].Model,
		},
		Developer: &agent.DriverDeveloper{
			Driver: r.drivers[p.Agents[agent.RoleDeveloper].Driver],
			Model:  p.Agents[agent.RoleDeveloper].Model,
		},
		Reviewer: &agent.DriverReviewer{
			Driver: r.drivers[p.Agents[agent.RoleReviewer].Driver],
			Model:  p.Agents[agent.RoleReviewer].Model,
		},
	}
	return roster, p, nil
}

func builtinDefaultProfile() *models.Profile {
	return &models.Profile{
		Name:    "default",
		Tracker: "none",
		Agents: map[string]models.Driver{
			agent.RoleArchitect: {Driver: "claude"},
			agent.RoleDeveloper: {Driver: "claude"},
			agent.RoleReviewer:  {Driver: "claude"},
		},
	}
}
