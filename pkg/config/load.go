package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/taskgate/pkg/types"
)

// ErrUnknownRole is returned when a child task names a role with no policy.
var ErrUnknownRole = errors.New("unknown role")

// Load reads a YAML configuration file over DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Policies maps roles to their write policies.
type Policies struct {
	Roles map[string]types.RolePolicy `yaml:"roles" json:"roles"`
}

// Role returns the policy for role.
func (p *Policies) Role(role string) (types.RolePolicy, error) {
	if p != nil {
		if policy, ok := p.Roles[role]; ok {
			return policy, nil
		}
	}
	return types.RolePolicy{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// LoadPolicies reads a role policy file. YAML is a superset of JSON, so one
// decoder serves both.
func LoadPolicies(path string) (*Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}

	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policies file: %w", err)
	}
	if len(p.Roles) == 0 {
		return nil, fmt.Errorf("policies file %s defines no roles", path)
	}
	return &p, nil
}

// LoadChildTask reads a child task from a .json, .yaml or .yml file.
func LoadChildTask(path string) (*types.ChildTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read child task: %w", err)
	}

	var task types.ChildTask
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("failed to parse child task: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("failed to parse child task: %w", err)
		}
	}
	return &task, nil
}
