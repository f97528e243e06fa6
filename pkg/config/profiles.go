package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/keel/pkg/budget"
)

// profileSchema constrains budget profile files: non-negative integer
// limits, known policy names, no unknown keys.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["limits"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "steps": {"type": "integer", "minimum": 0},
        "wall_clock_ms": {"type": "integer", "minimum": 0},
        "llm_tokens": {"type": "integer", "minimum": 0},
        "cost_micro_usd": {"type": "integer", "minimum": 0},
        "network_egress_bytes": {"type": "integer", "minimum": 0},
        "storage_write_bytes": {"type": "integer", "minimum": 0}
      }
    },
    "policies": {
      "type": "object",
      "additionalProperties": {
        "type": "string",
        "enum": ["hard_stop", "approval_required", "soft_warn"]
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func profileValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://keel.schemas.local/budget_profile.schema.json"
		if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
			schemaErr = fmt.Errorf("profile schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// BudgetProfile is a named, reusable budget configuration applied when a
// run is created.
type BudgetProfile struct {
	Name     string            `yaml:"name"`
	Limits   budget.Limits     `yaml:"limits"`
	Policies map[string]string `yaml:"policies,omitempty"`
}

// ResolvedPolicies merges the profile's overrides over the defaults.
func (p *BudgetProfile) ResolvedPolicies() budget.Policies {
	m := make(map[string]any, len(p.Policies))
	for k, v := range p.Policies {
		m[k] = v
	}
	return budget.PoliciesFromMap(m)
}

// LoadProfile loads and validates profile_<name>.yaml from the directory.
func LoadProfile(dir, name string) (*BudgetProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(name)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	return parseProfile(data, name)
}

// LoadAllProfiles loads every profile_*.yaml file from the directory.
func LoadAllProfiles(dir string) (map[string]*BudgetProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*BudgetProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		base := filepath.Base(path)
		fallback := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		p, err := parseProfile(data, fallback)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func parseProfile(data []byte, fallbackName string) (*BudgetProfile, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", fallbackName, err)
	}

	sch, err := profileValidator()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(raw); err != nil {
		return nil, fmt.Errorf("profile %q rejected by schema: %w", fallbackName, err)
	}

	var p BudgetProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", fallbackName, err)
	}
	if p.Name == "" {
		p.Name = fallbackName
	}
	return &p, nil
}
