package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"safeline/internal/change"
)

// ProjectKind is the only project kind safeline manages.
const ProjectKind = "machinery-safety"

// Config models safeline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Checklist struct {
		Catalog map[string]CatalogItem `yaml:"catalog" json:"catalog"`
	} `yaml:"checklist" json:"checklist"`
	ChangeControl ChangeControl   `yaml:"change_control" json:"change_control"`
	Webhooks      []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// CatalogItem is a general checklist item every assessment of the project is
// expected to carry.
type CatalogItem struct {
	Title    string `yaml:"title" json:"title"`
	Required bool   `yaml:"required" json:"required"`
}

type ChangeControl struct {
	// DualReview lists the change types that need two approvals by default.
	DualReview []string `yaml:"dual_review" json:"dual_review"`
	// SeparationOfDuties requires reviewers to differ from the requester and
	// from each other. Nil means enabled.
	SeparationOfDuties *bool `yaml:"separation_of_duties,omitempty" json:"separation_of_duties,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// RequiresDualReview reports whether changes of type t default to two
// approvals.
func (c *Config) RequiresDualReview(t change.Type) bool {
	return slices.Contains(c.ChangeControl.DualReview, string(t))
}

// SeparationOfDuties reports whether reviewer separation is enforced.
func (c *Config) SeparationOfDuties() bool {
	return c.ChangeControl.SeparationOfDuties == nil || *c.ChangeControl.SeparationOfDuties
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with safeline config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	for code, item := range c.Checklist.Catalog {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("config.checklist.catalog contains empty code")
		}
		if strings.TrimSpace(item.Title) == "" {
			return fmt.Errorf("checklist item %s has empty title", code)
		}
	}
	for _, t := range c.ChangeControl.DualReview {
		if !slices.Contains(change.Types, change.Type(t)) {
			return fmt.Errorf("config.change_control.dual_review has unknown change type %s", t)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "safeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, ProjectKind)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = ProjectKind
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: %s

checklist:
  catalog:
    hazard.identification:
      title: "Hazards identified for every lifecycle phase"
      required: true
    srs.approved:
      title: "Safety requirements specification approved"
      required: true
    validation.plan:
      title: "Validation plan written and reviewed"
      required: true
    user.information:
      title: "Residual risks documented in user information"
      required: false

change_control:
  dual_review: [SRSUpdate, FunctionModify, ComponentChange]
  separation_of_duties: true
`
