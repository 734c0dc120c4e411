package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models studioline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Budget struct {
		Total         float64            `yaml:"total"`
		Split         map[string]float64 `yaml:"split"`
		CostPerCredit float64            `yaml:"cost_per_credit"`
	} `yaml:"budget"`
	Schedule struct {
		Start        string            `yaml:"start"`
		DurationDays int               `yaml:"duration_days"`
		Milestones   []MilestoneConfig `yaml:"milestones"`
	} `yaml:"schedule"`
	Review struct {
		Threshold    int `yaml:"threshold"`
		MaxRevisions int `yaml:"max_revisions"`
	} `yaml:"review"`
	Execution struct {
		MaxParallel        int `yaml:"max_parallel"`
		CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	} `yaml:"execution"`
	Providers []ProviderConfig          `yaml:"providers"`
	Phases    map[string][]TaskTemplate `yaml:"phases"`
	Webhooks  []WebhookConfig           `yaml:"webhooks"`
	Export    ExportConfig              `yaml:"export"`
}

type MilestoneConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Phase     string   `yaml:"phase"`
	DueInDays int      `yaml:"due_in_days"`
	Requires  []string `yaml:"requires"`
}

type ProviderConfig struct {
	ID           string             `yaml:"id"`
	Departments  []string           `yaml:"departments"`
	Category     string             `yaml:"category"`
	Tier         string             `yaml:"tier"`
	Kind         string             `yaml:"kind"`
	Endpoint     string             `yaml:"endpoint"`
	APIKeyEnv    string             `yaml:"api_key_env"`
	Quality      float64            `yaml:"quality"`
	Credits      float64            `yaml:"credits"`
	Fail         bool               `yaml:"fail"`
	LatencyMs    int                `yaml:"latency_ms"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
}

type CapabilityConfig struct {
	Action string                 `yaml:"action"`
	Input  map[string]FieldConfig `yaml:"input"`
}

type FieldConfig struct {
	Required bool     `yaml:"required"`
	Type     string   `yaml:"type"`
	Enum     []string `yaml:"enum"`
}

// TaskTemplate describes one task a phase instantiates.
type TaskTemplate struct {
	ID         string            `yaml:"id"`
	Department string            `yaml:"department"`
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Priority   int               `yaml:"priority"`
	Inputs     map[string]string `yaml:"inputs"`
	DependsOn  []string          `yaml:"depends_on"`
	Requires   []string          `yaml:"requires"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ExportConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// DateLayout is the format of schedule.start.
const DateLayout = "2006-01-02"

var (
	knownDepartments = []string{"writing", "direction", "cinematography", "audio", "editing", "production-design", "production"}
	knownPhases      = []string{"development", "pre-production", "production", "post-production", "delivery"}
	knownTiers       = []string{"primary", "secondary", "tertiary"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl config import --file <path>", path)
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
	if c.Project.Kind != "creative-production" {
		return fmt.Errorf("config.project.kind must be 'creative-production'")
	}
	if c.Budget.Total < 0 {
		return fmt.Errorf("config.budget.total must not be negative")
	}
	var splitSum float64
	for dept, amount := range c.Budget.Split {
		if !oneOf(knownDepartments, dept) {
			return fmt.Errorf("config.budget.split has unknown department %s", dept)
		}
		if amount < 0 {
			return fmt.Errorf("config.budget.split.%s must not be negative", dept)
		}
		splitSum += amount
	}
	if splitSum > c.Budget.Total {
		return fmt.Errorf("config.budget.split totals %.2f which exceeds budget %.2f", splitSum, c.Budget.Total)
	}
	if c.Review.Threshold < 0 || c.Review.Threshold > 10 {
		return fmt.Errorf("config.review.threshold must be between 0 and 10")
	}
	if c.Review.MaxRevisions < 0 {
		return fmt.Errorf("config.review.max_revisions must not be negative")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config.providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s is declared twice", p.ID)
		}
		seen[p.ID] = true
		if p.Tier != "" && !oneOf(knownTiers, p.Tier) {
			return fmt.Errorf("provider %s has unknown tier %s", p.ID, p.Tier)
		}
		switch p.Kind {
		case "", "local":
		case "http":
			if strings.TrimSpace(p.Endpoint) == "" {
				return fmt.Errorf("provider %s: http providers need an endpoint", p.ID)
			}
		default:
			return fmt.Errorf("provider %s has unknown kind %s", p.ID, p.Kind)
		}
		for _, d := range p.Departments {
			if !oneOf(knownDepartments, d) {
				return fmt.Errorf("provider %s serves unknown department %s", p.ID, d)
			}
		}
		if len(p.Capabilities) == 0 {
			return fmt.Errorf("provider %s declares no capabilities", p.ID)
		}
	}
	for phase, templates := range c.Phases {
		if !oneOf(knownPhases, phase) {
			return fmt.Errorf("config.phases has unknown phase %s", phase)
		}
		ids := map[string]bool{}
		for _, t := range templates {
			if t.ID == "" {
				return fmt.Errorf("phase %s has a task without id", phase)
			}
			if ids[t.ID] {
				return fmt.Errorf("phase %s declares task %s twice", phase, t.ID)
			}
			ids[t.ID] = true
			if !oneOf(knownDepartments, t.Department) {
				return fmt.Errorf("task %s has unknown department %s", t.ID, t.Department)
			}
		}
	}
	if c.Schedule.Start != "" {
		if _, err := time.Parse(DateLayout, c.Schedule.Start); err != nil {
			return fmt.Errorf("config.schedule.start must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Schedule.DurationDays < 0 {
		return fmt.Errorf("config.schedule.duration_days must not be negative")
	}
	for _, m := range c.Schedule.Milestones {
		if m.ID == "" {
			return fmt.Errorf("config.schedule.milestones entries need an id")
		}
		if m.Phase != "" && !oneOf(knownPhases, m.Phase) {
			return fmt.Errorf("milestone %s has unknown phase %s", m.ID, m.Phase)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func oneOf(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studioline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a production.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = "creative-production"
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

// ReviewThreshold returns the approval rating threshold, defaulting to 7.
func (c *Config) ReviewThreshold() int {
	if c == nil || c.Review.Threshold == 0 {
		return 7
	}
	return c.Review.Threshold
}

// MaxRevisions returns the revision cap, defaulting to 2.
func (c *Config) MaxRevisions() int {
	if c == nil || c.Review.MaxRevisions == 0 {
		return 2
	}
	return c.Review.MaxRevisions
}

const defaultTemplate = `project:
  id: %s
  kind: creative-production

budget:
  total: 100000
  cost_per_credit: 10
  split:
    writing: 5000
    direction: 10000

schedule:
  duration_days: 120
  milestones:
    - id: script-locked
      name: Script locked
      phase: development
      due_in_days: 14
      requires: [script]
    - id: greenlight
      name: Greenlight package
      phase: pre-production
      due_in_days: 35
      requires: [shot-list, schedule]
    - id: principal-photography
      name: Principal photography wrapped
      phase: production
      due_in_days: 70
      requires: [footage]
    - id: picture-lock
      name: Picture lock
      phase: post-production
      due_in_days: 100
      requires: [final-cut]
    - id: delivered
      name: Delivery package accepted
      phase: delivery
      due_in_days: 120
      requires: [deliverables-package]

review:
  threshold: 7
  max_revisions: 2

execution:
  max_parallel: 4
  call_timeout_seconds: 30

providers:
  - id: local-text
    departments: [writing, direction, production]
    category: text
    tier: primary
    quality: 0.85
    credits: 2
    capabilities:
      - action: generate-text
        input:
          prompt: {required: true, type: string}
      - action: plan
  - id: local-text-backup
    departments: [writing, direction, production]
    category: text
    tier: secondary
    quality: 0.75
    credits: 1
    capabilities:
      - action: generate-text
      - action: plan
  - id: local-image
    departments: [production-design, cinematography]
    category: image
    tier: primary
    quality: 0.8
    credits: 4
    capabilities:
      - action: generate-image
      - action: plan
  - id: local-image-backup
    departments: [production-design, cinematography]
    category: image
    tier: secondary
    quality: 0.72
    credits: 2
    capabilities:
      - action: generate-image
      - action: plan
  - id: local-video
    departments: [cinematography, editing, direction]
    category: video
    tier: primary
    quality: 0.8
    credits: 8
    capabilities:
      - action: generate-video
      - action: edit-media
  - id: local-video-backup
    departments: [cinematography, editing, direction]
    category: video
    tier: secondary
    quality: 0.7
    credits: 4
    capabilities:
      - action: generate-video
      - action: edit-media
  - id: local-audio
    departments: [audio]
    category: audio
    tier: primary
    quality: 0.82
    credits: 3
    capabilities:
      - action: generate-audio
      - action: edit-media
      - action: generate-text
  - id: local-audio-backup
    departments: [audio]
    category: audio
    tier: secondary
    quality: 0.7
    credits: 1
    capabilities:
      - action: generate-audio
      - action: edit-media
      - action: generate-text

phases:
  development:
    - id: script
      department: writing
      type: script
      name: "{{.Title}} screenplay"
      priority: 10
      inputs:
        prompt: "Write a screenplay for {{.Title}}: {{.Logline}}"
        genre: "{{.Genre}}"
    - id: vision
      department: direction
      type: vision
      name: "{{.Title}} director's vision"
      priority: 8
      depends_on: [script]
      requires: [script]
      inputs:
        prompt: "Director's vision for {{.Title}}"
    - id: budget-plan
      department: production
      type: budget-plan
      name: "{{.Title}} budget plan"
      priority: 5
      inputs:
        prompt: "Top-sheet budget for {{.Title}}"
  pre-production:
    - id: concept-art
      department: production-design
      type: concept-art
      name: Concept art
      priority: 7
      requires: [vision]
      inputs:
        prompt: "Concept art for {{.Title}}"
    - id: shot-list
      department: cinematography
      type: shot-list
      name: Shot list
      priority: 8
      requires: [script, vision]
      inputs:
        prompt: "Shot list for {{.Title}}"
    - id: schedule
      department: production
      type: schedule
      name: Shooting schedule
      priority: 6
      depends_on: [shot-list]
      requires: [shot-list]
      inputs:
        prompt: "Shooting schedule for {{.Title}}"
    - id: music-brief
      department: audio
      type: music-brief
      name: Music brief
      priority: 4
      requires: [vision]
      inputs:
        prompt: "Music brief for {{.Title}} ({{.Genre}})"
  production:
    - id: footage
      department: cinematography
      type: footage
      name: Principal photography
      priority: 10
      requires: [shot-list, concept-art]
      inputs:
        prompt: "Footage for {{.Title}}"
    - id: dialogue-recording
      department: audio
      type: dialogue-recording
      name: Production dialogue
      priority: 8
      requires: [script]
      inputs:
        prompt: "Dialogue for {{.Title}}"
    - id: performance-notes
      department: direction
      type: performance-notes
      name: Performance notes
      priority: 5
      depends_on: [footage]
      requires: [footage]
      inputs:
        prompt: "Performance notes for {{.Title}}"
  post-production:
    - id: rough-cut
      department: editing
      type: rough-cut
      name: Rough cut
      priority: 10
      requires: [footage, script]
      inputs:
        prompt: "Rough cut of {{.Title}}"
    - id: color-grade
      department: editing
      type: color-grade
      name: Color grade
      priority: 6
      depends_on: [rough-cut]
      requires: [rough-cut]
    - id: sound-mix
      department: audio
      type: sound-mix
      name: Sound mix
      priority: 6
      depends_on: [rough-cut]
      requires: [rough-cut, dialogue-recording]
    - id: final-cut
      department: editing
      type: final-cut
      name: "{{.Title}} final cut"
      priority: 9
      depends_on: [color-grade, sound-mix]
      requires: [color-grade, sound-mix]
  delivery:
    - id: deliverables-package
      department: production
      type: deliverables-package
      name: "{{.Title}} deliverables"
      priority: 10
      requires: [final-cut]
      inputs:
        prompt: "Deliverables package for {{.Title}}"
    - id: distribution-plan
      department: production
      type: distribution-plan
      name: Distribution plan
      priority: 5
      depends_on: [deliverables-package]
      inputs:
        prompt: "Distribution plan for {{.Title}}"
`
