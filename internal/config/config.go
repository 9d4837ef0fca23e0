package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models the intake policy for one questionnaire: the gating rules the
// wizard applies before letting a respondent move forward. Stored in the DB as
// JSON, importable and exportable as anamnesis.yml.
type Config struct {
	Questionnaire struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"questionnaire" json:"questionnaire"`
	Gating struct {
		RequireIntroWatched bool `yaml:"require_intro_watched" json:"require_intro_watched"`
		RequireStepWatched  bool `yaml:"require_step_watched" json:"require_step_watched"`
		MinAnswerWords      int  `yaml:"min_answer_words" json:"min_answer_words"`
		AllowBack           bool `yaml:"allow_back" json:"allow_back"`
	} `yaml:"gating" json:"gating"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig describes one endpoint notified of matching events.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Default returns the policy applied when a questionnaire has no stored
// config: both video gates on, presence-only answers, no back navigation.
func Default(questionnaireID string) *Config {
	cfg := &Config{}
	cfg.Questionnaire.ID = questionnaireID
	cfg.Gating.RequireIntroWatched = true
	cfg.Gating.RequireStepWatched = true
	cfg.Gating.MinAnswerWords = 0
	cfg.Gating.AllowBack = false
	return cfg
}

// Path returns the YAML config location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "anamnesis.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ana questionnaire config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a YAML config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Questionnaire.ID == "" {
		return fmt.Errorf("config.questionnaire.id is required")
	}
	if c.Gating.MinAnswerWords < 0 {
		return fmt.Errorf("config.gating.min_answer_words must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}
