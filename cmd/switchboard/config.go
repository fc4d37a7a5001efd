// ABOUTME: YAML file configuration for the switchboard server.
// ABOUTME: Missing file or missing sections fall back to built-in defaults.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lanternlabs/switchboard/classify"
	"github.com/lanternlabs/switchboard/persona"
	"github.com/lanternlabs/switchboard/pipeline"
)

// FileConfig is the on-disk YAML configuration shape.
type FileConfig struct {
	Server struct {
		Addr      string `yaml:"addr"`
		GlobalRPM int    `yaml:"global_rpm"`
	} `yaml:"server"`

	Rails *pipeline.SafetyRails `yaml:"rails"`

	Persona *persona.Config `yaml:"persona"`

	Classifier *classify.Config `yaml:"classifier"`

	OpenAI struct {
		APIKeyEnv string `yaml:"api_key_env"` // env var holding the key (default OPENAI_API_KEY)
		Model     string `yaml:"model"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"openai"`

	Retrieval struct {
		Endpoint string `yaml:"endpoint"` // empty disables retrieval
	} `yaml:"retrieval"`

	Storage struct {
		SqlitePath    string `yaml:"sqlite_path"` // empty keeps the in-memory store
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"storage"`
}

// loadConfig reads the YAML config at path. A missing file yields defaults;
// a malformed file is an error.
func loadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// rails returns the configured safety rails, or the defaults.
func (c *FileConfig) rails() pipeline.SafetyRails {
	if c.Rails != nil {
		return *c.Rails
	}
	return pipeline.DefaultSafetyRails()
}

// personaConfig returns the configured persona, or the defaults.
func (c *FileConfig) personaConfig() persona.Config {
	if c.Persona != nil {
		return *c.Persona
	}
	return persona.DefaultConfig()
}

// classifier builds the keyword classifier from config, or the default one.
func (c *FileConfig) classifier() classify.Classifier {
	if c.Classifier != nil {
		return classify.NewKeywordClassifier(*c.Classifier)
	}
	return classify.NewDefaultClassifier()
}
